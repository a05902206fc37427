package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000000"

// LineSink receives every classified output line of a supervised service.
// Calls for one service arrive sequentially in pipe order.
type LineSink interface {
	HandleLine(service, level, message string)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(service, level, message string)

func (f LineSinkFunc) HandleLine(service, level, message string) { f(service, level, message) }

type outputLine struct {
	stderr bool
	text   string
}

// pump reads both pipes until EOF and hands lines to a single dispatcher,
// which appends them to the service log files and forwards them to sink.
// done is closed after the dispatcher has drained and closed the files.
func pump(name string, stdout, stderr io.ReadCloser, outW, errW io.WriteCloser, sink LineSink, done chan<- struct{}) {
	lines := make(chan outputLine, 256)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(name, stdout, false, lines, &readers)
	go readLines(name, stderr, true, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	go func() {
		defer close(done)
		defer func() {
			_ = outW.Close()
			_ = errW.Close()
		}()
		for l := range lines {
			w, level := outW, "info"
			if l.stderr {
				w, level = errW, "error"
			}
			if _, err := fmt.Fprintf(w, "[%s] %s\n", time.Now().Format(timestampLayout), l.text); err != nil {
				slog.Debug("write service log", "name", name, "error", err)
			}
			if sink != nil {
				sink.HandleLine(name, Classify(l.text, level), l.text)
			}
		}
	}()
}

func readLines(name string, r io.ReadCloser, stderr bool, out chan<- outputLine, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = r.Close() }()
	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if text := normalize(s); text != "" {
			out <- outputLine{stderr: stderr, text: text}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("read service output", "name", name, "error", err)
			}
			return
		}
	}
}

func normalize(s string) string {
	return strings.TrimRight(strings.ToValidUTF8(s, "�"), " \t\r\n")
}
