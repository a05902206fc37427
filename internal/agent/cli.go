package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/philiporange/supervisor/internal/process"
)

const (
	DefaultCommand = "robot"
	DefaultModel   = "sonnet"
	DefaultTimeout = 300 * time.Second
)

// CLI runs the agent as `<command> run -m <model> -d <dir> -t <secs> <prompt>`.
// Exit status 0 means the agent reports the problem fixed.
type CLI struct {
	Command string
	Model   string
	// KillAfter is how long past the agent's own -t limit it may run before
	// its process group is killed.
	KillAfter time.Duration
}

func NewCLI(command, model string) *CLI {
	if command == "" {
		command = DefaultCommand
	}
	if model == "" {
		model = DefaultModel
	}
	return &CLI{Command: command, Model: model, KillAfter: 30 * time.Second}
}

// Available reports whether the agent binary can be found.
func (c *CLI) Available() bool {
	_, err := exec.LookPath(c.Command)
	return err == nil
}

func (c *CLI) Run(ctx context.Context, req Request) (Result, error) {
	bin, err := exec.LookPath(c.Command)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s not found", ErrUnavailable, c.Command)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout+c.KillAfter)
	defer cancel()

	before := TakeSnapshot(req.WorkDir)

	// #nosec G204
	cmd := exec.CommandContext(runCtx, bin, "run",
		"-m", c.Model,
		"-d", req.WorkDir,
		"-t", strconv.Itoa(int(timeout/time.Second)),
		req.Prompt)
	cmd.Dir = req.WorkDir
	process.SetProcessGroup(cmd)
	cmd.Cancel = func() error {
		return process.SignalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	slog.Info("invoking remediation agent", "command", c.Command, "model", c.Model, "dir", req.WorkDir)
	start := time.Now()
	err = cmd.Run()
	files := before.Changed(TakeSnapshot(req.WorkDir))

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return Result{FilesModified: files}, ctx.Err()
		}
		return Result{FilesModified: files}, fmt.Errorf("agent timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Result{}, fmt.Errorf("run agent: %w", err)
	}

	res := Result{Success: err == nil, Response: stdout.String(), FilesModified: files}
	if !res.Success && stderr.Len() > 0 {
		res.Response = strings.TrimRight(res.Response, "\n")
		if res.Response != "" {
			res.Response += "\n"
		}
		res.Response += stderr.String()
	}
	slog.Info("remediation agent finished", "success", res.Success, "files_modified", len(files),
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}
