package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/philiporange/supervisor/internal/history"
	"github.com/philiporange/supervisor/internal/logger"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/store"
)

const (
	DefaultStopTimeout = 10 * time.Second
	killGrace          = 5 * time.Second
)

// ErrNotRunning is returned by operations that need a live service process.
var ErrNotRunning = errors.New("service not running")

// ServiceLookup resolves a service definition by name. store.Store satisfies it.
type ServiceLookup interface {
	GetService(ctx context.Context, name string) (*store.Service, error)
}

type Options struct {
	LogDir             string
	Log                logger.Config // rotation settings; Dir defaults to LogDir
	RestartDelay       time.Duration
	MaxRestartAttempts int
	Sink               LineSink
	Services           ServiceLookup
	Events             history.Sink
}

// Info describes a tracked service process.
type Info struct {
	Name         string     `json:"name"`
	PID          int        `json:"pid"`
	Running      bool       `json:"running"`
	StartedAt    time.Time  `json:"started_at"`
	RestartCount int        `json:"restart_count"`
	LastRestart  *time.Time `json:"last_restart,omitempty"`
}

type handle struct {
	name         string
	cmd          *exec.Cmd
	pid          int
	startedAt    time.Time
	restartCount int
	lastRestart  time.Time
	stopping     atomic.Bool
	done         chan struct{} // closed after cmd.Wait returns
	output       chan struct{} // closed after output is drained
	exitErr      error         // valid once done is closed
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager starts, stops and watches service processes. Each running service
// owns two pipe readers, one output dispatcher and one waiter goroutine.
type Manager struct {
	opts    Options
	mu      sync.Mutex
	procs   map[string]*handle
	startMu sync.Mutex // serializes launches so a name never gets two processes
}

func New(opts Options) *Manager {
	if opts.Log.Dir == "" {
		opts.Log.Dir = opts.LogDir
	}
	if opts.MaxRestartAttempts < 0 {
		opts.MaxRestartAttempts = 0
	}
	return &Manager{opts: opts, procs: make(map[string]*handle)}
}

// SetSink replaces the line sink used for services started afterwards.
func (m *Manager) SetSink(s LineSink) {
	m.mu.Lock()
	m.opts.Sink = s
	m.mu.Unlock()
}

func (m *Manager) get(name string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[name]
}

// remove drops name from the table only if it still maps to h.
func (m *Manager) remove(name string, h *handle) {
	m.mu.Lock()
	if m.procs[name] == h {
		delete(m.procs, name)
	}
	m.mu.Unlock()
}

// Start launches svc. It is a no-op when the service is already running.
func (m *Manager) Start(svc store.Service) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if h := m.get(svc.Name); h != nil && !h.exited() {
		slog.Info("service already running", "name", svc.Name, "pid", h.pid)
		return nil
	}
	h, err := m.launch(svc)
	if err != nil {
		slog.Error("failed to start service", "name", svc.Name, "error", err)
		return fmt.Errorf("start %s: %w", svc.Name, err)
	}
	m.mu.Lock()
	m.procs[svc.Name] = h
	m.mu.Unlock()

	metrics.IncStart(svc.Name)
	history.Emit(context.Background(), m.opts.Events, history.Event{
		Type: history.ServiceStart, Subject: svc.Name, OccurredAt: h.startedAt, PID: h.pid,
	})
	slog.Info("started service", "name", svc.Name, "pid", h.pid)
	return nil
}

func (m *Manager) launch(svc store.Service) (*handle, error) {
	cmd, err := BuildCommand(svc.Command, svc.ResolveWorkDir())
	if err != nil {
		return nil, err
	}
	cmd.Env = os.Environ()

	if err := os.MkdirAll(m.opts.Log.ServiceDir(svc.Name), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	outW, errW, err := m.opts.Log.ServiceWriters(svc.Name)
	if err != nil {
		return nil, err
	}

	outR, outPW, err := os.Pipe()
	if err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, err
	}
	errR, errPW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outPW.Close()
		_ = outW.Close()
		_ = errW.Close()
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = outPW, errPW

	if err := cmd.Start(); err != nil {
		for _, c := range []interface{ Close() error }{outR, outPW, errR, errPW, outW, errW} {
			_ = c.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	_ = outPW.Close()
	_ = errPW.Close()

	h := &handle{
		name:      svc.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		output:    make(chan struct{}),
	}
	m.mu.Lock()
	sink := m.opts.Sink
	m.mu.Unlock()
	pump(svc.Name, outR, errR, outW, errW, sink, h.output)
	go func() {
		h.exitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Stop terminates the service's process group: SIGTERM, then SIGKILL after
// timeout. The service is no longer tracked when Stop returns.
func (m *Manager) Stop(name string, timeout time.Duration) error {
	h := m.get(name)
	if h == nil {
		slog.Info("service is not running", "name", name)
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	h.stopping.Store(true)
	defer m.remove(name, h)

	var err error
	if !h.exited() {
		if serr := SignalGroup(h.pid, syscall.SIGTERM); serr != nil {
			slog.Debug("SIGTERM failed", "name", name, "pid", h.pid, "error", serr)
		}
		select {
		case <-h.done:
		case <-time.After(timeout):
			slog.Warn("service did not stop gracefully, forcing kill", "name", name, "pid", h.pid)
			_ = SignalGroup(h.pid, syscall.SIGKILL)
			select {
			case <-h.done:
			case <-time.After(killGrace):
				err = fmt.Errorf("stop %s: process %d did not exit after SIGKILL", name, h.pid)
			}
		}
	}

	metrics.IncStop(name)
	ev := history.Event{Type: history.ServiceStop, Subject: name, PID: h.pid}
	if h.exited() {
		code := ExitCode(h.exitErr)
		ev.ExitCode = &code
	}
	history.Emit(context.Background(), m.opts.Events, ev)
	slog.Info("stopped service", "name", name)
	return err
}

// Restart stops the service, waits RestartDelay and starts it again.
// A concurrent Start between the two steps may win; Start is then a no-op.
func (m *Manager) Restart(ctx context.Context, svc store.Service) error {
	if err := m.Stop(svc.Name, DefaultStopTimeout); err != nil {
		slog.Warn("stop before restart", "name", svc.Name, "error", err)
	}
	if err := sleepCtx(ctx, m.opts.RestartDelay); err != nil {
		return err
	}
	return m.Start(svc)
}

func (m *Manager) IsRunning(name string) bool {
	h := m.get(name)
	return h != nil && !h.exited()
}

// PID returns the pid of a running service.
func (m *Manager) PID(name string) (int, bool) {
	h := m.get(name)
	if h == nil || h.exited() {
		return 0, false
	}
	return h.pid, true
}

// Info reports on a tracked service, running or crashed but not yet reaped
// by CheckAndRestartCrashed.
func (m *Manager) Info(name string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.procs[name]
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

func (h *handle) info() Info {
	i := Info{
		Name:         h.name,
		PID:          h.pid,
		Running:      !h.exited(),
		StartedAt:    h.startedAt,
		RestartCount: h.restartCount,
	}
	if !h.lastRestart.IsZero() {
		t := h.lastRestart
		i.LastRestart = &t
	}
	return i
}

// Running returns the sorted names of services whose process is alive.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.procs))
	for name, h := range m.procs {
		if !h.exited() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CheckAndRestartCrashed restarts services whose process exited without a
// stop request. Services that are gone, disabled or over the restart ceiling
// are dropped instead.
func (m *Manager) CheckAndRestartCrashed(ctx context.Context) error {
	m.mu.Lock()
	var crashed []*handle
	for _, h := range m.procs {
		if h.exited() && !h.stopping.Load() {
			crashed = append(crashed, h)
		}
	}
	m.mu.Unlock()
	sort.Slice(crashed, func(i, j int) bool { return crashed[i].name < crashed[j].name })

	for _, h := range crashed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.recoverCrash(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("crash recovery failed", "name", h.name, "error", err)
		}
	}
	return nil
}

func (m *Manager) recoverCrash(ctx context.Context, h *handle) error {
	name := h.name
	m.mu.Lock()
	attempts := h.restartCount
	m.mu.Unlock()
	code := ExitCode(h.exitErr)
	slog.Warn("service has crashed, attempting restart", "name", name, "exit_code", code)
	metrics.IncCrash(name)
	history.Emit(ctx, m.opts.Events, history.Event{Type: history.ServiceCrash, Subject: name, PID: h.pid, ExitCode: &code})

	if m.opts.Services == nil {
		m.remove(name, h)
		return nil
	}
	svc, err := m.opts.Services.GetService(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		slog.Error("crashed service not found in store", "name", name)
		m.remove(name, h)
		return nil
	}
	if err != nil {
		return err
	}
	if !svc.Enabled {
		slog.Info("service is disabled, not restarting", "name", name)
		m.remove(name, h)
		return nil
	}
	if attempts >= m.opts.MaxRestartAttempts {
		slog.Error("service exceeded max restart attempts, giving up", "name", name, "attempts", attempts)
		m.remove(name, h)
		metrics.IncAbandoned(name)
		history.Emit(ctx, m.opts.Events, history.Event{Type: history.ServiceAbandon, Subject: name, Message: fmt.Sprintf("%d restart attempts", attempts)})
		return nil
	}

	m.remove(name, h)
	if err := sleepCtx(ctx, m.opts.RestartDelay); err != nil {
		return err
	}
	if err := m.Start(*svc); err != nil {
		return err
	}
	m.mu.Lock()
	nh := m.procs[name]
	if nh != nil {
		nh.restartCount = attempts + 1
		nh.lastRestart = time.Now()
	}
	m.mu.Unlock()
	metrics.IncRestart(name)
	if nh != nil {
		history.Emit(ctx, m.opts.Events, history.Event{Type: history.ServiceRestart, Subject: name, PID: nh.pid})
	}
	return nil
}

// ShutdownAll stops every tracked service concurrently.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := m.Stop(name, DefaultStopTimeout); err != nil {
				slog.Error("shutdown stop failed", "name", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
