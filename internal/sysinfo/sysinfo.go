package sysinfo

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// maxDepth bounds the descendant walk; real trees are far shallower.
const maxDepth = 32

// Usage is the summed resource usage of a process and all its descendants.
type Usage struct {
	PID        int
	CPUPercent float64
	MemoryMB   float64
	Children   int
	StartedAt  time.Time
}

// Sampler measures process trees. CPU percent is the delta since the previous
// sample of the same pid, so a Sampler must be reused across calls; the first
// sample of any pid reports 0 CPU.
type Sampler struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
	trees map[int32]map[int32]struct{} // root pid -> pids seen in the last sample
}

func NewSampler() *Sampler {
	return &Sampler{
		procs: make(map[int32]*process.Process),
		trees: make(map[int32]map[int32]struct{}),
	}
}

// ErrGone reports that the root process no longer exists.
var ErrGone = errors.New("process not found")

// Tree samples pid and its recursive children. Descendants that vanish or
// deny access mid-walk are skipped.
func (s *Sampler) Tree(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("pid %d: %w", pid, ErrGone)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root := int32(pid)
	p, err := s.handle(root)
	if err != nil {
		s.forgetLocked(root)
		return Usage{}, fmt.Errorf("pid %d: %w", pid, ErrGone)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		s.forgetLocked(root)
		return Usage{}, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	u := Usage{PID: pid, MemoryMB: float64(mem.RSS) / bytesPerMB}
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	} else {
		slog.Debug("cpu percent unavailable", "pid", pid, "error", err)
	}
	if ms, err := p.CreateTime(); err == nil && ms > 0 {
		u.StartedAt = time.UnixMilli(ms)
	}

	seen := map[int32]struct{}{root: {}}
	s.walk(p, seen, &u, 0)
	u.Children = len(seen) - 1

	for old := range s.trees[root] {
		if _, ok := seen[old]; !ok {
			delete(s.procs, old)
		}
	}
	s.trees[root] = seen
	return u, nil
}

func (s *Sampler) walk(p *process.Process, seen map[int32]struct{}, u *Usage, depth int) {
	if depth >= maxDepth {
		return
	}
	kids, err := p.Children()
	if err != nil {
		return
	}
	for _, k := range kids {
		if _, dup := seen[k.Pid]; dup {
			continue
		}
		c, err := s.handle(k.Pid)
		if err != nil {
			continue
		}
		mem, err := c.MemoryInfo()
		if err != nil {
			continue
		}
		seen[k.Pid] = struct{}{}
		u.MemoryMB += float64(mem.RSS) / bytesPerMB
		if cpu, err := c.Percent(0); err == nil {
			u.CPUPercent += cpu
		}
		s.walk(c, seen, u, depth+1)
	}
}

func (s *Sampler) handle(pid int32) (*process.Process, error) {
	if p, ok := s.procs[pid]; ok {
		if running, err := p.IsRunning(); err == nil && running {
			return p, nil
		}
		delete(s.procs, pid)
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

// Forget drops cached handles for the tree rooted at pid.
func (s *Sampler) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(int32(pid))
}

// Retain drops cached handles for every tree whose root is not in pids and
// reports how many trees were dropped.
func (s *Sampler) Retain(pids ...int) int {
	keep := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		keep[int32(pid)] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for root := range s.trees {
		if _, ok := keep[root]; ok {
			continue
		}
		s.forgetLocked(root)
		dropped++
	}
	return dropped
}

func (s *Sampler) forgetLocked(root int32) {
	for p := range s.trees[root] {
		delete(s.procs, p)
	}
	delete(s.procs, root)
	delete(s.trees, root)
}

// DirSizeMB sums regular file sizes under each directory. Missing
// directories and unreadable entries are skipped.
func DirSizeMB(dirs ...string) float64 {
	var total int64
	for _, d := range dirs {
		if d == "" {
			continue
		}
		_ = filepath.WalkDir(d, func(_ string, e fs.DirEntry, err error) error {
			if err != nil {
				if e != nil && e.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !e.Type().IsRegular() {
				return nil
			}
			if info, err := e.Info(); err == nil {
				total += info.Size()
			}
			return nil
		})
	}
	return float64(total) / bytesPerMB
}
