package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Service is a long-running command kept alive by the supervisor.
// Name is unique and never changes after creation.
type Service struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Command        string    `json:"command"`
	WorkingDir     string    `json:"working_dir,omitempty"`
	Port           int       `json:"port,omitempty"`
	Enabled        bool      `json:"enabled"`
	ExposeCaddy    bool      `json:"expose_caddy"`
	CaddySubdomain string    `json:"caddy_subdomain,omitempty"`
	CaddyPath      string    `json:"caddy_path,omitempty"`
	WatchDirs      []string  `json:"watch_dirs"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ResolveWorkDir returns the explicit working directory, or the parent of the
// first command token that looks like a Python script path.
func (s Service) ResolveWorkDir() string {
	if s.WorkingDir != "" {
		return s.WorkingDir
	}
	return InferWorkDir(s.Command)
}

// EffectiveWatchDirs lists the directories counted toward disk usage.
func (s Service) EffectiveWatchDirs() []string {
	if len(s.WatchDirs) > 0 {
		return s.WatchDirs
	}
	if s.WorkingDir != "" {
		return []string{s.WorkingDir}
	}
	return nil
}

// InferWorkDir finds a "/"-containing token ending in .py and returns its
// directory. Unparseable commands yield "".
func InferWorkDir(command string) string {
	parts, err := shlex.Split(command)
	if err != nil {
		return ""
	}
	for _, p := range parts {
		if strings.HasSuffix(p, ".py") && strings.Contains(p, "/") {
			return filepath.Dir(p)
		}
	}
	return ""
}

// CronJob is a command run on a 5-field cron schedule.
type CronJob struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Schedule   string            `json:"schedule"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Enabled    bool              `json:"enabled"`
	Timeout    int               `json:"timeout"` // seconds
	WatchDirs  []string          `json:"watch_dirs"`
	EnvVars    map[string]string `json:"env_vars"`
	EnvFile    string            `json:"env_file,omitempty"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

const DefaultCronTimeout = 300

func (j CronJob) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultCronTimeout * time.Second
	}
	return time.Duration(j.Timeout) * time.Second
}

type LogEntry struct {
	ID        int64     `json:"id"`
	ServiceID int64     `json:"service_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

type Metric struct {
	ID         int64     `json:"id"`
	ServiceID  int64     `json:"service_id"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	DiskMB     *float64  `json:"disk_mb"`
	Timestamp  time.Time `json:"timestamp"`
}

// FixAttempt records one invocation of the remediation agent for a service.
// Only Restored changes after creation.
type FixAttempt struct {
	ID            int64     `json:"id"`
	ServiceID     int64     `json:"service_id"`
	ErrorSummary  string    `json:"error_summary"`
	AgentResponse string    `json:"agent_response,omitempty"`
	Success       bool      `json:"success"`
	FilesModified []string  `json:"files_modified"`
	BackupPath    string    `json:"backup_path,omitempty"`
	Restored      bool      `json:"restored"`
	Timestamp     time.Time `json:"timestamp"`
}

func (f FixAttempt) CanRestore() bool { return f.BackupPath != "" && !f.Restored }

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NotFound wraps ErrNotFound with the entity kind and key.
func NotFound(kind string, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}

func (f FixAttempt) MarshalJSON() ([]byte, error) {
	type alias FixAttempt
	return json.Marshal(struct {
		alias
		CanRestore bool `json:"can_restore"`
	}{alias(f), f.CanRestore()})
}
