package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/philiporange/supervisor/internal/env"
)

// Config holds every tunable of the supervisor. Values come from, in order of
// increasing precedence: built-in defaults, an optional TOML file, the process
// environment.
type Config struct {
	DataDir  string `toml:"data_dir" mapstructure:"data_dir"`
	Database string `toml:"database" mapstructure:"database"`

	Host        string `toml:"host" mapstructure:"host"`
	Port        int    `toml:"port" mapstructure:"port"`
	ServiceHost string `toml:"service_host" mapstructure:"service_host"`

	LogMaxBytes    int64  `toml:"log_max_bytes" mapstructure:"log_max_bytes"`
	LogBackupCount int    `toml:"log_backup_count" mapstructure:"log_backup_count"`
	LogLevel       string `toml:"log_level" mapstructure:"log_level"`

	MonitorInterval  int `toml:"monitor_interval" mapstructure:"monitor_interval"`
	LogRetentionDays int `toml:"log_retention_days" mapstructure:"log_retention_days"`

	AutofixEnabled         bool   `toml:"autofix_enabled" mapstructure:"autofix_enabled"`
	AutofixTimeout         int    `toml:"autofix_timeout" mapstructure:"autofix_timeout"`
	AutofixCooldownMinutes int    `toml:"autofix_cooldown_minutes" mapstructure:"autofix_cooldown_minutes"`
	BackupKeep             int    `toml:"backup_keep" mapstructure:"backup_keep"`
	AgentCommand           string `toml:"agent_command" mapstructure:"agent_command"`
	AgentModel             string `toml:"agent_model" mapstructure:"agent_model"`

	RestartDelay       int `toml:"restart_delay" mapstructure:"restart_delay"`
	MaxRestartAttempts int `toml:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	CrashCheckInterval int `toml:"crash_check_interval" mapstructure:"crash_check_interval"`

	HistoryDSN     string `toml:"history_dsn" mapstructure:"history_dsn"`
	MetricsEnabled bool   `toml:"metrics_enabled" mapstructure:"metrics_enabled"`

	Caddy CaddyConfig `toml:"caddy" mapstructure:"caddy"`
}

type CaddyConfig struct {
	AdminURL       string `toml:"admin_url" mapstructure:"admin_url"`
	Domain         string `toml:"domain" mapstructure:"domain"`
	BaseDomain     string `toml:"base_domain" mapstructure:"base_domain"`
	Port           string `toml:"port" mapstructure:"port"`
	SupervisorFile string `toml:"supervisor_file" mapstructure:"supervisor_file"`
}

// key -> environment variable
var envBindings = map[string]string{
	"data_dir":                 "SUPERVISOR_DATA_DIR",
	"database":                 "SUPERVISOR_DATABASE",
	"host":                     "SUPERVISOR_HOST",
	"port":                     "SUPERVISOR_PORT",
	"service_host":             "SERVICE_HOST",
	"log_max_bytes":            "LOG_MAX_BYTES",
	"log_backup_count":         "LOG_BACKUP_COUNT",
	"log_level":                "SUPERVISOR_LOG_LEVEL",
	"monitor_interval":         "MONITOR_INTERVAL",
	"log_retention_days":       "LOG_RETENTION_DAYS",
	"autofix_enabled":          "AUTOFIX_ENABLED",
	"autofix_timeout":          "AUTOFIX_TIMEOUT",
	"autofix_cooldown_minutes": "AUTOFIX_COOLDOWN_MINUTES",
	"backup_keep":              "BACKUP_KEEP",
	"agent_command":            "AUTOFIX_AGENT_COMMAND",
	"agent_model":              "AUTOFIX_AGENT_MODEL",
	"restart_delay":            "RESTART_DELAY",
	"max_restart_attempts":     "MAX_RESTART_ATTEMPTS",
	"crash_check_interval":     "CRASH_CHECK_INTERVAL",
	"history_dsn":              "SUPERVISOR_HISTORY_DSN",
	"metrics_enabled":          "SUPERVISOR_METRICS",
	"caddy.admin_url":          "CADDY_ADMIN_URL",
	"caddy.domain":             "CADDY_DOMAIN",
	"caddy.base_domain":        "CADDY_BASE_DOMAIN",
	"caddy.port":               "CADDY_PORT",
	"caddy.supervisor_file":    "CADDY_SUPERVISOR_FILE",
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".supervisor"))
	v.SetDefault("database", "")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 9900)
	v.SetDefault("service_host", "")
	v.SetDefault("log_max_bytes", 10*1024*1024)
	v.SetDefault("log_backup_count", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("monitor_interval", 60)
	v.SetDefault("log_retention_days", 7)
	v.SetDefault("autofix_enabled", true)
	v.SetDefault("autofix_timeout", 300)
	v.SetDefault("autofix_cooldown_minutes", 10)
	v.SetDefault("backup_keep", 10)
	v.SetDefault("agent_command", "robot")
	v.SetDefault("agent_model", "sonnet")
	v.SetDefault("restart_delay", 5)
	v.SetDefault("max_restart_attempts", 3)
	v.SetDefault("crash_check_interval", 10)
	v.SetDefault("history_dsn", "")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("caddy.admin_url", "http://localhost:2019")
	v.SetDefault("caddy.domain", "h.ph1l.uk:60443")
	v.SetDefault("caddy.base_domain", "ph1l.uk")
	v.SetDefault("caddy.port", "60443")
	v.SetDefault("caddy.supervisor_file", "/etc/caddy/supervisor.conf")
}

// Load builds the configuration. path is an optional TOML file; an empty path
// uses defaults and environment only. A ".env" file in the current directory is
// loaded into the process environment first without overriding existing values.
func Load(path string) (*Config, error) {
	if err := env.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "supervisor.db")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive, got %d", c.MonitorInterval)
	}
	if c.LogRetentionDays <= 0 {
		return fmt.Errorf("log_retention_days must be positive, got %d", c.LogRetentionDays)
	}
	if c.MaxRestartAttempts < 0 || c.RestartDelay < 0 {
		return fmt.Errorf("restart settings must not be negative")
	}
	return nil
}

func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }
func (c *Config) SupervisorLog() string { return filepath.Join(c.DataDir, "supervisor.log") }
func (c *Config) BackupsDir() string { return filepath.Join(c.DataDir, "backups") }
func (c *Config) Addr() string { return net.JoinHostPort(c.Host, fmt.Sprint(c.Port)) }

func (c *Config) MonitorEvery() time.Duration { return seconds(c.MonitorInterval) }
func (c *Config) AutofixTimeoutDur() time.Duration { return seconds(c.AutofixTimeout) }
func (c *Config) RestartDelayDur() time.Duration { return seconds(c.RestartDelay) }
func (c *Config) CrashCheckEvery() time.Duration { return seconds(c.CrashCheckInterval) }
func (c *Config) FixCooldown() time.Duration {
	return time.Duration(c.AutofixCooldownMinutes) * time.Minute
}

// EnsureDirs creates the data and logs directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.LogsDir()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// ResolveServiceHost returns the configured service host, falling back to the
// address of the interface used for outbound traffic, then to localhost.
func (c *Config) ResolveServiceHost() string {
	if c.ServiceHost != "" {
		return c.ServiceHost
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "localhost"
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
