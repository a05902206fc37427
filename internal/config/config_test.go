package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPERVISOR_DATA_DIR", dir)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, c.DataDir)
	assert.Equal(t, filepath.Join(dir, "supervisor.db"), c.Database)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, 9900, c.Port)
	assert.Equal(t, 60*time.Second, c.MonitorEvery())
	assert.Equal(t, 7, c.LogRetentionDays)
	assert.True(t, c.AutofixEnabled)
	assert.Equal(t, 300*time.Second, c.AutofixTimeoutDur())
	assert.Equal(t, 5*time.Second, c.RestartDelayDur())
	assert.Equal(t, 3, c.MaxRestartAttempts)
	assert.Equal(t, 10*time.Minute, c.FixCooldown())
	assert.Equal(t, 10, c.BackupKeep)
	assert.Equal(t, int64(10*1024*1024), c.LogMaxBytes)
	assert.Equal(t, 5, c.LogBackupCount)
	assert.Equal(t, "ph1l.uk", c.Caddy.BaseDomain)
	assert.Equal(t, filepath.Join(dir, "logs"), c.LogsDir())
	assert.Equal(t, filepath.Join(dir, "backups"), c.BackupsDir())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SUPERVISOR_DATA_DIR", t.TempDir())
	t.Setenv("MONITOR_INTERVAL", "15")
	t.Setenv("AUTOFIX_ENABLED", "false")
	t.Setenv("MAX_RESTART_ATTEMPTS", "7")
	t.Setenv("CADDY_PORT", "8443")
	t.Setenv("SUPERVISOR_PORT", "9911")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15, c.MonitorInterval)
	assert.False(t, c.AutofixEnabled)
	assert.Equal(t, 7, c.MaxRestartAttempts)
	assert.Equal(t, "8443", c.Caddy.Port)
	assert.Equal(t, "0.0.0.0:9911", c.Addr())
}

func TestLoad_TOMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "supervisor.toml")
	data := `
data_dir = "` + dir + `"
monitor_interval = 30
restart_delay = 2

[caddy]
base_domain = "example.org"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	t.Setenv("RESTART_DELAY", "9")

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 30, c.MonitorInterval)
	assert.Equal(t, 9, c.RestartDelay, "environment wins over file")
	assert.Equal(t, "example.org", c.Caddy.BaseDomain)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("SUPERVISOR_DATA_DIR", t.TempDir())
	t.Setenv("SUPERVISOR_PORT", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	c := &Config{DataDir: filepath.Join(t.TempDir(), "data")}
	require.NoError(t, c.EnsureDirs())
	st, err := os.Stat(c.LogsDir())
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	assert.Equal(t, filepath.Join(home, ".supervisor"), expandHome("~/.supervisor"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}

func TestResolveServiceHost_Explicit(t *testing.T) {
	c := &Config{ServiceHost: "10.0.0.5"}
	assert.Equal(t, "10.0.0.5", c.ResolveServiceHost())
}
