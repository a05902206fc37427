package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWorkDir(t *testing.T) {
	cases := []struct {
		svc  Service
		want string
	}{
		{Service{WorkingDir: "/srv/app", Command: "python /x/y.py"}, "/srv/app"},
		{Service{Command: "python /home/me/bot/main.py --flag"}, "/home/me/bot"},
		{Service{Command: "python app.py"}, ""},
		{Service{Command: "uv run 'dir with space/run.py'"}, "dir with space"},
		{Service{Command: "node server.js"}, ""},
		{Service{Command: `python "unterminated`}, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.svc.ResolveWorkDir(), c.svc.Command)
	}
}

func TestEffectiveWatchDirs(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, Service{WorkingDir: "/w", WatchDirs: []string{"/a", "/b"}}.EffectiveWatchDirs())
	assert.Equal(t, []string{"/w"}, Service{WorkingDir: "/w"}.EffectiveWatchDirs())
	assert.Nil(t, Service{}.EffectiveWatchDirs())
}

func TestExecution_Transitions(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	ok := NewExecution(1, start)
	assert.False(t, ok.Success())
	ok.MarkRunning()
	assert.False(t, ok.State.Terminal())
	ok.Complete(0, "out", "", start.Add(2*time.Second), Peak{CPUPercent: 12, MemoryMB: 30})
	assert.True(t, ok.Success())
	assert.True(t, ok.State.Terminal())
	assert.InDelta(t, 2.0, ok.DurationSeconds, 0.001)
	require.NotNil(t, ok.MemoryMB)
	assert.Equal(t, 30.0, *ok.MemoryMB)

	bad := NewExecution(1, start)
	bad.Complete(3, "", "boom", start.Add(time.Second), Peak{})
	assert.False(t, bad.Success())
	assert.Equal(t, 3, *bad.ExitCode)

	to := NewExecution(1, start)
	to.TimeOut(5*time.Second, "", "", start.Add(5*time.Second), Peak{})
	assert.False(t, to.Success())
	assert.Equal(t, -1, *to.ExitCode)
	assert.Equal(t, ExecTimedOut, to.State)
	assert.Contains(t, to.Stderr, "Timeout after 5 seconds")

	failed := NewExecution(1, start)
	failed.Fail("exec: \"nope\": executable file not found", start)
	assert.Equal(t, -1, *failed.ExitCode)
	assert.NotNil(t, failed.FinishedAt)
	assert.False(t, failed.Success())
}

func TestExecution_JSONIncludesSuccess(t *testing.T) {
	e := NewExecution(7, time.Now())
	e.Complete(0, "", "", time.Now(), Peak{})
	e.SetFixResult(false)
	b, err := json.Marshal(e)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, true, m["success"])
	assert.Equal(t, true, m["fix_attempted"])
	assert.Equal(t, false, m["fix_success"])
}

func TestFixAttempt_CanRestore(t *testing.T) {
	assert.False(t, FixAttempt{}.CanRestore())
	assert.True(t, FixAttempt{BackupPath: "/b"}.CanRestore())
	assert.False(t, FixAttempt{BackupPath: "/b", Restored: true}.CanRestore())

	b, err := json.Marshal(FixAttempt{ID: 2, BackupPath: "/b"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"can_restore":true`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "ab", Truncate("ab", 3))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
}
