package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 4, h, m, s, 0, time.Local)
}

func TestShouldRunAt(t *testing.T) {
	cases := []struct {
		expr string
		when time.Time
		want bool
	}{
		{"*/15 * * * *", at(10, 15, 0), true},
		{"*/15 * * * *", at(10, 15, 42), true},
		{"*/15 * * * *", at(10, 16, 0), false},
		{"*/15 * * * *", at(10, 0, 0), true},
		{"* * * * *", at(3, 7, 59), true},
		{"30 2 * * *", at(2, 30, 0), true},
		{"30 2 * * *", at(2, 31, 0), false},
		{"@hourly", at(9, 0, 5), true},
		{"not a schedule", at(10, 15, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.expr+"@"+tc.when.Format("15:04:05"), func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRunAt(tc.expr, tc.when))
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	ok, msg := ValidateSchedule("0 */2 * * 1-5")
	assert.True(t, ok)
	assert.Equal(t, "Valid schedule", msg)

	ok, msg = ValidateSchedule("61 * * * *")
	assert.False(t, ok)
	assert.NotEmpty(t, msg)

	ok, _ = ValidateSchedule("* * * *")
	assert.False(t, ok)

	_, err := ParseSchedule("")
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestNextRuns(t *testing.T) {
	runs, err := NextRuns("*/15 * * * *", at(10, 7, 0), 3)
	require.NoError(t, err)
	want := []time.Time{at(10, 15, 0), at(10, 30, 0), at(10, 45, 0)}
	require.Len(t, runs, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(runs[i]), "run %d: %s", i, runs[i])
	}

	next, err := NextRun("0 0 * * *", at(23, 59, 0))
	require.NoError(t, err)
	assert.True(t, at(0, 0, 0).AddDate(0, 0, 1).Equal(next), next.String())

	_, err = NextRun("bogus", at(0, 0, 0))
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	now := at(10, 7, 0)
	cases := map[string]string{
		"* * * * *":    "Every minute",
		"*/15 * * * *": "Every 15 minutes",
		"5 * * * *":    "Every hour at minute 5",
		"30 2 * * *":   "Daily at 2:30",
		"0 9 * * *":    "Daily at 9:00",
		"0 9 * * 1":    "Next: 2026-03-09 09:00",
		"garbage":      "Invalid schedule",
		"@daily":       "Next: 2026-03-05 00:00",
	}
	for expr, want := range cases {
		assert.Equal(t, want, Describe(expr, now), expr)
	}
}
