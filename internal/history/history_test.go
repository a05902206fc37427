package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestEmitNilSink(t *testing.T) {
	Emit(context.Background(), nil, Event{Type: ServiceStart, Subject: "web"})
}

func TestEmitFillsTimestamp(t *testing.T) {
	r := &recordingSink{}
	Emit(context.Background(), r, Event{Type: ServiceStart, Subject: "web", PID: 42})
	require.Len(t, r.events, 1)
	assert.False(t, r.events[0].OccurredAt.IsZero())
	assert.Equal(t, time.UTC, r.events[0].OccurredAt.Location())
}

func TestEmitSwallowsErrors(t *testing.T) {
	r := &recordingSink{err: errors.New("down")}
	Emit(context.Background(), r, Event{Type: ServiceCrash, Subject: "web"})
	assert.Len(t, r.events, 1)
}

func TestEmitSurvivesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := NewSQLSinkFromDSN("sqlite://" + path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	Emit(ctx, s, Event{Type: ServiceStop, Subject: "web"})
	n, err := s.Count(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLSinkSend(t *testing.T) {
	s, err := NewSQLSinkFromDSN(":memory:")
	require.NoError(t, err)
	defer func() { _ = Close(s) }()

	code := 2
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, Event{Type: CronFinish, Subject: "backup", OccurredAt: time.Now(), ExitCode: &code}))
	require.NoError(t, s.Send(ctx, Event{Type: ServiceStart, Subject: "web", OccurredAt: time.Now(), PID: 10}))
	require.NoError(t, s.Send(ctx, Event{Type: ServiceStop, Subject: "web", OccurredAt: time.Now()}))

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.Count(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewSQLSinkEmptyDSN(t *testing.T) {
	_, err := NewSQLSinkFromDSN("  ")
	assert.Error(t, err)
}
