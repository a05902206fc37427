package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/philiporange/supervisor/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container, skipping the test
// when Docker is unavailable.
func setupClickHouseContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(addr, "")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	code := 1
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.ServiceStart, Subject: "web", OccurredAt: time.Now().UTC(), PID: 12345}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.ServiceCrash, Subject: "web", OccurredAt: time.Now().UTC(), ExitCode: &code}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.CronFinish, Subject: "nightly", OccurredAt: time.Now().UTC()}))

	n, err := sink.Count(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestInvalidTableName(t *testing.T) {
	_, err := New("localhost:9000", "events; DROP TABLE x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}

func TestTableNamePattern(t *testing.T) {
	assert.True(t, tableName.MatchString("supervisor_events"))
	assert.True(t, tableName.MatchString("db.events"))
	assert.False(t, tableName.MatchString("1events"))
	assert.False(t, tableName.MatchString("a.b.c"))
}
