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

	"github.com/loykin/pavr/internal/history"
	"github.com/loykin/pavr/internal/status"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

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
	require.NoError(t, err, "start ClickHouse container")

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "status_events"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	now := time.Now().UTC()
	for _, st := range []status.State{status.Created, status.Running, status.Complete} {
		e := history.NewEvent("s4", status.Entry{}, status.Entry{When: now, State: st, Note: "n"})
		require.NoError(t, sink.Send(ctx, e))
	}
	n, err := sink.Count(ctx, "s4")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestNew_RejectsBadTable(t *testing.T) {
	_, err := New(Options{Addr: "localhost:1", Table: "x; DROP TABLE y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}
