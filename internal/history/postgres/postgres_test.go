package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/pavr/internal/history"
	"github.com/loykin/pavr/internal/status"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start PostgreSQL container")
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.NewEvent("main.3",
		status.Entry{State: status.Created}, status.Entry{When: now, State: status.Running, Note: "go"})))
	require.NoError(t, sink.Send(ctx, history.NewEvent("main.3",
		status.Entry{State: status.Running}, status.Entry{When: now.Add(time.Second), State: status.Complete, Note: "done"})))

	got, err := sink.Events(ctx, "main.3")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, status.Running, got[0].State)
	assert.Equal(t, status.Complete, got[1].State)

	// The schema is created idempotently.
	again, err := New(connStr)
	require.NoError(t, err)
	_ = again.Close()
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
