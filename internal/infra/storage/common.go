package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExecuteAndTrace wraps a store operation in a client span carrying
// attributes. A failed operation is recorded on the span before its error is
// returned unchanged.
func ExecuteAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(
		ctx,
		spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	if err := operation(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// testImage is the PostgreSQL image integration tests run against.
const testImage = "postgres:17-alpine"

// NewTestPool starts a throwaway PostgreSQL container, applies the embedded
// schema and returns a pool connected to it. The container is terminated
// when t finishes.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	dsn := startPostgres(ctx, t)

	pool, err := OpenPool(ctx, PoolConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

// startPostgres runs the container and returns a DSN reachable from the test.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	const user, password, database = "blockscan", "blockscan", "blockscan_test"
	dsnFor := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			WaitingFor: wait.ForSQL("5432/tcp", "pgx", dsnFor).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return dsnFor(host, port)
}

// NoOpTracer returns a tracer that records nothing.
func NoOpTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }
