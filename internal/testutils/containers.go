package testutils

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer represents a PostgreSQL container for testing purposes.
type PostgresContainer struct {
	DSN string

	User     string
	Password string
	Name     string
	Host     string
	Port     int
}

// StartPostgresContainer starts a PostgreSQL container for testing purposes.
// It is terminated at the end of the test.
func StartPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	const (
		defaultUser     = "postgres"
		defaultPassword = "postgres"
		defaultName     = "testdb"
	)

	skipWithoutContainers(t)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     defaultUser,
			"POSTGRES_PASSWORD": defaultPassword,
			"POSTGRES_DB":       defaultName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	host, port := startContainer(t, req, "5432/tcp")

	pc := &PostgresContainer{
		DSN: fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			defaultUser, defaultPassword, host, port, defaultName),

		User:     defaultUser,
		Password: defaultPassword,
		Name:     defaultName,
		Host:     host,
		Port:     port,
	}
	require.NoError(t, pc.isReady(t, 5*time.Second, 10), "Setup: PostgreSQL is not ready")
	return pc
}

// isReady checks if the PostgreSQL database is connectable.
// It will attempt to connect to the database multiple times, each attempt being timeout long at most.
func (pc PostgresContainer) isReady(t *testing.T, timeout time.Duration, attempts int) (err error) {
	t.Helper()

	config, err := pgx.ParseConfig(pc.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse DSN: %w", err)
	}

	for i := range attempts {
		ctx, cancel := context.WithTimeout(t.Context(), timeout)
		var conn *pgx.Conn
		conn, err = pgx.ConnectConfig(ctx, config)
		cancel()

		if err != nil {
			t.Logf("Attempt %d: failed to connect to database: %v", i+1, err)
			time.Sleep(1 * time.Second)
			continue
		}

		ctx, cancel = context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		return conn.Close(ctx)
	}

	return fmt.Errorf("database did not become ready after %d attempts: %v", attempts, err)
}

// StartRabbitMQContainer starts a RabbitMQ broker for testing purposes and returns its AMQP URL.
// It is terminated at the end of the test.
func StartRabbitMQContainer(t *testing.T) string {
	t.Helper()

	skipWithoutContainers(t)

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		).WithDeadline(2 * time.Minute),
	}
	host, port := startContainer(t, req, "5672/tcp")
	return fmt.Sprintf("amqp://guest:guest@%s:%d/", host, port)
}

func skipWithoutContainers(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping container test on non-Linux OS")
	}
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, exposed string) (host string, port int) {
	t.Helper()

	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "Setup: failed to start %s container", req.Image)

	host, err = container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")

	mapped, err := container.MappedPort(ctx, nat.Port(exposed))
	require.NoError(t, err, "Setup: failed to get mapped port")

	port, err = strconv.Atoi(mapped.Port())
	require.NoError(t, err, "Setup: invalid mapped port %q", mapped.Port())
	return host, port
}
