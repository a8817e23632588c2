package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/EternisAI/silo-warden/internal/models"
)

func StartPostgres(ctx context.Context, dbUser, dbPassword, dbName string) (*postgres.PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		postgres.WithDatabase(dbName),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container state: %w", err)
	}

	if !state.Running {
		return nil, errors.New("postgres container is not running")
	}

	return container, nil
}

func TerminatePostgres(ctx context.Context, container *postgres.PostgresContainer) error {
	if err := container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}

// SeedAccount inserts an account row. Accounts are provisioned outside the
// engine, so the store itself has no create operation.
func SeedAccount(ctx context.Context, pool *pgxpool.Pool, a models.Account) error {
	const q = `
INSERT INTO accounts (id, credential, status, expires_at, assigned_port, concurrency_limit, device_limit,
bandwidth_used, bandwidth_limit)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := pool.Exec(ctx, q, a.ID, a.Credential, string(a.Status), a.ExpiresAt, a.AssignedPort,
		a.ConcurrencyLimit, a.DeviceLimit, a.BandwidthUsed, a.BandwidthLimit)
	if err != nil {
		return fmt.Errorf("seed account %s: %w", a.ID, err)
	}
	return nil
}
