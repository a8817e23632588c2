package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

const accountColumns = `id, credential, status, expires_at, assigned_port, concurrency_limit, device_limit,
bandwidth_used, bandwidth_limit, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a      models.Account
		status string
	)
	if err := row.Scan(&a.ID, &a.Credential, &status, &a.ExpiresAt, &a.AssignedPort, &a.ConcurrencyLimit,
		&a.DeviceLimit, &a.BandwidthUsed, &a.BandwidthLimit, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, mapErr("get account", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, mapErr("list accounts", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, mapErr("scan account", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) FindActiveByPort(ctx context.Context, port int) (*models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts
WHERE assigned_port = $1 AND status = 'active'
ORDER BY id LIMIT 1`
	a, err := scanAccount(s.pool.QueryRow(ctx, q, port))
	if err != nil {
		return nil, mapErr("find account by port", err)
	}
	return a, nil
}

func (s *Store) FindActiveUnassigned(ctx context.Context, now time.Time) (*models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts
WHERE assigned_port IS NULL AND status = 'active' AND (expires_at IS NULL OR expires_at >= $1)
ORDER BY id LIMIT 1`
	a, err := scanAccount(s.pool.QueryRow(ctx, q, startOfDay(now)))
	if err != nil {
		return nil, mapErr("find unassigned account", err)
	}
	return a, nil
}

// TransitionStatus updates status only while the row still holds from.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.AccountStatus) (bool, error) {
	const q = `
UPDATE accounts SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`
	tag, err := s.pool.Exec(ctx, q, id, string(from), string(to))
	if err != nil {
		return false, mapErr("transition account status", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetAccount(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) AddBandwidthUsage(ctx context.Context, id string, delta int64) error {
	const q = `
UPDATE accounts SET bandwidth_used = bandwidth_used + $2, updated_at = now()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, delta)
	if err != nil {
		return mapErr("add bandwidth usage", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveCredentials(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
SELECT DISTINCT credential FROM accounts
WHERE status = 'active' AND credential <> '' AND (expires_at IS NULL OR expires_at >= $1)
ORDER BY credential`
	rows, err := s.pool.Query(ctx, q, startOfDay(now))
	if err != nil {
		return nil, mapErr("list active credentials", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, mapErr("scan credential", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// startOfDay is the expiry cutoff: accounts expiring today are still valid.
func startOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
