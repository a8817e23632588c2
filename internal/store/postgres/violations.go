package postgres

import (
	"context"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

func (s *Store) AppendViolation(ctx context.Context, v *models.Violation) error {
	const q = `
INSERT INTO violations (id, account_id, type, occurred_at, details)
VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, v.ID, v.AccountID, string(v.Type), v.Timestamp, v.Details)
	return mapErr("append violation", err)
}

func (s *Store) CountViolationsSince(ctx context.Context, accountID string, vt models.ViolationType, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM violations WHERE account_id = $1 AND type = $2 AND occurred_at >= $3`
	var n int
	if err := s.pool.QueryRow(ctx, q, accountID, string(vt), since).Scan(&n); err != nil {
		return 0, mapErr("count violations", err)
	}
	return n, nil
}

// ListViolations returns violations newest first. An empty accountID
// matches every account and a zero limit returns every row.
func (s *Store) ListViolations(ctx context.Context, accountID string, since time.Time, limit int) ([]models.Violation, error) {
	const q = `
SELECT id, account_id, type, occurred_at, details FROM violations
WHERE ($1 = '' OR account_id = $1) AND occurred_at >= $2
ORDER BY occurred_at DESC LIMIT NULLIF($3, 0)`
	rows, err := s.pool.Query(ctx, q, accountID, since, limit)
	if err != nil {
		return nil, mapErr("list violations", err)
	}
	defer rows.Close()

	out := make([]models.Violation, 0)
	for rows.Next() {
		var (
			v  models.Violation
			vt string
		)
		if err := rows.Scan(&v.ID, &v.AccountID, &vt, &v.Timestamp, &v.Details); err != nil {
			return nil, mapErr("scan violation", err)
		}
		v.Type = models.ViolationType(vt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	const q = `
INSERT INTO audit_logs (id, account_id, action, actor, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, e.ID, e.AccountID, string(e.Action), e.Actor, e.Details, e.CreatedAt)
	return mapErr("append audit entry", err)
}
