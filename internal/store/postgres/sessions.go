package postgres

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

const sessionColumns = `session_id, account_id, client_ip, client_port, server_port, start_time, last_heartbeat,
end_time, duration_seconds, bytes_in, bytes_out, status, close_reason`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s              models.Session
		ip             string
		status, reason string
	)
	if err := row.Scan(&s.ID, &s.AccountID, &ip, &s.ClientPort, &s.ServerPort, &s.StartTime, &s.LastHeartbeat,
		&s.EndTime, &s.DurationSeconds, &s.BytesIn, &s.BytesOut, &status, &reason); err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid client ip %q: %w", s.ID, ip, err)
	}
	s.ClientIP = addr
	s.Status = models.SessionStatus(status)
	s.CloseReason = models.CloseReason(reason)
	return &s, nil
}

func (s *Store) querySessions(ctx context.Context, op, q string, args ...any) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	out := make([]models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) GetActiveSession(ctx context.Context, id string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1 AND status = 'active'`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, mapErr("get session", err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `
INSERT INTO sessions (session_id, account_id, client_ip, client_port, server_port, start_time, last_heartbeat,
bytes_in, bytes_out, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active')`
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.AccountID, sess.ClientIP.String(), sess.ClientPort, sess.ServerPort,
		sess.StartTime, sess.LastHeartbeat, sess.BytesIn, sess.BytesOut)
	return mapErr("create session", err)
}

func (s *Store) UpdateHeartbeat(ctx context.Context, id string, at time.Time, bytesIn, bytesOut int64) error {
	const q = `
UPDATE sessions SET last_heartbeat = $2, bytes_in = $3, bytes_out = $4
WHERE session_id = $1 AND status = 'active'`
	tag, err := s.pool.Exec(ctx, q, id, at, bytesIn, bytesOut)
	if err != nil {
		return mapErr("update heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CloseSession(ctx context.Context, id string, end time.Time, reason models.CloseReason) (bool, error) {
	const q = `
UPDATE sessions
SET status = 'completed', end_time = $2, close_reason = $3,
    duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - start_time)))::bigint
WHERE session_id = $1 AND status = 'active'`
	tag, err := s.pool.Exec(ctx, q, id, end, string(reason))
	if err != nil {
		return false, mapErr("close session", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) LastCompletedSession(ctx context.Context, id string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
WHERE session_id = $1 AND status = 'completed' ORDER BY end_time DESC, id DESC LIMIT 1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, mapErr("last completed session", err)
	}
	return sess, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'active' ORDER BY start_time, session_id`
	return s.querySessions(ctx, "list active sessions", q)
}

func (s *Store) ListActiveSessionsByAccount(ctx context.Context, accountID string) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
WHERE account_id = $1 AND status = 'active' ORDER BY start_time, session_id`
	return s.querySessions(ctx, "list account sessions", q, accountID)
}

func (s *Store) LatestActiveSessionByIP(ctx context.Context, ip netip.Addr) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
WHERE client_ip = $1 AND status = 'active' ORDER BY start_time DESC LIMIT 1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, ip.String()))
	if err != nil {
		return nil, mapErr("latest session by ip", err)
	}
	return sess, nil
}

func (s *Store) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
WHERE status = 'active' AND last_heartbeat < $1 ORDER BY start_time`
	return s.querySessions(ctx, "list stale sessions", q, cutoff)
}

func (s *Store) CountActiveByAccount(ctx context.Context) (map[string]int, error) {
	const q = `SELECT account_id, count(*) FROM sessions WHERE status = 'active' GROUP BY account_id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, mapErr("count active sessions", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, mapErr("scan session count", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListSessionHistory returns the account's sessions, newest first. A limit
// of zero returns every row.
func (s *Store) ListSessionHistory(ctx context.Context, accountID string, limit, offset int) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
WHERE account_id = $1 ORDER BY start_time DESC LIMIT NULLIF($2, 0) OFFSET $3`
	return s.querySessions(ctx, "list session history", q, accountID, limit, offset)
}
