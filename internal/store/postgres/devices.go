package postgres

import (
	"context"
	"time"
)

func (s *Store) UpsertFingerprint(ctx context.Context, accountID, hash string, seen time.Time) error {
	const q = `
INSERT INTO device_fingerprints (account_id, hash, first_seen, last_seen)
VALUES ($1, $2, $3, $3)
ON CONFLICT (account_id, hash) DO UPDATE
SET last_seen = GREATEST(device_fingerprints.last_seen, EXCLUDED.last_seen)`
	_, err := s.pool.Exec(ctx, q, accountID, hash, seen)
	return mapErr("upsert fingerprint", err)
}

func (s *Store) CountFingerprintsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM device_fingerprints WHERE account_id = $1 AND last_seen >= $2`
	var n int
	if err := s.pool.QueryRow(ctx, q, accountID, since).Scan(&n); err != nil {
		return 0, mapErr("count fingerprints", err)
	}
	return n, nil
}
