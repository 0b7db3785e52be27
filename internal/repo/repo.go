package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repo is the SQLite side of the store: one row holding the state snapshot
// plus per-webhook delivery cursors.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

const stateKey = "state"

func (r Repo) stamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// LoadSnapshot returns the saved snapshot, or nil when none has been written.
func (r Repo) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE key=?`, stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return []byte(payload), nil
}

func (r Repo) SaveSnapshot(ctx context.Context, data []byte) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO snapshots(key,payload,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		stateKey, string(data), r.stamp())
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// SnapshotUpdatedAt reports when the snapshot was last written.
func (r Repo) SnapshotUpdatedAt(ctx context.Context) (string, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT updated_at FROM snapshots WHERE key=?`, stateKey).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return ts, err
}

// DeleteSnapshot removes the saved state so that the next load reseeds.
func (r Repo) DeleteSnapshot(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE key=?`, stateKey)
	return err
}

func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_seq FROM webhook_cursors WHERE url=?`, url).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, url string, seq int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_seq,updated_at) VALUES (?,?,?)
		ON CONFLICT(url) DO UPDATE SET last_seq=excluded.last_seq, updated_at=excluded.updated_at`,
		url, seq, r.stamp())
	return err
}
