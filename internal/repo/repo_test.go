package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/seed"
	"caseline/internal/store"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	applied, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	return repo.Repo{DB: conn, Now: func() time.Time { return now }}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	applied, err := migrate.Migrate(ctx, r.DB)
	require.NoError(t, err)
	assert.Empty(t, applied)
	v, err := migrate.Version(ctx, r.DB)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	data, err := r.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	_, err = r.SnapshotUpdatedAt(ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.SaveSnapshot(ctx, []byte(`{"a":1}`)))
	require.NoError(t, r.SaveSnapshot(ctx, []byte(`{"a":2}`)))
	data, err = r.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))
	ts, err := r.SnapshotUpdatedAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-03T09:00:00Z", ts)

	require.NoError(t, r.DeleteSnapshot(ctx))
	data, err = r.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStoreOverRepoSurvivesReopen(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	s := store.New(r, seed.Func(base))
	_, err := s.InsertJob(ctx, domain.ModelJob{CaseID: seed.HeroCaseID, Stage: domain.Stage1ID, Status: domain.JobQueued})
	require.NoError(t, err)
	first, err := s.Export(ctx)
	require.NoError(t, err)

	reopened := store.New(r, seed.Func(base))
	second, err := reopened.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestWebhookCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.WebhookCursor(ctx, "http://hook")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, r.SetWebhookCursor(ctx, "http://hook", 4))
	require.NoError(t, r.SetWebhookCursor(ctx, "http://hook", 9))
	seq, err := r.WebhookCursor(ctx, "http://hook")
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
}
