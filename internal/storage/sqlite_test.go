package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "worksnotify/pkg/logx"
)

func openMemory(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestDeliveriesNewestFirst(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, target := range []string{"a@example.com", "b@example.com", "ops"} {
		require.NoError(t, st.AppendDelivery(ctx, Delivery{
			RequestID: "req-1",
			Event:     "project_created",
			Kind:      "user",
			Target:    target,
			OK:        i != 1,
			Error:     map[bool]string{true: "", false: "works: send failed"}[i != 1],
			TookMS:    int64(10 * i),
			At:        base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := st.RecentDeliveries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ops", got[0].Target)
	assert.True(t, got[0].OK)
	assert.Equal(t, "b@example.com", got[1].Target)
	assert.False(t, got[1].OK)
	assert.Equal(t, "works: send failed", got[1].Error)
	assert.True(t, got[1].At.Equal(base.Add(time.Second)))
}

func TestClaimDedup(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	ok, err := st.ClaimDedup(ctx, "projects|UPDATE|7", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "first claim")

	ok, err = st.ClaimDedup(ctx, "projects|UPDATE|7", now.Add(30*time.Second), now.Add(90*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "live claim must block")

	ok, err = st.ClaimDedup(ctx, "projects|UPDATE|7", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is taken over")

	require.NoError(t, st.ReleaseDedup(ctx, "projects|UPDATE|7"))
	ok, err = st.ClaimDedup(ctx, "projects|UPDATE|7", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "released claim is free")
}

func TestPrune(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.AppendDelivery(ctx, Delivery{Event: "e", Kind: "user", Target: "old", OK: true, At: now.Add(-48 * time.Hour)}))
	require.NoError(t, st.AppendDelivery(ctx, Delivery{Event: "e", Kind: "user", Target: "new", OK: true, At: now.Add(-time.Hour)}))
	_, err := st.ClaimDedup(ctx, "expired", now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = st.ClaimDedup(ctx, "live", now, now.Add(time.Hour))
	require.NoError(t, err)

	stats, err := st.Prune(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, PruneStats{Deliveries: 1, Dedup: 1}, stats)

	rows, err := st.RecentDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].Target)
}

func TestSQLiteFileReopenKeepsSchema(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "notify.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendDelivery(ctx, Delivery{Event: "e", Kind: "channel", Target: "ops", OK: true}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	rows, err := st.RecentDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	var version int
	require.NoError(t, st.(*sqliteStore).db.Get(&version, `SELECT MAX(version) FROM schema_version`))
	assert.Equal(t, SchemaVersion(), version)
}
