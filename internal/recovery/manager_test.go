package recovery_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/database"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock   *clock
	db      *database.MemoryStore
	store   *session.Store
	manager *recovery.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
	db := database.NewMemoryStore()
	store := session.NewStore(db, session.Options{Timeout: 48 * time.Hour, MaxDevices: 5, Now: c.Now})
	manager := recovery.NewManager(store, db, db, recovery.Config{MaxBackups: 3, Now: c.Now})
	store.AddObserver(manager)
	return &fixture{clock: c, db: db, store: store, manager: manager}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i, dev := range []string{"dev-1", "dev-1", "dev-2"} {
		_, err := f.store.Create(ctx, session.Payload{"seq": string(rune('a' + i))}, session.Device{ID: dev, OS: "android"})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	before := f.store.Snapshot()

	blob, err := f.manager.BackupAll(ctx)
	require.NoError(t, err)

	g := newFixture(t)
	g.clock.now = f.clock.Now()
	restored, err := g.manager.RestoreFromBackup(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, len(before), restored)
	assert.Equal(t, before, g.store.Snapshot())
	assert.Equal(t, 2, g.store.Index().Count("dev-1"))
}

func TestBackupStampsLastBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	_, err := f.manager.BackupAll(ctx)
	require.NoError(t, err)
	for _, s := range f.store.Snapshot() {
		assert.Equal(t, f.clock.Now(), s.Stats.LastBackup)
	}
}

func TestRestoreSkipsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	blob, err := f.manager.BackupAll(ctx)
	require.NoError(t, err)

	g := newFixture(t)
	g.clock.now = f.clock.Now().Add(48*time.Hour - 90*time.Second)
	restored, err := g.manager.RestoreFromBackup(ctx, blob)
	require.NoError(t, err)
	// Only the newest seeded session has not expired yet.
	assert.Equal(t, 1, restored)
	assert.Len(t, g.store.Snapshot(), 1)
}

func TestRestoreRejectsEveryOneByteCorruption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	blob, err := f.manager.BackupAll(ctx)
	require.NoError(t, err)

	g := newFixture(t)
	g.clock.now = f.clock.Now()
	existing, err := g.store.Create(ctx, session.Payload{"keep": "me"}, session.Device{ID: "dev-9"})
	require.NoError(t, err)
	before := g.store.Snapshot()

	for i := range blob {
		corrupted := append([]byte(nil), blob...)
		corrupted[i] ^= 0x01
		_, err := g.manager.RestoreFromBackup(ctx, corrupted)
		require.Error(t, err, "byte %d", i)
		require.True(t, recovery.IsIntegrityError(err), "byte %d: %v", i, err)
	}

	assert.Equal(t, before, g.store.Snapshot())
	_, err = g.store.Get(ctx, existing.ID)
	assert.NoError(t, err)
}

func TestRestoreRejectsTruncatedAndGarbage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	blob, err := f.manager.BackupAll(ctx)
	require.NoError(t, err)

	for _, bad := range [][]byte{nil, []byte("{}"), blob[:len(blob)-1], append(append([]byte(nil), blob...), '\n')} {
		_, err := f.manager.RestoreFromBackup(ctx, bad)
		assert.ErrorIs(t, err, recovery.ErrIntegrity)
	}
}

func TestBackupRetentionAndRestoreLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	for i := 0; i < 5; i++ {
		_, err := f.manager.BackupAll(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}
	names, err := f.db.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 3)

	// Corrupt the newest; RestoreLatest falls back to the one before it.
	newest, err := f.db.LoadBackup(ctx, names[2])
	require.NoError(t, err)
	newest[10] ^= 0xff
	require.NoError(t, f.db.SaveBackup(ctx, names[2], newest))

	g := newFixture(t)
	g.clock.now = f.clock.Now()
	restoreFrom := recovery.NewManager(g.store, f.db, g.db, recovery.Config{Now: g.clock.Now})
	restored, err := restoreFrom.RestoreLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)
}

func TestRestoreLatestWithoutBackups(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.RestoreLatest(context.Background())
	assert.ErrorIs(t, err, recovery.ErrNoBackup)
}

func TestRecoveryPointsKeepTenNewest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.store.Create(ctx, session.Payload{"v": "0"}, session.Device{ID: "dev-1"})
	require.NoError(t, err)
	for i := 1; i <= 14; i++ {
		f.clock.Advance(time.Second)
		_, err := f.store.Update(ctx, s.ID, session.Payload{"v": string(rune('a' + i))})
		require.NoError(t, err)
	}

	points, err := f.db.RecoveryPoints(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, points, recovery.DefaultMaxRecoveryPoints)
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i].Timestamp.After(points[i-1].Timestamp))
		assert.NoError(t, points[i].Verify())
	}

	payload, at, err := f.manager.RecoverPayload(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Payload{"v": string(rune('a' + 14))}, payload)
	assert.Equal(t, f.clock.Now(), at)
}

func TestDestroyedSessionsLoseRecoveryPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	explicit, err := f.store.Create(ctx, session.Payload{"v": "0"}, session.Device{ID: "dev-1"})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := f.store.Update(ctx, explicit.ID, session.Payload{"v": string(rune('a' + i))})
		require.NoError(t, err)
	}
	expiring, err := f.store.Create(ctx, nil, session.Device{ID: "dev-2"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	var full []*session.Session
	for i := 0; i < 5; i++ {
		s, err := f.store.Create(ctx, nil, session.Device{ID: "dev-3"})
		require.NoError(t, err)
		full = append(full, s)
		f.clock.Advance(time.Minute)
	}

	_, err = f.store.Destroy(ctx, explicit.ID)
	require.NoError(t, err)
	_, err = f.store.Create(ctx, nil, session.Device{ID: "dev-3"})
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	_, err = f.store.Get(ctx, expiring.ID)
	require.ErrorIs(t, err, session.ErrNotFound)

	for _, id := range []string{explicit.ID, expiring.ID, full[0].ID} {
		points, err := f.db.RecoveryPoints(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, points, "points left for %s", id)
	}
	survivor, err := f.db.RecoveryPoints(ctx, full[1].ID)
	require.NoError(t, err)
	assert.Len(t, survivor, 1)

	_, _, err = f.manager.RecoverPayload(ctx, explicit.ID)
	assert.ErrorIs(t, err, recovery.ErrNoRecoveryPoint)
}

func TestBoltBackedDestroyDropsRecoveryPoints(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer db.Invoke(ctx)

	store := session.NewStore(db, session.Options{})
	manager := recovery.NewManager(store, db, db, recovery.Config{})
	store.AddObserver(manager)

	s, err := store.Create(ctx, session.Payload{"v": "0"}, session.Device{ID: "dev-1"})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := store.Update(ctx, s.ID, session.Payload{"v": string(rune('a' + i))})
		require.NoError(t, err)
	}
	points, err := db.RecoveryPoints(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, points, recovery.DefaultMaxRecoveryPoints)

	_, err = store.Destroy(ctx, s.ID)
	require.NoError(t, err)
	points, err = db.RecoveryPoints(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestRecoverPayloadSkipsCorruptPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.store.Create(ctx, session.Payload{"v": "good"}, session.Device{ID: "dev-1"})
	require.NoError(t, err)

	bad, err := recovery.NewRecoveryPoint(s, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	bad.Payload = []byte(`{"v":"evil"}`)
	require.NoError(t, f.db.AppendRecoveryPoint(ctx, bad, 10))

	payload, _, err := f.manager.RecoverPayload(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "good", payload["v"])

	_, _, err = f.manager.RecoverPayload(ctx, "unknown")
	assert.ErrorIs(t, err, recovery.ErrNoRecoveryPoint)
}

func TestInvokeRunsFinalBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	require.NoError(t, f.manager.Invoke(ctx))
	names, err := f.db.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}
