// Package recovery writes checksummed full backups of the session store,
// restores from them, and keeps a short history of recovery points per
// session.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/metrics"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

const (
	DefaultInterval          = time.Hour
	DefaultMaxBackups        = 24
	DefaultMaxRecoveryPoints = 10

	backupPrefix = "backup-"
	nameLayout   = "20060102T150405.000000000Z"
)

// BlobStore keeps backup blobs by name. Names sort in creation order.
type BlobStore interface {
	SaveBackup(ctx context.Context, name string, blob []byte) error
	LoadBackup(ctx context.Context, name string) ([]byte, error)
	ListBackups(ctx context.Context) ([]string, error)
	DeleteBackup(ctx context.Context, name string) error
}

// PointStore keeps recovery points per session in insertion order. Append
// drops the oldest points beyond keep.
type PointStore interface {
	AppendRecoveryPoint(ctx context.Context, point RecoveryPoint, keep int) error
	RecoveryPoints(ctx context.Context, sessionID string) ([]RecoveryPoint, error)
	DeleteRecoveryPoints(ctx context.Context, sessionID string) error
}

type Config struct {
	Interval          time.Duration
	MaxBackups        int
	MaxRecoveryPoints int
	Now               func() time.Time
}

type Manager struct {
	store  *session.Store
	blobs  BlobStore
	points PointStore
	cfg    Config

	backupMu sync.Mutex
}

func NewManager(store *session.Store, blobs BlobStore, points PointStore, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.MaxRecoveryPoints <= 0 {
		cfg.MaxRecoveryPoints = DefaultMaxRecoveryPoints
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{store: store, blobs: blobs, points: points, cfg: cfg}
}

// BackupName builds a blob name that sorts by ts.
func BackupName(ts time.Time) string {
	return backupPrefix + ts.UTC().Format(nameLayout) + "-" + uuid.NewString()[:8]
}

// BackupAll writes one blob holding every live session, then stamps
// LastBackup on each of them. The blob is returned as written.
func (m *Manager) BackupAll(ctx context.Context) ([]byte, error) {
	m.backupMu.Lock()
	defer m.backupMu.Unlock()

	ts := m.cfg.Now()
	sessions := m.store.Snapshot()
	blob, _, err := EncodeBackup(ts, sessions)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	name := BackupName(ts)
	if err := m.blobs.SaveBackup(ctx, name, blob); err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save backup %s: %w", name, err)
	}
	metrics.BackupsTotal.WithLabelValues("success").Inc()
	metrics.BackupSizeBytes.Set(float64(len(blob)))

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	if err := m.store.MarkBackedUp(ctx, ids, ts); err != nil {
		return blob, fmt.Errorf("stamp last backup: %w", err)
	}
	if err := m.prune(ctx); err != nil {
		logger.WarnF("[recovery] backup retention failed: %v", err)
	}
	logger.InfoF("[recovery] backup %s written with %d sessions (%d bytes)", name, len(sessions), len(blob))
	return blob, nil
}

// RestoreFromBackup verifies blob and re-inserts its non-expired sessions.
// A blob that fails verification leaves the store untouched.
func (m *Manager) RestoreFromBackup(ctx context.Context, blob []byte) (int, error) {
	backup, err := DecodeBackup(blob)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("rejected").Inc()
		logger.ErrorF("[recovery] rejected backup: %v", err)
		return 0, err
	}
	restored, skipped, err := m.store.Restore(ctx, backup.Sessions)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("error").Inc()
		return restored, fmt.Errorf("restore backup from %s: %w", backup.Timestamp.Format(time.RFC3339), err)
	}
	metrics.RestoresTotal.WithLabelValues("success").Inc()
	logger.InfoF("[recovery] restored %d sessions from backup taken at %s, skipped %d expired",
		restored, backup.Timestamp.Format(time.RFC3339), skipped)
	return restored, nil
}

// RestoreLatest restores from the newest backup that verifies. Corrupt
// backups are skipped in favour of older ones.
func (m *Manager) RestoreLatest(ctx context.Context) (int, error) {
	names, err := m.blobs.ListBackups(ctx)
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}
	for i := len(names) - 1; i >= 0; i-- {
		blob, err := m.blobs.LoadBackup(ctx, names[i])
		if err != nil {
			return 0, fmt.Errorf("load backup %s: %w", names[i], err)
		}
		restored, err := m.RestoreFromBackup(ctx, blob)
		if IsIntegrityError(err) {
			logger.WarnF("[recovery] backup %s is corrupt, trying an older one", names[i])
			continue
		}
		return restored, err
	}
	return 0, ErrNoBackup
}

// Run backs up on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.BackupAll(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorF("[recovery] periodic backup failed: %v", err)
			}
		}
	}
}

// SessionChanged records a recovery point for s.
func (m *Manager) SessionChanged(ctx context.Context, s *session.Session) {
	point, err := NewRecoveryPoint(s, m.cfg.Now())
	if err != nil {
		logger.ErrorF("[%s] recovery point not recorded: %v", s.ID, err)
		return
	}
	if err := m.points.AppendRecoveryPoint(ctx, point, m.cfg.MaxRecoveryPoints); err != nil {
		logger.ErrorF("[%s] recovery point not recorded: %v", s.ID, err)
	}
}

// SessionDestroyed drops the recovery points of a session that is gone.
func (m *Manager) SessionDestroyed(ctx context.Context, id string, reason session.DestroyReason) {
	if err := m.points.DeleteRecoveryPoints(ctx, id); err != nil {
		logger.ErrorF("[%s] recovery points of %s session not removed: %v", id, reason, err)
	}
}

// RecoverPayload returns the newest recovery point payload of sessionID that
// passes verification.
func (m *Manager) RecoverPayload(ctx context.Context, sessionID string) (session.Payload, time.Time, error) {
	points, err := m.points.RecoveryPoints(ctx, sessionID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load recovery points of %s: %w", sessionID, err)
	}
	for i := len(points) - 1; i >= 0; i-- {
		payload, err := points[i].Decode()
		if err != nil {
			logger.WarnF("[%s] skipping recovery point from %s: %v", sessionID, points[i].Timestamp.Format(time.RFC3339), err)
			continue
		}
		return payload, points[i].Timestamp, nil
	}
	return nil, time.Time{}, ErrNoRecoveryPoint
}

// Invoke runs a final backup, for use as a shutdown callable.
func (m *Manager) Invoke(ctx context.Context) error {
	_, err := m.BackupAll(ctx)
	return err
}

func (m *Manager) prune(ctx context.Context) error {
	names, err := m.blobs.ListBackups(ctx)
	if err != nil {
		return err
	}
	var backups []string
	for _, name := range names {
		if strings.HasPrefix(name, backupPrefix) {
			backups = append(backups, name)
		}
	}
	var errs []error
	for len(backups) > m.cfg.MaxBackups {
		if err := m.blobs.DeleteBackup(ctx, backups[0]); err != nil {
			errs = append(errs, err)
		}
		backups = backups[1:]
	}
	return errors.Join(errs...)
}
