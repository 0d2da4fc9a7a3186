package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

const (
	SessionCollectionName       = "sessions"
	HistoryCollectionName       = "session_history"
	BackupCollectionName        = "backups"
	RecoveryPointCollectionName = "recovery_points"
)

var collectionsList = []string{
	SessionCollectionName,
	HistoryCollectionName,
	BackupCollectionName,
	RecoveryPointCollectionName,
}

var (
	ErrSessionIDEmpty = errors.New("session id is empty")
	ErrBackupNotFound = errors.New("backup not found")
)

// Store is everything the supervisor process persists: session records and
// their history, backup blobs and recovery points.
type Store interface {
	session.Backend
	recovery.BlobStore
	recovery.PointStore
	Invoke(ctx context.Context) error
}

type backupDocument struct {
	Name string `bson:"_id"`
	Blob []byte `bson:"blob"`
}

type recoveryPointDocument struct {
	recovery.RecoveryPoint `bson:",inline"`
	Sequence               int64 `bson:"sequence"`
}

// HandleErr maps driver errors onto package errors and wraps the rest.
func HandleErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", session.ErrNotFound)
	}
	return fmt.Errorf("database operation failed: %w", err)
}
