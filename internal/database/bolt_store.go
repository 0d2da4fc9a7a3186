package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

var (
	bucketSessions = []byte(SessionCollectionName)
	bucketHistory  = []byte(HistoryCollectionName)
	bucketBackups  = []byte(BackupCollectionName)
	bucketPoints   = []byte(RecoveryPointCollectionName)
)

// BoltStore persists to a single bbolt file. Every write is one committed
// transaction, so an acknowledged mutation survives a crash.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketHistory, bucketBackups, bucketPoints} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.InfoF("[database] opened bolt store at %s", path)
	return &BoltStore{db: db}, nil
}

func (bs *BoltStore) SaveSession(_ context.Context, s *session.Session) error {
	if s.ID == "" {
		return ErrSessionIDEmpty
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(s.ID), data)
	})
}

func (bs *BoltStore) DeleteSession(_ context.Context, id string) error {
	if id == "" {
		return ErrSessionIDEmpty
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

func (bs *BoltStore) LoadSessions(context.Context) ([]*session.Session, error) {
	var sessions []*session.Session
	err := bs.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s session.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", k, err)
			}
			sessions = append(sessions, &s)
			return nil
		})
	})
	return sessions, err
}

// AppendHistory keys tombstones by a bucket sequence so they list in
// insertion order.
func (bs *BoltStore) AppendHistory(_ context.Context, t session.Tombstone) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketHistory)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(itob(seq), data)
	})
}

func (bs *BoltStore) History() ([]session.Tombstone, error) {
	var history []session.Tombstone
	err := bs.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var t session.Tombstone
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			history = append(history, t)
			return nil
		})
	})
	return history, err
}

func (bs *BoltStore) SaveBackup(_ context.Context, name string, blob []byte) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).Put([]byte(name), blob)
	})
}

func (bs *BoltStore) LoadBackup(_ context.Context, name string) ([]byte, error) {
	var blob []byte
	err := bs.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(name))
		if data == nil {
			return ErrBackupNotFound
		}
		// bbolt memory is only valid inside the transaction.
		blob = append([]byte(nil), data...)
		return nil
	})
	return blob, err
}

func (bs *BoltStore) ListBackups(context.Context) ([]string, error) {
	var names []string
	err := bs.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBackups).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

func (bs *BoltStore) DeleteBackup(_ context.Context, name string) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).Delete([]byte(name))
	})
}

// AppendRecoveryPoint stores points in a nested bucket per session keyed by
// sequence, then drops the oldest beyond keep.
func (bs *BoltStore) AppendRecoveryPoint(_ context.Context, point recovery.RecoveryPoint, keep int) error {
	if point.SessionID == "" {
		return ErrSessionIDEmpty
	}
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery point: %w", err)
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket(bucketPoints).CreateBucketIfNotExists([]byte(point.SessionID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(seq), data); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > keep {
			if err := bucket.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

func (bs *BoltStore) RecoveryPoints(_ context.Context, sessionID string) ([]recovery.RecoveryPoint, error) {
	var points []recovery.RecoveryPoint
	err := bs.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPoints).Bucket([]byte(sessionID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var p recovery.RecoveryPoint
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			points = append(points, p)
			return nil
		})
	})
	return points, err
}

// DeleteRecoveryPoints drops the session's nested point bucket.
func (bs *BoltStore) DeleteRecoveryPoints(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDEmpty
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		points := tx.Bucket(bucketPoints)
		if points.Bucket([]byte(sessionID)) == nil {
			return nil
		}
		return points.DeleteBucket([]byte(sessionID))
	})
}

func (bs *BoltStore) Invoke(context.Context) error {
	logger.Info("[database] closing bolt store")
	return bs.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
