package database

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

// MemoryStore keeps everything in process memory. It loses its content on
// exit and is meant for tests and throwaway runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	history  []session.Tombstone
	backups  map[string][]byte
	points   map[string][]recovery.RecoveryPoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
		backups:  make(map[string][]byte),
		points:   make(map[string][]recovery.RecoveryPoint),
	}
}

func (ms *MemoryStore) SaveSession(_ context.Context, s *session.Session) error {
	if s.ID == "" {
		return ErrSessionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[s.ID] = s.Copy()
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, id string) error {
	if id == "" {
		return ErrSessionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, id)
	return nil
}

func (ms *MemoryStore) LoadSessions(context.Context) ([]*session.Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*session.Session, 0, len(ms.sessions))
	for _, s := range ms.sessions {
		result = append(result, s.Copy())
	}
	return result, nil
}

func (ms *MemoryStore) AppendHistory(_ context.Context, t session.Tombstone) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.history = append(ms.history, t)
	return nil
}

// History returns the tombstones recorded so far, oldest first.
func (ms *MemoryStore) History() []session.Tombstone {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Clone(ms.history)
}

func (ms *MemoryStore) SaveBackup(_ context.Context, name string, blob []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.backups[name] = slices.Clone(blob)
	return nil
}

func (ms *MemoryStore) LoadBackup(_ context.Context, name string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	blob, ok := ms.backups[name]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return slices.Clone(blob), nil
}

func (ms *MemoryStore) ListBackups(context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	names := make([]string, 0, len(ms.backups))
	for name := range ms.backups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (ms *MemoryStore) DeleteBackup(_ context.Context, name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.backups, name)
	return nil
}

func (ms *MemoryStore) AppendRecoveryPoint(_ context.Context, point recovery.RecoveryPoint, keep int) error {
	if point.SessionID == "" {
		return ErrSessionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	point.Payload = slices.Clone(point.Payload)
	points := append(ms.points[point.SessionID], point)
	if keep > 0 && len(points) > keep {
		points = slices.Clone(points[len(points)-keep:])
	}
	ms.points[point.SessionID] = points
	return nil
}

func (ms *MemoryStore) RecoveryPoints(_ context.Context, sessionID string) ([]recovery.RecoveryPoint, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Clone(ms.points[sessionID]), nil
}

func (ms *MemoryStore) DeleteRecoveryPoints(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.points, sessionID)
	return nil
}

func (ms *MemoryStore) Invoke(context.Context) error {
	return nil
}
