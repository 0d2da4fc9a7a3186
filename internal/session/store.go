package session

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/metrics"
)

const (
	DefaultTimeout    = 30 * 24 * time.Hour
	DefaultMaxDevices = 5
)

// Backend is the durable tier behind the in-memory store. A mutation is
// acknowledged only after the backend call for it returned nil.
type Backend interface {
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	LoadSessions(ctx context.Context) ([]*Session, error)
	AppendHistory(ctx context.Context, t Tombstone) error
}

// Observer is told about every created or updated session after it has been
// persisted, and about every destroyed one after its record is gone. The
// session passed in must not be modified.
type Observer interface {
	SessionChanged(ctx context.Context, s *Session)
	SessionDestroyed(ctx context.Context, id string, reason DestroyReason)
}

type Options struct {
	Timeout    time.Duration
	MaxDevices int
	Now        func() time.Time
}

// Store is the system of record for sessions. Operations on the same id are
// serialized; inserts that are checked against the device cap are also
// serialized per device. A device lock is always taken before a session lock
// and at most one session lock is held at a time.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	index        *DeviceIndex
	sessionLocks *keyLock
	deviceLocks  *keyLock
	backend      Backend

	observerMu sync.RWMutex
	observers  []Observer

	timeout    time.Duration
	maxDevices int
	now        func() time.Time

	evictions   atomic.Int64
	expirations atomic.Int64
}

func NewStore(backend Backend, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = DefaultMaxDevices
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions:     make(map[string]*Session),
		index:        NewDeviceIndex(),
		sessionLocks: newKeyLock(),
		deviceLocks:  newKeyLock(),
		backend:      backend,
		timeout:      opts.Timeout,
		maxDevices:   opts.MaxDevices,
		now:          opts.Now,
	}
}

func (s *Store) AddObserver(o Observer) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) Index() *DeviceIndex {
	return s.index
}

// Create allocates a new session for device. When the device already holds
// MaxDevices sessions the oldest ones are destroyed first.
func (s *Store) Create(ctx context.Context, payload Payload, device Device) (*Session, error) {
	if device.ID == "" {
		return nil, ErrInvalidDevice
	}
	unlockDevice := s.deviceLocks.Lock(device.ID)
	defer unlockDevice()

	if err := s.makeRoom(ctx, device.ID, ""); err != nil {
		metrics.ObserveSessionOperation("create", err)
		return nil, err
	}

	now := s.now()
	sess := &Session{
		ID:           uuid.NewString(),
		Created:      now,
		LastActivity: now,
		Expires:      now.Add(s.timeout),
		Device:       device,
		Payload:      maps.Clone(payload),
	}
	sess.Device.Tags = append([]string(nil), device.Tags...)
	if sess.Payload == nil {
		sess.Payload = Payload{}
	}

	unlock := s.sessionLocks.Lock(sess.ID)
	defer unlock()
	if err := s.backend.SaveSession(ctx, sess); err != nil {
		metrics.ObserveSessionOperation("create", err)
		return nil, fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	s.put(sess)
	s.index.Add(device.ID, sess.ID, sess.Created)
	metrics.ObserveSessionOperation("create", nil)
	logger.DebugF("[%s] session created for device %s", sess.ID, device.ID)
	s.notify(ctx, sess)
	return sess.Copy(), nil
}

// Get returns ErrNotFound for unknown ids and for expired sessions, which
// are destroyed on the way out.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess := s.lookup(id)
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.Valid(s.now()) {
		return sess.Copy(), nil
	}
	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	sess, err := s.liveLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Copy(), nil
}

// Update merges partial into the payload key by key and refreshes the
// activity time.
func (s *Store) Update(ctx context.Context, id string, partial Payload) (*Session, error) {
	next, err := s.mutate(ctx, id, func(sess *Session) {
		if sess.Payload == nil {
			sess.Payload = Payload{}
		}
		for k, v := range partial {
			sess.Payload[k] = v
		}
	})
	metrics.ObserveSessionOperation("update", err)
	return next, err
}

// Destroy reports whether a session was removed.
func (s *Store) Destroy(ctx context.Context, id string) (bool, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	ok, err := s.destroyLocked(ctx, id, ReasonExplicit)
	metrics.ObserveSessionOperation("destroy", err)
	return ok, err
}

// Transfer re-homes a session under newDevice, keeping its id. The target
// device cap applies.
func (s *Store) Transfer(ctx context.Context, id string, newDevice Device) (*Session, error) {
	if newDevice.ID == "" {
		return nil, ErrInvalidDevice
	}
	unlockDevice := s.deviceLocks.Lock(newDevice.ID)
	defer unlockDevice()

	// The source must be live before anything on the target is evicted.
	source, err := s.Get(ctx, id)
	if err != nil {
		metrics.ObserveSessionOperation("transfer", err)
		return nil, err
	}
	if source.Device.ID != newDevice.ID {
		if err := s.makeRoom(ctx, newDevice.ID, id); err != nil {
			metrics.ObserveSessionOperation("transfer", err)
			return nil, err
		}
	}

	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	cur, err := s.liveLocked(ctx, id)
	if err != nil {
		metrics.ObserveSessionOperation("transfer", err)
		return nil, err
	}

	next := cur.Copy()
	next.Device = newDevice
	next.Device.Tags = append([]string(nil), newDevice.Tags...)
	next.Stats.Reconnections++
	next.LastActivity = s.now()
	if err := s.backend.SaveSession(ctx, next); err != nil {
		metrics.ObserveSessionOperation("transfer", err)
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}
	s.put(next)
	if cur.Device.ID != newDevice.ID {
		s.index.Remove(cur.Device.ID, id)
		s.index.Add(newDevice.ID, id, next.Created)
	}
	metrics.ObserveSessionOperation("transfer", nil)
	logger.InfoF("[%s] session transferred from device %s to %s", id, cur.Device.ID, newDevice.ID)
	s.notify(ctx, next)
	return next.Copy(), nil
}

// Clone creates a new session under newDevice with a copy of the source
// payload and fresh stats.
func (s *Store) Clone(ctx context.Context, id string, newDevice Device) (*Session, error) {
	if newDevice.ID == "" {
		return nil, ErrInvalidDevice
	}
	unlockDevice := s.deviceLocks.Lock(newDevice.ID)
	defer unlockDevice()

	source, err := s.Get(ctx, id)
	if err != nil {
		metrics.ObserveSessionOperation("clone", err)
		return nil, err
	}
	if err := s.makeRoom(ctx, newDevice.ID, id); err != nil {
		metrics.ObserveSessionOperation("clone", err)
		return nil, err
	}

	now := s.now()
	clone := &Session{
		ID:           uuid.NewString(),
		Created:      now,
		LastActivity: now,
		Expires:      now.Add(s.timeout),
		Device:       newDevice,
		Payload:      source.Payload,
	}
	clone.Device.Tags = append([]string(nil), newDevice.Tags...)

	unlock := s.sessionLocks.Lock(clone.ID)
	defer unlock()
	if err := s.backend.SaveSession(ctx, clone); err != nil {
		metrics.ObserveSessionOperation("clone", err)
		return nil, fmt.Errorf("persist session %s: %w", clone.ID, err)
	}
	s.put(clone)
	s.index.Add(newDevice.ID, clone.ID, clone.Created)
	metrics.ObserveSessionOperation("clone", nil)
	logger.InfoF("[%s] session cloned from %s onto device %s", clone.ID, id, newDevice.ID)
	s.notify(ctx, clone)
	return clone.Copy(), nil
}

// GetByDevice lists the device's live sessions, oldest first.
func (s *Store) GetByDevice(_ context.Context, deviceID string) []*Session {
	now := s.now()
	ids := s.index.Sessions(deviceID)
	result := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if sess := s.lookup(id); sess != nil && sess.Valid(now) {
			result = append(result, sess.Copy())
		}
	}
	return result
}

// RecordConnection accounts one relay connection against the session.
func (s *Store) RecordConnection(ctx context.Context, id string, reconnect bool, bytes int64) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session) {
		sess.Stats.Connections++
		if reconnect {
			sess.Stats.Reconnections++
		}
		sess.Stats.DataTransferred += bytes
	})
}

// MarkBackedUp stamps LastBackup on each listed session that still exists.
func (s *Store) MarkBackedUp(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		if err := s.stamp(ctx, id, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) stamp(ctx context.Context, id string, at time.Time) error {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	cur := s.lookup(id)
	if cur == nil {
		return nil
	}
	next := cur.Copy()
	next.Stats.LastBackup = at
	if err := s.backend.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("persist session %s: %w", id, err)
	}
	s.put(next)
	return nil
}

// Snapshot copies every live session under a read lock, oldest first.
func (s *Store) Snapshot() []*Session {
	now := s.now()
	s.mu.RLock()
	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Valid(now) {
			result = append(result, sess.Copy())
		}
	}
	s.mu.RUnlock()
	sortSessions(result)
	return result
}

// Restore writes sessions back into the store, replacing entries with the
// same id. Expired sessions are skipped. The device cap is not applied so
// the restored state matches the backup it came from.
func (s *Store) Restore(ctx context.Context, sessions []*Session) (restored, skipped int, err error) {
	now := s.now()
	for _, in := range sessions {
		if in == nil || in.ID == "" || !in.Valid(now) {
			skipped++
			continue
		}
		if err := s.restoreOne(ctx, in.Copy()); err != nil {
			return restored, skipped, err
		}
		restored++
	}
	s.updateGauge()
	return restored, skipped, nil
}

func (s *Store) restoreOne(ctx context.Context, sess *Session) error {
	unlock := s.sessionLocks.Lock(sess.ID)
	defer unlock()
	if err := s.backend.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if prev := s.lookup(sess.ID); prev != nil && prev.Device.ID != sess.Device.ID {
		s.index.Remove(prev.Device.ID, sess.ID)
	}
	s.put(sess)
	s.index.Add(sess.Device.ID, sess.ID, sess.Created)
	return nil
}

// Load replaces the in-memory tier with the backend's contents. Expired
// sessions found there are destroyed.
func (s *Store) Load(ctx context.Context) (int, error) {
	sessions, err := s.backend.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	s.mu.Lock()
	s.sessions = make(map[string]*Session, len(sessions))
	s.mu.Unlock()
	s.index.Reset()

	now := s.now()
	loaded := 0
	for _, sess := range sessions {
		if sess.Valid(now) {
			s.put(sess.Copy())
			s.index.Add(sess.Device.ID, sess.ID, sess.Created)
			loaded++
			continue
		}
		if err := s.backend.DeleteSession(ctx, sess.ID); err != nil {
			return loaded, fmt.Errorf("delete expired session %s: %w", sess.ID, err)
		}
		s.appendHistory(ctx, sess, ReasonExpired)
		s.notifyDestroyed(ctx, sess.ID, ReasonExpired)
	}
	s.updateGauge()
	logger.InfoF("[session] loaded %d sessions from backend, dropped %d expired", loaded, len(sessions)-loaded)
	return loaded, nil
}

// Sweep destroys every expired session and returns how many went.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if !sess.Valid(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		unlock := s.sessionLocks.Lock(id)
		ok, err := s.destroyLocked(ctx, id, ReasonExpired)
		unlock()
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				logger.ErrorF("[session] expiry sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.InfoF("[session] expiry sweep removed %d sessions", removed)
			}
		}
	}
}

func (s *Store) Stats() StoreStats {
	now := s.now()
	stats := StoreStats{
		Devices:     s.index.Devices(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.Valid(now) {
			continue
		}
		stats.Sessions++
		stats.Connections += sess.Stats.Connections
		stats.Reconnections += sess.Stats.Reconnections
		stats.DataTransferred += sess.Stats.DataTransferred
	}
	return stats
}

// makeRoom destroys the oldest sessions of deviceID until one more fits.
// Callers hold the device lock. keep is never chosen as a victim.
func (s *Store) makeRoom(ctx context.Context, deviceID, keep string) error {
	for _, victim := range s.index.EvictionCandidates(deviceID, s.maxDevices, keep) {
		unlock := s.sessionLocks.Lock(victim)
		ok, err := s.destroyLocked(ctx, victim, ReasonEvicted)
		unlock()
		if err != nil {
			return fmt.Errorf("evict session %s: %w", victim, err)
		}
		if ok {
			s.evictions.Add(1)
			logger.WarnF("[%s] device %s reached its limit of %d sessions, evicted oldest session", victim, deviceID, s.maxDevices)
		}
	}
	return nil
}

// mutate applies fn to a copy of a live session, persists it, then swaps it in.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	cur, err := s.liveLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Copy()
	fn(next)
	next.LastActivity = s.now()
	if err := s.backend.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}
	s.put(next)
	s.notify(ctx, next)
	return next.Copy(), nil
}

// liveLocked returns the stored session or ErrNotFound, destroying it when
// expired. The caller holds the session lock.
func (s *Store) liveLocked(ctx context.Context, id string) (*Session, error) {
	cur := s.lookup(id)
	if cur == nil {
		return nil, ErrNotFound
	}
	if !cur.Valid(s.now()) {
		if _, err := s.destroyLocked(ctx, id, ReasonExpired); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return cur, nil
}

func (s *Store) destroyLocked(ctx context.Context, id string, reason DestroyReason) (bool, error) {
	cur := s.lookup(id)
	if cur == nil {
		return false, nil
	}
	if err := s.backend.DeleteSession(ctx, id); err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()
	s.index.Remove(cur.Device.ID, id)
	metrics.SessionsActive.Set(float64(count))
	metrics.SessionsDestroyedTotal.WithLabelValues(string(reason)).Inc()
	if reason == ReasonExpired {
		s.expirations.Add(1)
	}
	s.appendHistory(ctx, cur, reason)
	s.notifyDestroyed(ctx, id, reason)
	logger.DebugF("[%s] session destroyed (%s)", id, reason)
	return true, nil
}

// appendHistory is best effort: the destroy it records is already durable.
func (s *Store) appendHistory(ctx context.Context, sess *Session, reason DestroyReason) {
	tombstone := Tombstone{
		SessionID:   sess.ID,
		DeviceID:    sess.Device.ID,
		Reason:      reason,
		DestroyedAt: s.now(),
	}
	if err := s.backend.AppendHistory(ctx, tombstone); err != nil {
		logger.ErrorF("[%s] failed to append session history: %v", sess.ID, err)
	}
}

func (s *Store) lookup(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Store) put(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
}

func (s *Store) updateGauge() {
	s.mu.RLock()
	count := len(s.sessions)
	s.mu.RUnlock()
	metrics.SessionsActive.Set(float64(count))
}

func (s *Store) notify(ctx context.Context, sess *Session) {
	s.observerMu.RLock()
	observers := s.observers
	s.observerMu.RUnlock()
	for _, o := range observers {
		o.SessionChanged(ctx, sess)
	}
}

func (s *Store) notifyDestroyed(ctx context.Context, id string, reason DestroyReason) {
	s.observerMu.RLock()
	observers := s.observers
	s.observerMu.RUnlock()
	for _, o := range observers {
		o.SessionDestroyed(ctx, id, reason)
	}
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Created.Equal(sessions[j].Created) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Created.Before(sessions[j].Created)
	})
}
