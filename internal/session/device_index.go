package session

import (
	"sort"
	"sync"
	"time"
)

type indexEntry struct {
	sessionID string
	created   time.Time
}

// DeviceIndex maps a device id to the ids of its live sessions. It is a
// secondary index; the Store is the system of record.
type DeviceIndex struct {
	mu      sync.RWMutex
	devices map[string]map[string]time.Time
}

func NewDeviceIndex() *DeviceIndex {
	return &DeviceIndex{devices: make(map[string]map[string]time.Time)}
}

// Add records sessionID under deviceID. Adding an existing pair is a no-op.
func (idx *DeviceIndex) Add(deviceID, sessionID string, created time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.devices[deviceID]
	if !ok {
		set = make(map[string]time.Time)
		idx.devices[deviceID] = set
	}
	if _, exists := set[sessionID]; !exists {
		set[sessionID] = created
	}
}

// Remove reports whether the pair was present.
func (idx *DeviceIndex) Remove(deviceID, sessionID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.devices[deviceID]
	if !ok {
		return false
	}
	if _, exists := set[sessionID]; !exists {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(idx.devices, deviceID)
	}
	return true
}

func (idx *DeviceIndex) Count(deviceID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.devices[deviceID])
}

func (idx *DeviceIndex) Contains(deviceID, sessionID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.devices[deviceID][sessionID]
	return ok
}

// Sessions lists the device's session ids oldest first. Ties on the
// creation time are broken by id so the order is stable.
func (idx *DeviceIndex) Sessions(deviceID string) []string {
	idx.mu.RLock()
	entries := make([]indexEntry, 0, len(idx.devices[deviceID]))
	for id, created := range idx.devices[deviceID] {
		entries = append(entries, indexEntry{sessionID: id, created: created})
	}
	idx.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].sessionID < entries[j].sessionID
		}
		return entries[i].created.Before(entries[j].created)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.sessionID
	}
	return ids
}

// EvictionCandidates returns the oldest sessions that must go so that one
// more session fits under limit. keep is never a candidate. Nothing is
// removed here; the store destroys each candidate through its normal path.
func (idx *DeviceIndex) EvictionCandidates(deviceID string, limit int, keep string) []string {
	if limit <= 0 {
		return nil
	}
	ids := idx.Sessions(deviceID)
	excess := len(ids) - limit + 1
	var victims []string
	for _, id := range ids {
		if excess <= 0 {
			break
		}
		if id == keep {
			continue
		}
		victims = append(victims, id)
		excess--
	}
	return victims
}

// Devices returns the number of devices holding at least one session.
func (idx *DeviceIndex) Devices() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.devices)
}

// Reset drops every entry.
func (idx *DeviceIndex) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.devices = make(map[string]map[string]time.Time)
}
