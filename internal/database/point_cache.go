package database

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
)

// pointCache holds recovery point lists read from the database. A read that
// overlaps a write for the same session does not fill the cache, so a list
// loaded before the write cannot outlive it.
type pointCache struct {
	mu       sync.Mutex
	lru      *expirable.LRU[string, []recovery.RecoveryPoint]
	inflight map[string]*pointRead
}

type pointRead struct {
	version uint64
	readers int
}

func newPointCache(size int, ttl time.Duration) *pointCache {
	return &pointCache{
		lru:      expirable.NewLRU[string, []recovery.RecoveryPoint](size, nil, ttl),
		inflight: make(map[string]*pointRead),
	}
}

func (c *pointCache) get(sessionID string) ([]recovery.RecoveryPoint, bool) {
	points, ok := c.lru.Get(sessionID)
	if !ok {
		return nil, false
	}
	return append([]recovery.RecoveryPoint(nil), points...), true
}

// beginRead registers a database read and returns the version it must still
// match when endRead is called.
func (c *pointCache) beginRead(sessionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	read, ok := c.inflight[sessionID]
	if !ok {
		read = &pointRead{}
		c.inflight[sessionID] = read
	}
	read.readers++
	return read.version
}

// endRead caches points unless a write landed since beginRead. A nil list
// marks a failed read and is never cached.
func (c *pointCache) endRead(sessionID string, version uint64, points []recovery.RecoveryPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	read := c.inflight[sessionID]
	if points != nil && read.version == version {
		c.lru.Add(sessionID, append([]recovery.RecoveryPoint(nil), points...))
	}
	read.readers--
	if read.readers == 0 {
		delete(c.inflight, sessionID)
	}
}

// invalidate is called once a write for sessionID has committed.
func (c *pointCache) invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read, ok := c.inflight[sessionID]; ok {
		read.version++
	}
	c.lru.Remove(sessionID)
}
