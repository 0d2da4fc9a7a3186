// Package session owns per-device WhatsApp session records: creation,
// lookup by id and device, the per-device cap with oldest-first eviction,
// transfer and clone, and durable persistence through a Backend.
package session

import (
	"maps"
	"slices"
	"time"
)

type Device struct {
	ID   string   `json:"id" bson:"id"`
	Type string   `json:"type,omitempty" bson:"type,omitempty"`
	OS   string   `json:"os,omitempty" bson:"os,omitempty"`
	IP   string   `json:"ip,omitempty" bson:"ip,omitempty"`
	Tags []string `json:"tags,omitempty" bson:"tags,omitempty"`
}

type Stats struct {
	Connections     int64     `json:"connections" bson:"connections"`
	Reconnections   int64     `json:"reconnections" bson:"reconnections"`
	DataTransferred int64     `json:"data_transferred" bson:"data_transferred"`
	LastBackup      time.Time `json:"last_backup,omitempty" bson:"last_backup,omitempty"`
}

// Payload is the opaque session material. Update merges keys shallowly.
type Payload map[string]any

type Session struct {
	ID           string    `json:"id" bson:"_id"`
	Created      time.Time `json:"created" bson:"created"`
	LastActivity time.Time `json:"last_activity" bson:"last_activity"`
	Expires      time.Time `json:"expires" bson:"expires"`
	Device       Device    `json:"device" bson:"device"`
	Stats        Stats     `json:"stats" bson:"stats"`
	Payload      Payload   `json:"payload" bson:"payload"`
}

// Valid reports whether the session is still usable at now.
func (s *Session) Valid(now time.Time) bool {
	return now.Before(s.Expires)
}

// Copy returns a session that shares no mutable state with s.
func (s *Session) Copy() *Session {
	c := *s
	c.Device.Tags = slices.Clone(s.Device.Tags)
	c.Payload = maps.Clone(s.Payload)
	return &c
}

type DestroyReason string

const (
	ReasonExplicit DestroyReason = "explicit"
	ReasonExpired  DestroyReason = "expired"
	ReasonEvicted  DestroyReason = "evicted"
)

// Tombstone is the history record left behind by a destroyed session.
type Tombstone struct {
	SessionID   string        `json:"session_id" bson:"session_id"`
	DeviceID    string        `json:"device_id" bson:"device_id"`
	Reason      DestroyReason `json:"reason" bson:"reason"`
	DestroyedAt time.Time     `json:"destroyed_at" bson:"destroyed_at"`
}

// StoreStats is a point-in-time summary of the store.
type StoreStats struct {
	Sessions        int
	Devices         int
	Connections     int64
	Reconnections   int64
	DataTransferred int64
	Evictions       int64
	Expirations     int64
}
