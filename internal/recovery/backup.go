package recovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

var (
	// ErrIntegrity means a backup blob or recovery point failed verification.
	ErrIntegrity       = errors.New("backup integrity check failed")
	ErrNoBackup        = errors.New("no backup available")
	ErrNoRecoveryPoint = errors.New("no valid recovery point")
)

func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// Backup is one full snapshot of the live sessions.
type Backup struct {
	Timestamp time.Time
	Sessions  []*session.Session
	Checksum  string
}

// envelope is the blob layout. The checksummed fields stay raw so
// verification runs over the exact bytes that were written.
type envelope struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Sessions  json.RawMessage `json:"sessions"`
	Checksum  string          `json:"checksum"`
}

// Checksum is the hex xxh3-128 digest of the given parts joined by newlines.
func Checksum(parts ...[]byte) string {
	sum := xxh3.Hash128(bytes.Join(parts, []byte{'\n'}))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// EncodeBackup serializes sessions taken at ts into a checksummed blob.
func EncodeBackup(ts time.Time, sessions []*session.Session) ([]byte, *Backup, error) {
	if sessions == nil {
		sessions = []*session.Session{}
	}
	rawTime, err := json.Marshal(ts.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("encode backup timestamp: %w", err)
	}
	rawSessions, err := json.Marshal(sessions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode backup sessions: %w", err)
	}
	env := envelope{
		Timestamp: rawTime,
		Sessions:  rawSessions,
		Checksum:  Checksum(rawTime, rawSessions),
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode backup: %w", err)
	}
	return blob, &Backup{Timestamp: ts.UTC(), Sessions: sessions, Checksum: env.Checksum}, nil
}

// DecodeBackup verifies a blob and returns its content. Any deviation from
// the canonical encoding or a checksum mismatch yields ErrIntegrity.
func DecodeBackup(blob []byte) (*Backup, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed blob: %v", ErrIntegrity, err)
	}
	canonical, err := json.Marshal(env)
	if err != nil || !bytes.Equal(canonical, blob) {
		return nil, fmt.Errorf("%w: blob is not in canonical form", ErrIntegrity)
	}
	if env.Checksum != Checksum(env.Timestamp, env.Sessions) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
	}

	backup := &Backup{Checksum: env.Checksum}
	if err := json.Unmarshal(env.Timestamp, &backup.Timestamp); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrIntegrity, err)
	}
	if err := json.Unmarshal(env.Sessions, &backup.Sessions); err != nil {
		return nil, fmt.Errorf("%w: bad sessions: %v", ErrIntegrity, err)
	}
	return backup, nil
}

// RecoveryPoint is an immutable per-session payload snapshot.
type RecoveryPoint struct {
	SessionID string    `json:"session_id" bson:"session_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Payload   []byte    `json:"payload" bson:"payload"`
	Checksum  string    `json:"checksum" bson:"checksum"`
}

func NewRecoveryPoint(s *session.Session, at time.Time) (RecoveryPoint, error) {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return RecoveryPoint{}, fmt.Errorf("encode payload of %s: %w", s.ID, err)
	}
	return RecoveryPoint{
		SessionID: s.ID,
		Timestamp: at,
		Payload:   payload,
		Checksum:  Checksum([]byte(s.ID), payload),
	}, nil
}

func (p RecoveryPoint) Verify() error {
	if p.Checksum != Checksum([]byte(p.SessionID), p.Payload) {
		return fmt.Errorf("%w: recovery point of %s", ErrIntegrity, p.SessionID)
	}
	return nil
}

func (p RecoveryPoint) Decode() (session.Payload, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	var payload session.Payload
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: recovery point of %s: %v", ErrIntegrity, p.SessionID, err)
	}
	return payload, nil
}
