package session

import "errors"

var (
	// ErrNotFound covers both unknown and expired session ids.
	ErrNotFound      = errors.New("session not found")
	ErrInvalidDevice = errors.New("device id is required")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
