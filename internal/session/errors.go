package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSessionID is returned for empty, oversized or malformed identifiers.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrNilSession is returned when a nil context is stored.
	ErrNilSession = errors.New("session: nil session context")
	// ErrNilUser is returned when a session is attached without a user.
	ErrNilUser = errors.New("session: nil user")
)

const maxIDLength = 128

// ValidateID checks the identifier is non-empty, at most 128 characters and
// limited to letters, digits, '-', '_' and '.'.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidSessionID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return ErrInvalidSessionID
		}
	}
	return nil
}

// NewID generates a random session identifier.
func NewID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
