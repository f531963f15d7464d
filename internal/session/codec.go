package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const codecVersion = 1

var errCorrupt = errors.New("session: corrupt cache entry")

// envelope is the tier-2 representation of a cached session.
type envelope struct {
	Version   int       `json:"v"`
	ExpiresAt time.Time `json:"expires_at"`
	Session   *Context  `json:"session"`
}

func encode(sc *Context, expiresAt time.Time) ([]byte, error) {
	return json.Marshal(envelope{Version: codecVersion, ExpiresAt: expiresAt, Session: sc})
}

func decode(raw []byte, id string) (*Context, time.Time, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	switch {
	case env.Version != codecVersion:
		return nil, time.Time{}, fmt.Errorf("%w: version %d", errCorrupt, env.Version)
	case env.Session == nil, env.Session.SessionID != id, env.ExpiresAt.IsZero():
		return nil, time.Time{}, errCorrupt
	}
	return env.Session, env.ExpiresAt, nil
}
