package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Recognised claim keys. Any other key is carried opaquely in Claims.Extra.
const (
	ClaimSubject   = "sub"
	ClaimEmail     = "email"
	ClaimRole      = "role"
	ClaimTokenID   = "jti"
	ClaimSessionID = "sid"
	ClaimName      = "name"
)

// Claims is the identity presented by an already authenticated request
// together with the transport details recorded on the session.
type Claims struct {
	Authenticated bool

	// SessionToken is the transport-level session identifier, usually the
	// session cookie.
	SessionToken string

	Subject   string
	Email     string
	Role      string
	TokenID   string
	SessionID string
	Name      string
	Extra     map[string]string

	IPAddress     string
	UserAgent     string
	RequestID     string
	CorrelationID string
}

// ParseClaims builds Claims from a string bag. The request is considered
// authenticated when a subject is present.
func ParseClaims(bag map[string]string) Claims {
	var c Claims
	for key, value := range bag {
		c.set(key, value)
	}
	c.Authenticated = c.Subject != ""
	return c
}

// ClaimsFromJWT converts the claims of a token verified upstream. Numeric and
// boolean values are rendered as strings, nested values are dropped.
func ClaimsFromJWT(mc jwt.MapClaims) Claims {
	var c Claims
	for key, raw := range mc {
		value, ok := claimString(raw)
		if !ok {
			continue
		}
		c.set(key, value)
	}
	c.Authenticated = c.Subject != ""
	return c
}

func (c *Claims) set(key, value string) {
	value = strings.TrimSpace(value)
	switch key {
	case ClaimSubject:
		c.Subject = value
	case ClaimEmail:
		c.Email = value
	case ClaimRole:
		c.Role = value
	case ClaimTokenID:
		c.TokenID = value
	case ClaimSessionID:
		c.SessionID = value
	case ClaimName:
		c.Name = value
	default:
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[key] = value
	}
}

func claimString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

// UserID parses the subject as a numeric user id.
func (c Claims) UserID() (int64, bool) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// TokenSessionID returns the identifier embedded in the token, preferring the
// sid claim over jti.
func (c Claims) TokenSessionID() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.TokenID
}

// Bag flattens the claims back into a key/value map.
func (c Claims) Bag() map[string]string {
	bag := make(map[string]string, len(c.Extra)+6)
	for k, v := range c.Extra {
		bag[k] = v
	}
	for k, v := range map[string]string{
		ClaimSubject:   c.Subject,
		ClaimEmail:     c.Email,
		ClaimRole:      c.Role,
		ClaimTokenID:   c.TokenID,
		ClaimSessionID: c.SessionID,
		ClaimName:      c.Name,
	} {
		if v != "" {
			bag[k] = v
		}
	}
	return bag
}
