package users

import (
	"strings"
	"time"
)

// User represents a user account as seen by the session core.
type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email" validate:"required,email"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role" validate:"required"`
	IsActive    bool       `json:"is_active"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	Profile     *Profile   `json:"profile,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Profile holds optional presentation details.
type Profile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// IsLocked reports whether a lockout is in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// CanSignIn reports whether the account may hold a session at now.
func (u *User) CanSignIn(now time.Time) bool {
	return u != nil && u.IsActive && u.DeletedAt == nil && !u.IsLocked(now)
}

// Name returns the best available display name.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Profile != nil {
		if full := strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName); full != "" {
			return full
		}
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// Ref identifies a user by every key the caches may use for it.
type Ref struct {
	ID       int64
	Email    string
	Username string
}

// RefOf builds the Ref of a loaded user.
func RefOf(u *User) Ref {
	if u == nil {
		return Ref{}
	}
	return Ref{ID: u.ID, Email: u.Email, Username: u.Username}
}
