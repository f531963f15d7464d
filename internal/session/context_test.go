package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

func TestAnonymousHasNoPermissions(t *testing.T) {
	sc := Anonymous(Claims{IPAddress: "127.0.0.1"}, time.Now())
	assert.True(t, sc.IsAnonymous())
	assert.False(t, sc.HasPermission(rbac.PermissionProfileManage))
	assert.False(t, sc.HasAny("pages.manage"))

	var missing *Context
	assert.True(t, missing.IsAnonymous())
	assert.False(t, HasPermission(missing, "pages.manage"))
}

func TestContextPermissionChecks(t *testing.T) {
	sc := userSession(1, "editor", "pages.manage", "media.manage")
	assert.True(t, sc.HasPermission("Pages.Manage"))
	assert.True(t, sc.HasAny("users.manage", "media.manage"))
	assert.False(t, sc.HasAll("users.manage", "media.manage"))
	assert.True(t, sc.HasAll("pages.manage", "media.manage"))
	assert.False(t, sc.HasAny())
	assert.Equal(t, sc.Permissions.HasAny(), sc.HasAny())
}

func TestRefreshWithUser(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	sc := &Context{SessionID: "sess-1", IPAddress: "10.0.0.1", SessionStartTime: start, LastActivity: start}
	u := &users.User{ID: 5, Email: "x@example.com", Username: "x", Role: "editor", IsActive: true}

	now := start.Add(time.Minute)
	sc.RefreshWithUser(u, rbac.NewPermissionSet("pages.manage"), now)

	require.NotNil(t, sc.UserID)
	assert.Equal(t, int64(5), *sc.UserID)
	assert.Equal(t, "x", sc.DisplayName)
	assert.Equal(t, "sess-1", sc.SessionID)
	assert.Equal(t, "10.0.0.1", sc.IPAddress)
	assert.Equal(t, start, sc.SessionStartTime)
	assert.Equal(t, now, sc.LastActivity)
	assert.Equal(t, now, sc.ResolvedAt)

	sc.UpdateLastActivity(start)
	assert.Equal(t, now, sc.LastActivity, "activity never moves backwards")
}

func TestContextJSONAndCodec(t *testing.T) {
	sc := userSession(9, "admin", "users.manage")
	sc.SessionID = "sess-9"
	sc.Claims = map[string]string{"sub": "9"}
	raw, err := json.Marshal(sc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"permissions":["users.manage"]`)

	expires := time.Now().Add(time.Hour).UTC()
	encoded, err := encode(sc, expires)
	require.NoError(t, err)
	decoded, gotExpiry, err := decode(encoded, "sess-9")
	require.NoError(t, err)
	assert.True(t, expires.Equal(gotExpiry))
	assert.True(t, decoded.Permissions.Equal(sc.Permissions))

	_, _, err = decode(encoded, "other")
	assert.ErrorIs(t, err, errCorrupt)
	_, _, err = decode([]byte("not json"), "sess-9")
	assert.ErrorIs(t, err, errCorrupt)
}

func TestContextRoundTripThroughRequestContext(t *testing.T) {
	sc := userSession(3, "customer")
	ctx := WithContext(context.Background(), sc)
	assert.Same(t, sc, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
