package sessionhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-cms/internal/invalidation"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

type recordingInvalidator struct {
	calls []string
	refs  []users.Ref
	err   error
}

func (r *recordingInvalidator) record(call string) error {
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recordingInvalidator) OnRolePermissionsChanged(ctx context.Context, role string) error {
	if strings.TrimSpace(role) == "" {
		return rbac.ErrInvalidRole
	}
	return r.record("role:" + role)
}

func (r *recordingInvalidator) OnUserPermissionsChanged(ctx context.Context, userID int64) error {
	return r.record("user-permissions")
}

func (r *recordingInvalidator) OnUserChanged(ctx context.Context, ref users.Ref) error {
	r.refs = append(r.refs, ref)
	return r.record("user")
}

func (r *recordingInvalidator) OnUserDeleted(ctx context.Context, ref users.Ref) error {
	r.refs = append(r.refs, ref)
	return r.record("user-deleted")
}

func (r *recordingInvalidator) InvalidatePattern(ctx context.Context, pattern string) error {
	if pattern == "session:[" {
		return invalidation.ErrInvalidPattern
	}
	return r.record("pattern:" + pattern)
}

func (r *recordingInvalidator) Reset(ctx context.Context) error { return r.record("reset") }

func newInternalRouter(resolver Resolver, inv Invalidator) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(resolver, testCookie, nil))
	NewInternalHandler(inv, nil).MountRoutes(r)
	return r
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestInternalRoutesRequirePermission(t *testing.T) {
	inv := &recordingInvalidator{}

	rr := post(t, newInternalRouter(&stubResolver{}, inv), "/internal/cache/reset", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = post(t, newInternalRouter(&stubResolver{result: authenticated("s", 7, "pages.manage")}, inv), "/internal/cache/reset", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, inv.calls)
}

func TestInternalInvalidation(t *testing.T) {
	inv := &recordingInvalidator{}
	router := newInternalRouter(&stubResolver{result: authenticated("s", 1, ManagePermission)}, inv)

	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/roles/editor", "").Code)
	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/users/42/permissions", "").Code)
	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/users", `{"id":42,"email":"ada@example.com"}`).Code)
	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/users", `{"id":42,"deleted":true}`).Code)
	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/patterns", `{"pattern":"products:*"}`).Code)
	assert.Equal(t, http.StatusAccepted, post(t, router, "/internal/cache/reset", "").Code)

	assert.Equal(t, []string{"role:editor", "user-permissions", "user", "user-deleted", "pattern:products:*", "reset"}, inv.calls)
	require.Len(t, inv.refs, 2)
	assert.Equal(t, users.Ref{ID: 42, Email: "ada@example.com"}, inv.refs[0])
}

func TestInternalInvalidationRejectsBadInput(t *testing.T) {
	inv := &recordingInvalidator{}
	router := newInternalRouter(&stubResolver{result: authenticated("s", 1, ManagePermission)}, inv)

	for name, tc := range map[string]struct{ target, body string }{
		"user id":         {"/internal/cache/users/abc/permissions", ""},
		"missing id":      {"/internal/cache/users", `{"email":"ada@example.com"}`},
		"bad email":       {"/internal/cache/users", `{"id":1,"email":"nope"}`},
		"unknown field":   {"/internal/cache/users", `{"id":1,"admin":true}`},
		"empty pattern":   {"/internal/cache/patterns", `{"pattern":""}`},
		"invalid pattern": {"/internal/cache/patterns", `{"pattern":"session:["}`},
	} {
		t.Run(name, func(t *testing.T) {
			rr := post(t, router, tc.target, tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
	assert.Empty(t, inv.calls)
}

func TestInternalInvalidationPartialFailure(t *testing.T) {
	inv := &recordingInvalidator{err: errors.New("broadcast: redis down")}
	router := newInternalRouter(&stubResolver{result: authenticated("s", 1, ManagePermission)}, inv)

	rr := post(t, router, "/internal/cache/users/42/permissions", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "redis down")
}
