package token_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/wire"
)

func newManager(t *testing.T, secret string) *token.Manager {
	return token.NewManager(dlog.NewTestContext(t, false), token.Config{Secret: secret})
}

func TestInternalRoundTrip(t *testing.T) {
	a := assert.New(t)
	m := newManager(t, "unit-test-secret")

	in := &token.Identity{
		ID:     "user-1",
		Email:  "u@example.org",
		Roles:  []string{"admin"},
		Scopes: []string{"lab", "public"},
	}
	raw, err := m.Generate(in, time.Hour)
	require.NoError(t, err)
	a.Contains(raw, token.InternalPrefix)

	out, err := m.Parse(context.Background(), raw)
	require.NoError(t, err)
	a.Equal(in.ID, out.ID)
	a.Equal(in.Email, out.Email)
	a.Equal(in.Roles, out.Roles)
	a.Equal(in.Scopes, out.Scopes)
	a.False(out.Expired(time.Now()))
	a.True(out.IsAdmin())
}

func TestBearerSchemePrefixTolerated(t *testing.T) {
	m := newManager(t, "unit-test-secret")
	raw, err := m.Generate(&token.Identity{ID: "user-2"}, time.Hour)
	require.NoError(t, err)

	out, err := m.Parse(context.Background(), "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "user-2", out.ID)
}

func TestExpiredTokenRejected(t *testing.T) {
	a := assert.New(t)
	m := newManager(t, "unit-test-secret")

	raw, err := m.Generate(&token.Identity{ID: "user-3"}, -time.Minute)
	require.NoError(t, err)

	_, err = m.Parse(context.Background(), raw)
	require.Error(t, err)
	a.ErrorIs(err, token.ErrExpired)
	a.True(wire.IsKind(err, wire.KindUnauthorized))
}

func TestMalformedTokenRejected(t *testing.T) {
	a := assert.New(t)
	m := newManager(t, "unit-test-secret")

	_, err := m.Parse(context.Background(), token.InternalPrefix+"this-is-not-a-jwt")
	require.Error(t, err)
	a.ErrorIs(err, token.ErrMalformed)
	a.True(wire.IsKind(err, wire.KindUnauthorized))

	_, err = m.Parse(context.Background(), "")
	require.Error(t, err)
	a.ErrorIs(err, token.ErrMalformed)
}

func TestUnknownKeyRejected(t *testing.T) {
	a := assert.New(t)
	minter := newManager(t, "secret-a")
	checker := newManager(t, "secret-b")

	raw, err := minter.Generate(&token.Identity{ID: "user-4"}, time.Hour)
	require.NoError(t, err)

	_, err = checker.Parse(context.Background(), raw)
	require.Error(t, err)
	a.ErrorIs(err, token.ErrUnknownKey)
	a.True(wire.IsKind(err, wire.KindUnauthorized))
}

func TestGeneratedSecretStillSigns(t *testing.T) {
	m := newManager(t, "")
	raw, err := m.Generate(&token.Identity{ID: "user-5"}, time.Hour)
	require.NoError(t, err)

	out, err := m.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-5", out.ID)
}

func TestPresignedNarrowsScopes(t *testing.T) {
	a := assert.New(t)
	m := newManager(t, "unit-test-secret")
	caller := &token.Identity{ID: "parent-user", Scopes: []string{"w1", "w2"}}

	raw, err := m.GeneratePresigned(caller, token.PresignConfig{Scopes: []string{"w1"}})
	require.NoError(t, err)

	child, err := m.Parse(context.Background(), raw)
	require.NoError(t, err)
	a.NotEqual(caller.ID, child.ID, "a child token carries a fresh user id")
	a.Equal(caller.ID, child.Parent)
	a.Equal([]string{"w1"}, child.Scopes)
	a.True(child.CanAccess("w1"))
	a.False(child.CanAccess("w2"))

	// A grandchild still chains back to the original delegator.
	grandRaw, err := m.GeneratePresigned(child, token.PresignConfig{Scopes: []string{"w1"}})
	require.NoError(t, err)
	grand, err := m.Parse(context.Background(), grandRaw)
	require.NoError(t, err)
	a.Equal(caller.ID, grand.Parent)
}

func TestPresignedOutsideScopesDenied(t *testing.T) {
	a := assert.New(t)
	m := newManager(t, "unit-test-secret")
	caller := &token.Identity{ID: "parent-user", Scopes: []string{"w1"}}

	_, err := m.GeneratePresigned(caller, token.PresignConfig{Scopes: []string{"x"}})
	require.Error(t, err)
	a.True(trace.IsAccessDenied(err))

	_, err = m.GeneratePresigned(caller, token.PresignConfig{})
	require.Error(t, err, "a scoped caller cannot mint an unrestricted token")
}

func TestPresignedFromUnscopedCaller(t *testing.T) {
	m := newManager(t, "unit-test-secret")
	caller := &token.Identity{ID: "root-user"}

	raw, err := m.GeneratePresigned(caller, token.PresignConfig{Scopes: []string{"anything"}})
	require.NoError(t, err)
	child, err := m.Parse(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, child.Scopes)
}

func TestApplyOverrides(t *testing.T) {
	a := assert.New(t)

	admin := &token.Identity{ID: "admin-1", Roles: []string{"admin"}}
	q := url.Values{"user_id": {"ghost"}, "email": {"ghost@example.org"}, "roles": {"viewer,editor"}}
	out, err := token.ApplyOverrides(admin, q)
	require.NoError(t, err)
	a.Equal("ghost", out.ID)
	a.Equal("ghost@example.org", out.Email)
	a.Equal([]string{"viewer", "editor"}, out.Roles)
	a.Equal("admin-1", admin.ID, "the original identity is untouched")

	plain := &token.Identity{ID: "user-1"}
	_, err = token.ApplyOverrides(plain, q)
	require.Error(t, err)
	a.True(trace.IsAccessDenied(err))

	same, err := token.ApplyOverrides(plain, url.Values{})
	require.NoError(t, err)
	a.Same(plain, same)
}

func TestAnonymousIdentity(t *testing.T) {
	a := assert.New(t)
	id := token.Anonymous()
	a.True(id.Anonymous)
	a.NotEmpty(id.ID)
	a.True(id.CanAccess("public"), "anonymous identities are unscoped")
	a.False(id.IsAdmin())
}
