// Package token issues and validates the bearer credentials the engine
// admits: externally issued JWTs verified against a lazily fetched JSON
// web key set, and internally issued tokens signed with the engine
// secret and carrying the InternalPrefix marker.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/datawire/dlib/dlog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/spindleworks/spindle/pkg/wire"
)

// InternalPrefix marks tokens minted by the engine itself. It is
// stripped before verification.
const InternalPrefix = "#RTC:"

// Sentinel causes for token rejection. All of them classify as
// Unauthorized on the wire; callers that need to distinguish use
// errors.Is.
var (
	ErrExpired    = errors.New("token has expired")
	ErrMalformed  = errors.New("malformed authorization")
	ErrUnknownKey = errors.New("token signed with an unknown key")
)

// Identity is the decoded subject of a bearer credential.
type Identity struct {
	ID        string
	Email     string
	Roles     []string
	Parent    string
	Scopes    []string
	ExpiresAt time.Time
	Anonymous bool
}

// Anonymous returns a fresh identity for a tokenless session.
func Anonymous() *Identity {
	return &Identity{ID: "anonymous-" + uuid.NewString()[:8], Anonymous: true}
}

// NewSecret mints a 128-bit channel secret. Possession of the secret is
// what authorises traffic on a peer's channels, so it never appears in
// logs.
func NewSecret() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (id *Identity) IsAdmin() bool {
	return slices.Contains(id.Roles, "admin")
}

// CanAccess reports whether the identity's scopes admit workspace. An
// identity without scopes is unrestricted; workspace-level permission
// checks still apply on top.
func (id *Identity) CanAccess(workspace string) bool {
	if len(id.Scopes) == 0 {
		return true
	}
	return slices.Contains(id.Scopes, workspace)
}

func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// Claims is the payload of an internal token.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	Parent string   `json:"parent,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() *Identity {
	id := &Identity{
		ID:     c.Subject,
		Email:  c.Email,
		Roles:  c.Roles,
		Parent: c.Parent,
		Scopes: c.Scopes,
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}

type Config struct {
	// Secret signs internal tokens. When empty a random one is
	// generated, which invalidates every previously minted internal
	// token on restart.
	Secret string
	// AuthDomain is the OIDC issuer host for external tokens, for
	// example "demo.eu.auth0.com". External tokens are rejected when
	// unset.
	AuthDomain string
	// Audience is the expected audience of external tokens.
	Audience string
	// TTL is the default lifetime of minted tokens.
	TTL time.Duration
}

// Manager validates bearer credentials and mints internal tokens.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func NewManager(ctx context.Context, cfg Config) *Manager {
	secret := cfg.Secret
	if secret == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = hex.EncodeToString(buf)
		dlog.Warnf(ctx, "JWT_SECRET is not set; using a generated secret. Internal tokens will not survive a restart")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	issuer := ""
	if cfg.AuthDomain != "" {
		issuer = "https://" + cfg.AuthDomain + "/"
	}
	return &Manager{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: cfg.Audience,
		ttl:      ttl,
	}
}

// Parse validates a bearer credential and returns the identity it
// carries. The "Bearer " scheme prefix is tolerated.
func (m *Manager) Parse(ctx context.Context, raw string) (*Identity, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, unauthorized(fmt.Errorf("%w: empty bearer token", ErrMalformed))
	}
	if internal, ok := strings.CutPrefix(raw, InternalPrefix); ok {
		return m.parseInternal(internal)
	}
	return m.parseExternal(ctx, raw)
}

func (m *Manager) parseInternal(raw string) (*Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, classifyInternalError(err)
	}
	return claims.identity(), nil
}

func (m *Manager) parseExternal(ctx context.Context, raw string) (*Identity, error) {
	v, err := m.externalVerifier(ctx)
	if err != nil {
		return nil, unauthorized(fmt.Errorf("%w: %v", ErrUnknownKey, err))
	}
	idt, err := v.Verify(ctx, raw)
	if err != nil {
		return nil, classifyExternalError(err)
	}
	var claims struct {
		Email string   `json:"email"`
		Roles []string `json:"roles"`
	}
	if err := idt.Claims(&claims); err != nil {
		return nil, unauthorized(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return &Identity{
		ID:        idt.Subject,
		Email:     claims.Email,
		Roles:     claims.Roles,
		ExpiresAt: idt.Expiry,
	}, nil
}

// externalVerifier builds the JWKS-backed verifier on first use; the
// provider fetch hits the issuer's discovery document once and caches
// its key set.
func (m *Manager) externalVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifier != nil {
		return m.verifier, nil
	}
	if m.issuer == "" {
		return nil, trace.NotFound("no external token issuer is configured")
	}
	provider, err := oidc.NewProvider(ctx, m.issuer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := &oidc.Config{ClientID: m.audience}
	if m.audience == "" {
		cfg.SkipClientIDCheck = true
	}
	m.verifier = provider.Verifier(cfg)
	return m.verifier, nil
}

// Generate signs an internal bearer token for id. A zero ttl uses the
// manager default; a negative ttl produces an already expired token.
func (m *Manager) Generate(id *Identity, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = m.ttl
	}
	now := time.Now()
	claims := &Claims{
		Scopes: id.Scopes,
		Parent: id.Parent,
		Email:  id.Email,
		Roles:  id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return InternalPrefix + signed, nil
}

// PresignConfig narrows a delegated child token.
type PresignConfig struct {
	Scopes    []string
	ExpiresIn time.Duration
}

// GeneratePresigned mints a child token on behalf of caller. The child
// gets a fresh user id, chains back to the original delegator through
// Parent, and may only narrow the caller's scopes.
func (m *Manager) GeneratePresigned(caller *Identity, cfg PresignConfig) (string, error) {
	if err := checkScopeSubset(caller, cfg.Scopes); err != nil {
		return "", err
	}
	parent := caller.Parent
	if parent == "" {
		parent = caller.ID
	}
	child := &Identity{
		ID:     uuid.NewString(),
		Email:  caller.Email,
		Roles:  caller.Roles,
		Parent: parent,
		Scopes: cfg.Scopes,
	}
	return m.Generate(child, cfg.ExpiresIn)
}

func checkScopeSubset(caller *Identity, scopes []string) error {
	if len(caller.Scopes) == 0 {
		// An unscoped caller may delegate any workspace.
		return nil
	}
	if len(scopes) == 0 {
		return trace.AccessDenied("a scoped caller cannot mint an unrestricted token")
	}
	for _, s := range scopes {
		if !slices.Contains(caller.Scopes, s) {
			return trace.AccessDenied("scope %q is outside the caller's scopes", s)
		}
	}
	return nil
}

// ApplyOverrides lets an admin impersonate another subject through
// query parameters on the connection URL. Overrides from a non-admin
// identity are rejected.
func ApplyOverrides(id *Identity, q url.Values) (*Identity, error) {
	uid, email, roles := q.Get("user_id"), q.Get("email"), q.Get("roles")
	if uid == "" && email == "" && roles == "" {
		return id, nil
	}
	if !id.IsAdmin() {
		return nil, trace.AccessDenied("only admin tokens may simulate users")
	}
	out := *id
	if uid != "" {
		out.ID = uid
	}
	if email != "" {
		out.Email = email
	}
	if roles != "" {
		out.Roles = strings.Split(roles, ",")
	}
	return &out, nil
}

func unauthorized(err error) error {
	return wire.WithKind(err, wire.KindUnauthorized)
}

func classifyInternalError(err error) error {
	var cause error
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		cause = fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		cause = fmt.Errorf("%w: %v", ErrUnknownKey, err)
	default:
		cause = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return unauthorized(cause)
}

func classifyExternalError(err error) error {
	var expired *oidc.TokenExpiredError
	var cause error
	switch {
	case errors.As(err, &expired):
		cause = fmt.Errorf("%w: %v", ErrExpired, err)
	case strings.Contains(err.Error(), "signature"):
		cause = fmt.Errorf("%w: %v", ErrUnknownKey, err)
	default:
		cause = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return unauthorized(cause)
}
