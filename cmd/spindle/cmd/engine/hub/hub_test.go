package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/wire"
)

func newTestHub(t *testing.T, mod func(cfg *Config)) (*Hub, *state.State, *token.Manager, *httptest.Server) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	s := state.NewState(ctx, state.Config{})
	tm := token.NewManager(ctx, token.Config{Secret: "hub-test-secret"})
	cfg := Config{State: s, Tokens: tm, PingInterval: 500 * time.Millisecond}
	if mod != nil {
		mod(&cfg)
	}
	h := New(cfg)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(dlog.NewTestContext(t, false)))
	}))
	t.Cleanup(srv.Close)
	return h, s, tm, srv
}

// testClient drives a raw websocket from the remote side, the way a
// plugin runtime or web client would.
type testClient struct {
	conn    *websocket.Conn
	packets chan *wire.Packet
	closed  chan struct{}

	mu sync.Mutex

	info      map[string]any
	sessionID string
	secret    string
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server, params url.Values) (*testClient, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + params.Encode()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, resp, err
	}
	c := &testClient{conn: conn, packets: make(chan *wire.Packet, 64), closed: make(chan struct{})}
	go c.pump()
	t.Cleanup(func() { _ = conn.Close() })
	return c, resp, nil
}

// dialClient connects as a client and consumes the connected handshake.
func dialClient(ctx context.Context, t *testing.T, srv *httptest.Server, params url.Values) *testClient {
	t.Helper()
	if params == nil {
		params = url.Values{}
	}
	c, _, err := dial(ctx, t, srv, params)
	require.NoError(t, err)
	p := c.next(t)
	require.Equal(t, SessionChannel, p.Channel)
	require.Equal(t, wire.TypeConnected, p.Frame.Type)
	c.info = p.Frame.Config
	c.sessionID, _ = c.info["session_id"].(string)
	c.secret, _ = c.info["secret"].(string)
	require.NotEmpty(t, c.sessionID)
	require.NotEmpty(t, c.secret)
	return c
}

func (c *testClient) pump() {
	defer close(c.closed)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		p, err := wire.DecodePacket(data, mt == websocket.BinaryMessage)
		if err != nil {
			continue
		}
		select {
		case c.packets <- p:
		default:
		}
	}
}

func (c *testClient) send(t *testing.T, channel string, f *wire.Frame) {
	t.Helper()
	data, binary, err := wire.EncodePacket(&wire.Packet{Channel: channel, Frame: *f})
	require.NoError(t, err)
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteMessage(mt, data))
}

func (c *testClient) next(t *testing.T) *wire.Packet {
	t.Helper()
	select {
	case p := <-c.packets:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

// handshake performs the plugin side of the peer handshake: initialized,
// then setInterface, awaiting the interfaceSetAsRemote ack.
func (c *testClient) handshake(t *testing.T, api []wire.NamedExport) {
	t.Helper()
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{Type: wire.TypeInitialized, Config: map[string]any{"name": "test-client"}})
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{Type: wire.TypeSetInterface, API: api})
	p := c.next(t)
	require.Equal(t, wire.ToPlugin(c.secret), p.Channel)
	require.Equal(t, wire.TypeInterfaceSetAsRemote, p.Frame.Type)
}

func cbEnv(id int) map[string]any {
	return map[string]any{wire.TagKey: wire.TagCallback, wire.ValueKey: id}
}

func argEnv(v any) map[string]any {
	return map[string]any{wire.TagKey: wire.TagArgument, wire.ValueKey: v}
}

func TestClientConnectHandshake(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	h, s, _, srv := newTestHub(t, nil)

	c := dialClient(ctx, t, srv, nil)
	a.Equal("public", c.info["workspace"])
	uid, _ := c.info["user_id"].(string)
	a.True(strings.HasPrefix(uid, "anonymous-"), "got user %q", uid)
	a.NotEmpty(c.info["client_id"])
	a.Equal(1, h.CountSessions())
	a.Equal(1, s.CountUsers())

	// Outlive the read deadline; the ping loop keeps the socket open.
	time.Sleep(1200 * time.Millisecond)
	c.handshake(t, nil)

	_ = c.conn.Close()
	require.Eventually(t, func() bool {
		return h.CountSessions() == 0 && s.CountUsers() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClientEngineCall(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	_, _, _, srv := newTestHub(t, func(cfg *Config) {
		cfg.BuildAPI = func(s *Session) map[string]any {
			return map[string]any{
				"echo": comm.Func(func(_ context.Context, args []any) (any, error) {
					if len(args) == 0 {
						return nil, nil
					}
					return args[0], nil
				}),
				"whoami": comm.Func(func(context.Context, []any) (any, error) {
					return s.User().ID, nil
				}),
			}
		}
	})

	c := dialClient(ctx, t, srv, nil)
	c.handshake(t, nil)

	// The engine publishes the session api on request.
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{Type: wire.TypeGetInterface})
	p := c.next(t)
	require.Equal(t, wire.TypeSetInterface, p.Frame.Type)
	names := make([]string, len(p.Frame.API))
	for i, e := range p.Frame.API {
		names[i] = e.Name
	}
	a.Equal([]string{"echo", "whoami"}, names)

	// Round trip through the session peer.
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{
		Type:    wire.TypeMethod,
		Name:    "echo",
		Args:    []any{argEnv("ping")},
		Promise: []any{cbEnv(11), cbEnv(12)},
	})
	p = c.next(t)
	require.Equal(t, wire.TypeCallback, p.Frame.Type)
	a.Equal(11, p.Frame.ID)
	require.Len(t, p.Frame.Args, 1)
	a.Equal("ping", p.Frame.Args[0].(map[string]any)[wire.ValueKey])

	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{
		Type:    wire.TypeMethod,
		Name:    "whoami",
		Args:    []any{},
		Promise: []any{cbEnv(21), cbEnv(22)},
	})
	p = c.next(t)
	a.Equal(21, p.Frame.ID)
	a.Equal(c.info["user_id"], p.Frame.Args[0].(map[string]any)[wire.ValueKey])

	// Unknown methods reject with a not_found error envelope.
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{
		Type:    wire.TypeMethod,
		Name:    "nope",
		Promise: []any{cbEnv(31), cbEnv(32)},
	})
	p = c.next(t)
	a.Equal(32, p.Frame.ID)
	env := p.Frame.Args[0].(map[string]any)
	a.Equal(wire.TagError, env[wire.TagKey])
	a.Equal(wire.KindNotFound, env[wire.KindKey])

	// Raw bytes force the binary encoding in both directions.
	c.send(t, wire.FromPlugin(c.secret), &wire.Frame{
		Type:    wire.TypeMethod,
		Name:    "echo",
		Args:    []any{[]byte{0x00, 0x01, 0xff}},
		Promise: []any{cbEnv(41), cbEnv(42)},
	})
	p = c.next(t)
	a.Equal(41, p.Frame.ID)
	got := p.Frame.Args[0].(map[string]any)[wire.ValueKey]
	a.Equal([]byte{0x00, 0x01, 0xff}, got)
}

func TestConnectGates(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	h, s, tm, srv := newTestHub(t, nil)
	_, err := s.RegisterWorkspace(state.WorkspaceConfig{Name: "lab", Owners: []string{"alice"}})
	require.NoError(t, err)

	// A malformed internal token is refused outright.
	_, resp, err := dial(ctx, t, srv, url.Values{"token": {"#RTC:garbage"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	a.Equal(http.StatusUnauthorized, resp.StatusCode)

	// Unknown workspaces do not exist for anyone.
	_, resp, err = dial(ctx, t, srv, url.Values{"workspace": {"ghost"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	a.Equal(http.StatusNotFound, resp.StatusCode)

	// Valid token, but scoped away from the requested workspace.
	scoped, err := tm.Generate(&token.Identity{ID: "carol", Scopes: []string{"other"}}, time.Hour)
	require.NoError(t, err)
	_, resp, err = dial(ctx, t, srv, url.Values{"token": {scoped}, "workspace": {"lab"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	a.Equal(http.StatusForbidden, resp.StatusCode)

	// Owners connect; the workspace is private to others.
	owner, err := tm.Generate(&token.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)
	c := dialClient(ctx, t, srv, url.Values{"token": {owner}, "workspace": {"lab"}})
	a.Equal("lab", c.info["workspace"])
	a.Equal("alice", c.info["user_id"])

	// Only admin tokens may simulate another user.
	_, resp, err = dial(ctx, t, srv, url.Values{"token": {owner}, "user_id": {"mallory"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	a.Equal(http.StatusForbidden, resp.StatusCode)

	admin, err := tm.Generate(&token.Identity{ID: "root-user", Roles: []string{"admin"}}, time.Hour)
	require.NoError(t, err)
	c = dialClient(ctx, t, srv, url.Values{"token": {admin}, "user_id": {"impersonated"}})
	a.Equal("impersonated", c.info["user_id"])

	// Bad token, out-of-scope workspace, and the rejected override each
	// burned one attempt; the unknown workspace did not.
	a.EqualValues(3, h.attempts.Load())
}

func TestWorkerBindsPlugin(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	h, s, _, srv := newTestHub(t, nil)
	w, err := s.RegisterWorkspace(state.WorkspaceConfig{Name: "lab", Owners: []string{"alice"}})
	require.NoError(t, err)

	peer := comm.NewPeer(comm.PeerConfig{PluginID: "plug-1", Resolver: s})
	p := state.NewPlugin("plug-1", peer)
	p.Secret = token.NewSecret()
	p.Workspace = w
	p.User = &token.Identity{ID: "alice"}
	require.Nil(t, s.AddPlugin(p))

	// A wrong secret is refused before the upgrade.
	_, resp, err := dial(ctx, t, srv, url.Values{"plugin_id": {"plug-1"}, "secret": {"wrong"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	a.Equal(http.StatusForbidden, resp.StatusCode)
	a.EqualValues(1, h.attempts.Load())

	wk, _, err := dial(ctx, t, srv, url.Values{"plugin_id": {"plug-1"}, "secret": {p.Secret}})
	require.NoError(t, err)
	wk.secret = p.Secret
	wk.handshake(t, []wire.NamedExport{{Name: "run"}})
	require.NoError(t, peer.WaitReady(ctx))

	// An engine-side call travels through the hub to the worker and back.
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := peer.Call(ctx, "run", []any{"sample"})
		done <- result{v, err}
	}()
	mk := wk.next(t)
	require.Equal(t, wire.ToPlugin(p.Secret), mk.Channel)
	require.Equal(t, wire.TypeMethod, mk.Frame.Type)
	a.Equal("run", mk.Frame.Name)
	a.Equal("sample", mk.Frame.Args[0].(map[string]any)[wire.ValueKey])

	prom, ok := mk.Frame.Promise.([]any)
	require.True(t, ok)
	resolveID := wire.AsInt(prom[0].(map[string]any)[wire.ValueKey])
	wk.send(t, wire.FromPlugin(p.Secret), &wire.Frame{
		Type: wire.TypeCallback,
		ID:   resolveID,
		Args: []any{argEnv("sample out")},
	})
	select {
	case res := <-done:
		require.NoError(t, res.err)
		a.Equal("sample out", res.v)
	case <-time.After(3 * time.Second):
		t.Fatal("call never settled")
	}
}

func TestWorkerLost(t *testing.T) {
	var lost atomic.Int32
	ctx := dlog.NewTestContext(t, false)
	_, s, _, srv := newTestHub(t, func(cfg *Config) {
		cfg.OnWorkerLost = func(_ context.Context, p *state.Plugin) {
			if p.ID == "plug-1" {
				lost.Add(1)
			}
		}
	})
	w, err := s.RegisterWorkspace(state.WorkspaceConfig{Name: "lab", Owners: []string{"alice"}})
	require.NoError(t, err)

	p := state.NewPlugin("plug-1", comm.NewPeer(comm.PeerConfig{PluginID: "plug-1"}))
	p.Secret = token.NewSecret()
	p.Workspace = w
	p.User = &token.Identity{ID: "alice"}
	require.Nil(t, s.AddPlugin(p))

	wk, _, err := dial(ctx, t, srv, url.Values{"plugin_id": {"plug-1"}, "secret": {p.Secret}})
	require.NoError(t, err)
	_ = wk.conn.Close()
	require.Eventually(t, func() bool { return lost.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// A deliberate kill removes the plugin first; no loss is reported.
	p2 := state.NewPlugin("plug-2", comm.NewPeer(comm.PeerConfig{PluginID: "plug-2"}))
	p2.Secret = token.NewSecret()
	p2.Workspace = w
	p2.User = &token.Identity{ID: "alice"}
	require.Nil(t, s.AddPlugin(p2))
	wk2, _, err := dial(ctx, t, srv, url.Values{"plugin_id": {"plug-2"}, "secret": {p2.Secret}})
	require.NoError(t, err)
	s.RemovePlugin(p2)
	_ = wk2.conn.Close()
	require.Never(t, func() bool { return lost.Load() > 1 }, 500*time.Millisecond, 50*time.Millisecond)
}

func TestSessionTakeover(t *testing.T) {
	a := assert.New(t)
	var closedSessions atomic.Int32
	ctx := dlog.NewTestContext(t, false)
	h, _, _, srv := newTestHub(t, func(cfg *Config) {
		cfg.OnSessionClosed = func(_ context.Context, s *Session) {
			closedSessions.Add(1)
		}
	})

	c1 := dialClient(ctx, t, srv, url.Values{"session_id": {"s-1"}, "client_id": {"c-1"}})
	a.Equal("s-1", c1.sessionID)

	c2 := dialClient(ctx, t, srv, url.Values{"session_id": {"s-1"}, "client_id": {"c-2"}})
	a.Equal("s-1", c2.sessionID)

	// The first socket is evicted by the reconnect.
	select {
	case <-c1.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("superseded session never closed")
	}
	require.Eventually(t, func() bool { return closedSessions.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	sess, ok := h.Session("s-1")
	require.True(t, ok)
	a.Equal("c-2", sess.ClientID())
	a.Equal(1, h.CountSessions())
}

func TestControlChannels(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	h, _, _, srv := newTestHub(t, nil)

	c := dialClient(ctx, t, srv, nil)
	sess, ok := h.Session(c.sessionID)
	require.True(t, ok)

	// Inbound control traffic reaches the bound handler.
	got := make(chan *wire.Frame, 1)
	sess.Bind(wire.MessageToPlugin(c.secret), func(_ context.Context, f *wire.Frame) {
		got <- f
	})
	c.send(t, wire.MessageToPlugin(c.secret), &wire.Frame{Type: wire.TypeDisconnect})
	select {
	case f := <-got:
		a.Equal(wire.TypeDisconnect, f.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("control frame never arrived")
	}

	// Unknown channels are dropped without killing the session.
	c.send(t, "bogus_channel", &wire.Frame{Type: wire.TypeLogging, Text: "noise"})

	// Outbound control traffic reaches the client.
	require.NoError(t, sess.Send(ctx, wire.MessageFromPlugin(c.secret), &wire.Frame{
		Type: wire.TypeLogging, Level: "info", Text: "installing environment",
	}))
	p := c.next(t)
	a.Equal(wire.MessageFromPlugin(c.secret), p.Channel)
	a.Equal(wire.TypeLogging, p.Frame.Type)
	a.Equal("installing environment", p.Frame.Text)

	require.NoError(t, sess.Send(ctx, wire.MessageFromPlugin(c.secret), &wire.Frame{
		Type: wire.TypeProgress, Value: 40,
	}))
	p = c.next(t)
	a.Equal(wire.TypeProgress, p.Frame.Type)
	a.EqualValues(40, wire.AsInt(p.Frame.Value))
}

func TestAuthExhaustion(t *testing.T) {
	a := assert.New(t)
	var exhausted atomic.Int32
	h, _, _, _ := newTestHub(t, func(cfg *Config) {
		cfg.OnAuthExhausted = func(context.Context) {
			exhausted.Add(1)
		}
	})
	ctx := dlog.NewTestContext(t, false)

	for i := 0; i < MaxAttempts; i++ {
		r := httptest.NewRequest(http.MethodGet, "/?token=%23RTC%3Abogus", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	a.EqualValues(1, exhausted.Load())

	// Past the budget even a valid connect is refused.
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	a.Equal(http.StatusServiceUnavailable, rec.Code)
	a.EqualValues(1, exhausted.Load())
}

func TestFailedAuthClosesSession(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	h, _, _, srv := newTestHub(t, nil)

	c := dialClient(ctx, t, srv, nil)
	sess, ok := h.Session(c.sessionID)
	require.True(t, ok)

	// Simulate a session burning through its own budget.
	sess.attempts.Store(MaxAttempts - 1)
	h.FailedAuth(ctx, sess)
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("session outlived its attempt budget")
	}
}
