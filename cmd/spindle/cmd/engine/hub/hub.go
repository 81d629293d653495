// Package hub accepts the engine's websocket connections and turns each
// one into a live session. Client sessions authenticate with a bearer
// token and get an engine-side peer whose local interface is the session
// api; worker sessions authenticate with their plugin's secret and are
// wired straight to the plugin's registered peer.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/wire"
)

// MaxAttempts is the budget of failed authentications. The engine-wide
// count guards against credential scanning across connections; each
// session carries its own budget as well, so one abusive session is cut
// off without taking the engine down with it.
const MaxAttempts = 1000

// SessionChannel is the reserved channel for engine-to-session control
// traffic. The connected handshake rides it before the client knows its
// secret-derived channel names.
const SessionChannel = "session"

// WorkerSessionID names the hub session carrying a worker's socket.
func WorkerSessionID(pluginID string) string { return "worker-" + pluginID }

const defaultPingInterval = 30 * time.Second

type Config struct {
	State  *state.State
	Tokens *token.Manager

	// BuildAPI supplies the local interface served by an authenticated
	// client session's peer.
	BuildAPI func(s *Session) map[string]any

	// OnClientInitialized runs when a client session's peer announces
	// itself with an initialized frame, carrying the peer config it
	// sent.
	OnClientInitialized func(ctx context.Context, s *Session, config map[string]any)

	// OnClientReady runs when a client session's peer completes the
	// interface handshake.
	OnClientReady func(ctx context.Context, s *Session)

	// OnSessionClosed runs after a client session has been torn down.
	OnSessionClosed func(ctx context.Context, s *Session)

	// OnWorkerLost runs when a worker socket drops while its plugin is
	// still registered.
	OnWorkerLost func(ctx context.Context, p *state.Plugin)

	// OnAuthExhausted fires once, when the engine-wide attempt budget
	// runs out.
	OnAuthExhausted func(ctx context.Context)

	// FrameCounter, when set, counts every inbound frame.
	FrameCounter prometheus.Counter

	PingInterval time.Duration
	AllowOrigins []string
}

type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	sessions *xsync.MapOf[string, *Session]

	attempts    atomic.Int64
	exhaustOnce sync.Once
}

func New(cfg Config) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowOrigins),
		},
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	all := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			all = true
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if all {
			return true
		}
		// Non-browser clients, our own workers included, send no Origin.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}

// ServeHTTP upgrades the request and serves the session until its socket
// closes. Worker connections identify themselves with plugin_id; anything
// else is a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exhausted() {
		http.Error(w, "authentication attempts exhausted", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("plugin_id") != "" {
		h.serveWorker(w, r)
		return
	}
	h.serveClient(w, r)
}

func (h *Hub) serveWorker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	pid := q.Get("plugin_id")
	p, err := h.cfg.State.GetPlugin(pid)
	if err != nil || p.Secret == "" || p.Secret != q.Get("secret") {
		h.failedAttempt(ctx)
		dlog.Warnf(ctx, "worker connect rejected for plugin %q", pid)
		http.Error(w, "invalid plugin credentials", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dlog.Debugf(ctx, "websocket upgrade: %v", err)
		return
	}

	s := newSession(conn, WorkerSessionID(pid), pid, p.User, p.Workspace)
	s.frames = h.cfg.FrameCounter
	s.secret = p.Secret
	s.peer = p.Peer()
	// Registry calls made by the worker act as the plugin's user, in
	// the plugin's workspace.
	s.Bind(wire.FromPlugin(p.Secret), func(ctx context.Context, f *wire.Frame) {
		ctx = state.WithUser(ctx, p.User)
		ctx = state.WithWorkspace(ctx, p.Workspace)
		ctx = state.WithPlugin(ctx, p)
		s.peer.HandleFrame(ctx, f)
	})
	s.peer.SetTransport(s.Transport(wire.ToPlugin(p.Secret)))
	s.SetPlugin(p)
	// A worker redialling after a network drop picks up where it left off.
	if p.Peer().State() == comm.StateReady && p.Status() == state.StatusDisconnected {
		p.SetStatus(state.StatusReady)
	}
	s.OnClose(func(ctx context.Context) {
		if h.cfg.OnWorkerLost == nil {
			return
		}
		// Only report a loss while the registry still knows the plugin;
		// a deliberate kill removes it first.
		if _, err := h.cfg.State.GetPlugin(pid); err == nil {
			h.cfg.OnWorkerLost(ctx, p)
		}
	})
	dlog.Infof(ctx, "worker connected for plugin %s", pid)
	h.run(ctx, s)
}

func (h *Hub) serveClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	raw := q.Get("token")
	if raw == "" {
		raw = r.Header.Get("Authorization")
	}
	var id *token.Identity
	if raw == "" {
		id = token.Anonymous()
	} else {
		var err error
		if id, err = h.cfg.Tokens.Parse(ctx, raw); err != nil {
			h.failedAttempt(ctx)
			dlog.Warnf(ctx, "client connect rejected: %v", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}
	id, err := token.ApplyOverrides(id, q)
	if err != nil {
		h.failedAttempt(ctx)
		dlog.Warnf(ctx, "client connect rejected: %v", err)
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	wsName := q.Get("workspace")
	if wsName == "" {
		wsName = state.WorkspacePublic
	}
	ws, err := h.cfg.State.GetWorkspace(wsName)
	if err != nil {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	if !ws.CheckPermission(id) {
		h.failedAttempt(ctx)
		dlog.Warnf(ctx, "user %s denied access to workspace %s", id.ID, wsName)
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dlog.Debugf(ctx, "websocket upgrade: %v", err)
		return
	}

	sid := q.Get("session_id")
	if sid == "" {
		sid = uuid.NewString()
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = "client-" + uuid.NewString()[:8]
	}

	s := newSession(conn, sid, clientID, id, ws)
	s.frames = h.cfg.FrameCounter
	s.secret = token.NewSecret()
	s.peer = comm.NewPeer(comm.PeerConfig{
		PluginID:  clientID,
		Transport: s.Transport(wire.ToPlugin(s.secret)),
		Resolver:  h.cfg.State,
		Hooks: comm.Hooks{
			OnInitialized: func(ctx context.Context, config map[string]any) {
				if h.cfg.OnClientInitialized != nil {
					h.cfg.OnClientInitialized(ctx, s, config)
				}
			},
			OnReady: func(ctx context.Context) {
				if h.cfg.OnClientReady != nil {
					h.cfg.OnClientReady(ctx, s)
				}
			},
			OnDisconnect: func(ctx context.Context, ok bool, reason string) {
				s.Close(ctx)
			},
		},
	})
	// Frames from the session run with the caller's identity attached,
	// so registry calls reach the right workspace.
	s.Bind(wire.FromPlugin(s.secret), func(ctx context.Context, f *wire.Frame) {
		ctx = state.WithUser(ctx, id)
		ctx = state.WithWorkspace(ctx, ws)
		if p := s.Plugin(); p != nil {
			ctx = state.WithPlugin(ctx, p)
		}
		s.peer.HandleFrame(ctx, f)
	})
	if h.cfg.BuildAPI != nil {
		s.peer.SetLocalInterface(h.cfg.BuildAPI(s))
	}

	h.cfg.State.UserConnected(id)
	h.cfg.State.UserEnteredWorkspace(id, ws)
	s.OnClose(func(ctx context.Context) {
		s.peer.Gone(ctx)
		if h.cfg.OnSessionClosed != nil {
			h.cfg.OnSessionClosed(ctx, s)
		}
		h.cfg.State.UserLeftWorkspace(id, ws)
		h.cfg.State.UserDisconnected(id.ID)
	})

	dlog.Infof(ctx, "client %s connected to workspace %s, session %s", id.ID, wsName, sid)

	// The handshake tells the client its channel names before any rpc
	// can flow. It only sits in the queue until the writer starts.
	err = s.Send(ctx, SessionChannel, &wire.Frame{Type: wire.TypeConnected, Config: map[string]any{
		"session_id": sid,
		"client_id":  clientID,
		"secret":     s.secret,
		"workspace":  wsName,
		"user_id":    id.ID,
	}})
	if err != nil {
		dlog.Debugf(ctx, "session %s: handshake: %v", sid, err)
	}

	h.run(ctx, s)
}

// run pumps the session until its socket closes, then tears it down.
func (h *Hub) run(ctx context.Context, s *Session) {
	if old, ok := h.sessions.LoadAndStore(s.id, s); ok && old != s {
		// A reconnect with the same session id takes the connection
		// over; the stale socket goes away.
		dlog.Infof(ctx, "session %s superseded by a new connection", s.id)
		old.Close(ctx)
	}
	go s.writePump(ctx)
	go s.pingLoop(ctx, h.cfg.PingInterval)
	s.readPump(ctx, h.cfg.PingInterval)
	s.Close(ctx)
	h.sessions.Compute(s.id, func(cur *Session, loaded bool) (*Session, bool) {
		return cur, !loaded || cur == s
	})
}

// Session returns the live session with the given id.
func (h *Hub) Session(id string) (*Session, bool) {
	return h.sessions.Load(id)
}

// CountSessions reports the number of live sessions, workers included.
func (h *Hub) CountSessions() int {
	return h.sessions.Size()
}

// CloseAll tears down every live session.
func (h *Hub) CloseAll(ctx context.Context) {
	h.sessions.Range(func(_ string, s *Session) bool {
		s.Close(ctx)
		return true
	})
}

// Expire closes sessions that have not produced traffic since the given
// moment. The read deadline catches dead sockets first; this is the
// backstop for connections that stay open but fall silent.
func (h *Hub) Expire(ctx context.Context, moment time.Time) {
	h.sessions.Range(func(_ string, s *Session) bool {
		if s.LastMarked().Before(moment) {
			dlog.Infof(ctx, "session %s expired", s.ID())
			s.Close(ctx)
		}
		return true
	})
}

// FailedAuth records a failed in-session authentication, such as a bad
// resume signature. The session closes when its own budget runs out; the
// engine-wide budget counts these too.
func (h *Hub) FailedAuth(ctx context.Context, s *Session) {
	h.failedAttempt(ctx)
	if s != nil && s.FailAttempt() >= MaxAttempts {
		dlog.Warnf(ctx, "session %s exceeded the authentication budget", s.ID())
		s.Close(ctx)
	}
}

func (h *Hub) failedAttempt(ctx context.Context) {
	if n := h.attempts.Add(1); n >= MaxAttempts {
		h.exhaustOnce.Do(func() {
			dlog.Errorf(ctx, "%d failed authentication attempts, refusing further connections", n)
			if h.cfg.OnAuthExhausted != nil {
				h.cfg.OnAuthExhausted(ctx)
			}
		})
	}
}

func (h *Hub) exhausted() bool {
	return h.attempts.Load() >= MaxAttempts
}
