package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/wire"
)

// FrameHandler consumes one inbound frame from a bound channel.
type FrameHandler func(ctx context.Context, f *wire.Frame)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 64 << 20
	// outboundDepth is the per-session send queue. A full queue means the
	// remote side stopped reading; Send then fails instead of blocking
	// the engine.
	outboundDepth = 256
)

type outMessage struct {
	data   []byte
	binary bool
}

// Session is one live websocket connection, either a client session or
// the worker side of a launched plugin. Frames ride named channels; the
// session dispatches each inbound channel to its bound handler and
// serialises all outbound traffic through a single writer.
type Session struct {
	id        string
	clientID  string
	user      *token.Identity
	workspace *state.Workspace
	secret    string
	peer      *comm.Peer

	conn *websocket.Conn

	mu       sync.Mutex
	channels map[string]FrameHandler
	onClose  []func(ctx context.Context)
	plugin   *state.Plugin

	out       chan outMessage
	done      chan struct{}
	closeOnce sync.Once

	attempts   atomic.Int32
	lastMarked atomic.Int64
	frames     prometheus.Counter
}

func newSession(conn *websocket.Conn, id, clientID string, user *token.Identity, w *state.Workspace) *Session {
	s := &Session{
		id:        id,
		clientID:  clientID,
		user:      user,
		workspace: w,
		conn:      conn,
		channels:  map[string]FrameHandler{},
		out:       make(chan outMessage, outboundDepth),
		done:      make(chan struct{}),
	}
	s.Mark(time.Now())
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) ClientID() string            { return s.clientID }
func (s *Session) User() *token.Identity       { return s.user }
func (s *Session) Workspace() *state.Workspace { return s.workspace }

// Secret is the channel secret of the session's own peer.
func (s *Session) Secret() string { return s.secret }

// Peer is the engine-side end of the session's rpc stream.
func (s *Session) Peer() *comm.Peer { return s.peer }

// SetPlugin records the registry entry backing this session's peer, once
// the peer has announced itself.
func (s *Session) SetPlugin(p *state.Plugin) {
	s.mu.Lock()
	s.plugin = p
	s.mu.Unlock()
}

// Plugin is the registry entry backing this session's peer, or nil before
// the peer's initialized frame.
func (s *Session) Plugin() *state.Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugin
}

// Bind routes inbound frames on channel to h.
func (s *Session) Bind(channel string, h FrameHandler) {
	s.mu.Lock()
	s.channels[channel] = h
	s.mu.Unlock()
}

func (s *Session) Unbind(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

func (s *Session) handler(channel string) FrameHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channel]
}

// OnClose registers fn to run when the session is torn down. Hooks run
// in registration order.
func (s *Session) OnClose(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Send queues one frame for delivery on channel.
func (s *Session) Send(ctx context.Context, channel string, f *wire.Frame) error {
	data, binary, err := wire.EncodePacket(&wire.Packet{Channel: channel, Frame: *f})
	if err != nil {
		return err
	}
	select {
	case s.out <- outMessage{data: data, binary: binary}:
		return nil
	case <-s.done:
		return trace.ConnectionProblem(nil, "session %s is closed", s.id)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	default:
	}
	// The fast path failed because the queue is full; block briefly
	// rather than dropping the frame outright.
	select {
	case s.out <- outMessage{data: data, binary: binary}:
		return nil
	case <-s.done:
		return trace.ConnectionProblem(nil, "session %s is closed", s.id)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-time.After(writeTimeout):
		return trace.ConnectionProblem(nil, "session %s is not reading", s.id)
	}
}

// Transport adapts the session to a comm.Transport emitting on channel.
func (s *Session) Transport(channel string) comm.Transport {
	return func(ctx context.Context, f *wire.Frame) error {
		return s.Send(ctx, channel, f)
	}
}

// FailAttempt records one failed authentication on this session and
// reports the running total.
func (s *Session) FailAttempt() int {
	return int(s.attempts.Add(1))
}

// Mark records activity at t. Inbound messages and pongs both count.
func (s *Session) Mark(t time.Time) {
	s.lastMarked.Store(t.UnixNano())
}

// LastMarked reports the time of the most recent activity.
func (s *Session) LastMarked() time.Time {
	return time.Unix(0, s.lastMarked.Load())
}

// Close tears the session down once: the socket is closed, the channel
// table dropped, and close hooks run.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		s.channels = map[string]FrameHandler{}
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(ctx)
		}
		dlog.Debugf(ctx, "session %s closed", s.id)
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// readPump delivers inbound packets until the socket fails or closes.
// It runs on the connection's serve goroutine.
func (s *Session) readPump(ctx context.Context, pingInterval time.Duration) {
	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	s.conn.SetPongHandler(func(string) error {
		s.Mark(time.Now())
		return s.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				dlog.Debugf(ctx, "session %s: read: %v", s.id, err)
			}
			return
		}
		s.Mark(time.Now())
		var p *wire.Packet
		switch mt {
		case websocket.TextMessage:
			p, err = wire.DecodePacket(data, false)
		case websocket.BinaryMessage:
			p, err = wire.DecodePacket(data, true)
		default:
			continue
		}
		if err != nil {
			dlog.Warnf(ctx, "session %s: dropping malformed packet: %v", s.id, err)
			continue
		}
		if s.frames != nil {
			s.frames.Inc()
		}
		if h := s.handler(p.Channel); h != nil {
			h(ctx, &p.Frame)
		} else {
			dlog.Debugf(ctx, "session %s: no handler for channel %q", s.id, p.Channel)
		}
	}
}

// writePump is the only goroutine that writes data messages.
func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case msg := <-s.out:
			mt := websocket.TextMessage
			if msg.binary {
				mt = websocket.BinaryMessage
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(mt, msg.data); err != nil {
				if !s.isClosed() {
					dlog.Debugf(ctx, "session %s: write: %v", s.id, err)
				}
				s.Close(ctx)
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close(ctx)
			return
		}
	}
}

// pingLoop keeps the connection from idling out. Control writes are
// safe alongside the writer goroutine.
func (s *Session) pingLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			deadline := time.Now().Add(time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !s.isClosed() {
					dlog.Debugf(ctx, "session %s: ping: %v", s.id, err)
				}
				s.Close(ctx)
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
