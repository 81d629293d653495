package comm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"

	"github.com/spindleworks/spindle/pkg/wire"
)

// PeerState is the broker's view of a plugin connection.
type PeerState int32

const (
	StatePendingInit PeerState = iota
	StateAwaitingInterface
	StateReady
	StateTerminating
	StateGone
)

func (s PeerState) String() string {
	switch s {
	case StatePendingInit:
		return "PENDING_INIT"
	case StateAwaitingInterface:
		return "AWAITING_INTERFACE"
	case StateReady:
		return "READY"
	case StateTerminating:
		return "TERMINATING"
	case StateGone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// Transport delivers one outbound frame toward the remote side.
type Transport func(ctx context.Context, f *wire.Frame) error

// Resolver finds live peers by plugin id, so that values tagged
// plugin_interface can be routed to the plugin that owns them.
type Resolver interface {
	LookupPeer(pluginID string) (*Peer, bool)
}

// Hooks are optional notifications wired up by the peer's owner.
type Hooks struct {
	// OnInitialized fires when the remote side reports readiness to
	// handshake, carrying its peer config.
	OnInitialized func(ctx context.Context, config map[string]any)
	// OnReady fires on the transition to READY, after the remote
	// interface has been mirrored.
	OnReady func(ctx context.Context)
	// OnDisconnect fires when the remote side announces shutdown. ok is
	// false when the announcement reports a crash.
	OnDisconnect func(ctx context.Context, ok bool, reason string)
	// OnLogging receives log lines relayed by the remote side.
	OnLogging func(ctx context.Context, level, text string)
}

// DefaultMaxPending bounds the per-peer pending-call table.
const DefaultMaxPending = 4096

type PeerConfig struct {
	PluginID   string
	Transport  Transport
	Resolver   Resolver
	Hooks      Hooks
	MaxPending int
}

type pendingCall struct {
	c         *Completer
	resolveID int
	rejectID  int
	cleanup   sync.Once
}

// Peer is the in-process end of one plugin's RPC stream. It owns the
// reference store and pending-call table for that plugin, mirrors the
// remote interface as live proxies, and drives the
// PENDING_INIT -> AWAITING_INTERFACE -> READY -> TERMINATING -> GONE
// state machine.
type Peer struct {
	pluginID   string
	resolver   Resolver
	hooks      Hooks
	maxPending int

	store *RefStore

	mu        sync.Mutex
	transport Transport
	state     PeerState
	local     map[string]any
	remote    map[string]any
	pending   map[int]*pendingCall
	execWait  *Completer

	readyCh    chan struct{}
	goneCh     chan struct{}
	remoteCh   chan struct{}
	readyOnce  sync.Once
	goneOnce   sync.Once
	remoteOnce sync.Once
}

func NewPeer(cfg PeerConfig) *Peer {
	mp := cfg.MaxPending
	if mp <= 0 {
		mp = DefaultMaxPending
	}
	return &Peer{
		pluginID:   cfg.PluginID,
		transport:  cfg.Transport,
		resolver:   cfg.Resolver,
		hooks:      cfg.Hooks,
		maxPending: mp,
		store:      NewRefStore(),
		state:      StatePendingInit,
		local:      map[string]any{},
		remote:     map[string]any{},
		pending:    map[int]*pendingCall{},
		readyCh:    make(chan struct{}),
		goneCh:     make(chan struct{}),
		remoteCh:   make(chan struct{}),
	}
}

func (p *Peer) PluginID() string { return p.pluginID }

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Store exposes the reference store, for explicit dispose calls.
func (p *Peer) Store() *RefStore { return p.store }

// SetTransport attaches or replaces the frame sink. A peer may be created
// before its websocket session arrives.
func (p *Peer) SetTransport(t Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

// SetLocalInterface installs the named callables this side exports.
func (p *Peer) SetLocalInterface(api map[string]any) {
	p.mu.Lock()
	p.local = api
	p.mu.Unlock()
}

func (p *Peer) send(ctx context.Context, f *wire.Frame) error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return trace.NotFound("peer %q has no transport attached", p.pluginID)
	}
	dlog.Tracef(ctx, "-> %s %s (peer %s)", f.Type, f.Name, p.pluginID)
	return t(ctx, f)
}

func (p *Peer) setStateLocked(ctx context.Context, s PeerState) {
	if p.state == s {
		return
	}
	dlog.Debugf(ctx, "peer %s: %s -> %s", p.pluginID, p.state, s)
	p.state = s
}

// WaitReady blocks until the peer has completed its interface handshake.
// The ctx deadline is the caller's patience; past it the error is
// PluginNotReady, and a terminated peer yields PluginGone.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	default:
	}
	select {
	case <-p.readyCh:
		return nil
	case <-p.goneCh:
		return GoneError(p.pluginID)
	case <-ctx.Done():
		return NotReadyError(p.pluginID)
	}
}

// WaitRemoteConfirmed blocks until the remote side has acknowledged our
// published interface with interfaceSetAsRemote.
func (p *Peer) WaitRemoteConfirmed(ctx context.Context) error {
	select {
	case <-p.remoteCh:
		return nil
	case <-p.goneCh:
		return GoneError(p.pluginID)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// HandleFrame dispatches one inbound frame. Method and callback frames
// run their handlers on fresh goroutines so a blocking handler never
// stalls the channel pump.
func (p *Peer) HandleFrame(ctx context.Context, f *wire.Frame) {
	dlog.Tracef(ctx, "<- %s %s (peer %s)", f.Type, f.Name, p.pluginID)
	switch f.Type {
	case wire.TypeInitialized:
		p.handleInitialized(ctx, f)
	case wire.TypeGetInterface:
		if err := p.SendInterface(ctx); err != nil {
			dlog.Errorf(ctx, "peer %s: send interface: %v", p.pluginID, err)
		}
	case wire.TypeSetInterface:
		p.handleSetInterface(ctx, f)
	case wire.TypeInterfaceSetAsRemote:
		p.remoteOnce.Do(func() { close(p.remoteCh) })
	case wire.TypeMethod:
		p.handleMethod(ctx, f)
	case wire.TypeCallback:
		go p.dispatchCallback(ctx, f)
	case wire.TypeExecute:
		// The broker routes scripts to workers; it never runs them.
		_ = p.send(ctx, &wire.Frame{Type: wire.TypeExecuteFailure, Error: "execute is not supported by this peer"})
	case wire.TypeExecuteSuccess:
		p.settleExec(nil)
	case wire.TypeExecuteFailure:
		p.settleExec(&wire.RemoteError{Kind: wire.KindInternalError, Message: f.Error})
	case wire.TypeDisconnect:
		p.handleDisconnect(ctx, f)
	case wire.TypeLogging:
		if p.hooks.OnLogging != nil {
			p.hooks.OnLogging(ctx, f.Level, f.Text)
		} else {
			dlog.Infof(ctx, "plugin %s: %s", p.pluginID, f.Text)
		}
	default:
		dlog.Debugf(ctx, "ignoring frame with unknown type %q from peer %s", f.Type, p.pluginID)
	}
}

func (p *Peer) handleInitialized(ctx context.Context, f *wire.Frame) {
	p.mu.Lock()
	if p.state == StatePendingInit {
		p.setStateLocked(ctx, StateAwaitingInterface)
	}
	p.mu.Unlock()
	if p.hooks.OnInitialized != nil {
		p.hooks.OnInitialized(ctx, f.Config)
	}
}

func (p *Peer) handleSetInterface(ctx context.Context, f *wire.Frame) {
	remote := p.buildRemote(f.API)
	p.mu.Lock()
	p.remote = remote
	wasReady := p.state == StateReady
	if p.state == StatePendingInit || p.state == StateAwaitingInterface {
		p.setStateLocked(ctx, StateReady)
	}
	p.mu.Unlock()
	if err := p.send(ctx, &wire.Frame{Type: wire.TypeInterfaceSetAsRemote}); err != nil {
		dlog.Debugf(ctx, "peer %s: interfaceSetAsRemote: %v", p.pluginID, err)
	}
	p.readyOnce.Do(func() { close(p.readyCh) })
	if !wasReady && p.hooks.OnReady != nil {
		p.hooks.OnReady(ctx)
	}
}

func (p *Peer) handleMethod(ctx context.Context, f *wire.Frame) {
	p.mu.Lock()
	gone := p.state == StateGone
	p.mu.Unlock()
	if gone {
		p.settle(ctx, p.decodePromise(f.Promise), nil, GoneError(p.pluginID))
		return
	}
	go p.dispatchMethod(ctx, f)
}

func (p *Peer) dispatchMethod(ctx context.Context, f *wire.Frame) {
	prom := p.decodePromise(f.Promise)
	if f.PluginID != "" && f.PluginID != p.pluginID {
		p.bridgeMethod(ctx, f, prom)
		return
	}
	fn, err := p.lookupLocal(f.Name)
	if err != nil {
		p.settle(ctx, prom, nil, err)
		return
	}
	res, err := fn.Invoke(ctx, p.decodeArgs(f.Args))
	p.settle(ctx, prom, res, err)
}

// bridgeMethod relays a call that targets another plugin's interface:
// arguments are decoded in the calling peer's context and re-encoded
// toward the target, so reference ids never leak across peers.
func (p *Peer) bridgeMethod(ctx context.Context, f *wire.Frame, prom *RemotePromise) {
	if p.resolver == nil {
		p.settle(ctx, prom, nil, trace.NotFound("no route to plugin %q", f.PluginID))
		return
	}
	target, ok := p.resolver.LookupPeer(f.PluginID)
	if !ok {
		p.settle(ctx, prom, nil, GoneError(f.PluginID))
		return
	}
	args := p.decodeArgs(f.Args)
	if prom == nil {
		if err := target.Fire(ctx, f.Name, args); err != nil {
			dlog.Errorf(ctx, "peer %s: relay %s to %s: %v", p.pluginID, f.Name, f.PluginID, err)
		}
		return
	}
	res, err := target.Call(ctx, f.Name, args)
	p.settle(ctx, prom, res, err)
}

func (p *Peer) dispatchCallback(ctx context.Context, f *wire.Frame) {
	prom := p.decodePromise(f.Promise)
	v, err := p.store.Fetch(f.ID)
	if err != nil {
		if prom == nil {
			dlog.Errorf(ctx, "peer %s: callback %d: %v", p.pluginID, f.ID, err)
		}
		p.settle(ctx, prom, nil, err)
		return
	}
	fn, ok := v.(Callable)
	if !ok {
		p.settle(ctx, prom, nil, trace.BadParameter("reference %d is not callable", f.ID))
		return
	}
	res, err := fn.Invoke(ctx, p.decodeArgs(f.Args))
	p.settle(ctx, prom, res, err)
}

func (p *Peer) handleDisconnect(ctx context.Context, f *wire.Frame) {
	ok := f.Success == nil || *f.Success
	p.mu.Lock()
	if p.state != StateGone {
		p.setStateLocked(ctx, StateTerminating)
	}
	p.mu.Unlock()
	if p.hooks.OnDisconnect != nil {
		p.hooks.OnDisconnect(ctx, ok, f.Error)
	}
	// A shutdown request may carry an ack callback; fire it so the
	// requester knows the teardown was seen.
	if len(f.Args) > 0 {
		if cb := p.callbackFromEnv(f.Args[0]); cb != nil {
			_ = cb.Fire(ctx, []any{true})
		}
	}
}

func (p *Peer) settle(ctx context.Context, prom *RemotePromise, v any, err error) {
	if prom == nil {
		if err != nil {
			dlog.Errorf(ctx, "peer %s: call failed with no promise attached: %v", p.pluginID, err)
		}
		return
	}
	if err != nil {
		prom.Reject(ctx, err)
	} else {
		prom.Resolve(ctx, v)
	}
}

func (p *Peer) settleExec(cause error) {
	p.mu.Lock()
	c := p.execWait
	p.execWait = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	if cause != nil {
		c.Reject(cause)
	} else {
		c.Resolve(true)
	}
}

// SendInterface publishes the local interface with a setInterface frame.
func (p *Peer) SendInterface(ctx context.Context) error {
	return p.send(ctx, &wire.Frame{Type: wire.TypeSetInterface, API: p.encodeInterface()})
}

// SendLog relays a log line to the remote side as a logging frame.
func (p *Peer) SendLog(ctx context.Context, level, text string) error {
	return p.send(ctx, &wire.Frame{Type: wire.TypeLogging, Level: level, Text: text})
}

// Fire invokes name on the remote interface without awaiting a result.
func (p *Peer) Fire(ctx context.Context, name string, args []any) error {
	if err := p.WaitReady(ctx); err != nil {
		return err
	}
	enc, allocated := p.encodeArgs(args)
	err := p.send(ctx, &wire.Frame{Type: wire.TypeMethod, Name: name, Args: enc})
	if err != nil {
		p.releaseIDs(allocated)
	}
	return err
}

// Call invokes name on the remote interface and awaits the reply.
// A peer that never becomes ready within the ctx deadline yields
// PluginNotReady. References allocated for the arguments are released
// when the call completes.
func (p *Peer) Call(ctx context.Context, name string, args []any) (any, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	enc, allocated := p.encodeArgs(args)
	defer p.releaseIDs(allocated)
	return p.roundTrip(ctx, &wire.Frame{Type: wire.TypeMethod, Name: name, Args: enc})
}

// Execute ships a script to the remote worker and awaits executeSuccess
// or executeFailure. One execute runs at a time per peer.
func (p *Peer) Execute(ctx context.Context, code map[string]any) error {
	c := NewCompleter()
	p.mu.Lock()
	if p.state == StateGone {
		p.mu.Unlock()
		return GoneError(p.pluginID)
	}
	if p.execWait != nil {
		p.mu.Unlock()
		return trace.LimitExceeded("an execute is already in flight for plugin %q", p.pluginID)
	}
	p.execWait = c
	p.mu.Unlock()
	if err := p.send(ctx, &wire.Frame{Type: wire.TypeExecute, Code: code}); err != nil {
		p.clearExec(c)
		return err
	}
	_, err := c.Await(ctx)
	if err != nil && !c.Settled() {
		p.clearExec(c)
	}
	return err
}

func (p *Peer) clearExec(c *Completer) {
	p.mu.Lock()
	if p.execWait == c {
		p.execWait = nil
	}
	p.mu.Unlock()
}

// Terminate asks the remote side to shut down, carrying an ack callback.
// The returned completer resolves when the remote acknowledges; the
// supervisor escalates to a hard kill when it stays unsettled past the
// force-quit timeout.
func (p *Peer) Terminate(ctx context.Context) *Completer {
	c := NewCompleter()
	p.mu.Lock()
	if p.state == StateGone {
		p.mu.Unlock()
		c.Resolve(false)
		return c
	}
	p.setStateLocked(ctx, StateTerminating)
	ackID := p.store.Put(Func(func(context.Context, []any) (any, error) {
		c.Resolve(true)
		return nil, nil
	}))
	p.mu.Unlock()
	if err := p.send(ctx, &wire.Frame{Type: wire.TypeDisconnect, Args: []any{callbackEnv(ackID)}}); err != nil {
		c.Reject(err)
	}
	return c
}

// Gone finalises the peer. Every pending call is rejected with
// PluginGone, in-flight executes are failed, and the reference store is
// dropped.
func (p *Peer) Gone(ctx context.Context) {
	p.mu.Lock()
	if p.state == StateGone {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(ctx, StateGone)
	pend := p.pending
	p.pending = map[int]*pendingCall{}
	exec := p.execWait
	p.execWait = nil
	p.mu.Unlock()
	p.goneOnce.Do(func() { close(p.goneCh) })
	for _, pc := range pend {
		pc.c.Reject(GoneError(p.pluginID))
	}
	if exec != nil {
		exec.Reject(GoneError(p.pluginID))
	}
	p.store.Clear()
}

// PendingCalls reports the size of the pending-call table.
func (p *Peer) PendingCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) lookupLocal(name string) (Callable, error) {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	var cur any = local
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, trace.NotFound("no method %q on this peer", name)
		}
		cur, ok = m[part]
		if !ok {
			return nil, trace.NotFound("no method %q on this peer", name)
		}
	}
	fn, ok := cur.(Callable)
	if !ok {
		return nil, trace.BadParameter("%q is not callable", name)
	}
	return fn, nil
}

// Remote returns a callable slot of the mirrored remote interface,
// resolving dotted paths.
func (p *Peer) Remote(name string) (Callable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cur any = p.remote
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, trace.NotFound("plugin %q exports no %q", p.pluginID, name)
		}
		cur, ok = m[part]
		if !ok {
			return nil, trace.NotFound("plugin %q exports no %q", p.pluginID, name)
		}
	}
	if fn, ok := cur.(Callable); ok {
		return fn, nil
	}
	return nil, trace.BadParameter("%q on plugin %q is not callable", name, p.pluginID)
}

// RemoteInterface returns a shallow copy of the mirrored interface tree.
func (p *Peer) RemoteInterface() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.remote))
	for k, v := range p.remote {
		out[k] = v
	}
	return out
}

func (p *Peer) buildRemote(api []wire.NamedExport) map[string]any {
	remote := make(map[string]any, len(api))
	for _, exp := range api {
		if exp.Data == nil {
			remote[exp.Name] = &RemoteMethod{peer: p, name: exp.Name}
			continue
		}
		remote[exp.Name] = p.buildRemoteTree(exp.Name, exp.Data)
	}
	return remote
}

func (p *Peer) buildRemoteTree(path string, v any) any {
	if env, tag, ok := wire.IsEnvelope(v); ok {
		if tag == wire.TagInterface {
			name, _ := env[wire.ValueKey].(string)
			if name == "" {
				name = path
			}
			return &RemoteMethod{peer: p, name: name}
		}
		return p.decoder().Decode(env)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = p.buildRemoteTree(path+"."+k, el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = p.buildRemoteTree(path, el)
		}
		return out
	default:
		return v
	}
}

func (p *Peer) encodeInterface() []wire.NamedExport {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	names := make([]string, 0, len(local))
	for name := range local {
		names = append(names, name)
	}
	sort.Strings(names)
	api := make([]wire.NamedExport, 0, len(names))
	for _, name := range names {
		if _, ok := local[name].(Callable); ok {
			api = append(api, wire.NamedExport{Name: name})
			continue
		}
		api = append(api, wire.NamedExport{Name: name, Data: p.exportTree(name, local[name])})
	}
	return api
}

// exportTree renders a non-function export: callable slots become
// interface envelopes carrying their dotted path.
func (p *Peer) exportTree(path string, v any) any {
	switch t := v.(type) {
	case Callable:
		return map[string]any{wire.TagKey: wire.TagInterface, wire.ValueKey: path}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = p.exportTree(path+"."+k, el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = p.exportTree(path, el)
		}
		return out
	default:
		return v
	}
}
