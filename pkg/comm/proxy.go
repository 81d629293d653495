package comm

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"

	"github.com/spindleworks/spindle/pkg/wire"
)

// RemoteMethod is a live proxy for a named slot of a peer's remote
// interface. Invoking it sends a method frame and awaits the promise.
type RemoteMethod struct {
	peer *Peer
	name string
}

func (m *RemoteMethod) Name() string     { return m.name }
func (m *RemoteMethod) PluginID() string { return m.peer.pluginID }

func (m *RemoteMethod) Invoke(ctx context.Context, args []any) (any, error) {
	return m.peer.Call(ctx, m.name, args)
}

// Fire invokes the method without awaiting a result.
func (m *RemoteMethod) Fire(ctx context.Context, args []any) error {
	return m.peer.Fire(ctx, m.name, args)
}

// RemoteCallback is a proxy for a reference id held by the remote side.
// Invoke performs a full round trip; Fire sends without a promise, which
// is how promise settlement itself travels.
type RemoteCallback struct {
	peer *Peer
	id   int
}

func (c *RemoteCallback) ID() int { return c.id }

func (c *RemoteCallback) Invoke(ctx context.Context, args []any) (any, error) {
	enc, allocated := c.peer.encodeArgs(args)
	defer c.peer.releaseIDs(allocated)
	return c.peer.roundTrip(ctx, &wire.Frame{Type: wire.TypeCallback, ID: c.id, Args: enc})
}

func (c *RemoteCallback) Fire(ctx context.Context, args []any) error {
	enc, allocated := c.peer.encodeArgs(args)
	err := c.peer.send(ctx, &wire.Frame{Type: wire.TypeCallback, ID: c.id, Args: enc})
	if err != nil {
		c.peer.releaseIDs(allocated)
	}
	return err
}

// RemotePromise is the decoded [resolve, reject] pair of an inbound
// call. Settling one side is final; the sibling becomes a no-op.
type RemotePromise struct {
	resolve *RemoteCallback
	reject  *RemoteCallback
	once    sync.Once
}

func (rp *RemotePromise) Resolve(ctx context.Context, v any) {
	rp.once.Do(func() {
		if err := rp.resolve.Fire(ctx, []any{v}); err != nil {
			dlog.Debugf(ctx, "peer %s: resolve callback %d: %v", rp.resolve.peer.pluginID, rp.resolve.id, err)
		}
	})
}

func (rp *RemotePromise) Reject(ctx context.Context, cause error) {
	rp.once.Do(func() {
		if err := rp.reject.Fire(ctx, []any{cause}); err != nil {
			dlog.Debugf(ctx, "peer %s: reject callback %d: %v", rp.reject.peer.pluginID, rp.reject.id, err)
		}
	})
}

// roundTrip sends f with a freshly allocated promise pair attached and
// awaits settlement. A ctx expiry before settlement abandons the call
// and releases its promise references.
func (p *Peer) roundTrip(ctx context.Context, f *wire.Frame) (any, error) {
	pc, err := p.newPending()
	if err != nil {
		return nil, err
	}
	f.Promise = []any{callbackEnv(pc.resolveID), callbackEnv(pc.rejectID)}
	if err := p.send(ctx, f); err != nil {
		p.dropPending(pc)
		return nil, err
	}
	v, err := pc.c.Await(ctx)
	if err != nil && !pc.c.Settled() {
		p.dropPending(pc)
	}
	return v, err
}

// newPending allocates a promise pair in the reference store and records
// the call in the pending table, bounded by maxPending.
func (p *Peer) newPending() (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateGone {
		return nil, GoneError(p.pluginID)
	}
	if len(p.pending) >= p.maxPending {
		return nil, trace.LimitExceeded("plugin %q has too many calls in flight (limit %d)", p.pluginID, p.maxPending)
	}
	c := NewCompleter()
	pc := &pendingCall{c: c}
	pc.resolveID = p.store.Put(Func(func(_ context.Context, args []any) (any, error) {
		var v any
		if len(args) > 0 {
			v = args[0]
		}
		// Cleanup runs before settlement so the store is consistent by
		// the time the awaiting caller wakes.
		pc.settleCleanup(p, pc.rejectID)
		c.Resolve(v)
		return nil, nil
	}))
	pc.rejectID = p.store.Put(Func(func(_ context.Context, args []any) (any, error) {
		var cause error
		if len(args) > 0 {
			cause = asError(args[0])
		} else {
			cause = trace.Errorf("call rejected by plugin %q", p.pluginID)
		}
		pc.settleCleanup(p, pc.resolveID)
		c.Reject(cause)
		return nil, nil
	}))
	p.pending[pc.resolveID] = pc
	return pc, nil
}

// settleCleanup releases the unfired sibling of a settled promise pair
// and drops the pending entry. The fired side was already consumed by
// Fetch.
func (pc *pendingCall) settleCleanup(p *Peer, siblingID int) {
	pc.cleanup.Do(func() {
		p.store.Release(siblingID)
		p.mu.Lock()
		delete(p.pending, pc.resolveID)
		p.mu.Unlock()
	})
}

// dropPending abandons a call that never settled, releasing both promise
// references.
func (p *Peer) dropPending(pc *pendingCall) {
	pc.cleanup.Do(func() {
		p.mu.Lock()
		delete(p.pending, pc.resolveID)
		p.mu.Unlock()
	})
	p.store.Release(pc.resolveID)
	p.store.Release(pc.rejectID)
}

func (p *Peer) releaseIDs(ids []int) {
	for _, id := range ids {
		p.store.Release(id)
	}
}

// encodeArgs encodes a call's arguments, tracking reference ids
// allocated along the way so the caller can release them afterwards.
func (p *Peer) encodeArgs(args []any) ([]any, []int) {
	var allocated []int
	enc := &wire.Encoder{EncodeCallable: func(v any) (map[string]any, bool) {
		env, id, ok := p.encodeCallable(v)
		if ok && id != 0 {
			allocated = append(allocated, id)
		}
		return env, ok
	}}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = enc.Encode(a)
	}
	return out, allocated
}

// EncodeValue encodes one value for the wire. References allocated here
// are not tracked; they live until released explicitly or until the
// peer goes away.
func (p *Peer) EncodeValue(v any) any {
	enc := &wire.Encoder{EncodeCallable: func(v any) (map[string]any, bool) {
		env, _, ok := p.encodeCallable(v)
		return env, ok
	}}
	return enc.Encode(v)
}

// DecodeValue decodes one wire value in this peer's context.
func (p *Peer) DecodeValue(v any) any {
	return p.decoder().Decode(v)
}

func (p *Peer) decodeArgs(args []any) []any {
	dec := p.decoder()
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = dec.Decode(a)
	}
	return out
}

// encodeCallable maps a callable onto its wire envelope. Proxies for
// this peer's own remote encode by name, proxies for another peer encode
// as plugin_interface, and everything else gets a reference id.
func (p *Peer) encodeCallable(v any) (map[string]any, int, bool) {
	switch t := v.(type) {
	case *RemoteMethod:
		if t.peer == p {
			return map[string]any{wire.TagKey: wire.TagInterface, wire.ValueKey: t.name}, 0, true
		}
		return map[string]any{
			wire.TagKey:    wire.TagPluginInterface,
			wire.ValueKey:  t.name,
			wire.PluginKey: t.peer.pluginID,
		}, 0, true
	case *RemoteCallback:
		if t.peer == p {
			// The remote side's own reference bounces back untouched.
			return callbackEnv(t.id), 0, true
		}
		id := p.store.Put(t)
		return callbackEnv(id), id, true
	case Retained:
		id := p.store.Retain(t.Callable)
		return callbackEnv(id), id, true
	case Callable:
		id := p.store.Put(t)
		return callbackEnv(id), id, true
	}
	return nil, 0, false
}

func (p *Peer) decoder() *wire.Decoder {
	return &wire.Decoder{DecodeCallable: p.decodeCallable}
}

func (p *Peer) decodeCallable(tag string, env map[string]any) (any, bool) {
	switch tag {
	case wire.TagCallback:
		return &RemoteCallback{peer: p, id: wire.AsInt(env[wire.ValueKey])}, true
	case wire.TagInterface:
		name, _ := env[wire.ValueKey].(string)
		return &RemoteMethod{peer: p, name: name}, true
	case wire.TagPluginInterface:
		name, _ := env[wire.ValueKey].(string)
		pid, _ := env[wire.PluginKey].(string)
		if p.resolver != nil {
			if target, ok := p.resolver.LookupPeer(pid); ok {
				return &RemoteMethod{peer: target, name: name}, true
			}
		}
		gone := pid
		return Func(func(context.Context, []any) (any, error) {
			return nil, GoneError(gone)
		}), true
	case wire.TagPluginAPI:
		return p.decoder().Decode(env[wire.ValueKey]), true
	}
	return nil, false
}

func (p *Peer) decodePromise(v any) *RemotePromise {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return nil
	}
	res := p.callbackFromEnv(pair[0])
	rej := p.callbackFromEnv(pair[1])
	if res == nil || rej == nil {
		return nil
	}
	return &RemotePromise{resolve: res, reject: rej}
}

func (p *Peer) callbackFromEnv(v any) *RemoteCallback {
	env, tag, ok := wire.IsEnvelope(v)
	if !ok || tag != wire.TagCallback {
		return nil
	}
	return &RemoteCallback{peer: p, id: wire.AsInt(env[wire.ValueKey])}
}

func callbackEnv(id int) map[string]any {
	return map[string]any{wire.TagKey: wire.TagCallback, wire.ValueKey: id}
}

func asError(v any) error {
	switch t := v.(type) {
	case nil:
		return &wire.RemoteError{Kind: wire.KindInternalError, Message: "call rejected"}
	case error:
		return t
	case string:
		return &wire.RemoteError{Kind: wire.KindInternalError, Message: t}
	case map[string]any:
		if _, tag, ok := wire.IsEnvelope(t); ok && tag == wire.TagError {
			return wire.DecodeError(t)
		}
		return trace.Errorf("%v", t)
	default:
		return trace.Errorf("%v", t)
	}
}
