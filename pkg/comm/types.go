package comm

import (
	"context"
	"fmt"

	"github.com/spindleworks/spindle/pkg/wire"
)

// Callable is a value invocable through the rpc layer. Local functions,
// remote interface proxies and remote callbacks all satisfy it, so a
// decoded value tree can be walked and called without caring where the
// implementation lives.
type Callable interface {
	Invoke(ctx context.Context, args []any) (any, error)
}

// Func adapts an ordinary function to Callable.
type Func func(ctx context.Context, args []any) (any, error)

func (f Func) Invoke(ctx context.Context, args []any) (any, error) {
	return f(ctx, args)
}

// Retained marks a callable whose wire reference must survive multiple
// invocations. The reference stays in the store until released, either by
// the call that created it or by an explicit dispose from the provider.
type Retained struct {
	Callable
}

// NotReadyError reports a peer that has not completed its interface
// handshake within the caller's window.
func NotReadyError(pluginID string) error {
	return wire.WithKind(
		fmt.Errorf("plugin %q has not completed its interface handshake", pluginID),
		wire.KindPluginNotReady)
}

// GoneError reports a peer that terminated while a call was in flight.
func GoneError(pluginID string) error {
	return wire.WithKind(
		fmt.Errorf("plugin %q is gone", pluginID),
		wire.KindPluginGone)
}
