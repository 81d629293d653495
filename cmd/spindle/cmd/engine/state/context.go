package state

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/spindleworks/spindle/pkg/token"
)

// WithUser attaches the authenticated identity to the context and tags
// log output with it.
func WithUser(ctx context.Context, id *token.Identity) context.Context {
	ctx = context.WithValue(ctx, userContextKey{}, id)
	ctx = dlog.WithField(ctx, "user", id.ID)
	return ctx
}

func GetUser(ctx context.Context) *token.Identity {
	id, ok := ctx.Value(userContextKey{}).(*token.Identity)
	if !ok {
		return nil
	}
	return id
}

type userContextKey struct{}

func WithWorkspace(ctx context.Context, w *Workspace) context.Context {
	ctx = context.WithValue(ctx, workspaceContextKey{}, w)
	ctx = dlog.WithField(ctx, "workspace", w.Name())
	return ctx
}

func GetWorkspace(ctx context.Context) *Workspace {
	w, ok := ctx.Value(workspaceContextKey{}).(*Workspace)
	if !ok {
		return nil
	}
	return w
}

type workspaceContextKey struct{}

// WithPlugin marks the context as belonging to one plugin's rpc
// traffic. Handlers use it to tell who is calling.
func WithPlugin(ctx context.Context, p *Plugin) context.Context {
	ctx = context.WithValue(ctx, pluginContextKey{}, p)
	ctx = dlog.WithField(ctx, "plugin", p.ID)
	return ctx
}

func GetPlugin(ctx context.Context) *Plugin {
	p, ok := ctx.Value(pluginContextKey{}).(*Plugin)
	if !ok {
		return nil
	}
	return p
}

type pluginContextKey struct{}
