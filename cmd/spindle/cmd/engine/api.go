package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/hub"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/launcher"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/version"
	"github.com/spindleworks/spindle/pkg/wire"
)

// buildSessionAPI assembles the engine's own interface. The hub installs
// it on every authenticated session's peer, and the same callables back
// the "default" service published in each workspace, so HTTP calls and
// bridged plugin calls land here too. Handlers resolve the caller from
// ctx; s is only a fallback for callers that have no registry entry yet
// and is nil for the workspace-level install.
func (e *Engine) buildSessionAPI(s *hub.Session) map[string]any {
	return map[string]any{
		"version": version.Version,

		"echo": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return first(args), nil
		}),
		"log": comm.Func(func(ctx context.Context, args []any) (any, error) {
			level, text := "info", ""
			switch v := first(args).(type) {
			case string:
				text = v
			case map[string]any:
				text = cfgString(v, "text")
				if text == "" {
					text = cfgString(v, "message")
				}
				if l := cfgString(v, "level"); l != "" {
					level = l
				}
			}
			if p := state.GetPlugin(ctx); p != nil {
				logWorkspace(p.Workspace, level, p.Name+": "+text)
			} else {
				logWorkspace(state.GetWorkspace(ctx), level, text)
			}
			return true, nil
		}),

		"register_service": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.registerService(ctx, argConfig(args))
		}),
		"get_service": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.getService(ctx, args)
		}),
		"list_services": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.listServices(ctx, args)
		}),

		"register_workspace": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.registerWorkspace(ctx, argConfig(args))
		}),
		"list_workspaces": comm.Func(func(ctx context.Context, args []any) (any, error) {
			caller := state.GetUser(ctx)
			var out []any
			for _, w := range e.state.ListWorkspaces() {
				if w.CheckPermission(caller) {
					out = append(out, workspaceInfo(w))
				}
			}
			return out, nil
		}),

		"init_plugin": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.initPlugin(ctx, s, argConfig(args))
		}),
		"kill_plugin": comm.Func(func(ctx context.Context, args []any) (any, error) {
			id := stringArg(args, "id")
			if id == "" {
				return nil, trace.BadParameter("kill_plugin needs a plugin id")
			}
			p, err := e.state.GetPlugin(id)
			if err != nil {
				return nil, err
			}
			if !mayManage(ctx, p) {
				return nil, trace.AccessDenied("plugin %q was started by someone else", id)
			}
			forced, err := e.killPlugin(ctx, p)
			if err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "forced": forced}, nil
		}),
		"execute": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.executeCode(ctx, argConfig(args))
		}),
		"get_secret": comm.Func(func(ctx context.Context, args []any) (any, error) {
			if id := stringArg(args, "id"); id != "" {
				p, err := e.state.GetPlugin(id)
				if err != nil {
					return nil, err
				}
				if !mayManage(ctx, p) {
					return nil, trace.AccessDenied("plugin %q was started by someone else", id)
				}
				return p.Secret, nil
			}
			if p := state.GetPlugin(ctx); p != nil {
				return p.Secret, nil
			}
			return nil, trace.NotFound("the caller has no channel secret")
		}),

		"generate_presigned_token": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.presignToken(ctx, argConfig(args))
		}),
		"dispose_object": comm.Func(func(ctx context.Context, args []any) (any, error) {
			id := wire.AsInt(first(args))
			if m, ok := first(args).(map[string]any); ok {
				id = wire.AsInt(m["id"])
			}
			if id == 0 {
				return nil, trace.BadParameter("dispose_object needs a reference id")
			}
			peer := callerPeer(ctx, s)
			if peer == nil {
				return nil, trace.NotFound("the caller holds no references")
			}
			peer.Store().Release(id)
			return true, nil
		}),

		"generate_credential": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.generateCredential(ctx)
		}),
		"generate_presigned_url": comm.Func(func(ctx context.Context, args []any) (any, error) {
			return e.presignURL(ctx, argConfig(args))
		}),
	}
}

// installEngineService publishes the engine api as the "default" service
// of w, carried by a passive provider owned by root. HTTP calls invoke
// the callables in-process; websocket peers receive them as retained
// references living in their own session's store.
func (e *Engine) installEngineService(ctx context.Context, w *state.Workspace) {
	pid := "engine-" + w.Name()
	p := state.NewPlugin(pid, comm.NewPeer(comm.PeerConfig{PluginID: pid, Resolver: e.state}))
	p.Name = "engine"
	p.Type = "engine"
	p.Secret = token.NewSecret()
	p.User = e.root
	p.Workspace = w
	p.Flags = state.PluginFlags{Passive: true}
	p.SetStatus(state.StatusReady)
	if displaced := e.state.AddPlugin(p); displaced != nil {
		dlog.Warnf(ctx, "workspace %s already carried an engine provider", w.Name())
	}

	data := map[string]any{}
	for name, v := range e.buildSessionAPI(nil) {
		if c, ok := v.(comm.Callable); ok {
			data[name] = comm.Retained{Callable: c}
			continue
		}
		data[name] = v
	}
	vis := state.VisibilityProtected
	if w.Config().Visibility == state.VisibilityPublic {
		vis = state.VisibilityPublic
	}
	svc := &state.Service{
		Name:     "default",
		Type:     "engine",
		Config:   state.ServiceConfig{Visibility: vis},
		Data:     data,
		Provider: p,
	}
	if err := e.state.RegisterService(svc); err != nil {
		dlog.Errorf(ctx, "install engine service in %s: %v", w.Name(), err)
	}
}

// onClientInitialized admits the session's own peer into the registry
// once it announces itself. Launched workers never get here; their
// plugins were registered at init_plugin time.
func (e *Engine) onClientInitialized(ctx context.Context, s *hub.Session, config map[string]any) {
	if s.Plugin() != nil {
		return
	}
	name := cfgString(config, "name")
	if name == "" {
		name = s.ClientID()
	}
	typ := cfgString(config, "type")
	if typ == "" {
		typ = "client"
	}
	p := state.NewPlugin(uuid.NewString(), s.Peer())
	p.Name = name
	p.Type = typ
	p.Tag = cfgString(config, "tag")
	p.Secret = s.Secret()
	p.Config = config
	p.Flags = state.ParseFlags(cfgStringList(config, "flags"))
	p.User = s.User()
	p.Workspace = s.Workspace()
	p.SetSessionID(s.ID())
	s.SetPlugin(p)
	if displaced := e.state.AddPlugin(p); displaced != nil {
		go func() { _, _ = e.killPlugin(e.bgCtx, displaced) }()
	}
}

func (e *Engine) onClientReady(ctx context.Context, s *hub.Session) {
	if p := s.Plugin(); p != nil {
		p.SetStatus(state.StatusReady)
		dlog.Debugf(ctx, "client plugin %s (%s) is ready", p.Name, p.ID)
	}
}

// onSessionClosed sweeps the plugins managed by a finished session. The
// session's own peer dies with its socket; launched workers survive only
// when flagged detachable.
func (e *Engine) onSessionClosed(ctx context.Context, s *hub.Session) {
	own := s.Plugin()
	for _, p := range e.state.PluginsInSession(s.ID()) {
		if p != own && p.Flags.AllowDetach {
			dlog.Infof(ctx, "plugin %s (%s) detached from closing session %s", p.Name, p.ID, s.ID())
			continue
		}
		p := p
		go func() { _, _ = e.killPlugin(e.bgCtx, p) }()
	}
}

// onWorkerLost handles a worker socket dropping out from under a live
// plugin. While the process keeps running the plugin only goes dark and
// a redial picks it back up; without a process there is nothing left to
// wait for.
func (e *Engine) onWorkerLost(ctx context.Context, p *state.Plugin) {
	if p.Aborting() != nil {
		return
	}
	if pr, ok := e.procs.Load(p.ID); ok && pr.worker != nil && pr.worker.Alive() {
		dlog.Warnf(ctx, "plugin %s (%s) lost its connection, awaiting redial", p.Name, p.ID)
		p.SetStatus(state.StatusDisconnected)
		return
	}
	e.pluginGone(ctx, p, false, "worker connection lost")
}

// onWorkerExit fires when a worker process ends on its own. Deliberate
// kills are reported by killPlugin instead.
func (e *Engine) onWorkerExit(ctx context.Context, p *state.Plugin, code int, err error) {
	if p.Aborting() != nil {
		return
	}
	reason := ""
	if err != nil {
		reason = trace.UserMessage(err)
	}
	dlog.Infof(ctx, "plugin %s (%s) exited with code %d", p.Name, p.ID, code)
	e.pluginGone(ctx, p, err == nil, reason)
}

// initPlugin launches, or resumes, a plugin for the calling session. The
// reply goes out as soon as the worker process is running; the worker
// announces readiness later through its own socket and the manager is
// told with an initialized frame on the plugin's message channel. A
// failed launch resolves with success=false so the reason reaches the
// caller intact.
func (e *Engine) initPlugin(ctx context.Context, s *hub.Session, cfg map[string]any) (map[string]any, error) {
	ws := state.GetWorkspace(ctx)
	user := state.GetUser(ctx)
	if ws == nil || user == nil {
		return nil, trace.AccessDenied("no workspace attached to this call")
	}
	name := cfgString(cfg, "name")
	if name == "" {
		return nil, trace.BadParameter("plugin config needs a name")
	}
	tag := cfgString(cfg, "tag")
	flags := state.ParseFlags(cfgStringList(cfg, "flags"))
	sessionID := e.sessionIDFor(ctx, s)

	// A live instance under the same signature is adopted instead of
	// launched twice; one still on its way down is waited out first.
	sig := state.ResumeSignature(flags, clientIDFor(ctx, s), ws.Name(), name, tag)
	if sig != "" {
		if prior, ok := e.state.FindBySignature(sig); ok && prior.Workspace == ws {
			if c := prior.Aborting(); c != nil {
				if _, err := c.Await(ctx); err != nil {
					return nil, err
				}
			} else {
				prior.SetSessionID(sessionID)
				dlog.Infof(ctx, "plugin %s (%s) resumed", prior.Name, prior.ID)
				return map[string]any{
					"id":          prior.ID,
					"name":        prior.Name,
					"workspace":   ws.Name(),
					"secret":      prior.Secret,
					"initialized": prior.Peer().State() == comm.StateReady,
					"resumed":     true,
					"success":     true,
				}, nil
			}
		}
	}

	pid := uuid.NewString()
	var p *state.Plugin
	peer := comm.NewPeer(comm.PeerConfig{
		PluginID: pid,
		Resolver: e.state,
		Hooks: comm.Hooks{
			OnReady: func(hctx context.Context) {
				p.SetStatus(state.StatusReady)
				dlog.Infof(hctx, "plugin %s (%s) is ready", p.Name, p.ID)
				e.notifyManager(hctx, p, &wire.Frame{
					Type:    wire.TypeInitialized,
					Config:  map[string]any{"id": p.ID, "name": p.Name, "workspace": ws.Name()},
					Success: wire.Bool(true),
				})
			},
			OnDisconnect: func(hctx context.Context, ok bool, reason string) {
				if p.Aborting() == nil {
					e.pluginGone(hctx, p, ok, reason)
				}
			},
			OnLogging: func(hctx context.Context, level, text string) {
				e.relayLog(hctx, p, level, text)
			},
		},
	})
	peer.SetLocalInterface(e.buildSessionAPI(nil))
	p = state.NewPlugin(pid, peer)
	p.Name = name
	p.Type = cfgString(cfg, "type")
	p.Tag = tag
	p.Secret = token.NewSecret()
	p.Signature = sig
	p.Config = cfg
	p.Flags = flags
	p.User = user
	p.Workspace = ws
	p.SetSessionID(sessionID)

	if displaced := e.state.AddPlugin(p); displaced != nil {
		go func() { _, _ = e.killPlugin(e.bgCtx, displaced) }()
	}

	reply := map[string]any{
		"id":          pid,
		"name":        name,
		"workspace":   ws.Name(),
		"secret":      p.Secret,
		"initialized": false,
		"success":     true,
	}
	if flags.Passive {
		// Nothing to launch; a passive plugin is a registry entry only.
		p.SetStatus(state.StatusReady)
		reply["initialized"] = true
		return reply, nil
	}

	spec := &launcher.Spec{
		PluginID:     pid,
		Name:         name,
		Tag:          tag,
		Env:          cfgList(cfg, "env"),
		Requirements: cfgStringList(cfg, "requirements"),
		Command:      cfgString(cfg, "cmd"),
	}
	hooks := launcher.Hooks{
		OnProgress: func(pct int) {
			e.notifyManager(e.bgCtx, p, &wire.Frame{Type: wire.TypeProgress, Value: pct})
		},
		OnLog: func(level, text string) {
			e.relayLog(e.bgCtx, p, level, text)
		},
		OnExit: func(code int, err error) {
			e.onWorkerExit(e.bgCtx, p, code, err)
		},
	}

	// The proc entry exists before the first install step so that a kill
	// arriving mid-install cancels the pipeline.
	wctx, cancel := context.WithCancel(e.bgCtx)
	e.procs.Store(pid, &proc{cancel: cancel})

	env, err := e.launch.Install(wctx, spec, hooks)
	if err == nil {
		var worker *launcher.Worker
		if worker, err = e.launch.Start(wctx, spec, env, p.Secret, hooks); err == nil {
			e.procs.Store(pid, &proc{worker: worker, cancel: cancel})
			p.ProcessID = worker.Pid()
			dlog.Infof(ctx, "plugin %s (%s) started as pid %d", name, pid, worker.Pid())
			return reply, nil
		}
	}

	e.metrics.installFailures.Inc()
	dlog.Errorf(ctx, "plugin %s (%s) failed to launch: %v", name, pid, err)
	if p.Aborting() == nil {
		e.pluginGone(ctx, p, false, trace.UserMessage(err))
	}
	return map[string]any{"name": name, "success": false, "reason": trace.UserMessage(err)}, nil
}

// killPlugin tears a plugin down: the peer gets a disconnect request and
// the force-quit grace before its process group is killed. The first
// caller owns the teardown; concurrent kills and resume attempts wait on
// the same completer, which carries the forced verdict.
func (e *Engine) killPlugin(ctx context.Context, p *state.Plugin) (forced bool, err error) {
	c, first := p.BeginAbort()
	if !first {
		v, werr := c.Await(ctx)
		f, _ := v.(bool)
		return f, werr
	}

	var worker *launcher.Worker
	if pr, ok := e.procs.Load(p.ID); ok {
		worker = pr.worker
	}
	soft := func(sctx context.Context) error {
		v, serr := p.Peer().Terminate(sctx).Await(sctx)
		if serr != nil {
			return serr
		}
		if acked, _ := v.(bool); !acked {
			return errors.New("peer is already gone")
		}
		return nil
	}
	if worker != nil {
		forced, err = e.launch.Shutdown(ctx, worker, soft)
	} else {
		// No process to reap; just give the peer its grace to ack.
		grace := e.env.ForceQuitTimeout
		if grace <= 0 {
			grace = launcher.DefaultForceQuitTimeout
		}
		sctx, cancel := context.WithTimeout(ctx, grace)
		if serr := soft(sctx); serr != nil {
			dlog.Debugf(ctx, "plugin %s ignored the disconnect request: %v", p.ID, serr)
		}
		cancel()
	}

	reason := ""
	if forced {
		reason = "force quit"
	}
	e.pluginGone(ctx, p, !forced, reason)
	c.Resolve(forced)
	dlog.Infof(ctx, "plugin %s (%s) terminated (forced=%v)", p.Name, p.ID, forced)
	return forced, err
}

// pluginGone finalises a plugin that will never speak again: its process
// context is cancelled, the registry entry dropped, pending calls
// rejected, and the managing session told.
func (e *Engine) pluginGone(ctx context.Context, p *state.Plugin, ok bool, reason string) {
	if pr, loaded := e.procs.LoadAndDelete(p.ID); loaded && pr.cancel != nil {
		pr.cancel()
	}
	e.state.RemovePlugin(p)
	e.notifyManager(ctx, p, &wire.Frame{Type: wire.TypeDisconnect, Success: wire.Bool(ok), Error: reason})
	p.Peer().Gone(ctx)
}

// notifyManager delivers an engine-originated frame to the session
// managing p, on the plugin's message channel.
func (e *Engine) notifyManager(ctx context.Context, p *state.Plugin, f *wire.Frame) {
	sid := p.SessionID()
	if sid == "" {
		return
	}
	s, ok := e.hub.Session(sid)
	if !ok {
		return
	}
	if err := s.Send(ctx, wire.MessageFromPlugin(p.Secret), f); err != nil {
		dlog.Debugf(ctx, "notify session %s about plugin %s: %v", sid, p.ID, err)
	}
}

// relayLog writes a worker's output line to the workspace log and
// mirrors it to the managing session.
func (e *Engine) relayLog(ctx context.Context, p *state.Plugin, level, text string) {
	logWorkspace(p.Workspace, level, p.Name+": "+text)
	e.notifyManager(ctx, p, &wire.Frame{Type: wire.TypeLogging, Level: level, Text: text})
}

func (e *Engine) registerService(ctx context.Context, def map[string]any) (any, error) {
	p := state.GetPlugin(ctx)
	if p == nil {
		return nil, trace.BadParameter("a peer must announce itself before registering services")
	}
	svc := &state.Service{
		Name:     cfgString(def, "name"),
		Type:     cfgString(def, "type"),
		Provider: p,
		Data:     map[string]any{},
	}
	if c := cfgMap(def, "config"); c != nil {
		svc.Config = state.ServiceConfig{
			Visibility:     parseVisibility(cfgString(c, "visibility")),
			RequireContext: cfgBool(c, "require_context"),
		}
	}
	for k, v := range def {
		switch k {
		case "id", "name", "type", "config":
		default:
			svc.Data[k] = v
		}
	}
	if err := e.state.RegisterService(svc); err != nil {
		return nil, err
	}
	return map[string]any{"id": svc.ID, "name": svc.Name, "workspace": p.Workspace.Name()}, nil
}

func (e *Engine) getService(ctx context.Context, args []any) (any, error) {
	var id string
	switch q := first(args).(type) {
	case string:
		id = q
	case map[string]any:
		id = cfgString(q, "id")
		if id == "" {
			id = cfgString(q, "name")
		}
		if w := cfgString(q, "workspace"); w != "" && !strings.Contains(id, "/") {
			id = w + "/" + id
		}
	}
	if id == "" {
		return nil, trace.BadParameter("get_service needs a service name")
	}
	if !strings.Contains(id, "/") {
		ws := state.GetWorkspace(ctx)
		if ws == nil {
			return nil, trace.BadParameter("service %q needs a workspace qualifier", id)
		}
		id = ws.Name() + "/" + id
	}
	svc, err := e.state.GetService(id, state.GetUser(ctx))
	if err != nil {
		return nil, err
	}
	return serviceDetail(svc), nil
}

func (e *Engine) listServices(ctx context.Context, args []any) (any, error) {
	workspace := "*"
	switch q := first(args).(type) {
	case string:
		if q != "" {
			workspace = q
		}
	case map[string]any:
		if w := cfgString(q, "workspace"); w != "" {
			workspace = w
		}
	}
	svcs, err := e.state.ListServices(workspace, state.GetUser(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, serviceInfo(svc))
	}
	return out, nil
}

func (e *Engine) registerWorkspace(ctx context.Context, cfg map[string]any) (any, error) {
	caller := state.GetUser(ctx)
	if caller == nil || caller.Anonymous {
		return nil, trace.AccessDenied("anonymous sessions cannot register workspaces")
	}
	wcfg := state.WorkspaceConfig{
		Name:        cfgString(cfg, "name"),
		Description: cfgString(cfg, "description"),
		Owners:      cfgStringList(cfg, "owners"),
		Visibility:  parseVisibility(cfgString(cfg, "visibility")),
		Persistent:  cfgBool(cfg, "persistent"),
		AllowList:   cfgStringList(cfg, "allow_list"),
		DenyList:    cfgStringList(cfg, "deny_list"),
	}
	if !slices.Contains(wcfg.Owners, caller.ID) {
		wcfg.Owners = append(wcfg.Owners, caller.ID)
	}
	w, err := e.state.RegisterWorkspace(wcfg)
	if err != nil {
		return nil, err
	}
	return workspaceInfo(w), nil
}

func (e *Engine) executeCode(ctx context.Context, cfg map[string]any) (any, error) {
	id := cfgString(cfg, "id")
	if id == "" {
		id = cfgString(cfg, "plugin_id")
	}
	if id == "" {
		return nil, trace.BadParameter("execute needs a plugin id")
	}
	p, err := e.state.GetPlugin(id)
	if err != nil {
		return nil, err
	}
	if !mayManage(ctx, p) {
		return nil, trace.AccessDenied("plugin %q was started by someone else", id)
	}
	if !p.Flags.AllowExecution {
		return nil, trace.AccessDenied("plugin %q does not accept code execution", id)
	}
	code := cfgMap(cfg, "code")
	if code == nil {
		if s := cfgString(cfg, "script"); s != "" {
			code = map[string]any{"type": "script", "content": s}
		}
	}
	if code == nil {
		return nil, trace.BadParameter("execute needs a code object")
	}
	if err := p.Peer().Execute(ctx, code); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Engine) presignToken(ctx context.Context, cfg map[string]any) (any, error) {
	caller := state.GetUser(ctx)
	if caller == nil || caller.Anonymous {
		return nil, trace.AccessDenied("anonymous sessions cannot mint tokens")
	}
	pc := token.PresignConfig{
		Scopes:    cfgStringList(cfg, "scopes"),
		ExpiresIn: secondsDuration(cfg["expires_in"]),
	}
	if len(pc.Scopes) == 0 {
		if ws := state.GetWorkspace(ctx); ws != nil {
			pc.Scopes = []string{ws.Name()}
		}
	}
	tok, err := e.tokens.GeneratePresigned(caller, pc)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (e *Engine) generateCredential(ctx context.Context) (any, error) {
	if e.store == nil {
		return nil, trace.NotFound("no object store is configured")
	}
	caller := state.GetUser(ctx)
	if caller == nil || caller.Anonymous {
		return nil, trace.AccessDenied("anonymous sessions cannot mint credentials")
	}
	ws := state.GetWorkspace(ctx)
	if ws == nil {
		return nil, trace.AccessDenied("no workspace attached to this call")
	}
	cred, err := e.store.GenerateCredential(ctx, ws.Name())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"endpoint":   cred.Endpoint,
		"access_key": cred.AccessKey,
		"secret_key": cred.SecretKey,
		"bucket":     cred.Bucket,
		"prefix":     cred.Prefix,
	}, nil
}

func (e *Engine) presignURL(ctx context.Context, cfg map[string]any) (any, error) {
	if e.store == nil {
		return nil, trace.NotFound("no object store is configured")
	}
	ws := state.GetWorkspace(ctx)
	if ws == nil {
		return nil, trace.AccessDenied("no workspace attached to this call")
	}
	object := cfgString(cfg, "object")
	if object == "" {
		object = cfgString(cfg, "path")
	}
	url, err := e.store.PresignURL(ctx, ws.Name(), cfgString(cfg, "bucket"), object,
		cfgString(cfg, "method"), secondsDuration(cfg["expires_in"]))
	if err != nil {
		return nil, err
	}
	return url, nil
}

// sessionIDFor names the session that manages plugins created by this
// call: the caller's own session, or for bridged calls the socket of the
// calling plugin.
func (e *Engine) sessionIDFor(ctx context.Context, s *hub.Session) string {
	if s != nil {
		return s.ID()
	}
	if p := state.GetPlugin(ctx); p != nil {
		if _, ok := e.hub.Session(hub.WorkerSessionID(p.ID)); ok {
			return hub.WorkerSessionID(p.ID)
		}
		return p.SessionID()
	}
	return ""
}

func clientIDFor(ctx context.Context, s *hub.Session) string {
	if s != nil {
		return s.ClientID()
	}
	if p := state.GetPlugin(ctx); p != nil {
		return p.ID
	}
	return ""
}

func callerPeer(ctx context.Context, s *hub.Session) *comm.Peer {
	if p := state.GetPlugin(ctx); p != nil {
		return p.Peer()
	}
	if s != nil {
		return s.Peer()
	}
	return nil
}

// mayManage reports whether the caller may operate on p: its creator, or
// an admin.
func mayManage(ctx context.Context, p *state.Plugin) bool {
	id := state.GetUser(ctx)
	if id == nil {
		return false
	}
	if id.IsAdmin() {
		return true
	}
	return p.User != nil && p.User.ID == id.ID
}

func logWorkspace(w *state.Workspace, level, text string) {
	if w == nil {
		return
	}
	l := w.Logger()
	switch strings.ToLower(level) {
	case "debug":
		l.Debug(text)
	case "warn", "warning":
		l.Warn(text)
	case "error", "critical":
		l.Error(text)
	default:
		l.Info(text)
	}
}

func serviceDetail(svc *state.Service) map[string]any {
	out := make(map[string]any, len(svc.Data)+5)
	for k, v := range svc.Data {
		out[k] = v
	}
	out["id"] = svc.ID
	out["name"] = svc.Name
	out["type"] = svc.Type
	out["workspace"] = svc.Provider.Workspace.Name()
	out["config"] = map[string]any{
		"visibility":      string(svc.Config.Visibility),
		"require_context": svc.Config.RequireContext,
	}
	return out
}

func serviceInfo(svc *state.Service) map[string]any {
	return map[string]any{
		"id":        svc.ID,
		"name":      svc.Name,
		"type":      svc.Type,
		"workspace": svc.Provider.Workspace.Name(),
		"provider":  svc.Provider.ID,
		"config": map[string]any{
			"visibility":      string(svc.Config.Visibility),
			"require_context": svc.Config.RequireContext,
		},
	}
}

func workspaceInfo(w *state.Workspace) map[string]any {
	cfg := w.Config()
	return map[string]any{
		"name":        cfg.Name,
		"description": cfg.Description,
		"visibility":  string(cfg.Visibility),
		"persistent":  cfg.Persistent,
		"owners":      cfg.Owners,
	}
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// argConfig reads the keyword map riding in the first positional
// argument.
func argConfig(args []any) map[string]any {
	if m, ok := first(args).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// stringArg reads a lone string argument, accepting the keyed form too.
func stringArg(args []any, key string) string {
	switch v := first(args).(type) {
	case string:
		return v
	case map[string]any:
		return cfgString(v, key)
	}
	return ""
}

func cfgString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func cfgBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func cfgMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func cfgList(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	if s, ok := m[key].(string); ok && s != "" {
		return []any{s}
	}
	return nil
}

func cfgStringList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// secondsDuration reads a numeric seconds value the way clients send it.
func secondsDuration(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case uint64:
		return time.Duration(n) * time.Second
	}
	return 0
}

func parseVisibility(s string) state.Visibility {
	switch s {
	case string(state.VisibilityPublic):
		return state.VisibilityPublic
	case "":
		return ""
	default:
		return state.VisibilityProtected
	}
}
