package state

import (
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/events"
	"github.com/spindleworks/spindle/pkg/token"
)

// Visibility of a workspace or service.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityProtected Visibility = "protected"
)

// Reserved workspaces, present from engine start.
const (
	WorkspacePublic = "public"
	WorkspaceRoot   = "root"
)

// User is an identity admitted into the registry, with the engine-side
// bookkeeping for its live sessions.
type User struct {
	Identity *token.Identity

	// sessions counts live websocket sessions; guarded by State.mu.
	sessions int
}

type WorkspaceConfig struct {
	Name        string
	Description string
	Owners      []string
	Visibility  Visibility
	Persistent  bool
	AllowList   []string
	DenyList    []string
}

// Workspace is the trust boundary and namespace for plugins and
// services. Its config is immutable after registration; the plugin and
// service maps and the member count are guarded by State.mu.
type Workspace struct {
	cfg      WorkspaceConfig
	plugins  map[string]*Plugin
	services map[string]*Service
	logger   *logrus.Logger
	bus      *events.Bus
	members  int
}

func (w *Workspace) Name() string            { return w.cfg.Name }
func (w *Workspace) Config() WorkspaceConfig { return w.cfg }
func (w *Workspace) Logger() *logrus.Logger  { return w.logger }

// Bus is the workspace-private event bus.
func (w *Workspace) Bus() *events.Bus { return w.bus }

// CheckPermission reports whether id may operate inside the workspace:
// owners and allow-listed identities always may, public workspaces admit
// everyone, and deny lists win over everything. A token scoped to other
// workspaces is refused regardless of ownership.
func (w *Workspace) CheckPermission(id *token.Identity) bool {
	if id == nil {
		return false
	}
	if !id.CanAccess(w.cfg.Name) {
		return false
	}
	if matches(w.cfg.DenyList, id) {
		return false
	}
	if w.cfg.Visibility == VisibilityPublic {
		return true
	}
	return matches(w.cfg.Owners, id) || matches(w.cfg.AllowList, id)
}

func matches(list []string, id *token.Identity) bool {
	if slices.Contains(list, id.ID) {
		return true
	}
	return id.Email != "" && slices.Contains(list, id.Email)
}

// PluginStatus tracks a plugin through its life.
type PluginStatus string

const (
	StatusInitializing PluginStatus = "initializing"
	StatusReady        PluginStatus = "ready"
	StatusTerminating  PluginStatus = "terminating"
	StatusDisconnected PluginStatus = "disconnected"
)

// PluginFlags are the behavioural markers a plugin config may carry.
type PluginFlags struct {
	SingleInstance bool
	AllowDetach    bool
	AllowExecution bool
	Passive        bool
}

// ParseFlags maps the flag names used in plugin configs.
func ParseFlags(names []string) PluginFlags {
	var f PluginFlags
	for _, n := range names {
		switch n {
		case "single-instance":
			f.SingleInstance = true
		case "allow-detach":
			f.AllowDetach = true
		case "allow-execution":
			f.AllowExecution = true
		case "passive":
			f.Passive = true
		}
	}
	return f
}

// ResumeSignature is the key under which a plugin can be adopted by a
// later session. Single-instance plugins are shared by every member of
// the workspace running the same name and tag; detachable ones stay
// private to their client. Plugins with neither flag are not resumable.
func ResumeSignature(f PluginFlags, clientID, workspace, name, tag string) string {
	switch {
	case f.SingleInstance:
		return strings.Join([]string{workspace, name, tag}, "/")
	case f.AllowDetach:
		return strings.Join([]string{clientID, workspace, name, tag}, "/")
	}
	return ""
}

func (f PluginFlags) Names() []string {
	var out []string
	if f.SingleInstance {
		out = append(out, "single-instance")
	}
	if f.AllowDetach {
		out = append(out, "allow-detach")
	}
	if f.AllowExecution {
		out = append(out, "allow-execution")
	}
	if f.Passive {
		out = append(out, "passive")
	}
	return out
}

// Plugin is a live peer that has been admitted into a workspace.
type Plugin struct {
	ID        string
	Name      string
	Type      string
	Tag       string
	Secret    string
	Signature string
	ProcessID int
	Config    map[string]any
	Flags     PluginFlags
	User      *token.Identity
	Workspace *Workspace

	peer *comm.Peer

	mu        sync.Mutex
	status    PluginStatus
	sessionID string
	aborting  *comm.Completer
}

// NewPlugin binds a fresh registry entry to its rpc peer.
func NewPlugin(id string, peer *comm.Peer) *Plugin {
	return &Plugin{ID: id, peer: peer, status: StatusInitializing}
}

func (p *Plugin) Peer() *comm.Peer { return p.peer }

func (p *Plugin) Status() PluginStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Plugin) SetStatus(s PluginStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// SessionID names the session the plugin is currently bound to. A
// resumed plugin is rebound with SetSessionID and keeps everything else.
func (p *Plugin) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Plugin) SetSessionID(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

// BeginAbort marks the plugin terminating. The first caller gets
// first=true and owns the teardown; it must settle the returned
// completer when the plugin is gone. Later callers share the same
// completer to wait on.
func (p *Plugin) BeginAbort() (c *comm.Completer, first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborting != nil {
		return p.aborting, false
	}
	p.aborting = comm.NewCompleter()
	p.status = StatusTerminating
	return p.aborting, true
}

// Aborting returns the in-flight termination, or nil.
func (p *Plugin) Aborting() *comm.Completer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborting
}

// ServiceConfig is the caller-visible part of a service declaration.
type ServiceConfig struct {
	Visibility     Visibility
	RequireContext bool
}

// Service is a named capability exposed by a plugin. Data holds the
// decoded value tree the provider registered: callable slots are live
// proxies, everything else plain values.
type Service struct {
	ID       string
	Name     string
	Type     string
	Config   ServiceConfig
	Data     map[string]any
	Provider *Plugin
}
