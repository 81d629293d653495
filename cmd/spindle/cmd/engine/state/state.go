// Package state is the in-memory authority over workspaces, users,
// plugins and services: who exists, who owns what, and who may call
// what. All registry state is process-local and lost on restart.
package state

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/events"
	"github.com/spindleworks/spindle/pkg/token"
)

// Lifecycle events emitted on the engine bus.
const (
	EventWorkspaceRegistered   = "workspace_registered"
	EventWorkspaceUnregistered = "workspace_unregistered"
	EventPluginRegistered      = "plugin_registered"
	EventServiceRegistered     = "service_registered"
	EventUserConnected         = "user_connected"
	EventUserEnteredWorkspace  = "user_entered_workspace"
)

type Config struct {
	// Bus receives lifecycle events. A private one is created when nil.
	Bus *events.Bus
	// LoggerFor supplies the per-workspace logger, typically backed by
	// a rotating file in the workspace directory.
	LoggerFor func(workspace string) *logrus.Logger
}

// State is the registry. A zero State is invalid; use NewState.
type State struct {
	backgroundCtx context.Context
	bus           *events.Bus
	loggerFor     func(workspace string) *logrus.Logger

	mu sync.RWMutex
	// Things protected by 'mu'. The registry maps must mutate together:
	//  1. `pluginsByID` stays in sync with each workspace's `plugins`
	//  2. a service's provider must exist in its workspace's `plugins`
	//  3. `users` session counts decide user teardown, which consults
	//     plugin ownership
	workspaces map[string]*Workspace
	users      map[string]*User
	// pluginsByID is an indexed copy of every workspace's `plugins`.
	pluginsByID *xsync.MapOf[string, *Plugin]

	pluginGauge  *prometheus.GaugeVec
	serviceGauge *prometheus.GaugeVec
}

// NewState creates the registry with the reserved public and root
// workspaces in place.
func NewState(ctx context.Context, cfg Config) *State {
	s := &State{
		backgroundCtx: ctx,
		bus:           cfg.Bus,
		loggerFor:     cfg.LoggerFor,
		workspaces:    make(map[string]*Workspace),
		users:         make(map[string]*User),
		pluginsByID:   xsync.NewMapOf[string, *Plugin](),
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	if s.loggerFor == nil {
		s.loggerFor = func(string) *logrus.Logger {
			l := logrus.New()
			l.SetOutput(io.Discard)
			return l
		}
	}
	for _, wc := range []WorkspaceConfig{
		{Name: WorkspacePublic, Owners: []string{WorkspaceRoot}, Visibility: VisibilityPublic, Persistent: true},
		{Name: WorkspaceRoot, Owners: []string{WorkspaceRoot}, Visibility: VisibilityProtected, Persistent: true},
	} {
		s.workspaces[wc.Name] = s.newWorkspace(wc)
	}
	return s
}

// Bus is the engine-wide event bus.
func (s *State) Bus() *events.Bus { return s.bus }

// SetPrometheusMetrics wires gauges for live plugin and service counts,
// labelled by workspace.
func (s *State) SetPrometheusMetrics(pluginGauge, serviceGauge *prometheus.GaugeVec) {
	s.mu.Lock()
	s.pluginGauge = pluginGauge
	s.serviceGauge = serviceGauge
	s.mu.Unlock()
}

// RegisterWorkspace adds a workspace. The name must be non-empty,
// slash-free and unused; at least one owner is required.
func (s *State) RegisterWorkspace(cfg WorkspaceConfig) (*Workspace, error) {
	if cfg.Name == "" {
		return nil, trace.BadParameter("workspace name must not be empty")
	}
	if strings.Contains(cfg.Name, "/") {
		return nil, trace.BadParameter("workspace name %q must not contain '/'", cfg.Name)
	}
	if cfg.Visibility == "" {
		cfg.Visibility = VisibilityProtected
	}
	var owners []string
	for _, o := range cfg.Owners {
		if o != "" {
			owners = append(owners, o)
		}
	}
	cfg.Owners = owners
	if len(cfg.Owners) == 0 {
		return nil, trace.BadParameter("workspace %q needs at least one owner", cfg.Name)
	}
	w := s.newWorkspace(cfg)
	s.mu.Lock()
	if _, ok := s.workspaces[cfg.Name]; ok {
		s.mu.Unlock()
		return nil, trace.AlreadyExists("workspace %q already exists", cfg.Name)
	}
	s.workspaces[cfg.Name] = w
	s.mu.Unlock()
	w.logger.Infof("workspace %s registered", cfg.Name)
	s.bus.Emit(EventWorkspaceRegistered, w)
	return w, nil
}

func (s *State) newWorkspace(cfg WorkspaceConfig) *Workspace {
	return &Workspace{
		cfg:      cfg,
		plugins:  make(map[string]*Plugin),
		services: make(map[string]*Service),
		logger:   s.loggerFor(cfg.Name),
		bus:      events.NewBus(),
	}
}

func (s *State) GetWorkspace(name string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[name]
	if !ok {
		return nil, trace.NotFound("workspace %q does not exist", name)
	}
	return w, nil
}

func (s *State) ListWorkspaces() []*Workspace {
	s.mu.RLock()
	out := make([]*Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AddPlugin installs p in its workspace. A same-named plugin is
// displaced together with its services and returned so the caller can
// schedule its termination; registration never waits for it.
func (s *State) AddPlugin(p *Plugin) *Plugin {
	w := p.Workspace
	s.mu.Lock()
	displaced := w.plugins[p.Name]
	if displaced == p {
		displaced = nil
	}
	if displaced != nil {
		s.dropPluginLocked(displaced)
	}
	w.plugins[p.Name] = p
	s.pluginsByID.Store(p.ID, p)
	pg := s.pluginGauge
	s.mu.Unlock()
	if displaced != nil {
		displaced.SetStatus(StatusTerminating)
		w.logger.Warnf("plugin %s displaced by a new registration", displaced.ID)
	}
	w.logger.Infof("plugin %s (%s) registered by %s", p.Name, p.ID, userLabel(p.User))
	if pg != nil {
		pg.WithLabelValues(w.Name()).Inc()
	}
	s.bus.Emit(EventPluginRegistered, p)
	w.bus.Emit(EventPluginRegistered, p)
	return displaced
}

// dropPluginLocked removes a plugin and its services from the maps.
// Caller holds s.mu and is responsible for the plugin's termination.
// Safe to call again for an already-dropped plugin.
func (s *State) dropPluginLocked(p *Plugin) {
	w := p.Workspace
	for name, svc := range w.services {
		if svc.Provider == p {
			delete(w.services, name)
			if s.serviceGauge != nil {
				s.serviceGauge.WithLabelValues(w.Name()).Dec()
			}
		}
	}
	if cur, ok := w.plugins[p.Name]; ok && cur == p {
		delete(w.plugins, p.Name)
	}
	// Delete the index entry only while it still points at p; a
	// replacement registered under the same id must survive.
	indexed := false
	s.pluginsByID.Compute(p.ID, func(cur *Plugin, loaded bool) (*Plugin, bool) {
		indexed = loaded && cur == p
		return cur, !loaded || cur == p
	})
	if indexed && s.pluginGauge != nil {
		s.pluginGauge.WithLabelValues(w.Name()).Dec()
	}
}

// RemovePlugin drops p and every service it provides. A non-persistent
// workspace left empty disappears with it.
func (s *State) RemovePlugin(p *Plugin) {
	w := p.Workspace
	s.mu.Lock()
	s.dropPluginLocked(p)
	collected := s.collectWorkspaceLocked(w)
	s.mu.Unlock()
	p.SetStatus(StatusDisconnected)
	w.logger.Infof("plugin %s (%s) removed", p.Name, p.ID)
	if collected {
		s.bus.Emit(EventWorkspaceUnregistered, w)
	}
}

// collectWorkspaceLocked unregisters a non-persistent workspace once its
// last member has left and only passive plugins remain. Caller holds
// s.mu and emits EventWorkspaceUnregistered when true is returned.
func (s *State) collectWorkspaceLocked(w *Workspace) bool {
	if w.cfg.Persistent || w.members > 0 {
		return false
	}
	for _, p := range w.plugins {
		if !p.Flags.Passive {
			return false
		}
	}
	if cur, ok := s.workspaces[w.Name()]; !ok || cur != w {
		return false
	}
	for _, p := range w.plugins {
		s.dropPluginLocked(p)
	}
	delete(s.workspaces, w.Name())
	return true
}

func (s *State) GetPlugin(id string) (*Plugin, error) {
	if p, ok := s.pluginsByID.Load(id); ok {
		return p, nil
	}
	return nil, trace.NotFound("plugin %q does not exist", id)
}

// LookupPeer implements comm.Resolver over the plugin index.
func (s *State) LookupPeer(pluginID string) (*comm.Peer, bool) {
	p, ok := s.pluginsByID.Load(pluginID)
	if !ok {
		return nil, false
	}
	return p.Peer(), true
}

// FindBySignature returns the live plugin recorded under sig, if any.
func (s *State) FindBySignature(sig string) (*Plugin, bool) {
	if sig == "" {
		return nil, false
	}
	var found *Plugin
	s.pluginsByID.Range(func(_ string, p *Plugin) bool {
		if p.Signature == sig {
			found = p
			return false
		}
		return true
	})
	return found, found != nil
}

// PluginsInSession lists plugins bound to a session, for session-end GC.
func (s *State) PluginsInSession(sessionID string) []*Plugin {
	var out []*Plugin
	s.pluginsByID.Range(func(_ string, p *Plugin) bool {
		if p.SessionID() == sessionID {
			out = append(out, p)
		}
		return true
	})
	return out
}

func (s *State) CountPlugins() int {
	return s.pluginsByID.Size()
}

// RegisterService installs svc under its provider's workspace. A
// same-named service is replaced; the provider must be registered.
func (s *State) RegisterService(svc *Service) error {
	if svc.Name == "" {
		return trace.BadParameter("service name must not be empty")
	}
	if svc.Config.Visibility == "" {
		svc.Config.Visibility = VisibilityProtected
	}
	p := svc.Provider
	if p == nil || p.Workspace == nil {
		return trace.BadParameter("service %q has no provider plugin", svc.Name)
	}
	w := p.Workspace
	svc.ID = w.Name() + "/" + svc.Name
	s.mu.Lock()
	if cur, ok := w.plugins[p.Name]; !ok || cur != p {
		s.mu.Unlock()
		return trace.NotFound("provider plugin %q is not registered in workspace %q", p.ID, w.Name())
	}
	_, replaced := w.services[svc.Name]
	w.services[svc.Name] = svc
	sg := s.serviceGauge
	s.mu.Unlock()
	w.logger.Infof("service %s registered by plugin %s", svc.ID, p.ID)
	if sg != nil && !replaced {
		sg.WithLabelValues(w.Name()).Inc()
	}
	s.bus.Emit(EventServiceRegistered, svc)
	w.bus.Emit(EventServiceRegistered, svc)
	return nil
}

// GetService resolves "<workspace>/<name>". Protected services require
// workspace membership.
func (s *State) GetService(id string, caller *token.Identity) (*Service, error) {
	wsName, name, ok := strings.Cut(id, "/")
	if !ok {
		return nil, trace.BadParameter("service id %q must be <workspace>/<name>", id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[wsName]
	if !ok {
		return nil, trace.NotFound("workspace %q does not exist", wsName)
	}
	svc, ok := w.services[name]
	if !ok {
		return nil, trace.NotFound("service %q does not exist in workspace %q", name, wsName)
	}
	if svc.Config.Visibility != VisibilityPublic && !w.CheckPermission(caller) {
		return nil, trace.AccessDenied("service %q is protected", id)
	}
	return svc, nil
}

// ListServices returns the services visible to caller: public ones
// always, protected ones only in workspaces the caller belongs to.
// Workspace "*" (or "") searches everywhere.
func (s *State) ListServices(workspace string, caller *token.Identity) ([]*Service, error) {
	s.mu.RLock()
	var wss []*Workspace
	if workspace == "" || workspace == "*" {
		for _, w := range s.workspaces {
			wss = append(wss, w)
		}
	} else {
		w, ok := s.workspaces[workspace]
		if !ok {
			s.mu.RUnlock()
			return nil, trace.NotFound("workspace %q does not exist", workspace)
		}
		wss = []*Workspace{w}
	}
	var out []*Service
	for _, w := range wss {
		member := w.CheckPermission(caller)
		for _, svc := range w.services {
			if svc.Config.Visibility == VisibilityPublic || member {
				out = append(out, svc)
			}
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *State) CountServices() int {
	n := 0
	s.mu.RLock()
	for _, w := range s.workspaces {
		n += len(w.services)
	}
	s.mu.RUnlock()
	return n
}

// UserConnected records a session for id, creating the user on first
// sight.
func (s *State) UserConnected(id *token.Identity) *User {
	s.mu.Lock()
	u := s.users[id.ID]
	fresh := u == nil
	if fresh {
		u = &User{Identity: id}
		s.users[id.ID] = u
	}
	u.sessions++
	s.mu.Unlock()
	if fresh {
		s.bus.Emit(EventUserConnected, u)
	}
	return u
}

// UserDisconnected drops one session. The user disappears with its last
// session unless it still owns a detachable plugin.
func (s *State) UserDisconnected(id string) {
	s.mu.Lock()
	u := s.users[id]
	if u == nil {
		s.mu.Unlock()
		return
	}
	u.sessions--
	if u.sessions <= 0 && !s.userOwnsDetachableLocked(id) {
		delete(s.users, id)
	}
	s.mu.Unlock()
}

func (s *State) userOwnsDetachableLocked(id string) bool {
	owns := false
	s.pluginsByID.Range(func(_ string, p *Plugin) bool {
		if p.User != nil && p.User.ID == id && p.Flags.AllowDetach {
			owns = true
			return false
		}
		return true
	})
	return owns
}

func (s *State) GetUser(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *State) CountUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// UserEnteredWorkspace announces a session joining a workspace.
func (s *State) UserEnteredWorkspace(id *token.Identity, w *Workspace) {
	s.mu.Lock()
	w.members++
	s.mu.Unlock()
	s.bus.Emit(EventUserEnteredWorkspace, id, w)
	w.bus.Emit(EventUserEnteredWorkspace, id, w)
}

// UserLeftWorkspace balances UserEnteredWorkspace when a session closes.
// The workspace itself may be collected with the departing member.
func (s *State) UserLeftWorkspace(id *token.Identity, w *Workspace) {
	s.mu.Lock()
	if w.members > 0 {
		w.members--
	}
	collected := s.collectWorkspaceLocked(w)
	s.mu.Unlock()
	w.logger.Debugf("session of %s left workspace %s", userLabel(id), w.Name())
	if collected {
		s.bus.Emit(EventWorkspaceUnregistered, w)
	}
}

func userLabel(id *token.Identity) string {
	if id == nil {
		return "unknown"
	}
	if id.Email != "" {
		return id.Email
	}
	return id.ID
}
