// Package gateway re-exposes registered services over plain http.
//
// Functions of a registered service become endpoints under
// /{workspace}/services/{service}/{keys}, and services of type ASGI are
// mounted whole under /{workspace}/app/{name}. Callers authenticate with
// the same bearer tokens the websocket accepts; anonymous callers see
// public services only.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
)

// DefaultCallTimeout bounds a single service invocation made on behalf
// of an http caller.
const DefaultCallTimeout = 30 * time.Second

type Config struct {
	State  *state.State
	Tokens *token.Manager
	// AllowOrigins is the CORS allow list. Empty allows any origin.
	AllowOrigins []string
	CallTimeout  time.Duration
	Version      string
}

// Gateway serves the http side of the engine.
type Gateway struct {
	state       *state.State
	tokens      *token.Manager
	callTimeout time.Duration
	version     string
	handler     http.Handler
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		state:       cfg.State,
		tokens:      cfg.Tokens,
		callTimeout: cfg.CallTimeout,
		version:     cfg.Version,
	}
	if g.callTimeout <= 0 {
		g.callTimeout = DefaultCallTimeout
	}

	r := mux.NewRouter()
	// Static routes first; mux matches in registration order, so these
	// win over the {workspace} patterns below.
	r.HandleFunc("/health", makeHandler(g.health)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/services", makeHandler(g.listServices)).Methods(http.MethodGet)
	r.HandleFunc("/{workspace}/services", makeHandler(g.listServices)).Methods(http.MethodGet)
	r.HandleFunc("/{workspace}/services/{service}", makeHandler(g.getService)).Methods(http.MethodGet)
	r.HandleFunc("/{workspace}/services/{service}/{keys}", makeHandler(g.callService)).
		Methods(http.MethodGet, http.MethodPost)
	r.PathPrefix("/{workspace}/app/{name}").HandlerFunc(g.serveApp)

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	g.handler = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// identify resolves the caller from the Authorization header. Absent a
// token the caller is anonymous; admin tokens may assume another subject
// through query overrides.
func (g *Gateway) identify(r *http.Request) (*token.Identity, error) {
	id := token.Anonymous()
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		var err error
		if id, err = g.tokens.Parse(r.Context(), hdr); err != nil {
			return nil, err
		}
	}
	return token.ApplyOverrides(id, r.URL.Query())
}

func (g *Gateway) health(*http.Request) (any, error) {
	return map[string]any{
		"status":        "ok",
		"version":       g.version,
		"plugin_count":  g.state.CountPlugins(),
		"service_count": g.state.CountServices(),
		"user_count":    g.state.CountUsers(),
	}, nil
}

// listServices serves both /services and /{workspace}/services; the
// former lists every service the caller may see.
func (g *Gateway) listServices(r *http.Request) (any, error) {
	id, err := g.identify(r)
	if err != nil {
		return nil, err
	}
	ws := mux.Vars(r)["workspace"]
	if ws == "" {
		ws = "*"
	}
	svcs, err := g.state.ListServices(ws, id)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, serviceSummary(svc, false))
	}
	return out, nil
}

func (g *Gateway) getService(r *http.Request) (any, error) {
	id, err := g.identify(r)
	if err != nil {
		return nil, err
	}
	vars := mux.Vars(r)
	svc, err := g.state.GetService(vars["workspace"]+"/"+vars["service"], id)
	if err != nil {
		return nil, err
	}
	return serviceSummary(svc, true), nil
}

// callService resolves a dotted key path inside a service. A callable
// target is invoked with kwargs built from the query string or the
// request body; a plain value is returned as-is.
func (g *Gateway) callService(r *http.Request) (any, error) {
	id, err := g.identify(r)
	if err != nil {
		return nil, err
	}
	vars := mux.Vars(r)
	ws := vars["workspace"]
	svc, err := g.state.GetService(ws+"/"+vars["service"], id)
	if err != nil {
		return nil, err
	}
	target, err := resolveKeys(svc, vars["keys"])
	if err != nil {
		return nil, err
	}
	fn, callable := target.(comm.Callable)
	if !callable {
		if r.Method != http.MethodGet {
			return nil, trace.BadParameter("%q on service %q is not callable", vars["keys"], svc.ID)
		}
		return sanitize(target), nil
	}

	var kwargs map[string]any
	if r.Method == http.MethodGet {
		kwargs = queryKwargs(r.URL.Query())
	} else if kwargs, err = readKwargs(r, codecFor(r)); err != nil {
		return nil, err
	}
	if svc.Config.RequireContext {
		kwargs["context"] = map[string]any{"user": id.ID, "workspace": ws, "from": "http"}
	}
	// Keyword arguments ride in the first positional argument.
	var args []any
	if len(kwargs) > 0 {
		args = []any{kwargs}
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.callTimeout)
	defer cancel()
	// Handlers running in-process read the caller from the context, the
	// same way websocket-delivered calls do.
	ctx = state.WithUser(ctx, id)
	if w, err := g.state.GetWorkspace(ws); err == nil {
		ctx = state.WithWorkspace(ctx, w)
	}
	res, err := fn.Invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	return sanitize(res), nil
}

// resolveKeys walks a dotted path through the service's registered data.
func resolveKeys(svc *state.Service, keys string) (any, error) {
	var cur any = svc.Data
	for _, part := range strings.Split(keys, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, trace.NotFound("service %q has no %q", svc.ID, keys)
		}
		if cur, ok = m[part]; !ok {
			return nil, trace.NotFound("service %q has no %q", svc.ID, keys)
		}
	}
	return cur, nil
}

// serviceSummary renders a service for http consumption. withMembers
// includes the registered data tree, with live callables shown as
// function markers since they cannot cross this boundary.
func serviceSummary(svc *state.Service, withMembers bool) map[string]any {
	ws, name, _ := strings.Cut(svc.ID, "/")
	out := map[string]any{
		"id":        svc.ID,
		"name":      name,
		"type":      svc.Type,
		"workspace": ws,
		"config": map[string]any{
			"visibility":      string(svc.Config.Visibility),
			"require_context": svc.Config.RequireContext,
		},
	}
	if svc.Name != "" {
		out["name"] = svc.Name
	}
	if svc.Provider != nil {
		out["provider"] = svc.Provider.ID
	}
	if withMembers {
		out["members"] = sanitize(svc.Data)
	}
	return out
}

// sanitize strips live callables out of a value tree so that it can be
// serialised.
func sanitize(v any) any {
	switch t := v.(type) {
	case comm.Callable:
		return map[string]any{"type": "function"}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = sanitize(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = sanitize(el)
		}
		return out
	default:
		return t
	}
}
