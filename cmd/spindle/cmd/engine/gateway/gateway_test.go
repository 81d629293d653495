package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/wire"
)

func newTestGateway(t *testing.T) (*Gateway, *state.State, *token.Manager) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	s := state.NewState(ctx, state.Config{})
	tm := token.NewManager(ctx, token.Config{Secret: "gateway-test-secret"})
	g := New(Config{State: s, Tokens: tm, Version: "0.0.0-test"})
	return g, s, tm
}

func addProvider(t *testing.T, s *state.State, workspace, owner, name, id string) *state.Plugin {
	t.Helper()
	w, err := s.GetWorkspace(workspace)
	if trace.IsNotFound(err) {
		w, err = s.RegisterWorkspace(state.WorkspaceConfig{Name: workspace, Owners: []string{owner}})
	}
	require.NoError(t, err)
	p := state.NewPlugin(id, comm.NewPeer(comm.PeerConfig{PluginID: id}))
	p.Name = name
	p.Workspace = w
	p.User = &token.Identity{ID: owner}
	require.Nil(t, s.AddPlugin(p))
	return p
}

func doReq(t *testing.T, g *Gateway, method, target string, hdr map[string]string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	r = r.WithContext(dlog.NewTestContext(t, false))
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, r)
	return rec
}

func bodyJSON(t *testing.T, rec *httptest.ResponseRecorder) any {
	t.Helper()
	var out any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{Name: "calc", Provider: p}))

	rec := doReq(t, g, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := bodyJSON(t, rec).(map[string]any)
	a.Equal("ok", got["status"])
	a.Equal("0.0.0-test", got["version"])
	a.EqualValues(1, got["plugin_count"])
	a.EqualValues(1, got["service_count"])
}

func TestListServicesVisibility(t *testing.T) {
	a := assert.New(t)
	g, s, tm := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "open", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
	}))
	require.NoError(t, s.RegisterService(&state.Service{Name: "members-only", Provider: p}))

	rec := doReq(t, g, http.MethodGet, "/services", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := bodyJSON(t, rec).([]any)
	require.Len(t, list, 1, "anonymous sees public services only")
	a.Equal("lab/open", list[0].(map[string]any)["id"])

	bearer, err := tm.Generate(&token.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)
	rec = doReq(t, g, http.MethodGet, "/lab/services", map[string]string{"Authorization": "Bearer " + bearer}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = bodyJSON(t, rec).([]any)
	a.Len(list, 2)

	rec = doReq(t, g, http.MethodGet, "/nowhere/services", nil, nil)
	a.Equal(http.StatusNotFound, rec.Code)
}

func TestGetServiceIntrospection(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "calc", Type: "functions", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
		Data: map[string]any{
			"add":   comm.Func(func(context.Context, []any) (any, error) { return nil, nil }),
			"meta":  map[string]any{"version": "1.2.0"},
			"label": "calculator",
		},
	}))
	require.NoError(t, s.RegisterService(&state.Service{Name: "hidden", Provider: p}))

	rec := doReq(t, g, http.MethodGet, "/lab/services/calc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := bodyJSON(t, rec).(map[string]any)
	a.Equal("lab/calc", got["id"])
	a.Equal("functions", got["type"])
	a.Equal("lab", got["workspace"])
	a.Equal("plug-1", got["provider"])
	members := got["members"].(map[string]any)
	a.Equal(map[string]any{"type": "function"}, members["add"])
	a.Equal("calculator", members["label"])
	a.Equal("1.2.0", members["meta"].(map[string]any)["version"])

	rec = doReq(t, g, http.MethodGet, "/lab/services/hidden", nil, nil)
	a.Equal(http.StatusForbidden, rec.Code)
	got = bodyJSON(t, rec).(map[string]any)
	a.Equal(wire.KindForbidden, got["kind"])

	rec = doReq(t, g, http.MethodGet, "/lab/services/nope", nil, nil)
	a.Equal(http.StatusNotFound, rec.Code)
}

func TestCallServiceGetCoercesQuery(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	var seen map[string]any
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "calc", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
		Data: map[string]any{
			"add": comm.Func(func(_ context.Context, args []any) (any, error) {
				seen = args[0].(map[string]any)
				return float64(seen["x"].(int)) + seen["y"].(float64), nil
			}),
		},
	}))

	rec := doReq(t, g, http.MethodGet, "/lab/services/calc/add?x=2&y=3.5&name=mean", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.Equal(contentJSON, rec.Header().Get("Content-Type"))
	a.InDelta(5.5, bodyJSON(t, rec), 0.0001)
	a.Equal(2, seen["x"], "integral strings coerce to int")
	a.Equal(3.5, seen["y"], "decimal strings coerce to float")
	a.Equal("mean", seen["name"])
}

func TestCallServicePostBodies(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "calc", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
		Data: map[string]any{
			"double": comm.Func(func(_ context.Context, args []any) (any, error) {
				kw := args[0].(map[string]any)
				return map[string]any{"doubled": wire.AsInt(kw["x"]) * 2}, nil
			}),
		},
	}))

	body, err := json.Marshal(map[string]any{"x": 4})
	require.NoError(t, err)
	rec := doReq(t, g, http.MethodPost, "/lab/services/calc/double",
		map[string]string{"Content-Type": contentJSON}, body)
	require.Equal(t, http.StatusOK, rec.Code)
	a.EqualValues(8, bodyJSON(t, rec).(map[string]any)["doubled"])

	body, err = msgpack.Marshal(map[string]any{"x": 7})
	require.NoError(t, err)
	rec = doReq(t, g, http.MethodPost, "/lab/services/calc/double",
		map[string]string{"Content-Type": contentMsgpack}, body)
	require.Equal(t, http.StatusOK, rec.Code)
	a.Equal(contentMsgpack, rec.Header().Get("Content-Type"), "replies mirror the request format")
	var out map[string]any
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &out))
	a.Equal(14, wire.AsInt(out["doubled"]))

	rec = doReq(t, g, http.MethodPost, "/lab/services/calc/double",
		map[string]string{"Content-Type": contentJSON}, []byte("{not json"))
	a.Equal(http.StatusBadRequest, rec.Code)
}

func TestCallServiceNestedValue(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "info", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
		Data: map[string]any{
			"meta": map[string]any{"build": map[string]any{"version": "2.4.1"}},
		},
	}))

	rec := doReq(t, g, http.MethodGet, "/lab/services/info/meta.build.version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.Equal("2.4.1", bodyJSON(t, rec))

	rec = doReq(t, g, http.MethodPost, "/lab/services/info/meta.build.version", nil, []byte("{}"))
	a.Equal(http.StatusBadRequest, rec.Code, "posting to a plain value is rejected")

	rec = doReq(t, g, http.MethodGet, "/lab/services/info/meta.missing", nil, nil)
	a.Equal(http.StatusNotFound, rec.Code)
}

func TestCallServiceInjectsContext(t *testing.T) {
	a := assert.New(t)
	g, s, tm := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "audited", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic, RequireContext: true},
		Data: map[string]any{
			"whoami": comm.Func(func(_ context.Context, args []any) (any, error) {
				kw := args[0].(map[string]any)
				return kw["context"].(map[string]any)["user"], nil
			}),
		},
	}))

	bearer, err := tm.Generate(&token.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)
	rec := doReq(t, g, http.MethodGet, "/lab/services/audited/whoami",
		map[string]string{"Authorization": "Bearer " + bearer}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.Equal("alice", bodyJSON(t, rec))
}

func TestCallServiceErrorMapping(t *testing.T) {
	a := assert.New(t)
	g, s, _ := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "flaky", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic},
		Data: map[string]any{
			"gone": comm.Func(func(context.Context, []any) (any, error) {
				return nil, comm.GoneError("plug-1")
			}),
			"slow": comm.Func(func(context.Context, []any) (any, error) {
				return nil, comm.NotReadyError("plug-1")
			}),
		},
	}))

	rec := doReq(t, g, http.MethodGet, "/lab/services/flaky/gone", nil, nil)
	a.Equal(http.StatusBadGateway, rec.Code)
	a.Equal(wire.KindPluginGone, bodyJSON(t, rec).(map[string]any)["kind"])

	rec = doReq(t, g, http.MethodGet, "/lab/services/flaky/slow", nil, nil)
	a.Equal(http.StatusServiceUnavailable, rec.Code)
}

func TestAuthHeaderHandling(t *testing.T) {
	a := assert.New(t)
	g, s, tm := newTestGateway(t)
	p := addProvider(t, s, "lab", "alice", "tool", "plug-1")
	require.NoError(t, s.RegisterService(&state.Service{
		Name: "audited", Provider: p,
		Config: state.ServiceConfig{Visibility: state.VisibilityPublic, RequireContext: true},
		Data: map[string]any{
			"whoami": comm.Func(func(_ context.Context, args []any) (any, error) {
				kw := args[0].(map[string]any)
				return kw["context"].(map[string]any)["user"], nil
			}),
		},
	}))

	rec := doReq(t, g, http.MethodGet, "/lab/services/audited/whoami",
		map[string]string{"Authorization": "Bearer #RTC:garbage"}, nil)
	a.Equal(http.StatusUnauthorized, rec.Code)

	admin, err := tm.Generate(&token.Identity{ID: "root-1", Roles: []string{"admin"}}, time.Hour)
	require.NoError(t, err)
	rec = doReq(t, g, http.MethodGet, "/lab/services/audited/whoami?user_id=impersonated",
		map[string]string{"Authorization": "Bearer " + admin}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.Equal("impersonated", bodyJSON(t, rec), "admin overrides take effect")

	user, err := tm.Generate(&token.Identity{ID: "mallory"}, time.Hour)
	require.NoError(t, err)
	rec = doReq(t, g, http.MethodGet, "/lab/services/audited/whoami?user_id=alice",
		map[string]string{"Authorization": "Bearer " + user}, nil)
	a.Equal(http.StatusForbidden, rec.Code, "only admins may simulate users")
}
