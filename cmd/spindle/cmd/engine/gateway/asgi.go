package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/mux"
	"github.com/gravitational/trace"

	"github.com/spindleworks/spindle/pkg/comm"
	"github.com/spindleworks/spindle/pkg/wire"
)

// serveApp mounts services of type ASGI. Each request is forwarded to
// the provider's serve function as a single {scope, receive, send} call;
// the retained references backing the pair are dropped when that call
// returns.
func (g *Gateway) serveApp(w http.ResponseWriter, r *http.Request) {
	c := codecFor(r)
	id, err := g.identify(r)
	if err != nil {
		replyError(r.Context(), w, c, err)
		return
	}
	vars := mux.Vars(r)
	ws, name := vars["workspace"], vars["name"]
	svc, err := g.state.GetService(ws+"/"+name, id)
	if err != nil {
		replyError(r.Context(), w, c, err)
		return
	}
	if !strings.EqualFold(svc.Type, "ASGI") {
		replyError(r.Context(), w, c, trace.BadParameter("service %q is not an ASGI app", svc.ID))
		return
	}
	serve, ok := svc.Data["serve"].(comm.Callable)
	if !ok {
		replyError(r.Context(), w, c, trace.NotFound("service %q exports no serve function", svc.ID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		replyError(r.Context(), w, c, trace.ConvertSystemError(err))
		return
	}
	if len(body) > maxBodyBytes {
		replyError(r.Context(), w, c, trace.BadParameter("request body exceeds %d bytes", maxBodyBytes))
		return
	}

	mount := "/" + ws + "/app/" + name
	b := &asgiBridge{w: w, body: body}
	ctx, cancel := context.WithTimeout(r.Context(), g.callTimeout)
	defer cancel()
	_, err = serve.Invoke(ctx, []any{
		asgiScope(r, mount),
		comm.Retained{Callable: comm.Func(b.receive)},
		comm.Retained{Callable: comm.Func(b.send)},
	})
	switch {
	case err != nil && !b.wroteHeader():
		replyError(r.Context(), w, c, err)
	case err != nil:
		// Too late for a clean error reply; the status line is out.
		dlog.Errorf(r.Context(), "asgi app %s: %v", svc.ID, err)
	case !b.wroteHeader():
		replyError(r.Context(), w, c, trace.Errorf("asgi app %s completed without a response", svc.ID))
	}
}

// asgiScope renders the request as an asgi http scope. The app sees
// paths relative to its mount; the mount itself travels as root_path.
func asgiScope(r *http.Request, mount string) map[string]any {
	path := strings.TrimPrefix(r.URL.Path, mount)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	var names []string
	for k := range r.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	headers := make([]any, 0, len(names))
	for _, k := range names {
		for _, v := range r.Header[k] {
			headers = append(headers, []any{strings.ToLower(k), v})
		}
	}
	scope := map[string]any{
		"type":         "http",
		"http_version": "1.1",
		"method":       r.Method,
		"scheme":       scheme,
		"path":         path,
		"raw_path":     r.URL.EscapedPath(),
		"root_path":    mount,
		"query_string": r.URL.RawQuery,
		"headers":      headers,
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		p, _ := strconv.Atoi(port)
		scope["client"] = []any{host, p}
	}
	return scope
}

// asgiBridge adapts one http exchange to the receive/send halves of an
// asgi connection. A conforming app awaits every send before issuing the
// next, so events arrive strictly ordered; the mutex only guards against
// a misbehaving one.
type asgiBridge struct {
	w    http.ResponseWriter
	body []byte

	mu       sync.Mutex
	consumed bool
	started  bool
	done     bool
}

// receive yields the request body once; afterwards the connection
// reports disconnect.
func (b *asgiBridge) receive(context.Context, []any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return map[string]any{"type": "http.disconnect"}, nil
	}
	b.consumed = true
	return map[string]any{
		"type":      "http.request",
		"body":      b.body,
		"more_body": false,
	}, nil
}

func (b *asgiBridge) send(_ context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, trace.BadParameter("send expects one event")
	}
	event, ok := args[0].(map[string]any)
	if !ok {
		return nil, trace.BadParameter("send expects a mapping, got %T", args[0])
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch t, _ := event["type"].(string); t {
	case "http.response.start":
		if b.started {
			return nil, trace.BadParameter("response already started")
		}
		b.started = true
		h := b.w.Header()
		for _, kv := range asList(event["headers"]) {
			if pair := asList(kv); len(pair) == 2 {
				h.Add(asString(pair[0]), asString(pair[1]))
			}
		}
		status := wire.AsInt(event["status"])
		if status == 0 {
			status = http.StatusOK
		}
		b.w.WriteHeader(status)
	case "http.response.body":
		if !b.started {
			return nil, trace.BadParameter("http.response.body before http.response.start")
		}
		if b.done {
			return nil, trace.BadParameter("response already completed")
		}
		if body := asBytes(event["body"]); len(body) > 0 {
			if _, err := b.w.Write(body); err != nil {
				return nil, trace.ConvertSystemError(err)
			}
		}
		if more, _ := event["more_body"].(bool); !more {
			b.done = true
			if f, ok := b.w.(http.Flusher); ok {
				f.Flush()
			}
		}
	default:
		return nil, trace.BadParameter("unsupported asgi event type %q", t)
	}
	return nil, nil
}

func (b *asgiBridge) wroteHeader() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func asBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}
