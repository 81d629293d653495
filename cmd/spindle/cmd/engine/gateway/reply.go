package gateway

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/spindleworks/spindle/pkg/wire"
)

const (
	contentJSON    = "application/json"
	contentMsgpack = "application/msgpack"
)

// maxBodyBytes bounds a request body read into memory.
const maxBodyBytes = 16 << 20

// codec pairs a Content-Type with its marshalling. Replies go out in the
// format the request came in.
type codec struct {
	contentType string
	marshal     func(any) ([]byte, error)
	unmarshal   func([]byte, any) error
}

var (
	jsonCodec    = codec{contentJSON, json.Marshal, json.Unmarshal}
	msgpackCodec = codec{contentMsgpack, msgpack.Marshal, msgpack.Unmarshal}
)

func codecFor(r *http.Request) codec {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && (mt == contentMsgpack || mt == "application/x-msgpack") {
		return msgpackCodec
	}
	return jsonCodec
}

// handlerFunc is an rpc-flavoured http handler. The returned value is
// serialised with the request's codec; the returned error is mapped onto
// an http status by its wire kind.
type handlerFunc func(r *http.Request) (any, error)

func makeHandler(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := codecFor(r)
		out, err := fn(r)
		if err != nil {
			replyError(r.Context(), w, c, err)
			return
		}
		reply(r.Context(), w, c, http.StatusOK, out)
	}
}

func reply(ctx context.Context, w http.ResponseWriter, c codec, status int, v any) {
	b, err := c.marshal(v)
	if err != nil {
		replyError(ctx, w, c, trace.Wrap(err, "encode response"))
		return
	}
	w.Header().Set("Content-Type", c.contentType)
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		dlog.Debugf(ctx, "write response: %v", err)
	}
}

func replyError(ctx context.Context, w http.ResponseWriter, c codec, err error) {
	kind := wire.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		dlog.Errorf(ctx, "%s %s: %v", kind, statusText(status), err)
	}
	body := map[string]any{"error": trace.UserMessage(err), "kind": kind}
	b, merr := c.marshal(body)
	if merr != nil {
		http.Error(w, trace.UserMessage(err), status)
		return
	}
	w.Header().Set("Content-Type", c.contentType)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func statusText(status int) string {
	return strconv.Itoa(status) + " " + http.StatusText(status)
}

// statusOf maps wire error kinds onto http statuses.
func statusOf(kind string) int {
	switch kind {
	case wire.KindUnauthorized:
		return http.StatusUnauthorized
	case wire.KindForbidden:
		return http.StatusForbidden
	case wire.KindNotFound:
		return http.StatusNotFound
	case wire.KindAlreadyExists:
		return http.StatusConflict
	case wire.KindBadRequest:
		return http.StatusBadRequest
	case wire.KindPluginNotReady:
		return http.StatusServiceUnavailable
	case wire.KindPluginGone:
		return http.StatusBadGateway
	case wire.KindTooManyInFlight:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// overrideParams are consumed by the identity layer and never forwarded
// as kwargs.
var overrideParams = map[string]bool{"user_id": true, "email": true, "roles": true}

// queryKwargs turns the query string into call kwargs. Numeric strings
// become ints when they parse exactly and floats otherwise, matching
// what a JSON body would have carried.
func queryKwargs(q url.Values) map[string]any {
	kwargs := make(map[string]any, len(q))
	for k, vs := range q {
		if overrideParams[k] || len(vs) == 0 {
			continue
		}
		kwargs[k] = coerce(vs[0])
	}
	return kwargs
}

func coerce(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// readKwargs decodes a request body into call kwargs using the request's
// own codec. An empty body means no arguments.
func readKwargs(r *http.Request, c codec) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if len(body) > maxBodyBytes {
		return nil, trace.BadParameter("request body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var kwargs map[string]any
	if err := c.unmarshal(body, &kwargs); err != nil {
		return nil, trace.BadParameter("malformed %s body: %v", c.contentType, err)
	}
	if kwargs == nil {
		// A literal null decodes without error.
		kwargs = map[string]any{}
	}
	return kwargs, nil
}
