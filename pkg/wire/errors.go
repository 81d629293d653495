package wire

import (
	"errors"

	"github.com/gravitational/trace"
)

// Error kinds exposed to callers. RPC errors cross process boundaries as
// kind plus message; stack frames never leave the process.
const (
	KindUnauthorized    = "Unauthorized"
	KindForbidden       = "Forbidden"
	KindNotFound        = "NotFound"
	KindAlreadyExists   = "AlreadyExists"
	KindPluginNotReady  = "PluginNotReady"
	KindPluginGone      = "PluginGone"
	KindInstallFailed   = "InstallFailed"
	KindLaunchFailed    = "LaunchFailed"
	KindWorkerCrashed   = "WorkerCrashed"
	KindBadRequest      = "BadRequest"
	KindInternalError   = "InternalError"
	KindTooManyInFlight = "TooManyInFlight"
)

// Kinder is implemented by errors that know their wire kind.
type Kinder interface {
	WireKind() string
}

// RemoteError is an error decoded from a peer's error envelope.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" || e.Kind == KindInternalError {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *RemoteError) WireKind() string {
	if e.Kind == "" {
		return KindInternalError
	}
	return e.Kind
}

type kindedError struct {
	kind string
	err  error
}

func (e *kindedError) Error() string    { return e.err.Error() }
func (e *kindedError) Unwrap() error    { return e.err }
func (e *kindedError) WireKind() string { return e.kind }

// WithKind attaches an explicit wire kind to err.
func WithKind(err error, kind string) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// KindOf classifies err into a wire kind. Typed errors that implement
// Kinder win; otherwise the trace error family decides.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.WireKind()
	}
	switch {
	case trace.IsNotFound(err):
		return KindNotFound
	case trace.IsAccessDenied(err):
		return KindForbidden
	case trace.IsAlreadyExists(err):
		return KindAlreadyExists
	case trace.IsBadParameter(err):
		return KindBadRequest
	case trace.IsLimitExceeded(err):
		return KindTooManyInFlight
	default:
		return KindInternalError
	}
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}

// EncodeError builds the wire envelope for err.
func EncodeError(err error) map[string]any {
	return map[string]any{
		TagKey:   TagError,
		ValueKey: trace.UserMessage(err),
		KindKey:  KindOf(err),
	}
}

// DecodeError rebuilds an error from its envelope, preserving the
// original kind.
func DecodeError(env map[string]any) error {
	e := &RemoteError{}
	switch msg := env[ValueKey].(type) {
	case string:
		e.Message = msg
	case []byte:
		e.Message = string(msg)
	}
	if kind, ok := env[KindKey].(string); ok {
		e.Kind = kind
	}
	return e
}
