package protocol

import "errors"

// Sentinel errors returned by the proxy core and child manager. Callers use
// [errors.Is] to map these onto the application error codes above when
// writing a JSON-RPC error response.
var (
	// ErrToolNotFound is returned when execute/tools-call names a tool this
	// proxy does not know about, or a server that no longer exists.
	ErrToolNotFound = errors.New("protocol: tool not found")

	// ErrServerUnavailable is returned when a child failed to start, crashed
	// and exhausted its single retry, or its circuit breaker is open.
	ErrServerUnavailable = errors.New("protocol: server unavailable")

	// ErrCancelled is returned when a caller observes notifications/cancelled
	// before the in-flight call completes.
	ErrCancelled = errors.New("protocol: cancelled")
)

// ErrorFor maps a sentinel error to its JSON-RPC [Error] representation. Any
// other error is reported as an internal error. In every case the error's
// text is used verbatim as the wire message.
func ErrorFor(err error) *Error {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return &Error{Code: CodeToolNotFound, Message: err.Error()}
	case errors.Is(err, ErrServerUnavailable):
		return &Error{Code: CodeServerUnavailable, Message: err.Error()}
	case errors.Is(err, ErrCancelled):
		return &Error{Code: CodeCancelled, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}
