// Package errs defines the error taxonomy shared by the store, fetch, race
// and bridge packages. It builds on cockroachdb/errors so that a wrapped
// error printed with "%+v" at the top of the call stack keeps the full
// cause chain, which matters once a StorageError has passed through the
// race coordinator and the request bridge before reaching a log line.
package errs

import "github.com/cockroachdb/errors"

// Sentinel errors for the kinds spec'd in the error handling design. Use
// errors.Is against these, not string comparison.
var (
	// ErrTransport marks a network/TLS/timeout failure talking to an
	// upstream. It never fails a race by itself; it only counts down
	// the race's remaining-fetches counter.
	ErrTransport = errors.New("upstream transport error")

	// ErrUpstreamHTTP marks an upstream response with status >= 400.
	// Use NewUpstreamHTTPError to attach the status code.
	ErrUpstreamHTTP = errors.New("upstream http error")

	// ErrStorage marks a local filesystem or object-store failure during
	// temp-file creation, write, or publish. Never added to the negative
	// cache: the problem is local, not the artifact's availability.
	ErrStorage = errors.New("storage error")

	// ErrClientDisconnected marks an aborted race triggered by the client
	// going away before any upstream responded.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrDoubleResume marks an attempt to resume an already-resumed
	// request. This is a programming error and must never be silenced.
	ErrDoubleResume = errors.New("receiver resumed more than once")
)

// UpstreamHTTPError carries the status code an upstream returned alongside
// the ErrUpstreamHTTP sentinel, so callers can both errors.Is against the
// kind and recover the status via errors.As.
type UpstreamHTTPError struct {
	Status int
}

func (e *UpstreamHTTPError) Error() string {
	return errors.Wrapf(ErrUpstreamHTTP, "status %d", e.Status).Error()
}

func (e *UpstreamHTTPError) Is(target error) bool {
	return target == ErrUpstreamHTTP
}

// NewUpstreamHTTPError builds an UpstreamHTTPError for the given status.
func NewUpstreamHTTPError(status int) error {
	return errors.WithStack(&UpstreamHTTPError{Status: status})
}

// Wrap attaches msg to err's cause chain, preserving the original error for
// errors.Is/As. A no-op if err is nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
