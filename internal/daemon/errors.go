package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Kind classifies a Runtime Client failure.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindAlreadyExists     Kind = "AlreadyExists"
	KindConflict          Kind = "Conflict"
	KindDaemonUnreachable Kind = "DaemonUnreachable"
	KindPermissionDenied  Kind = "PermissionDenied"
	KindTimeout           Kind = "Timeout"
	// KindInvalid means the daemon rejected the request as malformed.
	KindInvalid Kind = "Invalid"
)

// Error is returned by every Client operation.
type Error struct {
	Op       string
	Kind     Kind
	Resource resource.Kind
	Name     string
	Err      error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindDaemonUnreachable || e.Kind == KindTimeout
}

// Missing reports whether the daemon could not be reached at all, as opposed
// to a call that failed midway.
func (e *Error) Missing() bool {
	if e.Kind != KindDaemonUnreachable {
		return false
	}
	return client.IsErrConnectionFailed(e.Err) ||
		errors.Is(e.Err, syscall.ENOENT) ||
		errors.Is(e.Err, syscall.ECONNREFUSED) ||
		errors.Is(e.Err, os.ErrNotExist)
}

// KindOf extracts the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func wrap(op string, res resource.Kind, name string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Kind: classify(op, err), Resource: res, Name: name, Err: err}
}

func classify(op string, err error) Kind {
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errdefs.IsDeadline(err) || isNetTimeout(err):
		return KindTimeout
	case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) ||
		errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err) ||
		strings.Contains(msg, "permission denied"):
		return KindPermissionDenied
	case client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err):
		return KindDaemonUnreachable
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsConflict(err):
		if strings.HasPrefix(op, "create") {
			return KindAlreadyExists
		}
		return KindConflict
	case strings.Contains(msg, "port is already allocated") || strings.Contains(msg, "address already in use"):
		return KindConflict
	case errdefs.IsInvalidParameter(err):
		return KindInvalid
	case errdefs.IsSystem(err) || errdefs.IsUnknown(err):
		return KindConflict
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindDaemonUnreachable
	}
	if strings.Contains(msg, "eof") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "cannot connect to the docker daemon") {
		return KindDaemonUnreachable
	}
	return KindConflict
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
