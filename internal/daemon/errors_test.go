package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/docker/docker/errdefs"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   string
		err  error
		want Kind
	}{
		{name: "deadline", op: "list", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "wrapped deadline", op: "list", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "permission", op: "ping", err: fmt.Errorf("dial: %w", os.ErrPermission), want: KindPermissionDenied},
		{name: "permission message", op: "ping", err: errors.New("Got permission denied while trying to connect"), want: KindPermissionDenied},
		{name: "forbidden", op: "start", err: errdefs.Forbidden(errors.New("nope")), want: KindPermissionDenied},
		{name: "unavailable", op: "list", err: errdefs.Unavailable(errors.New("busy")), want: KindDaemonUnreachable},
		{name: "refused", op: "ping", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: KindDaemonUnreachable},
		{name: "not found", op: "remove-container", err: errdefs.NotFound(errors.New("no such container")), want: KindNotFound},
		{name: "create conflict", op: "create-container", err: errdefs.Conflict(errors.New("name in use")), want: KindAlreadyExists},
		{name: "remove conflict", op: "remove-network", err: errdefs.Conflict(errors.New("has active endpoints")), want: KindConflict},
		{name: "port allocated", op: "start", err: errors.New("Bind for 0.0.0.0:8080 failed: port is already allocated"), want: KindConflict},
		{name: "invalid", op: "create-container", err: errdefs.InvalidParameter(errors.New("bad mount")), want: KindInvalid},
		{name: "system", op: "start", err: errdefs.System(errors.New("boom")), want: KindConflict},
		{name: "eof", op: "events", err: errors.New("unexpected EOF"), want: KindDaemonUnreachable},
		{name: "unknown", op: "start", err: errors.New("something odd"), want: KindConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.op, tt.err); got != tt.want {
				t.Fatalf("classify(%q, %v) = %s, want %s", tt.op, tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapKeepsExistingError(t *testing.T) {
	t.Parallel()

	inner := &Error{Op: "start", Kind: KindTimeout, Name: "c1", Err: context.DeadlineExceeded}
	err := wrap("other", "", "", fmt.Errorf("outer: %w", inner))
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected Timeout, got %s", KindOf(err))
	}
	if wrap("noop", "", "", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	transient := &Error{Op: "ping", Kind: KindDaemonUnreachable, Err: syscall.ECONNREFUSED}
	if !transient.Transient() {
		t.Fatal("expected DaemonUnreachable to be transient")
	}
	if !transient.Missing() {
		t.Fatal("expected refused socket to count as missing")
	}
	if !errors.Is(transient, syscall.ECONNREFUSED) {
		t.Fatal("expected Unwrap to expose the cause")
	}

	midway := &Error{Op: "events", Kind: KindDaemonUnreachable, Err: errors.New("unexpected EOF")}
	if midway.Missing() {
		t.Fatal("expected a dropped stream not to count as missing")
	}

	conflict := &Error{Op: "start", Kind: KindConflict, Name: "c1", Err: errors.New("port in use")}
	if conflict.Transient() {
		t.Fatal("expected Conflict not to be transient")
	}
	if conflict.Error() != "start c1: Conflict: port in use" {
		t.Fatalf("unexpected message: %s", conflict.Error())
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("expected empty kind for foreign error")
	}
}
