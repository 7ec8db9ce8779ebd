package reconcile

import (
	"context"
	"errors"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Class is the recovery category of a failure.
type Class string

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = "Transient"
	// ClassConflict failures need the resolver to run again or the user to
	// intervene.
	ClassConflict Class = "Conflict"
	// ClassFatalConfig failures come from a malformed spec and are never
	// retried.
	ClassFatalConfig Class = "FatalConfig"
	// ClassRuntimeMissing means the daemon socket is absent entirely.
	ClassRuntimeMissing Class = "RuntimeMissing"
)

// Classify maps an error to its Class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var cfgErr *resource.ConfigError
	if errors.As(err, &cfgErr) {
		return ClassFatalConfig
	}

	var de *daemon.Error
	if errors.As(err, &de) {
		if de.Missing() {
			return ClassRuntimeMissing
		}
		switch de.Kind {
		case daemon.KindDaemonUnreachable, daemon.KindTimeout:
			return ClassTransient
		case daemon.KindInvalid:
			return ClassFatalConfig
		default:
			return ClassConflict
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassConflict
}

func retryable(class Class) bool {
	return class == ClassTransient || class == ClassRuntimeMissing
}
