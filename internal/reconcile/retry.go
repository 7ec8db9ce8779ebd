package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errAborted is returned when a stop request interrupts a pass.
var errAborted = errors.New("pass aborted")

// retry runs fn until it succeeds, fails with a non-retryable error, or has
// been retried maxRetries times. Backoff waits end early on abort.
func retry(ctx context.Context, abort <-chan struct{}, cfg Config, fn func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !retryable(Classify(err)) || attempts > cfg.MaxRetries {
			return attempts, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return attempts, err
		}
		if waitErr := sleepWithAbort(ctx, abort, wait); waitErr != nil {
			return attempts, waitErr
		}
	}
}

func sleepWithAbort(ctx context.Context, abort <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errAborted
	case <-timer.C:
		return nil
	}
}
