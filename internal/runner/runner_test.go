package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
	mu      sync.Mutex
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func TestRunner_Run_TriggersRunOnceOnTicks(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 2)}
	runCalls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()

	if !waitForCalls(runCalls, 2, time.Second) {
		t.Fatalf("expected two run calls")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_Run_StopsOnContextCancel(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_Run_RejectsZeroPollInterval(t *testing.T) {
	r := New(zerolog.Nop(), 0)

	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}

func TestRunner_Run_ImmediateFirstRun(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	runCalls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// Should receive immediate first run without any tick
	if !waitForCalls(runCalls, 1, time.Second) {
		t.Fatalf("expected immediate first run")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}
}

func TestRunner_Run_ContinuesOnRecoverableError(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	runCalls := make(chan struct{}, 3)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return Recoverable("ping", errors.New("daemon unreachable"))
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- r.Run(ctx)
	}()

	ticker.ch <- time.Now()
	if !waitForCalls(runCalls, 2, time.Second) {
		t.Fatalf("expected the loop to survive recoverable errors")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error after cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}
}

func TestRunner_Run_StopsOnFatalError(t *testing.T) {
	fatal := errors.New("invalid configuration")
	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return &fakeTicker{ch: make(chan time.Time)}
		}),
		WithRunOnce(func(context.Context) error {
			return fatal
		}),
	)

	if err := r.Run(context.Background()); !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestRunner_Run_WithoutInitialRun(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	runCalls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return nil
		}),
		WithoutInitialRun(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = r.Run(ctx)
	}()

	if waitForCalls(runCalls, 1, 50*time.Millisecond) {
		t.Fatalf("expected no run before the first tick")
	}
	ticker.ch <- time.Now()
	if !waitForCalls(runCalls, 1, time.Second) {
		t.Fatalf("expected a run after the first tick")
	}
}

func TestRunner_Run_LogsRecoveryOnce(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 3)}
	runCalls := make(chan struct{}, 4)
	results := []error{
		Recoverable("ping", errors.New("daemon unreachable")),
		Recoverable("ping", errors.New("daemon unreachable")),
		Recoverable("ping", errors.New("daemon unreachable")),
		nil,
	}
	var mu sync.Mutex
	calls := 0

	var buf bytes.Buffer
	r := New(zerolog.New(&syncWriter{w: &buf}).Level(zerolog.InfoLevel), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			mu.Lock()
			err := results[calls%len(results)]
			calls++
			mu.Unlock()
			runCalls <- struct{}{}
			return err
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
	}
	if !waitForCalls(runCalls, 4, time.Second) {
		t.Fatalf("expected four run calls")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if n := strings.Count(out, "run cycle failed"); n != 1 {
		t.Fatalf("expected one warn line for the failure streak, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, `"failures":3`) || !strings.Contains(out, "run cycle recovered") {
		t.Fatalf("expected recovery line with failure count:\n%s", out)
	}
}

func TestRecoverable(t *testing.T) {
	cause := errors.New("boom")
	err := Recoverable("ping", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause")
	}
	if err.Error() != "ping: boom" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if Recoverable("ping", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if !IsRecoverable(fmt.Errorf("check: %w", err)) || IsRecoverable(cause) {
		t.Fatalf("unexpected IsRecoverable result")
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func waitForCalls(ch <-chan struct{}, count int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < count; i++ {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}
