package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/state"
	"github.com/Smalls1652/localllm-chat/internal/transition"
)

// Recorder counts notification outcomes.
type Recorder interface {
	RecordNotification(ok bool)
}

// Dispatcher turns stable group snapshots into notifications. The baseline
// for a group only advances once a transition was delivered, so a failed
// delivery is retried against the next snapshot.
type Dispatcher struct {
	notifier Notifier
	logger   zerolog.Logger
	recorder Recorder
	store    state.Store
	baseline map[string]events.Snapshot
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRecorder records delivery outcomes.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithStore persists the per-group baseline across restarts.
func WithStore(store state.Store) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// NewDispatcher returns a dispatcher delivering through notifier.
func NewDispatcher(notifier Notifier, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		baseline: make(map[string]events.Snapshot),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes sub until ctx is done or the subscription is closed. The
// subscription is closed on return.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()

	if d.store != nil {
		saved, err := d.store.Load(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("load notification state")
		}
		for group, snap := range saved.Groups {
			d.baseline[group] = snap
		}
	}

	for {
		snaps, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, snap := range snaps {
			d.handle(ctx, snap)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, snap events.Snapshot) {
	if !transition.Stable(snap) {
		return
	}

	var prev *events.Snapshot
	if last, ok := d.baseline[snap.Group]; ok {
		prev = &last
	}

	change, ok := transition.Detect(prev, snap)
	if !ok {
		d.baseline[snap.Group] = snap
		return
	}

	if err := d.notifier.Notify(ctx, change); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.record(false)
		d.logger.Warn().
			Err(err).
			Str("group", snap.Group).
			Str("severity", string(change.Severity)).
			Msg("notification failed")
		return
	}

	d.record(true)
	d.baseline[snap.Group] = snap
	d.persist(ctx)
	d.logger.Info().
		Str("group", snap.Group).
		Str("severity", string(change.Severity)).
		Str("state", string(snap.State)).
		Str("health", string(snap.Health)).
		Msg("group transition notified")
}

func (d *Dispatcher) record(ok bool) {
	if d.recorder != nil {
		d.recorder.RecordNotification(ok)
	}
}

func (d *Dispatcher) persist(ctx context.Context) {
	if d.store == nil {
		return
	}
	groups := make(map[string]events.Snapshot, len(d.baseline))
	for group, snap := range d.baseline {
		groups[group] = snap
	}
	if err := d.store.Save(ctx, state.State{Version: state.SchemaVersion, Groups: groups}); err != nil {
		d.logger.Warn().Err(err).Msg("save notification state")
	}
}
