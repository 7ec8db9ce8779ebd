package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/transition"
)

// Notifier delivers group transitions to external systems.
type Notifier interface {
	Notify(ctx context.Context, change transition.GroupTransition) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, change transition.GroupTransition) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, change transition.GroupTransition) error {
	return f(ctx, change)
}

// NewNoop returns a notifier that drops every transition. reason is logged
// once so the operator can see why nothing is sent.
func NewNoop(logger zerolog.Logger, reason string) Notifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return NotifierFunc(func(context.Context, transition.GroupTransition) error { return nil })
}
