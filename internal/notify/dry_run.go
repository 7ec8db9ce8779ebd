package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/transition"
)

// DryRunNotifier logs transitions without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, change transition.GroupTransition) error {
	event := n.logger.Info().
		Str("group", change.Group).
		Str("severity", string(change.Severity)).
		Str("previous_state", string(change.PreviousState)).
		Str("current_state", string(change.CurrentState)).
		Str("previous_health", string(change.PreviousHealth)).
		Str("current_health", string(change.CurrentHealth)).
		Int("containers", len(change.Containers))
	if change.Error != nil {
		event = event.Str("error", change.Error.Message)
	}
	event.Msg("[DRY-RUN] Would notify")
	return nil
}
