package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Smalls1652/localllm-chat/internal/transition"
)

// MultiNotifier sends each transition to several targets at once, so a slow
// Slack retry does not delay the generic webhook.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier drops nil entries from notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, notifier := range notifiers {
		if notifier != nil {
			m.notifiers = append(m.notifiers, notifier)
		}
	}
	return m
}

// Notify implements Notifier. It waits for every target and joins the
// failures, each prefixed with the target's position.
func (m *MultiNotifier) Notify(ctx context.Context, change transition.GroupTransition) error {
	errs := make([]error, len(m.notifiers))
	var wg sync.WaitGroup
	for i, notifier := range m.notifiers {
		wg.Add(1)
		go func(i int, notifier Notifier) {
			defer wg.Done()
			if err := notifier.Notify(ctx, change); err != nil {
				errs[i] = fmt.Errorf("notifier %d: %w", i, err)
			}
		}(i, notifier)
	}
	wg.Wait()
	return errors.Join(errs...)
}
