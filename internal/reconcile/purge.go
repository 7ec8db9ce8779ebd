package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/plan"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Purge removes unlabelled containers and networks squatting on names the
// group declares, one action at a time without retries. It returns the plan
// it applied, stopping at the first failed action.
func Purge(ctx context.Context, client daemon.Client, group resource.Group, stopGrace time.Duration) (plan.Plan, error) {
	observed, err := Observe(ctx, client, group)
	if err != nil {
		return plan.Plan{}, err
	}
	p := plan.PurgeUnowned(group, observed)
	for i, action := range p.Actions {
		if err := execute(ctx, client, stopGrace, group.ID, action); err != nil {
			p.Actions = p.Actions[:i]
			return p, fmt.Errorf("%s: %w", action, err)
		}
	}
	return p, nil
}
