// Package state persists what the notifier last reported per group so a
// restart does not repeat alerts that were already delivered.
package state

import (
	"context"

	"github.com/Smalls1652/localllm-chat/internal/events"
)

// SchemaVersion is written with every saved state. Files with another
// version are ignored on load.
const SchemaVersion = 1

// State holds the last notified snapshot of each group.
type State struct {
	Version int                        `json:"version"`
	Groups  map[string]events.Snapshot `json:"groups"`
}

// Empty returns a state with no groups at the current schema version.
func Empty() State {
	return State{Version: SchemaVersion, Groups: map[string]events.Snapshot{}}
}

// Store loads and saves notification state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
