package daemon

import (
	"context"
	"io"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Selector scopes a listing. The result is the union of resources carrying
// all of Labels and resources whose name is exactly one of Names. An empty
// selector lists everything of the kind.
type Selector struct {
	Labels map[string]string
	Names  []string
}

// Event is a daemon notification about a managed resource.
type Event struct {
	Kind   resource.Kind
	Name   string
	ID     string
	Action string
	Group  string
	Time   time.Time
}

// Stopped reports whether the event means a container left the running state.
func (e Event) Stopped() bool {
	if e.Kind != resource.KindContainer {
		return false
	}
	switch e.Action {
	case "die", "stop", "kill", "oom", "destroy", "pause":
		return true
	}
	return false
}

// LogOptions selects which container output Logs returns.
type LogOptions struct {
	Follow     bool
	Tail       string
	Timestamps bool
}

// Client defines the Runtime Client contract used by every other component.
// Implementations impose a timeout on every call; all errors are *Error.
type Client interface {
	// Ping validates connectivity to the Docker daemon.
	Ping(ctx context.Context) error

	// ListResources returns observed resources of a kind matching sel.
	ListResources(ctx context.Context, kind resource.Kind, sel Selector) ([]resource.Observed, error)

	// Inspect returns the observed state of one resource by name.
	Inspect(ctx context.Context, kind resource.Kind, name string) (resource.Observed, error)

	// Create creates a network, volume or container from spec, stamping labels
	// on it. Images are created with PullImage.
	Create(ctx context.Context, spec resource.Spec, labels map[string]string) error

	// Start starts a created or stopped container.
	Start(ctx context.Context, name string) error

	// Stop stops a container, killing it after timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error

	// Remove deletes a container, network or volume.
	Remove(ctx context.Context, kind resource.Kind, name string, force bool) error

	// PullImage pulls an image reference and waits for completion.
	PullImage(ctx context.Context, ref string) error

	// StreamEvents subscribes to daemon events for managed resources. Both
	// channels are closed when ctx is canceled or the stream fails.
	StreamEvents(ctx context.Context) (<-chan Event, <-chan error)

	// Logs returns demultiplexed container output.
	Logs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error)

	// Close releases resources associated with the client.
	Close() error
}
