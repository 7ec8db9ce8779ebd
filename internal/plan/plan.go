// Package plan computes the ordered actions that converge the daemon to a
// resource group's declared state. Every function here is pure: the same
// group and observation always yield the same Plan.
package plan

import (
	"sort"
	"strings"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// ActionType names a single daemon mutation.
type ActionType string

const (
	PullImage       ActionType = "pull-image"
	CreateNetwork   ActionType = "create-network"
	CreateVolume    ActionType = "create-volume"
	CreateContainer ActionType = "create-container"
	StartContainer  ActionType = "start-container"
	StopContainer   ActionType = "stop-container"
	RemoveContainer ActionType = "remove-container"
	RemoveNetwork   ActionType = "remove-network"
	RemoveVolume    ActionType = "remove-volume"
)

// Action is one step of a Plan.
type Action struct {
	Type ActionType
	Kind resource.Kind
	// Name is the resource name, or the image reference for pull-image.
	Name string
	// Spec is set for create actions.
	Spec *resource.Spec
	// Force removes a container even when it is still running.
	Force  bool
	Reason string
}

// String renders the action as "create-network n1".
func (a Action) String() string {
	return string(a.Type) + " " + a.Name
}

// Conflict is a declared name already taken by a resource this group does
// not own.
type Conflict struct {
	Kind   resource.Kind
	Name   string
	Reason string
}

func (c Conflict) String() string {
	return string(c.Kind) + " " + c.Name + ": " + c.Reason
}

// Plan is the ordered list of actions for one group. A plan with conflicts
// must not be applied.
type Plan struct {
	Group     string
	Actions   []Action
	Conflicts []Conflict
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Actions) == 0 && len(p.Conflicts) == 0
}

// Steps renders every action with String.
func (p Plan) Steps() []string {
	out := make([]string, len(p.Actions))
	for i, action := range p.Actions {
		out[i] = action.String()
	}
	return out
}

// ConflictSummary joins conflicts into one message.
func (p Plan) ConflictSummary() string {
	parts := make([]string, len(p.Conflicts))
	for i, c := range p.Conflicts {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// Restart returns the plan that bounces one container of the group.
func Restart(group resource.Group, name string) Plan {
	return Plan{
		Group: group.ID,
		Actions: []Action{
			{Type: StopContainer, Kind: resource.KindContainer, Name: name, Reason: "restart"},
			{Type: StartContainer, Kind: resource.KindContainer, Name: name, Reason: "restart"},
		},
	}
}

// index groups observed resources by kind and name. Images are kept apart
// since they are matched by reference rather than by name.
type index struct {
	byKey  map[resource.Kind]map[string]resource.Observed
	images []resource.Observed
}

func newIndex(observed []resource.Observed) index {
	idx := index{byKey: make(map[resource.Kind]map[string]resource.Observed)}
	for _, obs := range observed {
		if obs.Kind == resource.KindImage {
			idx.images = append(idx.images, obs)
			continue
		}
		if idx.byKey[obs.Kind] == nil {
			idx.byKey[obs.Kind] = make(map[string]resource.Observed)
		}
		idx.byKey[obs.Kind][obs.Name] = obs
	}
	return idx
}

func (idx index) lookup(kind resource.Kind, name string) (resource.Observed, bool) {
	obs, ok := idx.byKey[kind][name]
	return obs, ok
}

// image returns the local image satisfying ref.
func (idx index) image(ref string) (resource.Observed, bool) {
	for _, img := range idx.images {
		if img.Image.Matches(ref) {
			return img, true
		}
	}
	return resource.Observed{}, false
}

// owned returns the observed resources of kind carrying the group's labels,
// sorted by name.
func (idx index) owned(kind resource.Kind, group string) []resource.Observed {
	names := make([]string, 0, len(idx.byKey[kind]))
	for name, obs := range idx.byKey[kind] {
		if obs.OwnedBy(group) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]resource.Observed, 0, len(names))
	for _, name := range names {
		out = append(out, idx.byKey[kind][name])
	}
	return out
}
