package plan

import (
	"fmt"
	"sort"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Resolve diffs a validated group against what the daemon reports and returns
// the actions that converge it. Garbage collection of owned but undeclared
// resources comes first, then creation in dependency order.
func Resolve(group resource.Group, observed []resource.Observed) Plan {
	idx := newIndex(observed)
	p := Plan{Group: group.ID}

	p.Conflicts = conflicts(group, idx)
	p.Actions = append(p.Actions, collect(group, idx)...)

	pulled := make(map[string]struct{})
	for _, spec := range byRank(group.Specs) {
		switch spec.Kind {
		case resource.KindNetwork:
			if _, ok := idx.lookup(spec.Kind, spec.Name); !ok {
				p.Actions = append(p.Actions, create(CreateNetwork, spec, "missing"))
			}
		case resource.KindVolume:
			if _, ok := idx.lookup(spec.Kind, spec.Name); !ok {
				p.Actions = append(p.Actions, create(CreateVolume, spec, "missing"))
			}
		case resource.KindImage:
			p.Actions = append(p.Actions, pull(spec.Image.Ref, idx, pulled)...)
		case resource.KindContainer:
			p.Actions = append(p.Actions, containerActions(group.ID, spec, idx)...)
		}
	}

	return p
}

// byRank orders specs by kind rank, keeping declaration order within a rank.
// Container images are pulled at the image rank, ahead of every container.
func byRank(specs []resource.Spec) []resource.Spec {
	out := make([]resource.Spec, 0, len(specs)*2)
	out = append(out, specs...)
	for _, spec := range specs {
		if spec.Kind == resource.KindContainer {
			out = append(out, resource.Spec{
				Kind:  resource.KindImage,
				Name:  spec.Container.Image,
				Image: &resource.ImageParams{Ref: spec.Container.Image},
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind.Rank() < out[j].Kind.Rank()
	})
	return out
}

func pull(ref string, idx index, pulled map[string]struct{}) []Action {
	normalized := resource.NormalizeImage(ref)
	if _, ok := pulled[normalized]; ok {
		return nil
	}
	pulled[normalized] = struct{}{}
	if _, ok := idx.image(ref); ok {
		return nil
	}
	return []Action{{Type: PullImage, Kind: resource.KindImage, Name: ref, Reason: "missing"}}
}

func create(t ActionType, spec resource.Spec, reason string) Action {
	s := spec
	return Action{Type: t, Kind: spec.Kind, Name: spec.Name, Spec: &s, Reason: reason}
}

func containerActions(group string, spec resource.Spec, idx index) []Action {
	obs, ok := idx.lookup(resource.KindContainer, spec.Name)
	if !ok {
		return []Action{
			create(CreateContainer, spec, "missing"),
			{Type: StartContainer, Kind: resource.KindContainer, Name: spec.Name, Reason: "missing"},
		}
	}
	if !obs.OwnedBy(group) {
		return nil
	}

	if drift := containerDrift(spec, obs, idx); len(drift) > 0 {
		reason := "drift: " + driftSummary(drift)
		actions := make([]Action, 0, 4)
		if obs.Container.Running() {
			actions = append(actions, Action{Type: StopContainer, Kind: resource.KindContainer, Name: spec.Name, Reason: reason})
		}
		return append(actions,
			Action{Type: RemoveContainer, Kind: resource.KindContainer, Name: spec.Name, Force: true, Reason: reason},
			create(CreateContainer, spec, reason),
			Action{Type: StartContainer, Kind: resource.KindContainer, Name: spec.Name, Reason: reason},
		)
	}

	if !obs.Container.Running() {
		status := resource.StatusUnknown
		if obs.Container != nil {
			status = obs.Container.Status
		}
		return []Action{{Type: StartContainer, Kind: resource.KindContainer, Name: spec.Name, Reason: fmt.Sprintf("container %s", status)}}
	}
	return nil
}

// conflicts reports declared names held by resources this group does not own.
func conflicts(group resource.Group, idx index) []Conflict {
	var out []Conflict
	for _, spec := range group.Specs {
		if spec.Kind == resource.KindImage {
			continue
		}
		obs, ok := idx.lookup(spec.Kind, spec.Name)
		if !ok || obs.OwnedBy(group.ID) {
			continue
		}
		reason := "name in use by a resource not managed by this application"
		if obs.Managed() {
			reason = fmt.Sprintf("name in use by group %q", obs.Labels[resource.LabelGroup])
		}
		out = append(out, Conflict{Kind: spec.Kind, Name: spec.Name, Reason: reason})
	}
	return out
}

// collect removes resources labelled with this group that are no longer
// declared: containers first, then networks, then volumes.
func collect(group resource.Group, idx index) []Action {
	var actions []Action
	for _, kind := range []resource.Kind{resource.KindContainer, resource.KindNetwork, resource.KindVolume} {
		for _, obs := range idx.owned(kind, group.ID) {
			if _, declared := group.Lookup(kind, obs.Name); declared {
				continue
			}
			actions = append(actions, removal(obs, "undeclared")...)
		}
	}
	return actions
}

func removal(obs resource.Observed, reason string) []Action {
	switch obs.Kind {
	case resource.KindContainer:
		actions := make([]Action, 0, 2)
		if obs.Container.Running() {
			actions = append(actions, Action{Type: StopContainer, Kind: obs.Kind, Name: obs.Name, Reason: reason})
		}
		return append(actions, Action{Type: RemoveContainer, Kind: obs.Kind, Name: obs.Name, Force: true, Reason: reason})
	case resource.KindNetwork:
		return []Action{{Type: RemoveNetwork, Kind: obs.Kind, Name: obs.Name, Reason: reason}}
	case resource.KindVolume:
		return []Action{{Type: RemoveVolume, Kind: obs.Kind, Name: obs.Name, Reason: reason}}
	}
	return nil
}

// Teardown removes the group's containers in reverse declaration order, then
// its networks, then its ephemeral volumes. Undeclared leftovers owned by the
// group follow each kind. Resources the group does not own are left alone.
func Teardown(group resource.Group, observed []resource.Observed) Plan {
	idx := newIndex(observed)
	p := Plan{Group: group.ID}

	for _, kind := range []resource.Kind{resource.KindContainer, resource.KindNetwork, resource.KindVolume} {
		seen := make(map[string]struct{})
		for i := len(group.Specs) - 1; i >= 0; i-- {
			spec := group.Specs[i]
			if spec.Kind != kind {
				continue
			}
			seen[spec.Name] = struct{}{}
			if kind == resource.KindVolume && (spec.Volume == nil || !spec.Volume.Ephemeral) {
				continue
			}
			obs, ok := idx.lookup(kind, spec.Name)
			if !ok || !obs.OwnedBy(group.ID) {
				continue
			}
			p.Actions = append(p.Actions, removal(obs, "teardown")...)
		}
		for _, obs := range idx.owned(kind, group.ID) {
			if _, ok := seen[obs.Name]; ok {
				continue
			}
			if kind == resource.KindVolume {
				continue
			}
			p.Actions = append(p.Actions, removal(obs, "teardown")...)
		}
	}
	return p
}

// PurgeUnowned removes containers and networks that hold a name the group
// declares but carry no ownership labels at all, such as leftovers of an
// install that predates labelling. Containers go first in reverse
// declaration order. Volumes and resources managed by another group are
// never touched.
func PurgeUnowned(group resource.Group, observed []resource.Observed) Plan {
	idx := newIndex(observed)
	p := Plan{Group: group.ID}
	for _, kind := range []resource.Kind{resource.KindContainer, resource.KindNetwork} {
		for i := len(group.Specs) - 1; i >= 0; i-- {
			spec := group.Specs[i]
			if spec.Kind != kind {
				continue
			}
			obs, ok := idx.lookup(kind, spec.Name)
			if !ok || obs.Managed() {
				continue
			}
			p.Actions = append(p.Actions, removal(obs, "unowned")...)
		}
	}
	return p
}
