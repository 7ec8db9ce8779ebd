package reconcile

import (
	"context"
	"fmt"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

var observedKinds = []resource.Kind{resource.KindNetwork, resource.KindVolume, resource.KindContainer}

// Observe lists everything the resolver needs for a group: resources carrying
// the group's labels, resources whose names the group declares, and the
// local images satisfying its references.
func Observe(ctx context.Context, client daemon.Client, group resource.Group) ([]resource.Observed, error) {
	var out []resource.Observed
	for _, kind := range observedKinds {
		items, err := client.ListResources(ctx, kind, selectorFor(group, kind))
		if err != nil {
			return nil, fmt.Errorf("observe %ss: %w", kind, err)
		}
		out = append(out, items...)
	}

	refs := group.ImageRefs()
	if len(refs) == 0 {
		return out, nil
	}
	images, err := client.ListResources(ctx, resource.KindImage, daemon.Selector{Names: refs})
	if err != nil {
		return nil, fmt.Errorf("observe images: %w", err)
	}
	return append(out, images...), nil
}

func selectorFor(group resource.Group, kind resource.Kind) daemon.Selector {
	sel := daemon.Selector{Labels: resource.OwnerLabels(group.ID)}
	for _, spec := range group.Specs {
		if spec.Kind == kind {
			sel.Names = append(sel.Names, spec.Name)
		}
	}
	return sel
}
