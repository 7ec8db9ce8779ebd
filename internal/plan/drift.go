package plan

import (
	"sort"
	"strings"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// DriftDetail describes one configured field of a container that differs
// from its spec.
type DriftDetail struct {
	Field   string
	Missing []string
	Extra   []string
}

func (d DriftDetail) String() string {
	parts := []string{d.Field}
	if len(d.Missing) > 0 {
		parts = append(parts, "want "+strings.Join(d.Missing, ","))
	}
	if len(d.Extra) > 0 {
		parts = append(parts, "got "+strings.Join(d.Extra, ","))
	}
	return strings.Join(parts, " ")
}

// ContainerDrift compares the fields of a running container that a spec
// controls. Image-provided env vars, unbound exposed ports and daemon
// defaults are not part of the comparison.
func ContainerDrift(spec resource.Spec, obs resource.Observed, images []resource.Observed) []DriftDetail {
	return containerDrift(spec, obs, index{images: images})
}

func containerDrift(spec resource.Spec, obs resource.Observed, idx index) []DriftDetail {
	if spec.Container == nil || obs.Container == nil {
		return nil
	}
	want, got := spec.Container, obs.Container
	var drift []DriftDetail

	wantImage := resource.NormalizeImage(want.Image)
	gotImage := resource.NormalizeImage(got.Image)
	if wantImage != gotImage {
		drift = append(drift, DriftDetail{Field: "image", Missing: []string{wantImage}, Extra: []string{gotImage}})
	} else if local, ok := idx.image(want.Image); ok && got.ImageID != "" && local.ID != got.ImageID {
		drift = append(drift, DriftDetail{Field: "image-id", Missing: []string{local.ID}, Extra: []string{got.ImageID}})
	}

	drift = appendDiff(drift, "ports", portKeys(boundPorts(want.Ports)), portKeys(got.Ports))
	drift = appendDiff(drift, "mounts", mountKeys(want.Mounts), mountKeys(got.Mounts))
	// Without declared networks the daemon attaches its default bridge.
	if len(want.Networks) > 0 {
		drift = appendDiff(drift, "networks", want.Networks, got.Networks)
	}

	var envMissing []string
	for _, k := range resource.SortedKeys(want.Env) {
		if v, ok := got.Env[k]; !ok || v != want.Env[k] {
			envMissing = append(envMissing, k)
		}
	}
	if len(envMissing) > 0 {
		drift = append(drift, DriftDetail{Field: "env", Missing: envMissing})
	}

	return drift
}

func driftSummary(drift []DriftDetail) string {
	parts := make([]string, len(drift))
	for i, d := range drift {
		parts[i] = d.Field
	}
	return strings.Join(parts, ",")
}

func appendDiff(drift []DriftDetail, field string, desired, actual []string) []DriftDetail {
	missing, extra := diffNames(desired, actual)
	if len(missing) == 0 && len(extra) == 0 {
		return drift
	}
	return append(drift, DriftDetail{Field: field, Missing: missing, Extra: extra})
}

func diffNames(desired, actual []string) ([]string, []string) {
	if len(desired) == 0 && len(actual) == 0 {
		return nil, nil
	}
	actualSet := make(map[string]struct{}, len(actual))
	for _, name := range actual {
		actualSet[name] = struct{}{}
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, name := range desired {
		desiredSet[name] = struct{}{}
	}
	var missing, extra []string
	for name := range desiredSet {
		if _, ok := actualSet[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range actualSet {
		if _, ok := desiredSet[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// boundPorts drops ports that are only exposed, since the daemon reports
// bindings alone.
func boundPorts(ports []resource.Port) []resource.Port {
	out := make([]resource.Port, 0, len(ports))
	for _, p := range ports {
		if p.HostPort == "" && p.HostIP == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func portKeys(ports []resource.Port) []string {
	keys := make([]string, len(ports))
	for i, p := range ports {
		keys[i] = p.Key()
	}
	return keys
}

func mountKeys(mounts []resource.Mount) []string {
	keys := make([]string, len(mounts))
	for i, m := range mounts {
		keys[i] = m.Key()
	}
	return keys
}
