package resource

import (
	"sort"
	"strconv"
)

// Kind identifies the type of runtime resource a Spec or Observed describes.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindVolume    Kind = "volume"
	KindImage     Kind = "image"
	KindContainer Kind = "container"
)

// Rank orders kinds by dependency: resources of a lower rank must exist before
// resources of a higher rank can be created.
func (k Kind) Rank() int {
	switch k {
	case KindNetwork, KindVolume:
		return 0
	case KindImage:
		return 1
	case KindContainer:
		return 2
	default:
		return 3
	}
}

// Spec is the immutable declarative description of one managed resource.
// Exactly one of the kind-specific blocks is set, matching Kind. Specs are
// replaced wholesale on reconfiguration and never mutated in place.
type Spec struct {
	Kind      Kind
	Name      string
	Image     *ImageParams
	Network   *NetworkParams
	Volume    *VolumeParams
	Container *ContainerParams
}

// ImageParams describes an image that must be present locally.
type ImageParams struct {
	Ref string
}

// NetworkParams describes a user-defined network.
type NetworkParams struct {
	Driver   string
	Options  map[string]string
	Internal bool
}

// VolumeParams describes a named volume. Ephemeral volumes are removed on
// teardown; all others survive it so user data is kept.
type VolumeParams struct {
	Driver    string
	Ephemeral bool
}

// ContainerParams describes a container and how it is wired to the rest of
// the group.
type ContainerParams struct {
	Image    string
	Command  []string
	Env      map[string]string
	Labels   map[string]string
	Ports    []Port
	Mounts   []Mount
	Networks []string
	Probe    *Probe
}

// Port binds a container port to the host.
type Port struct {
	HostIP        string
	HostPort      string
	ContainerPort string
	Protocol      string
}

// Key renders the binding in a canonical form used for comparisons.
func (p Port) Key() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	hostIP := p.HostIP
	if hostIP == "0.0.0.0" {
		hostIP = ""
	}
	return hostIP + ":" + p.HostPort + "->" + p.ContainerPort + "/" + proto
}

// MountType selects how a Mount source is resolved.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
)

// Mount attaches a host path or named volume into a container.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// Key renders the mount in a canonical form used for comparisons.
func (m Mount) Key() string {
	return string(m.Type) + ":" + m.Source + ":" + m.Target + ":" + strconv.FormatBool(m.ReadOnly)
}

// Probe describes an HTTP liveness check for a container.
type Probe struct {
	// URL is fetched with GET on every probe interval.
	URL string
	// StatusMin and StatusMax bound the accepted response codes, inclusive.
	// Zero values default to 200..399.
	StatusMin int
	StatusMax int
	// JSONField, when set, names a top-level boolean in the JSON response
	// body that must be true.
	JSONField string
}

// StatusRange returns the accepted inclusive status code range.
func (p Probe) StatusRange() (int, int) {
	lo, hi := p.StatusMin, p.StatusMax
	if lo == 0 {
		lo = 200
	}
	if hi == 0 {
		hi = 399
	}
	return lo, hi
}

// Group is the set of resources belonging to one logical service that the
// application manages together. Spec order is the declaration order.
type Group struct {
	ID    string
	Specs []Spec
}

// Containers returns the container specs of the group in declaration order.
func (g Group) Containers() []Spec {
	out := make([]Spec, 0, len(g.Specs))
	for _, spec := range g.Specs {
		if spec.Kind == KindContainer {
			out = append(out, spec)
		}
	}
	return out
}

// Lookup returns the spec of the given kind and name.
func (g Group) Lookup(kind Kind, name string) (Spec, bool) {
	for _, spec := range g.Specs {
		if spec.Kind == kind && spec.Name == name {
			return spec, true
		}
	}
	return Spec{}, false
}

// ImageRefs returns the normalised image references required by the group:
// declared image specs plus every container image, deduplicated, in first
// declaration order.
func (g Group) ImageRefs() []string {
	seen := make(map[string]struct{})
	refs := make([]string, 0)
	add := func(ref string) {
		normalized := NormalizeImage(ref)
		if normalized == "" {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		refs = append(refs, ref)
	}
	for _, spec := range g.Specs {
		switch spec.Kind {
		case KindImage:
			add(spec.Image.Ref)
		case KindContainer:
			add(spec.Container.Image)
		}
	}
	return refs
}

// SortedKeys returns map keys in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
