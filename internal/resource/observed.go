package resource

import "strings"

// ContainerStatus mirrors the daemon's container states.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusRemoving   ContainerStatus = "removing"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
	StatusUnknown    ContainerStatus = "unknown"
)

// ParseContainerStatus maps a daemon status string to a ContainerStatus.
func ParseContainerStatus(s string) ContainerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return StatusCreated
	case "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "restarting":
		return StatusRestarting
	case "removing":
		return StatusRemoving
	case "exited", "stopped":
		return StatusExited
	case "dead":
		return StatusDead
	default:
		return StatusUnknown
	}
}

// Observed is a point-in-time snapshot of what the daemon reports for one
// resource. Container and Image are set only for their kind; networks and
// volumes carry no kind-specific detail beyond the common fields. A refresh
// always produces a new Observed value.
type Observed struct {
	Kind      Kind
	Name      string
	ID        string
	Labels    map[string]string
	Container *ObservedContainer
	Image     *ObservedImage
}

// ObservedContainer holds the configured and runtime fields of a container
// that drift detection and health supervision look at.
type ObservedContainer struct {
	Status   ContainerStatus
	ExitCode int
	// Image is the reference the container was created from.
	Image string
	// ImageID is the content ID of the image the container runs.
	ImageID  string
	Ports    []Port
	Mounts   []Mount
	Env      map[string]string
	Networks []string
	// DaemonHealth is the daemon's own HEALTHCHECK status, if the image
	// defines one.
	DaemonHealth string
}

// Running reports whether the container process is up.
func (c *ObservedContainer) Running() bool {
	return c != nil && (c.Status == StatusRunning || c.Status == StatusRestarting)
}

// ObservedImage lists the references a local image is known by.
type ObservedImage struct {
	Tags    []string
	Digests []string
}

// Matches reports whether the image satisfies the given reference, either by
// pinned digest or by normalised tag.
func (i *ObservedImage) Matches(ref string) bool {
	if i == nil {
		return false
	}
	if digest := ImageDigest(ref); digest != "" {
		for _, d := range i.Digests {
			if ImageDigest(d) == digest {
				return true
			}
		}
		return false
	}
	want := NormalizeImage(ref)
	for _, tag := range i.Tags {
		if NormalizeImage(tag) == want {
			return true
		}
	}
	return false
}

// OwnedBy reports whether the observed resource carries this application's
// ownership labels for the given group.
func (o Observed) OwnedBy(group string) bool {
	return o.Labels[LabelManagedBy] == ManagedByValue && o.Labels[LabelGroup] == group
}

// Managed reports whether the resource was created by this application for
// any group.
func (o Observed) Managed() bool {
	return o.Labels[LabelManagedBy] == ManagedByValue
}

const (
	LabelManagedBy = "localllm-chat.managed-by"
	LabelGroup     = "localllm-chat.group"
	ManagedByValue = "localllm-chat"
)

// OwnerLabels returns the labels stamped on every resource created for group.
func OwnerLabels(group string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelGroup:     group,
	}
}
