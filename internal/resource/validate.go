package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
)

// ConfigError reports a malformed or unsupported Spec. It is never retried.
type ConfigError struct {
	Group string
	Spec  string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Spec == "" {
		return fmt.Sprintf("group %q: %v", e.Group, e.Err)
	}
	return fmt.Sprintf("group %q: %s: %v", e.Group, e.Spec, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Validate checks the group for malformed specs and unsupported field
// combinations.
func (g Group) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return &ConfigError{Err: errors.New("group id is required")}
	}

	seen := make(map[string]bool)
	networks := make(map[string]bool)
	for _, spec := range g.Specs {
		if spec.Kind == KindNetwork {
			networks[spec.Name] = true
		}
	}

	for i, spec := range g.Specs {
		if strings.TrimSpace(spec.Name) == "" {
			return &ConfigError{Group: g.ID, Spec: fmt.Sprintf("spec %d", i), Err: errors.New("name is required")}
		}
		key := string(spec.Kind) + "/" + spec.Name
		if seen[key] {
			return &ConfigError{Group: g.ID, Spec: key, Err: errors.New("duplicate name")}
		}
		seen[key] = true

		if err := spec.validate(networks); err != nil {
			return &ConfigError{Group: g.ID, Spec: key, Err: err}
		}
	}
	return nil
}

func (s Spec) validate(networks map[string]bool) error {
	blocks := 0
	for _, set := range []bool{s.Image != nil, s.Network != nil, s.Volume != nil, s.Container != nil} {
		if set {
			blocks++
		}
	}
	if blocks != 1 {
		return errors.New("exactly one kind-specific block must be set")
	}

	switch s.Kind {
	case KindImage:
		if s.Image == nil {
			return errors.New("image block missing")
		}
		if !ValidImage(s.Image.Ref) {
			return fmt.Errorf("invalid image reference %q", s.Image.Ref)
		}
	case KindNetwork:
		if s.Network == nil {
			return errors.New("network block missing")
		}
	case KindVolume:
		if s.Volume == nil {
			return errors.New("volume block missing")
		}
	case KindContainer:
		if s.Container == nil {
			return errors.New("container block missing")
		}
		return s.Container.validate(networks)
	default:
		return fmt.Errorf("unsupported kind %q", s.Kind)
	}
	return nil
}

func (c *ContainerParams) validate(networks map[string]bool) error {
	if !ValidImage(c.Image) {
		return fmt.Errorf("invalid image reference %q", c.Image)
	}
	for _, port := range c.Ports {
		if err := validatePort(port); err != nil {
			return err
		}
	}
	targets := make(map[string]bool)
	for _, mount := range c.Mounts {
		switch mount.Type {
		case MountBind, MountVolume:
		default:
			return fmt.Errorf("mount %q: unsupported type %q", mount.Target, mount.Type)
		}
		if mount.Source == "" || mount.Target == "" {
			return errors.New("mount source and target are required")
		}
		if targets[mount.Target] {
			return fmt.Errorf("mount target %q declared twice", mount.Target)
		}
		targets[mount.Target] = true
	}
	for _, name := range c.Networks {
		if !networks[name] {
			return fmt.Errorf("network %q is not declared in the group", name)
		}
	}
	if c.Probe != nil {
		if c.Probe.URL == "" {
			return errors.New("probe url is required")
		}
		lo, hi := c.Probe.StatusRange()
		if lo > hi {
			return fmt.Errorf("probe status range %d-%d is inverted", lo, hi)
		}
	}
	return nil
}

func validatePort(port Port) error {
	proto := port.Protocol
	if proto == "" {
		proto = "tcp"
	}
	switch proto {
	case "tcp", "udp", "sctp":
	default:
		return fmt.Errorf("port %s: unsupported protocol %q", port.ContainerPort, proto)
	}
	if _, err := nat.ParsePort(port.ContainerPort); err != nil || port.ContainerPort == "" {
		return fmt.Errorf("invalid container port %q", port.ContainerPort)
	}
	if port.HostPort != "" {
		if _, err := nat.ParsePort(port.HostPort); err != nil {
			return fmt.Errorf("invalid host port %q", port.HostPort)
		}
	}
	return nil
}
