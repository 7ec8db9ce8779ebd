package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// GroupsFile is the parsed YAML structure for declaring resource groups:
// groups: [{id, networks, volumes, images, containers}]
type GroupsFile struct {
	Groups []GroupEntry `yaml:"groups"`
}

// GroupEntry declares one group. Specs are emitted networks first, then
// volumes, images and containers, each in file order.
type GroupEntry struct {
	ID         string           `yaml:"id"`
	Networks   []NetworkEntry   `yaml:"networks"`
	Volumes    []VolumeEntry    `yaml:"volumes"`
	Images     []ImageEntry     `yaml:"images"`
	Containers []ContainerEntry `yaml:"containers"`
}

type NetworkEntry struct {
	Name     string            `yaml:"name"`
	Driver   string            `yaml:"driver,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
	Internal bool              `yaml:"internal,omitempty"`
}

type VolumeEntry struct {
	Name      string `yaml:"name"`
	Driver    string `yaml:"driver,omitempty"`
	Ephemeral bool   `yaml:"ephemeral,omitempty"`
}

type ImageEntry struct {
	Name string `yaml:"name,omitempty"`
	Ref  string `yaml:"ref"`
}

type ContainerEntry struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Command  []string          `yaml:"command,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
	Ports    []string          `yaml:"ports,omitempty"`
	Mounts   []MountEntry      `yaml:"mounts,omitempty"`
	Networks []string          `yaml:"networks,omitempty"`
	Probe    *ProbeEntry       `yaml:"probe,omitempty"`
}

type MountEntry struct {
	Type     string `yaml:"type,omitempty"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

type ProbeEntry struct {
	URL       string `yaml:"url"`
	StatusMin int    `yaml:"status_min,omitempty"`
	StatusMax int    `yaml:"status_max,omitempty"`
	JSONField string `yaml:"json_field,omitempty"`
}

// LoadGroupsFile parses a YAML groups file from the given path.
// Returns nil if path is empty (no groups file).
func LoadGroupsFile(path string) ([]resource.Group, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups file: %w", err)
	}
	return ParseGroups(data)
}

// ParseGroups converts YAML group declarations into validated groups.
func ParseGroups(data []byte) ([]resource.Group, error) {
	var gf GroupsFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parse groups file: %w", err)
	}
	if len(gf.Groups) == 0 {
		return nil, fmt.Errorf("groups file contains no groups")
	}

	seen := make(map[string]bool)
	groups := make([]resource.Group, 0, len(gf.Groups))
	for i, entry := range gf.Groups {
		if entry.ID == "" {
			return nil, fmt.Errorf("group %d: id is required", i)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("group %q: duplicate id", entry.ID)
		}
		seen[entry.ID] = true

		group, err := entry.toGroup()
		if err != nil {
			return nil, err
		}
		if err := group.Validate(); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (e GroupEntry) toGroup() (resource.Group, error) {
	group := resource.Group{ID: e.ID}
	for _, n := range e.Networks {
		group.Specs = append(group.Specs, resource.Spec{
			Kind: resource.KindNetwork,
			Name: n.Name,
			Network: &resource.NetworkParams{
				Driver:   n.Driver,
				Options:  n.Options,
				Internal: n.Internal,
			},
		})
	}
	for _, v := range e.Volumes {
		group.Specs = append(group.Specs, resource.Spec{
			Kind:   resource.KindVolume,
			Name:   v.Name,
			Volume: &resource.VolumeParams{Driver: v.Driver, Ephemeral: v.Ephemeral},
		})
	}
	for _, img := range e.Images {
		name := img.Name
		if name == "" {
			name = img.Ref
		}
		group.Specs = append(group.Specs, resource.Spec{
			Kind:  resource.KindImage,
			Name:  name,
			Image: &resource.ImageParams{Ref: img.Ref},
		})
	}
	for _, c := range e.Containers {
		params, err := c.toParams()
		if err != nil {
			return resource.Group{}, &resource.ConfigError{Group: e.ID, Spec: "container/" + c.Name, Err: err}
		}
		group.Specs = append(group.Specs, resource.Spec{
			Kind:      resource.KindContainer,
			Name:      c.Name,
			Container: params,
		})
	}
	return group, nil
}

func (c ContainerEntry) toParams() (*resource.ContainerParams, error) {
	params := &resource.ContainerParams{
		Image:    c.Image,
		Command:  c.Command,
		Env:      c.Env,
		Labels:   c.Labels,
		Networks: c.Networks,
	}
	for _, raw := range c.Ports {
		ports, err := ParsePorts(raw)
		if err != nil {
			return nil, err
		}
		params.Ports = append(params.Ports, ports...)
	}
	for _, m := range c.Mounts {
		mountType := resource.MountType(strings.ToLower(m.Type))
		if mountType == "" {
			mountType = resource.MountBind
			if !strings.ContainsAny(m.Source, `/\.`) {
				mountType = resource.MountVolume
			}
		}
		params.Mounts = append(params.Mounts, resource.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if c.Probe != nil {
		params.Probe = &resource.Probe{
			URL:       c.Probe.URL,
			StatusMin: c.Probe.StatusMin,
			StatusMax: c.Probe.StatusMax,
			JSONField: c.Probe.JSONField,
		}
	}
	return params, nil
}

// ParsePorts expands a docker style "[ip:][host:]container[/proto]" spec.
// A spec without a host part exposes the port without publishing it.
func ParsePorts(raw string) ([]resource.Port, error) {
	mappings, err := nat.ParsePortSpec(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", raw, err)
	}
	ports := make([]resource.Port, 0, len(mappings))
	for _, m := range mappings {
		ports = append(ports, resource.Port{
			HostIP:        m.Binding.HostIP,
			HostPort:      m.Binding.HostPort,
			ContainerPort: m.Port.Port(),
			Protocol:      m.Port.Proto(),
		})
	}
	return ports, nil
}
