package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Service labels that attach an HTTP probe to the container.
const (
	LabelProbeURL       = "localllm-chat.probe.url"
	LabelProbeJSONField = "localllm-chat.probe.json-field"
	LabelProbeStatusMax = "localllm-chat.probe.status-max"
)

const defaultNetworkKey = "default"

// ParseGroup loads compose content into a resource group named id. The
// project name is the group id so networks and volumes get compose's usual
// "<project>_<key>" names; containers are named "<project>-<service>" unless
// container_name is set.
func ParseGroup(ctx context.Context, id string, body []byte, workingDir string) (resource.Group, error) {
	if len(body) == 0 {
		return resource.Group{}, errors.New("compose body is empty")
	}
	if workingDir == "" {
		workingDir = "."
	}

	details := types.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName(id, true)
	})
	if err != nil {
		return resource.Group{}, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return resource.Group{}, errors.New("compose has no services")
	}

	b := &groupBuilder{
		project:  project,
		group:    resource.Group{ID: id},
		networks: make(map[string]string),
		volumes:  make(map[string]string),
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	containers := make([]resource.Spec, 0, len(names))
	for _, name := range names {
		spec, err := b.container(name, project.Services[name])
		if err != nil {
			return resource.Group{}, &resource.ConfigError{Group: id, Spec: "service/" + name, Err: err}
		}
		containers = append(containers, spec)
	}
	b.group.Specs = append(b.group.Specs, containers...)

	if err := b.group.Validate(); err != nil {
		return resource.Group{}, err
	}
	return b.group, nil
}

type groupBuilder struct {
	project *types.Project
	group   resource.Group
	// compose key -> runtime name, for entries already emitted
	networks map[string]string
	volumes  map[string]string
}

func (b *groupBuilder) container(name string, service types.ServiceConfig) (resource.Spec, error) {
	if service.Image == "" {
		return resource.Spec{}, fmt.Errorf("service %q missing image", name)
	}

	containerName := service.ContainerName
	if containerName == "" {
		containerName = b.project.Name + "-" + name
	}

	params := &resource.ContainerParams{
		Image:   service.Image,
		Command: []string(service.Command),
	}

	if len(service.Environment) > 0 {
		params.Env = make(map[string]string, len(service.Environment))
		for key, value := range service.Environment {
			if value == nil {
				continue
			}
			params.Env[key] = *value
		}
	}

	probeLabels := make(map[string]string)
	for key, value := range service.Labels {
		if strings.HasPrefix(key, "localllm-chat.probe.") {
			probeLabels[key] = value
			continue
		}
		if params.Labels == nil {
			params.Labels = make(map[string]string)
		}
		params.Labels[key] = value
	}
	probe, err := probeFromLabels(probeLabels)
	if err != nil {
		return resource.Spec{}, err
	}
	params.Probe = probe

	for _, port := range service.Ports {
		params.Ports = append(params.Ports, resource.Port{
			HostIP:        port.HostIP,
			HostPort:      port.Published,
			ContainerPort: strconv.FormatUint(uint64(port.Target), 10),
			Protocol:      port.Protocol,
		})
	}
	for _, exposed := range service.Expose {
		port, proto, _ := strings.Cut(exposed, "/")
		params.Ports = append(params.Ports, resource.Port{ContainerPort: port, Protocol: proto})
	}

	for _, vol := range service.Volumes {
		mount, err := b.mount(vol)
		if err != nil {
			return resource.Spec{}, err
		}
		params.Mounts = append(params.Mounts, mount)
	}

	keys := make([]string, 0, len(service.Networks))
	for key := range service.Networks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		runtimeName, err := b.network(key)
		if err != nil {
			return resource.Spec{}, err
		}
		params.Networks = append(params.Networks, runtimeName)
	}

	return resource.Spec{
		Kind:      resource.KindContainer,
		Name:      containerName,
		Container: params,
	}, nil
}

func (b *groupBuilder) network(key string) (string, error) {
	if name, ok := b.networks[key]; ok {
		return name, nil
	}
	cfg, ok := b.project.Networks[key]
	if !ok && key != defaultNetworkKey {
		return "", fmt.Errorf("undefined network %q", key)
	}
	name := cfg.Name
	if name == "" {
		name = b.project.Name + "_" + key
	}
	b.networks[key] = name
	b.group.Specs = append(b.group.Specs, resource.Spec{
		Kind: resource.KindNetwork,
		Name: name,
		Network: &resource.NetworkParams{
			Driver:   cfg.Driver,
			Options:  cfg.DriverOpts,
			Internal: cfg.Internal,
		},
	})
	return name, nil
}

func (b *groupBuilder) mount(vol types.ServiceVolumeConfig) (resource.Mount, error) {
	switch vol.Type {
	case types.VolumeTypeBind:
		return resource.Mount{Type: resource.MountBind, Source: vol.Source, Target: vol.Target, ReadOnly: vol.ReadOnly}, nil
	case types.VolumeTypeVolume:
		if vol.Source == "" {
			return resource.Mount{}, fmt.Errorf("anonymous volume at %q is not supported", vol.Target)
		}
		name, ok := b.volumes[vol.Source]
		if !ok {
			cfg, declared := b.project.Volumes[vol.Source]
			if !declared {
				return resource.Mount{}, fmt.Errorf("undefined volume %q", vol.Source)
			}
			name = cfg.Name
			if name == "" {
				name = b.project.Name + "_" + vol.Source
			}
			b.volumes[vol.Source] = name
			b.group.Specs = append(b.group.Specs, resource.Spec{
				Kind:   resource.KindVolume,
				Name:   name,
				Volume: &resource.VolumeParams{Driver: cfg.Driver},
			})
		}
		return resource.Mount{Type: resource.MountVolume, Source: name, Target: vol.Target, ReadOnly: vol.ReadOnly}, nil
	default:
		return resource.Mount{}, fmt.Errorf("volume type %q is not supported", vol.Type)
	}
}

func probeFromLabels(labels map[string]string) (*resource.Probe, error) {
	url := labels[LabelProbeURL]
	if url == "" {
		if len(labels) > 0 {
			return nil, fmt.Errorf("label %s is required for probe labels", LabelProbeURL)
		}
		return nil, nil
	}
	probe := &resource.Probe{URL: url, JSONField: labels[LabelProbeJSONField]}
	if raw, ok := labels[LabelProbeStatusMax]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", LabelProbeStatusMax, err)
		}
		probe.StatusMax = n
	}
	return probe, nil
}
