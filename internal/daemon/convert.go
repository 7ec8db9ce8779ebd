package daemon

import (
	"fmt"
	"sort"
	"strings"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// containerConfig translates a container spec into the daemon's create
// request. Labels are merged over the spec's own labels.
func containerConfig(name string, params *resource.ContainerParams, labels map[string]string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range params.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, p.ContainerPort)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("container %s: port %s: %w", name, p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		if p.HostPort != "" || p.HostIP != "" {
			bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.HostIP, HostPort: p.HostPort})
		}
	}

	env := make([]string, 0, len(params.Env))
	for _, key := range resource.SortedKeys(params.Env) {
		env = append(env, key+"="+params.Env[key])
	}

	merged := make(map[string]string, len(params.Labels)+len(labels))
	for k, v := range params.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}

	mounts := make([]mount.Mount, 0, len(params.Mounts))
	for _, m := range params.Mounts {
		mountType := mount.TypeBind
		if m.Type == resource.MountVolume {
			mountType = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:        params.Image,
		Env:          env,
		Labels:       merged,
		ExposedPorts: exposed,
	}
	if len(params.Command) > 0 {
		cfg.Cmd = params.Command
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
	}

	var netCfg *network.NetworkingConfig
	if len(params.Networks) > 0 {
		hostCfg.NetworkMode = container.NetworkMode(params.Networks[0])
		endpoints := make(map[string]*network.EndpointSettings, len(params.Networks))
		for _, n := range params.Networks {
			endpoints[n] = &network.EndpointSettings{}
		}
		netCfg = &network.NetworkingConfig{EndpointsConfig: endpoints}
	}

	return cfg, hostCfg, netCfg, nil
}

func observedFromInspect(info dockertypes.ContainerJSON) resource.Observed {
	obs := resource.Observed{Kind: resource.KindContainer}
	details := &resource.ObservedContainer{Status: resource.StatusUnknown}
	obs.Container = details

	if info.ContainerJSONBase != nil {
		obs.ID = info.ID
		obs.Name = strings.TrimPrefix(info.Name, "/")
		details.ImageID = info.Image
		if info.State != nil {
			details.Status = resource.ParseContainerStatus(info.State.Status)
			details.ExitCode = info.State.ExitCode
			if info.State.Health != nil {
				details.DaemonHealth = info.State.Health.Status
			}
		}
		if info.HostConfig != nil {
			details.Ports = portsFromMap(info.HostConfig.PortBindings)
			details.Mounts = mountsFromHostConfig(info.HostConfig)
		}
	}

	if info.Config != nil {
		obs.Labels = copyLabels(info.Config.Labels)
		details.Image = info.Config.Image
		details.Env = parseEnv(info.Config.Env)
	}

	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			details.Networks = append(details.Networks, name)
		}
		sort.Strings(details.Networks)
	}

	return obs
}

func observedFromImage(summary image.Summary) resource.Observed {
	name := summary.ID
	if len(summary.RepoTags) > 0 {
		name = resource.NormalizeImage(summary.RepoTags[0])
	}
	return resource.Observed{
		Kind:   resource.KindImage,
		Name:   name,
		ID:     summary.ID,
		Labels: copyLabels(summary.Labels),
		Image: &resource.ObservedImage{
			Tags:    append([]string(nil), summary.RepoTags...),
			Digests: append([]string(nil), summary.RepoDigests...),
		},
	}
}

func portsFromMap(bindings nat.PortMap) []resource.Port {
	ports := make([]resource.Port, 0, len(bindings))
	for port, hostBindings := range bindings {
		for _, b := range hostBindings {
			ports = append(ports, resource.Port{
				HostIP:        b.HostIP,
				HostPort:      b.HostPort,
				ContainerPort: port.Port(),
				Protocol:      port.Proto(),
			})
		}
	}
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].Key() < ports[j].Key()
	})
	return ports
}

// mountsFromHostConfig reads configured mounts, including legacy
// "src:dst[:ro]" binds written by older versions of the application.
func mountsFromHostConfig(hostCfg *container.HostConfig) []resource.Mount {
	mounts := make([]resource.Mount, 0, len(hostCfg.Mounts)+len(hostCfg.Binds))
	for _, m := range hostCfg.Mounts {
		mountType := resource.MountBind
		if m.Type == mount.TypeVolume {
			mountType = resource.MountVolume
		}
		mounts = append(mounts, resource.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, bind := range hostCfg.Binds {
		parts := strings.Split(bind, ":")
		if len(parts) < 2 {
			continue
		}
		m := resource.Mount{Type: resource.MountBind, Source: parts[0], Target: parts[1]}
		if !strings.HasPrefix(parts[0], "/") {
			m.Type = resource.MountVolume
		}
		if len(parts) > 2 && strings.Contains(parts[2], "ro") {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	sort.Slice(mounts, func(i, j int) bool {
		return mounts[i].Key() < mounts[j].Key()
	})
	return mounts
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		out[key] = value
	}
	return out
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
