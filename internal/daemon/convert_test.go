package daemon

import (
	"testing"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func TestObservedFromInspect(t *testing.T) {
	t.Parallel()

	info := dockertypes.ContainerJSON{
		ContainerJSONBase: &dockertypes.ContainerJSONBase{
			ID:    "abc",
			Name:  "/webui",
			Image: "sha256:111",
			State: &dockertypes.ContainerState{
				Status:   "exited",
				ExitCode: 137,
				Health:   &dockertypes.Health{Status: "unhealthy"},
			},
			HostConfig: &container.HostConfig{
				PortBindings: nat.PortMap{
					"8080/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "11690"}},
				},
				Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: "data", Target: "/data"}},
				Binds:  []string{"/srv/cfg:/etc/cfg:ro"},
			},
		},
		Config: &container.Config{
			Image:  "ghcr.io/open-webui/open-webui:latest",
			Env:    []string{"ENV=dev", "PATH=/usr/bin", "EMPTY="},
			Labels: map[string]string{resource.LabelGroup: "g1"},
		},
		NetworkSettings: &dockertypes.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{"b": {}, "a": {}},
		},
	}

	obs := observedFromInspect(info)
	if obs.Name != "webui" || obs.ID != "abc" {
		t.Fatalf("unexpected identity: %s %s", obs.Name, obs.ID)
	}
	c := obs.Container
	if c.Status != resource.StatusExited || c.ExitCode != 137 || c.DaemonHealth != "unhealthy" {
		t.Fatalf("unexpected state: %+v", c)
	}
	if c.ImageID != "sha256:111" || c.Image != "ghcr.io/open-webui/open-webui:latest" {
		t.Fatalf("unexpected image: %s %s", c.Image, c.ImageID)
	}
	if len(c.Ports) != 1 || c.Ports[0].Key() != (resource.Port{HostIP: "127.0.0.1", HostPort: "11690", ContainerPort: "8080", Protocol: "tcp"}).Key() {
		t.Fatalf("unexpected ports: %v", c.Ports)
	}
	if len(c.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %v", c.Mounts)
	}
	var sawBind bool
	for _, m := range c.Mounts {
		if m.Target == "/etc/cfg" {
			sawBind = m.Type == resource.MountBind && m.ReadOnly
		}
	}
	if !sawBind {
		t.Fatalf("expected read-only bind mount from legacy binds: %v", c.Mounts)
	}
	if c.Env["ENV"] != "dev" || c.Env["EMPTY"] != "" {
		t.Fatalf("unexpected env: %v", c.Env)
	}
	if len(c.Networks) != 2 || c.Networks[0] != "a" {
		t.Fatalf("expected sorted networks, got %v", c.Networks)
	}
	if obs.Labels[resource.LabelGroup] != "g1" {
		t.Fatalf("labels not copied: %v", obs.Labels)
	}
}

func TestObservedFromInspect_MissingBase(t *testing.T) {
	t.Parallel()

	obs := observedFromInspect(dockertypes.ContainerJSON{})
	if obs.Container == nil || obs.Container.Status != resource.StatusUnknown {
		t.Fatalf("expected unknown status, got %+v", obs.Container)
	}
}

func TestContainerConfig_InvalidPort(t *testing.T) {
	t.Parallel()

	_, _, _, err := containerConfig("c1", &resource.ContainerParams{
		Image: "nginx",
		Ports: []resource.Port{{ContainerPort: "http"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}
