package daemon

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// mockDockerAPI implements dockerAPI for testing.
type mockDockerAPI struct {
	pingFn             func(ctx context.Context) (dockertypes.Ping, error)
	containerListFn    func(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	containerInspectFn func(ctx context.Context, id string) (dockertypes.ContainerJSON, error)
	containerCreateFn  func(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error)
	containerStartFn   func(ctx context.Context, id string) error
	containerStopFn    func(ctx context.Context, id string, options container.StopOptions) error
	containerRemoveFn  func(ctx context.Context, id string, options container.RemoveOptions) error
	containerLogsFn    func(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error)
	imageListFn        func(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	imagePullFn        func(ctx context.Context, ref string) (io.ReadCloser, error)
	networkListFn      func(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	networkCreateFn    func(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	networkRemoveFn    func(ctx context.Context, id string) error
	volumeListFn       func(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	volumeCreateFn     func(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	volumeRemoveFn     func(ctx context.Context, id string, force bool) error
	eventsFn           func(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	closeFn            func() error
}

func (m *mockDockerAPI) Ping(ctx context.Context) (dockertypes.Ping, error) {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return dockertypes.Ping{}, nil
}

func (m *mockDockerAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
	if m.containerListFn != nil {
		return m.containerListFn(ctx, options)
	}
	return nil, nil
}

func (m *mockDockerAPI) ContainerInspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
	if m.containerInspectFn != nil {
		return m.containerInspectFn(ctx, id)
	}
	return dockertypes.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
}

func (m *mockDockerAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if m.containerCreateFn != nil {
		return m.containerCreateFn(ctx, cfg, hostCfg, netCfg, name)
	}
	return container.CreateResponse{ID: name}, nil
}

func (m *mockDockerAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	if m.containerStartFn != nil {
		return m.containerStartFn(ctx, id)
	}
	return nil
}

func (m *mockDockerAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	if m.containerStopFn != nil {
		return m.containerStopFn(ctx, id, options)
	}
	return nil
}

func (m *mockDockerAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	if m.containerRemoveFn != nil {
		return m.containerRemoveFn(ctx, id, options)
	}
	return nil
}

func (m *mockDockerAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	if m.containerLogsFn != nil {
		return m.containerLogsFn(ctx, id, options)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDockerAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	if m.imageListFn != nil {
		return m.imageListFn(ctx, options)
	}
	return nil, nil
}

func (m *mockDockerAPI) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if m.imagePullFn != nil {
		return m.imagePullFn(ctx, ref)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDockerAPI) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	if m.networkListFn != nil {
		return m.networkListFn(ctx, options)
	}
	return nil, nil
}

func (m *mockDockerAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	if m.networkCreateFn != nil {
		return m.networkCreateFn(ctx, name, options)
	}
	return network.CreateResponse{ID: name}, nil
}

func (m *mockDockerAPI) NetworkRemove(ctx context.Context, id string) error {
	if m.networkRemoveFn != nil {
		return m.networkRemoveFn(ctx, id)
	}
	return nil
}

func (m *mockDockerAPI) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	if m.volumeListFn != nil {
		return m.volumeListFn(ctx, options)
	}
	return volume.ListResponse{}, nil
}

func (m *mockDockerAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	if m.volumeCreateFn != nil {
		return m.volumeCreateFn(ctx, options)
	}
	return volume.Volume{Name: options.Name}, nil
}

func (m *mockDockerAPI) VolumeRemove(ctx context.Context, id string, force bool) error {
	if m.volumeRemoveFn != nil {
		return m.volumeRemoveFn(ctx, id, force)
	}
	return nil
}

func (m *mockDockerAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	if m.eventsFn != nil {
		return m.eventsFn(ctx, options)
	}
	return make(chan events.Message), make(chan error)
}

func (m *mockDockerAPI) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

func newTestClient(api dockerAPI) *DockerClient {
	return &DockerClient{api: api, timeout: 5 * time.Second, pullTimeout: 5 * time.Second}
}

func TestDockerClient_Ping_Error(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		pingFn: func(ctx context.Context) (dockertypes.Ping, error) {
			return dockertypes.Ping{}, errors.New("dial unix /var/run/docker.sock: connect: connection refused")
		},
	}

	err := newTestClient(mock).Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsKind(err, KindDaemonUnreachable) {
		t.Fatalf("expected DaemonUnreachable, got %v", err)
	}
}

func TestDockerClient_Ping_Uninitialized(t *testing.T) {
	t.Parallel()

	var client *DockerClient
	if err := client.Ping(context.Background()); !IsKind(err, KindDaemonUnreachable) {
		t.Fatalf("expected DaemonUnreachable, got %v", err)
	}
}

func TestDockerClient_ListContainers_UnionOfLabelsAndNames(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []filters.Args
	mock := &mockDockerAPI{
		containerListFn: func(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
			mu.Lock()
			calls = append(calls, options.Filters)
			mu.Unlock()
			if !options.All {
				t.Error("expected All=true so stopped containers are observed")
			}
			if options.Filters.Contains("label") {
				return []dockertypes.Container{{ID: "id-owned", Names: []string{"/owned"}}}, nil
			}
			// Name filters match by substring.
			return []dockertypes.Container{
				{ID: "id-owned", Names: []string{"/owned"}},
				{ID: "id-web", Names: []string{"/web"}},
				{ID: "id-webui", Names: []string{"/webui"}},
			}, nil
		},
		containerInspectFn: func(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
			name := strings.TrimPrefix(id, "id-")
			return dockertypes.ContainerJSON{
				ContainerJSONBase: &dockertypes.ContainerJSONBase{
					ID:    id,
					Name:  "/" + name,
					State: &dockertypes.ContainerState{Status: "running"},
				},
				Config: &container.Config{Image: "nginx:latest"},
			}, nil
		},
	}

	got, err := newTestClient(mock).ListResources(context.Background(), resource.KindContainer, Selector{
		Labels: resource.OwnerLabels("g1"),
		Names:  []string{"web"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 list calls, got %d", len(calls))
	}

	var names []string
	for _, obs := range got {
		names = append(names, obs.Name)
	}
	if strings.Join(names, ",") != "owned,web" {
		t.Fatalf("unexpected names: %v", names)
	}
	if got[1].Container.Status != resource.StatusRunning {
		t.Fatalf("expected running, got %s", got[1].Container.Status)
	}
}

func TestDockerClient_ListContainers_SkipsRemovedBetweenListAndInspect(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		containerListFn: func(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
			return []dockertypes.Container{{ID: "gone", Names: []string{"/gone"}}}, nil
		},
	}

	got, err := newTestClient(mock).ListResources(context.Background(), resource.KindContainer, Selector{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no containers, got %d", len(got))
	}
}

func TestDockerClient_ListImages_FiltersByReference(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		imageListFn: func(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
			return []image.Summary{
				{ID: "sha256:aaa", RepoTags: []string{"ghcr.io/open-webui/open-webui:latest"}},
				{ID: "sha256:bbb", RepoTags: []string{"apache/tika:latest-full"}},
				{ID: "sha256:ccc", RepoTags: []string{"redis:7"}},
			}, nil
		},
	}

	got, err := newTestClient(mock).ListResources(context.Background(), resource.KindImage, Selector{
		Names: []string{"docker.io/apache/tika:latest-full", "ghcr.io/open-webui/open-webui"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 images, got %d", len(got))
	}
	for _, obs := range got {
		if obs.ID == "sha256:ccc" {
			t.Fatalf("unexpected image %s", obs.Name)
		}
	}
}

func TestDockerClient_CreateContainer_StampsLabelsAndPorts(t *testing.T) {
	t.Parallel()

	var gotCfg *container.Config
	var gotHost *container.HostConfig
	var gotNet *network.NetworkingConfig
	mock := &mockDockerAPI{
		containerCreateFn: func(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error) {
			gotCfg, gotHost, gotNet = cfg, hostCfg, netCfg
			return container.CreateResponse{ID: "abc"}, nil
		},
	}

	spec := resource.Spec{
		Kind: resource.KindContainer,
		Name: "webui",
		Container: &resource.ContainerParams{
			Image:    "ghcr.io/open-webui/open-webui:latest",
			Env:      map[string]string{"WEBUI_AUTH": "false", "ENV": "dev"},
			Ports:    []resource.Port{{HostPort: "11690", ContainerPort: "8080"}},
			Mounts:   []resource.Mount{{Type: resource.MountBind, Source: "/data", Target: "/app/backend/data"}},
			Networks: []string{"frontend", "backend"},
		},
	}

	if err := newTestClient(mock).Create(context.Background(), spec, resource.OwnerLabels("g1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotCfg.Labels[resource.LabelGroup] != "g1" || gotCfg.Labels[resource.LabelManagedBy] != resource.ManagedByValue {
		t.Fatalf("owner labels missing: %v", gotCfg.Labels)
	}
	if strings.Join(gotCfg.Env, ",") != "ENV=dev,WEBUI_AUTH=false" {
		t.Fatalf("unexpected env: %v", gotCfg.Env)
	}
	binding := gotHost.PortBindings[nat.Port("8080/tcp")]
	if len(binding) != 1 || binding[0].HostPort != "11690" {
		t.Fatalf("unexpected port bindings: %v", gotHost.PortBindings)
	}
	if len(gotHost.Mounts) != 1 || gotHost.Mounts[0].Target != "/app/backend/data" {
		t.Fatalf("unexpected mounts: %v", gotHost.Mounts)
	}
	if string(gotHost.NetworkMode) != "frontend" || len(gotNet.EndpointsConfig) != 2 {
		t.Fatalf("unexpected networking: mode=%s endpoints=%v", gotHost.NetworkMode, gotNet.EndpointsConfig)
	}
}

func TestDockerClient_CreateConflictIsAlreadyExists(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		networkCreateFn: func(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
			return network.CreateResponse{}, errdefs.Conflict(errors.New("network with name n1 already exists"))
		},
	}

	err := newTestClient(mock).Create(context.Background(), resource.Spec{
		Kind:    resource.KindNetwork,
		Name:    "n1",
		Network: &resource.NetworkParams{},
	}, nil)
	if !IsKind(err, KindAlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestDockerClient_RemoveMissingIsNotFound(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		volumeRemoveFn: func(ctx context.Context, id string, force bool) error {
			return errdefs.NotFound(errors.New("no such volume"))
		},
	}

	err := newTestClient(mock).Remove(context.Background(), resource.KindVolume, "v1", false)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDockerClient_StopPassesGraceSeconds(t *testing.T) {
	t.Parallel()

	var gotTimeout int
	mock := &mockDockerAPI{
		containerStopFn: func(ctx context.Context, id string, options container.StopOptions) error {
			if options.Timeout != nil {
				gotTimeout = *options.Timeout
			}
			return nil
		},
	}

	if err := newTestClient(mock).Stop(context.Background(), "c1", 7*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTimeout != 7 {
		t.Fatalf("expected 7s grace, got %d", gotTimeout)
	}
}

func TestDockerClient_PullImage_StreamError(t *testing.T) {
	t.Parallel()

	stream := `{"status":"Pulling from library/nope"}
{"errorDetail":{"code":404,"message":"manifest unknown"},"error":"manifest unknown"}
`
	mock := &mockDockerAPI{
		imagePullFn: func(ctx context.Context, ref string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(stream)), nil
		},
	}

	err := newTestClient(mock).PullImage(context.Background(), "nope:latest")
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDockerClient_PullImage_Success(t *testing.T) {
	t.Parallel()

	stream := `{"status":"Pulling fs layer","id":"a1"}
{"status":"Download complete","id":"a1"}
{"status":"Status: Downloaded newer image for redis:7"}
`
	mock := &mockDockerAPI{
		imagePullFn: func(ctx context.Context, ref string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(stream)), nil
		},
	}

	if err := newTestClient(mock).PullImage(context.Background(), "redis:7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDockerClient_StreamEvents_TranslatesMessages(t *testing.T) {
	t.Parallel()

	messages := make(chan events.Message, 1)
	errs := make(chan error)
	var gotFilters filters.Args
	mock := &mockDockerAPI{
		eventsFn: func(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
			gotFilters = options.Filters
			return messages, errs
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, _ := newTestClient(mock).StreamEvents(ctx)
	if !gotFilters.ExactMatch("type", "container") {
		t.Fatalf("expected container type filter, got %v", gotFilters)
	}

	messages <- events.Message{
		Type:   events.ContainerEventType,
		Action: events.ActionDie,
		Actor: events.Actor{
			ID:         "abc",
			Attributes: map[string]string{"name": "webui", resource.LabelGroup: "g1"},
		},
		TimeNano: time.Unix(10, 0).UnixNano(),
	}

	select {
	case event := <-out:
		if event.Name != "webui" || event.Group != "g1" || event.Action != "die" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if !event.Stopped() {
			t.Fatal("expected die to count as stopped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDockerClient_StreamEvents_ForwardsStreamError(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	errs <- errors.New("unexpected EOF")
	mock := &mockDockerAPI{
		eventsFn: func(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
			return make(chan events.Message), errs
		},
	}

	_, streamErrs := newTestClient(mock).StreamEvents(context.Background())
	select {
	case err := <-streamErrs:
		if !IsKind(err, KindDaemonUnreachable) {
			t.Fatalf("expected DaemonUnreachable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream error")
	}
}
