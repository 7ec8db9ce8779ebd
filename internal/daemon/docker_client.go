package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

const (
	defaultAPITimeout  = 10 * time.Second
	defaultPullTimeout = 15 * time.Minute
)

// DockerClient implements Client using the official Docker Go SDK.
type DockerClient struct {
	api         dockerAPI
	timeout     time.Duration
	pullTimeout time.Duration
	logger      zerolog.Logger
}

// Option customizes DockerClient behavior.
type Option func(*DockerClient)

// WithPullTimeout bounds image pulls separately from ordinary API calls.
func WithPullTimeout(timeout time.Duration) Option {
	return func(c *DockerClient) {
		if timeout > 0 {
			c.pullTimeout = timeout
		}
	}
}

// WithLogger sets the logger used for pull progress.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *DockerClient) {
		c.logger = logger
	}
}

// NewDockerClient initializes a Docker client for the given API host. An
// empty host uses DOCKER_HOST or the platform default socket.
func NewDockerClient(host string, timeout time.Duration, opts ...Option) (*DockerClient, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	c := &DockerClient{
		api:         api,
		timeout:     timeout,
		pullTimeout: defaultPullTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *DockerClient) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Ping validates connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return &Error{Op: "ping", Kind: KindDaemonUnreachable, Err: errors.New("docker client is not initialized")}
	}

	ctx, cancel := c.call(ctx)
	defer cancel()

	_, err := c.api.Ping(ctx)
	return wrap("ping", "", "", err)
}

// ListResources returns observed resources of a kind matching sel, sorted by
// name.
func (c *DockerClient) ListResources(ctx context.Context, kind resource.Kind, sel Selector) ([]resource.Observed, error) {
	var (
		out []resource.Observed
		err error
	)
	switch kind {
	case resource.KindContainer:
		out, err = c.listContainers(ctx, sel)
	case resource.KindNetwork:
		out, err = c.listNetworks(ctx, sel)
	case resource.KindVolume:
		out, err = c.listVolumes(ctx, sel)
	case resource.KindImage:
		out, err = c.listImages(ctx, sel)
	default:
		return nil, &Error{Op: "list", Kind: KindInvalid, Resource: kind, Err: fmt.Errorf("unsupported kind %q", kind)}
	}
	if err != nil {
		return nil, wrap("list "+string(kind), kind, "", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (c *DockerClient) listContainers(ctx context.Context, sel Selector) ([]resource.Observed, error) {
	summaries, err := collectBySelector(sel,
		func(args filters.Args) ([]dockertypes.Container, error) {
			callCtx, cancel := c.call(ctx)
			defer cancel()
			return c.api.ContainerList(callCtx, container.ListOptions{All: true, Filters: args})
		},
		func(item dockertypes.Container) string { return item.ID },
		containerName,
	)
	if err != nil {
		return nil, err
	}

	out := make([]resource.Observed, 0, len(summaries))
	for _, summary := range summaries {
		callCtx, cancel := c.call(ctx)
		info, err := c.api.ContainerInspect(callCtx, summary.ID)
		cancel()
		if err != nil {
			// Removed between list and inspect.
			if classify("inspect", err) == KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, observedFromInspect(info))
	}
	return out, nil
}

func (c *DockerClient) listNetworks(ctx context.Context, sel Selector) ([]resource.Observed, error) {
	nets, err := collectBySelector(sel,
		func(args filters.Args) ([]network.Summary, error) {
			callCtx, cancel := c.call(ctx)
			defer cancel()
			return c.api.NetworkList(callCtx, network.ListOptions{Filters: args})
		},
		func(item network.Summary) string { return item.ID },
		func(item network.Summary) string { return item.Name },
	)
	if err != nil {
		return nil, err
	}

	out := make([]resource.Observed, 0, len(nets))
	for _, n := range nets {
		out = append(out, resource.Observed{
			Kind:   resource.KindNetwork,
			Name:   n.Name,
			ID:     n.ID,
			Labels: copyLabels(n.Labels),
		})
	}
	return out, nil
}

func (c *DockerClient) listVolumes(ctx context.Context, sel Selector) ([]resource.Observed, error) {
	vols, err := collectBySelector(sel,
		func(args filters.Args) ([]*volume.Volume, error) {
			callCtx, cancel := c.call(ctx)
			defer cancel()
			resp, err := c.api.VolumeList(callCtx, volume.ListOptions{Filters: args})
			if err != nil {
				return nil, err
			}
			return resp.Volumes, nil
		},
		func(item *volume.Volume) string { return item.Name },
		func(item *volume.Volume) string { return item.Name },
	)
	if err != nil {
		return nil, err
	}

	out := make([]resource.Observed, 0, len(vols))
	for _, v := range vols {
		out = append(out, resource.Observed{
			Kind:   resource.KindVolume,
			Name:   v.Name,
			ID:     v.Name,
			Labels: copyLabels(v.Labels),
		})
	}
	return out, nil
}

// listImages lists local images. Names are image references; an image is
// included when it satisfies any of them.
func (c *DockerClient) listImages(ctx context.Context, sel Selector) ([]resource.Observed, error) {
	callCtx, cancel := c.call(ctx)
	defer cancel()

	summaries, err := c.api.ImageList(callCtx, image.ListOptions{})
	if err != nil {
		return nil, err
	}

	out := make([]resource.Observed, 0, len(summaries))
	for _, summary := range summaries {
		obs := observedFromImage(summary)
		if len(sel.Names) == 0 || imageSelected(obs, sel.Names) {
			out = append(out, obs)
		}
	}
	return out, nil
}

func imageSelected(obs resource.Observed, refs []string) bool {
	for _, ref := range refs {
		if obs.Image.Matches(ref) {
			return true
		}
	}
	return false
}

// Inspect returns the observed state of one resource by name.
func (c *DockerClient) Inspect(ctx context.Context, kind resource.Kind, name string) (resource.Observed, error) {
	if kind == resource.KindContainer {
		callCtx, cancel := c.call(ctx)
		defer cancel()
		info, err := c.api.ContainerInspect(callCtx, name)
		if err != nil {
			return resource.Observed{}, wrap("inspect", kind, name, err)
		}
		return observedFromInspect(info), nil
	}

	items, err := c.ListResources(ctx, kind, Selector{Names: []string{name}})
	if err != nil {
		return resource.Observed{}, err
	}
	for _, item := range items {
		if item.Name == name || kind == resource.KindImage {
			return item, nil
		}
	}
	return resource.Observed{}, &Error{Op: "inspect", Kind: KindNotFound, Resource: kind, Name: name, Err: fmt.Errorf("%s %s not found", kind, name)}
}

// Create creates a network, volume or container from spec.
func (c *DockerClient) Create(ctx context.Context, spec resource.Spec, labels map[string]string) error {
	op := "create-" + string(spec.Kind)
	callCtx, cancel := c.call(ctx)
	defer cancel()

	switch spec.Kind {
	case resource.KindNetwork:
		params := spec.Network
		if params == nil {
			params = &resource.NetworkParams{}
		}
		driver := params.Driver
		if driver == "" {
			driver = "bridge"
		}
		_, err := c.api.NetworkCreate(callCtx, spec.Name, network.CreateOptions{
			Driver:   driver,
			Options:  params.Options,
			Internal: params.Internal,
			Labels:   copyLabels(labels),
		})
		return wrap(op, spec.Kind, spec.Name, err)

	case resource.KindVolume:
		driver := "local"
		if spec.Volume != nil && spec.Volume.Driver != "" {
			driver = spec.Volume.Driver
		}
		_, err := c.api.VolumeCreate(callCtx, volume.CreateOptions{
			Name:   spec.Name,
			Driver: driver,
			Labels: copyLabels(labels),
		})
		return wrap(op, spec.Kind, spec.Name, err)

	case resource.KindContainer:
		if spec.Container == nil {
			return &Error{Op: op, Kind: KindInvalid, Resource: spec.Kind, Name: spec.Name, Err: errors.New("container block missing")}
		}
		cfg, hostCfg, netCfg, err := containerConfig(spec.Name, spec.Container, labels)
		if err != nil {
			return &Error{Op: op, Kind: KindInvalid, Resource: spec.Kind, Name: spec.Name, Err: err}
		}
		_, err = c.api.ContainerCreate(callCtx, cfg, hostCfg, netCfg, nil, spec.Name)
		return wrap(op, spec.Kind, spec.Name, err)

	default:
		return &Error{Op: op, Kind: KindInvalid, Resource: spec.Kind, Name: spec.Name, Err: fmt.Errorf("unsupported kind %q", spec.Kind)}
	}
}

// Start starts a created or stopped container.
func (c *DockerClient) Start(ctx context.Context, name string) error {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	err := c.api.ContainerStart(callCtx, name, container.StartOptions{})
	return wrap("start", resource.KindContainer, name, err)
}

// Stop stops a container, killing it after timeout.
func (c *DockerClient) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	callCtx, cancel := context.WithTimeout(ctx, timeout+c.timeout)
	defer cancel()
	err := c.api.ContainerStop(callCtx, name, container.StopOptions{Timeout: &seconds})
	return wrap("stop", resource.KindContainer, name, err)
}

// Remove deletes a container, network or volume.
func (c *DockerClient) Remove(ctx context.Context, kind resource.Kind, name string, force bool) error {
	op := "remove-" + string(kind)
	callCtx, cancel := c.call(ctx)
	defer cancel()

	var err error
	switch kind {
	case resource.KindContainer:
		err = c.api.ContainerRemove(callCtx, name, container.RemoveOptions{Force: force})
	case resource.KindNetwork:
		err = c.api.NetworkRemove(callCtx, name)
	case resource.KindVolume:
		err = c.api.VolumeRemove(callCtx, name, force)
	default:
		return &Error{Op: op, Kind: KindInvalid, Resource: kind, Name: name, Err: fmt.Errorf("unsupported kind %q", kind)}
	}
	return wrap(op, kind, name, err)
}

// PullImage pulls ref and drains the progress stream. Errors reported inside
// the stream fail the pull.
func (c *DockerClient) PullImage(ctx context.Context, ref string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.pullTimeout)
	defer cancel()

	reader, err := c.api.ImagePull(callCtx, ref, image.PullOptions{})
	if err != nil {
		return wrap("pull-image", resource.KindImage, ref, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrap("pull-image", resource.KindImage, ref, err)
		}
		if msg.Error != nil {
			kind := KindConflict
			if strings.Contains(strings.ToLower(msg.Error.Message), "not found") || msg.Error.Code == 404 {
				kind = KindNotFound
			}
			return &Error{Op: "pull-image", Kind: kind, Resource: resource.KindImage, Name: ref, Err: msg.Error}
		}
		if msg.Status != "" {
			c.logger.Debug().Str("image", ref).Str("layer", msg.ID).Str("status", msg.Status).Msg("pull progress")
		}
	}
}

// StreamEvents subscribes to container events for managed resources.
func (c *DockerClient) StreamEvents(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)

	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", resource.LabelManagedBy+"="+resource.ManagedByValue),
	)
	messages, streamErrs := c.api.Events(ctx, events.ListOptions{Filters: args})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-streamErrs:
				if !ok {
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					errs <- wrap("events", "", "", err)
				}
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event := eventFromMessage(msg)
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}

func eventFromMessage(msg events.Message) Event {
	action := string(msg.Action)
	// exec_start: /bin/sh and similar carry a suffix.
	if idx := strings.Index(action, ":"); idx != -1 {
		action = action[:idx]
	}
	return Event{
		Kind:   resource.KindContainer,
		Name:   msg.Actor.Attributes["name"],
		ID:     msg.Actor.ID,
		Action: action,
		Group:  msg.Actor.Attributes[resource.LabelGroup],
		Time:   time.Unix(0, msg.TimeNano),
	}
}

// Logs returns demultiplexed stdout and stderr of a container.
func (c *DockerClient) Logs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error) {
	rc, err := c.api.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, wrap("logs", resource.KindContainer, name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		_ = pw.CloseWithError(copyErr)
	}()
	return pr, nil
}

// Close releases resources associated with the client.
func (c *DockerClient) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

func containerName(item dockertypes.Container) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}
