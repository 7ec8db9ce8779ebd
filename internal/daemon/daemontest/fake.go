// Package daemontest provides an in-memory daemon.Client for tests.
package daemontest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

type key struct {
	kind resource.Kind
	name string
}

// Fake is an in-memory daemon.Client. It records every mutating call as an
// action string like "create-network n1", lets tests inject error sequences
// per operation, and tracks how many mutating calls overlap.
type Fake struct {
	mu        sync.Mutex
	resources map[key]resource.Observed
	images    []resource.Observed
	actions   []string
	calls     map[string]int
	failures  map[string][]error
	logs      map[string]string
	subs      []chan daemon.Event
	nextID    int

	inFlight    int
	maxInFlight int

	// BeforeCall, when set, runs before every mutating call with the action
	// string. Tests use it to block or slow an apply.
	BeforeCall func(action string)
}

// New returns an empty fake daemon.
func New() *Fake {
	return &Fake{
		resources: make(map[key]resource.Observed),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		logs:      make(map[string]string),
	}
}

var _ daemon.Client = (*Fake)(nil)

// Seed stores observed resources as if they already existed.
func (f *Fake) Seed(items ...resource.Observed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		if item.Kind == resource.KindImage {
			f.images = append(f.images, item)
			continue
		}
		if item.ID == "" {
			item.ID = f.newID(item.Name)
		}
		f.resources[key{item.Kind, item.Name}] = item
	}
}

// AddImage marks ref as present locally with the given content ID.
func (f *Fake) AddImage(ref, id string) {
	f.Seed(resource.Observed{
		Kind:  resource.KindImage,
		Name:  resource.NormalizeImage(ref),
		ID:    id,
		Image: &resource.ObservedImage{Tags: []string{resource.NormalizeImage(ref)}},
	})
}

// SetLogs sets the output returned by Logs for a container.
func (f *Fake) SetLogs(name, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[name] = output
}

// Fail queues errors for an operation. target is either an operation
// ("ping", "list", "pull-image", "start-container") or an action string
// ("create-network n1"). Each call consumes one queued error; a nil entry
// lets that call succeed.
func (f *Fake) Fail(target string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[target] = append(f.failures[target], errs...)
}

// FailN queues n errors of the given kind for target.
func (f *Fake) FailN(target string, kind daemon.Kind, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &daemon.Error{Op: target, Kind: kind, Err: fmt.Errorf("injected %s", kind)}
	}
	f.Fail(target, errs...)
}

// Actions returns the recorded mutating calls in order.
func (f *Fake) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// ResetActions clears the recorded actions.
func (f *Fake) ResetActions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = nil
}

// Calls returns how many times an operation was invoked, including failed
// attempts.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MaxConcurrent returns the largest number of overlapping mutating calls seen.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Get returns the stored resource.
func (f *Fake) Get(kind resource.Kind, name string) (resource.Observed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.resources[key{kind, name}]
	return obs, ok
}

// SetStatus changes a container's status without recording an action, as if
// the process exited on its own.
func (f *Fake) SetStatus(name string, status resource.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.resources[key{resource.KindContainer, name}]
	if !ok || obs.Container == nil {
		return
	}
	obs.Container = cloneContainer(obs.Container)
	obs.Container.Status = status
	f.resources[key{resource.KindContainer, name}] = obs
}

// Emit delivers an event to every open StreamEvents subscriber.
func (f *Fake) Emit(event daemon.Event) {
	f.mu.Lock()
	subs := append([]chan daemon.Event(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.consume("ping", "")
}

func (f *Fake) ListResources(ctx context.Context, kind resource.Kind, sel daemon.Selector) ([]resource.Observed, error) {
	if err := f.consume("list", ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []resource.Observed
	if kind == resource.KindImage {
		for _, img := range f.images {
			if len(sel.Names) == 0 || matchesAny(img, sel.Names) {
				out = append(out, img)
			}
		}
	} else {
		for k, obs := range f.resources {
			if k.kind != kind {
				continue
			}
			if selected(obs, sel) {
				out = append(out, copyObserved(obs))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Inspect(ctx context.Context, kind resource.Kind, name string) (resource.Observed, error) {
	items, err := f.ListResources(ctx, kind, daemon.Selector{Names: []string{name}})
	if err != nil {
		return resource.Observed{}, err
	}
	if len(items) == 0 {
		return resource.Observed{}, notFound("inspect", kind, name)
	}
	return items[0], nil
}

func (f *Fake) Create(ctx context.Context, spec resource.Spec, labels map[string]string) error {
	action := "create-" + string(spec.Kind) + " " + spec.Name
	done, err := f.begin(action)
	defer done()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	k := key{spec.Kind, spec.Name}
	if _, ok := f.resources[k]; ok {
		return &daemon.Error{Op: "create-" + string(spec.Kind), Kind: daemon.KindAlreadyExists, Resource: spec.Kind, Name: spec.Name, Err: errors.New("name already in use")}
	}

	obs := resource.Observed{
		Kind:   spec.Kind,
		Name:   spec.Name,
		ID:     f.newID(spec.Name),
		Labels: map[string]string{},
	}
	for k, v := range labels {
		obs.Labels[k] = v
	}
	if spec.Kind == resource.KindContainer && spec.Container != nil {
		params := spec.Container
		for k, v := range params.Labels {
			if _, ok := obs.Labels[k]; !ok {
				obs.Labels[k] = v
			}
		}
		details := &resource.ObservedContainer{
			Status:   resource.StatusCreated,
			Image:    params.Image,
			ImageID:  f.imageIDLocked(params.Image),
			Env:      map[string]string{},
			Networks: append([]string(nil), params.Networks...),
			Mounts:   append([]resource.Mount(nil), params.Mounts...),
		}
		for k, v := range params.Env {
			details.Env[k] = v
		}
		for _, p := range params.Ports {
			if p.HostPort == "" && p.HostIP == "" {
				continue
			}
			if p.Protocol == "" {
				p.Protocol = "tcp"
			}
			details.Ports = append(details.Ports, p)
		}
		sort.Strings(details.Networks)
		obs.Container = details
	}
	f.resources[k] = obs
	return nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	return f.setRunning("start-container", name, resource.StatusRunning)
}

func (f *Fake) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return f.setRunning("stop-container", name, resource.StatusExited)
}

func (f *Fake) setRunning(op, name string, status resource.ContainerStatus) error {
	done, err := f.begin(op + " " + name)
	defer done()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	k := key{resource.KindContainer, name}
	obs, ok := f.resources[k]
	if !ok {
		return notFound(op, resource.KindContainer, name)
	}
	obs.Container = cloneContainer(obs.Container)
	obs.Container.Status = status
	f.resources[k] = obs
	return nil
}

func (f *Fake) Remove(ctx context.Context, kind resource.Kind, name string, force bool) error {
	op := "remove-" + string(kind)
	done, err := f.begin(op + " " + name)
	defer done()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	k := key{kind, name}
	obs, ok := f.resources[k]
	if !ok {
		return notFound(op, kind, name)
	}
	if kind == resource.KindContainer && obs.Container.Running() && !force {
		return &daemon.Error{Op: op, Kind: daemon.KindConflict, Resource: kind, Name: name, Err: errors.New("container is running")}
	}
	delete(f.resources, k)
	return nil
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	done, err := f.begin("pull-image " + ref)
	defer done()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageIDLocked(ref) != "" {
		return nil
	}
	normalized := resource.NormalizeImage(ref)
	f.images = append(f.images, resource.Observed{
		Kind:  resource.KindImage,
		Name:  normalized,
		ID:    "sha256:" + f.newID(normalized),
		Image: &resource.ObservedImage{Tags: []string{normalized}},
	})
	return nil
}

func (f *Fake) StreamEvents(ctx context.Context) (<-chan daemon.Event, <-chan error) {
	errs := make(chan error, 1)
	if err := f.consume("events", ""); err != nil {
		errs <- err
		close(errs)
		out := make(chan daemon.Event)
		close(out)
		return out, errs
	}

	ch := make(chan daemon.Event, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	out := make(chan daemon.Event)
	go func() {
		defer close(out)
		defer close(errs)
		defer f.unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-ch:
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

func (f *Fake) unsubscribe(ch chan daemon.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

func (f *Fake) Logs(ctx context.Context, name string, opts daemon.LogOptions) (io.ReadCloser, error) {
	if err := f.consume("logs", name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[key{resource.KindContainer, name}]; !ok {
		return nil, notFound("logs", resource.KindContainer, name)
	}
	return io.NopCloser(strings.NewReader(f.logs[name])), nil
}

func (f *Fake) Close() error {
	return nil
}

// begin records a mutating call, applies any queued failure and tracks
// overlap. The returned func must be called when the call finishes.
func (f *Fake) begin(action string) (func(), error) {
	if f.BeforeCall != nil {
		f.BeforeCall(action)
	}

	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	done := func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}

	op, name, _ := strings.Cut(action, " ")
	return done, f.consume(op, name)
}

func (f *Fake) consume(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++

	for _, target := range []string{op + " " + name, op} {
		queue := f.failures[target]
		if len(queue) == 0 {
			continue
		}
		err := queue[0]
		f.failures[target] = queue[1:]
		return err
	}
	return nil
}

func (f *Fake) imageIDLocked(ref string) string {
	for _, img := range f.images {
		if img.Image.Matches(ref) {
			return img.ID
		}
	}
	return ""
}

func (f *Fake) newID(name string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", name, f.nextID)
}

func selected(obs resource.Observed, sel daemon.Selector) bool {
	if len(sel.Labels) == 0 && len(sel.Names) == 0 {
		return true
	}
	if len(sel.Labels) > 0 {
		matched := true
		for k, v := range sel.Labels {
			if obs.Labels[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	for _, name := range sel.Names {
		if obs.Name == name {
			return true
		}
	}
	return false
}

func matchesAny(img resource.Observed, refs []string) bool {
	for _, ref := range refs {
		if img.Image.Matches(ref) {
			return true
		}
	}
	return false
}

func notFound(op string, kind resource.Kind, name string) error {
	return &daemon.Error{Op: op, Kind: daemon.KindNotFound, Resource: kind, Name: name, Err: fmt.Errorf("no such %s", kind)}
}

func cloneContainer(c *resource.ObservedContainer) *resource.ObservedContainer {
	if c == nil {
		return &resource.ObservedContainer{Status: resource.StatusUnknown}
	}
	out := *c
	return &out
}

func copyObserved(obs resource.Observed) resource.Observed {
	out := obs
	out.Labels = make(map[string]string, len(obs.Labels))
	for k, v := range obs.Labels {
		out.Labels[k] = v
	}
	if obs.Container != nil {
		out.Container = cloneContainer(obs.Container)
	}
	return out
}
