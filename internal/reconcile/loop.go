// Package reconcile drives one resource group toward its declared state.
// Each group has a Loop whose goroutine is the only writer of the group's
// reconciliation state and the only publisher of its snapshots.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/health"
	"github.com/Smalls1652/localllm-chat/internal/plan"
	"github.com/Smalls1652/localllm-chat/internal/resource"
	"github.com/Smalls1652/localllm-chat/internal/runner"
)

// Intent is what the user last asked for.
type Intent string

const (
	IntentDown Intent = "down"
	IntentUp   Intent = "up"
)

// Config tunes retries, timeouts and the drift check.
type Config struct {
	// MaxRetries is how many times a transient action failure is retried.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StopGrace is how long a container gets to exit before it is killed.
	StopGrace time.Duration
	// MaxRestarts bounds automatic restarts of one container until it is
	// Healthy again.
	MaxRestarts int
	// DriftInterval is the period of the drift check while the group is up.
	DriftInterval time.Duration
	// AutoStart brings the group up as soon as the loop runs.
	AutoStart bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		StopGrace:      10 * time.Second,
		MaxRestarts:    3,
		DriftInterval:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = d.DriftInterval
	}
	return c
}

// Recorder receives reconciliation metrics.
type Recorder interface {
	ObservePass(group, kind string, duration time.Duration, state resource.ReconciliationState)
	RecordAction(group string, action plan.ActionType, result string)
	RecordDaemonError(kind daemon.Kind)
	SetGroupState(group string, state resource.ReconciliationState)
	SetContainerHealth(group, container string, status resource.HealthStatus)
	RecordRestart(group, container string)
}

type triggerKind int

const (
	triggerStart triggerKind = iota
	triggerStop
	triggerEvent
	triggerReconfigure
	triggerRuntime
)

type trigger struct {
	kind      triggerKind
	event     daemon.Event
	group     resource.Group
	available bool
	err       error
}

// Loop reconciles one resource group.
type Loop struct {
	client        daemon.Client
	bus           *events.Bus
	monitor       *health.Monitor
	cfg           Config
	logger        zerolog.Logger
	recorder      Recorder
	tickerFactory func(time.Duration) runner.Ticker
	onPass        func(group string, state resource.ReconciliationState, err error)
	now           func() time.Time

	id       string
	triggers chan trigger
	done     chan struct{}

	// Everything below is owned by the Run goroutine.
	group            resource.Group
	state            resource.ReconciliationState
	intent           Intent
	lastErr          *events.ErrorInfo
	runtimeAvailable bool
	statuses         map[string]resource.ContainerStatus
	health           map[string]resource.HealthStatus
	restarts         map[string]int
	started          map[string]bool
	pendingRestarts  map[string]struct{}
	// restartGen is the watch generation a restart was last requested for.
	restartGen map[string]uint64
	exhausted  bool

	inFlight     *flight
	pending      bool
	pendingQuiet bool
}

type flight struct {
	kind    passKind
	abort   chan struct{}
	aborted bool
	cancel  context.CancelFunc
}

// Option customizes Loop behavior.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		l.recorder = r
	}
}

// WithTickerFactory overrides how the drift ticker is created.
func WithTickerFactory(factory func(time.Duration) runner.Ticker) Option {
	return func(l *Loop) {
		if factory != nil {
			l.tickerFactory = factory
		}
	}
}

// WithPassHook calls fn after every completed pass.
func WithPassHook(fn func(group string, state resource.ReconciliationState, err error)) Option {
	return func(l *Loop) {
		l.onPass = fn
	}
}

// New constructs a Loop for group. The monitor must be dedicated to this loop.
func New(group resource.Group, client daemon.Client, bus *events.Bus, monitor *health.Monitor, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		client:           client,
		bus:              bus,
		monitor:          monitor,
		cfg:              cfg.withDefaults(),
		logger:           zerolog.Nop(),
		recorder:         noopRecorder{},
		tickerFactory:    runner.NewTicker,
		now:              time.Now,
		id:               group.ID,
		triggers:         make(chan trigger, 64),
		done:             make(chan struct{}),
		group:            group,
		state:            resource.StateIdle,
		intent:           IntentDown,
		runtimeAvailable: true,
		statuses:         make(map[string]resource.ContainerStatus),
		health:           make(map[string]resource.HealthStatus),
		restarts:         make(map[string]int),
		started:          make(map[string]bool),
		pendingRestarts:  make(map[string]struct{}),
		restartGen:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.recorder == nil {
		l.recorder = noopRecorder{}
	}
	l.logger = l.logger.With().Str("group", group.ID).Logger()
	return l
}

// ID returns the group id.
func (l *Loop) ID() string {
	return l.id
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// RequestStart asks the loop to bring the group up.
func (l *Loop) RequestStart() {
	l.send(trigger{kind: triggerStart})
}

// RequestStop asks the loop to tear the group down. An in-flight apply is
// aborted at its next action boundary.
func (l *Loop) RequestStop() {
	l.send(trigger{kind: triggerStop})
}

// Notify forwards a daemon event about one of the group's resources.
func (l *Loop) Notify(event daemon.Event) {
	l.send(trigger{kind: triggerEvent, event: event})
}

// Reconfigure replaces the group's declared resources.
func (l *Loop) Reconfigure(group resource.Group) {
	l.send(trigger{kind: triggerReconfigure, group: group})
}

// SetRuntimeAvailable reports daemon availability. err explains an outage.
func (l *Loop) SetRuntimeAvailable(available bool, err error) {
	l.send(trigger{kind: triggerRuntime, available: available, err: err})
}

func (l *Loop) send(t trigger) {
	select {
	case l.triggers <- t:
	case <-l.done:
	}
}

// Run processes triggers until ctx is canceled. An in-flight pass is
// canceled and awaited before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	ticker := l.tickerFactory(l.cfg.DriftInterval)
	defer ticker.Stop()

	results := make(chan passResult, 1)
	progress := make(chan passProgress, 4)

	l.publish()
	if l.cfg.AutoStart {
		l.intent = IntentUp
		l.schedule(ctx, results, progress, false)
	}

	for {
		select {
		case <-ctx.Done():
			if l.inFlight != nil {
				l.inFlight.cancel()
				<-results
				l.inFlight = nil
			}
			l.monitor.Close()
			return nil

		case t := <-l.triggers:
			l.handle(ctx, t, results, progress)

		case p := <-progress:
			if p.flight == l.inFlight && l.state != p.state {
				l.state = p.state
				l.publish()
			}

		case res := <-results:
			l.finish(res)
			if l.pending {
				quiet := l.pendingQuiet
				l.pending, l.pendingQuiet = false, false
				l.schedule(ctx, results, progress, quiet)
			}

		case update := <-l.monitor.Updates():
			if l.onHealth(update) {
				l.schedule(ctx, results, progress, false)
			}

		case <-ticker.C():
			if l.intent == IntentUp && !l.exhausted {
				l.schedule(ctx, results, progress, true)
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, t trigger, results chan passResult, progress chan passProgress) {
	switch t.kind {
	case triggerStart:
		l.logger.Info().Msg("start requested")
		l.intent = IntentUp
		l.exhausted = false
		if l.runtimeAvailable {
			l.lastErr = nil
		}
		for name := range l.restarts {
			delete(l.restarts, name)
		}
		l.publish()
		l.schedule(ctx, results, progress, false)

	case triggerStop:
		l.logger.Info().Msg("stop requested")
		l.intent = IntentDown
		for name := range l.pendingRestarts {
			delete(l.pendingRestarts, name)
		}
		if f := l.inFlight; f != nil && f.kind != passTeardown && !f.aborted {
			close(f.abort)
			f.aborted = true
		}
		l.publish()
		l.schedule(ctx, results, progress, false)

	case triggerEvent:
		name := t.event.Name
		if _, declared := l.group.Lookup(resource.KindContainer, name); !declared {
			return
		}
		l.logger.Debug().Str("container", name).Str("action", t.event.Action).Msg("daemon event")
		// Supervision ends with the container even when no pass follows.
		if t.event.Stopped() && (l.watching(name) || isRunning(l.statuses[name])) {
			l.monitor.Unwatch(name)
			l.health[name] = resource.HealthUnknown
			l.statuses[name] = resource.StatusExited
			l.publish()
		}
		if l.intent != IntentUp || l.exhausted {
			return
		}
		l.schedule(ctx, results, progress, true)

	case triggerReconfigure:
		l.logger.Info().Int("resources", len(t.group.Specs)).Msg("group reconfigured")
		l.group = t.group
		for name := range l.statuses {
			if _, ok := l.group.Lookup(resource.KindContainer, name); !ok {
				l.monitor.Unwatch(name)
				delete(l.statuses, name)
				delete(l.health, name)
				delete(l.restarts, name)
			}
		}
		l.publish()
		if l.intent == IntentUp {
			l.schedule(ctx, results, progress, false)
		}

	case triggerRuntime:
		if t.available == l.runtimeAvailable {
			return
		}
		l.runtimeAvailable = t.available
		if !t.available {
			l.logger.Warn().Err(t.err).Msg("container runtime unavailable")
			l.monitor.UnwatchAll()
			message := "container runtime is not reachable"
			if t.err != nil {
				message = t.err.Error()
			}
			l.lastErr = &events.ErrorInfo{Class: string(ClassRuntimeMissing), Message: message, Time: l.now()}
			l.publish()
			return
		}
		l.logger.Info().Msg("container runtime available again")
		if l.lastErr != nil && l.lastErr.Class == string(ClassRuntimeMissing) {
			l.lastErr = nil
		}
		l.publish()
		if l.intent == IntentUp {
			l.schedule(ctx, results, progress, false)
		}
	}
}

// schedule launches a pass for the current intent, or marks one pending when
// a pass is already in flight. Quiet passes do not publish Planning unless
// they find work.
func (l *Loop) schedule(ctx context.Context, results chan passResult, progress chan passProgress, quiet bool) {
	if l.inFlight != nil {
		if !l.pending {
			l.pendingQuiet = quiet
		} else {
			l.pendingQuiet = l.pendingQuiet && quiet
		}
		l.pending = true
		return
	}
	if !l.runtimeAvailable {
		return
	}

	in := passInput{group: l.group, quiet: quiet}
	switch {
	case l.intent == IntentDown:
		if l.state == resource.StateIdle && quiet {
			return
		}
		in.kind = passTeardown
		in.quiet = false
	default:
		in.kind = passUp
		if l.state == resource.StateSettled {
			if names := l.takeRestarts(); len(names) > 0 {
				in.kind = passRestart
				in.restarts = names
				in.quiet = false
			}
		}
	}

	passCtx, cancel := context.WithCancel(ctx)
	f := &flight{kind: in.kind, abort: make(chan struct{}), cancel: cancel}
	l.inFlight = f

	if !in.quiet {
		l.state = resource.StatePlanning
		l.publish()
	}

	go func() {
		defer cancel()
		results <- l.runPass(passCtx, in, f, progress)
	}()
}

func (l *Loop) finish(res passResult) {
	f := l.inFlight
	l.inFlight = nil
	if f != nil {
		f.cancel()
	}

	state := res.state
	if res.noop || res.aborted {
		state = l.state
	}
	l.recorder.ObservePass(l.id, string(res.kind), res.duration, state)
	if l.onPass != nil {
		var err error
		if res.err != nil {
			err = errors.New(res.err.Message)
		}
		l.onPass(l.id, state, err)
	}

	if res.aborted {
		l.logger.Info().Str("pass", string(res.kind)).Msg("pass aborted by stop request")
		l.pending = true
		l.pendingQuiet = false
		return
	}
	if res.noop {
		changed := l.applyStatuses(res.statuses, nil)
		if l.state == resource.StateDegraded && !l.exhausted {
			l.state = resource.StateSettled
			l.lastErr = nil
			changed = true
		}
		if changed {
			l.publish()
		}
		return
	}

	l.state = res.state
	l.lastErr = res.err
	if res.state == resource.StateDegraded {
		l.dropRestarts()
	}

	switch res.state {
	case resource.StateIdle:
		l.monitor.UnwatchAll()
		for name := range l.statuses {
			delete(l.statuses, name)
		}
		for name := range l.health {
			delete(l.health, name)
		}
		for name := range l.started {
			delete(l.started, name)
		}
	default:
		l.applyStatuses(res.statuses, res.touched)
		if res.kind != passUp || res.quiet {
			l.countRestarts(res.touched)
		}
		for name := range res.touched {
			l.started[name] = true
		}
	}

	l.publish()
}

// applyStatuses records observed container statuses and starts or stops
// health supervision to match. It reports whether anything changed.
func (l *Loop) applyStatuses(statuses map[string]resource.ContainerStatus, touched map[string]bool) bool {
	changed := false
	for _, spec := range l.group.Containers() {
		status, ok := statuses[spec.Name]
		if !ok {
			status = resource.StatusUnknown
		}
		if l.statuses[spec.Name] != status {
			l.statuses[spec.Name] = status
			changed = true
		}

		if !isRunning(status) {
			l.monitor.Unwatch(spec.Name)
			if l.health[spec.Name] != resource.HealthUnknown {
				l.health[spec.Name] = resource.HealthUnknown
				changed = true
			}
			continue
		}
		if l.state != resource.StateSettled && l.state != resource.StateDegraded {
			continue
		}
		if touched[spec.Name] || !l.watching(spec.Name) {
			l.monitor.Watch(spec.Name, spec.Container.Probe)
			l.health[spec.Name] = resource.HealthStarting
			changed = true
		}
	}
	return changed
}

func isRunning(status resource.ContainerStatus) bool {
	return status == resource.StatusRunning || status == resource.StatusRestarting
}

func (l *Loop) watching(name string) bool {
	for _, watched := range l.monitor.Watched() {
		if watched == name {
			return true
		}
	}
	return false
}

// countRestarts charges automatic starts of containers that were already up
// this session against their restart budget.
func (l *Loop) countRestarts(touched map[string]bool) {
	for name := range touched {
		if !l.started[name] {
			continue
		}
		l.restarts[name]++
		l.recorder.RecordRestart(l.id, name)
		if l.restarts[name] > l.cfg.MaxRestarts {
			l.exhaust(name)
		}
	}
}

// takeRestarts drains the pending restart requests that still refer to the
// live watch of their container.
func (l *Loop) takeRestarts() []string {
	var names []string
	for name := range l.pendingRestarts {
		delete(l.pendingRestarts, name)
		if l.monitor.Current(name, l.restartGen[name]) {
			names = append(names, name)
		}
	}
	return names
}

// dropRestarts forgets pending restart requests so the monitor's next
// request for the same watch is accepted again.
func (l *Loop) dropRestarts() {
	for name := range l.pendingRestarts {
		delete(l.pendingRestarts, name)
		delete(l.restartGen, name)
	}
}

func (l *Loop) exhaust(name string) {
	l.exhausted = true
	l.dropRestarts()
	l.state = resource.StateDegraded
	l.lastErr = &events.ErrorInfo{
		Action:  string(plan.StartContainer) + " " + name,
		Class:   string(ClassConflict),
		Message: fmt.Sprintf("container %s restarted %d times without becoming healthy", name, l.restarts[name]),
		Time:    l.now(),
	}
	l.logger.Error().Str("container", name).Int("restarts", l.restarts[name]).Msg("restart budget exhausted")
}

// onHealth applies a monitor update and reports whether a restart pass
// should be scheduled.
func (l *Loop) onHealth(u health.Update) bool {
	if !l.monitor.Current(u.Container, u.Generation) {
		return false
	}
	if l.health[u.Container] != u.Status {
		l.health[u.Container] = u.Status
		l.recorder.SetContainerHealth(l.id, u.Container, u.Status)
		if u.Status == resource.HealthHealthy {
			l.restarts[u.Container] = 0
		}
		l.publish()
	}
	if !u.Restart || l.intent != IntentUp || l.exhausted {
		return false
	}
	if l.restartGen[u.Container] == u.Generation {
		return false
	}
	l.restartGen[u.Container] = u.Generation
	if l.restarts[u.Container] >= l.cfg.MaxRestarts {
		l.restarts[u.Container]++
		l.exhaust(u.Container)
		l.publish()
		return false
	}
	l.logger.Warn().Str("container", u.Container).Msg("restarting unhealthy container")
	l.pendingRestarts[u.Container] = struct{}{}
	return true
}

func (l *Loop) publish() {
	l.recorder.SetGroupState(l.id, l.state)

	containers := make([]events.ContainerSnapshot, 0)
	groupHealth := make(map[string]resource.HealthStatus)
	for _, spec := range l.group.Containers() {
		status, ok := l.statuses[spec.Name]
		if !ok {
			status = resource.StatusUnknown
		}
		h, ok := l.health[spec.Name]
		if !ok {
			h = resource.HealthUnknown
		}
		containers = append(containers, events.ContainerSnapshot{
			Name:     spec.Name,
			Status:   status,
			Health:   h,
			Restarts: l.restarts[spec.Name],
		})
		groupHealth[spec.Name] = h
	}

	overall := resource.HealthUnknown
	if l.intent == IntentUp && l.state != resource.StateIdle {
		overall = resource.WorstHealth(groupHealth)
	}

	var lastErr *events.ErrorInfo
	if l.lastErr != nil {
		copied := *l.lastErr
		lastErr = &copied
	}

	l.bus.Publish(events.Snapshot{
		Group:            l.id,
		State:            l.state,
		Intent:           string(l.intent),
		Health:           overall,
		Containers:       containers,
		LastError:        lastErr,
		RuntimeAvailable: l.runtimeAvailable,
		UpdatedAt:        l.now(),
	})
}

type noopRecorder struct{}

func (noopRecorder) ObservePass(string, string, time.Duration, resource.ReconciliationState) {}
func (noopRecorder) RecordAction(string, plan.ActionType, string)                            {}
func (noopRecorder) RecordDaemonError(daemon.Kind)                                           {}
func (noopRecorder) SetGroupState(string, resource.ReconciliationState)                      {}
func (noopRecorder) SetContainerHealth(string, string, resource.HealthStatus)                {}
func (noopRecorder) RecordRestart(string, string)                                            {}
