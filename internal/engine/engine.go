// Package engine runs one reconciliation loop per resource group and connects
// them to the shared daemon client, its event stream and the snapshot bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/health"
	"github.com/Smalls1652/localllm-chat/internal/reconcile"
	"github.com/Smalls1652/localllm-chat/internal/resource"
	"github.com/Smalls1652/localllm-chat/internal/runner"
)

// ErrUnknownGroup is returned for operations on a group the engine does not
// manage.
var ErrUnknownGroup = errors.New("unknown group")

// Config holds the engine's timing and the settings handed to every loop.
type Config struct {
	// PollInterval is how often the daemon is pinged.
	PollInterval time.Duration
	Reconcile    reconcile.Config
	Health       health.Config
}

type groupLoop struct {
	group  resource.Group
	loop   *reconcile.Loop
	cancel context.CancelFunc
}

// Engine is the facade the presentation layer talks to.
type Engine struct {
	client         daemon.Client
	bus            *events.Bus
	cfg            Config
	logger         zerolog.Logger
	prober         health.Prober
	loopRecorder   reconcile.Recorder
	healthRecorder health.Recorder
	passHook       func(group string, state resource.ReconciliationState, err error)
	pingHook       func(duration time.Duration, available bool)
	tickerFactory  func(time.Duration) runner.Ticker
	eventBackoff   time.Duration

	mu        sync.RWMutex
	loops     map[string]*groupLoop
	order     []string
	runCtx    context.Context
	wg        sync.WaitGroup
	available bool
}

// Option customizes Engine behavior.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithProber overrides the health prober shared by every group.
func WithProber(p health.Prober) Option {
	return func(e *Engine) {
		if p != nil {
			e.prober = p
		}
	}
}

// WithRecorders reports loop and probe metrics.
func WithRecorders(loop reconcile.Recorder, probes health.Recorder) Option {
	return func(e *Engine) {
		e.loopRecorder = loop
		e.healthRecorder = probes
	}
}

// WithPassHook calls fn after every reconciliation pass of any group.
func WithPassHook(fn func(group string, state resource.ReconciliationState, err error)) Option {
	return func(e *Engine) {
		e.passHook = fn
	}
}

// WithPingHook calls fn after every daemon ping with its latency and result.
func WithPingHook(fn func(duration time.Duration, available bool)) Option {
	return func(e *Engine) {
		e.pingHook = fn
	}
}

// WithTickerFactory overrides the ticker used for daemon pings.
func WithTickerFactory(factory func(time.Duration) runner.Ticker) Option {
	return func(e *Engine) {
		if factory != nil {
			e.tickerFactory = factory
		}
	}
}

// WithEventBackoff sets the initial delay before reconnecting the daemon
// event stream.
func WithEventBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.eventBackoff = d
		}
	}
}

// New validates groups and constructs an Engine with one loop per group.
// Loops start when Run is called.
func New(client daemon.Client, groups []resource.Group, cfg Config, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("daemon client is required")
	}
	if err := validateGroups(groups); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	e := &Engine{
		client:        client,
		bus:           events.NewBus(),
		cfg:           cfg,
		logger:        zerolog.Nop(),
		prober:        health.NewHTTPProber(),
		tickerFactory: runner.NewTicker,
		eventBackoff:  time.Second,
		loops:         make(map[string]*groupLoop),
		available:     true,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, group := range groups {
		e.loops[group.ID] = e.newLoop(group)
		e.order = append(e.order, group.ID)
	}
	return e, nil
}

func validateGroups(groups []resource.Group) error {
	seen := make(map[string]bool, len(groups))
	for _, group := range groups {
		if err := group.Validate(); err != nil {
			return err
		}
		if seen[group.ID] {
			return &resource.ConfigError{Group: group.ID, Err: errors.New("duplicate group id")}
		}
		seen[group.ID] = true
	}
	return nil
}

func (e *Engine) newLoop(group resource.Group) *groupLoop {
	logger := e.logger.With().Str("group", group.ID).Logger()

	monitorOpts := []health.Option{health.WithLogger(logger)}
	if e.healthRecorder != nil {
		monitorOpts = append(monitorOpts, health.WithRecorder(e.healthRecorder))
	}
	monitor := health.NewMonitor(e.cfg.Health, e.prober, monitorOpts...)

	loopOpts := []reconcile.Option{reconcile.WithLogger(e.logger)}
	if e.loopRecorder != nil {
		loopOpts = append(loopOpts, reconcile.WithRecorder(e.loopRecorder))
	}
	if e.passHook != nil {
		loopOpts = append(loopOpts, reconcile.WithPassHook(e.passHook))
	}
	return &groupLoop{
		group: group,
		loop:  reconcile.New(group, e.client, e.bus, monitor, e.cfg.Reconcile, loopOpts...),
	}
}

// Run starts every loop, the daemon event pump and the availability check,
// and blocks until ctx is canceled and every loop has stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.runCtx = ctx
	for _, id := range e.order {
		e.startLoop(ctx, e.loops[id])
	}
	e.mu.Unlock()

	e.logger.Info().Int("groups", len(e.order)).Msg("starting engine")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpEvents(ctx)
	}()

	pinger := runner.New(e.logger, e.cfg.PollInterval,
		runner.WithTickerFactory(e.tickerFactory),
		runner.WithRunOnce(e.ping),
	)
	err := pinger.Run(ctx)

	<-ctx.Done()
	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
	return err
}

// startLoop must be called with e.mu held.
func (e *Engine) startLoop(ctx context.Context, gl *groupLoop) {
	loopCtx, cancel := context.WithCancel(ctx)
	gl.cancel = cancel
	if !e.available {
		gl.loop.SetRuntimeAvailable(false, nil)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := gl.loop.Run(loopCtx); err != nil {
			e.logger.Error().Err(err).Str("group", gl.group.ID).Msg("loop exited with error")
		}
	}()
}

// ping checks the daemon and reports availability changes to every loop.
func (e *Engine) ping(ctx context.Context) error {
	started := time.Now()
	err := e.client.Ping(ctx)
	if ctx.Err() != nil {
		return nil
	}
	// Any answer from the daemon, even an error, means it is there.
	kind := daemon.KindOf(err)
	available := err == nil || (kind != daemon.KindDaemonUnreachable && kind != daemon.KindTimeout)
	e.setAvailable(available, err)
	if e.pingHook != nil {
		e.pingHook(time.Since(started), available)
	}
	return runner.Recoverable("ping", err)
}

func (e *Engine) setAvailable(available bool, err error) {
	e.mu.Lock()
	changed := e.available != available
	e.available = available
	loops := make([]*groupLoop, 0, len(e.loops))
	for _, id := range e.order {
		loops = append(loops, e.loops[id])
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	if available {
		e.logger.Info().Msg("docker daemon reachable")
	} else {
		e.logger.Warn().Err(err).Msg("docker daemon unreachable")
	}
	for _, gl := range loops {
		gl.loop.SetRuntimeAvailable(available, err)
	}
}

// Available reports whether the last ping reached the daemon.
func (e *Engine) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

func (e *Engine) lookup(id string) (*groupLoop, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	gl, ok := e.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	return gl, nil
}

// RequestStart asks a group's loop to bring it up.
func (e *Engine) RequestStart(id string) error {
	gl, err := e.lookup(id)
	if err != nil {
		return err
	}
	gl.loop.RequestStart()
	return nil
}

// RequestStop asks a group's loop to tear it down.
func (e *Engine) RequestStop(id string) error {
	gl, err := e.lookup(id)
	if err != nil {
		return err
	}
	gl.loop.RequestStop()
	return nil
}

// Snapshot returns the latest published snapshot of a group.
func (e *Engine) Snapshot(id string) (events.Snapshot, bool) {
	if _, err := e.lookup(id); err != nil {
		return events.Snapshot{}, false
	}
	return e.bus.Latest(id)
}

// Snapshots returns the latest snapshot of every managed group.
func (e *Engine) Snapshots() []events.Snapshot {
	all := e.bus.All()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]events.Snapshot, 0, len(all))
	for _, snap := range all {
		if _, ok := e.loops[snap.Group]; ok {
			out = append(out, snap)
		}
	}
	return out
}

// Subscribe returns a bus subscription primed with the latest snapshots.
func (e *Engine) Subscribe() *events.Subscription {
	return e.bus.Subscribe()
}

// Groups returns the managed groups in configuration order.
func (e *Engine) Groups() []resource.Group {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]resource.Group, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.loops[id].group)
	}
	return out
}

// Logs streams the output of a container declared by a group.
func (e *Engine) Logs(ctx context.Context, id, container string, opts daemon.LogOptions) (io.ReadCloser, error) {
	gl, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if _, ok := gl.group.Lookup(resource.KindContainer, container); !ok {
		return nil, fmt.Errorf("%w: container %s in %s", ErrUnknownGroup, container, id)
	}
	return e.client.Logs(ctx, container, opts)
}

// Reconfigure replaces the managed groups. New groups get a loop, changed
// groups are handed their new declaration, and removed groups are torn down
// before their loop stops.
func (e *Engine) Reconfigure(groups []resource.Group) error {
	if err := validateGroups(groups); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]bool, len(groups))
	order := make([]string, 0, len(groups))
	for _, group := range groups {
		next[group.ID] = true
		order = append(order, group.ID)

		gl, ok := e.loops[group.ID]
		if !ok {
			gl = e.newLoop(group)
			e.loops[group.ID] = gl
			if e.runCtx != nil {
				e.startLoop(e.runCtx, gl)
			}
			e.logger.Info().Str("group", group.ID).Msg("group added")
			continue
		}
		if !reflect.DeepEqual(gl.group, group) {
			gl.group = group
			gl.loop.Reconfigure(group)
		}
	}

	for id, gl := range e.loops {
		if next[id] {
			continue
		}
		delete(e.loops, id)
		e.logger.Info().Str("group", id).Msg("group removed, tearing down")
		e.retire(gl)
	}
	e.order = order
	return nil
}

// retire tears a removed group down and stops its loop once it is Idle.
func (e *Engine) retire(gl *groupLoop) {
	if gl.cancel == nil {
		gl.loop.RequestStop()
		e.bus.Forget(gl.group.ID)
		return
	}

	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stopAndWait(ctx, []*groupLoop{gl}); err != nil {
			e.logger.Warn().Err(err).Str("group", gl.group.ID).Msg("removed group did not reach idle")
		}
		gl.cancel()
		<-gl.loop.Done()
		e.bus.Forget(gl.group.ID)
	}()
}

// Shutdown tears every group down and waits until all of them are Idle or
// ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	loops := make([]*groupLoop, 0, len(e.order))
	for _, id := range e.order {
		loops = append(loops, e.loops[id])
	}
	e.mu.RUnlock()

	e.logger.Info().Int("groups", len(loops)).Msg("tearing down all groups")
	if err := e.stopAndWait(ctx, loops); err != nil {
		return fmt.Errorf("wait for teardown: %w", err)
	}
	return nil
}

// stopAndWait requests teardown of every loop and blocks until each has
// finished a teardown pass. A stop request republishes the current state
// with intent down, and a loop that is already Idle would match right away,
// so only Idle snapshots at least two sequence numbers after the one seen
// before the request count.
func (e *Engine) stopAndWait(ctx context.Context, loops []*groupLoop) error {
	sub := e.bus.Subscribe()
	defer sub.Close()

	ids := make([]string, 0, len(loops))
	for _, gl := range loops {
		ids = append(ids, gl.group.ID)
	}
	base, err := awaitPublished(ctx, sub, ids)
	if err != nil {
		return err
	}
	for _, gl := range loops {
		gl.loop.RequestStop()
	}

	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	for len(remaining) > 0 {
		snaps, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if snap.Seq > base[snap.Group]+1 && snap.State == resource.StateIdle && snap.Intent == string(reconcile.IntentDown) {
				delete(remaining, snap.Group)
			}
		}
	}
	return nil
}

// awaitPublished drains sub until every group has published at least once
// and returns the highest sequence number seen per group.
func awaitPublished(ctx context.Context, sub *events.Subscription, ids []string) (map[string]uint64, error) {
	seen := make(map[string]uint64, len(ids))
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for len(want) > 0 {
		snaps, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			seen[snap.Group] = snap.Seq
			delete(want, snap.Group)
		}
	}
	return seen, nil
}

// pumpEvents forwards daemon events to the owning loop, reconnecting with
// backoff whenever the stream ends.
func (e *Engine) pumpEvents(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.eventBackoff
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := e.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			b.Reset()
		}
		wait := b.NextBackOff()
		e.logger.Debug().Err(err).Dur("retry_in", wait).Msg("daemon event stream ended")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) streamOnce(ctx context.Context) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	evs, errs := e.client.StreamEvents(streamCtx)
	received := false
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return received, nil
			}
			received = true
			e.route(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return received, err
			}
		}
	}
}

func (e *Engine) route(ev daemon.Event) {
	if ev.Group == "" {
		return
	}
	e.mu.RLock()
	gl, ok := e.loops[ev.Group]
	e.mu.RUnlock()
	if !ok {
		return
	}
	gl.loop.Notify(ev)
}
