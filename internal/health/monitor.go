package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/resource"
	"github.com/Smalls1652/localllm-chat/internal/runner"
)

// Update reports a health change or a restart request for one container.
// Generation identifies the Watch call that produced it; consumers drop
// updates whose generation is no longer current.
type Update struct {
	Container  string
	Generation uint64
	Status     resource.HealthStatus
	Restart    bool
	Err        string
}

// Recorder receives probe outcomes for metrics.
type Recorder interface {
	RecordProbe(container string, ok bool)
}

type watch struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor runs one prober goroutine per watched container and sends debounced
// updates on a single channel.
type Monitor struct {
	cfg           Config
	prober        Prober
	logger        zerolog.Logger
	recorder      Recorder
	tickerFactory func(time.Duration) runner.Ticker
	now           func() time.Time

	updates chan Update

	mu      sync.Mutex
	gen     uint64
	watches map[string]*watch
	closed  bool
}

// Option customizes Monitor behavior.
type Option func(*Monitor)

// WithTickerFactory overrides how probe tickers are created.
func WithTickerFactory(factory func(time.Duration) runner.Ticker) Option {
	return func(m *Monitor) {
		if factory != nil {
			m.tickerFactory = factory
		}
	}
}

// WithClock overrides the time source used for debouncing.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithRecorder reports every probe outcome to r.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) {
		m.recorder = r
	}
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:           cfg.withDefaults(),
		prober:        prober,
		logger:        zerolog.Nop(),
		tickerFactory: runner.NewTicker,
		now:           time.Now,
		updates:       make(chan Update, 64),
		watches:       make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Updates returns the channel health changes are delivered on.
func (m *Monitor) Updates() <-chan Update {
	return m.updates
}

// Watch starts probing a container, replacing any previous watch of the same
// name, and returns the new generation. A container without a probe is
// reported Healthy at once.
func (m *Monitor) Watch(name string, probe *resource.Probe) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}

	if prev, ok := m.watches[name]; ok {
		prev.cancel()
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{gen: m.gen, cancel: cancel, done: make(chan struct{})}
	m.watches[name] = w

	go m.run(ctx, name, w, probe)
	return w.gen
}

// Unwatch stops probing a container. Updates already queued carry a stale
// generation.
func (m *Monitor) Unwatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[name]; ok {
		w.cancel()
		delete(m.watches, name)
	}
}

// UnwatchAll stops every prober.
func (m *Monitor) UnwatchAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.watches {
		w.cancel()
		delete(m.watches, name)
	}
}

// Current reports whether gen is the live generation for name.
func (m *Monitor) Current(name string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[name]
	return ok && w.gen == gen
}

// Watched returns the names of watched containers.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.watches))
	for name := range m.watches {
		names = append(names, name)
	}
	return names
}

// Close stops every prober and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	pending := make([]*watch, 0, len(m.watches))
	for name, w := range m.watches {
		w.cancel()
		pending = append(pending, w)
		delete(m.watches, name)
	}
	m.mu.Unlock()

	for _, w := range pending {
		<-w.done
	}
}

func (m *Monitor) run(ctx context.Context, name string, w *watch, probe *resource.Probe) {
	defer close(w.done)
	logger := m.logger.With().Str("container", name).Uint64("generation", w.gen).Logger()

	if probe == nil {
		m.send(ctx, Update{Container: name, Generation: w.gen, Status: resource.HealthHealthy})
		return
	}

	tracker := NewTracker(m.cfg, m.now())
	if !m.send(ctx, Update{Container: name, Generation: w.gen, Status: tracker.Status()}) {
		return
	}

	ticker := m.tickerFactory(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.prober.Probe(probeCtx, *probe)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if m.recorder != nil {
			m.recorder.RecordProbe(name, err == nil)
		}

		res := tracker.Observe(err == nil, m.now())
		if err != nil {
			logger.Debug().Err(err).Str("status", string(res.Status)).Msg("probe failed")
		}
		if !res.Changed && !res.Restart {
			continue
		}

		update := Update{Container: name, Generation: w.gen, Status: res.Status, Restart: res.Restart}
		if err != nil {
			update.Err = err.Error()
		}
		if res.Changed {
			logger.Info().Str("status", string(res.Status)).Msg("container health changed")
		}
		if res.Restart {
			logger.Warn().Msg("container unhealthy beyond grace, requesting restart")
		}
		if !m.send(ctx, update) {
			return
		}
	}
}

func (m *Monitor) send(ctx context.Context, update Update) bool {
	select {
	case m.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}
