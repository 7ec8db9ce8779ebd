// Package health supervises container liveness with debounced HTTP probes.
package health

import (
	"time"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Config tunes probing and debouncing.
type Config struct {
	// Interval between probes of one container.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// HealthyThreshold is the number of consecutive successes that make a
	// container Healthy.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive failures that make a
	// Healthy container Unhealthy.
	UnhealthyThreshold int
	// StartTimeout is how long a Starting container may fail before it is
	// reported Unhealthy.
	StartTimeout time.Duration
	// UnhealthyGrace is how long a container may stay Unhealthy before a
	// restart is requested.
	UnhealthyGrace time.Duration
}

// DefaultConfig matches Open WebUI's start-up behavior: up to two minutes to
// come up, probed every second.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Second,
		Timeout:            2 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		StartTimeout:       120 * time.Second,
		UnhealthyGrace:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = d.HealthyThreshold
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.UnhealthyGrace <= 0 {
		c.UnhealthyGrace = d.UnhealthyGrace
	}
	return c
}

// Result is the outcome of feeding one probe result to a Tracker.
type Result struct {
	Status  resource.HealthStatus
	Changed bool
	// Restart is set at most once per grace window while Unhealthy.
	Restart bool
}

// Tracker debounces probe results for one container. It is not safe for
// concurrent use.
type Tracker struct {
	cfg            Config
	status         resource.HealthStatus
	successes      int
	failures       int
	startedAt      time.Time
	unhealthySince time.Time
	lastRestart    time.Time
}

// NewTracker returns a tracker in the Starting state.
func NewTracker(cfg Config, now time.Time) *Tracker {
	return &Tracker{
		cfg:       cfg.withDefaults(),
		status:    resource.HealthStarting,
		startedAt: now,
	}
}

// Status returns the current debounced status.
func (t *Tracker) Status() resource.HealthStatus {
	return t.status
}

// Observe records one probe result.
func (t *Tracker) Observe(ok bool, now time.Time) Result {
	prev := t.status

	if ok {
		t.successes++
		t.failures = 0
		if t.status != resource.HealthHealthy && t.successes >= t.cfg.HealthyThreshold {
			t.status = resource.HealthHealthy
			t.unhealthySince = time.Time{}
			t.lastRestart = time.Time{}
		}
	} else {
		t.failures++
		t.successes = 0
		switch t.status {
		case resource.HealthHealthy:
			if t.failures >= t.cfg.UnhealthyThreshold {
				t.markUnhealthy(now)
			}
		case resource.HealthStarting:
			if now.Sub(t.startedAt) >= t.cfg.StartTimeout {
				t.markUnhealthy(now)
			}
		}
	}

	res := Result{Status: t.status, Changed: t.status != prev}
	if t.status == resource.HealthUnhealthy && !ok && now.Sub(t.unhealthySince) >= t.cfg.UnhealthyGrace {
		if t.lastRestart.IsZero() || now.Sub(t.lastRestart) >= t.cfg.UnhealthyGrace {
			t.lastRestart = now
			res.Restart = true
		}
	}
	return res
}

func (t *Tracker) markUnhealthy(now time.Time) {
	t.status = resource.HealthUnhealthy
	t.unhealthySince = now
}
