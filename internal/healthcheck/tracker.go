package healthcheck

import (
	"sort"
	"sync"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Snapshot describes the latest daemon check and per-group pass results.
type Snapshot struct {
	LastCheckTime    *time.Time          `json:"last_check_time"`
	CheckDurationMS  int64               `json:"check_duration_ms"`
	RuntimeAvailable bool                `json:"runtime_available"`
	PassesCompleted  int                 `json:"passes_completed"`
	Groups           []GroupPassSnapshot `json:"groups,omitempty"`
}

// GroupPassSnapshot is the outcome of a group's most recent pass.
type GroupPassSnapshot struct {
	Group     string    `json:"group"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Completed time.Time `json:"completed"`
}

// Tracker records daemon checks and pass completions for health endpoints.
type Tracker struct {
	mu               sync.RWMutex
	lastCheck        time.Time
	checkDuration    time.Duration
	runtimeAvailable bool
	passes           int
	groups           map[string]GroupPassSnapshot
	ready            bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{groups: make(map[string]GroupPassSnapshot)}
}

// RecordCheck updates daemon check timing. The process is ready once the
// daemon has answered at least once.
func (t *Tracker) RecordCheck(duration time.Duration, available bool) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastCheck = now
	t.checkDuration = duration
	t.runtimeAvailable = available
	if available {
		t.ready = true
	}
	t.mu.Unlock()
}

// RecordPass stores the outcome of a completed reconciliation pass.
func (t *Tracker) RecordPass(group string, state resource.ReconciliationState, err error) {
	if t == nil {
		return
	}
	entry := GroupPassSnapshot{Group: group, State: string(state), Completed: time.Now().UTC()}
	if err != nil {
		entry.Error = err.Error()
	}
	t.mu.Lock()
	t.passes++
	t.groups[group] = entry
	t.mu.Unlock()
}

// Forget drops pass results for a group that is no longer managed.
func (t *Tracker) Forget(group string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.groups, group)
	t.mu.Unlock()
}

// Settled reports whether the group's most recent pass ended Settled.
func (t *Tracker) Settled(group string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.groups[group]
	return ok && entry.State == string(resource.StateSettled)
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCheck.IsZero() {
		value := t.lastCheck
		last = &value
	}
	groups := make([]GroupPassSnapshot, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Group < groups[j].Group })
	return Snapshot{
		LastCheckTime:    last,
		CheckDurationMS:  int64(t.checkDuration / time.Millisecond),
		RuntimeAvailable: t.runtimeAvailable,
		PassesCompleted:  t.passes,
		Groups:           groups,
	}
}

// Ready reports whether the daemon is currently reachable and has been
// reached at least once.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready && t.runtimeAvailable
}

// Healthy reports whether the last check completed within 2x the poll interval.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCheck.IsZero() {
		return false
	}
	return now.Sub(t.lastCheck) <= 2*pollInterval
}
