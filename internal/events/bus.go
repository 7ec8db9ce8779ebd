// Package events fans group snapshots out to the presentation layer.
package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// ErrClosed is returned by Next after the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// ContainerSnapshot is the presentation view of one declared container.
type ContainerSnapshot struct {
	Name     string                   `json:"name"`
	Status   resource.ContainerStatus `json:"status"`
	Health   resource.HealthStatus    `json:"health"`
	Restarts int                      `json:"restarts"`
}

// ErrorInfo records the failure that moved a group to Degraded.
type ErrorInfo struct {
	Action  string    `json:"action,omitempty"`
	Class   string    `json:"class"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Snapshot is an immutable view of one group's state. Seq increases by one
// for every snapshot published for the group.
type Snapshot struct {
	Group            string                       `json:"group"`
	Seq              uint64                       `json:"seq"`
	State            resource.ReconciliationState `json:"state"`
	Intent           string                       `json:"intent"`
	Health           resource.HealthStatus        `json:"health"`
	Containers       []ContainerSnapshot          `json:"containers"`
	LastError        *ErrorInfo                   `json:"last_error,omitempty"`
	RuntimeAvailable bool                         `json:"runtime_available"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Bus keeps the latest snapshot per group and delivers every published
// snapshot to subscribers without blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	seq    map[string]uint64
	latest map[string]Snapshot
	subs   map[*Subscription]struct{}
	now    func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		seq:    make(map[string]uint64),
		latest: make(map[string]Snapshot),
		subs:   make(map[*Subscription]struct{}),
		now:    time.Now,
	}
}

// Publish stamps the next sequence number for the snapshot's group, stores it
// as the latest and hands it to every subscriber.
func (b *Bus) Publish(s Snapshot) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[s.Group]++
	s.Seq = b.seq[s.Group]
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = b.now()
	}
	b.latest[s.Group] = s

	for sub := range b.subs {
		sub.deliver(s)
	}
	return s
}

// Latest returns the most recent snapshot of a group.
func (b *Bus) Latest(group string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.latest[group]
	return s, ok
}

// All returns the latest snapshot of every group, sorted by group.
func (b *Bus) All() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.latest))
	for _, s := range b.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Forget drops the latest snapshot of a removed group. Its sequence counter
// is kept so a group that comes back continues where it left off.
func (b *Bus) Forget(group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, group)
}

// Subscribe registers a subscription primed with the latest snapshot of every
// group.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:     b,
		pending: make(map[string]Snapshot),
		last:    make(map[string]uint64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	groups := make([]string, 0, len(b.latest))
	for group := range b.latest {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	for _, group := range groups {
		sub.deliver(b.latest[group])
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is a latest-wins mailbox: while a subscriber is busy, newer
// snapshots of a group replace older undelivered ones.
type Subscription struct {
	bus     *Bus
	mu      sync.Mutex
	pending map[string]Snapshot
	order   []string
	last    map[string]uint64
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Seq <= s.last[snap.Group] {
		return
	}
	if _, ok := s.pending[snap.Group]; !ok {
		s.order = append(s.order, snap.Group)
	}
	s.pending[snap.Group] = snap

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until at least one snapshot is pending and returns all pending
// snapshots in the order their groups first became pending. Snapshots older
// than one already returned for the same group are never returned.
func (s *Subscription) Next(ctx context.Context) ([]Snapshot, error) {
	for {
		if out := s.drain(); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.notify:
		}
	}
}

func (s *Subscription) drain() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.order))
	for _, group := range s.order {
		snap := s.pending[group]
		if snap.Seq <= s.last[group] {
			continue
		}
		s.last[group] = snap.Seq
		out = append(out, snap)
	}
	s.order = s.order[:0]
	s.pending = make(map[string]Snapshot)
	return out
}

// Close unregisters the subscription. Next returns ErrClosed once nothing is
// left pending.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}
