package transition

import (
	"sort"

	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// Severity ranks how urgently a transition needs attention.
type Severity string

const (
	SeverityRecovered Severity = "recovered"
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
)

// ContainerTransition captures a container's status or health change.
type ContainerTransition struct {
	Name           string                   `json:"name"`
	PreviousStatus resource.ContainerStatus `json:"previous_status,omitempty"`
	CurrentStatus  resource.ContainerStatus `json:"current_status,omitempty"`
	PreviousHealth resource.HealthStatus    `json:"previous_health,omitempty"`
	CurrentHealth  resource.HealthStatus    `json:"current_health"`
	Restarts       int                      `json:"restarts"`
	RestartDelta   int                      `json:"restart_delta,omitempty"`
}

// GroupTransition captures a change between two stable snapshots of a group.
type GroupTransition struct {
	Group          string                       `json:"group"`
	Severity       Severity                     `json:"severity"`
	PreviousState  resource.ReconciliationState `json:"previous_state,omitempty"`
	CurrentState   resource.ReconciliationState `json:"current_state"`
	PreviousHealth resource.HealthStatus        `json:"previous_health,omitempty"`
	CurrentHealth  resource.HealthStatus        `json:"current_health"`
	Intent         string                       `json:"intent"`
	// Error is set when the snapshot carries an error not seen in the
	// previous one.
	Error      *events.ErrorInfo     `json:"error,omitempty"`
	Containers []ContainerTransition `json:"containers,omitempty"`
}

// Stable reports whether a snapshot is at rest. Planning and Applying
// snapshots are intermediate and never compared.
func Stable(s events.Snapshot) bool {
	return s.State != resource.StatePlanning && s.State != resource.StateApplying
}

// Detect compares the last notified snapshot with the current one. A nil
// prev means nothing has been notified yet; only problems are reported then.
func Detect(prev *events.Snapshot, current events.Snapshot) (GroupTransition, bool) {
	if !Stable(current) {
		return GroupTransition{}, false
	}

	change := GroupTransition{
		Group:         current.Group,
		CurrentState:  current.State,
		CurrentHealth: current.Health,
		Intent:        current.Intent,
	}

	if prev == nil {
		if !problem(current) {
			return GroupTransition{}, false
		}
		change.Error = current.LastError
		change.Containers = containerTransitions(nil, current.Containers, true)
		change.Severity = severity(nil, current)
		return change, true
	}

	change.PreviousState = prev.State
	change.PreviousHealth = prev.Health
	if newError(prev.LastError, current.LastError) {
		change.Error = current.LastError
	}
	change.Containers = containerTransitions(prev.Containers, current.Containers, false)

	if prev.State == current.State && prev.Health == current.Health && change.Error == nil && len(change.Containers) == 0 {
		return GroupTransition{}, false
	}
	change.Severity = severity(prev, current)
	return change, true
}

func problem(s events.Snapshot) bool {
	if s.State == resource.StateDegraded || s.Health == resource.HealthUnhealthy || s.LastError != nil {
		return true
	}
	return !s.RuntimeAvailable
}

func severity(prev *events.Snapshot, current events.Snapshot) Severity {
	switch {
	case current.State == resource.StateDegraded, current.Health == resource.HealthUnhealthy:
		return SeverityCritical
	case current.LastError != nil, !current.RuntimeAvailable:
		return SeverityWarning
	case prev != nil && problem(*prev):
		return SeverityRecovered
	default:
		return SeverityInfo
	}
}

func newError(prev, current *events.ErrorInfo) bool {
	if current == nil {
		return false
	}
	if prev == nil {
		return true
	}
	return prev.Message != current.Message || prev.Class != current.Class || !prev.Time.Equal(current.Time)
}

func containerTransitions(prev, current []events.ContainerSnapshot, problemsOnly bool) []ContainerTransition {
	previous := make(map[string]events.ContainerSnapshot, len(prev))
	for _, c := range prev {
		previous[c.Name] = c
	}

	out := make([]ContainerTransition, 0)
	for _, c := range current {
		before, had := previous[c.Name]
		if problemsOnly {
			if c.Health != resource.HealthUnhealthy && c.Restarts == 0 {
				continue
			}
		} else if had && before.Status == c.Status && before.Health == c.Health && before.Restarts == c.Restarts {
			continue
		}
		out = append(out, ContainerTransition{
			Name:           c.Name,
			PreviousStatus: before.Status,
			CurrentStatus:  c.Status,
			PreviousHealth: before.Health,
			CurrentHealth:  c.Health,
			Restarts:       c.Restarts,
			RestartDelta:   c.Restarts - before.Restarts,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
