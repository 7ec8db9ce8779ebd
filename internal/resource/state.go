package resource

// ReconciliationState is the lifecycle phase of a resource group. It is owned
// by the group's reconciliation loop.
type ReconciliationState string

const (
	StateIdle     ReconciliationState = "Idle"
	StatePlanning ReconciliationState = "Planning"
	StateApplying ReconciliationState = "Applying"
	StateSettled  ReconciliationState = "Settled"
	StateDegraded ReconciliationState = "Degraded"
)

// HealthStatus is the liveness classification of a container, owned by the
// health monitor.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "Unknown"
	HealthStarting  HealthStatus = "Starting"
	HealthHealthy   HealthStatus = "Healthy"
	HealthUnhealthy HealthStatus = "Unhealthy"
)

func healthSeverity(h HealthStatus) int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthStarting:
		return 1
	case HealthUnknown:
		return 2
	case HealthUnhealthy:
		return 3
	default:
		return 2
	}
}

// WorstHealth aggregates container health into a group health. An empty set
// is Unknown.
func WorstHealth(statuses map[string]HealthStatus) HealthStatus {
	if len(statuses) == 0 {
		return HealthUnknown
	}
	worst := HealthHealthy
	for _, status := range statuses {
		if healthSeverity(status) > healthSeverity(worst) {
			worst = status
		}
	}
	return worst
}
