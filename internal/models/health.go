package models

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type RunnerState string

const (
	RunnerActive  RunnerState = "active"
	RunnerSlow    RunnerState = "slow"
	RunnerBlocked RunnerState = "blocked"
)

// QueueHealth is the dispatcher's introspection snapshot.
type QueueHealth struct {
	Status        HealthStatus `json:"status"`
	TotalPending  int          `json:"total_pending"`
	DomainPending int          `json:"domain_pending"`
	RunnerState   RunnerState  `json:"runner_state"`
	RunnerRunning bool         `json:"runner_running"`
}
