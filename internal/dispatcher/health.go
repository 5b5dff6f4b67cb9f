package dispatcher

import (
	"context"
	"fmt"

	"erpsync/internal/metrics"
	"erpsync/internal/models"
)

// Health summarizes queue depth and runner liveness.
func (d *Dispatcher) Health(ctx context.Context) (*models.QueueHealth, error) {
	total, err := d.db.CountPendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	domain, err := d.db.CountPendingJobsByKind(ctx, models.TaskOrderIntegration, models.TaskRetryOrderIntegration)
	if err != nil {
		return nil, err
	}
	state, err := d.runnerState(ctx)
	if err != nil {
		return nil, err
	}

	metrics.SetPending("total", total)
	metrics.SetPending("domain", domain)

	return &models.QueueHealth{
		Status:        classify(total, state),
		TotalPending:  total,
		DomainPending: domain,
		RunnerState:   state,
		RunnerRunning: d.IsAvailable(),
	}, nil
}

func (d *Dispatcher) runnerState(ctx context.Context) (models.RunnerState, error) {
	now := d.now()

	active, err := d.db.HasCompletedSince(ctx, now.Add(-models.RunnerActiveWindow))
	if err != nil {
		return "", fmt.Errorf("probe runner: %w", err)
	}
	if active {
		return models.RunnerActive, nil
	}

	blocked, err := d.db.HasPendingScheduledBefore(ctx, now.Add(-models.RunnerBlockedAfter))
	if err != nil {
		return "", fmt.Errorf("probe runner: %w", err)
	}
	if blocked {
		return models.RunnerBlocked, nil
	}

	slow, err := d.db.HasPendingScheduledBefore(ctx, now.Add(-models.RunnerSlowAfter))
	if err != nil {
		return "", fmt.Errorf("probe runner: %w", err)
	}
	if slow {
		return models.RunnerSlow, nil
	}
	return models.RunnerActive, nil
}

func classify(totalPending int, state models.RunnerState) models.HealthStatus {
	switch {
	case totalPending > models.HealthCriticalPending || state == models.RunnerBlocked:
		return models.HealthCritical
	case totalPending > models.HealthWarningPending || state == models.RunnerSlow:
		return models.HealthWarning
	default:
		return models.HealthHealthy
	}
}
