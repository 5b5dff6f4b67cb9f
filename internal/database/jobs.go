package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"erpsync/internal/models"
)

// ErrDuplicateTask is returned when a pending or running task already holds the (kind, entity_key) slot.
var ErrDuplicateTask = errors.New("active task already exists")

const jobColumns = `id, kind, entity_key, payload, status, attempts, last_error, scheduled_at, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		lastError   sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.EntityKey, &t.Payload, &t.Status, &t.Attempts, &lastError,
		&t.ScheduledAt, &t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.LastError = stringPtr(lastError)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// CreateJob inserts a pending task unless one with the same dedup key is already pending or running.
func (db *DB) CreateJob(ctx context.Context, task *models.Task) error {
	return db.createJob(ctx, task, 0)
}

// HandOffJob completes the running task runningID and inserts next in the same transaction,
// so a task can queue the follow-up run of its own dedup key.
func (db *DB) HandOffJob(ctx context.Context, runningID int64, next *models.Task) error {
	return db.createJob(ctx, next, runningID)
}

func (db *DB) createJob(ctx context.Context, task *models.Task, handOffID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if handOffID != 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'complete', last_error = NULL, completed_at = ?
             WHERE id = ? AND status = 'running'`,
			utc(time.Now()), handOffID,
		)
		if err != nil {
			return fmt.Errorf("failed to hand off job %d: %w", handOffID, err)
		}
	}

	existing, err := findActiveJob(ctx, tx, task.Kind, task.EntityKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: task %d (%s/%s) is %s", ErrDuplicateTask, existing.ID, existing.Kind, existing.EntityKey, existing.Status)
	}

	now := utc(time.Now())
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = task.CreatedAt
	}
	task.CreatedAt = utc(task.CreatedAt)
	task.ScheduledAt = utc(task.ScheduledAt)
	task.Status = models.TaskPending

	result, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (kind, entity_key, payload, status, attempts, scheduled_at, created_at)
         VALUES (?, ?, ?, ?, 0, ?, ?)`,
		task.Kind, task.EntityKey, task.Payload, task.Status, task.ScheduledAt, task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateTask, task.Kind, task.EntityKey)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateTask, task.Kind, task.EntityKey)
		}
		return fmt.Errorf("failed to commit job: %w", err)
	}

	task.ID = id
	return nil
}

// FindActiveJob returns the pending or running task for the dedup key, or nil.
func (db *DB) FindActiveJob(ctx context.Context, kind models.TaskKind, entityKey string) (*models.Task, error) {
	return findActiveJob(ctx, db.DB, kind, entityKey)
}

func findActiveJob(ctx context.Context, q queryRower, kind models.TaskKind, entityKey string) (*models.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE kind = ? AND entity_key = ? AND status IN ('pending', 'running')
         LIMIT 1`,
		kind, entityKey,
	)
	task, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return task, nil
}

func (db *DB) GetJob(ctx context.Context, id int64) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	task, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return task, nil
}

// ClaimJob moves a specific due task from pending to running. It reports false when the
// task is not due, already claimed, or gone.
func (db *DB) ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	now = utc(now)
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = ?
         WHERE id = ? AND status = 'pending' AND scheduled_at <= ?`,
		now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// ClaimDueJob claims the oldest due pending task. Returns nil when nothing is due.
func (db *DB) ClaimDueJob(ctx context.Context, now time.Time) (*models.Task, error) {
	now = utc(now)
	for i := 0; i < 3; i++ {
		var id int64
		err := db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE status = 'pending' AND scheduled_at <= ?
             ORDER BY scheduled_at ASC, id ASC LIMIT 1`,
			now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select due job: %w", err)
		}

		ok, err := db.ClaimJob(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return db.GetJob(ctx, id)
		}
		// Lost the race to another runner; look again.
	}
	return nil, nil
}

func (db *DB) CompleteJob(ctx context.Context, id int64, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'complete', last_error = NULL, completed_at = ? WHERE id = ?`,
		utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

func (db *DB) FailJob(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = ?, completed_at = ? WHERE id = ?`,
		errMsg, utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return nil
}

// RequeueStaleJobs returns running tasks started before cutoff to pending.
func (db *DB) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', started_at = NULL
         WHERE status = 'running' AND started_at < ?`,
		utc(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

func (db *DB) CountPendingJobsByKind(ctx context.Context, kinds ...models.TaskKind) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(kinds))
	args := make([]any, len(kinds))
	for i, k := range kinds {
		placeholders[i] = "?"
		args[i] = k
	}

	query := `SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs by kind: %w", err)
	}
	return n, nil
}

// HasCompletedSince reports whether the runner finished any task (ok or failed) at or after since.
func (db *DB) HasCompletedSince(ctx context.Context, since time.Time) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE status IN ('complete', 'failed') AND completed_at >= ?)`,
		utc(since),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe completed jobs: %w", err)
	}
	return exists, nil
}

// HasPendingScheduledBefore reports whether any task has been due since before cutoff and is still pending.
func (db *DB) HasPendingScheduledBefore(ctx context.Context, cutoff time.Time) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE status = 'pending' AND scheduled_at < ?)`,
		utc(cutoff),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe pending jobs: %w", err)
	}
	return exists, nil
}
