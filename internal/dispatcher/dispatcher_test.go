package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/database"
	"erpsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestDispatcher(t *testing.T, redisClient *redis.Client) (*Dispatcher, *database.DB) {
	t.Helper()
	db := setupTestDB(t)
	d := New(db, redisClient, config.DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil)
	return d, db
}

func noopHandler(context.Context, *models.Task, models.Payload) error { return nil }

func TestRegister(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	require.NoError(t, d.Register(models.TaskOrderIntegration, noopHandler))
	assert.ErrorIs(t, d.Register(models.TaskOrderIntegration, noopHandler), ErrAlreadyRegistered)
	assert.ErrorIs(t, d.Register("email", noopHandler), ErrUnknownKind)
	assert.Error(t, d.Register(models.TaskStockUpdate, nil))
}

func TestEnqueue_Dedup(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx := context.Background()

	task, err := d.Enqueue(ctx, models.OrderIntegration{OrderID: 100}, 0)
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = d.Enqueue(ctx, models.OrderIntegration{OrderID: 100, Trigger: "again"}, 0)
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := db.CountPendingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_CatalogDelayFloor(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	now := time.Now()
	d.now = func() time.Time { return now }

	task, err := d.Enqueue(context.Background(), models.ProductImport{}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(models.CatalogMinDelay), task.ScheduledAt, time.Millisecond)

	task, err = d.Enqueue(context.Background(), models.StockUpdate{}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), task.ScheduledAt, time.Millisecond)

	order, err := d.Enqueue(context.Background(), models.OrderIntegration{OrderID: 1}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, now, order.ScheduledAt, time.Millisecond)
}

func TestEnqueue_ConfigCannotLowerCatalogFloor(t *testing.T) {
	db := setupTestDB(t)
	d := New(db, nil, config.DispatcherConfig{CatalogDelay: time.Second}, nil)
	assert.Equal(t, models.CatalogMinDelay, d.cfg.CatalogDelay)
}

func TestRunSynchronously(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	err := d.RunSynchronously(ctx, models.OrderIntegration{OrderID: 5})
	assert.ErrorIs(t, err, ErrNoHandler)

	var got models.Payload
	require.NoError(t, d.Register(models.TaskOrderIntegration, func(_ context.Context, task *models.Task, p models.Payload) error {
		assert.Zero(t, task.ID)
		got = p
		return nil
	}))
	require.NoError(t, d.RunSynchronously(ctx, models.OrderIntegration{OrderID: 5}))
	assert.Equal(t, models.OrderIntegration{OrderID: 5}, got)

	require.NoError(t, d.Register(models.TaskStockUpdate, func(context.Context, *models.Task, models.Payload) error {
		panic("boom")
	}))
	assert.Error(t, d.RunSynchronously(ctx, models.StockUpdate{}))
}

func TestForceDrainNeverBlocks(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	for i := 0; i < 5; i++ {
		d.ForceDrain()
	}
}

func TestRunner_ProcessesTasks(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, d.Register(models.TaskOrderIntegration, func(context.Context, *models.Task, models.Payload) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, d.Register(models.TaskRetryOrderIntegration, func(context.Context, *models.Task, models.Payload) error {
		return errors.New("erp down")
	}))

	assert.False(t, d.IsAvailable())
	go d.Start(ctx)
	require.Eventually(t, d.IsAvailable, time.Second, 5*time.Millisecond)

	ok, err := d.Enqueue(ctx, models.OrderIntegration{OrderID: 1}, 0)
	require.NoError(t, err)
	failing, err := d.Enqueue(ctx, models.RetryOrderIntegration{OrderID: 1, Attempt: 2}, 0)
	require.NoError(t, err)
	d.ForceDrain()

	require.Eventually(t, func() bool {
		task, err := db.GetJob(ctx, ok.ID)
		return err == nil && task.Status == models.TaskComplete
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		task, err := db.GetJob(ctx, failing.ID)
		return err == nil && task.Status == models.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())

	cancel()
	require.Eventually(t, func() bool { return !d.IsAvailable() }, time.Second, 5*time.Millisecond)
}

func TestRunner_UnregisteredKindFails(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := d.Enqueue(ctx, models.OrderIntegration{OrderID: 9}, 0)
	require.NoError(t, err)

	go d.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := db.GetJob(ctx, task.ID)
		return err == nil && got.Status == models.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_RedisWakeQueue(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	d, db := newTestDispatcher(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := d.Enqueue(ctx, models.OrderIntegration{OrderID: 3}, 0)
	require.NoError(t, err)

	entries, err := s.List(models.DefaultWakeQueueKey)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.FormatInt(task.ID, 10)}, entries)

	done := make(chan struct{})
	require.NoError(t, d.Register(models.TaskOrderIntegration, func(context.Context, *models.Task, models.Payload) error {
		close(done)
		return nil
	}))
	go d.Start(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not processed")
	}

	require.Eventually(t, func() bool {
		got, err := db.GetJob(ctx, task.ID)
		return err == nil && got.Status == models.TaskComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_DelayedTaskWaits(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Register(models.TaskRetryOrderIntegration, noopHandler))
	task, err := d.Enqueue(ctx, models.RetryOrderIntegration{OrderID: 4, Attempt: 2}, time.Hour)
	require.NoError(t, err)

	go d.Start(ctx)
	require.Eventually(t, d.IsAvailable, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got, err := db.GetJob(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestRunner_TaskQueuesItsOwnFollowUp(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []int
	)
	require.NoError(t, d.Register(models.TaskRetryOrderIntegration, func(ctx context.Context, task *models.Task, p models.Payload) error {
		retry := p.(models.RetryOrderIntegration)
		mu.Lock()
		seen = append(seen, retry.Attempt)
		mu.Unlock()

		cur, ok := TaskFromContext(ctx)
		if !ok || cur.ID != task.ID {
			return errors.New("running task missing from context")
		}
		if retry.Attempt < 3 {
			_, err := d.Enqueue(ctx, models.RetryOrderIntegration{OrderID: retry.OrderID, Attempt: retry.Attempt + 1}, 0)
			return err
		}
		return nil
	}))

	first, err := d.Enqueue(ctx, models.RetryOrderIntegration{OrderID: 5, Attempt: 1}, 0)
	require.NoError(t, err)

	go d.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		active, err := db.FindActiveJob(ctx, models.TaskRetryOrderIntegration, "5")
		return err == nil && active == nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, seen)
	mu.Unlock()

	got, err := db.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskComplete, got.Status)
}

func TestEnqueue_DuplicateOutsideRunningTask(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx := context.Background()

	task, err := d.Enqueue(ctx, models.RetryOrderIntegration{OrderID: 6, Attempt: 2}, 0)
	require.NoError(t, err)
	ok, err := db.ClaimJob(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Another task's context does not free the slot.
	other := &models.Task{ID: task.ID + 100, Kind: models.TaskRetryOrderIntegration, EntityKey: "7"}
	_, err = d.Enqueue(WithTask(ctx, other), models.RetryOrderIntegration{OrderID: 6, Attempt: 3}, 0)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, ok = TaskFromContext(WithTask(ctx, &models.Task{Kind: models.TaskOrderIntegration}))
	assert.False(t, ok)
}

func TestRunner_SlowTaskDoesNotBlockOthers(t *testing.T) {
	db := setupTestDB(t)
	d := New(db, nil, config.DispatcherConfig{PollInterval: 10 * time.Millisecond, Workers: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		require.Eventually(t, func() bool { return !d.IsAvailable() }, 2*time.Second, 5*time.Millisecond)
	}()

	unblock := make(chan struct{})
	fastDone := make(chan struct{})
	require.NoError(t, d.Register(models.TaskOrderIntegration, func(ctx context.Context, _ *models.Task, p models.Payload) error {
		if p.(models.OrderIntegration).OrderID == 1 {
			select {
			case <-unblock:
			case <-ctx.Done():
			}
			return nil
		}
		close(fastDone)
		return nil
	}))

	slow, err := d.Enqueue(ctx, models.OrderIntegration{OrderID: 1}, 0)
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, models.OrderIntegration{OrderID: 2}, 0)
	require.NoError(t, err)

	go d.Start(ctx)

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second order waited for the first")
	}

	got, err := db.GetJob(ctx, slow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)

	close(unblock)
	require.Eventually(t, func() bool {
		got, err := db.GetJob(ctx, slow.ID)
		return err == nil && got.Status == models.TaskComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_StopWaitsForInFlightTasks(t *testing.T) {
	d, db := newTestDispatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	require.NoError(t, d.Register(models.TaskStockUpdate, func(ctx context.Context, _ *models.Task, _ models.Payload) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	task, err := d.Enqueue(ctx, models.StockUpdate{}, 0)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE jobs SET scheduled_at = ? WHERE id = ?`, time.Now().UTC().Add(-time.Second), task.ID)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(stopped)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	// The handler's failure was recorded before Start returned.
	got, err := db.GetJob(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
}
