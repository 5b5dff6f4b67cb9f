package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/database"
	"erpsync/internal/logging"
	"erpsync/internal/metrics"
	"erpsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicate means an equivalent task is already pending or running.
	ErrDuplicate         = errors.New("duplicate task")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrNoHandler         = errors.New("no handler registered for task kind")
	ErrAlreadyRegistered = errors.New("handler already registered")
)

// Handler executes one task. The payload is already decoded for the task's kind.
// task.ID is zero on the synchronous path.
type Handler func(ctx context.Context, task *models.Task, payload models.Payload) error

// Dispatcher schedules integration tasks in the job store and runs them on a background runner.
type Dispatcher struct {
	db     *database.DB
	redis  *redis.Client
	cfg    config.DispatcherConfig
	logger *zerolog.Logger

	mu       sync.RWMutex
	handlers map[models.TaskKind]Handler

	queue   chan int64
	wake    chan struct{}
	running atomic.Bool

	now func() time.Time
}

// New builds a dispatcher. redisClient may be nil; the runner then relies on the
// in-process queue and database polling.
func New(db *database.DB, redisClient *redis.Client, cfg config.DispatcherConfig, logger *zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = models.DefaultWorkers
	}
	if cfg.CatalogDelay < models.CatalogMinDelay {
		cfg.CatalogDelay = models.CatalogMinDelay
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = models.StaleRunningAfter
	}
	if cfg.WakeQueueKey == "" {
		cfg.WakeQueueKey = models.DefaultWakeQueueKey
	}

	return &Dispatcher{
		db:       db,
		redis:    redisClient,
		cfg:      cfg,
		logger:   logging.Component(logger, "dispatcher"),
		handlers: make(map[models.TaskKind]Handler),
		queue:    make(chan int64, 128),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Register binds a handler to a task kind. A kind can be bound only once.
func (d *Dispatcher) Register(kind models.TaskKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if h == nil {
		return errors.New("handler is nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}
	d.handlers[kind] = h
	return nil
}

func (d *Dispatcher) handler(kind models.TaskKind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Enqueue persists a task to run after delay. Catalog kinds never start before the
// configured catalog delay. Returns ErrDuplicate when the dedup key is taken.
func (d *Dispatcher) Enqueue(ctx context.Context, p models.Payload, delay time.Duration) (*models.Task, error) {
	kind := p.Kind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if kind.IsCatalog() && delay < d.cfg.CatalogDelay {
		delay = d.cfg.CatalogDelay
	}
	if delay < 0 {
		delay = 0
	}

	raw, encErr := models.EncodePayload(p)
	if encErr != nil {
		return nil, encErr
	}

	now := d.now()
	task := &models.Task{
		Kind:        kind,
		EntityKey:   p.EntityKey(),
		Payload:     raw,
		CreatedAt:   now,
		ScheduledAt: now.Add(delay),
	}

	var err error
	if cur, ok := TaskFromContext(ctx); ok && cur.Kind == kind && cur.EntityKey == task.EntityKey {
		// The running task is queueing its own follow-up; its row gives up the dedup slot.
		err = d.db.HandOffJob(ctx, cur.ID, task)
	} else {
		err = d.db.CreateJob(ctx, task)
	}
	if err != nil {
		if errors.Is(err, database.ErrDuplicateTask) {
			metrics.IncDeduplicated(string(kind))
			d.logger.Debug().Str("kind", string(kind)).Str("entity_key", task.EntityKey).Msg("duplicate task skipped")
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, kind, task.EntityKey)
		}
		return nil, fmt.Errorf("persist task: %w", err)
	}
	metrics.IncEnqueued(string(kind))

	d.logger.Info().
		Int64("task_id", task.ID).
		Str("kind", string(kind)).
		Str("entity_key", task.EntityKey).
		Time("scheduled_at", task.ScheduledAt).
		Msg("task enqueued")

	if delay == 0 {
		d.signal(ctx, task.ID)
	}
	return task, nil
}

// signal hands a due task id to the runner: redis first, then the local queue.
// Losing the signal is harmless, the runner also polls the store.
func (d *Dispatcher) signal(ctx context.Context, id int64) {
	if d.redis != nil {
		err := d.redis.LPush(ctx, d.cfg.WakeQueueKey, strconv.FormatInt(id, 10)).Err()
		if err == nil {
			return
		}
		d.logger.Warn().Err(err).Int64("task_id", id).Msg("redis push failed, fallback to memory queue")
	}

	select {
	case d.queue <- id:
	default:
		d.logger.Warn().Int64("task_id", id).Msg("in-memory queue full, task left to polling")
	}
}

// IsAvailable reports whether the background runner is up. Callers fall back to
// RunSynchronously when it is not.
func (d *Dispatcher) IsAvailable() bool {
	return d.running.Load()
}

// RunSynchronously executes the task body inline, blocking the caller until it returns.
func (d *Dispatcher) RunSynchronously(ctx context.Context, p models.Payload) error {
	kind := p.Kind()
	h, ok := d.handler(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}

	task := &models.Task{Kind: kind, EntityKey: p.EntityKey(), Status: models.TaskRunning, CreatedAt: d.now()}
	err := safeCall(ctx, h, task, p)
	metrics.IncProcessed(string(kind), "sync", resultLabel(err))
	if err != nil {
		return fmt.Errorf("run %s synchronously: %w", kind, err)
	}
	return nil
}

// ForceDrain nudges the runner to look for due work now. It never blocks and
// gives no completion guarantee.
func (d *Dispatcher) ForceDrain() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

type taskKey struct{}

// WithTask marks ctx as running inside the stored task. Tasks without an ID are ignored.
func WithTask(ctx context.Context, task *models.Task) context.Context {
	if task == nil || task.ID == 0 {
		return ctx
	}
	return context.WithValue(ctx, taskKey{}, task)
}

// TaskFromContext returns the stored task the caller is running inside, if any.
func TaskFromContext(ctx context.Context) (*models.Task, bool) {
	task, ok := ctx.Value(taskKey{}).(*models.Task)
	return task, ok
}

func safeCall(ctx context.Context, h Handler, task *models.Task, p models.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(WithTask(ctx, task), task, p)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
