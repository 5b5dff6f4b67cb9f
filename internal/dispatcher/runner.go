package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"erpsync/internal/metrics"
	"erpsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// Start runs the runner loop until ctx is done. Up to cfg.Workers claimed tasks run at once;
// Start returns after the in-flight ones finish.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Warn().Msg("runner already started")
		return
	}
	defer d.running.Store(false)

	d.logger.Info().Int("workers", d.cfg.Workers).Msg("runner started")
	defer d.logger.Info().Msg("runner stopped")

	p := &pool{slots: make(chan struct{}, d.cfg.Workers)}
	defer p.wg.Wait()

	d.requeueStale(ctx)
	lastRequeue := d.now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if id, ok := d.tryLocalQueue(); ok {
			d.runByID(ctx, p, id)
			continue
		}

		if id, ok := d.tryRedis(ctx); ok {
			d.runByID(ctx, p, id)
			continue
		}

		processed := d.drainDue(ctx, p)
		if processed > 0 {
			continue
		}

		if d.now().Sub(lastRequeue) >= d.cfg.StaleRunningAfter/2 {
			d.requeueStale(ctx)
			lastRequeue = d.now()
		}

		d.idle(ctx)
	}
}

// pool bounds concurrent task execution. A slot is taken before a task is claimed,
// so a claimed task never waits for a worker.
type pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func (p *pool) acquire(ctx context.Context) bool {
	select {
	case p.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pool) release() { <-p.slots }

func (p *pool) run(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		fn()
	}()
}

func (d *Dispatcher) tryLocalQueue() (int64, bool) {
	select {
	case id := <-d.queue:
		return id, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) tryRedis(ctx context.Context) (int64, bool) {
	if d.redis == nil {
		return 0, false
	}
	res, err := d.redis.BRPop(ctx, time.Second, d.cfg.WakeQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
			return 0, false
		}
		d.logger.Error().Err(err).Msg("redis BRPOP error")
		return 0, false
	}
	if len(res) != 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		d.logger.Error().Err(err).Str("value", res[1]).Msg("decode redis wake entry")
		return 0, false
	}
	return id, true
}

// drainDue claims and starts up to BatchSize due tasks from the store.
func (d *Dispatcher) drainDue(ctx context.Context, p *pool) int {
	processed := 0
	for processed < d.cfg.BatchSize {
		if !p.acquire(ctx) {
			return processed
		}
		task, err := d.db.ClaimDueJob(ctx, d.now())
		if err != nil {
			p.release()
			d.logger.Error().Err(err).Msg("fetch due task")
			return processed
		}
		if task == nil {
			p.release()
			return processed
		}
		p.run(func() { d.process(ctx, task) })
		processed++
	}
	return processed
}

func (d *Dispatcher) idle(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-timer.C:
	}
}

// runByID starts a signalled task if it is still pending and due.
func (d *Dispatcher) runByID(ctx context.Context, p *pool, id int64) {
	if !p.acquire(ctx) {
		return
	}
	ok, err := d.db.ClaimJob(ctx, id, d.now())
	if err != nil {
		p.release()
		d.logger.Error().Err(err).Int64("task_id", id).Msg("claim signalled task")
		return
	}
	if !ok {
		p.release()
		return
	}
	task, err := d.db.GetJob(ctx, id)
	if err != nil {
		p.release()
		d.logger.Error().Err(err).Int64("task_id", id).Msg("load claimed task")
		return
	}
	p.run(func() { d.process(ctx, task) })
}

// process executes a claimed task and records its terminal job status.
// Retry policy belongs to the handlers; a failed job is never re-run here.
func (d *Dispatcher) process(ctx context.Context, task *models.Task) {
	log := d.logger.With().Int64("task_id", task.ID).Str("kind", string(task.Kind)).Str("entity_key", task.EntityKey).Logger()

	runErr := d.execute(ctx, task)
	metrics.IncProcessed(string(task.Kind), "async", resultLabel(runErr))

	// Terminal status must land even if the runner is shutting down.
	storeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Int("attempts", task.Attempts).Msg("task failed")
		if err := d.db.FailJob(storeCtx, task.ID, runErr.Error(), d.now()); err != nil {
			log.Error().Err(err).Msg("mark task failed")
		}
		return
	}

	if err := d.db.CompleteJob(storeCtx, task.ID, d.now()); err != nil {
		log.Error().Err(err).Msg("mark task complete")
		return
	}
	log.Debug().Msg("task complete")
}

func (d *Dispatcher) execute(ctx context.Context, task *models.Task) error {
	payload, err := models.DecodePayload(task.Kind, task.Payload)
	if err != nil {
		return err
	}
	h, ok := d.handler(task.Kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, task.Kind)
	}
	return safeCall(ctx, h, task, payload)
}

func (d *Dispatcher) requeueStale(ctx context.Context) {
	n, err := d.db.RequeueStaleJobs(ctx, d.now().Add(-d.cfg.StaleRunningAfter))
	if err != nil {
		d.logger.Error().Err(err).Msg("requeue stale tasks")
		return
	}
	if n > 0 {
		d.logger.Warn().Int64("count", n).Msg("requeued stale running tasks")
	}
}
