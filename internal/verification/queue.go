package verification

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"rollcall/internal/verification/metrics"
)

// ErrQueueFull is the terminal admission rejection. Callers surface it to the
// participant immediately; it never enters retry accounting.
var ErrQueueFull = errors.New("verification queue full")

// Config bounds the queue and its worker pool. Zero values fall back to the
// defaults the service shipped with.
type Config struct {
	// Capacity is the maximum number of admitted-but-unprocessed tasks.
	Capacity int
	// MinWorkers is the pool floor; the pool never idles below it.
	MinWorkers int
	// MaxWorkers is the absolute pool ceiling.
	MaxWorkers int
	// BudgetFraction of the host's concurrency budget reserved for this
	// pool; the effective ceiling is min(MaxWorkers, budget).
	BudgetFraction float64
	// ScaleInterval is how often the supervisor re-evaluates the pool size.
	ScaleInterval time.Duration
	// ScaleCooldown is the minimum gap between two scaling decisions.
	ScaleCooldown time.Duration
	// CompareTimeout bounds one comparison-service call.
	CompareTimeout time.Duration
	// Threshold is the confidence score a comparison must reach to pass.
	Threshold float64
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 100
	}
	if c.BudgetFraction <= 0 || c.BudgetFraction > 1 {
		c.BudgetFraction = 0.8
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = time.Second
	}
	if c.ScaleCooldown <= 0 {
		c.ScaleCooldown = 5 * time.Second
	}
	if c.CompareTimeout <= 0 {
		c.CompareTimeout = 10 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 50
	}
	return c
}

// budget is the worker headcount the host can sustain: a fixed fraction of
// available parallelism, doubled because workers spend most of their time
// blocked on external calls.
func (c Config) budget() int {
	cores := int(float64(runtime.GOMAXPROCS(0)) * c.BudgetFraction)
	if cores < 1 {
		cores = 1
	}
	b := cores * 2
	if b < c.MinWorkers {
		b = c.MinWorkers
	}
	return b
}

// targetWorkers is the pure scaling decision: grow when the backlog is more
// than twice the pool, shrink gently when the pool is mostly idle.
func targetWorkers(depth, current, floor, ceiling int) int {
	target := current
	switch {
	case depth > current*2 && current < ceiling:
		step := depth / 4
		if step < 2 {
			step = 2
		}
		target = current + step
	case depth < current/3 && current > floor:
		target = current - 1
	}
	if target > ceiling {
		target = ceiling
	}
	if target < floor {
		target = floor
	}
	return target
}

// Stats is a point-in-time snapshot of the queue, exposed on the status
// endpoint.
type Stats struct {
	Depth     int   `json:"depth"`
	Capacity  int   `json:"capacity"`
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
}

// Queue is the bounded verification queue with a supervisor-owned dynamic
// worker pool. Submit never blocks on verification work; workers pull tasks,
// run the fetch/compare/decide pipeline and publish exactly one result per
// task through the hub.
type Queue struct {
	cfg     Config
	tasks   chan Task
	retire  chan struct{}
	hub     *ResultHub
	logger  *slog.Logger
	metrics *metrics.Metrics

	refs     ReferenceStore
	compare  Comparer
	recorder Recorder
	guard    SessionGuard
	retries  FailureTracker

	mu sync.Mutex
	// workers counts live worker goroutines. Spawning increments it;
	// every worker exit path decrements it, so the count never drifts
	// from the goroutines actually running.
	workers   int
	lastScale time.Time

	wg        sync.WaitGroup
	processed atomic.Int64
	started   atomic.Bool
}

// NewQueue wires the queue. All collaborators are required except metrics.
func NewQueue(
	cfg Config,
	refs ReferenceStore,
	compare Comparer,
	recorder Recorder,
	guard SessionGuard,
	retries FailureTracker,
	hub *ResultHub,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:      cfg,
		tasks:    make(chan Task, cfg.Capacity),
		retire:   make(chan struct{}, cfg.MaxWorkers),
		hub:      hub,
		logger:   logger,
		metrics:  m,
		refs:     refs,
		compare:  compare,
		recorder: recorder,
		guard:    guard,
		retries:  retries,
	}
}

// Submit admits a task or rejects it immediately with ErrQueueFull.
// It never blocks beyond the channel send attempt.
func (q *Queue) Submit(task Task) error {
	select {
	case q.tasks <- task:
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(float64(len(q.tasks)))
		}
		return nil
	default:
		if q.metrics != nil {
			q.metrics.Rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Start spawns the floor worker set and the supervisor. It is idempotent;
// workers exit when ctx is canceled or when retired by a scale-down.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.scaleTo(ctx, q.cfg.MinWorkers)
	q.wg.Add(1)
	go q.supervise(ctx)
	q.logger.Info("verification queue started",
		"capacity", q.cfg.Capacity,
		"workers", q.cfg.MinWorkers,
		"ceiling", q.ceiling(),
	)
}

// Wait blocks until the supervisor and all workers have exited. Call after
// canceling the context passed to Start.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Stats returns a snapshot for the status endpoint.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	workers := q.workers
	q.mu.Unlock()
	return Stats{
		Depth:     len(q.tasks),
		Capacity:  q.cfg.Capacity,
		Workers:   workers,
		Processed: q.processed.Load(),
	}
}

func (q *Queue) ceiling() int {
	ceiling := q.cfg.MaxWorkers
	if b := q.cfg.budget(); b < ceiling {
		ceiling = b
	}
	return ceiling
}

// supervise recomputes the pool size on a fixed interval. Scale-up spawns
// workers; scale-down queues retirement tokens that idle workers consume, so
// in-flight tasks always run to completion.
func (q *Queue) supervise(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			if time.Since(q.lastScale) < q.cfg.ScaleCooldown {
				q.mu.Unlock()
				continue
			}
			current := q.workers
			q.mu.Unlock()

			depth := len(q.tasks)
			target := targetWorkers(depth, current, q.cfg.MinWorkers, q.ceiling())
			if target == current {
				continue
			}
			q.scaleTo(ctx, target)
			q.logger.Info("verification pool scaled",
				"depth", depth,
				"workers", target,
			)
		}
	}
}

func (q *Queue) scaleTo(ctx context.Context, target int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastScale = time.Now()
	// Clear retirement tokens left over from an earlier decision; a stale
	// token would retire a freshly spawned worker, and the pending
	// retirements are recounted below from the live worker count.
	for drained := false; !drained; {
		select {
		case <-q.retire:
		default:
			drained = true
		}
	}
	for q.workers < target {
		q.workers++
		q.wg.Add(1)
		go q.work(ctx)
	}
	for n := q.workers - target; n > 0; n-- {
		select {
		case q.retire <- struct{}{}:
		default:
		}
	}
	if q.metrics != nil {
		q.metrics.Workers.Set(float64(q.workers))
	}
}

// release records one worker exit.
func (q *Queue) release() {
	q.mu.Lock()
	q.workers--
	if q.metrics != nil {
		q.metrics.Workers.Set(float64(q.workers))
	}
	q.mu.Unlock()
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	defer q.release()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.retire:
			return
		case task := <-q.tasks:
			if q.metrics != nil {
				q.metrics.QueueDepth.Set(float64(len(q.tasks)))
			}
			res := q.process(ctx, task)
			q.processed.Add(1)
			if q.metrics != nil {
				q.metrics.IncrementTask(string(res.Outcome))
			}
			q.hub.Publish(res)
		}
	}
}

// process runs the verification pipeline for one task. Every failure mode is
// caught and classified here; nothing propagates out of the worker.
func (q *Queue) process(ctx context.Context, task Task) Result {
	res := Result{
		TaskID:        task.ID,
		SessionCode:   task.SessionCode,
		ParticipantID: task.ParticipantID,
		CompletedAt:   time.Now(),
	}

	reference, err := q.refs.Fetch(ctx, task.ParticipantID)
	if err != nil {
		q.logger.Warn("reference fetch failed",
			"request_id", task.RequestID,
			"participant", task.ParticipantID,
			"error", err,
		)
		res.Outcome = OutcomeError
		res.Reason = "reference unavailable"
		return q.finish(ctx, task, res)
	}

	compareCtx, cancel := context.WithTimeout(ctx, q.cfg.CompareTimeout)
	start := time.Now()
	match, err := q.compare.Compare(compareCtx, task.Probe, reference, q.cfg.Threshold)
	cancel()
	if q.metrics != nil {
		q.metrics.ObserveCompare(time.Since(start))
	}
	if err != nil {
		q.logger.Warn("comparison service failed",
			"request_id", task.RequestID,
			"participant", task.ParticipantID,
			"error", err,
		)
		res.Outcome = OutcomeError
		res.Reason = "comparison failed"
		return q.finish(ctx, task, res)
	}

	res.Score = match.Score
	if match.Matched {
		res.Outcome = OutcomePassed
	} else {
		res.Outcome = OutcomeFailed
	}
	return q.finish(ctx, task, res)
}

// finish applies the stale-task guard and the outcome's side effects. The
// guard runs first so results for expired sessions neither reach the record
// API nor charge the participant's retry budget. Recorder errors surface on
// the owner path, so the participant result stays "passed" here.
func (q *Queue) finish(ctx context.Context, task Task, res Result) Result {
	if !q.guard.IsActive(ctx, task.SessionCode) {
		q.logger.Debug("stale verification result discarded",
			"request_id", task.RequestID,
			"session", task.SessionCode,
			"participant", task.ParticipantID,
			"outcome", res.Outcome,
		)
		res.Outcome = OutcomeDiscarded
		res.Reason = "session no longer active"
		return res
	}
	switch res.Outcome {
	case OutcomeFailed:
		res.AttemptsLeft = q.retries.RegisterFailure(task.SessionID, task.ParticipantID)
	case OutcomePassed:
		if err := q.recorder.RecordPresence(ctx, task); err != nil {
			q.logger.Error("attendance submission failed",
				"request_id", task.RequestID,
				"session", task.SessionCode,
				"participant", task.ParticipantID,
				"error", err,
			)
		}
	default:
		// Errors are never charged against the retry budget.
	}
	return res
}
