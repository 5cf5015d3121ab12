package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/extract"
	"github.com/soheilrt/play-scraper/internal/kafka"
	"github.com/soheilrt/play-scraper/internal/postgres"
	redisstore "github.com/soheilrt/play-scraper/internal/redis"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

const adminBatch = 100

// errDrainGrace cancels fetches still running when the drain grace period ends.
var errDrainGrace = errors.New("drain grace period elapsed")

// ResultStore keeps extraction results.
type ResultStore interface {
	SetResult(ctx context.Context, r *domain.Result) error
}

// Publisher announces finished attempts.
type Publisher interface {
	Publish(ctx context.Context, ev *kafka.ResultEvent) error
}

// AdminSource yields operator commands for the lease holder to apply.
type AdminSource interface {
	Drain(ctx context.Context, max int64) ([]*redisstore.AdminCommand, error)
}

// Worker claims tasks while holding the lease, runs them through the
// extractor and commits the outcome back to the queue.
type Worker struct {
	id        string
	queue     *redisstore.Queue
	guard     *Guard
	extractor extract.Extractor

	results ResultStore
	events  Publisher
	history postgres.ExecutionLog
	limiter redisstore.RateLimiter
	admin   AdminSource
	logger  *slog.Logger

	batchSize      int
	concurrency    int
	claimTTL       time.Duration
	fetchTimeout   time.Duration
	pollInterval   time.Duration
	drainGrace     time.Duration
	exitOnDemotion bool

	state    atomic.Int32
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithBatchSize(n int) Option                 { return func(w *Worker) { w.batchSize = n } }
func WithConcurrency(n int) Option               { return func(w *Worker) { w.concurrency = n } }
func WithClaimTTL(d time.Duration) Option        { return func(w *Worker) { w.claimTTL = d } }
func WithFetchTimeout(d time.Duration) Option    { return func(w *Worker) { w.fetchTimeout = d } }
func WithPollInterval(d time.Duration) Option    { return func(w *Worker) { w.pollInterval = d } }
func WithDrainGrace(d time.Duration) Option      { return func(w *Worker) { w.drainGrace = d } }
func WithExitOnDemotion(b bool) Option           { return func(w *Worker) { w.exitOnDemotion = b } }
func WithLogger(l *slog.Logger) Option           { return func(w *Worker) { w.logger = l } }
func WithResults(r ResultStore) Option           { return func(w *Worker) { w.results = r } }
func WithPublisher(p Publisher) Option           { return func(w *Worker) { w.events = p } }
func WithHistory(h postgres.ExecutionLog) Option { return func(w *Worker) { w.history = h } }
func WithRateLimiter(l redisstore.RateLimiter) Option {
	return func(w *Worker) { w.limiter = l }
}
func WithAdmin(a AdminSource) Option { return func(w *Worker) { w.admin = a } }

// NewWorker constructs a Worker. id doubles as the lease token, so it must be
// unique per process.
func NewWorker(id string, queue *redisstore.Queue, guard *Guard, extractor extract.Extractor, opts ...Option) *Worker {
	w := &Worker{
		id:           id,
		queue:        queue,
		guard:        guard,
		extractor:    extractor,
		history:      postgres.NopLog{},
		logger:       slog.Default(),
		batchSize:    10,
		concurrency:  4,
		claimTTL:     2 * time.Minute,
		fetchTimeout: 30 * time.Second,
		pollInterval: time.Second,
		drainGrace:   20 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	w.logger = w.logger.With(slog.String("worker_id", id))
	w.setState(StateIdle)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// InFlight returns the number of tasks currently being fetched.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	telemetry.SetState(s.String(), stateNames)
	if prev != s {
		w.logger.Info("state change", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Run drives the worker until ctx is cancelled. It returns nil after a clean
// drain, or an error when the store stays unreachable during acquisition or
// the lease is lost with exit-on-demotion set.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateTerminated)

	for {
		w.setState(StateAcquiring)
		err := w.guard.Acquire(ctx)
		switch {
		case ctx.Err() != nil:
			if err == nil {
				w.release()
			}
			return nil
		case errors.Is(err, ErrLeaseHeld):
			w.logger.Info("lease held elsewhere, standing by")
			if !sleep(ctx, w.pollInterval) {
				return nil
			}
			continue
		case err != nil:
			return fmt.Errorf("acquire lease: %w", err)
		}

		telemetry.LeaseAcquisitions.Inc()
		err = w.activate(ctx)
		if err == nil {
			return nil
		}

		w.setState(StateDemoted)
		telemetry.LeaseDemotions.Inc()
		w.logger.Error("activation aborted", slog.String("error", err.Error()))
		if w.exitOnDemotion {
			return err
		}
		if !sleep(ctx, w.pollInterval) {
			return nil
		}
	}
}

// activate runs cycles while the lease is held. It returns nil when ctx is
// cancelled and the drain finished, or the cause of the demotion.
func (w *Worker) activate(ctx context.Context) error {
	w.setState(StateActive)

	// leaseCtx ends only when the lease is lost or the activation is over;
	// shutdown alone must not cut off commits of a draining batch.
	leaseCtx, endLease := context.WithCancelCause(context.WithoutCancel(ctx))
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		_ = w.guard.Keep(leaseCtx, endLease)
	}()

	writer := w.queue.Writer(w.guard.Token())
	var fatal error
	for ctx.Err() == nil && leaseCtx.Err() == nil {
		n, err := w.cycle(ctx, leaseCtx, writer)
		if err != nil {
			if domain.IsFatal(err) {
				fatal = err
				break
			}
			w.logger.Error("cycle failed", slog.String("error", err.Error()))
		}
		if n == 0 && !sleep(ctx, w.pollInterval, leaseCtx) {
			break
		}
	}

	// A lost lease explains whatever the cycle failed with.
	if leaseCtx.Err() != nil {
		fatal = context.Cause(leaseCtx)
	}
	endLease(nil)
	<-kept

	if fatal != nil {
		return fatal
	}

	w.setState(StateDraining)
	w.release()
	return nil
}

func (w *Worker) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.guard.Release(ctx); err != nil {
		w.logger.Warn("lease release failed, it will expire on its own", slog.String("error", err.Error()))
	}
}

// cycle is one pass of the active loop: sweep, admin commands, claim, process.
// It returns how many tasks were fetched; deferred tasks do not count, so a
// fully throttled batch makes the loop wait.
func (w *Worker) cycle(ctx, leaseCtx context.Context, writer *redisstore.Writer) (int, error) {
	cycleCtx, span := telemetry.StartSpan(leaseCtx, "worker.cycle")
	defer span.End()

	swept, err := writer.SweepExpired(cycleCtx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if len(swept) > 0 {
		telemetry.WorkerTasksSwept.Add(float64(len(swept)))
		w.logger.Warn("requeued expired claims", slog.Int("count", len(swept)), slog.Any("task_ids", swept))
	}

	if err := w.applyAdmin(cycleCtx, writer); err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, nil
	}

	tasks, err := writer.Claim(cycleCtx, w.batchSize, w.claimTTL)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	w.observeDepth(cycleCtx)
	if len(tasks) == 0 {
		return 0, nil
	}
	telemetry.WorkerTasksClaimed.Add(float64(len(tasks)))
	span.SetAttributes(attribute.Int("batch.size", len(tasks)))

	return w.runBatch(ctx, cycleCtx, writer, tasks)
}

// runBatch processes tasks on a bounded pool. Per-task failures are committed
// and swallowed; store and lease errors abort the batch. On shutdown the
// batch gets drainGrace to finish before its fetches are cancelled.
func (w *Worker) runBatch(ctx, leaseCtx context.Context, writer *redisstore.Writer, tasks []*domain.Task) (int, error) {
	batchCtx, cancelBatch := context.WithCancelCause(leaseCtx)
	defer cancelBatch(nil)

	stop := context.AfterFunc(ctx, func() {
		w.setState(StateDraining)
		t := time.NewTimer(w.drainGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelBatch(errDrainGrace)
		case <-batchCtx.Done():
		}
	})
	defer stop()

	var fetched atomic.Int64
	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(w.concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			ran, err := w.process(gctx, leaseCtx, writer, task)
			if ran {
				fetched.Add(1)
			}
			return err
		})
	}
	err := g.Wait()

	if cause := context.Cause(batchCtx); errors.Is(cause, errDrainGrace) {
		w.logger.Warn("drain grace elapsed, unfinished tasks left for the next sweep")
	}
	return int(fetched.Load()), err
}

// process runs one task and reports whether the extractor was called.
// fetchCtx bounds the fetch; commitCtx is used for queue mutations so a
// draining batch can still commit.
func (w *Worker) process(fetchCtx, commitCtx context.Context, writer *redisstore.Writer, task *domain.Task) (bool, error) {
	ctx, span := telemetry.StartSpan(fetchCtx, "worker.process_task",
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", task.Kind),
	)
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	log := w.logger.With(slog.String("task_id", task.ID), slog.String("kind", task.Kind))

	if w.limiter != nil {
		ok, err := w.limiter.Allow(commitCtx, task.Kind)
		if err != nil {
			spanErr = err
			return false, err
		}
		if !ok {
			if err := writer.Defer(commitCtx, task.ID); err != nil {
				return false, w.commitErr(log, task.Kind, err)
			}
			log.Debug("kind throttled, task deferred")
			w.finish(commitCtx, task, domain.OutcomeDeferred, nil, nil, 0)
			return false, nil
		}
	}

	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.Inc()
	start := time.Now()
	res, err := w.fetch(ctx, task)
	elapsed := time.Since(start)
	telemetry.WorkerTasksInFlight.Dec()
	w.inFlight.Add(-1)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Kind).Observe(elapsed.Seconds())

	if err != nil && fetchCtx.Err() != nil {
		// Abandoned: lease lost, a fatal error elsewhere in the batch, or the
		// drain grace ran out. The claim expires and is swept later.
		telemetry.WorkerTasksAbandoned.Inc()
		log.Warn("task abandoned in flight", slog.String("cause", context.Cause(fetchCtx).Error()))
		return true, nil
	}

	if err == nil {
		if err = w.store(commitCtx, res); err != nil && domain.IsFatal(err) {
			spanErr = err
			return true, err
		}
	}
	if err != nil {
		spanErr = err
		return true, w.fail(commitCtx, log, writer, task, err, elapsed)
	}

	if err := writer.Complete(commitCtx, task.ID); err != nil {
		return true, w.commitErr(log, task.Kind, err)
	}
	log.Info("task completed",
		slog.Int64("duration_ms", elapsed.Milliseconds()),
		slog.Int("discovered", len(res.Discovered)),
	)
	w.finish(commitCtx, task, domain.OutcomeDone, res, nil, elapsed)
	return true, nil
}

// fail records a failed attempt. The task goes back to pending or to the
// dead set, depending on the cause and the retry ceiling.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, writer *redisstore.Writer, task *domain.Task, cause error, elapsed time.Duration) error {
	status, err := writer.Fail(ctx, task.ID, cause)
	if err != nil {
		return w.commitErr(log, task.Kind, err)
	}
	outcome := domain.OutcomeRetry
	if status == domain.StatusDead {
		outcome = domain.OutcomeDead
	}
	log.Warn("task failed",
		slog.String("outcome", string(outcome)),
		slog.Int("attempt", task.Attempts+1),
		slog.String("error", cause.Error()),
	)
	w.finish(ctx, task, outcome, nil, cause, elapsed)
	return nil
}

// fetch calls the extractor with the fetch timeout and classifies its error.
func (w *Worker) fetch(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	res, err := w.extractor.Extract(ctx, task)
	if err != nil {
		return nil, extract.Classify(task.ID, err)
	}
	if res == nil {
		res = &domain.Result{TaskID: task.ID, FetchedAt: time.Now().UTC()}
	}
	res.TaskID = task.ID
	return res, nil
}

// store persists the result and enqueues its follow-ups before the parent
// is completed, so a crash in between only repeats work.
func (w *Worker) store(ctx context.Context, res *domain.Result) error {
	for _, next := range res.Discovered {
		added, err := w.queue.Enqueue(ctx, next)
		if err != nil {
			if domain.IsFatal(err) {
				return err
			}
			continue // already done, dead or malformed
		}
		if added {
			telemetry.TasksEnqueued.WithLabelValues(next.Kind, "discovered").Inc()
		}
	}
	if w.results != nil {
		if err := w.results.SetResult(ctx, res); err != nil {
			return fmt.Errorf("store result: %w", err)
		}
	}
	return nil
}

// commitErr surfaces a failed queue mutation. Store and lease errors abort the
// activation; anything else is logged and the task is left to the sweep.
func (w *Worker) commitErr(log *slog.Logger, kind string, err error) error {
	if domain.IsFatal(err) {
		return err
	}
	var unknown *domain.UnknownTaskError
	if errors.As(err, &unknown) {
		telemetry.WorkerTasksProcessed.WithLabelValues(kind, "unknown").Inc()
	}
	log.Error("queue commit failed", slog.String("error", err.Error()))
	return nil
}

// finish records the attempt in the metrics, the execution history and the
// results topic. History and events are best effort.
func (w *Worker) finish(ctx context.Context, task *domain.Task, outcome domain.Outcome, res *domain.Result, cause error, elapsed time.Duration) {
	telemetry.WorkerTasksProcessed.WithLabelValues(task.Kind, string(outcome)).Inc()

	attempt := task.Attempts + 1
	if outcome == domain.OutcomeDeferred {
		attempt = task.Attempts
	}
	exec := &domain.TaskExecution{
		TaskID:     task.ID,
		Kind:       task.Kind,
		WorkerID:   w.id,
		Attempt:    attempt,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
		ExecutedAt: time.Now().UTC(),
	}
	if cause != nil {
		exec.Error = cause.Error()
	}
	if err := w.history.RecordExecution(ctx, exec); err != nil {
		w.logger.Error("failed to record execution", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}

	if w.events == nil || outcome == domain.OutcomeDeferred {
		return
	}
	ev := &kafka.ResultEvent{
		TaskID:   task.ID,
		Kind:     task.Kind,
		Target:   task.Target,
		Outcome:  outcome,
		Attempt:  attempt,
		WorkerID: w.id,
		Error:    exec.Error,
		Result:   res,
		At:       exec.ExecutedAt,
	}
	if err := w.events.Publish(ctx, ev); err != nil {
		w.logger.Error("failed to publish result event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (w *Worker) applyAdmin(ctx context.Context, writer *redisstore.Writer) error {
	if w.admin == nil {
		return nil
	}
	cmds, err := w.admin.Drain(ctx, adminBatch)
	if err != nil {
		return fmt.Errorf("drain admin commands: %w", err)
	}
	for _, cmd := range cmds {
		log := w.logger.With(
			slog.String("command_id", cmd.ID),
			slog.String("op", cmd.Op),
			slog.String("task_id", cmd.TaskID),
		)
		if cmd.Op != redisstore.OpRequeueDead {
			log.Warn("ignoring unknown admin command")
			telemetry.WorkerAdminCommands.WithLabelValues(cmd.Op, "unknown_op").Inc()
			continue
		}
		err := writer.RequeueDead(ctx, cmd.TaskID)
		var notFound *domain.TaskNotFoundError
		switch {
		case err == nil:
			log.Info("requeued dead-lettered task", slog.String("requested_by", cmd.RequestedBy))
			telemetry.WorkerAdminCommands.WithLabelValues(cmd.Op, "ok").Inc()
		case errors.As(err, &notFound):
			log.Warn("admin requeue: task is not dead-lettered")
			telemetry.WorkerAdminCommands.WithLabelValues(cmd.Op, "not_found").Inc()
		default:
			return fmt.Errorf("apply admin command %s: %w", cmd.ID, err)
		}
	}
	return nil
}

func (w *Worker) observeDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	telemetry.QueueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
	telemetry.QueueDepth.WithLabelValues("done").Set(float64(stats.Done))
	telemetry.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

// sleep waits for d and reports false if any of ctxs ended first.
func sleep(ctx context.Context, d time.Duration, more ...context.Context) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	var extra <-chan struct{}
	if len(more) > 0 {
		extra = more[0].Done()
	}
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-extra:
		return false
	}
}
