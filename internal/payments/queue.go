package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/retry"
)

// Job is a queued materialization unit for one confirmed payment.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TxRef      string          `json:"tx_ref"`
	Amount     decimal.Decimal `json:"amount"`
	GatewayRef int64           `json:"gateway_ref"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Materializer turns a confirmed payment into ledger and order state.
type Materializer interface {
	Materialize(ctx context.Context, job Job) error
}

// FailedJob is a materialization that exhausted its retries. Money has
// been collected by the gateway but not credited; these rows are the
// operator's recovery queue.
type FailedJob struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TxRef      string          `json:"tx_ref"`
	Amount     decimal.Decimal `json:"amount"`
	GatewayRef int64           `json:"gateway_ref"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	FailedAt   time.Time       `json:"failed_at"`
}

// FailedStore persists exhausted materialization jobs.
type FailedStore interface {
	Record(ctx context.Context, job FailedJob) error
	List(ctx context.Context, limit int) ([]FailedJob, error)
}

// Queue runs materialization jobs on a fixed worker pool with the
// webhook retry schedule. Enqueue never blocks the webhook handler
// for longer than the channel buffer allows.
type Queue struct {
	jobs    chan Job
	workers int
	policy  retry.Policy
	mat     Materializer
	failed  FailedStore
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	mu     sync.Mutex // guards closed and the close of jobs
	closed bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithPolicy overrides the retry schedule.
func WithPolicy(p retry.Policy) QueueOption {
	return func(q *Queue) { q.policy = p }
}

// NewQueue creates a materialization queue.
func NewQueue(mat Materializer, failed FailedStore, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		jobs:    make(chan Job, 256),
		workers: 4,
		policy:  retry.WebhookMaterialization(),
		mat:     mat,
		failed:  failed,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
	})
}

// Stop closes the queue and waits for in-flight jobs to finish or
// abandon their retry schedule.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
		q.wg.Wait()
		if q.cancel != nil {
			q.cancel()
		}
	})
}

// Enqueue hands a job to the pool without blocking the webhook handler.
// A job arriving after Stop, or while the buffer is full, is recorded
// to the failed-jobs store so the charge stays operator-recoverable.
func (q *Queue) Enqueue(job Job) {
	if job.ID == "" {
		job.ID = idgen.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop(job, "stopped")
		return
	}
	select {
	case q.jobs <- job:
	default:
		q.drop(job, "overflow")
	}
}

func (q *Queue) drop(job Job, reason string) {
	metrics.MaterializationDroppedTotal.WithLabelValues(job.Kind, reason).Inc()
	q.logger.Error("materialization job dropped at enqueue",
		logging.TxRef(job.TxRef), "kind", job.Kind, "reason", reason)
	if q.failed == nil {
		return
	}
	rec := FailedJob{
		ID:         job.ID,
		Kind:       job.Kind,
		TxRef:      job.TxRef,
		Amount:     job.Amount,
		GatewayRef: job.GatewayRef,
		LastError:  "queue " + reason,
		FailedAt:   time.Now().UTC(),
	}
	if err := q.failed.Record(context.Background(), rec); err != nil {
		q.logger.Error("failed to record dropped materialization job",
			logging.TxRef(job.TxRef), "error", err)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	attempts := 0
	err := retry.Do(ctx, q.policy, func() error {
		attempts++
		if attempts > 1 {
			metrics.MaterializationRetriesTotal.WithLabelValues(job.Kind).Inc()
			q.logger.Warn("retrying materialization",
				logging.TxRef(job.TxRef), "kind", job.Kind, "attempt", attempts)
		}
		err := q.mat.Materialize(ctx, job)
		if err != nil && !apperr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return
	}
	if apperr.KindOf(err) == apperr.KindNoop {
		return
	}

	metrics.MaterializationFailuresTotal.WithLabelValues(job.Kind).Inc()
	q.logger.Error("CRITICAL: materialization exhausted retries, payment collected but not credited",
		logging.TxRef(job.TxRef), "kind", job.Kind, "attempts", attempts, "error", err)

	rec := FailedJob{
		ID:         job.ID,
		Kind:       job.Kind,
		TxRef:      job.TxRef,
		Amount:     job.Amount,
		GatewayRef: job.GatewayRef,
		Attempts:   attempts,
		LastError:  err.Error(),
		FailedAt:   time.Now().UTC(),
	}
	if q.failed != nil {
		if serr := q.failed.Record(context.WithoutCancel(ctx), rec); serr != nil {
			q.logger.Error("failed to record dead materialization job",
				logging.TxRef(job.TxRef), "error", serr)
		}
	}
}
