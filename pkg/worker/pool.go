package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/errors"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3
)

// Executor performs the remote side of a dispatch job. The orchestrator
// implements it; the pool never touches deployment state directly.
type Executor interface {
	// ExecuteDispatch performs the remote call for a job. A returned error
	// may be retried if transient.
	ExecuteDispatch(ctx context.Context, job *Job) error
	// DispatchFailed records a permanent dispatch failure for the job's
	// deployment.
	DispatchFailed(job *Job, err error)
}

// Pool manages a pool of dispatch workers draining the Redis queue.
type Pool struct {
	queue      *Queue
	executor   Executor
	logger     *zap.SugaredLogger
	numWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	Executor   Executor
	Logger     *zap.SugaredLogger
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4 // default
	}

	return &Pool{
		queue:      cfg.Queue,
		executor:   cfg.Executor,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
	}
}

// Start launches the worker pool
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting dispatch pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool
func (p *Pool) Stop() {
	p.logger.Info("Stopping dispatch pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Dispatch pool stopped")
}

// runWorker is the main loop for a single worker
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Infof("Worker %s started", workerID)

	for {
		// Check if we should shut down
		select {
		case <-ctx.Done():
			p.logger.Infof("Worker %s shutting down", workerID)
			return
		default:
		}

		// Try to get a job (Dequeue has 1s internal timeout)
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				// Context cancelled, shutdown
				p.logger.Infof("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No job available, loop again to check context
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

// jobTimeout is the maximum time a dispatch can run before being cancelled
const jobTimeout = 2 * time.Minute

// processJob handles a single job
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	// Create a timeout context for this job
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	err := p.executor.ExecuteDispatch(jobCtx, job)

	// Check if job timed out
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, jobTimeout)
		err = fmt.Errorf("job timed out after %v", jobTimeout)
	}

	if err != nil {
		if isErr, errPattern := pkgerrors.IsTransientError(err); isErr && job.Retries < maxRetries {
			p.logger.Warnf("Worker %s: transient error %s for job %s, requeueing: %v", workerID, errPattern, job.ID, err)
			metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
			backoff := time.Duration(job.Retries+1) * 2 * time.Second
			time.Sleep(backoff)
			if requeueErr := p.queue.Requeue(ctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		p.executor.DispatchFailed(job, err)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Success
	if err := p.queue.Complete(ctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}
