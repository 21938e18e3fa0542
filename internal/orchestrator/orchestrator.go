// Package orchestrator owns the deployment state machine. It is the only
// writer of deployment state: transports and pollers feed it raw progress
// events, and every mutation is published as a fresh snapshot through the
// status cache.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/deployapi"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/monitor"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/statuscache"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMissingModelID    = errors.New("modelId is required")
	ErrMaxRetries        = errors.New("max retries reached")
	ErrInvalidTransition = errors.New("invalid deployment state transition")
)

// DeployConfig is the caller-supplied deployment request.
type DeployConfig struct {
	ModelID string
	Config  map[string]any
}

// Options wire an Orchestrator. Journal and Dispatch are optional: a nil
// journal disables durable snapshots, and a nil Dispatch executes remote
// calls on a plain goroutine.
type Options struct {
	API        deployapi.Client
	Cache      *statuscache.Cache
	Journal    *gorm.DB
	MaxRetries int
	Logger     *zap.SugaredLogger
}

type Orchestrator struct {
	api        deployapi.Client
	cache      *statuscache.Cache
	journal    *gorm.DB
	maxRetries int
	l          *zap.SugaredLogger

	monitors monitor.Monitor
	dispatch func(*worker.Job)

	mu          sync.Mutex
	deployments map[string]*models.Deployment
}

func New(opts Options) *Orchestrator {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	o := &Orchestrator{
		api:         opts.API,
		cache:       opts.Cache,
		journal:     opts.Journal,
		maxRetries:  maxRetries,
		l:           logger,
		deployments: make(map[string]*models.Deployment),
	}
	o.dispatch = o.goDispatch
	return o
}

// SetMonitors attaches the monitoring policy. Must be called before the first
// DeployModel; split from New because the push monitor needs the orchestrator
// as its event sink.
func (o *Orchestrator) SetMonitors(m monitor.Monitor) { o.monitors = m }

// SetDispatcher replaces the default goroutine dispatch, e.g. with a
// Redis-backed queue.
func (o *Orchestrator) SetDispatcher(fn func(*worker.Job)) { o.dispatch = fn }

// goDispatch executes a job asynchronously without a queue.
func (o *Orchestrator) goDispatch(job *worker.Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := o.ExecuteDispatch(ctx, job); err != nil {
			o.DispatchFailed(job, err)
		}
	}()
}

// DeployModel validates the request, creates the deployment record with the
// fixed seven-step list, hands the remote call to the dispatcher, and returns
// the initial snapshot synchronously. Status advances to in_progress once the
// remote dispatch succeeds.
func (o *Orchestrator) DeployModel(cfg DeployConfig) (*models.Deployment, error) {
	if cfg.ModelID == "" {
		return nil, ErrMissingModelID
	}

	d := models.NewDeployment(uuid.NewString(), cfg.ModelID)
	d.CurrentStep = "Deployment requested"
	d.AppendLog(models.SeverityInfo, fmt.Sprintf("Deployment created for model %s", cfg.ModelID), nil)

	o.mu.Lock()
	o.deployments[d.ID] = d
	o.publishLocked(d)
	snap := d.Clone()
	o.mu.Unlock()

	o.l.Infof("Deployment %s created for model %s", d.ID, cfg.ModelID)
	o.dispatch(worker.NewDeployJob(d.ID, cfg.ModelID, cfg.Config))
	return snap, nil
}

// ExecuteDispatch performs the remote call for a dispatch job. Called by the
// worker pool, or by goDispatch when no queue is configured.
func (o *Orchestrator) ExecuteDispatch(ctx context.Context, job *worker.Job) error {
	var err error
	switch job.Type {
	case worker.JobTypeDeploy:
		err = o.api.StartDeployment(ctx, job.DeploymentID, job.ModelID, job.Config)
	case worker.JobTypeRetry:
		err = o.api.RetryDeployment(ctx, job.DeploymentID)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err != nil {
		metrics.DeployOpsTotal.WithLabelValues(job.ModelID, "error").Inc()
		return err
	}
	metrics.DeployOpsTotal.WithLabelValues(job.ModelID, "success").Inc()
	o.markDispatched(job)
	return nil
}

// markDispatched advances a deployment after its remote call succeeded and
// establishes monitoring.
func (o *Orchestrator) markDispatched(job *worker.Job) {
	o.mu.Lock()
	d, ok := o.deployments[job.DeploymentID]
	if !ok || d.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	if d.Status == models.DeploymentStatusPending {
		d.Status = models.DeploymentStatusInProgress
		step := &d.Steps[0]
		step.Status = models.StepStatusInProgress
		step.StartedAt = &now
		d.CurrentStep = step.Name
	}
	switch job.Type {
	case worker.JobTypeDeploy:
		d.AppendLog(models.SeverityInfo, "Deployment dispatched to serving backend", nil)
	case worker.JobTypeRetry:
		d.AppendLog(models.SeverityInfo, "Retry dispatched to serving backend", nil)
	}
	o.publishLocked(d)
	o.mu.Unlock()

	o.monitors.Start(job.DeploymentID)
}

// DispatchFailed records a permanent dispatch failure; the deployment fails
// without any step having advanced.
func (o *Orchestrator) DispatchFailed(job *worker.Job, err error) {
	o.mu.Lock()
	d, ok := o.deployments[job.DeploymentID]
	if !ok || d.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	d.Status = models.DeploymentStatusFailed
	d.Error = err.Error()
	d.EndedAt = &now
	d.AppendLog(models.SeverityError, fmt.Sprintf("Dispatch failed: %v", err), nil)
	o.publishLocked(d)
	o.mu.Unlock()

	o.l.Errorf("Deployment %s dispatch failed: %v", job.DeploymentID, err)
	o.monitors.Stop(job.DeploymentID)
}

// ApplyProgress applies one inbound progress event. It is the shared core of
// both transports: events are applied in arrival order, steps complete
// strictly by increasing index, and aggregate progress is derived from the
// completed-step count.
func (o *Orchestrator) ApplyProgress(evt models.ProgressEvent) {
	o.mu.Lock()
	d, ok := o.deployments[evt.DeploymentID]
	if !ok || d.Status.Terminal() {
		o.mu.Unlock()
		return
	}

	now := time.Now()

	if evt.Failed() {
		d.Status = models.DeploymentStatusFailed
		d.Error = evt.Error
		if d.Error == "" {
			d.Error = evt.Message
		}
		d.EndedAt = &now
		msg := evt.Message
		if msg == "" {
			msg = d.Error
		}
		// Steps are frozen as-is: the failing step stays in_progress so the
		// log trail shows where the deployment halted.
		d.AppendLog(models.SeverityError, msg, evt.Details)
		o.publishLocked(d)
		startedAt := d.StartedAt
		o.mu.Unlock()

		metrics.ProgressEventsTotal.WithLabelValues(string(models.StageFailed)).Inc()
		metrics.DeployDurationSeconds.WithLabelValues(evt.ModelID, string(models.DeploymentStatusFailed)).
			Observe(time.Since(startedAt).Seconds())
		o.l.Warnf("Deployment %s failed: %s", evt.DeploymentID, d.Error)
		o.monitors.Stop(evt.DeploymentID)
		return
	}

	idx, known := models.StageIndex(evt.Stage)
	if !known {
		o.mu.Unlock()
		o.l.Warnf("Deployment %s reported unknown stage %q", evt.DeploymentID, evt.Stage)
		return
	}

	if d.Status == models.DeploymentStatusPending {
		d.Status = models.DeploymentStatusInProgress
	}

	// Catch up: every step before the reported stage is complete. This keeps
	// step completion strictly in index order even when intermediate events
	// were missed while switching transports.
	for i := 0; i < idx; i++ {
		step := &d.Steps[i]
		if step.Status == models.StepStatusCompleted {
			continue
		}
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		step.Status = models.StepStatusCompleted
		step.Progress = 100
		step.CompletedAt = &now
	}

	if evt.Stage == models.StageCompleted {
		for i := idx; i < len(d.Steps); i++ {
			step := &d.Steps[i]
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
			step.Status = models.StepStatusCompleted
			step.Progress = 100
			step.CompletedAt = &now
		}
		d.Status = models.DeploymentStatusCompleted
		d.Progress = 100
		d.EndedAt = &now
		d.Attempts = 0
		d.CurrentStep = messageOr(evt.Message, d.Steps[len(d.Steps)-1].Name)
		d.AppendLog(models.SeverityInfo, messageOr(evt.Message, "Deployment completed"), evt.Details)
		o.publishLocked(d)
		startedAt := d.StartedAt
		o.mu.Unlock()

		metrics.ProgressEventsTotal.WithLabelValues(string(evt.Stage)).Inc()
		metrics.DeployDurationSeconds.WithLabelValues(evt.ModelID, string(models.DeploymentStatusCompleted)).
			Observe(time.Since(startedAt).Seconds())
		o.l.Infof("Deployment %s completed", evt.DeploymentID)
		o.monitors.Stop(evt.DeploymentID)
		return
	}

	step := &d.Steps[idx]
	if step.Status == models.StepStatusPending {
		step.Status = models.StepStatusInProgress
		step.StartedAt = &now
	}
	if step.Status == models.StepStatusInProgress && evt.Progress > step.Progress {
		step.Progress = evt.Progress
	}
	d.CurrentStep = messageOr(evt.Message, step.Name)
	d.AppendLog(models.SeverityInfo, messageOr(evt.Message, step.Name), evt.Details)
	d.RecomputeProgress()
	o.publishLocked(d)
	o.mu.Unlock()

	metrics.ProgressEventsTotal.WithLabelValues(string(evt.Stage)).Inc()
}

// RetryDeployment re-attempts a failed deployment. Attempts are bounded; the
// bound is checked before any network call. Step statuses are not reset: the
// retry resumes the visible log rather than replaying steps.
func (o *Orchestrator) RetryDeployment(id string) (*models.Deployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[id]
	if !ok {
		o.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if d.Status != models.DeploymentStatusFailed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: retry is only legal for failed deployments (status %s)", ErrInvalidTransition, d.Status)
	}
	if d.Attempts >= o.maxRetries {
		o.mu.Unlock()
		return nil, ErrMaxRetries
	}
	d.Attempts++
	d.Status = models.DeploymentStatusInProgress
	d.Progress = 0
	d.Error = ""
	d.EndedAt = nil
	d.AppendLog(models.SeverityInfo, fmt.Sprintf("Retry attempt %d of %d", d.Attempts, o.maxRetries), nil)
	o.publishLocked(d)
	snap := d.Clone()
	modelID := d.ModelID
	o.mu.Unlock()

	metrics.RetryOpsTotal.WithLabelValues(modelID).Inc()
	o.l.Infof("Deployment %s retry attempt %d", id, snap.Attempts)
	o.dispatch(worker.NewRetryJob(id, modelID))
	return snap, nil
}

// RollbackDeployment reverts a deployment. Legal from any state except
// pending; rolling back an already rolled-back deployment is a no-op success.
func (o *Orchestrator) RollbackDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[id]
	if !ok {
		o.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if d.Status == models.DeploymentStatusRolledBack {
		snap := d.Clone()
		o.mu.Unlock()
		return snap, nil
	}
	if d.Status == models.DeploymentStatusPending {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot rollback a pending deployment", ErrInvalidTransition)
	}
	modelID := d.ModelID
	o.mu.Unlock()

	if err := o.api.RollbackDeployment(ctx, id); err != nil {
		return nil, fmt.Errorf("rollback failed: %w", err)
	}

	o.mu.Lock()
	d, ok = o.deployments[id]
	if !ok {
		o.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if d.Status != models.DeploymentStatusRolledBack {
		now := time.Now()
		d.Status = models.DeploymentStatusRolledBack
		d.EndedAt = &now
		d.AppendLog(models.SeverityWarning, "Deployment rolled back", nil)
		o.publishLocked(d)
	}
	snap := d.Clone()
	o.mu.Unlock()

	metrics.RollbackOpsTotal.WithLabelValues(modelID).Inc()
	o.l.Warnf("Deployment %s rolled back", id)
	o.monitors.Stop(id)
	return snap, nil
}

// DeleteModel removes a model remotely, then purges every cached deployment
// referencing it and stops their monitors regardless of status.
func (o *Orchestrator) DeleteModel(ctx context.Context, modelID string, cleanup bool) error {
	if err := o.api.DeleteModel(ctx, modelID, cleanup); err != nil {
		return fmt.Errorf("delete model: %w", err)
	}

	o.mu.Lock()
	var purged []string
	for id, d := range o.deployments {
		if d.ModelID == modelID {
			purged = append(purged, id)
			delete(o.deployments, id)
			o.cache.Delete(id)
		}
	}
	o.mu.Unlock()

	for _, id := range purged {
		o.monitors.Stop(id)
	}
	if o.journal != nil {
		if err := models.DeleteDeploymentRecords(o.journal, modelID); err != nil {
			o.l.Errorf("Failed to purge journal rows for model %s: %v", modelID, err)
		}
	}
	o.l.Infof("Model %s deleted; purged %d deployments", modelID, len(purged))
	return nil
}

// GetDeployment returns the latest snapshot for a deployment id.
func (o *Orchestrator) GetDeployment(id string) (*models.Deployment, error) {
	if d, ok := o.cache.Get(id); ok {
		return d, nil
	}
	return nil, models.ErrNotFound
}

// ListDeployments returns the latest snapshots of all tracked deployments.
func (o *Orchestrator) ListDeployments() []*models.Deployment {
	return o.cache.List()
}

// TestModel is a stateless pass-through to the Deployment API.
func (o *Orchestrator) TestModel(ctx context.Context, modelID, prompt string) (*deployapi.TestResult, error) {
	return o.api.TestModel(ctx, modelID, prompt)
}

// GetModelHealth is a stateless pass-through to the Deployment API.
func (o *Orchestrator) GetModelHealth(ctx context.Context, modelID string) (*models.Health, error) {
	return o.api.ModelHealth(ctx, modelID)
}

// GetDeploymentLogs reads logs from the Deployment API, degrading to the
// locally cached log trail when the remote call fails.
func (o *Orchestrator) GetDeploymentLogs(ctx context.Context, id string, opts deployapi.LogOptions) ([]models.LogEntry, error) {
	logs, err := o.api.DeploymentLogs(ctx, id, opts)
	if err == nil {
		return logs, nil
	}
	o.l.Warnf("Remote log fetch for deployment %s failed, using cached logs: %v", id, err)

	d, ok := o.cache.Get(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return filterLogs(d.Logs, opts), nil
}

// StopAll tears down monitoring for every tracked deployment. Used at
// shutdown.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.deployments))
	for id := range o.deployments {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.monitors.Stop(id)
	}
}

// publishLocked snapshots the deployment into the cache (triggering listener
// fan-out) and mirrors it to the journal. Caller must hold o.mu.
func (o *Orchestrator) publishLocked(d *models.Deployment) {
	o.cache.Put(d.Clone())
	if o.journal != nil {
		if err := models.SaveDeploymentRecord(o.journal, d); err != nil {
			o.l.Errorf("Failed to journal deployment %s: %v", d.ID, err)
		}
	}
}

func filterLogs(logs []models.LogEntry, opts deployapi.LogOptions) []models.LogEntry {
	out := make([]models.LogEntry, 0, len(logs))
	for _, entry := range logs {
		if opts.Level != "" && string(entry.Level) != opts.Level {
			continue
		}
		if !opts.Since.IsZero() && entry.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, entry)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

var _ monitor.Sink = (*Orchestrator)(nil)
var _ worker.Executor = (*Orchestrator)(nil)
