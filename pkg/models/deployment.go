package models

import (
	"errors"
	"math"
	"time"
)

type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusInProgress DeploymentStatus = "in_progress"
	DeploymentStatusCompleted  DeploymentStatus = "completed"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further progress events apply to this status.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentStatusCompleted || s == DeploymentStatusFailed || s == DeploymentStatusRolledBack
}

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Stage is the progress-event tag reported by the Deployment API. Each stage
// maps 1:1 to a step index; StageFailed is the out-of-band failure signal.
type Stage string

const (
	StageStarting     Stage = "starting"
	StageDownloading  Stage = "downloading"
	StageLoading      Stage = "loading"
	StageInitializing Stage = "initializing"
	StageTesting      Stage = "testing"
	StageRouting      Stage = "routing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// StepLabels are the fixed human-readable labels of the seven deployment
// steps, in execution order.
var StepLabels = [7]string{
	"Preparing deployment",
	"Downloading model",
	"Loading model weights",
	"Initializing runtime",
	"Running validation tests",
	"Configuring request routing",
	"Deployment completed",
}

var stageIndex = map[Stage]int{
	StageStarting:     0,
	StageDownloading:  1,
	StageLoading:      2,
	StageInitializing: 3,
	StageTesting:      4,
	StageRouting:      5,
	StageCompleted:    6,
}

// StageIndex returns the step index a stage corresponds to.
func StageIndex(s Stage) (int, bool) {
	i, ok := stageIndex[s]
	return i, ok
}

var ErrNotFound = errors.New("deployment not found")

type Step struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Severity       `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Deployment tracks one attempt to put a model version into serving.
// Mutation is reserved to the orchestrator; everything else reads snapshots
// handed out through the status cache.
type Deployment struct {
	ID          string           `json:"id"`
	ModelID     string           `json:"modelId"`
	Status      DeploymentStatus `json:"status"`
	Progress    int              `json:"progress"`
	CurrentStep string           `json:"currentStep"`
	Steps       []Step           `json:"steps"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     *time.Time       `json:"endedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
	Logs        []LogEntry       `json:"logs"`
	Attempts    int              `json:"attempts"`
}

// NewDeployment builds a pending deployment with the fixed seven-step list.
func NewDeployment(id, modelID string) *Deployment {
	steps := make([]Step, len(StepLabels))
	for i, label := range StepLabels {
		steps[i] = Step{Name: label, Status: StepStatusPending}
	}
	return &Deployment{
		ID:        id,
		ModelID:   modelID,
		Status:    DeploymentStatusPending,
		Steps:     steps,
		StartedAt: time.Now(),
		Logs:      []LogEntry{},
	}
}

// AppendLog records a log entry; ordering is arrival order.
func (d *Deployment) AppendLog(level Severity, message string, details map[string]any) {
	d.Logs = append(d.Logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Details:   details,
	})
}

// CompletedSteps counts steps in the completed state.
func (d *Deployment) CompletedSteps() int {
	n := 0
	for _, s := range d.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// RecomputeProgress derives aggregate progress from completed steps.
// Progress is never set independently of step completion, except the terminal
// jump to 100 on completion.
func (d *Deployment) RecomputeProgress() {
	d.Progress = int(math.Round(100 * float64(d.CompletedSteps()) / float64(len(d.Steps))))
}

// Clone returns a deep copy safe to hand to cache consumers.
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.Steps = make([]Step, len(d.Steps))
	copy(c.Steps, d.Steps)
	c.Logs = make([]LogEntry, len(d.Logs))
	copy(c.Logs, d.Logs)
	if d.EndedAt != nil {
		t := *d.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// ProgressEvent is the inbound progress notification, identical in shape for
// the push channel and the fallback poller.
type ProgressEvent struct {
	DeploymentID string         `json:"deploymentId"`
	ModelID      string         `json:"modelId"`
	Stage        Stage          `json:"status"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Failed reports whether the event signals a deployment failure rather than
// a stage advance.
func (e ProgressEvent) Failed() bool {
	return e.Stage == StageFailed || e.Error != ""
}
