package worker

import (
	"encoding/json"
	"time"
)

// JobType represents the kind of remote control operation to dispatch.
type JobType string

const (
	JobTypeDeploy JobType = "deploy"
	JobTypeRetry  JobType = "retry"
)

// Job represents one remote dispatch against the Deployment API, executed by
// a worker so callers get their snapshot back without waiting on the network.
type Job struct {
	ID           string         `json:"id"`
	Type         JobType        `json:"type"`
	DeploymentID string         `json:"deployment_id"`
	ModelID      string         `json:"model_id"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Retries      int            `json:"retries"`
}

// NewDeployJob creates a job dispatching the initial remote deployment.
func NewDeployJob(deploymentID, modelID string, config map[string]any) *Job {
	return &Job{
		ID:           string(JobTypeDeploy) + ":" + deploymentID,
		Type:         JobTypeDeploy,
		DeploymentID: deploymentID,
		ModelID:      modelID,
		Config:       config,
		CreatedAt:    time.Now(),
	}
}

// NewRetryJob creates a job re-invoking the remote retry operation.
func NewRetryJob(deploymentID, modelID string) *Job {
	return &Job{
		ID:           string(JobTypeRetry) + ":" + deploymentID,
		Type:         JobTypeRetry,
		DeploymentID: deploymentID,
		ModelID:      modelID,
		CreatedAt:    time.Now(),
	}
}

// Marshal serializes the job to JSON.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
