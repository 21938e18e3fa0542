package models

import "time"

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthChecks are the named boolean sub-checks reported for a model.
// GPU is optional: nil means the model is not scheduled on a GPU.
type HealthChecks struct {
	Memory    bool  `json:"memory"`
	CPU       bool  `json:"cpu"`
	GPU       *bool `json:"gpu,omitempty"`
	Inference bool  `json:"inference"`
	API       bool  `json:"api"`
}

// Health is the latest health snapshot for a model. It is recomputed on each
// poll tick; no history is retained.
type Health struct {
	ModelID      string       `json:"modelId"`
	Status       HealthStatus `json:"status"`
	LatencyMS    float64      `json:"latencyMs"`
	Throughput   float64      `json:"throughput"`
	ErrorRate    float64      `json:"errorRate"`
	LastChecked  time.Time    `json:"lastChecked"`
	Checks       HealthChecks `json:"checks"`
}
