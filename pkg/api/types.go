// Package api defines the request and response shapes of the observer
// surface. Deployment snapshots are served as-is from pkg/models.
package api

type Error struct {
	Message *string `json:"message,omitempty"`
}

type DeployRequest struct {
	ModelID string         `json:"modelId"`
	Config  map[string]any `json:"config,omitempty"`
}

type TestRequest struct {
	Prompt string `json:"prompt"`
}
