// Package monitor provides the two interchangeable mechanisms that track a
// deployment in flight: a push subscription over the transport channel and a
// polling fallback. Exactly one is active per deployment at any instant; the
// Selector owns that choice.
package monitor

import (
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
)

// Sink receives raw progress events from either mechanism. Monitors never
// mutate deployment state themselves; the orchestrator is the only Sink.
type Sink interface {
	ApplyProgress(evt models.ProgressEvent)
}

// Monitor starts and stops tracking for a single deployment id. Stop is safe
// to call multiple times and for ids that were never started.
type Monitor interface {
	Start(id string)
	Stop(id string)
}
