package monitor

import (
	"encoding/json"
	"sync"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"go.uber.org/zap"
)

// Wire is the slice of the transport channel the push monitor needs.
// *transport.Channel satisfies it.
type Wire interface {
	Connected() bool
	Send(msgType string, payload any)
	Subscribe(msgType string, fn func(transport.Envelope)) func()
}

type statusRequest struct {
	DeploymentID string `json:"deploymentId"`
}

// PushMonitor tracks deployments through deployment.progress messages on the
// push channel. It holds a single type subscription and routes events to the
// sink by deployment id.
type PushMonitor struct {
	wire Wire
	sink Sink
	l    *zap.SugaredLogger

	mu      sync.Mutex
	watched map[string]struct{}
	unsub   func()
}

func NewPushMonitor(wire Wire, sink Sink, logger *zap.SugaredLogger) *PushMonitor {
	if logger == nil {
		logger = zap.S()
	}
	return &PushMonitor{
		wire:    wire,
		sink:    sink,
		l:       logger,
		watched: make(map[string]struct{}),
	}
}

func (p *PushMonitor) Start(id string) {
	p.mu.Lock()
	p.watched[id] = struct{}{}
	if p.unsub == nil {
		p.unsub = p.wire.Subscribe(transport.MsgDeploymentProgress, p.onProgress)
	}
	p.mu.Unlock()

	// Ask the remote side for the current state so a subscriber joining
	// mid-deployment does not wait for the next natural stage change.
	p.wire.Send(transport.MsgDeploymentStatus, statusRequest{DeploymentID: id})
}

func (p *PushMonitor) Stop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, id)
	if len(p.watched) == 0 && p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

func (p *PushMonitor) onProgress(env transport.Envelope) {
	var evt models.ProgressEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		p.l.Warnf("Dropping malformed deployment.progress payload: %v", err)
		return
	}

	p.mu.Lock()
	_, ok := p.watched[evt.DeploymentID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.sink.ApplyProgress(evt)
}

var _ Monitor = (*PushMonitor)(nil)
