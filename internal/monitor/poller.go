package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"go.uber.org/zap"
)

// StatusFetcher is the slice of the Deployment API client the poller needs.
type StatusFetcher interface {
	DeploymentStatus(ctx context.Context, deploymentID string) (*models.ProgressEvent, error)
}

// Poller runs one timer per monitored deployment, fetching status over
// request/response while the push channel is unavailable. A poller cancels
// itself once the fetched status is terminal.
type Poller struct {
	api      StatusFetcher
	sink     Sink
	interval time.Duration
	l        *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewPoller(api StatusFetcher, sink Sink, interval time.Duration, logger *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.S()
	}
	return &Poller{
		api:      api,
		sink:     sink,
		interval: interval,
		l:        logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (p *Poller) Start(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cancels[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[id] = cancel
	go p.poll(ctx, id)
}

func (p *Poller) Stop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
}

// Active reports whether a poll timer is running for the id.
func (p *Poller) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[id]
	return ok
}

func (p *Poller) poll(ctx context.Context, id string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evt, err := p.api.DeploymentStatus(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.l.Debugf("Status poll for deployment %s failed: %v", id, err)
				continue
			}
			if evt.DeploymentID == "" {
				evt.DeploymentID = id
			}
			terminal := evt.Failed() || evt.Stage == models.StageCompleted
			p.sink.ApplyProgress(*evt)
			if terminal {
				p.Stop(id)
				return
			}
		}
	}
}

var _ Monitor = (*Poller)(nil)
