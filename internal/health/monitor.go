// Package health polls the currently active model's health, independent of
// deployment-in-progress tracking. Only the latest snapshot is retained.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"go.uber.org/zap"
)

// Fetcher is the slice of the Deployment API client the monitor needs.
type Fetcher interface {
	ModelHealth(ctx context.Context, modelID string) (*models.Health, error)
}

// Monitor recomputes the active model's health snapshot on each poll tick.
// When the push channel delivers model.health messages those update the
// snapshot too, between ticks.
type Monitor struct {
	api      Fetcher
	modelID  func() string
	interval time.Duration
	l        *zap.SugaredLogger

	mu     sync.RWMutex
	latest *models.Health
}

// New builds a Monitor. modelID is read on every tick so config reloads take
// effect without a restart.
func New(api Fetcher, modelID func() string, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.S()
	}
	return &Monitor{
		api:      api,
		modelID:  modelID,
		interval: interval,
		l:        logger,
	}
}

// Start runs the poll loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.l.Debug("starting health monitor")
	m.tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	modelID := m.modelID()
	if modelID == "" {
		return
	}
	health, err := m.api.ModelHealth(ctx, modelID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.l.Warnf("Health poll for model %s failed: %v", modelID, err)
		return
	}
	if health.LastChecked.IsZero() {
		health.LastChecked = time.Now()
	}
	m.store(health)
}

// WatchChannel subscribes the monitor to model.health push messages and
// returns the unsubscribe function.
func (m *Monitor) WatchChannel(ch *transport.Channel) func() {
	return ch.Subscribe(transport.MsgModelHealth, func(env transport.Envelope) {
		var health models.Health
		if err := json.Unmarshal(env.Payload, &health); err != nil {
			m.l.Warnf("Dropping malformed model.health payload: %v", err)
			return
		}
		if health.LastChecked.IsZero() {
			health.LastChecked = env.Timestamp
		}
		m.store(&health)
	})
}

// Latest returns the most recent health snapshot, or nil if none was taken.
func (m *Monitor) Latest() *models.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) store(health *models.Health) {
	m.mu.Lock()
	m.latest = health
	m.mu.Unlock()
	metrics.HealthChecksTotal.WithLabelValues(health.ModelID, string(health.Status)).Inc()
}
