package monitor

import (
	"sync"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"go.uber.org/zap"
)

type Kind string

const (
	KindNone Kind = "none"
	KindPush Kind = "push"
	KindPoll Kind = "poll"
)

// ConnStater exposes the connection state the policy decides on.
type ConnStater interface {
	Connected() bool
}

// Selector is the policy that picks push or poll per deployment and keeps the
// exclusive-monitor invariant: at most one mechanism per deployment, never
// both, never neither while monitoring is requested.
type Selector struct {
	wire ConnStater
	push Monitor
	poll Monitor
	l    *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]Kind
}

func NewSelector(wire ConnStater, push, poll Monitor, logger *zap.SugaredLogger) *Selector {
	if logger == nil {
		logger = zap.S()
	}
	return &Selector{
		wire:   wire,
		push:   push,
		poll:   poll,
		l:      logger,
		active: make(map[string]Kind),
	}
}

// Start establishes monitoring for a deployment, choosing push while the
// channel is connected and polling otherwise. Starting an already-monitored
// id is a no-op.
func (s *Selector) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return
	}
	if s.wire.Connected() {
		s.active[id] = KindPush
		s.push.Start(id)
	} else {
		s.active[id] = KindPoll
		s.poll.Start(id)
	}
	metrics.ActiveMonitors.WithLabelValues(string(s.active[id])).Inc()
}

// Stop tears monitoring down. Safe to call multiple times.
func (s *Selector) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	s.stopKind(id, kind)
	metrics.ActiveMonitors.WithLabelValues(string(kind)).Dec()
}

// ActiveKind reports which mechanism currently monitors the id.
func (s *Selector) ActiveKind(id string) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind, ok := s.active[id]; ok {
		return kind
	}
	return KindNone
}

// HandleEvent reacts to channel state changes: on reconnect every active
// poller is cancelled and its deployment moves back to push delivery; on
// disconnect every pushed deployment is handed to a fresh poller.
func (s *Selector) HandleEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.EventConnected:
		s.switchAll(KindPoll, KindPush)
	case transport.EventDisconnected, transport.EventGaveUp:
		s.switchAll(KindPush, KindPoll)
	}
}

func (s *Selector) switchAll(from, to Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, kind := range s.active {
		if kind != from {
			continue
		}
		s.stopKind(id, from)
		s.active[id] = to
		s.startKind(id, to)
		metrics.ActiveMonitors.WithLabelValues(string(from)).Dec()
		metrics.ActiveMonitors.WithLabelValues(string(to)).Inc()
		s.l.Infof("Deployment %s monitoring switched from %s to %s", id, from, to)
	}
}

func (s *Selector) startKind(id string, kind Kind) {
	if kind == KindPush {
		s.push.Start(id)
	} else {
		s.poll.Start(id)
	}
}

func (s *Selector) stopKind(id string, kind Kind) {
	if kind == KindPush {
		s.push.Stop(id)
	} else {
		s.poll.Stop(id)
	}
}
