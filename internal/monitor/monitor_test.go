package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/internal/transport"
	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Mock sink
// ---------------------------------------------------------------------------

type mockSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (m *mockSink) ApplyProgress(evt models.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockSink) all() []models.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ProgressEvent(nil), m.events...)
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

var _ Sink = (*mockSink)(nil)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ---------------------------------------------------------------------------
// Mock wire (push monitor)
// ---------------------------------------------------------------------------

type mockWire struct {
	mu        sync.Mutex
	connected bool
	sent      []sentMsg
	subs      map[string][]func(transport.Envelope)
	unsubbed  int
}

type sentMsg struct {
	Type    string
	Payload any
}

func newMockWire() *mockWire {
	return &mockWire{connected: true, subs: make(map[string][]func(transport.Envelope))}
}

func (m *mockWire) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockWire) Send(msgType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMsg{Type: msgType, Payload: payload})
}

func (m *mockWire) Subscribe(msgType string, fn func(transport.Envelope)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[msgType] = append(m.subs[msgType], fn)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubbed++
	}
}

// deliver pushes an envelope to every subscriber of its type.
func (m *mockWire) deliver(msgType string, payload any) {
	data, _ := json.Marshal(payload)
	env := transport.Envelope{Type: msgType, Payload: data, Timestamp: time.Now()}
	m.mu.Lock()
	fns := append(([]func(transport.Envelope))(nil), m.subs[msgType]...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

var _ Wire = (*mockWire)(nil)

// ---------------------------------------------------------------------------
// PushMonitor
// ---------------------------------------------------------------------------

func TestPushMonitor_RoutesWatchedDeployments(t *testing.T) {
	wire := newMockWire()
	sink := &mockSink{}
	push := NewPushMonitor(wire, sink, zap.NewNop().Sugar())

	push.Start("dep-1")

	wire.deliver(transport.MsgDeploymentProgress, models.ProgressEvent{
		DeploymentID: "dep-1", Stage: models.StageDownloading,
	})
	wire.deliver(transport.MsgDeploymentProgress, models.ProgressEvent{
		DeploymentID: "dep-other", Stage: models.StageStarting,
	})

	events := sink.all()
	require.Len(t, events, 1, "events for unwatched deployments are dropped")
	assert.Equal(t, "dep-1", events[0].DeploymentID)
	assert.Equal(t, models.StageDownloading, events[0].Stage)
}

func TestPushMonitor_RequestsCurrentStateOnStart(t *testing.T) {
	wire := newMockWire()
	push := NewPushMonitor(wire, &mockSink{}, zap.NewNop().Sugar())

	push.Start("dep-1")

	require.Len(t, wire.sent, 1)
	assert.Equal(t, transport.MsgDeploymentStatus, wire.sent[0].Type)
	assert.Equal(t, statusRequest{DeploymentID: "dep-1"}, wire.sent[0].Payload)
}

func TestPushMonitor_SingleSubscriptionSharedAcrossDeployments(t *testing.T) {
	wire := newMockWire()
	push := NewPushMonitor(wire, &mockSink{}, zap.NewNop().Sugar())

	push.Start("dep-1")
	push.Start("dep-2")
	assert.Len(t, wire.subs[transport.MsgDeploymentProgress], 1)

	push.Stop("dep-1")
	assert.Equal(t, 0, wire.unsubbed)
	push.Stop("dep-2")
	assert.Equal(t, 1, wire.unsubbed, "last watcher tears the subscription down")
}

func TestPushMonitor_MalformedPayloadDropped(t *testing.T) {
	wire := newMockWire()
	sink := &mockSink{}
	push := NewPushMonitor(wire, sink, zap.NewNop().Sugar())
	push.Start("dep-1")

	env := transport.Envelope{
		Type:    transport.MsgDeploymentProgress,
		Payload: json.RawMessage(`{not json`),
	}
	for _, fn := range wire.subs[transport.MsgDeploymentProgress] {
		assert.NotPanics(t, func() { fn(env) })
	}
	assert.Equal(t, 0, sink.count())
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

type mockFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, id string) (*models.ProgressEvent, error)
}

func (m *mockFetcher) DeploymentStatus(ctx context.Context, id string) (*models.ProgressEvent, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(ctx, id)
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestPoller_DeliversFetchedStatus(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, id string) (*models.ProgressEvent, error) {
		return &models.ProgressEvent{DeploymentID: id, Stage: models.StageLoading}, nil
	}}
	sink := &mockSink{}
	poller := NewPoller(fetcher, sink, 10*time.Millisecond, zap.NewNop().Sugar())

	poller.Start("dep-1")
	defer poller.Stop("dep-1")

	waitFor(t, func() bool { return sink.count() >= 2 }, "poller never delivered")
	assert.Equal(t, "dep-1", sink.all()[0].DeploymentID)
	assert.True(t, poller.Active("dep-1"))
}

func TestPoller_SelfCancelsOnTerminalStatus(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, id string) (*models.ProgressEvent, error) {
		return &models.ProgressEvent{DeploymentID: id, Stage: models.StageCompleted}, nil
	}}
	sink := &mockSink{}
	poller := NewPoller(fetcher, sink, 10*time.Millisecond, zap.NewNop().Sugar())

	poller.Start("dep-1")
	waitFor(t, func() bool { return !poller.Active("dep-1") }, "poller did not self-cancel")
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestPoller_SelfCancelsOnFailure(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, id string) (*models.ProgressEvent, error) {
		return &models.ProgressEvent{DeploymentID: id, Stage: models.StageFailed, Error: "boom"}, nil
	}}
	poller := NewPoller(fetcher, &mockSink{}, 10*time.Millisecond, zap.NewNop().Sugar())

	poller.Start("dep-1")
	waitFor(t, func() bool { return !poller.Active("dep-1") }, "poller did not self-cancel")
}

func TestPoller_FetchErrorsAreRetried(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, id string) (*models.ProgressEvent, error) {
		return nil, errors.New("api down")
	}}
	sink := &mockSink{}
	poller := NewPoller(fetcher, sink, 10*time.Millisecond, zap.NewNop().Sugar())

	poller.Start("dep-1")
	defer poller.Stop("dep-1")

	waitFor(t, func() bool { return fetcher.callCount() >= 3 }, "poller stopped on fetch error")
	assert.Equal(t, 0, sink.count())
}

func TestPoller_StartIsIdempotent(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, id string) (*models.ProgressEvent, error) {
		return &models.ProgressEvent{DeploymentID: id, Stage: models.StageStarting}, nil
	}}
	poller := NewPoller(fetcher, &mockSink{}, time.Hour, zap.NewNop().Sugar())

	poller.Start("dep-1")
	poller.Start("dep-1")
	poller.Stop("dep-1")
	assert.False(t, poller.Active("dep-1"))
	poller.Stop("dep-1") // second stop is a no-op
}

// ---------------------------------------------------------------------------
// Selector
// ---------------------------------------------------------------------------

type recordingMonitor struct {
	mu     sync.Mutex
	active map[string]bool
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{active: make(map[string]bool)}
}

func (m *recordingMonitor) Start(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = true
}

func (m *recordingMonitor) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

func (m *recordingMonitor) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func newTestSelector(connected bool) (*Selector, *mockWire, *recordingMonitor, *recordingMonitor) {
	wire := newMockWire()
	wire.connected = connected
	push := newRecordingMonitor()
	poll := newRecordingMonitor()
	return NewSelector(wire, push, poll, zap.NewNop().Sugar()), wire, push, poll
}

func TestSelector_PrefersPushWhileConnected(t *testing.T) {
	sel, _, push, poll := newTestSelector(true)

	sel.Start("dep-1")
	assert.Equal(t, KindPush, sel.ActiveKind("dep-1"))
	assert.True(t, push.isActive("dep-1"))
	assert.False(t, poll.isActive("dep-1"))
}

func TestSelector_FallsBackToPollWhileDisconnected(t *testing.T) {
	sel, _, push, poll := newTestSelector(false)

	sel.Start("dep-1")
	assert.Equal(t, KindPoll, sel.ActiveKind("dep-1"))
	assert.False(t, push.isActive("dep-1"))
	assert.True(t, poll.isActive("dep-1"))
}

func TestSelector_StartIsIdempotent(t *testing.T) {
	sel, _, push, _ := newTestSelector(true)

	sel.Start("dep-1")
	sel.Start("dep-1")
	assert.Equal(t, KindPush, sel.ActiveKind("dep-1"))
	assert.True(t, push.isActive("dep-1"))
}

func TestSelector_DisconnectSwitchesToPoll(t *testing.T) {
	sel, wire, push, poll := newTestSelector(true)
	sel.Start("dep-1")
	sel.Start("dep-2")

	wire.mu.Lock()
	wire.connected = false
	wire.mu.Unlock()
	sel.HandleEvent(transport.Event{Kind: transport.EventDisconnected})

	for _, id := range []string{"dep-1", "dep-2"} {
		assert.Equal(t, KindPoll, sel.ActiveKind(id))
		assert.False(t, push.isActive(id), "%s must leave push", id)
		assert.True(t, poll.isActive(id), "%s must enter poll", id)
	}
}

func TestSelector_ReconnectSwitchesBackToPush(t *testing.T) {
	sel, wire, push, poll := newTestSelector(false)
	sel.Start("dep-1")
	require.Equal(t, KindPoll, sel.ActiveKind("dep-1"))

	wire.mu.Lock()
	wire.connected = true
	wire.mu.Unlock()
	sel.HandleEvent(transport.Event{Kind: transport.EventConnected})

	assert.Equal(t, KindPush, sel.ActiveKind("dep-1"))
	assert.True(t, push.isActive("dep-1"))
	assert.False(t, poll.isActive("dep-1"), "poller must be cancelled on reconnect")
}

func TestSelector_GaveUpKeepsPolling(t *testing.T) {
	sel, _, _, poll := newTestSelector(true)
	sel.Start("dep-1")

	sel.HandleEvent(transport.Event{Kind: transport.EventGaveUp})

	assert.Equal(t, KindPoll, sel.ActiveKind("dep-1"))
	assert.True(t, poll.isActive("dep-1"))
}

func TestSelector_StopTearsDownActiveMechanism(t *testing.T) {
	sel, _, push, poll := newTestSelector(true)
	sel.Start("dep-1")

	sel.Stop("dep-1")
	assert.Equal(t, KindNone, sel.ActiveKind("dep-1"))
	assert.False(t, push.isActive("dep-1"))
	assert.False(t, poll.isActive("dep-1"))

	sel.Stop("dep-1") // second stop is a no-op
}

func TestSelector_NeverBothMechanismsActive(t *testing.T) {
	sel, wire, push, poll := newTestSelector(true)
	sel.Start("dep-1")

	for i := 0; i < 10; i++ {
		connected := i%2 == 0
		wire.mu.Lock()
		wire.connected = !connected
		wire.mu.Unlock()
		if connected {
			sel.HandleEvent(transport.Event{Kind: transport.EventDisconnected})
		} else {
			sel.HandleEvent(transport.Event{Kind: transport.EventConnected})
		}
		both := push.isActive("dep-1") && poll.isActive("dep-1")
		neither := !push.isActive("dep-1") && !poll.isActive("dep-1")
		require.False(t, both, "both mechanisms active after flap %d", i)
		require.False(t, neither, "no mechanism active after flap %d", i)
	}
}
