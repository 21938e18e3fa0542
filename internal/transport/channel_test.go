package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Test WebSocket server
// ---------------------------------------------------------------------------

// wsServer accepts connections and exposes them for the test to script.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	upgrades int
	inbound  chan Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{inbound: make(chan Envelope, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.upgrades++
		s.mu.Unlock()
		go func() {
			for {
				var env Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				s.inbound <- env
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) upgradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// push sends an envelope over the most recent connection.
func (s *wsServer) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	require.NotEmpty(t, s.conns, "no client connected")
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteJSON(Envelope{Type: msgType, Payload: data, Timestamp: time.Now().UTC()}))
}

// dropConns closes every accepted connection server-side.
func (s *wsServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// receive awaits one inbound envelope of the given type, skipping pings.
func (s *wsServer) receive(t *testing.T, msgType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.inbound:
			if env.Type == MsgPing {
				continue
			}
			require.Equal(t, msgType, env.Type)
			return env
		case <-deadline:
			t.Fatalf("timed out waiting for %s message", msgType)
			return Envelope{}
		}
	}
}

func newTestChannel(url string) *Channel {
	return NewChannel(Options{
		URL:                  url,
		HeartbeatInterval:    time.Hour, // keep pings out of most tests
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		Logger:               zap.NewNop().Sugar(),
	})
}

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

// eventRecorder collects channel events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, evt := range r.events {
		kinds[i] = evt.Kind
	}
	return kinds
}

func (r *eventRecorder) has(kind EventKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnect(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	rec := &eventRecorder{}
	unwatch := c.Watch(rec.record)
	defer unwatch()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, []EventKind{EventConnected}, rec.kinds())
}

func TestConnect_Idempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, srv.upgradeCount())
}

func TestConnect_ConcurrentAttemptsCollapse(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, srv.upgradeCount())
}

func TestConnect_AfterClose(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrChannelClosed)
}

// ---------------------------------------------------------------------------
// Subscribe / dispatch
// ---------------------------------------------------------------------------

func TestSubscribe_ReceivesMatchingMessages(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	got := make(chan models.ProgressEvent, 1)
	unsub := c.Subscribe(MsgDeploymentProgress, func(env Envelope) {
		var evt models.ProgressEvent
		if err := json.Unmarshal(env.Payload, &evt); err == nil {
			got <- evt
		}
	})
	defer unsub()

	require.NoError(t, c.Connect(context.Background()))
	srv.push(t, MsgDeploymentProgress, models.ProgressEvent{DeploymentID: "dep-1", Stage: models.StageLoading})

	select {
	case evt := <-got:
		assert.Equal(t, "dep-1", evt.DeploymentID)
		assert.Equal(t, models.StageLoading, evt.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestSubscribe_PanicDoesNotStarveOtherSubscribers(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	got := make(chan struct{}, 1)
	c.Subscribe(MsgModelHealth, func(Envelope) { panic("subscriber bug") })
	c.Subscribe(MsgModelHealth, func(Envelope) { got <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	srv.push(t, MsgModelHealth, models.Health{ModelID: "llama-7b"})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber starved by panicking first")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	var count int
	var mu sync.Mutex
	unsub := c.Subscribe(MsgMetricsUpdate, func(Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	srv.push(t, MsgMetricsUpdate, map[string]int{"n": 1})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 }, "first message not delivered")

	unsub()
	srv.push(t, MsgMetricsUpdate, map[string]int{"n": 2})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_WhileConnected(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	c.Send(MsgDeploymentStatus, map[string]string{"deploymentId": "dep-1"})

	env := srv.receive(t, MsgDeploymentStatus)
	assert.Contains(t, string(env.Payload), "dep-1")
}

func TestSend_QueuedWhileDisconnectedAndFlushedInOrder(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	// Send before any connection: both messages queue, the first Send kicks
	// off a connection attempt.
	c.Send(MsgMetricsRequest, map[string]int{"seq": 1})
	c.Send(MsgMetricsRequest, map[string]int{"seq": 2})

	first := srv.receive(t, MsgMetricsRequest)
	second := srv.receive(t, MsgMetricsRequest)
	assert.Contains(t, string(first.Payload), `"seq":1`)
	assert.Contains(t, string(second.Payload), `"seq":2`)
}

func TestSend_AfterCloseIsDropped(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.NotPanics(t, func() {
		c.Send(MsgDeploymentStatus, map[string]string{"deploymentId": "dep-1"})
	})
}

// ---------------------------------------------------------------------------
// Reconnect / backoff
// ---------------------------------------------------------------------------

func TestReconnect_AfterServerDrop(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	defer c.Close()

	rec := &eventRecorder{}
	unwatch := c.Watch(rec.record)
	defer unwatch()

	require.NoError(t, c.Connect(context.Background()))
	srv.dropConns()

	waitFor(t, func() bool { return rec.has(EventDisconnected) }, "disconnect never observed")
	waitFor(t, func() bool { return srv.upgradeCount() >= 2 && c.Connected() }, "channel never reconnected")
	waitFor(t, func() bool {
		kinds := rec.kinds()
		return len(kinds) >= 3 && kinds[len(kinds)-1] == EventConnected
	}, "reconnect event never observed")
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := newWSServer(t)
	url := srv.url()
	srv.srv.Close() // nothing is listening anymore

	c := newTestChannel(url)
	defer c.Close()

	rec := &eventRecorder{}
	unwatch := c.Watch(rec.record)
	defer unwatch()

	require.Error(t, c.Connect(context.Background()))
	waitFor(t, func() bool { return rec.has(EventGaveUp) }, "channel never gave up")
	assert.False(t, c.Connected())
}

func TestClose_Idempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newTestChannel(srv.url())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat_SendsPings(t *testing.T) {
	srv := newWSServer(t)
	c := NewChannel(Options{
		URL:               srv.url(),
		HeartbeatInterval: 10 * time.Millisecond,
		Logger:            zap.NewNop().Sugar(),
	})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-srv.inbound:
			if env.Type == MsgPing {
				return
			}
		case <-deadline:
			t.Fatal("no ping observed")
		}
	}
}
