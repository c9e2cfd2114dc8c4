package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verdantvr/grove/internal/config"
	"github.com/verdantvr/grove/internal/protocol"
)

func clientConfig(url string) config.ClientConfig {
	return config.ClientConfig{
		ServerURL:             url,
		PublishInterval:       50 * time.Millisecond,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
		MaxReconnectAttempts:  10,
		QueueCapacity:         4,
	}
}

// echoRelay is a minimal websocket endpoint recording inbound frames.
type echoRelay struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames [][]byte
	conns  []*websocket.Conn
}

func newEchoRelay(t *testing.T) (*echoRelay, string) {
	t.Helper()
	er := &echoRelay{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := er.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		er.mu.Lock()
		er.conns = append(er.conns, conn)
		er.mu.Unlock()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			er.mu.Lock()
			er.frames = append(er.frames, frame)
			er.mu.Unlock()
		}
	}))
	t.Cleanup(ts.Close)
	return er, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (er *echoRelay) received() [][]byte {
	er.mu.Lock()
	defer er.mu.Unlock()
	out := make([][]byte, len(er.frames))
	copy(out, er.frames)
	return out
}

func (er *echoRelay) writeToAll(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	er.mu.Lock()
	defer er.mu.Unlock()
	for _, conn := range er.conns {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
}

func waitForEvent(t *testing.T, tr *Transport, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	_, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventOpen)
	assert.Equal(t, StateConnected, tr.State())

	tr.Disconnect()
	waitForEvent(t, tr, EventClose)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.ReconnectPending(), "intentional disconnect never reconnects")
}

func TestSendWhileConnected(t *testing.T) {
	relay, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventOpen)

	written := tr.Send(&protocol.Pong{Envelope: protocol.NewEnvelope(protocol.TypePong)})
	assert.True(t, written)

	require.Eventually(t, func() bool {
		return len(relay.received()) == 1
	}, time.Second, 10*time.Millisecond)

	tr.Disconnect()
}

func TestQueueWhileDisconnected(t *testing.T) {
	tr := NewTransport(clientConfig("ws://127.0.0.1:1/ws"), zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		written := tr.Send(&protocol.Hello{
			Envelope: protocol.NewEnvelope(protocol.TypeHello),
			ClientID: "alice",
		})
		assert.False(t, written)
	}
	assert.Equal(t, 3, tr.QueueLen())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	cfg := clientConfig("ws://127.0.0.1:1/ws")
	cfg.QueueCapacity = 2
	tr := NewTransport(cfg, zaptest.NewLogger(t))

	for _, id := range []string{"first", "second", "third"} {
		tr.Send(&protocol.Hello{
			Envelope: protocol.NewEnvelope(protocol.TypeHello),
			ClientID: id,
		})
	}
	require.Equal(t, 2, tr.QueueLen())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Contains(t, string(tr.queue[0]), "second")
	assert.Contains(t, string(tr.queue[1]), "third")
}

func TestQueueFlushedInOrderOnOpen(t *testing.T) {
	relay, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	for _, id := range []string{"one", "two", "three"} {
		tr.Send(&protocol.Hello{
			Envelope: protocol.NewEnvelope(protocol.TypeHello),
			ClientID: id,
		})
	}

	tr.Connect()
	waitForEvent(t, tr, EventOpen)
	assert.Zero(t, tr.QueueLen())

	require.Eventually(t, func() bool {
		return len(relay.received()) == 3
	}, time.Second, 10*time.Millisecond)

	frames := relay.received()
	assert.Contains(t, string(frames[0]), "one")
	assert.Contains(t, string(frames[1]), "two")
	assert.Contains(t, string(frames[2]), "three")

	tr.Disconnect()
}

func TestInboundMessageDelivered(t *testing.T) {
	relay, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventOpen)

	relay.writeToAll(t, &protocol.Join{
		Envelope: protocol.NewEnvelope(protocol.TypeJoin),
		ClientID: "bob",
	})

	ev := waitForEvent(t, tr, EventMessage)
	join, ok := ev.Message.(*protocol.Join)
	require.True(t, ok, "expected join, got %#v", ev.Message)
	assert.Equal(t, "bob", join.ClientID)

	tr.Disconnect()
}

func TestPingAnsweredWithPong(t *testing.T) {
	relay, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventOpen)

	relay.writeToAll(t, &protocol.Ping{
		Envelope:  protocol.NewEnvelope(protocol.TypePing),
		Timestamp: time.Now().UnixMilli(),
	})

	require.Eventually(t, func() bool {
		for _, frame := range relay.received() {
			if strings.Contains(string(frame), `"pong"`) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// The ping itself is consumed by the transport, not surfaced.
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	tr.Disconnect()
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	_, url := newEchoRelay(t)
	tr := NewTransport(clientConfig(url), zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventOpen)

	// Kill the connection from under the transport.
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()

	waitForEvent(t, tr, EventClose)
	waitForEvent(t, tr, EventOpen)
	assert.Equal(t, StateConnected, tr.State())

	tr.Disconnect()
}

func TestReconnectsExhausted(t *testing.T) {
	cfg := clientConfig("ws://127.0.0.1:1/ws")
	cfg.MaxReconnectAttempts = 0
	tr := NewTransport(cfg, zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventClose)
	waitForEvent(t, tr, EventReconnectsExhausted)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.ReconnectPending())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := clientConfig("ws://127.0.0.1:1/ws")
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	tr := NewTransport(cfg, zaptest.NewLogger(t))

	tr.Connect()
	waitForEvent(t, tr, EventClose)

	require.Eventually(t, tr.ReconnectPending, time.Second, 10*time.Millisecond)

	tr.Disconnect()
	assert.False(t, tr.ReconnectPending())
}

func TestBackoffDelaySequence(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, BackoffDelay(initial, max, attempt),
			"attempt %d", attempt)
	}
}

func TestBackoffDelayNeverExceedsMax(t *testing.T) {
	for attempt := 0; attempt < 100; attempt++ {
		d := BackoffDelay(250*time.Millisecond, 5*time.Second, attempt)
		assert.LessOrEqual(t, d, 5*time.Second)
		assert.GreaterOrEqual(t, d, 250*time.Millisecond)
	}
}
