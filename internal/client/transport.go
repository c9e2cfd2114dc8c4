// Package client implements the client half of the presence-sync protocol:
// a reconnecting WebSocket transport and the sync coordinator that keeps
// remote avatars and the shared world in step with the relay.
package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/config"
	"github.com/verdantvr/grove/internal/protocol"
)

// State is the transport connection state.
type State int32

const (
	// StateDisconnected means no connection exists. A reconnect may be
	// pending; see Transport.ReconnectPending.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is open.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType discriminates transport events.
type EventType int

const (
	// EventOpen fires when the connection is established and the queue
	// has been flushed.
	EventOpen EventType = iota
	// EventClose fires when the connection drops, cleanly or not.
	EventClose
	// EventMessage carries one decoded inbound message.
	EventMessage
	// EventReconnectsExhausted is terminal: the configured retry budget is
	// spent and the transport will not try again on its own.
	EventReconnectsExhausted
)

// Event is a transport lifecycle or inbound-message notification.
type Event struct {
	Type    EventType
	Message protocol.Message
}

// Transport is a reconnecting WebSocket client. While disconnected it
// queues outbound frames in a bounded FIFO (oldest dropped first) and
// retries with exponential backoff. All exported methods are safe for
// concurrent use; events are delivered on the Events channel.
type Transport struct {
	cfg    config.ClientConfig
	logger *zap.Logger
	dialer *websocket.Dialer
	events chan Event

	// writeMu serializes socket writes; gorilla conns allow one writer.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	queue          [][]byte
	attempts       int
	reconnectTimer *time.Timer
	intentional    bool
}

// NewTransport creates a transport for the given client configuration.
//
// Precondition: logger must be non-nil; cfg should come from a validated Config.
func NewTransport(cfg config.ClientConfig, logger *zap.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.DefaultDialer,
		events: make(chan Event, 256),
	}
}

// Events returns the channel carrying lifecycle and message events.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReconnectPending reports whether a backoff timer is armed.
func (t *Transport) ReconnectPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectTimer != nil
}

// QueueLen returns the number of frames waiting for the next open.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect starts dialing the relay. No-op when already connecting or
// connected. A pending reconnect timer is superseded by the explicit call.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.cancelReconnectLocked()
	t.intentional = false
	t.state = StateConnecting
	t.mu.Unlock()

	go t.dial()
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnect. Intentional disconnects never trigger auto-reconnect. The
// outbound queue is cleared.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	t.cancelReconnectLocked()
	t.queue = nil
	t.attempts = 0
	conn := t.conn
	t.conn = nil
	wasOpen := t.state != StateDisconnected
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if wasOpen {
		t.emit(Event{Type: EventClose})
	}
}

// Send delivers the message immediately when connected, otherwise enqueues
// it for the next open.
//
// Postcondition: Returns true exactly when the frame was written to the
// socket now; false means it was queued (or dropped on encode failure).
func (t *Transport) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		t.logger.Error("encoding outbound message", zap.Error(err))
		return false
	}

	t.mu.Lock()
	if t.state == StateConnected && t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		if err := t.write(conn, data); err != nil {
			t.logger.Debug("send failed, queuing", zap.Error(err))
			t.enqueue(data)
			return false
		}
		return true
	}
	t.enqueueLocked(data)
	t.mu.Unlock()
	return false
}

func (t *Transport) enqueue(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueueLocked(data)
}

// enqueueLocked appends to the bounded FIFO, dropping the oldest entry
// when full.
func (t *Transport) enqueueLocked(data []byte) {
	if len(t.queue) >= t.cfg.QueueCapacity {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, data)
}

func (t *Transport) dial() {
	conn, resp, err := t.dialer.Dial(t.cfg.ServerURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.logger.Debug("dial failed",
			zap.String("url", t.cfg.ServerURL),
			zap.Error(err),
		)
		t.mu.Lock()
		t.state = StateDisconnected
		intentional := t.intentional
		t.mu.Unlock()

		t.emit(Event{Type: EventClose})
		if !intentional {
			t.scheduleReconnect()
		}
		return
	}

	t.mu.Lock()
	if t.intentional {
		// Disconnect raced the dial; drop the fresh connection.
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = StateConnected
	t.attempts = 0
	t.cancelReconnectLocked()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	// Flush in FIFO order before announcing the open connection.
	for i, data := range pending {
		if err := t.write(conn, data); err != nil {
			t.logger.Warn("flush failed, re-queuing remainder",
				zap.Int("flushed", i),
				zap.Int("remaining", len(pending)-i),
				zap.Error(err),
			)
			t.mu.Lock()
			for _, left := range pending[i:] {
				t.enqueueLocked(left)
			}
			t.mu.Unlock()
			break
		}
	}

	t.emit(Event{Type: EventOpen})
	go t.readLoop(conn)
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.connLost(conn)
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			// Malformed inbound frames never crash the transport.
			t.logger.Warn("discarding malformed inbound frame", zap.Error(err))
			continue
		}

		// Liveness is a transport concern: answer pings here so the
		// coordinator never has to.
		if _, ok := msg.(*protocol.Ping); ok {
			t.Send(&protocol.Pong{Envelope: protocol.NewEnvelope(protocol.TypePong)})
			continue
		}

		t.emit(Event{Type: EventMessage, Message: msg})
	}
}

// connLost handles an unexpected close observed by the read loop.
func (t *Transport) connLost(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection or an intentional disconnect already took
		// over; this close was reported for it.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	intentional := t.intentional
	t.mu.Unlock()

	_ = conn.Close()
	t.emit(Event{Type: EventClose})
	if !intentional {
		t.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer, or emits the terminal event
// once the retry budget is spent.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.intentional || t.reconnectTimer != nil || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		t.mu.Unlock()
		t.logger.Warn("reconnect attempts exhausted",
			zap.Int("attempts", t.cfg.MaxReconnectAttempts),
		)
		t.emit(Event{Type: EventReconnectsExhausted})
		return
	}

	delay := BackoffDelay(t.cfg.ReconnectInitialDelay, t.cfg.ReconnectMaxDelay, t.attempts)
	t.attempts++
	t.logger.Info("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", t.attempts),
	)
	t.reconnectTimer = time.AfterFunc(delay, t.retry)
	t.mu.Unlock()
}

func (t *Transport) retry() {
	t.mu.Lock()
	t.reconnectTimer = nil
	if t.intentional || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()

	go t.dial()
}

// cancelReconnectLocked stops a pending backoff timer. Caller holds t.mu.
func (t *Transport) cancelReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

// emit delivers an event without ever blocking a socket goroutine. If the
// consumer has fallen this far behind, dropping is the lesser evil: for
// poses a newer event supersedes the lost one.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event channel full, dropping event",
			zap.Int("type", int(ev.Type)),
		)
	}
}

// BackoffDelay returns min(initial * 2^attempt, max).
func BackoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
