// Package relay implements the presence-sync relay: it accepts WebSocket
// connections, validates and sanitizes versioned JSON messages, and fans
// them out to the sender's room. The relay never interprets scene meaning
// beyond validation; clients never talk to each other directly.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/config"
	"github.com/verdantvr/grove/internal/protocol"
	"github.com/verdantvr/grove/internal/sanitize"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Server accepts connections, maintains the registry, and brokers messages.
type Server struct {
	cfg      config.RelayConfig
	registry *Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	httpSrv *http.Server
	running bool
	connWG  sync.WaitGroup
}

// NewServer creates a relay server.
//
// Precondition: registry and logger must be non-nil.
func NewServer(cfg config.RelayConfig, registry *Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router returns the HTTP routes served by the relay.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS)
	router.HandleFunc("/healthz", s.handleHealth)
	return router
}

// ListenAndServe starts the HTTP listener and blocks until Stop is called.
//
// Precondition: The server must not already be running.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.running = true
	s.mu.Unlock()

	s.logger.Info("relay listening",
		zap.String("addr", addr),
		zap.String("default_room", s.cfg.DefaultRoom),
	)

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server: the listener closes, open connections
// are terminated, and in-flight handlers drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.httpSrv
	s.mu.Unlock()

	for _, row := range s.registry.Liveness() {
		row.Peer.Terminate()
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	s.connWG.Wait()

	s.logger.Info("relay stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.SessionCount(),
		"rooms":    s.registry.RoomCount(),
	})
}

// handleWS upgrades the connection and runs its read loop. One goroutine
// per connection; writes are serialized by the connection's own mutex.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := &wsPeer{id: uuid.New(), sock: sock}

	s.logger.Info("client connected",
		zap.String("conn", conn.id.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Immediate liveness probe; no session exists until hello.
	s.send(conn, &protocol.Ping{
		Envelope:  protocol.NewEnvelope(protocol.TypePing),
		Timestamp: time.Now().UnixMilli(),
	})

	s.connWG.Add(1)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *wsPeer) {
	defer s.connWG.Done()
	defer s.disconnect(conn)

	for {
		_, frame, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(conn, frame)
	}
}

// dispatch processes one inbound frame. Protocol violations are answered
// with an error message; the connection stays open so a single bad message
// never costs a client its session.
func (s *Server) dispatch(conn *wsPeer, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		if verr, ok := err.(*protocol.VersionError); ok {
			s.logger.Debug("version mismatch",
				zap.String("conn", conn.id.String()),
				zap.Int("version", verr.Got),
			)
			s.sendError(conn, "Unsupported protocol version")
			return
		}
		s.logger.Debug("malformed frame",
			zap.String("conn", conn.id.String()),
			zap.Error(err),
		)
		s.sendError(conn, "Invalid message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		s.handleHello(conn, m)
	case *protocol.Snapshot:
		s.handleSnapshot(conn, m)
	case *protocol.PlantEvent:
		s.handlePlant(conn, m)
	case *protocol.Pong:
		s.registry.TouchPing(conn.id, time.Now())
	default:
		// Forward compatibility: unknown or unexpected types are logged
		// and ignored, never answered.
		s.logger.Debug("ignoring message",
			zap.String("conn", conn.id.String()),
			zap.String("type", msg.MessageType()),
		)
	}
}

// handleHello creates or replaces the connection's session. Idempotent per
// connection: a repeated hello tears down the prior membership first.
func (s *Server) handleHello(conn *wsPeer, m *protocol.Hello) {
	if m.ClientID == "" {
		s.sendError(conn, "Invalid hello: clientId required")
		return
	}
	room := m.Room
	if room == "" {
		room = s.cfg.DefaultRoom
	}

	now := time.Now()
	_, audience := s.registry.Register(conn, m.ClientID, room, now)

	s.logger.Info("session started",
		zap.String("conn", conn.id.String()),
		zap.String("client_id", m.ClientID),
		zap.String("room", room),
	)

	s.broadcast(audience, &protocol.Join{
		Envelope:  protocol.NewEnvelope(protocol.TypeJoin),
		ClientID:  m.ClientID,
		Timestamp: now.UnixMilli(),
	})

	s.send(conn, &protocol.HelloAck{
		Envelope: protocol.NewEnvelope(protocol.TypeHelloAck),
		ClientID: m.ClientID,
		Room:     room,
	})
}

// handleSnapshot sanitizes and fans out a pose snapshot, subject to the
// per-session rate gate. Over-rate snapshots are dropped silently: a newer
// snapshot supersedes them anyway.
func (s *Server) handleSnapshot(conn *wsPeer, m *protocol.Snapshot) {
	sess, ok := s.registry.Get(conn.id)
	if !ok {
		s.sendError(conn, "Not authenticated")
		return
	}

	if !s.registry.AllowSnapshot(conn.id, time.Now(), s.cfg.SnapshotMinInterval) {
		return
	}

	head := sanitize.PoseOrIdentity(m.Head)
	left := sanitize.PoseOrIdentity(m.LeftHand)
	right := sanitize.PoseOrIdentity(m.RightHand)

	out := &protocol.Snapshot{
		Envelope:  protocol.NewEnvelope(protocol.TypeSnapshot),
		Timestamp: m.Timestamp,
		Head:      &head,
		LeftHand:  &left,
		RightHand: &right,
		ClientID:  sess.ClientID,
	}
	s.broadcast(s.registry.Peers(sess.Room, conn.id), out)
}

// handlePlant validates, sanitizes, and fans out a world mutation.
func (s *Server) handlePlant(conn *wsPeer, m *protocol.PlantEvent) {
	sess, ok := s.registry.Get(conn.id)
	if !ok {
		s.sendError(conn, "Not authenticated")
		return
	}

	if m.PlantType == "" || m.Position == nil || m.Rotation == nil {
		s.sendError(conn, "Invalid plant event data")
		return
	}

	pos := sanitize.ClampVector3(*m.Position)
	rot := sanitize.ClampQuaternion(*m.Rotation)
	ts := m.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	out := &protocol.PlantEvent{
		Envelope:  protocol.NewEnvelope(protocol.TypePlant),
		PlantType: m.PlantType,
		Position:  &pos,
		Rotation:  &rot,
		Timestamp: ts,
		ClientID:  sess.ClientID,
	}
	s.broadcast(s.registry.Peers(sess.Room, conn.id), out)
}

// disconnect removes the session and, if the room still has members,
// announces the departure.
func (s *Server) disconnect(conn *wsPeer) {
	conn.Terminate()

	sess, remaining := s.registry.Remove(conn.id)
	if sess == nil {
		s.logger.Info("client disconnected",
			zap.String("conn", conn.id.String()),
		)
		return
	}

	s.logger.Info("session ended",
		zap.String("conn", conn.id.String()),
		zap.String("client_id", sess.ClientID),
		zap.String("room", sess.Room),
	)

	if len(remaining) > 0 {
		s.broadcast(remaining, &protocol.Leave{
			Envelope:  protocol.NewEnvelope(protocol.TypeLeave),
			ClientID:  sess.ClientID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// broadcast delivers one message to every peer, best effort. A failed
// write is the peer's problem: its read loop will unwind shortly.
func (s *Server) broadcast(peers []Peer, msg protocol.Message) {
	if len(peers) == 0 {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encoding broadcast", zap.Error(err))
		return
	}
	for _, peer := range peers {
		if err := peer.Send(data); err != nil {
			s.logger.Debug("broadcast write failed",
				zap.String("conn", peer.ID().String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Server) send(conn *wsPeer, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encoding message", zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Debug("write failed",
			zap.String("conn", conn.id.String()),
			zap.Error(err),
		)
	}
}

func (s *Server) sendError(conn *wsPeer, text string) {
	s.send(conn, &protocol.Error{
		Envelope:  protocol.NewEnvelope(protocol.TypeError),
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}

// wsPeer wraps one websocket connection with a write mutex so the read
// loop, broadcasts from other connections, and the heartbeat sweep can all
// write safely.
type wsPeer struct {
	id   uuid.UUID
	sock *websocket.Conn
	mu   sync.Mutex
}

var _ Peer = (*wsPeer)(nil)

// ID implements Peer.
func (c *wsPeer) ID() uuid.UUID { return c.id }

// Send implements Peer.
func (c *wsPeer) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Terminate implements Peer.
func (c *wsPeer) Terminate() {
	_ = c.sock.Close()
}
