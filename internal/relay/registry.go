package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is the write side of one connected client. The relay server's
// websocket connection implements it; tests substitute an in-memory fake.
type Peer interface {
	// ID is the relay-assigned connection identifier.
	ID() uuid.UUID
	// Send writes one encoded frame to the client. Best effort.
	Send(data []byte) error
	// Terminate forcibly closes the underlying connection, which unwinds
	// the connection's read loop and triggers disconnect handling.
	Terminate()
}

// Session tracks one authenticated connection. A connection has no session
// until its hello is accepted; exactly one session exists per connection.
type Session struct {
	// Peer is the connection the session rides on.
	Peer Peer
	// ClientID is caller-supplied and not guaranteed unique within a room.
	ClientID string
	// Room is the broadcast domain the session belongs to.
	Room string
	// LastPing is the time of the most recent liveness response.
	LastPing time.Time
	// LastSnapshotAt is the time the last snapshot was accepted for
	// fan-out. Zero until the first snapshot.
	LastSnapshotAt time.Time
}

// Registry maps connections to sessions and rooms to member sets. Rooms are
// created lazily on first join and deleted when their last member leaves.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	rooms    map[string]map[uuid.UUID]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		rooms:    make(map[string]map[uuid.UUID]bool),
	}
}

// Register creates a session for the peer, joining the given room. If the
// peer already holds a session, its prior room membership is torn down
// first so a repeated hello never produces duplicate membership.
//
// Precondition: clientID and room must be non-empty.
// Postcondition: Returns the new session and the peers that were already in
// the room (the join-broadcast audience, which excludes the registrant).
func (r *Registry) Register(peer Peer, clientID, room string, now time.Time) (*Session, []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.sessions[peer.ID()]; ok {
		r.leaveRoomLocked(peer.ID(), prior.Room)
	}

	sess := &Session{
		Peer:     peer,
		ClientID: clientID,
		Room:     room,
		LastPing: now,
	}
	r.sessions[peer.ID()] = sess

	audience := r.peersLocked(room, peer.ID())

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[uuid.UUID]bool)
	}
	r.rooms[room][peer.ID()] = true

	return sess, audience
}

// Remove deletes the peer's session and room membership.
//
// Postcondition: Returns the removed session (nil if none existed) and the
// peers remaining in its room. An empty remainder means the room itself was
// deleted, so no leave broadcast is owed.
func (r *Registry) Remove(peerID uuid.UUID) (*Session, []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[peerID]
	if !ok {
		return nil, nil
	}
	delete(r.sessions, peerID)
	r.leaveRoomLocked(peerID, sess.Room)

	return sess, r.peersLocked(sess.Room, peerID)
}

// Get returns the session for the given connection.
func (r *Registry) Get(peerID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[peerID]
	return sess, ok
}

// Peers returns every member of the room except the excluded connection.
func (r *Registry) Peers(room string, exclude uuid.UUID) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peersLocked(room, exclude)
}

// TouchPing records a liveness response for the connection.
//
// Postcondition: Returns false when no session exists for the connection.
func (r *Registry) TouchPing(peerID uuid.UUID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[peerID]
	if !ok {
		return false
	}
	sess.LastPing = now
	return true
}

// AllowSnapshot applies the per-session snapshot rate gate: at most one
// accepted snapshot per window. Rejected snapshots are dropped, not queued.
//
// Postcondition: Returns true and advances the window exactly when the
// snapshot should be fanned out; false when no session exists or the
// previous acceptance is still inside the window.
func (r *Registry) AllowSnapshot(peerID uuid.UUID, now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[peerID]
	if !ok {
		return false
	}
	if !sess.LastSnapshotAt.IsZero() && now.Sub(sess.LastSnapshotAt) < window {
		return false
	}
	sess.LastSnapshotAt = now
	return true
}

// SessionLiveness is one row of the heartbeat sweep.
type SessionLiveness struct {
	Peer     Peer
	ClientID string
	LastPing time.Time
}

// Liveness snapshots the ping state of every session for the heartbeat
// monitor. The sweep works on the copy so it never holds the registry lock
// while writing to sockets.
func (r *Registry) Liveness() []SessionLiveness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionLiveness, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionLiveness{
			Peer:     sess.Peer,
			ClientID: sess.ClientID,
			LastPing: sess.LastPing,
		})
	}
	return out
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomSize returns the number of members in the given room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *Registry) leaveRoomLocked(peerID uuid.UUID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) peersLocked(room string, exclude uuid.UUID) []Peer {
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	peers := make([]Peer, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if sess, ok := r.sessions[id]; ok {
			peers = append(peers, sess.Peer)
		}
	}
	return peers
}
