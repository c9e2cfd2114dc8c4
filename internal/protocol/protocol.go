// Package protocol defines the presence-sync wire protocol: JSON text
// frames carrying a versioned envelope {v, type, ...payload}. The message
// set is closed; decoding yields one typed value per frame so handlers can
// dispatch with an exhaustive type switch. Unknown types decode into
// *Unknown rather than failing, so older relays tolerate newer clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/verdantvr/grove/internal/geom"
)

// Version is the protocol version carried by every message.
const Version = 1

// DefaultRoom is joined when a hello omits the room field.
const DefaultRoom = "grove"

// Message type tags as they appear on the wire.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeSnapshot = "snapshot"
	TypePlant    = "event:plant"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

// ErrMalformed reports a frame that is not valid JSON or not an object.
var ErrMalformed = errors.New("malformed message")

// VersionError reports an envelope carrying an unsupported version.
type VersionError struct {
	Got int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %d (want %d)", e.Got, Version)
}

// Message is implemented by every decoded frame.
type Message interface {
	MessageType() string
}

// Envelope carries the fields common to every frame. Concrete messages
// embed it so a single json.Marshal emits the flattened wire shape.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

// MessageType returns the wire type tag.
func (e Envelope) MessageType() string { return e.Type }

// NewEnvelope returns an envelope for the given type at the current version.
func NewEnvelope(msgType string) Envelope {
	return Envelope{V: Version, Type: msgType}
}

// Hello requests a session. Room is optional; empty means DefaultRoom.
type Hello struct {
	Envelope
	ClientID string `json:"clientId"`
	Room     string `json:"room,omitempty"`
}

// HelloAck confirms a session to the sender only.
type HelloAck struct {
	Envelope
	ClientID string `json:"clientId"`
	Room     string `json:"room"`
}

// Join announces a new room member to everyone but the joiner.
type Join struct {
	Envelope
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// Leave announces a departed room member.
type Leave struct {
	Envelope
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is a full pose update for one client's tracked points. Pose
// fields are pointers so the relay can detect absent sub-poses and default
// them instead of rejecting the frame. ClientID is injected by the relay
// before fan-out; clients never set it themselves.
type Snapshot struct {
	Envelope
	Timestamp int64      `json:"t"`
	Head      *geom.Pose `json:"head,omitempty"`
	LeftHand  *geom.Pose `json:"lh,omitempty"`
	RightHand *geom.Pose `json:"rh,omitempty"`
	ClientID  string     `json:"clientId,omitempty"`
}

// PlantEvent spawns one object in the shared world. Receipt is idempotent
// per delivery, not deduplicated: two deliveries create two objects.
type PlantEvent struct {
	Envelope
	PlantType string           `json:"plantType"`
	Position  *geom.Vector3    `json:"pos,omitempty"`
	Rotation  *geom.Quaternion `json:"quat,omitempty"`
	Timestamp int64            `json:"t"`
	ClientID  string           `json:"clientId,omitempty"`
}

// Ping is the relay's liveness probe. Clients answer with Pong.
type Ping struct {
	Envelope
	Timestamp int64 `json:"timestamp"`
}

// Pong is the liveness response to a relay ping.
type Pong struct {
	Envelope
}

// Error reports a protocol or authorization violation. It never closes the
// connection.
type Error struct {
	Envelope
	Message   string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Unknown preserves the type tag of a frame this build does not understand.
type Unknown struct {
	Envelope
}

// Decode parses one JSON frame into a typed message.
//
// Postcondition: returns ErrMalformed for non-JSON input, *VersionError for
// an unsupported version, *Unknown for an unrecognized type tag, and a
// concrete message otherwise.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V != Version {
		return nil, &VersionError{Got: env.V}
	}

	var msg Message
	switch env.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeHelloAck:
		msg = &HelloAck{}
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeSnapshot:
		msg = &Snapshot{}
	case TypePlant:
		msg = &PlantEvent{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeError:
		msg = &Error{}
	default:
		return &Unknown{Envelope: env}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Encode marshals a message to its wire frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	return data, nil
}
