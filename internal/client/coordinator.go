package client

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/geom"
	"github.com/verdantvr/grove/internal/protocol"
)

// BodyPart identifies one of the tracked points in a snapshot.
type BodyPart int

const (
	PartHead BodyPart = iota
	PartLeftHand
	PartRightHand
	partCount
)

// Renderer is the narrow surface the coordinator needs from the 3D layer.
// Implementations create and position visual proxies; the coordinator owns
// all sync state.
type Renderer interface {
	// CreateAvatar makes a visual stand-in for a newly seen remote client.
	CreateAvatar(clientID string)
	// RemoveAvatar releases the stand-in and its resources.
	RemoveAvatar(clientID string)
	// ApplyAvatarPose positions one tracked point of an avatar.
	ApplyAvatarPose(clientID string, part BodyPart, pose geom.Pose)
	// SpawnPlant instantiates one world object at the given pose.
	SpawnPlant(plantType string, pose geom.Pose)
}

// PoseSource supplies the local player's tracked poses.
type PoseSource interface {
	// Poses returns head and hand poses. ok is false while any tracked
	// point is unavailable, in which case publication is skipped.
	Poses() (head, left, right geom.Pose, ok bool)
}

// Clock abstracts time for publish-rate decisions so tests control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// poseSmoothingRate is the exponential-decay constant (per second) used to
// move rendered poses toward their targets. Higher is snappier.
const poseSmoothingRate = 10.0

// RemoteAvatar mirrors one remote participant: the pose we currently
// render and the latest target received, per tracked point. Only the
// latest target matters; there is no historical buffering.
type RemoteAvatar struct {
	ClientID   string
	LastUpdate time.Time

	rendered [partCount]geom.Pose
	target   [partCount]geom.Pose
}

// Rendered returns the currently rendered pose for one part.
func (a *RemoteAvatar) Rendered(part BodyPart) geom.Pose { return a.rendered[part] }

// Target returns the latest received target pose for one part.
func (a *RemoteAvatar) Target(part BodyPart) geom.Pose { return a.target[part] }

type pendingPlant struct {
	plantType string
	pose      geom.Pose
}

// Coordinator is the client-side sync brain: it consumes transport events,
// owns the remote-avatar table, publishes the local snapshot at a capped
// rate, and interpolates remote avatars toward their targets every frame.
//
// The coordinator is single-threaded by design: HandleEvent, Update,
// PlacePlant, and Close must all be called from the application's frame
// loop goroutine. Only the transport is internally concurrent.
type Coordinator struct {
	transport *Transport
	renderer  Renderer
	poses     PoseSource
	clock     Clock
	logger    *zap.Logger

	clientID        string
	room            string
	publishInterval time.Duration

	avatars     map[string]*RemoteAvatar
	lastPublish time.Time
	pending     []pendingPlant
}

// NewCoordinator creates a coordinator bound to a transport and renderer.
//
// Precondition: all arguments must be non-nil; clientID must be non-empty.
// room may be empty to use the relay's default.
func NewCoordinator(transport *Transport, renderer Renderer, poses PoseSource, clock Clock, clientID, room string, publishInterval time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		transport:       transport,
		renderer:        renderer,
		poses:           poses,
		clock:           clock,
		logger:          logger,
		clientID:        clientID,
		room:            room,
		publishInterval: publishInterval,
		avatars:         make(map[string]*RemoteAvatar),
	}
}

// Connect starts the transport. The hello is sent from the open event so
// every reconnect re-establishes the session automatically.
func (c *Coordinator) Connect() {
	c.transport.Connect()
}

// AvatarCount returns the number of known remote avatars.
func (c *Coordinator) AvatarCount() int { return len(c.avatars) }

// Avatar returns the remote avatar for the given clientId, if known.
func (c *Coordinator) Avatar(clientID string) (*RemoteAvatar, bool) {
	a, ok := c.avatars[clientID]
	return a, ok
}

// PlacePlant records a locally created world mutation for broadcast. The
// caller has already instantiated the object; the coordinator only owes
// the relay one event:plant for it.
func (c *Coordinator) PlacePlant(plantType string, pose geom.Pose) {
	c.pending = append(c.pending, pendingPlant{plantType: plantType, pose: pose})
}

// HandleEvent processes one transport event.
func (c *Coordinator) HandleEvent(ev Event) {
	switch ev.Type {
	case EventOpen:
		c.transport.Send(&protocol.Hello{
			Envelope: protocol.NewEnvelope(protocol.TypeHello),
			ClientID: c.clientID,
			Room:     c.room,
		})
	case EventClose:
		// Avatars are kept across reconnects; the relay will replay join
		// state implicitly through fresh snapshots.
	case EventReconnectsExhausted:
		c.logger.Warn("transport gave up reconnecting")
	case EventMessage:
		c.handleMessage(ev.Message)
	}
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.HelloAck:
		c.logger.Info("session acknowledged",
			zap.String("client_id", m.ClientID),
			zap.String("room", m.Room),
		)
	case *protocol.Join:
		c.ensureAvatar(m.ClientID)
	case *protocol.Leave:
		c.removeAvatar(m.ClientID)
	case *protocol.Snapshot:
		c.applySnapshot(m)
	case *protocol.PlantEvent:
		c.applyPlant(m)
	case *protocol.Error:
		c.logger.Warn("relay error", zap.String("error", m.Message))
	default:
		c.logger.Debug("ignoring message", zap.String("type", msg.MessageType()))
	}
}

// ensureAvatar lazily creates an avatar on first sight. Join and snapshot
// are both valid creation triggers; ordering between them is not assumed.
func (c *Coordinator) ensureAvatar(clientID string) *RemoteAvatar {
	if clientID == "" || clientID == c.clientID {
		return nil
	}
	if a, ok := c.avatars[clientID]; ok {
		return a
	}
	a := &RemoteAvatar{ClientID: clientID, LastUpdate: c.clock.Now()}
	for i := range a.rendered {
		a.rendered[i] = geom.IdentityPose()
		a.target[i] = geom.IdentityPose()
	}
	c.avatars[clientID] = a
	c.renderer.CreateAvatar(clientID)
	c.logger.Info("remote avatar created", zap.String("client_id", clientID))
	return a
}

func (c *Coordinator) removeAvatar(clientID string) {
	if _, ok := c.avatars[clientID]; !ok {
		return
	}
	delete(c.avatars, clientID)
	c.renderer.RemoveAvatar(clientID)
	c.logger.Info("remote avatar removed", zap.String("client_id", clientID))
}

// applySnapshot records target poses only; the rendered pose catches up
// over the following frames in Update.
func (c *Coordinator) applySnapshot(m *protocol.Snapshot) {
	a := c.ensureAvatar(m.ClientID)
	if a == nil {
		return
	}
	if m.Head != nil {
		a.target[PartHead] = *m.Head
	}
	if m.LeftHand != nil {
		a.target[PartLeftHand] = *m.LeftHand
	}
	if m.RightHand != nil {
		a.target[PartRightHand] = *m.RightHand
	}
	a.LastUpdate = c.clock.Now()
}

// applyPlant instantiates a replicated object. It deliberately bypasses
// PlacePlant: replicated objects must never enter the pending set, or they
// would echo back to the relay as if created locally.
func (c *Coordinator) applyPlant(m *protocol.PlantEvent) {
	if m.PlantType == "" || m.Position == nil || m.Rotation == nil {
		c.logger.Warn("dropping incomplete plant event")
		return
	}
	c.renderer.SpawnPlant(m.PlantType, geom.Pose{
		Position: *m.Position,
		Rotation: *m.Rotation,
	})
}

// Update advances one frame: publish the local snapshot when due, flush
// pending plant events, and interpolate every avatar toward its targets.
//
// Precondition: dt is the elapsed frame time and must be >= 0.
func (c *Coordinator) Update(dt time.Duration) {
	c.publishSnapshot()
	c.flushPlants()
	c.interpolate(dt)
}

// publishSnapshot sends the local pose at most once per publish interval.
// A due-but-skipped publish (pose sources unavailable) is not deferred;
// the next frame simply tries again.
func (c *Coordinator) publishSnapshot() {
	now := c.clock.Now()
	if !c.lastPublish.IsZero() && now.Sub(c.lastPublish) < c.publishInterval {
		return
	}
	head, left, right, ok := c.poses.Poses()
	if !ok {
		return
	}
	c.lastPublish = now
	c.transport.Send(&protocol.Snapshot{
		Envelope:  protocol.NewEnvelope(protocol.TypeSnapshot),
		Timestamp: now.UnixMilli(),
		Head:      &head,
		LeftHand:  &left,
		RightHand: &right,
	})
}

// flushPlants publishes every not-yet-broadcast local mutation exactly once.
func (c *Coordinator) flushPlants() {
	if len(c.pending) == 0 {
		return
	}
	for _, p := range c.pending {
		pos := p.pose.Position
		rot := p.pose.Rotation
		c.transport.Send(&protocol.PlantEvent{
			Envelope:  protocol.NewEnvelope(protocol.TypePlant),
			PlantType: p.plantType,
			Position:  &pos,
			Rotation:  &rot,
			Timestamp: c.clock.Now().UnixMilli(),
		})
	}
	c.pending = nil
}

// interpolate moves every rendered pose a time-scaled fraction of the
// remaining way toward its target: exponential decay, so 20 Hz updates
// render as continuous motion and network jitter is absorbed.
func (c *Coordinator) interpolate(dt time.Duration) {
	if dt <= 0 {
		return
	}
	alpha := 1 - math.Exp(-poseSmoothingRate*dt.Seconds())
	for _, a := range c.avatars {
		for part := BodyPart(0); part < partCount; part++ {
			a.rendered[part] = geom.Pose{
				Position: geom.Lerp(a.rendered[part].Position, a.target[part].Position, alpha),
				Rotation: geom.Slerp(a.rendered[part].Rotation, a.target[part].Rotation, alpha),
			}
			c.renderer.ApplyAvatarPose(a.ClientID, part, a.rendered[part])
		}
	}
}

// Close disconnects the transport and destroys every remote avatar.
func (c *Coordinator) Close() {
	c.transport.Disconnect()
	for id := range c.avatars {
		c.renderer.RemoveAvatar(id)
		delete(c.avatars, id)
	}
}
