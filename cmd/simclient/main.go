// Package main provides a headless synthetic client for soak-testing a
// running relay. It joins a room, publishes orbiting pose snapshots at the
// configured rate, plants an object every few seconds, and logs what the
// relay sends back. No renderer or tracking hardware required.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/client"
	"github.com/verdantvr/grove/internal/config"
	"github.com/verdantvr/grove/internal/geom"
	"github.com/verdantvr/grove/internal/observability"
)

const frameInterval = 16 * time.Millisecond

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	room := flag.String("room", "", "room to join; empty = relay default")
	clientID := flag.String("id", fmt.Sprintf("sim-%d", os.Getpid()), "client identifier")
	plantEvery := flag.Duration("plant-every", 5*time.Second, "interval between plant events; 0 disables")
	flag.Parse()

	cfg := config.Default()
	cfg.Client.ServerURL = *url
	cfg.Client.Room = *room

	logger, err := observability.NewLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	transport := client.NewTransport(cfg.Client, logger)
	coord := client.NewCoordinator(
		transport,
		&loggingRenderer{logger: logger},
		&orbitSource{start: time.Now()},
		client.SystemClock{},
		*clientID,
		*room,
		cfg.Client.PublishInterval,
		logger,
	)

	coord.Connect()
	logger.Info("simclient running",
		zap.String("url", *url),
		zap.String("client_id", *clientID),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	frames := time.NewTicker(frameInterval)
	defer frames.Stop()

	var plantTick <-chan time.Time
	if *plantEvery > 0 {
		plants := time.NewTicker(*plantEvery)
		defer plants.Stop()
		plantTick = plants.C
	}

	start := time.Now()
	last := start
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			coord.Close()
			return
		case ev := <-transport.Events():
			coord.HandleEvent(ev)
		case <-plantTick:
			angle := time.Since(start).Seconds() * 0.5
			coord.PlacePlant("sapling", geom.Pose{
				Position: geom.Vector3{X: 2.5 * math.Cos(angle), Z: 2.5 * math.Sin(angle)},
				Rotation: geom.Identity(),
			})
		case now := <-frames.C:
			coord.Update(now.Sub(last))
			last = now
		}
	}
}

// orbitSource synthesizes a head pose circling the origin with hands offset
// to either side.
type orbitSource struct {
	start time.Time
}

func (o *orbitSource) Poses() (head, left, right geom.Pose, ok bool) {
	t := time.Since(o.start).Seconds()
	angle := t * 0.5
	head = geom.Pose{
		Position: geom.Vector3{X: 2 * math.Cos(angle), Y: 1.7, Z: 2 * math.Sin(angle)},
		Rotation: geom.Quaternion{Y: math.Sin(angle / 2), W: math.Cos(angle / 2)},
	}
	left = geom.Pose{
		Position: geom.Vector3{X: head.Position.X - 0.3, Y: 1.2, Z: head.Position.Z},
		Rotation: head.Rotation,
	}
	right = geom.Pose{
		Position: geom.Vector3{X: head.Position.X + 0.3, Y: 1.2, Z: head.Position.Z},
		Rotation: head.Rotation,
	}
	return head, left, right, true
}

// loggingRenderer stands in for the 3D layer; it just logs lifecycle
// changes and stays quiet about per-frame pose updates.
type loggingRenderer struct {
	logger *zap.Logger
}

func (r *loggingRenderer) CreateAvatar(clientID string) {
	r.logger.Info("avatar created", zap.String("client_id", clientID))
}

func (r *loggingRenderer) RemoveAvatar(clientID string) {
	r.logger.Info("avatar removed", zap.String("client_id", clientID))
}

func (r *loggingRenderer) ApplyAvatarPose(string, client.BodyPart, geom.Pose) {}

func (r *loggingRenderer) SpawnPlant(plantType string, pose geom.Pose) {
	r.logger.Info("plant spawned",
		zap.String("type", plantType),
		zap.Float64("x", pose.Position.X),
		zap.Float64("z", pose.Position.Z),
	)
}
