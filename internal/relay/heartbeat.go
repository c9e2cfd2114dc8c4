package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/protocol"
)

// Heartbeat periodically sweeps every session: connections that have not
// answered a ping within the staleness timeout are forcibly terminated,
// everyone else gets a fresh ping. This is the sole mechanism for
// reclaiming resources from clients that vanish without a clean close.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	quit    chan struct{}
	running bool
}

// NewHeartbeat creates a heartbeat monitor.
//
// Precondition: registry and logger must be non-nil; interval and timeout
// must be positive.
func NewHeartbeat(registry *Registry, interval, timeout time.Duration, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Start runs the sweep loop. It blocks until Stop is called.
func (h *Heartbeat) Start() error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	h.logger.Info("heartbeat monitor started",
		zap.Duration("interval", h.interval),
		zap.Duration("timeout", h.timeout),
	)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.quit:
			return nil
		case <-ticker.C:
			h.Sweep(time.Now())
		}
	}
}

// Stop terminates the sweep loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.quit)
	h.logger.Info("heartbeat monitor stopped")
}

// Sweep performs one liveness pass over all sessions as of now. Exported so
// tests can drive sweeps without waiting on the ticker.
func (h *Heartbeat) Sweep(now time.Time) {
	ping, err := protocol.Encode(&protocol.Ping{
		Envelope:  protocol.NewEnvelope(protocol.TypePing),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		h.logger.Error("encoding ping", zap.Error(err))
		return
	}

	for _, row := range h.registry.Liveness() {
		if now.Sub(row.LastPing) > h.timeout {
			h.logger.Warn("terminating stale session",
				zap.String("conn", row.Peer.ID().String()),
				zap.String("client_id", row.ClientID),
				zap.Duration("silent_for", now.Sub(row.LastPing)),
			)
			row.Peer.Terminate()
			continue
		}
		if err := row.Peer.Send(ping); err != nil {
			h.logger.Debug("ping write failed",
				zap.String("conn", row.Peer.ID().String()),
				zap.Error(err),
			)
		}
	}
}
