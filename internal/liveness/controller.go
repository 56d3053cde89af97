// Package liveness drives heartbeat emission and staleness detection for
// active peer connections, and owns the policy that couples lost
// connectivity to the application's safety hook.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/drivekit/drivekit/internal/transport"
)

// missedTicks is how many periods a peer may go silent before heartbeat
// loss is declared: now - last_heartbeat_rx > missedTicks * interval.
const missedTicks = 3

// Peer is a point-in-time view of one peer connection, taken by the manager
// under its lock.
type Peer struct {
	ID                string
	State             transport.PeerState
	LastHeartbeatRx   time.Time
	HeartbeatChanOpen bool
}

// Peers is the manager-side surface the controller drives. FailPeer is
// asynchronous; the manager marshals it onto its own event domain.
type Peers interface {
	// LivePeers returns every peer in Connected or Disconnected state.
	LivePeers() []Peer
	// SendHeartbeatFrame emits one ping frame on the heartbeat data channel.
	SendHeartbeatFrame(peerID string, nonce uint64) error
	// SendHeartbeatEnvelope emits one heartbeat envelope via the relay.
	SendHeartbeatEnvelope(peerID string, nonce uint64) error
	// FailPeer declares heartbeat loss for a peer.
	FailPeer(peerID, reason string)
}

// Controller runs the periodic liveness tick on its own timer goroutine.
type Controller struct {
	peers    Peers
	interval time.Duration
	logger   *slog.Logger

	// onLoss, when set, observes every heartbeat-loss declaration in
	// addition to Peers.FailPeer.
	onLoss func(peerID string)

	mu     sync.Mutex
	nonces map[string]uint64
	stop   chan struct{}
	done   chan struct{}
}

// Config configures a Controller.
type Config struct {
	Peers    Peers
	Interval time.Duration // tick period; <= 0 disables the controller
	Logger   *slog.Logger
	OnLoss   func(peerID string)
}

// New creates a stopped Controller. Start launches the timer goroutine.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		peers:    cfg.Peers,
		interval: cfg.Interval,
		logger:   logger,
		onLoss:   cfg.OnLoss,
		nonces:   make(map[string]uint64),
	}
}

// Start launches the tick loop. A non-positive interval disables the
// controller; Start is then a no-op.
func (c *Controller) Start() {
	if c.interval <= 0 {
		c.logger.Info("liveness disabled")
		return
	}
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				c.tick(now)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to quiesce. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// tick emits one heartbeat per active peer and evaluates freshness.
// Exported behavior is exercised through Start; tests call tick directly
// with a synthetic clock.
func (c *Controller) tick(now time.Time) {
	for _, p := range c.peers.LivePeers() {
		if p.State != transport.PeerConnected && p.State != transport.PeerDisconnected {
			continue
		}

		nonce := c.nextNonce(p.ID)
		// Heartbeats prefer the dedicated data channel; the relay is the
		// fallback while the channel is not open.
		var err error
		if p.HeartbeatChanOpen && p.State == transport.PeerConnected {
			err = c.peers.SendHeartbeatFrame(p.ID, nonce)
		} else {
			err = c.peers.SendHeartbeatEnvelope(p.ID, nonce)
		}
		if err != nil {
			c.logger.Warn("heartbeat send failed", "peer_id", p.ID, "error", err)
		}

		if p.LastHeartbeatRx.IsZero() {
			continue // no baseline yet; the first receipt starts the clock
		}
		if now.Sub(p.LastHeartbeatRx) > time.Duration(missedTicks)*c.interval {
			c.logger.Error("heartbeat lost", "peer_id", p.ID,
				"last_rx", p.LastHeartbeatRx, "interval", c.interval)
			if c.onLoss != nil {
				c.onLoss(p.ID)
			}
			c.peers.FailPeer(p.ID, "Heartbeat lost")
		}
	}
}

func (c *Controller) nextNonce(peerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[peerID]++
	return c.nonces[peerID]
}

// Forget drops the nonce counter for a departed peer.
func (c *Controller) Forget(peerID string) {
	c.mu.Lock()
	delete(c.nonces, peerID)
	c.mu.Unlock()
}

// Backoff returns the wait before reconnect attempt k (1-based):
// min(base * 2^(k-1), 60s).
func Backoff(base time.Duration, attempt int) time.Duration {
	const maxWait = 60 * time.Second
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	if d > maxWait {
		return maxWait
	}
	return d
}
