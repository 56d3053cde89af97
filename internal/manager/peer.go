package manager

import (
	"time"

	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/pkg/signal"
)

// role is the negotiation role assigned to the local side for one peer.
type role int

const (
	roleOfferer role = iota
	roleAnswerer
)

// peerConn is the manager's per-peer record. It exclusively owns the nested
// transport. All fields are guarded by the manager mutex; the transport is
// only invoked outside the lock.
type peerConn struct {
	id  string
	tr  transport.Transport
	gen uint64

	state    transport.PeerState
	ice      transport.ICEState
	channels map[string]ChannelState

	role           role
	awaitingAnswer bool
	remoteDescSet  bool
	// Candidates that arrived before the matching remote description;
	// applied in arrival order once the description is set.
	pendingCandidates []signal.Candidate

	lastHeartbeatRx   time.Time
	reconnectAttempts int

	// terminalNotified guarantees exactly one disconnect notification.
	terminalNotified bool
}

func newPeerConn(id string, tr transport.Transport, r role) *peerConn {
	return &peerConn{
		id:       id,
		tr:       tr,
		state:    transport.PeerNew,
		ice:      transport.ICENew,
		channels: make(map[string]ChannelState),
		role:     r,
	}
}

// openChannelCount reports how many data channels are currently Open.
func (p *peerConn) openChannelCount() int {
	n := 0
	for _, st := range p.channels {
		if st == ChannelOpen {
			n++
		}
	}
	return n
}

// readyForConnected reports whether the Connected condition holds:
// ICE at Connected or Completed and at least one channel Open.
func (p *peerConn) readyForConnected() bool {
	iceUp := p.ice == transport.ICEConnected || p.ice == transport.ICECompleted
	return iceUp && p.openChannelCount() > 0
}

// noteHeartbeat advances the receive clock, never backwards.
func (p *peerConn) noteHeartbeat(at time.Time) {
	if at.After(p.lastHeartbeatRx) {
		p.lastHeartbeatRx = at
	}
}
