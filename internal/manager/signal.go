package manager

import (
	"errors"
	"time"

	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/pkg/signal"
)

// orphanCandidateCap bounds candidates buffered for peers with no
// connection yet (a candidate can legitimately arrive before the offer).
const orphanCandidateCap = 64

// handleSignal is the inbound route table. It runs on the event loop.
func (m *Manager) handleSignal(env signal.Envelope) {
	// Only envelopes addressed to this node (or relay-originated, with an
	// empty to) are processed.
	if env.To != "" && env.To != m.cfg.LocalID {
		m.logger.Warn("discarding misaddressed envelope", "type", env.Type, "to", env.To)
		return
	}

	switch env.Type {
	case signal.KindJoinRequest:
		m.handleJoinRequest(env.From)
	case signal.KindOffer:
		m.handleRemoteOffer(env.From, env.SDP)
	case signal.KindAnswer:
		m.handleRemoteAnswer(env.From, env.SDP)
	case signal.KindCandidate:
		m.handleRemoteCandidate(env.From, *env.Candidate)
	case signal.KindLeave:
		m.handlePeerLeave(env.From, env.Reason)
	case signal.KindHeartbeat:
		m.handleRelayHeartbeat(env.From, *env.Nonce)
	case signal.KindError:
		m.handleRelayError(env)
	default:
		m.logger.Warn("unhandled envelope kind", "type", env.Type)
	}
}

// handleJoinRequest reacts to a partner registering against this node. The
// lexicographically smaller peer id takes the offerer role; the other side
// waits for the incoming offer.
func (m *Manager) handleJoinRequest(from string) {
	if from == "" {
		return
	}
	if m.cfg.LocalID < from {
		if err := m.ConnectPeer(from); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Error("connect on join request failed", "peer_id", from, "error", err)
		}
		return
	}
	m.logger.Info("join request received, awaiting remote offer", "peer_id", from)
}

// handleRemoteOffer locates or creates the peer connection, resolves glare,
// applies the descriptor, and generates the answer.
func (m *Manager) handleRemoteOffer(from, sdp string) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	pc := m.peers[from]

	if pc != nil && pc.role == roleOfferer {
		// Glare: both sides offered. The smaller peer id keeps its offer.
		if m.cfg.LocalID < from {
			m.mu.Unlock()
			m.logger.Info("glare: local offer survives, discarding remote", "peer_id", from)
			return
		}
		// The remote offer survives. The local transport carries a
		// half-negotiated offer it cannot roll back, so it is replaced
		// with a fresh one that answers instead.
		m.logger.Info("glare: remote offer survives, adopting answerer role", "peer_id", from)
		old := pc.tr
		m.gen++
		gen := m.gen
		pending := pc.pendingCandidates
		m.mu.Unlock()
		go old.Close()

		tr, err := m.cfg.Factory(from, m.transportCallbacks(from, gen))
		if err != nil {
			m.logger.Error("transport replace failed", "peer_id", from, "error", err)
			m.failPeer(from, "negotiation failed")
			return
		}
		m.mu.Lock()
		npc := newPeerConn(from, tr, roleAnswerer)
		npc.gen = gen
		npc.pendingCandidates = pending
		m.peers[from] = npc
		pc = npc
	}

	if pc == nil {
		// Reactive creation on first inbound offer for an unknown peer.
		m.gen++
		gen := m.gen
		m.mu.Unlock()
		tr, err := m.cfg.Factory(from, m.transportCallbacks(from, gen))
		if err != nil {
			m.logger.Error("create transport failed", "peer_id", from, "error", err)
			return
		}
		m.mu.Lock()
		if existing := m.peers[from]; existing != nil {
			// Lost a race with another creation path; keep the existing one.
			m.mu.Unlock()
			_ = tr.Close()
			m.handleRemoteOffer(from, sdp)
			return
		}
		pc = newPeerConn(from, tr, roleAnswerer)
		pc.gen = gen
		pc.pendingCandidates = append(pc.pendingCandidates, m.orphans[from]...)
		delete(m.orphans, from)
		m.peers[from] = pc
	}

	m.transitionLocked(pc, transport.PeerConnecting)
	tr := pc.tr
	gen := pc.gen
	m.mu.Unlock()

	if err := tr.SetRemoteDescription(transport.SDPOffer, sdp); err != nil {
		m.logger.Error("apply remote offer failed", "peer_id", from, "error", err)
		m.failPeer(from, "bad remote offer")
		return
	}
	m.flushCandidates(from, gen)
	if err := tr.CreateAnswer(); err != nil {
		m.logger.Error("create answer failed", "peer_id", from, "error", err)
		m.failPeer(from, "answer generation failed")
	}
}

// handleRemoteAnswer requires a pending local offer; an unsolicited answer
// is a protocol order violation reported back to the sender.
func (m *Manager) handleRemoteAnswer(from, sdp string) {
	m.mu.Lock()
	pc := m.peers[from]
	if pc == nil || pc.state != transport.PeerConnecting || !pc.awaitingAnswer {
		m.mu.Unlock()
		m.logger.Warn("answer without pending offer", "peer_id", from)
		_ = m.emit(signal.NewError(from, "answer without pending offer"))
		return
	}
	pc.awaitingAnswer = false
	tr := pc.tr
	gen := pc.gen
	m.mu.Unlock()

	if err := tr.SetRemoteDescription(transport.SDPAnswer, sdp); err != nil {
		m.logger.Error("apply remote answer failed", "peer_id", from, "error", err)
		m.failPeer(from, "bad remote answer")
		return
	}
	m.flushCandidates(from, gen)
}

// handleRemoteCandidate applies the candidate, or buffers it until the
// matching remote description is set.
func (m *Manager) handleRemoteCandidate(from string, cand signal.Candidate) {
	m.mu.Lock()
	pc := m.peers[from]
	if pc == nil {
		// Candidate ahead of the offer: hold it for the connection to come.
		if len(m.orphans[from]) < orphanCandidateCap {
			m.orphans[from] = append(m.orphans[from], cand)
		}
		m.mu.Unlock()
		return
	}
	if !pc.remoteDescSet {
		pc.pendingCandidates = append(pc.pendingCandidates, cand)
		m.mu.Unlock()
		return
	}
	tr := pc.tr
	m.mu.Unlock()

	if err := tr.AddRemoteCandidate(cand); err != nil {
		m.logger.Warn("apply remote candidate failed", "peer_id", from, "error", err)
	}
}

// flushCandidates marks the remote description set and applies any
// candidates buffered before it, in arrival order.
func (m *Manager) flushCandidates(peerID string, gen uint64) {
	m.mu.Lock()
	pc := m.lookup(peerID, gen)
	if pc == nil {
		m.mu.Unlock()
		return
	}
	pc.remoteDescSet = true
	buffered := pc.pendingCandidates
	pc.pendingCandidates = nil
	tr := pc.tr
	m.mu.Unlock()

	for _, cand := range buffered {
		if err := tr.AddRemoteCandidate(cand); err != nil {
			m.logger.Warn("apply buffered candidate failed", "peer_id", peerID, "error", err)
		}
	}
}

func (m *Manager) handlePeerLeave(from, reason string) {
	if reason == "" {
		reason = "peer left"
	}
	m.closePeer(from, reason)
}

func (m *Manager) handleRelayHeartbeat(from string, nonce uint64) {
	m.mu.Lock()
	pc := m.peers[from]
	if pc != nil {
		pc.noteHeartbeat(time.Now())
	}
	h := m.handlers
	m.mu.Unlock()
	if pc != nil && h.OnHeartbeat != nil {
		h.OnHeartbeat(from, nonce)
	}
}

// handleRelayError surfaces routing failures. A "Target not found" reply
// for a pending join tears down the never-negotiated connection so no peer
// record lingers for an absent target.
func (m *Manager) handleRelayError(env signal.Envelope) {
	m.logger.Warn("signaling error", "from", env.From, "reason", env.Reason)

	if env.From == "" && env.Reason == "Target not found" {
		m.mu.Lock()
		var target string
		for id := range m.pendJoins {
			if pc := m.peers[id]; pc != nil && pc.state != transport.PeerConnected {
				target = id
				break
			}
		}
		m.mu.Unlock()
		if target != "" {
			m.mu.Lock()
			pc := m.peers[target]
			delete(m.peers, target)
			delete(m.pendJoins, target)
			delete(m.reconn, target)
			m.mu.Unlock()
			if pc != nil {
				// Never reached the application as a peer; no disconnect
				// notification is owed.
				pc.terminalNotified = true
				go pc.tr.Close()
			}
			m.logger.Warn("join target not found", "peer_id", target)
		}
	}

	if env.From != "" {
		if h := m.handlersCopy(); h.OnPeerError != nil {
			h.OnPeerError(env.From, env.Reason)
			return
		}
	}
	if h := m.handlersCopy(); h.OnSignalingError != nil {
		h.OnSignalingError(env.Reason)
	}
}
