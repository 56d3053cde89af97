// Package manager owns the per-peer connection index and drives descriptor
// negotiation between the signaling link and the peer transports. It is the
// concurrency nexus of a node: transport events from every peer are
// marshalled onto a single event loop, and application handlers are invoked
// from that loop or from the goroutine calling Start, Stop or DisconnectPeer,
// never from a transport worker.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drivekit/drivekit/internal/liveness"
	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/pkg/signal"
)

var (
	ErrNotRunning  = errors.New("manager not running")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Link is the manager's view of an established signaling link.
type Link interface {
	Send(env signal.Envelope) error
	Close() error
}

// LinkDialer establishes the signaling link. Inbound envelopes are delivered
// through onEnv; onDown fires once when the link drops.
type LinkDialer func(ctx context.Context, onEnv func(signal.Envelope), onDown func(reason string)) (Link, error)

// Handlers are the application's callbacks. They are invoked from the
// manager's event loop, except OnSignalingUp (called by Start) and the
// OnPeerDisconnected calls made by Stop and DisconnectPeer, which run on the
// caller's goroutine. A slow handler stalls event delivery for this node but
// never a transport worker.
type Handlers struct {
	OnSignalingUp      func()
	OnSignalingDown    func(reason string)
	OnSignalingError   func(reason string)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID, reason string)
	OnPeerError        func(peerID, reason string)
	OnMessage          func(peerID, label string, data []byte)
	OnVideoTrack       func(peerID, trackID string)
	OnHeartbeat        func(peerID string, nonce uint64)
}

// ChannelSpec names a data channel the offerer side opens during negotiation.
type ChannelSpec struct {
	Label string
	Mode  transport.Reliability
}

// Config configures a Manager.
type Config struct {
	LocalID  string
	Channels []ChannelSpec
	// HeartbeatLabel is the dedicated liveness channel. Default "heartbeat".
	HeartbeatLabel string
	Factory        transport.Factory
	Dialer         LinkDialer
	// ReconnectBase seeds the exponential reconnect backoff. Default 5s.
	ReconnectBase time.Duration
	// ReconnectMaxAttempts bounds reconnection. Default 5; negative disables.
	ReconnectMaxAttempts int
	// LinkMaxAttempts bounds the Start dial loop. Default 5.
	LinkMaxAttempts int
	Logger          *slog.Logger
}

const eventQueueSize = 256

// Manager maintains at most one peer connection per peer id and routes
// signaling envelopes into transport operations and transport events out to
// the application.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	link      Link
	peers     map[string]*peerConn
	handlers  Handlers
	gen       uint64
	orphans   map[string][]signal.Candidate // candidates that arrived before any PC
	reconn    map[string]int                // reconnect attempt counts
	timers    map[string]*time.Timer        // pending reconnect timers
	pendJoins map[string]bool               // join targets not yet negotiated

	events chan event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type event any

type evSignal struct{ env signal.Envelope }
type evSignalingDown struct{ reason string }
type evLocalSDP struct {
	id   string
	gen  uint64
	kind transport.SDPKind
	sdp  string
}
type evLocalCandidate struct {
	id   string
	gen  uint64
	cand signal.Candidate
}
type evConnState struct {
	id    string
	gen   uint64
	state transport.PeerState
}
type evICEState struct {
	id    string
	gen   uint64
	state transport.ICEState
}
type evChannel struct {
	id    string
	gen   uint64
	label string
	open  bool
}
type evMessage struct {
	id    string
	gen   uint64
	label string
	data  []byte
}
type evVideoTrack struct {
	id      string
	gen     uint64
	trackID string
}
type evTransportError struct {
	id     string
	gen    uint64
	reason string
}
type evFail struct {
	id     string
	reason string
}

// New creates a stopped Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("transport factory is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("link dialer is required")
	}
	if cfg.HeartbeatLabel == "" {
		cfg.HeartbeatLabel = "heartbeat"
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.LinkMaxAttempts <= 0 {
		cfg.LinkMaxAttempts = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("local_id", cfg.LocalID),
		peers:     make(map[string]*peerConn),
		orphans:   make(map[string][]signal.Candidate),
		reconn:    make(map[string]int),
		timers:    make(map[string]*time.Timer),
		pendJoins: make(map[string]bool),
	}, nil
}

// SetHandlers replaces the application handlers. Call before Start.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Start establishes the relay link, retrying with exponential backoff, and
// launches the event loop. It returns once the link is open or permanently
// failed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.events = make(chan event, eventQueueSize)
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	onEnv := func(env signal.Envelope) { m.enqueue(evSignal{env: env}) }
	onDown := func(reason string) { m.enqueue(evSignalingDown{reason: reason}) }

	var link Link
	var err error
	for attempt := 1; ; attempt++ {
		link, err = m.cfg.Dialer(ctx, onEnv, onDown)
		if err == nil {
			break
		}
		if attempt >= m.cfg.LinkMaxAttempts {
			return fmt.Errorf("relay link failed after %d attempts: %w", attempt, err)
		}
		wait := liveness.Backoff(time.Second, attempt)
		m.logger.Warn("relay dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	m.mu.Lock()
	m.link = link
	m.running = true
	h := m.handlers
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	if h.OnSignalingUp != nil {
		h.OnSignalingUp()
	}
	m.logger.Info("signaling link established")
	return nil
}

// Stop closes every peer connection and the relay link, and blocks until
// the event loop has quiesced. After Stop returns, public operations yield
// ErrNotRunning and no further application callbacks fire.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	link := m.link
	m.link = nil
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.peers = make(map[string]*peerConn)
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	h := m.handlers
	m.mu.Unlock()

	// Event loop first: after it exits no transport event reaches a handler.
	close(m.stopCh)
	m.wg.Wait()

	for _, pc := range peers {
		if link != nil {
			_ = link.Send(signal.NewLeave(m.cfg.LocalID, pc.id, "local shutdown"))
		}
		_ = pc.tr.Close()
		if !pc.terminalNotified && h.OnPeerDisconnected != nil {
			pc.terminalNotified = true
			h.OnPeerDisconnected(pc.id, "local shutdown")
		}
	}
	if link != nil {
		_ = link.Close()
	}
	m.logger.Info("manager stopped")
}

// ConnectPeer creates a connection toward peerID and starts negotiation as
// the offerer. Idempotent: an existing connection is success.
func (m *Manager) ConnectPeer(peerID string) error {
	if peerID == m.cfg.LocalID {
		return fmt.Errorf("cannot connect to self")
	}
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	tr, err := m.cfg.Factory(peerID, m.transportCallbacks(peerID, gen))
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", peerID, err)
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		_ = tr.Close()
		return ErrNotRunning
	}
	if _, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		_ = tr.Close()
		return nil
	}
	pc := newPeerConn(peerID, tr, roleOfferer)
	pc.gen = gen
	pc.pendingCandidates = append(pc.pendingCandidates, m.orphans[peerID]...)
	delete(m.orphans, peerID)
	m.peers[peerID] = pc
	m.pendJoins[peerID] = true
	m.mu.Unlock()

	m.emit(signal.NewJoin(m.cfg.LocalID, peerID))

	// Channels are declared before the offer so they ride the initial
	// negotiation.
	for _, spec := range m.channelSpecs() {
		if err := tr.OpenDataChannel(spec.Label, spec.Mode); err != nil {
			m.logger.Warn("open data channel failed", "peer_id", peerID, "label", spec.Label, "error", err)
			continue
		}
		m.mu.Lock()
		if cur, ok := m.peers[peerID]; ok && cur.gen == gen {
			cur.channels[spec.Label] = ChannelOpening
		}
		m.mu.Unlock()
	}

	if err := tr.CreateOffer(); err != nil {
		m.logger.Error("create offer failed", "peer_id", peerID, "error", err)
		m.enqueue(evFail{id: peerID, reason: "offer generation failed"})
		return nil
	}

	m.mu.Lock()
	if cur, ok := m.peers[peerID]; ok && cur.gen == gen {
		cur.awaitingAnswer = true
		m.transitionLocked(cur, transport.PeerConnecting)
	}
	m.mu.Unlock()
	return nil
}

// DisconnectPeer initiates closure of the named connection. The terminal
// notification fires exactly once even if called repeatedly.
func (m *Manager) DisconnectPeer(peerID, reason string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	pc, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	delete(m.peers, peerID)
	delete(m.reconn, peerID)
	delete(m.pendJoins, peerID)
	if t := m.timers[peerID]; t != nil {
		t.Stop()
		delete(m.timers, peerID)
	}
	notified := pc.terminalNotified
	pc.terminalNotified = true
	h := m.handlers
	m.mu.Unlock()

	if reason == "" {
		reason = "disconnect requested"
	}
	m.emit(signal.NewLeave(m.cfg.LocalID, peerID, reason))
	_ = pc.tr.Close()
	if !notified && h.OnPeerDisconnected != nil {
		h.OnPeerDisconnected(peerID, reason)
	}
	return nil
}

// Send routes data to the labeled channel of one peer.
func (m *Manager) Send(peerID, label string, data []byte) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	pc, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if pc.channels[label] != ChannelOpen {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q to %s", transport.ErrChannelNotOpen, label, peerID)
	}
	tr := pc.tr
	m.mu.Unlock()

	return tr.Send(label, data)
}

// Broadcast best-effort sends to every peer whose labeled channel is Open
// at the moment of the call. Returns the count of successful enqueues.
func (m *Manager) Broadcast(label string, data []byte) int {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return 0
	}
	targets := make([]transport.Transport, 0, len(m.peers))
	for _, pc := range m.peers {
		if pc.channels[label] == ChannelOpen {
			targets = append(targets, pc.tr)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, tr := range targets {
		if err := tr.Send(label, data); err == nil {
			sent++
		}
	}
	return sent
}

// AttachVideoSink registers the inbound video consumer for one peer.
func (m *Manager) AttachVideoSink(peerID string, sink transport.VideoSink) error {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	pc.tr.AttachVideoSink(sink)
	return nil
}

// LivePeers implements liveness.Peers.
func (m *Manager) LivePeers() []liveness.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]liveness.Peer, 0, len(m.peers))
	for _, pc := range m.peers {
		if pc.state != transport.PeerConnected && pc.state != transport.PeerDisconnected {
			continue
		}
		out = append(out, liveness.Peer{
			ID:                pc.id,
			State:             pc.state,
			LastHeartbeatRx:   pc.lastHeartbeatRx,
			HeartbeatChanOpen: pc.channels[m.cfg.HeartbeatLabel] == ChannelOpen,
		})
	}
	return out
}

// SendHeartbeatFrame implements liveness.Peers.
func (m *Manager) SendHeartbeatFrame(peerID string, nonce uint64) error {
	return m.Send(peerID, m.cfg.HeartbeatLabel, liveness.EncodePing(nonce))
}

// SendHeartbeatEnvelope implements liveness.Peers.
func (m *Manager) SendHeartbeatEnvelope(peerID string, nonce uint64) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return m.emit(signal.NewHeartbeat(m.cfg.LocalID, peerID, nonce))
}

// FailPeer implements liveness.Peers. The failure is marshalled onto the
// event loop so liveness never mutates peer state from the timer goroutine.
func (m *Manager) FailPeer(peerID, reason string) {
	m.enqueue(evFail{id: peerID, reason: reason})
}

// --- internals ---

func (m *Manager) channelSpecs() []ChannelSpec {
	specs := make([]ChannelSpec, 0, len(m.cfg.Channels)+1)
	specs = append(specs, m.cfg.Channels...)
	for _, s := range specs {
		if s.Label == m.cfg.HeartbeatLabel {
			return specs
		}
	}
	return append(specs, ChannelSpec{Label: m.cfg.HeartbeatLabel, Mode: transport.UnreliableUnordered})
}

func (m *Manager) emit(env signal.Envelope) error {
	env.From = m.cfg.LocalID
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotRunning
	}
	if err := link.Send(env); err != nil {
		m.logger.Warn("signaling send failed", "type", env.Type, "to", env.To, "error", err)
		return err
	}
	return nil
}

func (m *Manager) enqueue(ev event) {
	select {
	case <-m.stopCh:
	case m.events <- ev:
	}
}

func (m *Manager) transportCallbacks(peerID string, gen uint64) transport.Callbacks {
	return transport.Callbacks{
		OnLocalSDP: func(kind transport.SDPKind, sdp string) {
			m.enqueue(evLocalSDP{id: peerID, gen: gen, kind: kind, sdp: sdp})
		},
		OnLocalCandidate: func(c signal.Candidate) {
			m.enqueue(evLocalCandidate{id: peerID, gen: gen, cand: c})
		},
		OnConnectionState: func(s transport.PeerState) {
			m.enqueue(evConnState{id: peerID, gen: gen, state: s})
		},
		OnICEState: func(s transport.ICEState) {
			m.enqueue(evICEState{id: peerID, gen: gen, state: s})
		},
		OnChannelOpen: func(label string) {
			m.enqueue(evChannel{id: peerID, gen: gen, label: label, open: true})
		},
		OnChannelClose: func(label string) {
			m.enqueue(evChannel{id: peerID, gen: gen, label: label, open: false})
		},
		OnMessage: func(label string, data []byte) {
			m.enqueue(evMessage{id: peerID, gen: gen, label: label, data: data})
		},
		OnVideoTrack: func(trackID string) {
			m.enqueue(evVideoTrack{id: peerID, gen: gen, trackID: trackID})
		},
		OnRenegotiationNeeded: func() {
			// Channels and tracks are declared before the initial offer;
			// mid-session renegotiation is not part of the protocol yet.
			m.logger.Debug("renegotiation requested by transport", "peer_id", peerID)
		},
		OnError: func(reason string) {
			m.enqueue(evTransportError{id: peerID, gen: gen, reason: reason})
		},
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev event) {
	switch e := ev.(type) {
	case evSignal:
		m.handleSignal(e.env)
	case evSignalingDown:
		m.logger.Warn("signaling link down", "reason", e.reason)
		if h := m.handlersCopy(); h.OnSignalingDown != nil {
			h.OnSignalingDown(e.reason)
		}
	case evLocalSDP:
		m.handleLocalSDP(e)
	case evLocalCandidate:
		m.handleLocalCandidate(e)
	case evConnState:
		m.handleConnState(e)
	case evICEState:
		m.handleICEState(e)
	case evChannel:
		m.handleChannel(e)
	case evMessage:
		m.handleMessage(e)
	case evVideoTrack:
		if h := m.handlersCopy(); h.OnVideoTrack != nil {
			h.OnVideoTrack(e.id, e.trackID)
		}
	case evTransportError:
		m.logger.Error("transport error", "peer_id", e.id, "reason", e.reason)
		if h := m.handlersCopy(); h.OnPeerError != nil {
			h.OnPeerError(e.id, e.reason)
		}
	case evFail:
		m.failPeer(e.id, e.reason)
	}
}

func (m *Manager) handlersCopy() Handlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers
}

// lookup returns the peer record only when the generation matches, so late
// events from a replaced or destroyed transport are safe no-ops.
func (m *Manager) lookup(id string, gen uint64) *peerConn {
	pc, ok := m.peers[id]
	if !ok || pc.gen != gen {
		return nil
	}
	return pc
}

func (m *Manager) handleLocalSDP(e evLocalSDP) {
	m.mu.Lock()
	pc := m.lookup(e.id, e.gen)
	if pc == nil {
		m.mu.Unlock()
		return
	}
	if e.kind == transport.SDPOffer && pc.role != roleOfferer {
		// Lost the glare tie-break while the offer was generating.
		m.mu.Unlock()
		return
	}
	m.transitionLocked(pc, transport.PeerConnecting)
	m.mu.Unlock()

	switch e.kind {
	case transport.SDPOffer:
		_ = m.emit(signal.NewOffer(m.cfg.LocalID, e.id, e.sdp))
	case transport.SDPAnswer:
		_ = m.emit(signal.NewAnswer(m.cfg.LocalID, e.id, e.sdp))
	}
}

func (m *Manager) handleLocalCandidate(e evLocalCandidate) {
	m.mu.Lock()
	pc := m.lookup(e.id, e.gen)
	m.mu.Unlock()
	if pc == nil {
		return
	}
	_ = m.emit(signal.NewCandidate(m.cfg.LocalID, e.id, e.cand))
}

func (m *Manager) handleConnState(e evConnState) {
	switch e.state {
	case transport.PeerFailed:
		m.mu.Lock()
		pc := m.lookup(e.id, e.gen)
		m.mu.Unlock()
		if pc != nil {
			m.failPeer(e.id, "transport failed")
		}
	case transport.PeerClosed:
		m.mu.Lock()
		pc := m.lookup(e.id, e.gen)
		m.mu.Unlock()
		if pc != nil {
			m.closePeer(e.id, "transport closed")
		}
	default:
		// Connecting/Connected/Disconnected are derived from ICE and
		// channel state; the transport-level value is informational.
		m.logger.Debug("transport connection state", "peer_id", e.id, "state", e.state)
	}
}

func (m *Manager) handleICEState(e evICEState) {
	m.mu.Lock()
	pc := m.lookup(e.id, e.gen)
	if pc == nil {
		m.mu.Unlock()
		return
	}
	pc.ice = e.state

	switch e.state {
	case transport.ICEConnected, transport.ICECompleted:
		m.maybeConnectedLocked(pc)
		m.mu.Unlock()
	case transport.ICEDisconnected:
		if pc.state == transport.PeerConnected {
			m.transitionLocked(pc, transport.PeerDisconnected)
			m.logger.Warn("peer disconnected, liveness will arbitrate", "peer_id", pc.id)
		}
		m.mu.Unlock()
	case transport.ICEFailed:
		m.mu.Unlock()
		m.failPeer(e.id, "ice failed")
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) handleChannel(e evChannel) {
	m.mu.Lock()
	pc := m.lookup(e.id, e.gen)
	if pc == nil {
		m.mu.Unlock()
		return
	}
	if e.open {
		pc.channels[e.label] = ChannelOpen
		m.maybeConnectedLocked(pc)
	} else {
		pc.channels[e.label] = ChannelClosed
	}
	m.mu.Unlock()
	m.logger.Debug("data channel state", "peer_id", e.id, "label", e.label, "open", e.open)
}

func (m *Manager) handleMessage(e evMessage) {
	m.mu.Lock()
	pc := m.lookup(e.id, e.gen)
	heartbeatLabel := m.cfg.HeartbeatLabel
	if pc == nil {
		m.mu.Unlock()
		return
	}
	if e.label == heartbeatLabel {
		nonce, err := liveness.DecodePing(e.data)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("bad heartbeat frame", "peer_id", e.id, "error", err)
			return
		}
		pc.noteHeartbeat(time.Now())
		h := m.handlers
		m.mu.Unlock()
		if h.OnHeartbeat != nil {
			h.OnHeartbeat(e.id, nonce)
		}
		return
	}
	h := m.handlers
	m.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(e.id, e.label, e.data)
	}
}

// maybeConnectedLocked promotes the peer to Connected when ICE is up and at
// least one channel is open, notifying the application and resetting
// reconnection.
func (m *Manager) maybeConnectedLocked(pc *peerConn) {
	if pc.state != transport.PeerConnecting && pc.state != transport.PeerDisconnected {
		return
	}
	if !pc.readyForConnected() {
		return
	}
	if !m.transitionLocked(pc, transport.PeerConnected) {
		return
	}
	delete(m.reconn, pc.id)
	delete(m.pendJoins, pc.id)
	pc.reconnectAttempts = 0
	h := m.handlers
	id := pc.id
	m.mu.Unlock()
	m.logger.Info("peer connected", "peer_id", id)
	if h.OnPeerConnected != nil {
		h.OnPeerConnected(id)
	}
	m.mu.Lock()
}

// transitionLocked applies a state transition, logging and rejecting
// illegal ones.
func (m *Manager) transitionLocked(pc *peerConn, to transport.PeerState) bool {
	next, err := transition(pc.state, to)
	if err != nil {
		m.logger.Debug("state transition rejected", "peer_id", pc.id, "error", err)
		return false
	}
	if next == pc.state {
		return false
	}
	pc.state = next
	return true
}

// failPeer drives a peer to Failed: removes it from the index, notifies the
// application exactly once, and schedules reconnection when attempts remain.
func (m *Manager) failPeer(peerID, reason string) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pc.state = transport.PeerFailed
	delete(m.peers, peerID)
	delete(m.pendJoins, peerID)
	notified := pc.terminalNotified
	pc.terminalNotified = true
	h := m.handlers
	m.mu.Unlock()

	go pc.tr.Close()
	m.logger.Error("peer failed", "peer_id", peerID, "reason", reason)
	if !notified && h.OnPeerDisconnected != nil {
		h.OnPeerDisconnected(peerID, reason)
	}
	m.scheduleReconnect(peerID)
}

// closePeer drives a peer to Closed without reconnection.
func (m *Manager) closePeer(peerID, reason string) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pc.state = transport.PeerClosed
	delete(m.peers, peerID)
	delete(m.reconn, peerID)
	delete(m.pendJoins, peerID)
	notified := pc.terminalNotified
	pc.terminalNotified = true
	h := m.handlers
	m.mu.Unlock()

	go pc.tr.Close()
	m.logger.Info("peer closed", "peer_id", peerID, "reason", reason)
	if !notified && h.OnPeerDisconnected != nil {
		h.OnPeerDisconnected(peerID, reason)
	}
}

func (m *Manager) scheduleReconnect(peerID string) {
	if m.cfg.ReconnectMaxAttempts < 0 {
		return
	}
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	attempts := m.reconn[peerID]
	if attempts >= m.cfg.ReconnectMaxAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", "peer_id", peerID, "attempts", attempts)
		return
	}
	m.reconn[peerID] = attempts + 1
	wait := liveness.Backoff(m.cfg.ReconnectBase, attempts+1)
	m.timers[peerID] = time.AfterFunc(wait, func() {
		m.mu.Lock()
		delete(m.timers, peerID)
		running := m.running
		m.mu.Unlock()
		if !running {
			return
		}
		m.logger.Info("reconnecting", "peer_id", peerID, "attempt", attempts+1)
		if err := m.ConnectPeer(peerID); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Error("reconnect failed", "peer_id", peerID, "error", err)
		}
	})
	m.mu.Unlock()
	m.logger.Info("reconnect scheduled", "peer_id", peerID, "attempt", attempts+1, "wait", wait)
}
