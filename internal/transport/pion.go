package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/drivekit/drivekit/pkg/signal"
)

// maxBufferedAmount bounds the per-channel send buffer on reliable channels.
// A send that would exceed it waits briefly for drain, then reports
// ErrBackpressured.
const maxBufferedAmount = 1 << 20

// backpressureWait is how long a reliable send may wait for the buffer to
// drain before giving up. Sends never block indefinitely.
const backpressureWait = 200 * time.Millisecond

// ICEServer describes one STUN/TURN server for candidate gathering.
type ICEServer struct {
	URI      string
	Username string
	Password string
}

// PionConfig configures the pion-backed transport factory.
type PionConfig struct {
	ICEServers []ICEServer
	Logger     *slog.Logger
}

// NewPionFactory returns a Factory producing pion/webrtc-backed transports.
// The webrtc API object is shared across all transports from this factory.
func NewPionFactory(cfg PionConfig) (Factory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = newSlogLoggerFactory(logger)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		if s.URI == "" {
			return nil, errors.New("ice server with empty uri")
		}
		srv := webrtc.ICEServer{URLs: []string{s.URI}}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Password
		}
		servers = append(servers, srv)
	}
	rtcCfg := webrtc.Configuration{ICEServers: servers}

	return func(peerID string, cb Callbacks) (Transport, error) {
		pc, err := api.NewPeerConnection(rtcCfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return newPionTransport(pc, peerID, cb, logger), nil
	}, nil
}

// PionTransport implements Transport on a pion/webrtc PeerConnection.
// Send is safe from any goroutine; event callbacks fire on pion's internal
// workers.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	peerID string
	cb     Callbacks
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*pionChannel
	sink     VideoSink
	closed   bool

	closeOnce sync.Once
}

type pionChannel struct {
	dc     *webrtc.DataChannel
	mode   Reliability
	open   bool
	bufLow chan struct{}
}

func newPionTransport(pc *webrtc.PeerConnection, peerID string, cb Callbacks, logger *slog.Logger) *PionTransport {
	t := &PionTransport{
		pc:       pc,
		peerID:   peerID,
		cb:       cb.normalized(),
		logger:   logger.With("peer_id", peerID),
		channels: make(map[string]*pionChannel),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		cand := signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		t.cb.OnLocalCandidate(cand)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.cb.OnConnectionState(mapPeerState(s))
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.cb.OnICEState(mapICEState(s))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		mode := ReliableOrdered
		if !dc.Ordered() {
			mode = UnreliableUnordered
		}
		t.registerChannel(dc, mode)
	})

	pc.OnNegotiationNeeded(func() {
		t.cb.OnRenegotiationNeeded()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		t.cb.OnVideoTrack(track.ID())
		go t.pumpVideo(track)
	})

	return t
}

// CreateOffer initiates offer generation. The descriptor is delivered
// through OnLocalSDP once the local description is applied.
func (t *PionTransport) CreateOffer() error {
	if t.isClosed() {
		return ErrClosed
	}
	go func() {
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			t.cb.OnError(fmt.Sprintf("create offer: %v", err))
			return
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			t.cb.OnError(fmt.Sprintf("apply local offer: %v", err))
			return
		}
		t.cb.OnLocalSDP(SDPOffer, offer.SDP)
	}()
	return nil
}

// CreateAnswer initiates answer generation. The remote offer must already
// be applied.
func (t *PionTransport) CreateAnswer() error {
	if t.isClosed() {
		return ErrClosed
	}
	go func() {
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			t.cb.OnError(fmt.Sprintf("create answer: %v", err))
			return
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			t.cb.OnError(fmt.Sprintf("apply local answer: %v", err))
			return
		}
		t.cb.OnLocalSDP(SDPAnswer, answer.SDP)
	}()
	return nil
}

// SetRemoteDescription applies the peer's descriptor.
func (t *PionTransport) SetRemoteDescription(kind SDPKind, sdp string) error {
	if t.isClosed() {
		return ErrClosed
	}
	var sdpType webrtc.SDPType
	switch kind {
	case SDPOffer:
		sdpType = webrtc.SDPTypeOffer
	case SDPAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: unknown sdp kind %q", ErrBadSDP, kind)
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSDP, err)
	}
	return nil
}

// AddRemoteCandidate supplies a peer ICE candidate. The matching remote
// description must be applied first; ordering is the caller's concern.
func (t *PionTransport) AddRemoteCandidate(c signal.Candidate) error {
	if t.isClosed() {
		return ErrClosed
	}
	mid := c.SDPMid
	idx := uint16(c.SDPMLineIndex)
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	return nil
}

// OpenDataChannel opens a labeled channel with the requested delivery mode.
// Completion arrives via OnChannelOpen.
func (t *PionTransport) OpenDataChannel(label string, mode Reliability) error {
	if t.isClosed() {
		return ErrClosed
	}
	ordered := mode == ReliableOrdered
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if mode == UnreliableUnordered {
		var zero uint16
		init.MaxRetransmits = &zero
	}
	dc, err := t.pc.CreateDataChannel(label, init)
	if err != nil {
		return fmt.Errorf("create data channel %q: %w", label, err)
	}
	t.registerChannel(dc, mode)
	return nil
}

func (t *PionTransport) registerChannel(dc *webrtc.DataChannel, mode Reliability) {
	ch := &pionChannel{
		dc:     dc,
		mode:   mode,
		bufLow: make(chan struct{}, 1),
	}
	label := dc.Label()

	t.mu.Lock()
	t.channels[label] = ch
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(maxBufferedAmount / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case ch.bufLow <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		t.mu.Lock()
		ch.open = true
		t.mu.Unlock()
		t.cb.OnChannelOpen(label)
	})

	dc.OnClose(func() {
		t.mu.Lock()
		ch.open = false
		delete(t.channels, label)
		t.mu.Unlock()
		t.cb.OnChannelClose(label)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.cb.OnMessage(label, msg.Data)
	})

	dc.OnError(func(err error) {
		t.cb.OnError(fmt.Sprintf("data channel %q: %v", label, err))
	})
}

// Send enqueues data on the labeled channel. On reliable channels a full
// buffer waits briefly for drain, then reports ErrBackpressured. On
// unreliable channels the message is enqueued and its fate is not reported.
func (t *PionTransport) Send(label string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	ch, ok := t.channels[label]
	open := ok && ch.open
	t.mu.Unlock()

	if !open {
		return fmt.Errorf("%w: %q", ErrChannelNotOpen, label)
	}

	if ch.mode == ReliableOrdered && ch.dc.BufferedAmount() >= maxBufferedAmount {
		select {
		case <-ch.bufLow:
		case <-time.After(backpressureWait):
			return fmt.Errorf("%w: %q", ErrBackpressured, label)
		}
	}

	if err := ch.dc.Send(data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("%w: %q", ErrChannelNotOpen, label)
		}
		return fmt.Errorf("send on %q: %w", label, err)
	}
	return nil
}

// AttachVideoSink registers the inbound video frame consumer. Frames
// arriving with no sink attached are dropped.
func (t *PionTransport) AttachVideoSink(sink VideoSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *PionTransport) pumpVideo(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("video track read ended", "error", err)
			}
			return
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink == nil {
			continue
		}
		if err := sink.WriteFrame(pkt.Payload); err != nil {
			t.logger.Warn("video sink rejected frame", "error", err)
		}
	}
}

// Close tears the link down. Idempotent; the Closed connection state is
// reported through OnConnectionState.
func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		channels := make([]*pionChannel, 0, len(t.channels))
		for _, ch := range t.channels {
			channels = append(channels, ch)
		}
		t.mu.Unlock()

		for _, ch := range channels {
			_ = ch.dc.Close()
		}
		err = t.pc.Close()
	})
	return err
}

func (t *PionTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func mapPeerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	}
	return PeerNew
}

func mapICEState(s webrtc.ICEConnectionState) ICEState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return ICENew
	case webrtc.ICEConnectionStateChecking:
		return ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return ICEClosed
	}
	return ICENew
}
