// Package transport defines the peer-to-peer connection contract used by the
// peer connection manager. A Transport represents one prospective peer link:
// descriptor negotiation, candidate trickling, labeled data channels, and an
// inbound video path. All completion and event delivery is asynchronous
// through Callbacks, which may fire on the transport's internal worker.
package transport

import (
	"errors"

	"github.com/drivekit/drivekit/pkg/signal"
)

var (
	ErrBadSDP         = errors.New("bad sdp")
	ErrBadCandidate   = errors.New("bad candidate")
	ErrChannelNotOpen = errors.New("channel not open")
	ErrBackpressured  = errors.New("send buffer full")
	ErrClosed         = errors.New("transport closed")
)

// Reliability selects the delivery mode of a data channel.
type Reliability int

const (
	// ReliableOrdered guarantees in-order, exactly-once delivery.
	ReliableOrdered Reliability = iota
	// UnreliableUnordered may drop and reorder; sends report no per-message fate.
	UnreliableUnordered
)

// SDPKind tags a session descriptor as offer or answer.
type SDPKind string

const (
	SDPOffer  SDPKind = "offer"
	SDPAnswer SDPKind = "answer"
)

// PeerState is the coarse connection state of a peer link.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// ICEState is the candidate-pair connectivity state of a peer link.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	}
	return "unknown"
}

// VideoSink consumes inbound video frames. Frames are opaque to the core;
// the sink must not retain the slice past the call.
type VideoSink interface {
	WriteFrame(frame []byte) error
}

// Callbacks bundles every transport event handler. Handlers may be invoked
// on the transport's internal worker and must treat that as a distinct
// concurrency domain. Nil handlers are no-ops.
type Callbacks struct {
	OnLocalSDP            func(kind SDPKind, sdp string)
	OnLocalCandidate      func(c signal.Candidate)
	OnConnectionState     func(state PeerState)
	OnICEState            func(state ICEState)
	OnChannelOpen         func(label string)
	OnChannelClose        func(label string)
	OnMessage             func(label string, data []byte)
	OnVideoTrack          func(trackID string)
	OnRenegotiationNeeded func()
	OnError               func(reason string)
}

// normalized returns a copy with nil handlers replaced by no-ops so the
// implementation never has to nil-check at call sites.
func (c Callbacks) normalized() Callbacks {
	if c.OnLocalSDP == nil {
		c.OnLocalSDP = func(SDPKind, string) {}
	}
	if c.OnLocalCandidate == nil {
		c.OnLocalCandidate = func(signal.Candidate) {}
	}
	if c.OnConnectionState == nil {
		c.OnConnectionState = func(PeerState) {}
	}
	if c.OnICEState == nil {
		c.OnICEState = func(ICEState) {}
	}
	if c.OnChannelOpen == nil {
		c.OnChannelOpen = func(string) {}
	}
	if c.OnChannelClose == nil {
		c.OnChannelClose = func(string) {}
	}
	if c.OnMessage == nil {
		c.OnMessage = func(string, []byte) {}
	}
	if c.OnVideoTrack == nil {
		c.OnVideoTrack = func(string) {}
	}
	if c.OnRenegotiationNeeded == nil {
		c.OnRenegotiationNeeded = func() {}
	}
	if c.OnError == nil {
		c.OnError = func(string) {}
	}
	return c
}

// Transport is one prospective peer link.
//
// CreateOffer and CreateAnswer initiate descriptor generation; completion
// arrives via OnLocalSDP. Send must be callable from any goroutine; the
// implementation marshals to its internal worker. Close is idempotent and
// eventually drives the connection state to PeerClosed.
type Transport interface {
	CreateOffer() error
	CreateAnswer() error
	SetRemoteDescription(kind SDPKind, sdp string) error
	AddRemoteCandidate(c signal.Candidate) error
	OpenDataChannel(label string, mode Reliability) error
	Send(label string, data []byte) error
	AttachVideoSink(sink VideoSink)
	Close() error
}

// Factory creates a Transport for one remote peer with its event handlers
// already registered. The manager owns the returned instance exclusively.
type Factory func(peerID string, cb Callbacks) (Transport, error)
