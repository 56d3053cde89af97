// Package transporttest provides a scriptable in-memory Transport for
// exercising the peer connection manager and liveness controller without a
// network.
package transporttest

import (
	"fmt"
	"sync"

	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/pkg/signal"
)

// Sent records one Send call.
type Sent struct {
	Label string
	Data  []byte
}

// Fake implements transport.Transport. Tests drive the event side by calling
// the Fire* methods, which invoke the registered callbacks synchronously on
// the caller's goroutine (standing in for the transport worker).
type Fake struct {
	PeerID string

	mu               sync.Mutex
	cb               transport.Callbacks
	offerRequested   int
	answerRequested  int
	remoteSDP        []string
	remoteCandidates []signal.Candidate
	openRequested    []string
	openChannels     map[string]bool
	sent             []Sent
	sink             transport.VideoSink
	closed           bool

	// SendErr, when set, is returned by every Send regardless of channel state.
	SendErr error
	// RemoteDescErr, when set, is returned by SetRemoteDescription.
	RemoteDescErr error
	// CandidateErr, when set, is returned by AddRemoteCandidate.
	CandidateErr error
}

// Registry tracks every Fake created by a Factory, keyed by peer id.
type Registry struct {
	mu    sync.Mutex
	fakes map[string]*Fake
}

// NewFactory returns a transport.Factory producing Fakes and the registry to
// retrieve them from.
func NewFactory() (transport.Factory, *Registry) {
	reg := &Registry{fakes: make(map[string]*Fake)}
	factory := func(peerID string, cb transport.Callbacks) (transport.Transport, error) {
		f := New(peerID, cb)
		reg.mu.Lock()
		reg.fakes[peerID] = f
		reg.mu.Unlock()
		return f, nil
	}
	return factory, reg
}

// Get returns the Fake created for peerID, or nil.
func (r *Registry) Get(peerID string) *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fakes[peerID]
}

// New creates a Fake with the given callbacks registered.
func New(peerID string, cb transport.Callbacks) *Fake {
	return &Fake{
		PeerID:       peerID,
		cb:           cb,
		openChannels: make(map[string]bool),
	}
}

func (f *Fake) CreateOffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.offerRequested++
	return nil
}

func (f *Fake) CreateAnswer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.answerRequested++
	return nil
}

func (f *Fake) SetRemoteDescription(kind transport.SDPKind, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoteDescErr != nil {
		return f.RemoteDescErr
	}
	f.remoteSDP = append(f.remoteSDP, string(kind)+":"+sdp)
	return nil
}

func (f *Fake) AddRemoteCandidate(c signal.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CandidateErr != nil {
		return f.CandidateErr
	}
	f.remoteCandidates = append(f.remoteCandidates, c)
	return nil
}

func (f *Fake) OpenDataChannel(label string, _ transport.Reliability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.openRequested = append(f.openRequested, label)
	return nil
}

func (f *Fake) Send(label string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	if !f.openChannels[label] {
		return fmt.Errorf("%w: %q", transport.ErrChannelNotOpen, label)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, Sent{Label: label, Data: cp})
	return nil
}

func (f *Fake) AttachVideoSink(sink transport.VideoSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// OfferRequested reports how many times CreateOffer was called.
func (f *Fake) OfferRequested() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerRequested
}

// AnswerRequested reports how many times CreateAnswer was called.
func (f *Fake) AnswerRequested() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerRequested
}

// RemoteDescriptions returns the applied remote descriptors as "kind:sdp".
func (f *Fake) RemoteDescriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remoteSDP...)
}

// RemoteCandidates returns the applied remote candidates in order.
func (f *Fake) RemoteCandidates() []signal.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signal.Candidate(nil), f.remoteCandidates...)
}

// SentMessages returns every successful Send in order.
func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// FireLocalSDP delivers a locally generated descriptor.
func (f *Fake) FireLocalSDP(kind transport.SDPKind, sdp string) {
	if cb := f.callbacks().OnLocalSDP; cb != nil {
		cb(kind, sdp)
	}
}

// FireLocalCandidate delivers a locally gathered candidate.
func (f *Fake) FireLocalCandidate(c signal.Candidate) {
	if cb := f.callbacks().OnLocalCandidate; cb != nil {
		cb(c)
	}
}

// FireConnectionState delivers a connection state change.
func (f *Fake) FireConnectionState(s transport.PeerState) {
	if cb := f.callbacks().OnConnectionState; cb != nil {
		cb(s)
	}
}

// FireICEState delivers an ICE state change.
func (f *Fake) FireICEState(s transport.ICEState) {
	if cb := f.callbacks().OnICEState; cb != nil {
		cb(s)
	}
}

// FireChannelOpen marks the labeled channel open and delivers the event.
func (f *Fake) FireChannelOpen(label string) {
	f.mu.Lock()
	f.openChannels[label] = true
	f.mu.Unlock()
	if cb := f.callbacks().OnChannelOpen; cb != nil {
		cb(label)
	}
}

// FireChannelClose marks the labeled channel closed and delivers the event.
func (f *Fake) FireChannelClose(label string) {
	f.mu.Lock()
	delete(f.openChannels, label)
	f.mu.Unlock()
	if cb := f.callbacks().OnChannelClose; cb != nil {
		cb(label)
	}
}

// FireMessage delivers an inbound data channel message.
func (f *Fake) FireMessage(label string, data []byte) {
	if cb := f.callbacks().OnMessage; cb != nil {
		cb(label, data)
	}
}

// FireError delivers a transport fault.
func (f *Fake) FireError(reason string) {
	if cb := f.callbacks().OnError; cb != nil {
		cb(reason)
	}
}

func (f *Fake) callbacks() transport.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}
