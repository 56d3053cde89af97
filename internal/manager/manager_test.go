package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/internal/transport/transporttest"
	"github.com/drivekit/drivekit/pkg/signal"
)

// fakeLink records envelopes the manager emits toward the relay.
type fakeLink struct {
	mu     sync.Mutex
	sent   []signal.Envelope
	closed bool
}

func (l *fakeLink) Send(env signal.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) ofKind(kind signal.Kind) []signal.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []signal.Envelope
	for _, env := range l.sent {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// handlerLog collects application callbacks with a mutex so tests can poll.
type handlerLog struct {
	mu            sync.Mutex
	connected     []string
	disconnected  []string
	reasons       map[string][]string
	signalErrors  []string
	peerErrors    []string
	heartbeats    map[string][]uint64
	lastHeartbeat uint64
}

func newHandlerLog() *handlerLog {
	return &handlerLog{
		reasons:    make(map[string][]string),
		heartbeats: make(map[string][]uint64),
	}
}

func (h *handlerLog) handlers() manager.Handlers {
	return manager.Handlers{
		OnPeerConnected: func(peerID string) {
			h.mu.Lock()
			h.connected = append(h.connected, peerID)
			h.mu.Unlock()
		},
		OnPeerDisconnected: func(peerID, reason string) {
			h.mu.Lock()
			h.disconnected = append(h.disconnected, peerID)
			h.reasons[peerID] = append(h.reasons[peerID], reason)
			h.mu.Unlock()
		},
		OnPeerError: func(peerID, reason string) {
			h.mu.Lock()
			h.peerErrors = append(h.peerErrors, peerID+": "+reason)
			h.mu.Unlock()
		},
		OnSignalingError: func(reason string) {
			h.mu.Lock()
			h.signalErrors = append(h.signalErrors, reason)
			h.mu.Unlock()
		},
		OnHeartbeat: func(peerID string, nonce uint64) {
			h.mu.Lock()
			h.heartbeats[peerID] = append(h.heartbeats[peerID], nonce)
			h.lastHeartbeat = nonce
			h.mu.Unlock()
		},
	}
}

func (h *handlerLog) connectedCount(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.connected {
		if id == peerID {
			n++
		}
	}
	return n
}

func (h *handlerLog) disconnectedCount(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.disconnected {
		if id == peerID {
			n++
		}
	}
	return n
}

func (h *handlerLog) disconnectReasons(peerID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reasons[peerID]...)
}

func (h *handlerLog) signalErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signalErrors)
}

// testNode bundles a started manager with its fakes.
type testNode struct {
	mgr     *manager.Manager
	link    *fakeLink
	reg     *transporttest.Registry
	log     *handlerLog
	inbound func(signal.Envelope)
}

func startNode(t *testing.T, localID string) *testNode {
	t.Helper()
	factory, reg := transporttest.NewFactory()
	link := &fakeLink{}
	log := newHandlerLog()

	var inbound func(signal.Envelope)
	dialer := func(ctx context.Context, onEnv func(signal.Envelope), onDown func(reason string)) (manager.Link, error) {
		inbound = onEnv
		return link, nil
	}

	mgr, err := manager.New(manager.Config{
		LocalID: localID,
		Channels: []manager.ChannelSpec{
			{Label: "control", Mode: transport.ReliableOrdered},
			{Label: "telemetry", Mode: transport.ReliableOrdered},
		},
		Factory:              factory,
		Dialer:               dialer,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMaxAttempts: -1, // keep reconnection out of unit flows
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mgr.SetHandlers(log.handlers())
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &testNode{mgr: mgr, link: link, reg: reg, log: log, inbound: inbound}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectPeerOffererFlow(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}

	joins := n.link.ofKind(signal.KindJoin)
	if len(joins) != 1 || joins[0].Target != "vehicle-1" || joins[0].From != "cockpit-1" {
		t.Fatalf("join envelope = %+v", joins)
	}

	fake := n.reg.Get("vehicle-1")
	if fake == nil {
		t.Fatal("no transport created for vehicle-1")
	}
	if fake.OfferRequested() != 1 {
		t.Fatalf("OfferRequested = %d, want 1", fake.OfferRequested())
	}

	// Idempotent: a second connect does not create a second connection.
	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("second ConnectPeer() error = %v", err)
	}
	if fake2 := n.reg.Get("vehicle-1"); fake2 != fake {
		t.Fatal("second ConnectPeer replaced the transport")
	}

	// Local offer completion is forwarded through the relay.
	fake.FireLocalSDP(transport.SDPOffer, "sdp-offer")
	waitFor(t, "offer envelope", func() bool {
		return len(n.link.ofKind(signal.KindOffer)) == 1
	})
	offer := n.link.ofKind(signal.KindOffer)[0]
	if offer.To != "vehicle-1" || offer.SDP != "sdp-offer" || offer.From != "cockpit-1" {
		t.Fatalf("offer envelope = %+v", offer)
	}

	// Local candidates trickle out as they arrive.
	fake.FireLocalCandidate(signal.Candidate{Candidate: "cand-1", SDPMid: "0"})
	waitFor(t, "candidate envelope", func() bool {
		return len(n.link.ofKind(signal.KindCandidate)) == 1
	})

	// Remote answer is applied.
	n.inbound(signal.NewAnswer("vehicle-1", "cockpit-1", "sdp-answer"))
	waitFor(t, "remote answer applied", func() bool {
		descs := fake.RemoteDescriptions()
		return len(descs) == 1 && descs[0] == "answer:sdp-answer"
	})

	// Connected requires ICE up and at least one open channel.
	fake.FireICEState(transport.ICEConnected)
	if n.log.connectedCount("vehicle-1") != 0 {
		t.Fatal("connected before any channel opened")
	}
	fake.FireChannelOpen("control")
	waitFor(t, "peer connected", func() bool {
		return n.log.connectedCount("vehicle-1") == 1
	})
}

func TestReactiveAnswererFlow(t *testing.T) {
	n := startNode(t, "vehicle-1")

	n.inbound(signal.NewOffer("cockpit-1", "vehicle-1", "sdp-offer"))

	var fake *transporttest.Fake
	waitFor(t, "reactive transport", func() bool {
		fake = n.reg.Get("cockpit-1")
		return fake != nil && fake.AnswerRequested() == 1
	})
	descs := fake.RemoteDescriptions()
	if len(descs) != 1 || descs[0] != "offer:sdp-offer" {
		t.Fatalf("remote descriptions = %v", descs)
	}

	fake.FireLocalSDP(transport.SDPAnswer, "sdp-answer")
	waitFor(t, "answer envelope", func() bool {
		return len(n.link.ofKind(signal.KindAnswer)) == 1
	})
	answer := n.link.ofKind(signal.KindAnswer)[0]
	if answer.To != "cockpit-1" || answer.From != "vehicle-1" {
		t.Fatalf("answer envelope = %+v", answer)
	}
}

func TestJoinRequestSmallerIDOffers(t *testing.T) {
	n := startNode(t, "aaa-vehicle")

	n.inbound(signal.NewJoinRequest("zzz-cockpit", "aaa-vehicle"))
	waitFor(t, "offer initiated", func() bool {
		fake := n.reg.Get("zzz-cockpit")
		return fake != nil && fake.OfferRequested() == 1
	})
}

func TestJoinRequestLargerIDWaits(t *testing.T) {
	n := startNode(t, "zzz-vehicle")

	n.inbound(signal.NewJoinRequest("aaa-cockpit", "zzz-vehicle"))
	time.Sleep(50 * time.Millisecond)
	if fake := n.reg.Get("aaa-cockpit"); fake != nil {
		t.Fatal("larger id must wait for the remote offer, not create a transport")
	}
}

func TestGlareSmallerIDKeepsOffer(t *testing.T) {
	n := startNode(t, "aaa")

	if err := n.mgr.ConnectPeer("zzz"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("zzz")

	// Remote offered at the same time; the smaller local id wins.
	n.inbound(signal.NewOffer("zzz", "aaa", "their-offer"))
	time.Sleep(50 * time.Millisecond)

	if got := fake.RemoteDescriptions(); len(got) != 0 {
		t.Fatalf("losing remote offer was applied: %v", got)
	}
	if fake.AnswerRequested() != 0 {
		t.Fatal("glare winner must not answer")
	}
	if fake.Closed() {
		t.Fatal("glare winner must keep its transport")
	}
}

func TestGlareLargerIDAdoptsAnswererRole(t *testing.T) {
	n := startNode(t, "zzz")

	if err := n.mgr.ConnectPeer("aaa"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	old := n.reg.Get("aaa")

	n.inbound(signal.NewOffer("aaa", "zzz", "their-offer"))

	var fresh *transporttest.Fake
	waitFor(t, "replacement transport answers", func() bool {
		fresh = n.reg.Get("aaa")
		return fresh != nil && fresh != old && fresh.AnswerRequested() == 1
	})
	waitFor(t, "old transport closed", old.Closed)

	descs := fresh.RemoteDescriptions()
	if len(descs) != 1 || descs[0] != "offer:their-offer" {
		t.Fatalf("surviving offer = %v", descs)
	}

	// The discarded local offer must not escape even if it completes late.
	old.FireLocalSDP(transport.SDPOffer, "stale-offer")
	time.Sleep(50 * time.Millisecond)
	if got := n.link.ofKind(signal.KindOffer); len(got) != 0 {
		t.Fatalf("stale local offer leaked: %v", got)
	}
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	n := startNode(t, "vehicle-1")

	early := signal.Candidate{Candidate: "early", SDPMid: "0"}
	n.inbound(signal.NewCandidate("cockpit-1", "vehicle-1", early))
	time.Sleep(20 * time.Millisecond)

	n.inbound(signal.NewOffer("cockpit-1", "vehicle-1", "sdp-offer"))
	var fake *transporttest.Fake
	waitFor(t, "buffered candidate applied", func() bool {
		fake = n.reg.Get("cockpit-1")
		return fake != nil && len(fake.RemoteCandidates()) == 1
	})

	late := signal.Candidate{Candidate: "late", SDPMid: "0"}
	n.inbound(signal.NewCandidate("cockpit-1", "vehicle-1", late))
	waitFor(t, "late candidate applied", func() bool {
		return len(fake.RemoteCandidates()) == 2
	})

	// The early candidate is applied no later than the late one.
	cands := fake.RemoteCandidates()
	if cands[0].Candidate != "early" || cands[1].Candidate != "late" {
		t.Fatalf("candidate order = %v", cands)
	}
}

func TestAnswerWithoutOfferRepliesError(t *testing.T) {
	n := startNode(t, "vehicle-1")

	n.inbound(signal.NewAnswer("cockpit-1", "vehicle-1", "unsolicited"))
	waitFor(t, "error reply", func() bool {
		return len(n.link.ofKind(signal.KindError)) == 1
	})
	errEnv := n.link.ofKind(signal.KindError)[0]
	if errEnv.To != "cockpit-1" {
		t.Fatalf("error envelope = %+v", errEnv)
	}
}

func TestMisaddressedEnvelopeDiscarded(t *testing.T) {
	n := startNode(t, "vehicle-1")

	n.inbound(signal.NewOffer("cockpit-1", "someone-else", "sdp-offer"))
	time.Sleep(50 * time.Millisecond)
	if fake := n.reg.Get("cockpit-1"); fake != nil {
		t.Fatal("misaddressed offer must be discarded")
	}
}

func TestDisconnectPeerIsIdempotent(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("vehicle-1")

	if err := n.mgr.DisconnectPeer("vehicle-1", "operator request"); err != nil {
		t.Fatalf("DisconnectPeer() error = %v", err)
	}
	if err := n.mgr.DisconnectPeer("vehicle-1", "operator request"); !errors.Is(err, manager.ErrUnknownPeer) {
		t.Fatalf("second DisconnectPeer() error = %v, want ErrUnknownPeer", err)
	}

	if n.log.disconnectedCount("vehicle-1") != 1 {
		t.Fatalf("terminal notifications = %d, want exactly 1", n.log.disconnectedCount("vehicle-1"))
	}
	reasons := n.log.disconnectReasons("vehicle-1")
	if len(reasons) != 1 || reasons[0] == "" {
		t.Fatalf("disconnect reasons = %v, want one non-empty", reasons)
	}
	if !fake.Closed() {
		t.Fatal("transport not closed on disconnect")
	}

	leaves := n.link.ofKind(signal.KindLeave)
	if len(leaves) != 1 || leaves[0].To != "vehicle-1" {
		t.Fatalf("leave envelopes = %+v", leaves)
	}
}

func TestTransportFailureNotifiesOnce(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("vehicle-1")

	fake.FireConnectionState(transport.PeerFailed)
	waitFor(t, "disconnect notification", func() bool {
		return n.log.disconnectedCount("vehicle-1") == 1
	})

	// A late Closed from the same transport must not notify again.
	fake.FireConnectionState(transport.PeerClosed)
	time.Sleep(50 * time.Millisecond)
	if n.log.disconnectedCount("vehicle-1") != 1 {
		t.Fatalf("notifications = %d, want 1", n.log.disconnectedCount("vehicle-1"))
	}
}

func TestSendErrors(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.Send("ghost", "control", []byte("x")); !errors.Is(err, manager.ErrUnknownPeer) {
		t.Fatalf("Send to unknown peer error = %v, want ErrUnknownPeer", err)
	}

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	if err := n.mgr.Send("vehicle-1", "control", []byte("x")); !errors.Is(err, transport.ErrChannelNotOpen) {
		t.Fatalf("Send on unopened channel error = %v, want ErrChannelNotOpen", err)
	}

	fake := n.reg.Get("vehicle-1")
	fake.FireChannelOpen("control")
	waitFor(t, "send succeeds", func() bool {
		return n.mgr.Send("vehicle-1", "control", []byte("cmd")) == nil
	})
	msgs := fake.SentMessages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Label != "control" {
		t.Fatalf("sent messages = %v", msgs)
	}
}

func TestBroadcastOnlyOpenChannels(t *testing.T) {
	n := startNode(t, "cockpit-1")

	for _, id := range []string{"vehicle-1", "vehicle-2", "vehicle-3"} {
		if err := n.mgr.ConnectPeer(id); err != nil {
			t.Fatalf("ConnectPeer(%s) error = %v", id, err)
		}
	}
	n.reg.Get("vehicle-1").FireChannelOpen("telemetry")
	n.reg.Get("vehicle-3").FireChannelOpen("telemetry")

	waitFor(t, "channels registered", func() bool {
		return n.mgr.Broadcast("telemetry", []byte("t")) == 2
	})

	if got := len(n.reg.Get("vehicle-2").SentMessages()); got != 0 {
		t.Fatalf("closed-channel peer received %d broadcasts", got)
	}
}

func TestPeerLeaveClosesConnection(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	n.inbound(signal.NewLeave("vehicle-1", "cockpit-1", "Peer disconnected"))

	waitFor(t, "leave closes peer", func() bool {
		return n.log.disconnectedCount("vehicle-1") == 1
	})
	reasons := n.log.disconnectReasons("vehicle-1")
	if reasons[0] != "Peer disconnected" {
		t.Fatalf("reason = %q", reasons[0])
	}
}

func TestTargetNotFoundRemovesPendingPeer(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("ghost"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	n.inbound(signal.NewError("cockpit-1", "Target not found"))

	waitFor(t, "signaling error surfaced", func() bool {
		return n.log.signalErrorCount() == 1
	})
	waitFor(t, "pending peer removed", func() bool {
		return errors.Is(n.mgr.Send("ghost", "control", nil), manager.ErrUnknownPeer)
	})
	// The never-connected target owes no disconnect notification.
	if n.log.disconnectedCount("ghost") != 0 {
		t.Fatal("phantom disconnect notification for unreached target")
	}
}

func TestHeartbeatEnvelopeUpdatesFreshness(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("vehicle-1")
	fake.FireICEState(transport.ICEConnected)
	fake.FireChannelOpen("control")
	waitFor(t, "peer connected", func() bool {
		return n.log.connectedCount("vehicle-1") == 1
	})

	n.inbound(signal.NewHeartbeat("vehicle-1", "cockpit-1", 7))
	waitFor(t, "heartbeat recorded", func() bool {
		peers := n.mgr.LivePeers()
		return len(peers) == 1 && !peers[0].LastHeartbeatRx.IsZero()
	})

	first := n.mgr.LivePeers()[0].LastHeartbeatRx
	n.inbound(signal.NewHeartbeat("vehicle-1", "cockpit-1", 8))
	waitFor(t, "freshness advances", func() bool {
		return !n.mgr.LivePeers()[0].LastHeartbeatRx.Before(first)
	})
}

func TestStopQuiesces(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("vehicle-1")

	n.mgr.Stop()

	if !fake.Closed() {
		t.Fatal("transport not closed on stop")
	}
	if !n.link.isClosed() {
		t.Fatal("relay link not closed on stop")
	}
	reasons := n.log.disconnectReasons("vehicle-1")
	if len(reasons) != 1 || reasons[0] != "local shutdown" {
		t.Fatalf("disconnect reasons = %v, want [local shutdown]", reasons)
	}
	if err := n.mgr.Send("vehicle-1", "control", nil); !errors.Is(err, manager.ErrNotRunning) {
		t.Fatalf("Send after Stop error = %v, want ErrNotRunning", err)
	}
	if err := n.mgr.ConnectPeer("vehicle-2"); !errors.Is(err, manager.ErrNotRunning) {
		t.Fatalf("ConnectPeer after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestDataChannelHeartbeatFrame(t *testing.T) {
	n := startNode(t, "cockpit-1")

	if err := n.mgr.ConnectPeer("vehicle-1"); err != nil {
		t.Fatalf("ConnectPeer() error = %v", err)
	}
	fake := n.reg.Get("vehicle-1")
	fake.FireICEState(transport.ICEConnected)
	fake.FireChannelOpen("heartbeat")
	waitFor(t, "peer connected", func() bool {
		return n.log.connectedCount("vehicle-1") == 1
	})

	// A ping frame on the heartbeat channel updates freshness and reaches
	// the heartbeat handler, not the message handler.
	frame := []byte{'p', 'i', 'n', 'g', 0, 0, 0, 0, 0, 0, 0, 42}
	fake.FireMessage("heartbeat", frame)
	waitFor(t, "heartbeat decoded", func() bool {
		n.log.mu.Lock()
		defer n.log.mu.Unlock()
		hb := n.log.heartbeats["vehicle-1"]
		return len(hb) == 1 && hb[0] == 42
	})
}
