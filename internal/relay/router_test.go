package relay

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/drivekit/drivekit/pkg/signal"
)

// memSender records envelopes delivered to one peer.
type memSender struct {
	mu     sync.Mutex
	queued []signal.Envelope
	kicked string
}

func (s *memSender) Enqueue(env signal.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, env)
}

func (s *memSender) Kick(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = reason
}

func (s *memSender) all() []signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Envelope(nil), s.queued...)
}

func (s *memSender) last(t *testing.T) signal.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		t.Fatal("no envelope delivered")
	}
	return s.queued[len(s.queued)-1]
}

func testRouter(t *testing.T) (*Router, *Directory) {
	t.Helper()
	dir := NewDirectory(RejectNew)
	return NewRouter(dir, slog.Default()), dir
}

func register(t *testing.T, dir *Directory, id string) *memSender {
	t.Helper()
	s := &memSender{}
	if err := dir.Register(id, s); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	return s
}

func TestRouteRejectsIdentityMismatch(t *testing.T) {
	r, dir := testRouter(t)
	a := register(t, dir, "a")
	b := register(t, dir, "b")

	r.Route("a", a, signal.NewOffer("b", "b", "sdp"))

	if got := b.all(); len(got) != 0 {
		t.Fatalf("spoofed envelope forwarded: %v", got)
	}
	errEnv := a.last(t)
	if errEnv.Type != signal.KindError {
		t.Fatalf("reply = %+v, want error", errEnv)
	}
}

func TestRouteJoinDeliversJoinRequest(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")
	v := register(t, dir, "vehicle-1")

	r.Route("cockpit-1", c, signal.NewJoin("cockpit-1", "vehicle-1"))

	req := v.last(t)
	if req.Type != signal.KindJoinRequest || req.From != "cockpit-1" || req.To != "vehicle-1" {
		t.Fatalf("join request = %+v", req)
	}
	if dir.Partner("cockpit-1") != "vehicle-1" {
		t.Fatalf("partner = %q, want vehicle-1", dir.Partner("cockpit-1"))
	}
}

func TestRouteJoinUnknownTarget(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")

	r.Route("cockpit-1", c, signal.NewJoin("cockpit-1", "ghost"))

	errEnv := c.last(t)
	if errEnv.Type != signal.KindError || errEnv.Reason != "Target not found" {
		t.Fatalf("reply = %+v, want Target not found", errEnv)
	}
	if dir.Partner("cockpit-1") != "" {
		t.Fatal("partner not cleared after failed join")
	}
}

func TestRouteForwardsVerbatim(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")
	v := register(t, dir, "vehicle-1")

	offer := signal.NewOffer("cockpit-1", "vehicle-1", "sdp-offer")
	r.Route("cockpit-1", c, offer)
	if got := v.last(t); got.Type != signal.KindOffer || got.SDP != "sdp-offer" || got.From != "cockpit-1" {
		t.Fatalf("forwarded offer = %+v", got)
	}

	cand := signal.NewCandidate("vehicle-1", "cockpit-1", signal.Candidate{Candidate: "cand", SDPMid: "0"})
	r.Route("vehicle-1", v, cand)
	if got := c.last(t); got.Type != signal.KindCandidate || got.Candidate.Candidate != "cand" {
		t.Fatalf("forwarded candidate = %+v", got)
	}

	// Heartbeat rides the same rule: it is the relay fallback path.
	hb := signal.NewHeartbeat("vehicle-1", "cockpit-1", 9)
	r.Route("vehicle-1", v, hb)
	if got := c.last(t); got.Type != signal.KindHeartbeat || *got.Nonce != 9 {
		t.Fatalf("forwarded heartbeat = %+v", got)
	}
}

func TestRouteRecipientNotFound(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")

	r.Route("cockpit-1", c, signal.NewOffer("cockpit-1", "ghost", "sdp"))
	if got := c.last(t); got.Type != signal.KindError || got.Reason != "Recipient not found" {
		t.Fatalf("reply = %+v", got)
	}

	// Empty to is equally unroutable for forwarded kinds.
	r.Route("cockpit-1", c, signal.Envelope{Type: signal.KindOffer, From: "cockpit-1", SDP: "sdp"})
	if got := c.last(t); got.Type != signal.KindError {
		t.Fatalf("reply = %+v", got)
	}
}

func TestRouteUnknownKind(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")

	// join_request is relay-originated; a peer sending one is a protocol
	// violation.
	r.Route("cockpit-1", c, signal.NewJoinRequest("cockpit-1", "vehicle-1"))
	if got := c.last(t); got.Type != signal.KindError || got.Reason != "Unknown message type" {
		t.Fatalf("reply = %+v", got)
	}
}

func TestRouteLeaveNotifiesPartner(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")
	v := register(t, dir, "vehicle-1")

	r.Route("cockpit-1", c, signal.NewJoin("cockpit-1", "vehicle-1"))
	r.Route("cockpit-1", c, signal.NewLeave("cockpit-1", "", "operator done"))

	var leave *signal.Envelope
	for _, env := range v.all() {
		if env.Type == signal.KindLeave {
			leave = &env
			break
		}
	}
	if leave == nil || leave.From != "cockpit-1" {
		t.Fatalf("partner never received leave: %v", v.all())
	}
	if dir.Partner("cockpit-1") != "" {
		t.Fatal("partner not cleared after leave")
	}
}

func TestDepartNotifiesPartners(t *testing.T) {
	r, dir := testRouter(t)
	c := register(t, dir, "cockpit-1")
	v := register(t, dir, "vehicle-1")

	// The vehicle registered the cockpit as its partner.
	r.Route("vehicle-1", v, signal.NewJoin("vehicle-1", "cockpit-1"))
	_ = c.all() // drain

	r.Depart("cockpit-1", c)

	leave := v.last(t)
	if leave.Type != signal.KindLeave || leave.From != "cockpit-1" || leave.Reason != "Peer disconnected" {
		t.Fatalf("departure leave = %+v", leave)
	}
	if dir.Partner("vehicle-1") != "" {
		t.Fatal("surviving peer's partner not cleared")
	}
	if _, ok := dir.Lookup("cockpit-1"); ok {
		t.Fatal("departed peer still in directory")
	}
}

func TestDirectoryDuplicatePolicies(t *testing.T) {
	t.Run("reject new", func(t *testing.T) {
		dir := NewDirectory(RejectNew)
		first := &memSender{}
		if err := dir.Register("v", first); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := dir.Register("v", &memSender{}); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("second Register() error = %v, want ErrDuplicateID", err)
		}
		if got, _ := dir.Lookup("v"); got != Sender(first) {
			t.Fatal("original registration displaced under RejectNew")
		}
	})

	t.Run("displace old", func(t *testing.T) {
		dir := NewDirectory(DisplaceOld)
		first := &memSender{}
		second := &memSender{}
		if err := dir.Register("v", first); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := dir.Register("v", second); err != nil {
			t.Fatalf("displacing Register() error = %v", err)
		}
		if got, _ := dir.Lookup("v"); got != Sender(second) {
			t.Fatal("new registration not in place under DisplaceOld")
		}
		if first.kicked == "" {
			t.Fatal("displaced link was not kicked")
		}
	})
}

func TestUnregisterIgnoresStaleBinding(t *testing.T) {
	dir := NewDirectory(DisplaceOld)
	first := &memSender{}
	second := &memSender{}
	if err := dir.Register("v", first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := dir.Register("v", second); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// The displaced link's cleanup must not remove the new registration.
	dir.Unregister("v", first)
	if _, ok := dir.Lookup("v"); !ok {
		t.Fatal("stale unregister removed the live registration")
	}
	dir.Unregister("v", second)
	if _, ok := dir.Lookup("v"); ok {
		t.Fatal("live unregister did not remove the registration")
	}
}
