package relay

import (
	"errors"
	"sync"

	"github.com/drivekit/drivekit/pkg/signal"
)

// DupPolicy decides what happens when a second link claims a peer id that
// is already registered.
type DupPolicy int

const (
	// RejectNew refuses the claiming link (the default).
	RejectNew DupPolicy = iota
	// DisplaceOld closes the registered link in favor of the claimant.
	DisplaceOld
)

var ErrDuplicateID = errors.New("peer id already registered")

// Sender is the directory's view of a peer link: an ordered, best-effort
// outbound queue.
type Sender interface {
	// Enqueue queues an envelope for delivery. Envelopes enqueued to a
	// closing link are dropped silently.
	Enqueue(env signal.Envelope)
	// Kick closes the underlying link (used by DisplaceOld).
	Kick(reason string)
}

// entry is one registered peer.
type entry struct {
	sender  Sender
	partner string
}

// Directory is the relay's live peer registry: peer id to link, with
// uniqueness and partner tracking.
type Directory struct {
	policy DupPolicy

	mu    sync.Mutex
	peers map[string]*entry
}

// NewDirectory creates an empty directory with the given duplicate policy.
func NewDirectory(policy DupPolicy) *Directory {
	return &Directory{
		policy: policy,
		peers:  make(map[string]*entry),
	}
}

// Register claims id for the sender. Under RejectNew a second claim fails
// with ErrDuplicateID; under DisplaceOld the previous link is kicked and
// the claim succeeds.
func (d *Directory) Register(id string, s Sender) error {
	d.mu.Lock()
	old, exists := d.peers[id]
	if exists && d.policy == RejectNew {
		d.mu.Unlock()
		return ErrDuplicateID
	}
	d.peers[id] = &entry{sender: s}
	d.mu.Unlock()

	if exists {
		old.sender.Kick("Displaced by new connection")
	}
	return nil
}

// Unregister removes id if it is still bound to s, and returns the set of
// peers whose partner was id (their partner slot is cleared).
func (d *Directory) Unregister(id string, s Sender) []Sender {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.peers[id]
	if !ok || cur.sender != s {
		return nil
	}
	delete(d.peers, id)

	var partners []Sender
	for _, e := range d.peers {
		if e.partner == id {
			e.partner = ""
			partners = append(partners, e.sender)
		}
	}
	return partners
}

// Lookup returns the sender registered for id.
func (d *Directory) Lookup(id string) (Sender, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.peers[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// SetPartner records id's join target. An empty target clears it.
func (d *Directory) SetPartner(id, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.peers[id]; ok {
		e.partner = target
	}
}

// Partner returns id's current join target.
func (d *Directory) Partner(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.peers[id]; ok {
		return e.partner
	}
	return ""
}

// Count reports the number of registered peers.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}
