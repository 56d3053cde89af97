// Package signal defines the JSON wire format routed by the session relay.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the envelope message type on the wire.
type Kind string

const (
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindCandidate   Kind = "candidate"
	KindHeartbeat   Kind = "heartbeat"
	KindJoinRequest Kind = "join_request"
	KindError       Kind = "error"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrInvalid     = errors.New("invalid envelope")
)

// Candidate carries an opaque ICE candidate and its SDP attachment point.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Envelope is a routed signaling message. From names the authenticated
// sender and is empty on relay-originated errors; an empty To addresses the
// relay itself.
// Kind-specific fields are flattened into the object; unknown fields
// are ignored on decode.
type Envelope struct {
	Type      Kind       `json:"type"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Target    string     `json:"target,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Nonce     *uint64    `json:"nonce,omitempty"`
}

// Decode parses a single wire frame and validates the kind-specific fields.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Encode serializes the envelope as one wire frame.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Validate checks that every field the kind requires is present.
// The envelope is rejected before it reaches any router when this fails.
func (e Envelope) Validate() error {
	switch e.Type {
	case KindJoin:
		if e.Target == "" {
			return fmt.Errorf("%w: join requires target", ErrInvalid)
		}
	case KindLeave, KindError:
		if e.Reason == "" {
			return fmt.Errorf("%w: %s requires reason", ErrInvalid, e.Type)
		}
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: %s requires sdp", ErrInvalid, e.Type)
		}
	case KindCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: candidate requires candidate object", ErrInvalid)
		}
	case KindHeartbeat:
		if e.Nonce == nil {
			return fmt.Errorf("%w: heartbeat requires nonce", ErrInvalid)
		}
	case KindJoinRequest:
		if e.From == "" {
			return fmt.Errorf("%w: join_request requires from", ErrInvalid)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return nil
}

// NewJoin announces intent to pair with target.
func NewJoin(from, target string) Envelope {
	return Envelope{Type: KindJoin, From: from, Target: target}
}

// NewLeave announces departure to the current partner.
func NewLeave(from, to, reason string) Envelope {
	return Envelope{Type: KindLeave, From: from, To: to, Reason: reason}
}

// NewOffer wraps a local session description offer.
func NewOffer(from, to, sdp string) Envelope {
	return Envelope{Type: KindOffer, From: from, To: to, SDP: sdp}
}

// NewAnswer wraps a local session description answer.
func NewAnswer(from, to, sdp string) Envelope {
	return Envelope{Type: KindAnswer, From: from, To: to, SDP: sdp}
}

// NewCandidate wraps a trickled ICE candidate.
func NewCandidate(from, to string, c Candidate) Envelope {
	return Envelope{Type: KindCandidate, From: from, To: to, Candidate: &c}
}

// NewHeartbeat wraps a liveness probe with a monotone nonce.
func NewHeartbeat(from, to string, nonce uint64) Envelope {
	return Envelope{Type: KindHeartbeat, From: from, To: to, Nonce: &nonce}
}

// NewJoinRequest notifies target that from wants to pair.
func NewJoinRequest(from, to string) Envelope {
	return Envelope{Type: KindJoinRequest, From: from, To: to}
}

// NewError reports a routing or protocol failure back to a peer.
func NewError(to, reason string) Envelope {
	return Envelope{Type: KindError, To: to, Reason: reason}
}
