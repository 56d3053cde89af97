package manager

import (
	"fmt"

	"github.com/drivekit/drivekit/internal/transport"
)

// ChannelState tracks a data channel's lifecycle within a peer connection.
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// ErrBadTransition reports an illegal peer state transition. Illegal
// transitions are rejected, never silently applied.
type ErrBadTransition struct {
	From, To transport.PeerState
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal peer state transition %s -> %s", e.From, e.To)
}

// transition validates and returns the new state. Failed and Closed are
// terminal; nothing leaves them.
func transition(from, to transport.PeerState) (transport.PeerState, error) {
	if from == to {
		return to, nil
	}
	bad := func() (transport.PeerState, error) {
		return from, &ErrBadTransition{From: from, To: to}
	}
	switch from {
	case transport.PeerNew:
		switch to {
		case transport.PeerConnecting, transport.PeerFailed, transport.PeerClosed:
			return to, nil
		}
		return bad()
	case transport.PeerConnecting:
		switch to {
		case transport.PeerConnected, transport.PeerDisconnected, transport.PeerFailed, transport.PeerClosed:
			return to, nil
		}
		return bad()
	case transport.PeerConnected:
		switch to {
		case transport.PeerDisconnected, transport.PeerFailed, transport.PeerClosed:
			return to, nil
		}
		return bad()
	case transport.PeerDisconnected:
		switch to {
		case transport.PeerConnected, transport.PeerFailed, transport.PeerClosed:
			return to, nil
		}
		return bad()
	case transport.PeerFailed, transport.PeerClosed:
		return bad()
	}
	return bad()
}
