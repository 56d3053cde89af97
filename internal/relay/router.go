package relay

import (
	"log/slog"

	"github.com/drivekit/drivekit/pkg/signal"
)

// Router applies the relay's routing policy to authenticated inbound
// envelopes. Routing is best-effort: delivery to a closing link drops the
// message; the eventual Leave is the only notification.
type Router struct {
	dir    *Directory
	logger *slog.Logger
}

// NewRouter creates a router over the directory.
func NewRouter(dir *Directory, logger *slog.Logger) *Router {
	return &Router{dir: dir, logger: logger}
}

// Route processes one envelope from the link authenticated as authID.
// The envelope has already passed signal.Decode validation.
func (r *Router) Route(authID string, from Sender, env signal.Envelope) {
	// The from field must match the link's authenticated identity.
	if env.From != authID {
		r.logger.Warn("sender identity mismatch", "auth_id", authID, "claimed", env.From)
		from.Enqueue(signal.NewError(authID, "Sender identity mismatch"))
		return
	}

	switch env.Type {
	case signal.KindJoin:
		r.routeJoin(authID, from, env)

	case signal.KindLeave:
		if partner := r.dir.Partner(authID); partner != "" {
			if target, ok := r.dir.Lookup(partner); ok {
				env.To = partner
				target.Enqueue(env)
			}
		}
		r.dir.SetPartner(authID, "")

	case signal.KindOffer, signal.KindAnswer, signal.KindCandidate, signal.KindHeartbeat:
		// Heartbeat rides the same forwarding rule: it is the liveness
		// fallback path while no data channel is open.
		if env.To == "" {
			from.Enqueue(signal.NewError(authID, "Recipient not found"))
			return
		}
		target, ok := r.dir.Lookup(env.To)
		if !ok {
			from.Enqueue(signal.NewError(authID, "Recipient not found"))
			return
		}
		target.Enqueue(env)

	default:
		from.Enqueue(signal.NewError(authID, "Unknown message type"))
	}
}

func (r *Router) routeJoin(authID string, from Sender, env signal.Envelope) {
	r.dir.SetPartner(authID, env.Target)
	target, ok := r.dir.Lookup(env.Target)
	if !ok {
		r.dir.SetPartner(authID, "")
		from.Enqueue(signal.NewError(authID, "Target not found"))
		return
	}
	r.logger.Info("join", "peer_id", authID, "target", env.Target)
	target.Enqueue(signal.NewJoinRequest(authID, env.Target))
}

// Depart handles a link closing: every peer partnered with authID is told
// it left, and the directory entry is removed.
func (r *Router) Depart(authID string, s Sender) {
	partners := r.dir.Unregister(authID, s)
	for _, p := range partners {
		p.Enqueue(signal.Envelope{
			Type:   signal.KindLeave,
			From:   authID,
			Reason: "Peer disconnected",
		})
	}
	if len(partners) > 0 {
		r.logger.Info("departure notified", "peer_id", authID, "partners", len(partners))
	}
}
