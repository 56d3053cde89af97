package wsclient

import (
	"context"
	"log/slog"

	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/pkg/signal"
)

// NewLinkDialer adapts Dial into the manager's link dialer: it establishes
// the relay link and pumps inbound envelopes on a dedicated goroutine.
func NewLinkDialer(relayURL, token string, insecureTLS bool, logger *slog.Logger) manager.LinkDialer {
	return func(ctx context.Context, onEnv func(signal.Envelope), onDown func(reason string)) (manager.Link, error) {
		conn, err := Dial(ctx, relayURL, token, insecureTLS, logger)
		if err != nil {
			return nil, err
		}
		go func() {
			// Close() shuts the socket, which unblocks the read loop.
			err := conn.ReadLoop(context.Background(), onEnv)
			reason := "link closed"
			if err != nil {
				reason = err.Error()
			}
			onDown(reason)
		}()
		return conn, nil
	}
}
