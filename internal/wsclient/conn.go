// Package wsclient maintains the framed signaling link from a node to the
// session relay.
package wsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivekit/drivekit/pkg/signal"
)

const (
	writeTimeout  = 10 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize = 256
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Conn is one signaling link to the relay. Writes are serialized through a
// single writer goroutine; Send never blocks on the socket itself.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan signal.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
}

// Dial establishes the link. relayURL is the ws:// or wss:// endpoint; the
// bearer token is attached as the token query parameter. An HTTP 401/403
// during the upgrade surfaces as an authentication error.
func Dial(ctx context.Context, relayURL, token string, insecureTLS bool, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	d := dialer
	if insecureTLS {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := d.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("relay rejected credentials (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("relay upgrade failed (%d): %s", resp.StatusCode, string(body))
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan signal.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads envelopes until the link drops or ctx is cancelled.
// Malformed frames are logged and skipped; they never reach onEnv.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env signal.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Closing the socket forces ReadMessage to unblock instantly.
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("signaling read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := signal.Decode(message)
		if err != nil {
			c.logger.Warn("invalid signaling frame", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Send enqueues an envelope for the writer goroutine.
func (c *Conn) Send(env signal.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling link closed")
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("signaling write error", "error", err)
			return
		}
	}
}

// Close shuts the link down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.sendChan)
		<-c.done // wait for the writer to drain
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
