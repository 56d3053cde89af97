// Package relay implements the session relay: a stand-alone signaling
// broker that authenticates peer links, maintains the live peer directory,
// and forwards descriptor and candidate exchange between partners.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drivekit/drivekit/pkg/signal"
)

const (
	maxFrameBytes   = 64 * 1024
	sendQueueSize   = 256
	writeTimeout    = 10 * time.Second
	idleTimeout     = 60 * time.Second
	pingInterval    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Peers authenticate with a signed token; origin carries no trust.
		return true
	},
}

// Config configures a relay server.
type Config struct {
	Addr      string
	JWTSecret []byte
	DupPolicy DupPolicy

	// TLS serving; the signaling channel requires TLS in production.
	SSLEnabled  bool
	SSLKeyPath  string
	SSLCertPath string

	Logger *slog.Logger
}

// Server accepts peer links and routes envelopes between them.
type Server struct {
	cfg    Config
	logger *slog.Logger
	dir    *Directory
	router *Router
	http   *http.Server

	mu    sync.Mutex
	links map[string]*peerLink // by connection id, for shutdown
}

// NewServer creates a relay server. Start serves until the context ends.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8443"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := NewDirectory(cfg.DupPolicy)
	s := &Server{
		cfg:    cfg,
		logger: logger,
		dir:    dir,
		router: NewRouter(dir, logger),
		links:  make(map[string]*peerLink),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "peers": dir.Count()})
	})
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s, nil
}

// Handler exposes the relay's HTTP handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until ctx is cancelled, then closes open links; envelopes
// still queued on them are dropped.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.SSLEnabled {
			s.logger.Info("relay listening", "addr", s.cfg.Addr, "tls", true)
			err = s.http.ListenAndServeTLS(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
		} else {
			s.logger.Info("relay listening", "addr", s.cfg.Addr, "tls", false)
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.http.Shutdown(shutdownCtx)

	s.mu.Lock()
	links := make([]*peerLink, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.Kick("Server shutting down")
	}
	s.logger.Info("relay stopped")
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	link := newPeerLink(conn, s.logger)

	peerID, err := Authenticate(s.cfg.JWTSecret, token)
	if err != nil {
		s.logger.Warn("authentication failed", "remote", r.RemoteAddr, "error", err)
		link.writeEnvelope(signal.NewError("", "Authentication failed"))
		link.Kick("")
		return
	}
	link.id = peerID

	if err := s.dir.Register(peerID, link); err != nil {
		s.logger.Warn("duplicate peer id rejected", "peer_id", peerID, "remote", r.RemoteAddr)
		link.writeEnvelope(signal.NewError(peerID, "Peer id already connected"))
		link.Kick("")
		return
	}

	s.mu.Lock()
	s.links[link.connID] = link
	s.mu.Unlock()
	s.logger.Info("peer connected", "peer_id", peerID, "conn_id", link.connID, "remote", r.RemoteAddr)

	defer func() {
		s.router.Depart(peerID, link)
		s.mu.Lock()
		delete(s.links, link.connID)
		s.mu.Unlock()
		link.Kick("")
		s.logger.Info("peer disconnected", "peer_id", peerID, "conn_id", link.connID)
	}()

	s.readLoop(peerID, link)
}

func (s *Server) readLoop(peerID string, link *peerLink) {
	conn := link.conn
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				link.writeControl(websocket.PingMessage)
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("link idle timeout", "peer_id", peerID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("link read error", "peer_id", peerID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := signal.Decode(message)
		if err != nil {
			if errors.Is(err, signal.ErrUnknownKind) {
				link.Enqueue(signal.NewError(peerID, "Unknown message type"))
				continue
			}
			s.logger.Warn("invalid envelope", "peer_id", peerID, "error", err)
			link.Enqueue(signal.NewError(peerID, fmt.Sprintf("Invalid envelope: %v", err)))
			continue
		}

		s.router.Route(peerID, link, env)
	}
}

// peerLink is one accepted websocket connection with its ordered writer.
type peerLink struct {
	id     string
	connID string
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh chan signal.Envelope
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newPeerLink(conn *websocket.Conn, logger *slog.Logger) *peerLink {
	l := &peerLink{
		connID: uuid.NewString(),
		conn:   conn,
		logger: logger,
		sendCh: make(chan signal.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Enqueue implements Sender. Messages are queued in arrival order; a full
// or closing queue drops the message.
func (l *peerLink) Enqueue(env signal.Envelope) {
	select {
	case <-l.done:
	case l.sendCh <- env:
	default:
		l.logger.Warn("link send queue full, dropping", "peer_id", l.id, "type", env.Type)
	}
}

// Kick implements Sender: close the link, optionally with a reason frame.
func (l *peerLink) Kick(reason string) {
	l.closeOnce.Do(func() {
		if reason != "" {
			l.writeEnvelope(signal.NewError(l.id, reason))
		}
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *peerLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case env := <-l.sendCh:
			l.writeEnvelope(env)
		}
	}
}

func (l *peerLink) writeEnvelope(env signal.Envelope) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(env); err != nil {
		l.logger.Debug("link write failed", "peer_id", l.id, "error", err)
	}
}

func (l *peerLink) writeControl(messageType int) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.WriteControl(messageType, nil, time.Now().Add(writeTimeout))
}
