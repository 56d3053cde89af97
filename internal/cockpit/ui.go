package cockpit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivekit/drivekit/internal/teleop"
	"github.com/drivekit/drivekit/internal/transport"
)

const uiWriteTimeout = 5 * time.Second

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI server binds to the operator workstation only.
		return true
	},
}

// commandSink is what the UI needs from the app: the outbound command path.
type commandSink interface {
	SendCommand(cmd teleop.Command) error
	SendEmergency(directive, reason string) error
	Status() (bool, string)
}

// UIServer serves the operator's local interface: static assets plus a
// websocket that pushes status, telemetry, and video frames to the browser
// and accepts operator input back.
type UIServer struct {
	addr   string
	assets string
	logger *slog.Logger
	http   *http.Server

	mu       sync.Mutex
	commands commandSink
	clients  map[*uiClient]struct{}
}

type uiClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewUIServer creates the UI server for addr, serving static assets from
// assetPath.
func NewUIServer(addr, assetPath string, logger *slog.Logger) *UIServer {
	s := &UIServer{
		addr:    addr,
		assets:  assetPath,
		logger:  logger,
		clients: make(map[*uiClient]struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(assetPath)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// BindCommands attaches the app's command path. Must be called before Start.
func (s *UIServer) BindCommands(c commandSink) {
	s.mu.Lock()
	s.commands = c
	s.mu.Unlock()
}

// Start serves until ctx ends.
func (s *UIServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ui listening", "addr", s.addr, "assets", s.assets)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *UIServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ui upgrade failed", "error", err)
		return
	}
	client := &uiClient{conn: conn}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	commands := s.commands
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
	}()

	// Greet the new session with the current command path state.
	if commands != nil {
		connected, reason := commands.Status()
		client.writeJSON(uiStatus{Kind: "status", Connected: connected, Reason: reason})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage || commands == nil {
			continue
		}
		s.handleOperatorInput(commands, message)
	}
}

type operatorInput struct {
	Kind      string  `json:"kind"` // "command" or "emergency"
	Throttle  float64 `json:"throttle"`
	Brake     float64 `json:"brake"`
	Steering  float64 `json:"steering"`
	Gear      string  `json:"gear"`
	Directive string  `json:"directive"`
	Reason    string  `json:"reason"`
}

func (s *UIServer) handleOperatorInput(commands commandSink, message []byte) {
	var in operatorInput
	if err := json.Unmarshal(message, &in); err != nil {
		s.logger.Warn("undecodable operator input", "error", err)
		return
	}
	switch in.Kind {
	case "command":
		err := commands.SendCommand(teleop.Command{
			Throttle: in.Throttle,
			Brake:    in.Brake,
			Steering: in.Steering,
			Gear:     in.Gear,
		})
		if err != nil && !errors.Is(err, ErrCommandsDisabled) {
			s.logger.Warn("command send failed", "error", err)
		}
	case "emergency":
		if err := commands.SendEmergency(in.Directive, in.Reason); err != nil {
			s.logger.Error("emergency send failed", "error", err)
		}
	default:
		s.logger.Warn("unknown operator input", "kind", in.Kind)
	}
}

type uiStatus struct {
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type uiTelemetry struct {
	Kind string           `json:"kind"`
	Data teleop.Telemetry `json:"data"`
}

// PushStatus broadcasts the command path state to every UI session.
func (s *UIServer) PushStatus(connected bool, reason string) {
	s.broadcastJSON(uiStatus{Kind: "status", Connected: connected, Reason: reason})
}

// PushTelemetry broadcasts one telemetry sample to every UI session.
func (s *UIServer) PushTelemetry(t teleop.Telemetry) {
	s.broadcastJSON(uiTelemetry{Kind: "telemetry", Data: t})
}

// VideoSink returns a transport sink that relays frames to the UI as
// binary websocket messages.
func (s *UIServer) VideoSink() transport.VideoSink {
	return uiVideoSink{s: s}
}

type uiVideoSink struct {
	s *UIServer
}

func (v uiVideoSink) WriteFrame(frame []byte) error {
	v.s.broadcastBinary(frame)
	return nil
}

func (s *UIServer) broadcastJSON(msg any) {
	for _, c := range s.snapshotClients() {
		c.writeJSON(msg)
	}
}

func (s *UIServer) broadcastBinary(data []byte) {
	for _, c := range s.snapshotClients() {
		c.writeBinary(data)
	}
}

func (s *UIServer) snapshotClients() []*uiClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*uiClient, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (c *uiClient) writeJSON(msg any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(uiWriteTimeout))
	_ = c.conn.WriteJSON(msg)
}

func (c *uiClient) writeBinary(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(uiWriteTimeout))
	_ = c.conn.WriteMessage(websocket.BinaryMessage, data)
}
