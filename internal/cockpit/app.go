// Package cockpit runs the operator-side node: it initiates the connection
// to the vehicle, fans operator commands into the control channel, and fans
// telemetry and video out to the local operator UI. On any connectivity
// loss the outbound command path is disabled and the failure is surfaced to
// the operator; the node itself stays alive in degraded mode.
package cockpit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drivekit/drivekit/internal/config"
	"github.com/drivekit/drivekit/internal/liveness"
	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/internal/teleop"
)

var ErrCommandsDisabled = errors.New("command path disabled")

// App wires the connectivity core to the operator UI.
type App struct {
	cfg    config.Node
	mgr    *manager.Manager
	live   *liveness.Controller
	ui     *UIServer
	logger *slog.Logger

	commandsEnabled atomic.Bool
	seq             atomic.Uint64

	mu         sync.Mutex
	lastReason string
}

// New assembles a cockpit app around an already-constructed manager.
func New(cfg config.Node, mgr *manager.Manager, ui *UIServer, logger *slog.Logger) *App {
	a := &App{
		cfg:    cfg,
		mgr:    mgr,
		ui:     ui,
		logger: logger,
	}
	a.live = liveness.New(liveness.Config{
		Peers:    mgr,
		Interval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		Logger:   logger,
		OnLoss: func(peerID string) {
			a.disableCommands(fmt.Sprintf("Heartbeat lost: %s", peerID))
		},
	})
	if ui != nil {
		ui.BindCommands(a)
	}
	return a
}

// Run starts the node, initiates the vehicle connection, and blocks until
// ctx is cancelled. Signaling loss keeps the UI alive in degraded mode.
func (a *App) Run(ctx context.Context) error {
	a.mgr.SetHandlers(manager.Handlers{
		OnSignalingUp: func() {
			a.logger.Info("signaling connected", "target", a.cfg.TargetID)
		},
		OnSignalingDown: func(reason string) {
			a.disableCommands("Signaling lost: " + reason)
		},
		OnSignalingError: func(reason string) {
			a.logger.Error("signaling error", "reason", reason)
			a.pushStatus()
		},
		OnPeerConnected: func(peerID string) {
			a.logger.Info("vehicle connected", "peer_id", peerID)
			a.commandsEnabled.Store(true)
			a.setReason("")
			a.pushStatus()
		},
		OnPeerDisconnected: func(peerID, reason string) {
			a.disableCommands(reason)
		},
		OnPeerError: func(peerID, reason string) {
			a.logger.Error("peer error", "peer_id", peerID, "reason", reason)
		},
		OnMessage: a.handleMessage,
		OnVideoTrack: func(peerID, trackID string) {
			a.logger.Info("video track", "peer_id", peerID, "track_id", trackID)
			if a.ui != nil {
				_ = a.mgr.AttachVideoSink(peerID, a.ui.VideoSink())
			}
		},
	})

	if err := a.mgr.Start(ctx); err != nil {
		return err
	}
	a.live.Start()
	defer func() {
		a.live.Stop()
		a.mgr.Stop()
	}()

	if a.cfg.TargetID != "" {
		if err := a.mgr.ConnectPeer(a.cfg.TargetID); err != nil {
			a.logger.Error("connect to vehicle failed", "target", a.cfg.TargetID, "error", err)
		}
	}

	<-ctx.Done()
	a.logger.Info("cockpit shutting down")
	return nil
}

// SendCommand routes one operator control sample to the vehicle.
func (a *App) SendCommand(cmd teleop.Command) error {
	if !a.commandsEnabled.Load() {
		return ErrCommandsDisabled
	}
	cmd.Seq = a.seq.Add(1)
	frame, err := teleop.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Send(a.cfg.TargetID, a.cfg.Channels.Control, frame)
}

// SendEmergency routes an emergency directive. Directives bypass the
// enabled gate: a stop must go out whenever a channel still exists.
func (a *App) SendEmergency(directive, reason string) error {
	frame, err := teleop.EncodeEmergency(teleop.Emergency{
		Directive: directive,
		Reason:    reason,
		Seq:       a.seq.Add(1),
	})
	if err != nil {
		return err
	}
	return a.mgr.Send(a.cfg.TargetID, a.cfg.Channels.Control, frame)
}

// Status reports the command path state for the operator UI.
func (a *App) Status() (connected bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commandsEnabled.Load(), a.lastReason
}

func (a *App) handleMessage(peerID, label string, data []byte) {
	if label != a.cfg.Channels.Telemetry {
		return
	}
	sample, err := teleop.DecodeTelemetry(data)
	if err != nil {
		a.logger.Warn("undecodable telemetry", "peer_id", peerID, "error", err)
		return
	}
	if a.ui != nil {
		a.ui.PushTelemetry(sample)
	}
}

func (a *App) disableCommands(reason string) {
	a.commandsEnabled.Store(false)
	a.setReason(reason)
	a.logger.Error("command path disabled", "reason", reason)
	a.pushStatus()
}

func (a *App) setReason(reason string) {
	a.mu.Lock()
	a.lastReason = reason
	a.mu.Unlock()
}

func (a *App) pushStatus() {
	if a.ui == nil {
		return
	}
	connected, reason := a.Status()
	a.ui.PushStatus(connected, reason)
}
