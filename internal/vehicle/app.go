// Package vehicle runs the vehicle-side node: it accepts the cockpit's
// connection, applies decoded control frames to the chassis, streams
// telemetry back, and couples connectivity loss to the emergency actuator.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drivekit/drivekit/internal/config"
	"github.com/drivekit/drivekit/internal/liveness"
	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/internal/teleop"
)

// telemetryInterval paces chassis status samples onto the telemetry channel.
const telemetryInterval = 200 * time.Millisecond

// Controller applies decoded operator input to the chassis. Implementations
// wrap the vehicle's control bus driver.
type Controller interface {
	Apply(cmd teleop.Command) error
	// EmergencyStop is the safety actuator: full brake, neutral, hazards.
	// Invoked on operator directive and on every connectivity loss.
	EmergencyStop(reason string) error
	PullOver(reason string) error
}

// ChassisSource samples the chassis state for telemetry.
type ChassisSource interface {
	Sample() (teleop.Telemetry, error)
}

// ErrRuntime marks unrecoverable runtime failures (exit code 2).
var ErrRuntime = errors.New("vehicle runtime failure")

// App wires the connectivity core to the vehicle's controller and sensors.
type App struct {
	cfg     config.Node
	mgr     *manager.Manager
	live    *liveness.Controller
	ctrl    Controller
	chassis ChassisSource
	logger  *slog.Logger

	lastSeq uint64
}

// New assembles a vehicle app around an already-constructed manager.
func New(cfg config.Node, mgr *manager.Manager, ctrl Controller, chassis ChassisSource, logger *slog.Logger) *App {
	a := &App{
		cfg:     cfg,
		mgr:     mgr,
		ctrl:    ctrl,
		chassis: chassis,
		logger:  logger,
	}
	a.live = liveness.New(liveness.Config{
		Peers:    mgr,
		Interval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		Logger:   logger,
		OnLoss: func(peerID string) {
			a.safetyStop(fmt.Sprintf("Heartbeat lost: %s", peerID))
		},
	})
	return a
}

// Run starts the node and blocks until ctx is cancelled or the relay link
// permanently fails. The emergency actuator fires before Run returns on
// any abnormal exit while a cockpit was connected.
func (a *App) Run(ctx context.Context) error {
	a.mgr.SetHandlers(manager.Handlers{
		OnSignalingUp: func() {
			a.logger.Info("signaling connected, awaiting cockpit")
		},
		OnSignalingDown: func(reason string) {
			a.logger.Warn("signaling lost", "reason", reason)
		},
		OnSignalingError: func(reason string) {
			a.logger.Error("signaling error", "reason", reason)
		},
		OnPeerConnected: func(peerID string) {
			a.logger.Info("cockpit connected", "peer_id", peerID)
		},
		OnPeerDisconnected: func(peerID, reason string) {
			a.logger.Error("cockpit link lost", "peer_id", peerID, "reason", reason)
			a.safetyStop(reason)
		},
		OnPeerError: func(peerID, reason string) {
			a.logger.Error("peer error", "peer_id", peerID, "reason", reason)
		},
		OnMessage: a.handleMessage,
	})

	if err := a.mgr.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	a.live.Start()
	defer func() {
		a.live.Stop()
		a.mgr.Stop()
	}()

	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("vehicle shutting down")
			return nil
		case <-ticker.C:
			a.publishTelemetry()
		}
	}
}

func (a *App) handleMessage(peerID, label string, data []byte) {
	if label != a.cfg.Channels.Control {
		return
	}
	cmd, emg, err := teleop.DecodeControl(data)
	if err != nil {
		a.logger.Warn("undecodable control frame", "peer_id", peerID, "error", err)
		return
	}

	if emg != nil {
		a.logger.Warn("emergency directive", "directive", emg.Directive, "reason", emg.Reason)
		switch emg.Directive {
		case teleop.DirectiveStop:
			if err := a.ctrl.EmergencyStop(emg.Reason); err != nil {
				a.logger.Error("emergency stop failed", "error", err)
			}
		case teleop.DirectivePullOver:
			if err := a.ctrl.PullOver(emg.Reason); err != nil {
				a.logger.Error("pull over failed", "error", err)
			}
		}
		return
	}

	// Stale or reordered command samples are dropped; only the freshest
	// operator input reaches the chassis.
	if cmd.Seq != 0 && cmd.Seq <= a.lastSeq {
		return
	}
	a.lastSeq = cmd.Seq
	if err := a.ctrl.Apply(*cmd); err != nil {
		a.logger.Error("command apply failed", "error", err)
	}
}

func (a *App) publishTelemetry() {
	sample, err := a.chassis.Sample()
	if err != nil {
		a.logger.Warn("chassis sample failed", "error", err)
		return
	}
	sample.TimestampMs = time.Now().UnixMilli()
	frame, err := teleop.EncodeTelemetry(sample)
	if err != nil {
		a.logger.Error("encode telemetry failed", "error", err)
		return
	}
	a.mgr.Broadcast(a.cfg.Channels.Telemetry, frame)
}

// safetyStop invokes the emergency actuator with the failure reason tagged.
func (a *App) safetyStop(reason string) {
	if err := a.ctrl.EmergencyStop(reason); err != nil {
		a.logger.Error("safety stop failed", "reason", reason, "error", err)
		return
	}
	a.logger.Warn("safety stop engaged", "reason", reason)
}
