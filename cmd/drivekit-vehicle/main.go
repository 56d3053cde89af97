package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drivekit/drivekit/internal/config"
	"github.com/drivekit/drivekit/internal/logging"
	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/internal/vehicle"
	"github.com/drivekit/drivekit/internal/wsclient"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: drivekit-vehicle <config>")
		os.Exit(1)
	}

	cfg, err := config.LoadNode(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New("drivekit-vehicle", cfg.LogLevel)

	iceServers := make([]transport.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, transport.ICEServer{
			URI:      s.URI,
			Username: s.Username,
			Password: s.Password,
		})
	}
	factory, err := transport.NewPionFactory(transport.PionConfig{
		ICEServers: iceServers,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("transport setup failed", "error", err)
		os.Exit(1)
	}

	mgr, err := manager.New(manager.Config{
		LocalID: cfg.LocalID,
		Channels: []manager.ChannelSpec{
			{Label: cfg.Channels.Control, Mode: transport.ReliableOrdered},
			{Label: cfg.Channels.Telemetry, Mode: transport.ReliableOrdered},
		},
		Factory:              factory,
		Dialer:               wsclient.NewLinkDialer(cfg.Signaling.URI, cfg.Signaling.Token, cfg.Signaling.InsecureTLS, logger),
		ReconnectBase:        time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("manager setup failed", "error", err)
		os.Exit(1)
	}

	chassis := vehicle.NewSimChassis(logger)
	app := vehicle.New(cfg, mgr, chassis, chassis, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("vehicle failed", "error", err)
		if errors.Is(err, vehicle.ErrRuntime) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
