package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drivekit/drivekit/internal/cockpit"
	"github.com/drivekit/drivekit/internal/config"
	"github.com/drivekit/drivekit/internal/logging"
	"github.com/drivekit/drivekit/internal/manager"
	"github.com/drivekit/drivekit/internal/transport"
	"github.com/drivekit/drivekit/internal/wsclient"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: drivekit-cockpit <config>")
		os.Exit(1)
	}

	cfg, err := config.LoadNode(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.TargetID == "" {
		fmt.Fprintln(os.Stderr, "config error: target_id is required for the cockpit")
		os.Exit(1)
	}
	logger := logging.New("drivekit-cockpit", cfg.LogLevel)

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

	var ui *cockpit.UIServer
	if cfg.UI != nil {
		ui = cockpit.NewUIServer(cfg.UI.Addr, cfg.UI.AssetPath, logger)
	}
	app := cockpit.New(cfg, mgr, ui, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ui != nil {
		go func() {
			if err := ui.Start(ctx); err != nil {
				logger.Error("ui server failed", "error", err)
				stop()
			}
		}()
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("cockpit failed", "error", err)
		os.Exit(2)
	}
}
