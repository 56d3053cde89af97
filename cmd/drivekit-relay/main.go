package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drivekit/drivekit/internal/config"
	"github.com/drivekit/drivekit/internal/logging"
	"github.com/drivekit/drivekit/internal/relay"
)

func main() {
	cfg, err := config.ParseRelayConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New("drivekit-relay", cfg.LogLevel)

	policy := relay.RejectNew
	if cfg.DupPolicy == "displace" {
		policy = relay.DisplaceOld
	}

	srv, err := relay.NewServer(relay.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		JWTSecret:   []byte(cfg.JWTSecret),
		DupPolicy:   policy,
		SSLEnabled:  cfg.SSLEnabled,
		SSLKeyPath:  cfg.SSLKeyPath,
		SSLCertPath: cfg.SSLCertPath,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("relay setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(2)
	}
}
