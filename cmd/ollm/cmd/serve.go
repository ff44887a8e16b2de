package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Tecet/ollm-cli/internal/api"
	"github.com/Tecet/ollm-cli/internal/config"
	"github.com/Tecet/ollm-cli/internal/events"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session over HTTP and WebSocket",
	Long: `serve runs a session headless and exposes it on a local HTTP API:
usage and status views, snapshot management, and a WebSocket event
stream for UIs. The config file is watched; log level changes apply
live, everything else on the next start.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close(context.Background())

	// Continuous memory polling; chat mode probes once instead.
	svc.monitor.Start(ctx)

	server, err := api.NewServer(api.Deps{
		Session:   svc.session,
		Events:    svc.events,
		Snapshots: svc.snapshots,
		Monitor:   svc.monitor,
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, cfg, debug, func(next *config.Config) {
		svc.events.PublishSystem(events.SystemStarted, events.SystemPayload{
			Component: "config",
			Status:    "reloaded",
		})
	})
	if err != nil {
		log.Warn("config watcher unavailable", "err", err)
	} else if err := watcher.Start(); err != nil {
		log.Warn("config watcher failed to start", "err", err)
	} else {
		defer watcher.Stop()
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.API.Addr
	}
	fmt.Printf("session %s on %s\n", svc.session.ID(), addr)
	fmt.Printf("  http://%s/api/v1/usage\n", addr)
	fmt.Printf("  ws://%s/api/v1/events/ws\n", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
