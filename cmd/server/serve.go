package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"demuxd/internal/api"
	"demuxd/internal/fetch"
	"demuxd/internal/key"
	"demuxd/internal/metrics"
	"demuxd/internal/session"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP daemon",
	Long: `Serve the configured channels. A channel's demux session starts on the first
request for its master playlist and runs until it is removed or the daemon stops.

Examples:
  # Serve the channels of a config file
  demuxd serve -c configs/demuxd.example.yaml

  # Override the listen address and buffering knobs
  demuxd serve -c channels.json -l :9090 --min-buffering-time 10s --max-buffering-time 1m`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", ":8080", "HTTP listen address")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	serveCmd.Flags().Duration("min-buffering-time", 5*time.Second, "buffer level below which playback reports buffering")
	serveCmd.Flags().Duration("max-buffering-time", 30*time.Second, "buffer level at which downloading pauses")
	serveCmd.Flags().Float64("bandwidth-usage", 0.8, "fraction of the measured throughput usable for selection")
	serveCmd.Flags().Int("max-bitrate", 24_000_000, "upper bound of the selection target in bit/s")

	v.BindPFlag("server.addr", serveCmd.Flags().Lookup("listen"))
	v.BindPFlag("server.shutdown_timeout", serveCmd.Flags().Lookup("shutdown-timeout"))
	v.BindPFlag("engine.min_buffering_time", serveCmd.Flags().Lookup("min-buffering-time"))
	v.BindPFlag("engine.max_buffering_time", serveCmd.Flags().Lookup("max-buffering-time"))
	v.BindPFlag("engine.bandwidth_usage_fraction", serveCmd.Flags().Lookup("bandwidth-usage"))
	v.BindPFlag("engine.max_bitrate_cap", serveCmd.Flags().Lookup("max-bitrate"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Infof("Starting demuxd...")
	log.Infof("Configuration loaded successfully for: %s (%d channels)", cfg.Name, len(cfg.Channels))

	keyService, err := key.NewService(cfg)
	if err != nil {
		return err
	}
	client := fetch.NewClient(log, cfg.UserAgent, cfg.Engine.RequestTimeout)
	if cfg.Engine.FetchAttempts > 0 {
		client.Attempts = cfg.Engine.FetchAttempts
	}
	m := metrics.New()

	sessionMgr := session.NewManager(log, cfg, client, m)
	sessionMgr.Start()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(sessionMgr, keyService, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Infof("Server is shutting down...")
	case err := <-serverErr:
		sessionMgr.Stop()
		log.Errorf("Could not listen on %s: %v", cfg.Server.Addr, err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop accepting requests before the sessions feeding them go away
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	sessionMgr.Stop()

	log.Infof("Server exited gracefully")
	return nil
}
