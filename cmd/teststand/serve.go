package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MickyRosa/VisTrain2.0/internal/api"
	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control service",
	Long:  `Starts the test stand service: the REST API, the SSE telemetry stream and the metrics endpoint.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.API.Addr = addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info(ctx, "starting teststand", logging.String("version", version))
		svc, err := newService(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer svc.close(context.Background())

		verifier, err := auth.NewVerifierFromConfig(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		authMiddleware := auth.NewMiddleware(nil)
		if verifier != nil {
			authMiddleware = auth.NewMiddleware(verifier)
		} else {
			log.Warn(ctx, "token verification disabled; every request acts as the local operator")
		}

		opts := []api.Option{
			api.WithConfig(cfg.API),
			api.WithAuth(authMiddleware),
			api.WithLogger(log),
			api.WithVersion(version),
			api.WithStopTimeout(2 * cfg.Timing.StopTimeout),
		}
		if cfg.Metrics.Enabled {
			opts = append(opts, api.WithMetrics(svc.metrics, cfg.Metrics.Path))
		}
		server := api.NewServer(svc.orch, svc.registry, svc.hub, svc.sessions, opts...)

		svc.start(ctx)

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.Start()
		}()
		log.Info(ctx, "teststand started",
			logging.String("health", fmt.Sprintf("http://localhost%s/api/v1/health", cfg.API.Addr)))

		select {
		case err := <-serverErr:
			return err
		case <-ctx.Done():
			log.Info(context.Background(), "shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "http server stop failed", logging.Err(err))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides api.addr")
}
