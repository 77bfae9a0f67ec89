package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shoresquad/internal/logger"
	"shoresquad/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the current version and start serving",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := worker.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (origin %s, version %s, queue %s)\n",
			configPath, cfg.Server.Origin, cfg.Cache.Version, cfg.Queue.Backend)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := worker.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	svc, err := worker.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed install leaves pages uncontrolled; the worker keeps serving
	// and a later POST /__worker/install can retry.
	if err := svc.Start(ctx); err != nil {
		logger.Error("initial install failed", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("shoresquad listening", "addr", addr, "origin", cfg.Server.Origin, "version", cfg.Cache.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}
