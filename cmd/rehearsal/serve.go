package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/rehearsal/internal/app"
)

func newServeCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API and WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile, cmd.Flags().Changed("env-file"))
		},
	}

	addEnvFlag(cmd, &envFile)
	return cmd
}

func runServe(parent context.Context, envFile string, envRequired bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(envFile, envRequired)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	log.Printf("voice providers: %s dialogue=%s", res.Providers.Detail, res.Providers.Dialogue)
	log.Printf("persona catalog: %d scenarios", len(res.Personas.IDs()))

	if err := res.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = res.Shutdown(shutdownCtx)
		return fmt.Errorf("start: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		if err := res.Shutdown(shutdownCtx); err != nil {
			log.Printf("session shutdown incomplete: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("shutdown complete")
	return nil
}
