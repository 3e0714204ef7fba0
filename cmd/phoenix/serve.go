package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/config"
)

// runServe starts the control plane and blocks until SIGINT or SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PHOENIX_PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := cfg.RequireSecrets(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (run `phoenix keygen`)\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.SlogLevel()))
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := build(ctx, cfg, stdout)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()
	if rt.limiter != nil {
		go rt.limiter.Run(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           rt.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Deliberation waits on the generator; leave room past its timeout.
		WriteTimeout: cfg.GeneratorTimeout + 30*time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("phoenix listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}
