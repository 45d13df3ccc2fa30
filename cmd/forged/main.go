// Command forged runs one forge node: cluster member, job worker, cron
// scheduler, workflow engine, and WebSocket gateway in a single process.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/forge"
	"github.com/forgelabs/forge/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	otelEnabled := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	telemetry, err := observability.Setup(ctx, "forge", forge.Version, otelEnabled)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	slog.SetDefault(telemetry.Logger)

	node, err := forge.New(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("node init: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", node.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTP.Listen)
		httpErr <- server.ListenAndServe()
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(ctx)
	}()

	var nodeErr error
	nodeDone := false
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		slog.Error("http server failed", "error", err)
		stop()
	case nodeErr = <-runErr:
		nodeDone = true
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http shutdown failed", "error", err)
	}
	if !nodeDone {
		nodeErr = <-runErr
	}
	if nodeErr != nil {
		slog.Error("node shutdown failed", "error", nodeErr)
	}
	if err := node.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}

	slog.Info("forged stopped")
}
