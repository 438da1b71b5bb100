package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teleconsult/native/internal/config"
	"teleconsult/native/internal/hub"
	"teleconsult/native/internal/logging"
)

const helpText = `signalhub - Topic relay for teleconsult call signaling

Usage:
  signalhub

Clients connect to /ws and subscribe to topics; broadcasts on a topic are
relayed to every other subscriber. /healthz reports topic membership.

Environment Variables:
  HUB_ADDR             Listen address (default :8080)
  HUB_ALLOWED_ORIGINS  Comma-separated browser origins (default any)
  CONSULT_LOG_LEVEL    debug, info, warn, error (default info)

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg := config.LoadHub()
	l := logging.NewStderr(cfg.LogLevel).With().Str("component", "signalhub").Logger()

	h := hub.New(l)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           hub.NewServer(h, l, cfg.AllowedOrigins...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info().Str("addr", cfg.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when the process exits.
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("server forced to shutdown")
	}
	l.Info().Msg("server exited")
}
