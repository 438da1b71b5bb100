package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/config"
	"teleconsult/native/internal/logging"
)

const helpText = `teleconsult - One-to-one audio/video consultation calls over WebRTC

Usage:
  teleconsult call [options] <conversation> <remote-user>
  teleconsult listen [options]
  teleconsult history [options] <conversation>

Commands:
  call     Start a call in a conversation and stay in it until it ends
  listen   Wait for incoming calls and answer them
  history  Print the call history of a conversation

Environment Variables:
  CONSULT_USER_ID            Local participant id (required)
  CONSULT_USER_NAME          Display name shown to the callee
  CONSULT_SIGNAL_URL         signalhub websocket url (default ws://localhost:8080/ws)
  CONSULT_ICE_SERVERS_JSON   ICE server list as JSON
  CONSULT_ICE_URL            Endpoint returning short-lived ICE servers
  CONSULT_AUDIO_FILE         Ogg/Opus file used as the microphone
  CONSULT_VIDEO_FILE         IVF/VP8 file used as the camera
  CONSULT_HISTORY_DB         sqlite call history (default ./data/calls.db)
  CONSULT_LOG_LEVEL          debug, info, warn, error (default info)

Examples:
  # Start the relay, then answer calls as the patient
  signalhub &
  CONSULT_USER_ID=patient-1 teleconsult listen -auto-accept

  # Call the patient with video for one minute
  CONSULT_USER_ID=doctor-1 CONSULT_VIDEO_FILE=clip.ivf \
    teleconsult call -type video -for 1m consult-42 patient-1

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "teleconsult: %v\n", err)
		os.Exit(2)
	}
	l := logging.NewStderr(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		l.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "call":
		err = runCall(ctx, cfg, l, args)
	case "listen":
		err = runListen(ctx, cfg, l, args)
	case "history":
		err = runHistory(ctx, cfg, l, args)
	default:
		fmt.Fprintf(os.Stderr, "teleconsult: unknown command %q\n\n%s", cmd, helpText)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		l.Error().Err(err).Str("command", cmd).Msg("failed")
		os.Exit(1)
	}
}

func usage(fs *flag.FlagSet, synopsis string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  teleconsult %s\n\nOptions:\n", synopsis)
		fs.PrintDefaults()
	}
}

func logFor(l zerolog.Logger, cmd string) zerolog.Logger {
	return l.With().Str("component", "main").Str("command", cmd).Logger()
}
