package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"teleconsult/native/internal/domain"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the application configuration.
type Config struct {
	UserID   string
	UserName string

	SignalURL  string
	ICEServers []domain.ICEServer
	ICEURL     string
	ICEToken   string

	HistoryDB string
	AudioFile string
	VideoFile string

	ResubscribeDelay time.Duration
	EndedResetDelay  time.Duration
	RingTimeout      time.Duration

	LogLevel string
}

// HubConfig configures the signalhub server.
type HubConfig struct {
	Addr           string
	AllowedOrigins []string
	LogLevel       string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	userID := strings.TrimSpace(os.Getenv("CONSULT_USER_ID"))
	if userID == "" {
		return nil, fmt.Errorf("CONSULT_USER_ID environment variable is required")
	}

	iceServers, err := parseICEServersFromValues(
		os.Getenv(envICEServersJSON),
		getEnv(envStunURLs, defaultSTUN),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		UserID:     userID,
		UserName:   getEnv("CONSULT_USER_NAME", userID),
		SignalURL:  getEnv("CONSULT_SIGNAL_URL", "ws://localhost:8080/ws"),
		ICEServers: iceServers,
		ICEURL:     os.Getenv("CONSULT_ICE_URL"),
		ICEToken:   os.Getenv("CONSULT_ICE_TOKEN"),
		HistoryDB:  getEnv("CONSULT_HISTORY_DB", "./data/calls.db"),
		AudioFile:  os.Getenv("CONSULT_AUDIO_FILE"),
		VideoFile:  os.Getenv("CONSULT_VIDEO_FILE"),
		LogLevel:   getEnv("CONSULT_LOG_LEVEL", "info"),
	}

	if cfg.ResubscribeDelay, err = getDuration("CONSULT_RESUBSCRIBE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.EndedResetDelay, err = getDuration("CONSULT_ENDED_RESET_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RingTimeout, err = getDuration("CONSULT_RING_TIMEOUT", 0); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadHub reads the signalhub configuration.
func LoadHub() *HubConfig {
	_ = godotenv.Load()
	return &HubConfig{
		Addr:           getEnv("HUB_ADDR", ":8080"),
		AllowedOrigins: splitURLs(strings.Split(os.Getenv("HUB_ALLOWED_ORIGINS"), ",")),
		LogLevel:       getEnv("CONSULT_LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
