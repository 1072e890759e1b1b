package folio

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const defaultReconnectDelay = 3 * time.Second

// Config carries the environment-level settings for the client.
type Config struct {
	// APIBaseURL is the REST endpoint root, e.g. https://api.example.com.
	APIBaseURL string
	// StreamURL is the realtime price endpoint. Derived from APIBaseURL when
	// unset: the scheme mirrors the API scheme (http -> ws, https -> wss).
	StreamURL string
	// RedisURL selects Redis-backed session storage when set.
	RedisURL string
	// SessionPath is the directory for file-backed session storage. Used only
	// when RedisURL is empty.
	SessionPath string
	// ReconnectDelay is the fixed delay between price stream reconnect
	// attempts.
	ReconnectDelay time.Duration
}

// LoadConfig reads configuration from a .env file (if present) and the
// environment.
func LoadConfig(logger zerolog.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file found, using environment only")
	}

	cfg := Config{
		APIBaseURL:     strings.TrimRight(os.Getenv("FOLIO_API_URL"), "/"),
		StreamURL:      os.Getenv("FOLIO_STREAM_URL"),
		RedisURL:       os.Getenv("FOLIO_REDIS_URL"),
		SessionPath:    os.Getenv("FOLIO_SESSION_PATH"),
		ReconnectDelay: defaultReconnectDelay,
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("FOLIO_API_URL is not set")
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = StreamURLFromAPI(cfg.APIBaseURL)
	}

	if raw := os.Getenv("FOLIO_RECONNECT_DELAY"); raw != "" {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FOLIO_RECONNECT_DELAY: %w", err)
		}
		cfg.ReconnectDelay = delay
	}

	logger.Debug().
		Str("api_url", cfg.APIBaseURL).
		Str("stream_url", cfg.StreamURL).
		Bool("redis_storage", cfg.RedisURL != "").
		Msg("configuration loaded")

	return cfg, nil
}

// StreamURLFromAPI derives the websocket price endpoint from the REST base
// URL, mirroring the scheme: https becomes wss, http becomes ws.
func StreamURLFromAPI(apiBaseURL string) string {
	streamURL := apiBaseURL
	streamURL = strings.Replace(streamURL, "https://", "wss://", 1)
	streamURL = strings.Replace(streamURL, "http://", "ws://", 1)
	return streamURL + "/ws/prices"
}

// NewSessionStorage selects the storage backend from configuration: Redis
// when a URL is configured, a local file otherwise.
func NewSessionStorage(cfg Config) (SessionStorage, error) {
	if cfg.RedisURL != "" {
		return NewRedisSessionStorage(cfg.RedisURL)
	}
	return NewFileSessionStorage(cfg.SessionPath), nil
}
