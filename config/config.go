// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with no setup beyond a Twitch login.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultTwitchClientID is the public client id registered for the device flow.
	DefaultTwitchClientID = "t1tug446aluj8yvplzs9n0mhw3xo5n"
	// PredictionScopes are always requested.
	PredictionScopes = "channel:read:predictions channel:manage:predictions"
	// ChatScope is added when chat announcements are enabled.
	ChatScope = "chat:edit"

	DefaultPredictionTitle = "STRAFTAT Match Winner"
	DefaultHTTPAddr        = "127.0.0.1:8787"
)

type Config struct {
	// Twitch
	TwitchClientID string `validate:"required"`
	TwitchScopes   string `validate:"required"`

	// Predictions
	PredictionTitle string `validate:"required,max=45"`
	Window          WindowConfig

	// Credential timing
	Refresh RefreshConfig

	// Control API
	HTTPAddr     string `validate:"required"`
	ControlToken string

	// Operator convenience
	OpenBrowser  bool
	ChatAnnounce bool

	// Audit store (optional)
	DBDsn string

	ShutdownCancelTimeout time.Duration `validate:"gt=0"`
}

// WindowConfig bounds the prediction window:
// clamp(Base + PerParticipantRound * participants * roundsToWin, Min, Max).
type WindowConfig struct {
	Base                int `validate:"gte=0"`
	PerParticipantRound int `validate:"gte=0"`
	Min                 int `validate:"gt=0"`
	Max                 int `validate:"gtefield=Min"`
}

// RefreshConfig drives the token refresh loop.
type RefreshConfig struct {
	Margin        time.Duration `validate:"gt=0"` // refresh when remaining lifetime <= Margin
	DeferInterval time.Duration `validate:"gt=0"` // re-check delay while a prediction is busy
	NoTokenWait   time.Duration `validate:"gt=0"` // wake delay before any refresh token is held
	MinWait       time.Duration `validate:"gt=0"` // lower bound on the wake delay
}

// DefaultWindow returns the platform bounds (60..1800 s, 60 + 15*participants*rounds).
func DefaultWindow() WindowConfig {
	return WindowConfig{Base: 60, PerParticipantRound: 15, Min: 60, Max: 1800}
}

// DefaultRefresh returns the refresh timing used in production.
func DefaultRefresh() RefreshConfig {
	return RefreshConfig{
		Margin:        1800 * time.Second,
		DeferInterval: 30 * time.Second,
		NoTokenWait:   10 * time.Second,
		MinWait:       30 * time.Second,
	}
}

// Load reads environment variables and applies defaults. Only malformed values fail;
// missing optional variables disable features (audit store, chat announcements).
func Load() (*Config, error) {
	cfg := &Config{
		Window:                DefaultWindow(),
		Refresh:               DefaultRefresh(),
		ShutdownCancelTimeout: 5 * time.Second,
	}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	if cfg.TwitchClientID == "" {
		cfg.TwitchClientID = DefaultTwitchClientID
	}

	cfg.PredictionTitle = strings.TrimSpace(os.Getenv("PREDICTION_TITLE"))
	if cfg.PredictionTitle == "" {
		cfg.PredictionTitle = DefaultPredictionTitle
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	cfg.ControlToken = os.Getenv("CONTROL_TOKEN")

	var err error
	if cfg.OpenBrowser, err = envBool("OPEN_BROWSER", true); err != nil {
		return nil, err
	}
	if cfg.ChatAnnounce, err = envBool("CHAT_ANNOUNCE", false); err != nil {
		return nil, err
	}
	cfg.TwitchScopes = PredictionScopes
	if cfg.ChatAnnounce {
		cfg.TwitchScopes += " " + ChatScope
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	if v := os.Getenv("SHUTDOWN_CANCEL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_CANCEL_TIMEOUT: %w", err)
		}
		cfg.ShutdownCancelTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s (bool): %w", key, err)
	}
	return b, nil
}
