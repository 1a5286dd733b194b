package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"garagechat/internal/chat"
	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

// RelayConfig defines how the websocket relay should run.
type RelayConfig struct {
	Addr         string
	DBPath       string
	NATSURL      string
	NATSPrefix   string
	HistoryLimit int
	Env          string
	LogLevel     string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Identity  room.Identity
	Role      protocol.Role
	Token     string
	Env       string
	LogLevel  string
	LogFile   string
	Backoff   chat.Backoff
	Dedupe    chat.DedupePolicy
}

// Validate fills defaults and rejects configurations the relay cannot run.
func (c *RelayConfig) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history limit must not be negative, got %d", c.HistoryLimit)
	}
	if c.NATSURL != "" && !strings.Contains(c.NATSURL, "://") {
		return fmt.Errorf("nats url %q has no scheme", c.NATSURL)
	}
	return nil
}

// LoadClientConfig reads the client settings from GARAGECHAT_* variables.
// Flags parsed on top of the result take precedence.
func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL: EnvOrDefault("GARAGECHAT_SERVER", "ws://localhost:8080"),
		Identity:  room.Identity(os.Getenv("GARAGECHAT_IDENTITY")).Normalize(),
		Role:      protocol.Role(EnvOrDefault("GARAGECHAT_ROLE", string(protocol.RoleUser))),
		Token:     os.Getenv("GARAGECHAT_TOKEN"),
		Env:       EnvOrDefault("GARAGECHAT_ENV", "production"),
		LogLevel:  EnvOrDefault("GARAGECHAT_LOG_LEVEL", "info"),
		LogFile:   os.Getenv("GARAGECHAT_LOG_FILE"),
	}
	backoff, err := backoffFromEnv()
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.Backoff = backoff
	if cfg.Dedupe, err = ParseDedupe(EnvOrDefault("GARAGECHAT_DEDUPE", "auto")); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ParseDedupe maps auto, off and peer to a list dedupe policy.
func ParseDedupe(raw string) (chat.DedupePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return chat.DedupeAuto, nil
	case "off", "none":
		return chat.DedupeOff, nil
	case "peer":
		return chat.DedupeByPeer, nil
	}
	return chat.DedupeAuto, fmt.Errorf("unknown dedupe policy %q", raw)
}

// Validate rejects a client configuration that cannot open a session.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server URL is required"))
	} else if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, fmt.Errorf("server URL %q must use ws:// or wss://", c.ServerURL))
	}
	if c.Identity.IsZero() {
		errs = append(errs, errors.New("identity is required"))
	}
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", protocol.RoleUser, protocol.RoleWorkshop, c.Role))
	}
	return errors.Join(errs...)
}

// backoffFromEnv keeps the fixed 3s retry unless GARAGECHAT_RECONNECT_MAX
// asks for exponential backoff.
func backoffFromEnv() (chat.Backoff, error) {
	delay, err := durationEnv("GARAGECHAT_RECONNECT_DELAY", chat.DefaultReconnectDelay)
	if err != nil {
		return chat.Backoff{}, err
	}
	maxDelay, err := durationEnv("GARAGECHAT_RECONNECT_MAX", 0)
	if err != nil {
		return chat.Backoff{}, err
	}
	backoff := chat.FixedBackoff(delay)
	if maxDelay > 0 {
		if maxDelay < delay {
			return chat.Backoff{}, fmt.Errorf("GARAGECHAT_RECONNECT_MAX (%s) is below GARAGECHAT_RECONNECT_DELAY (%s)", maxDelay, delay)
		}
		backoff = chat.ExponentialBackoff(delay, maxDelay)
	}
	if raw := os.Getenv("GARAGECHAT_RECONNECT_MAX_ATTEMPTS"); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil || attempts < 0 {
			return chat.Backoff{}, fmt.Errorf("GARAGECHAT_RECONNECT_MAX_ATTEMPTS: invalid value %q", raw)
		}
		backoff.MaxAttempts = attempts
	}
	return backoff, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

// EnvOrDefault returns the variable's value, or fallback when it is unset.
func EnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// DefaultDBPath returns a per-user data path for the relay's SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("GARAGECHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("GARAGECHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "garagechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "garagechat", "garagechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "GarageChat", "garagechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "GarageChat", "garagechat.db")
		}
		return filepath.Join(home, ".local", "share", "garagechat", "garagechat.db")
	}
	return filepath.Join(".", ".garagechat", "garagechat.db")
}
