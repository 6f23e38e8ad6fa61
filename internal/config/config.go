package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/cheese-sync/internal/obslog"
)

type AppConfig struct {
	APIBaseURL string
	WSURL      string
	TickWSURL  string

	Token  string
	UserID string

	RedisURL    string
	CacheTTLSec int

	Difficulty       string
	ComputerDelay    time.Duration
	ComputeAttempts  int
	ComputeBackoff   time.Duration
	PollInterval     time.Duration
	FreshnessWindow  time.Duration
	TimerSyncEvery   time.Duration
	TickPeriod       time.Duration
	ResurrectAfter   time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	HTTPTimeout      time.Duration
	MessageOverrides string
	Lang             string

	Log obslog.Config
}

// LoadDotEnv reads a .env file when present. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		CacheTTLSec:     3600,
		Difficulty:      "level3",
		ComputerDelay:   600 * time.Millisecond,
		ComputeAttempts: 3,
		ComputeBackoff:  2 * time.Second,
		PollInterval:    3 * time.Second,
		FreshnessWindow: 10 * time.Second,
		TimerSyncEvery:  15 * time.Second,
		TickPeriod:      100 * time.Millisecond,
		ResurrectAfter:  5 * time.Second,
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		PingInterval:    15 * time.Second,
		HTTPTimeout:     10 * time.Second,
		Lang:            "en",
		Log: obslog.Config{
			Level:   "info",
			Format:  "legacy",
			Console: true,
		},
	}

	cfg.APIBaseURL = strings.TrimSpace(os.Getenv("SYNC_API_BASE_URL"))
	cfg.WSURL = strings.TrimSpace(os.Getenv("SYNC_WS_URL"))
	cfg.TickWSURL = strings.TrimSpace(os.Getenv("SYNC_TICK_WS_URL"))
	cfg.Token = strings.TrimSpace(os.Getenv("SYNC_TOKEN"))
	cfg.UserID = strings.TrimSpace(os.Getenv("SYNC_USER_ID"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.MessageOverrides = strings.TrimSpace(os.Getenv("SYNC_MESSAGES_DIR"))
	if v := strings.TrimSpace(os.Getenv("SYNC_LANG")); v != "" {
		cfg.Lang = strings.ToLower(v)
	}

	if v := strings.TrimSpace(os.Getenv("SYNC_CACHE_TTL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheTTLSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_DIFFICULTY")); v != "" {
		cfg.Difficulty = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_COMPUTE_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ComputeAttempts = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNC_COMPUTER_DELAY", &cfg.ComputerDelay},
		{"SYNC_COMPUTE_BACKOFF", &cfg.ComputeBackoff},
		{"SYNC_POLL_INTERVAL", &cfg.PollInterval},
		{"SYNC_FRESHNESS_WINDOW", &cfg.FreshnessWindow},
		{"SYNC_TIMER_SYNC_INTERVAL", &cfg.TimerSyncEvery},
		{"SYNC_TICK_PERIOD", &cfg.TickPeriod},
		{"SYNC_RESURRECT_AFTER", &cfg.ResurrectAfter},
		{"SYNC_RECONNECT_BASE", &cfg.ReconnectBase},
		{"SYNC_RECONNECT_MAX", &cfg.ReconnectMax},
		{"SYNC_PING_INTERVAL", &cfg.PingInterval},
		{"SYNC_HTTP_TIMEOUT", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		if v := strings.TrimSpace(os.Getenv(d.key)); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil && parsed >= 0 {
				*d.dst = parsed
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_TO_CONSOLE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Console = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_CALLER")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Caller = b
		}
	}
	cfg.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))

	if cfg.APIBaseURL == "" {
		return nil, errors.New("SYNC_API_BASE_URL is required")
	}
	if cfg.WSURL == "" {
		return nil, errors.New("SYNC_WS_URL is required")
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return nil, errors.New("SYNC_RECONNECT_MAX must not be below SYNC_RECONNECT_BASE")
	}

	return cfg, nil
}

// CacheTTL returns the snapshot cache TTL.
func (c *AppConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// Headers returns the HTTP headers carrying the credential.
func (c *AppConfig) Headers() map[string]string {
	h := map[string]string{}
	if c.Token != "" {
		h["Authorization"] = "Bearer " + c.Token
	}
	if c.UserID != "" {
		h["X-User-Id"] = c.UserID
	}
	return h
}
