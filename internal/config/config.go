package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	// External pairing backend.
	BackendURL string
	PushURL    string // optional; empty disables the push consumer

	// Pairing engine tunables.
	QuickPollInterval  time.Duration
	QuickPollAttempts  int
	SteadyPollInterval time.Duration
	StartSettleDelay   time.Duration
	StartDeadline      time.Duration

	// Optional JSON file persisting linked devices across restarts.
	LinkedStateFile string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               3000,
		GinMode:            "release",
		TokenExpiry:        7 * 24 * time.Hour,
		QuickPollInterval:  500 * time.Millisecond,
		QuickPollAttempts:  30,
		SteadyPollInterval: 5 * time.Second,
		StartSettleDelay:   500 * time.Millisecond,
		StartDeadline:      10 * time.Second,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	cfg.BackendURL = env.Getenv("PAIR_BACKEND_URL")
	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("PAIR_BACKEND_URL is required")
	}
	cfg.PushURL = env.Getenv("PAIR_PUSH_URL")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.LinkedStateFile = env.Getenv("LINKED_STATE_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("QUICK_POLL_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid QUICK_POLL_INTERVAL_MS")
		}
		cfg.QuickPollInterval = time.Duration(ms) * time.Millisecond
	}

	if raw := env.Getenv("QUICK_POLL_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid QUICK_POLL_ATTEMPTS")
		}
		cfg.QuickPollAttempts = n
	}

	if raw := env.Getenv("STEADY_POLL_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid STEADY_POLL_INTERVAL_MS")
		}
		cfg.SteadyPollInterval = time.Duration(ms) * time.Millisecond
	}

	if raw := env.Getenv("START_DEADLINE_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid START_DEADLINE_MS")
		}
		cfg.StartDeadline = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
