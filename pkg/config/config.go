package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"whoisrdap/pkg/model"
)

// Environment variables read by Load
const (
	EnvStore        = "WHOISRDAP_STORE"
	EnvTTL          = "WHOISRDAP_TTL"
	EnvFetchTimeout = "WHOISRDAP_FETCH_TIMEOUT"
	EnvRDAPBase     = "WHOISRDAP_RDAP_BASE"
	EnvUserAgent    = "WHOISRDAP_USER_AGENT"
	EnvRateLimit    = "WHOISRDAP_RATE_LIMIT"
	EnvMaxAttempts  = "WHOISRDAP_MAX_ATTEMPTS"
	EnvWorkers      = "WHOISRDAP_WORKERS"
	EnvMMDBASN      = "WHOISRDAP_MMDB_ASN"
	EnvMMDBCountry  = "WHOISRDAP_MMDB_COUNTRY"
	EnvListen       = "WHOISRDAP_LISTEN"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
)

// Load reads envFile (if it exists) into the environment and builds a
// Config from model.DefaultConfig overridden by the environment. Variables
// already set in the process take precedence over the file.
func Load(envFile string) (model.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return model.Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment
func FromEnv() (model.Config, error) {
	cfg := model.DefaultConfig()
	var err error

	cfg.StoreEndpoint = envOrDefault(EnvStore, cfg.StoreEndpoint)
	cfg.RDAPBaseURL = envOrDefault(EnvRDAPBase, cfg.RDAPBaseURL)
	cfg.UserAgent = envOrDefault(EnvUserAgent, cfg.UserAgent)
	cfg.MMDBASNPath = envOrDefault(EnvMMDBASN, cfg.MMDBASNPath)
	cfg.MMDBCountryPath = envOrDefault(EnvMMDBCountry, cfg.MMDBCountryPath)
	cfg.ListenAddr = envOrDefault(EnvListen, cfg.ListenAddr)
	cfg.LogLevel = envOrDefault(EnvLogLevel, cfg.LogLevel)

	if cfg.FreshnessHorizon, err = envDuration(EnvTTL, cfg.FreshnessHorizon); err != nil {
		return cfg, err
	}
	if cfg.FetchTimeout, err = envDuration(EnvFetchTimeout, cfg.FetchTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimit, err = envFloat(EnvRateLimit, cfg.RateLimit); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = envInt(EnvMaxAttempts, cfg.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = envInt(EnvWorkers, cfg.Workers); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// ParseDuration accepts Go duration syntax, a number of seconds, or a
// number of days with a "d" suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return def, fmt.Errorf("%s: negative duration %q", key, v)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}
