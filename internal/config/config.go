package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "DENTICORE_"

// Config carries every environment-driven setting of the trust core.
type Config struct {
	Addr string

	AuthSecret string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	LoginMaxFailures int
	LoginWindow      time.Duration

	PasswordMinLength int
	RequireMixedCase  bool
	RequireDigit      bool
	RequireSymbol     bool

	PGDSN string

	WSAllowedOrigins []string
	ChannelTimeout   time.Duration
}

// FromEnv reads DENTICORE_* variables, applying defaults where a value is absent.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              envString("ADDR", ":8080"),
		AuthSecret:        envString("AUTH_SECRET", ""),
		PGDSN:             envString("PG_DSN", ""),
		WSAllowedOrigins:  envList("WS_ALLOWED_ORIGINS"),
		PasswordMinLength: 8,
		RequireMixedCase:  envBool("PASSWORD_REQUIRE_MIXED_CASE", true),
		RequireDigit:      envBool("PASSWORD_REQUIRE_DIGIT", true),
		RequireSymbol:     envBool("PASSWORD_REQUIRE_SYMBOL", false),
		LoginMaxFailures:  5,
	}

	var err error
	if cfg.AccessTTL, err = envDuration("ACCESS_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("REFRESH_TTL", 14*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LoginWindow, err = envDuration("LOGIN_WINDOW", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ChannelTimeout, err = envDuration("CHANNEL_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LoginMaxFailures, err = envInt("LOGIN_MAX_FAILURES", 5); err != nil {
		return Config{}, err
	}
	if cfg.PasswordMinLength, err = envInt("PASSWORD_MIN_LENGTH", 8); err != nil {
		return Config{}, err
	}

	if cfg.AuthSecret == "" {
		return Config{}, errors.New("config: " + envPrefix + "AUTH_SECRET is required")
	}
	if cfg.LoginMaxFailures < 1 {
		return Config{}, errors.New("config: login max failures must be at least 1")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}
