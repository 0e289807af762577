package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Port           string
	Stage          string
	LogLevel       string
	RateLimitRPS   float64
	RateLimitBurst int
	ResetWeekday   time.Weekday
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return Config{}, errors.Wrapf(err, "load %s", f)
		}
	}

	cfg := Config{
		Port:     getEnv("SERVICE_PORT", "8084"),
		Stage:    getEnv("STAGE", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "10"), 64); err != nil {
		return Config{}, errors.Wrap(err, "RATE_LIMIT_RPS")
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "20")); err != nil {
		return Config{}, errors.Wrap(err, "RATE_LIMIT_BURST")
	}
	if cfg.ResetWeekday, err = ParseWeekday(getEnv("MANDATE_RESET_WEEKDAY", "monday")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return time.Monday, errors.Errorf("MANDATE_RESET_WEEKDAY: unknown weekday %q", s)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
