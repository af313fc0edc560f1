package rideid

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	envAPIBaseURL     = "RIDEID_API_BASE_URL"
	envRequestTimeout = "RIDEID_REQUEST_TIMEOUT"
	envRefreshBuffer  = "RIDEID_REFRESH_BUFFER"
	envMaxImageBytes  = "RIDEID_MAX_IMAGE_BYTES"
	envRedisURL       = "RIDEID_REDIS_URL"
	envStorePath      = "RIDEID_STORE_PATH"
)

// ConfigFromEnv reads a Config from RIDEID_* environment variables.
// Durations accept time.ParseDuration syntax.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIBaseURL: os.Getenv(envAPIBaseURL),
		RedisURL:   os.Getenv(envRedisURL),
		StorePath:  os.Getenv(envStorePath),
	}

	if v := os.Getenv(envRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envRequestTimeout, err)
		}
		cfg.RequestTimeout = d
	}

	if v := os.Getenv(envRefreshBuffer); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envRefreshBuffer, err)
		}
		cfg.RefreshBuffer = d
	}

	if v := os.Getenv(envMaxImageBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envMaxImageBytes, err)
		}
		cfg.MaxFaceImageBytes = n
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("%s must be set", envAPIBaseURL)
	}
	return cfg.withDefaults(), nil
}
