// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/pkg/errors"
)

// Config of the focus server, read from the environment.
type Config struct {
	// Port to listen on (APP_PORT), 5001 by default.
	Port string

	// Env (APP_ENV) is "development", "production" or "test".
	Env string

	// ModelDir (MODEL_DIR) is the exported model, or a training checkpoint, to serve.
	ModelDir string

	// AllowedOrigins (ALLOWED_ORIGINS) for CORS, comma separated. "*" by default.
	AllowedOrigins string

	// SmoothingWindow (SMOOTHING_WINDOW) is the number of frames voted over in websocket streams.
	SmoothingWindow int

	// RateLimit (RATE_LIMIT) is the number of requests per second allowed per client IP, 0 to disable.
	RateLimit float64
	RateBurst int

	// JWTSecret (JWT_SECRET) verifies the tokens of the sessions routes.
	JWTSecret string

	// DatabaseURL (DATABASE_URL) enables the sessions routes, stored in PostgreSQL.
	DatabaseURL string

	// RedisAddr (REDIS_ADDR), if set, caches the active sessions.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LogLevel (LOG_LEVEL) and LogFile (LOG_FILE) configure the logger.
	LogLevel string
	LogFile  string

	// RequestTimeout bounds the handling of each request (REQUEST_TIMEOUT, a Go duration).
	RequestTimeout time.Duration
}

// DefaultConfig returns the configuration used when no environment variable is set.
func DefaultConfig() Config {
	return Config{
		Port:            "5001",
		Env:             "development",
		ModelDir:        "~/work/focusnet/model",
		AllowedOrigins:  "*",
		SmoothingWindow: classifier.DefaultWindow,
		RateLimit:       20,
		RateBurst:       40,
		LogLevel:        "info",
		RequestTimeout:  10 * time.Second,
	}
}

// LoadConfig reads the configuration from the environment, after loading the given .env files
// (or ".env", if none is given). Missing .env files are ignored.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "failed to load %q", file)
		}
	}

	cfg := DefaultConfig()
	setString(&cfg.Port, "APP_PORT")
	setString(&cfg.Env, "APP_ENV")
	setString(&cfg.ModelDir, "MODEL_DIR")
	setString(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")

	var err error
	if value := os.Getenv("SMOOTHING_WINDOW"); value != "" {
		if cfg.SmoothingWindow, err = strconv.Atoi(value); err != nil || cfg.SmoothingWindow <= 0 {
			return Config{}, errors.Errorf("invalid SMOOTHING_WINDOW=%q: must be a positive integer", value)
		}
	}
	if value := os.Getenv("RATE_LIMIT"); value != "" {
		if cfg.RateLimit, err = strconv.ParseFloat(value, 64); err != nil || cfg.RateLimit < 0 {
			return Config{}, errors.Errorf("invalid RATE_LIMIT=%q: must be a non-negative number", value)
		}
		cfg.RateBurst = max(1, int(2*cfg.RateLimit))
	}
	if value := os.Getenv("REDIS_DB"); value != "" {
		if cfg.RedisDB, err = strconv.Atoi(value); err != nil {
			return Config{}, errors.Wrapf(err, "invalid REDIS_DB=%q", value)
		}
	}
	if value := os.Getenv("REQUEST_TIMEOUT"); value != "" {
		if cfg.RequestTimeout, err = time.ParseDuration(value); err != nil {
			return Config{}, errors.Wrapf(err, "invalid REQUEST_TIMEOUT=%q", value)
		}
	}
	if cfg.DatabaseURL != "" && cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET must be set when DATABASE_URL enables the sessions routes")
	}
	return cfg, nil
}

func setString(field *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*field = value
	}
}
