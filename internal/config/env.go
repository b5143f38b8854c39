package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Env is the process environment of the serve command.
type Env struct {
	DB            string
	HTTPAddr      string
	LogLevel      string
	ConfigPath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Env {
	return Env{
		DB:            envDefault("GOVOS_DB", "govos.db"),
		HTTPAddr:      envDefault("GOVOS_HTTP_ADDR", ":8080"),
		LogLevel:      envDefault("GOVOS_LOG_LEVEL", "info"),
		ConfigPath:    os.Getenv("GOVOS_CONFIG"),
		RedisAddr:     os.Getenv("GOVOS_REDIS_ADDR"),
		RedisPassword: os.Getenv("GOVOS_REDIS_PASSWORD"),
		RedisDB:       envIntDefault("GOVOS_REDIS_DB", 0),
	}
}

// SlogLevel maps LogLevel to a slog level; unknown names mean info.
func (e Env) SlogLevel() slog.Level {
	switch strings.ToLower(e.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
