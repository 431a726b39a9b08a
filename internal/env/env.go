// Package env reads typed configuration values from environment variables,
// each falling back to a caller-supplied default when unset or unparsable.
package env

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// Int returns the integer value of key, or fallback if unset or unparsable.
func Int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("env: invalid int value, using fallback", "key", key, "value", val)
		return fallback
	}
	return n
}

// Float returns the float64 value of key, or fallback if unset or unparsable.
func Float(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("env: invalid float value, using fallback", "key", key, "value", val)
		return fallback
	}
	return f
}

// Bool returns the boolean value of key, or fallback if unset or unparsable.
func Bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("env: invalid bool value, using fallback", "key", key, "value", val)
		return fallback
	}
	return b
}

// Duration returns the time.Duration value of key parsed via
// time.ParseDuration (e.g. "20ms", "1500ms", "30s"), or fallback if unset
// or unparsable.
func Duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("env: invalid duration value, using fallback", "key", key, "value", val)
		return fallback
	}
	return d
}
