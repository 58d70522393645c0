package util

import (
	"os"
	"strconv"
	"strings"
)

// GetEnv returns the value of key, or "" if unset.
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetEnvDefault returns the value of key, or def if unset or empty.
func GetEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetIntEnv parses key as an integer, discarding invalid tokens as 0.
func GetIntEnv(key string) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// GetBoolEnv parses key as a boolean ("true"/"1" are true), anything else false.
func GetBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "true" || v == "1"
}
