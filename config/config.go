// Package config loads server settings from the environment.
package config

import (
	"os"
	"time"
)

type Config struct {
	Addr string

	// StoreBackend selects persistence: memory, firestore or postgres.
	StoreBackend     string
	FirestoreProject string
	DatabaseURL      string

	// RedisURL enables the redis session store; empty keeps sessions in
	// memory.
	RedisURL string

	TokenSecret string
	SessionTTL  time.Duration

	FlushInterval time.Duration
	LogLevel      string
}

func Load() Config {
	return Config{
		Addr:             getenv("ADDR", ":8080"),
		StoreBackend:     getenv("STORE_BACKEND", "memory"),
		FirestoreProject: os.Getenv("FIRESTORE_PROJECT"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TokenSecret:      getenv("TOKEN_SECRET", "dev-secret-change-me"),
		SessionTTL:       getdur("SESSION_TTL", 24*time.Hour),
		FlushInterval:    getdur("FLUSH_INTERVAL", 30*time.Second),
		LogLevel:         getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
