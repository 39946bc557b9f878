// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseDSN   string // empty selects the in-memory stores
	JWTSecret     string
	RelayEndpoint string // websocket base clients are pointed at
	Hub           string
	LobbyTTL      time.Duration
}

func Load() *Config {
	_ = godotenv.Load() // missing .env is fine

	return &Config{
		Addr:          getEnv("ADDR", ":8080"),
		DatabaseDSN:   getEnv("DATABASE_DSN", ""),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		RelayEndpoint: getEnv("RELAY_ENDPOINT", "ws://localhost:8080"),
		Hub:           getEnv("PUBSUB_HUB", "lobby"),
		LobbyTTL:      time.Duration(getEnvInt("LOBBY_TTL_MINUTES", 30)) * time.Minute,
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
