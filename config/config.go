package config

import (
	"os"
	"strings"
	"time"

	"courtsync/pkg/logger"
)

// Config carries the server knobs, read from COURTSYNC_* environment
// variables (a .env file is loaded by main before this runs).
type Config struct {
	ListenAddr string
	// JWTSecret enables token auth on every endpoint when set; rooms are
	// open otherwise.
	JWTSecret string
	// RoomTTL is how long an empty room's documents and highlights are
	// kept before the cleanup pass reaps them.
	RoomTTL time.Duration
}

func Load() Config {
	cfg := Config{
		ListenAddr: getenv("COURTSYNC_ADDR", ":8080"),
		JWTSecret:  getenv("COURTSYNC_JWT_SECRET", ""),
		RoomTTL:    time.Hour,
	}
	if raw := getenv("COURTSYNC_ROOM_TTL", ""); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			logger.Sugar.Warnf("invalid COURTSYNC_ROOM_TTL %q, keeping %s", raw, cfg.RoomTTL)
		} else {
			cfg.RoomTTL = ttl
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
