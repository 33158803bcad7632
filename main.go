package main

import (
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"courtsync/config"
	"courtsync/pkg/logger"
	"courtsync/router"
	"courtsync/socket"
)

func main() {
	// Load .env file
	err := godotenv.Load()

	logger.Init(zapcore.InfoLevel)
	defer logger.Log.Sync()

	if err != nil {
		logger.Sugar.Info("No .env file found, using environment variables from OS")
	}

	cfg := config.Load()

	// The Hub is the central component that manages all clients and rooms.
	// Its event loop and the cleanup pass run in their own goroutines.
	hub := socket.NewHub(cfg.RoomTTL)
	go hub.Run()
	go hub.CleanupWorker(time.Minute)

	handler := router.Setup(hub, cfg.JWTSecret)

	logger.Sugar.Infof("courtsync room server listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		logger.Sugar.Fatalf("server stopped: %v", err)
	}
}
