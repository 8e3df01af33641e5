/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and configuration
  2. Configure logging
  3. Initialize the store (SQLite, or in-memory for DB_PATH=":memory:")
  4. Create the coordinator, API handler and router
  5. Start the conservation audit scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  DB_PATH=./data/leave.db ./server

  # Run with in-memory store
  DB_PATH=":memory:" ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/leave"
	leavestore "github.com/warp/leave-engine/leave/store"
	"github.com/warp/leave-engine/logger"
	"github.com/warp/leave-engine/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Setup(cfg.LogLevel, cfg.IsProduction())
	log := logger.New("server")

	store, ping, closeStore, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	defer closeStore()

	allotment := cfg.Allotment()
	coord := leave.NewCoordinator(store, leave.Options{
		Allotment: &allotment,
		Location:  cfg.Location(),
		Logger:    logger.New("leave"),
	})

	handler := api.NewHandler(coord, api.NewAuthenticator(cfg.JWTSecret, 24*time.Hour))
	handler.Ping = ping
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Scenarios:      !cfg.IsProduction(),
	})

	scheduler := api.NewAuditScheduler(coord, cfg.AuditInterval)
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"db":       cfg.DBPath,
			"timezone": cfg.Timezone,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	scheduler.Stop()

	log.Info("Server stopped")
}

// openStore selects the backing store from DB_PATH.
func openStore(cfg *config.Config) (leave.Store, func(context.Context) error, func(), error) {
	if cfg.InMemory() {
		return leavestore.NewMemory(), nil, func() {}, nil
	}
	s, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, s.Ping, func() { s.Close() }, nil
}
