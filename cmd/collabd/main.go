// Command collabd is the collaboration dispatch core's entrypoint: it wires
// together storage, the Redis-backed durable control stream, the realtime
// group dispatcher, and the websocket/HTTP surface, then serves until
// signaled to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/streamspace/collab-core/internal/api"
	"github.com/streamspace/collab-core/internal/cache"
	"github.com/streamspace/collab-core/internal/controlstream"
	"github.com/streamspace/collab-core/internal/db"
	"github.com/streamspace/collab-core/internal/logger"
	"github.com/streamspace/collab-core/internal/realtime"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	port := getEnv("COLLAB_PORT", "8000")

	log.Info().Msg("connecting to database")
	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "collab"),
		Password: getEnv("DB_PASSWORD", "collab"),
		DBName:   getEnv("DB_NAME", "collab"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	log.Info().Msg("running migrations")
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	collabDB := db.NewCollabDB(database)

	log.Info().Msg("connecting to redis")
	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
		Enabled:  true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisCache.Close()

	server := realtime.New(collabDB, realtime.Config{
		GroupPersistenceInterval: time.Duration(getEnvInt("GROUP_PERSISTENCE_INTERVAL_SECS", 30)) * time.Second,
		EditStateMaxCount:        getEnvInt("EDIT_STATE_MAX_COUNT", 100),
		EditStateMaxSecs:         int64(getEnvInt("EDIT_STATE_MAX_SECS", 60)),
		IdleThreshold:            time.Duration(getEnvInt("GROUP_IDLE_THRESHOLD_SECS", 300)) * time.Second,
		RuntimeWorkers:           getEnvInt("COLLAB_RUNTIME_WORKERS", 0),
		Cache:                    redisCache,
	})
	defer server.Shutdown()

	streamKey := getEnv("COLLAB_CONTROL_STREAM_KEY", "af_collab_control")
	consumer := controlstream.NewConsumer(redisCache.Client(), server, streamKey)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	go func() {
		if err := consumer.Run(streamCtx); err != nil {
			log.Error().Err(err).Msg("control stream consumer exited")
		}
	}()

	router := api.NewRouter(server, database)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", port).Msg("collaboration server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shutdown")
	}
	cancelStream()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
