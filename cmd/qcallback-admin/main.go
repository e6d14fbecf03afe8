package main

import (
	"log"
	"net/http"

	"queue-callback/internal/capture"
	"queue-callback/internal/config"
	"queue-callback/internal/db"
	"queue-callback/internal/events"
	"queue-callback/internal/httpapi"
	"queue-callback/internal/logging"
	"queue-callback/internal/metrics"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(config.GetEnv("CONFIG_PATH", "."))
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	requests := db.NewRequestRepository(pool)
	configs := db.NewConfigRepository(pool, requests)

	publisher := events.NewPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	captureService := capture.NewService(requests, configs, publisher, logger)
	handler := httpapi.NewHandler(requests, configs, captureService, publisher, logger)

	addr := ":" + cfg.Server.Port
	logger.Info("Admin server listening", "addr", addr)
	log.Fatal(http.ListenAndServe(addr, handler.Routes()))
}
