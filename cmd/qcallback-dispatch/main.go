package main

import (
	"context"
	"log"
	"time"

	"queue-callback/internal/asterisk"
	"queue-callback/internal/callfile"
	"queue-callback/internal/config"
	"queue-callback/internal/db"
	"queue-callback/internal/events"
	"queue-callback/internal/logging"
	"queue-callback/internal/metrics"
	"queue-callback/internal/scheduler"

	"github.com/joho/godotenv"
)

// One dispatch pass per invocation: intended to be fired on a short fixed
// interval by an external scheduler. Takes no arguments, is idempotent
// and safe to run concurrently with itself; the exit status only reports
// process-level failure.
func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(config.GetEnv("CONFIG_PATH", "."))
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	pool, err := db.GetPool(db.GetConnStr(cfg.Database))
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	requests := db.NewRequestRepository(pool)
	configs := db.NewConfigRepository(pool, requests)

	probeTimeout := time.Duration(cfg.Asterisk.ProbeTimeoutMs) * time.Millisecond

	probers := []asterisk.Prober{}
	if cfg.Asterisk.AJAMURL != "" {
		probers = append(probers, asterisk.NewAJAMProber(
			cfg.Asterisk.AJAMURL, cfg.Asterisk.AJAMUsername, cfg.Asterisk.AJAMPassword, probeTimeout))
	}
	probers = append(probers,
		asterisk.NewCLIProber(cfg.Asterisk.Command, probeTimeout),
		asterisk.NewFallbackProber(configs))

	prober := asterisk.NewChainProber(logger, probers...)
	spool := callfile.NewSpool(cfg.Asterisk.SpoolDir, cfg.Asterisk.TempDir)

	publisher := events.NewPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	sched := scheduler.New(requests, prober, spool, publisher, logger)

	if err := sched.RunPass(context.Background()); err != nil {
		logger.Error("Dispatch pass aborted", "error", err)
		log.Fatal(err)
	}
}
