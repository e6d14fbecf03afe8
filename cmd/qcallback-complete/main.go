package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"queue-callback/internal/config"
	"queue-callback/internal/db"
	"queue-callback/internal/events"
	"queue-callback/internal/logging"

	"github.com/joho/godotenv"
)

// Completion signal: invoked by the telephony engine's dialplan at the
// end of an outbound leg. Usage: qcallback-complete <request-id> [failed]
// Without the failed argument the request is marked completed.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: qcallback-complete <request-id> [failed]")
	}

	id, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil {
		log.Fatalf("invalid request id %q", os.Args[1])
	}

	failed := len(os.Args) > 2 && os.Args[2] == "failed"

	_ = godotenv.Load()

	cfg := config.MustLoadConfig(config.GetEnv("CONFIG_PATH", "."))
	logger := logging.GetLogger(cfg.Logs)

	pool, err := db.GetPool(db.GetConnStr(cfg.Database))
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	requests := db.NewRequestRepository(pool)

	publisher := events.NewPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	ctx := context.Background()
	now := time.Now()

	var applied bool
	eventType := events.TypeCompleted
	if failed {
		applied, err = requests.MarkFailed(ctx, id, now)
		eventType = events.TypeFailed
	} else {
		applied, err = requests.MarkCompleted(ctx, id, now)
	}
	if err != nil {
		log.Fatal(err)
	}

	if !applied {
		// already terminal or unknown; the engine may report late
		logger.Warn("Completion signal had no effect", "id", id, "failed", failed)
		return
	}

	entity, err := requests.GetByID(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	publisher.Publish(ctx, eventType, entity.ID, entity.QueueID)
	logger.Info("Request resolved", "id", id, "status", entity.Status)
}
