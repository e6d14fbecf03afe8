package metrics

import (
	"log"
	"time"

	"queue-callback/internal/config"

	"github.com/VictoriaMetrics/metrics"
)

// Setup enables push metrics when a target URL is configured. Without one
// the counters still accumulate in-process and are simply never shipped.
func Setup(cfg config.Metrics) {
	if cfg.URL == "" {
		return
	}

	err := metrics.InitPush(cfg.URL, time.Duration(cfg.IntervalMs)*time.Millisecond, cfg.CommonLabels, true)
	if err != nil {
		log.Printf("Error initializing metrics push: %v", err)
	}
}
