package capture

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"queue-callback/internal/db"
	"queue-callback/internal/events"
)

// MinNumberLength is the minimum digit count a callback number must keep
// after normalization.
const MinNumberLength = 7

// Service is the IVR-capture boundary: it accepts a caller's opt-in and
// records the pending request the dispatch loop will later pick up.
type Service struct {
	requests  *db.RequestRepository
	configs   *db.ConfigRepository
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(requests *db.RequestRepository, configs *db.ConfigRepository, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		requests:  requests,
		configs:   configs,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest records a new pending callback request. Rejected when
// callback is disabled for the queue or the number fails normalization.
func (s *Service) CreateRequest(ctx context.Context, queueID, callerID, rawNumber string) (*db.CallbackRequestEntity, error) {
	cfg, err := s.configs.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, db.ErrCallbackDisabled
	}

	number := NormalizeNumber(rawNumber)
	if len(number) < MinNumberLength {
		return nil, db.ErrInvalidNumber
	}

	entity := &db.CallbackRequestEntity{
		QueueID:        queueID,
		CallerID:       callerID,
		CallbackNumber: number,
		Status:         db.StatusPending,
		// whole-second granularity keeps FIFO comparisons stable
		TimeRequested: s.now().Truncate(time.Second),
		MaxAttempts:   cfg.MaxAttempts,
	}

	created, err := s.requests.Create(ctx, entity)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Callback request captured",
		"id", created.ID, "queue", queueID, "number", number)
	s.publisher.Publish(ctx, events.TypeRequested, created.ID, queueID)

	return created, nil
}

// NormalizeNumber strips everything but digits.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
