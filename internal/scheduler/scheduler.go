package scheduler

import (
	"context"
	"log/slog"
	"time"

	"queue-callback/internal/asterisk"
	"queue-callback/internal/callfile"
	"queue-callback/internal/db"
	"queue-callback/internal/events"
	"queue-callback/internal/logcontext"
	"queue-callback/internal/position"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RetentionWindow is how long terminal completed/failed requests are kept
// before cleanup deletes them.
const RetentionWindow = 24 * time.Hour

var (
	// pass outcome metrics
	passErrorFetchingCounter = metrics.GetOrCreateCounter(`dispatch_pass_total{result="fetch_failed"}`)
	passDispatchedCounter    = metrics.GetOrCreateCounter(`dispatch_pass_total{result="dispatched"}`)
	passIdleCounter          = metrics.GetOrCreateCounter(`dispatch_pass_total{result="idle"}`)

	passDurationHistogram = metrics.GetOrCreateHistogram(`dispatch_pass_duration_milliseconds`)

	// per candidate metrics
	candidateProbeUnavailableCounter = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="probe_unavailable"}`)
	candidateAgentsNotReadyCounter   = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="agents_not_ready"}`)
	candidateNotTurnCounter          = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="not_their_turn"}`)
	candidateClaimLostCounter        = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="claim_lost"}`)
	candidateHandoffFailedCounter    = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="handoff_failed"}`)
	candidateDispatchedCounter       = metrics.GetOrCreateCounter(`dispatch_candidate_total{result="dispatched"}`)

	cleanupDeletedCounter = metrics.GetOrCreateCounter(`retention_cleanup_deleted_total`)
)

// RequestStore is the slice of the request repository the scheduler
// mutates through.
type RequestStore interface {
	GetCandidates(ctx context.Context, now time.Time) ([]*db.CandidateEntity, error)
	CountPendingAhead(ctx context.Context, queueID string, timeRequested time.Time, id int64) (int, error)
	ClaimForDispatch(ctx context.Context, id int64, maxAttempts, retryIntervalMin int, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, prior *db.CallbackRequestEntity) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher hands one origination directive to the telephony engine.
type Dispatcher interface {
	Drop(d callfile.Directive) error
}

// Scheduler runs one dispatch pass at a time. It holds no state between
// passes and no locks while running, so overlapping invocations are safe:
// the conditional claim in the store is the only arbiter.
type Scheduler struct {
	store      RequestStore
	prober     asterisk.Prober
	dispatcher Dispatcher
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func New(store RequestStore, prober asterisk.Prober, dispatcher Dispatcher, publisher events.Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		prober:     prober,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// RunPass selects candidates in FIFO order, dispatches at most one whose
// turn has come, then performs retention cleanup. The position estimate is
// only valid at the instant it is computed, so dispatching a second
// request without re-probing would let two requests both believe they are
// next.
func (s *Scheduler) RunPass(ctx context.Context) error {
	startTime := s.now()

	// runId correlates all logs of one pass
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	passErr := s.processCandidates(ctx)

	// Cleanup runs regardless of the dispatch outcome.
	cleanupErr := s.cleanup(ctx)

	passDurationHistogram.Update(float64(s.now().Sub(startTime).Milliseconds()))

	if passErr != nil {
		return passErr
	}
	return cleanupErr
}

func (s *Scheduler) processCandidates(ctx context.Context) error {
	now := s.now()

	candidates, err := s.store.GetCandidates(ctx, now)
	if err != nil {
		passErrorFetchingCounter.Inc()
		return errors.Wrap(err, "fetching candidates")
	}

	if len(candidates) == 0 {
		s.logger.InfoContext(ctx, "No callback candidates")
		passIdleCounter.Inc()
		return nil
	}

	for _, candidate := range candidates {
		dispatched, err := s.tryDispatch(ctx, candidate)
		if err != nil {
			return err
		}
		if dispatched {
			passDispatchedCounter.Inc()
			// One dispatch per pass keeps strict ordering: every other
			// candidate re-qualifies against a fresh probe next pass.
			return nil
		}
	}

	s.logger.InfoContext(ctx, "No candidate ready for dispatch")
	passIdleCounter.Inc()
	return nil
}

// tryDispatch checks one candidate and dispatches it when conditions hold.
// Probe and eligibility misses are absorbed as skip decisions; only store
// failures propagate and abort the pass.
func (s *Scheduler) tryDispatch(ctx context.Context, candidate *db.CandidateEntity) (bool, error) {
	ctx = logcontext.AppendCtx(ctx,
		slog.Int64("id", candidate.ID),
		slog.String("queue", candidate.QueueID))

	snapshot, err := s.prober.QueueStatus(ctx, candidate.QueueID)
	if err != nil {
		s.logger.WarnContext(ctx, "Queue status unavailable, skipping candidate", "error", err)
		candidateProbeUnavailableCounter.Inc()
		return false, nil
	}

	if !position.Ready(snapshot.Agents) {
		s.logger.InfoContext(ctx, "No agent ready, skipping candidate",
			"waiting", snapshot.WaitingCalls, "agents", len(snapshot.Agents))
		candidateAgentsNotReadyCounter.Inc()
		return false, nil
	}

	ahead, err := s.store.CountPendingAhead(ctx, candidate.QueueID, candidate.TimeRequested, candidate.ID)
	if err != nil {
		return false, err
	}

	estimate := position.Compute(snapshot, ahead)
	if !estimate.Turn {
		s.logger.InfoContext(ctx, "Not their turn yet",
			"position", estimate.Position, "waiting", snapshot.WaitingCalls)
		candidateNotTurnCounter.Inc()
		return false, nil
	}

	return s.dispatch(ctx, candidate)
}

// dispatch wins exclusive claim to the request, then hands the call file
// to the engine. A lost claim means a concurrent pass got there first; a
// failed handoff releases the claim so the next pass retries.
func (s *Scheduler) dispatch(ctx context.Context, candidate *db.CandidateEntity) (bool, error) {
	now := s.now()
	prior := candidate.CallbackRequestEntity

	claimed, err := s.store.ClaimForDispatch(ctx, candidate.ID,
		candidate.EffectiveMaxAttempts(), candidate.RetryInterval, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.logger.InfoContext(ctx, "Lost claim to concurrent pass, skipping candidate")
		candidateClaimLostCounter.Inc()
		return false, nil
	}

	directive := callfile.Directive{
		RequestID:      candidate.ID,
		QueueID:        candidate.QueueID,
		CallbackNumber: candidate.CallbackNumber,
		CallFirst:      candidate.CallFirst,
	}

	if err := s.dispatcher.Drop(directive); err != nil {
		s.logger.ErrorContext(ctx, "Call file handoff failed, releasing claim", "error", err)
		candidateHandoffFailedCounter.Inc()

		if releaseErr := s.store.ReleaseClaim(ctx, &prior); releaseErr != nil {
			s.logger.ErrorContext(ctx, "Error releasing claim", "error", releaseErr)
		}
		return false, nil
	}

	s.logger.InfoContext(ctx, "Callback dispatched",
		"number", candidate.CallbackNumber,
		"callFirst", candidate.CallFirst,
		"attempt", candidate.Attempts+1)
	candidateDispatchedCounter.Inc()
	s.publisher.Publish(ctx, events.TypeDispatched, candidate.ID, candidate.QueueID)

	return true, nil
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-RetentionWindow)

	deleted, err := s.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "retention cleanup")
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "Retention cleanup removed aged requests", "deleted", deleted)
		cleanupDeletedCounter.Add(int(deleted))
	}
	return nil
}
