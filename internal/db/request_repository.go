package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type RequestRepository struct {
	pool *pgxpool.Pool
}

func NewRequestRepository(pool *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{pool: pool}
}

const requestColumns = `id, queue_id, caller_id, callback_number, status,
	time_requested, time_processed, last_attempt, attempts, max_attempts`

func scanRequest(row pgx.Row) (*CallbackRequestEntity, error) {
	var entity CallbackRequestEntity
	err := row.Scan(&entity.ID, &entity.QueueID, &entity.CallerID, &entity.CallbackNumber,
		&entity.Status, &entity.TimeRequested, &entity.TimeProcessed, &entity.LastAttempt,
		&entity.Attempts, &entity.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *RequestRepository) Create(ctx context.Context, entity *CallbackRequestEntity) (*CallbackRequestEntity, error) {
	query := `INSERT INTO callback_request
	          (queue_id, caller_id, callback_number, status, time_requested, attempts, max_attempts)
	          VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := r.pool.QueryRow(ctx, query, entity.QueueID, entity.CallerID, entity.CallbackNumber,
		entity.Status, entity.TimeRequested, entity.Attempts, entity.MaxAttempts).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting callback request")
	}
	return entity, nil
}

func (r *RequestRepository) GetByID(ctx context.Context, id int64) (*CallbackRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM callback_request WHERE id = $1`
	entity, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetCandidates returns the requests eligible for a dispatch pass at the
// given instant, joined with their queue settings, in strict FIFO order.
// Eligible means: pending, or processing with the retry window elapsed;
// queue enabled; attempts below the effective cap.
func (r *RequestRepository) GetCandidates(ctx context.Context, now time.Time) ([]*CandidateEntity, error) {
	query := `
		SELECT r.id, r.queue_id, r.caller_id, r.callback_number, r.status,
		       r.time_requested, r.time_processed, r.last_attempt, r.attempts, r.max_attempts,
		       c.retry_interval, c.max_attempts, c.call_first
		FROM callback_request r
		JOIN queue_callback_config c ON r.queue_id = c.queue_id
		WHERE (r.status = 'pending'
		       OR (r.status = 'processing'
		           AND r.last_attempt IS NOT NULL
		           AND r.last_attempt + make_interval(mins => c.retry_interval) <= $1))
		AND c.enabled
		AND r.attempts < COALESCE(NULLIF(r.max_attempts, 0), NULLIF(c.max_attempts, 0), $2)
		ORDER BY r.time_requested ASC, r.id ASC`

	rows, err := r.pool.Query(ctx, query, now, DefaultMaxAttempts)
	if err != nil {
		return nil, errors.Wrap(err, "fetching candidates")
	}
	defer rows.Close()

	var candidates []*CandidateEntity
	for rows.Next() {
		var c CandidateEntity
		err := rows.Scan(&c.ID, &c.QueueID, &c.CallerID, &c.CallbackNumber, &c.Status,
			&c.TimeRequested, &c.TimeProcessed, &c.LastAttempt, &c.Attempts, &c.MaxAttempts,
			&c.RetryInterval, &c.QueueMaxAttempts, &c.CallFirst)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

// CountPendingAhead counts pending requests on the same queue that were
// requested strictly before the given request. Requests sharing the same
// second are ordered by id so the count stays deterministic.
func (r *RequestRepository) CountPendingAhead(ctx context.Context, queueID string, timeRequested time.Time, id int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM callback_request
		WHERE queue_id = $1 AND status = 'pending' AND id != $3
		AND (time_requested < $2 OR (time_requested = $2 AND id < $3))`

	var ahead int
	if err := r.pool.QueryRow(ctx, query, queueID, timeRequested, id).Scan(&ahead); err != nil {
		return 0, errors.Wrap(err, "counting pending requests ahead")
	}
	return ahead, nil
}

// ClaimForDispatch atomically transitions a request to processing, bumping
// attempts and stamping last_attempt. The predicate re-checks eligibility
// so that of N concurrent passes racing on the same candidate exactly one
// observes a row affected; the rest see zero rows and must skip without
// dispatching.
func (r *RequestRepository) ClaimForDispatch(ctx context.Context, id int64, maxAttempts, retryIntervalMin int, now time.Time) (bool, error) {
	query := `
		UPDATE callback_request
		SET status = 'processing', attempts = attempts + 1, last_attempt = $2
		WHERE id = $1
		AND attempts < $3
		AND (status = 'pending'
		     OR (status = 'processing'
		         AND last_attempt IS NOT NULL
		         AND last_attempt + make_interval(mins => $4) <= $2))`

	tag, err := r.pool.Exec(ctx, query, id, now, maxAttempts, retryIntervalMin)
	if err != nil {
		return false, errors.Wrap(err, "claiming request")
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim undoes a claim whose handoff failed, restoring the fields
// captured before the claim so the next pass retries as if nothing
// happened. Conditional on the row still being processing: a concurrent
// cancellation wins.
func (r *RequestRepository) ReleaseClaim(ctx context.Context, prior *CallbackRequestEntity) error {
	query := `
		UPDATE callback_request
		SET status = $2, attempts = $3, last_attempt = $4
		WHERE id = $1 AND status = 'processing'`

	_, err := r.pool.Exec(ctx, query, prior.ID, prior.Status, prior.Attempts, prior.LastAttempt)
	return errors.Wrap(err, "releasing claim")
}

// MarkCompleted resolves a request after the engine reports a successful
// bridge. Terminal states are immutable, so the update is conditional on
// the request still being live.
func (r *RequestRepository) MarkCompleted(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.resolve(ctx, id, StatusCompleted, now)
}

// MarkFailed resolves a request after the engine reports a definitive
// failure.
func (r *RequestRepository) MarkFailed(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.resolve(ctx, id, StatusFailed, now)
}

func (r *RequestRepository) resolve(ctx context.Context, id int64, status string, now time.Time) (bool, error) {
	query := `
		UPDATE callback_request
		SET status = $2, time_processed = $3
		WHERE id = $1 AND status IN ('pending', 'processing')`

	tag, err := r.pool.Exec(ctx, query, id, status, now)
	if err != nil {
		return false, errors.Wrapf(err, "marking request %s", status)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel cancels a single live request (operator action).
func (r *RequestRepository) Cancel(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE callback_request
		SET status = 'cancelled', time_processed = $2
		WHERE id = $1 AND status IN ('pending', 'processing')`

	tag, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, errors.Wrap(err, "cancelling request")
	}
	return tag.RowsAffected() == 1, nil
}

// CancelByQueue cancels every live request of a queue in one statement
// and returns the cancelled ids so callers can emit per-request lifecycle
// events. Runs inside the config-deletion transaction.
func (r *RequestRepository) CancelByQueue(ctx context.Context, tx pgx.Tx, queueID string, now time.Time) ([]int64, error) {
	query := `
		WITH cancelled AS (
			UPDATE callback_request
			SET status = 'cancelled', time_processed = $2
			WHERE queue_id = $1 AND status IN ('pending', 'processing')
			RETURNING id
		)
		SELECT id FROM cancelled ORDER BY id`

	rows, err := tx.Query(ctx, query, queueID, now)
	if err != nil {
		return nil, errors.Wrap(err, "cancelling queue requests")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteProcessedBefore permanently removes terminal completed/failed
// requests whose time_processed is older than the cutoff.
func (r *RequestRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM callback_request
		WHERE status IN ('completed', 'failed')
		AND time_processed IS NOT NULL
		AND time_processed < $1`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "deleting aged requests")
	}
	return tag.RowsAffected(), nil
}

// ListActive returns pending/processing requests in FIFO order, for one
// queue or for all queues when queueID is empty.
func (r *RequestRepository) ListActive(ctx context.Context, queueID string) ([]*CallbackRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM callback_request
	          WHERE status IN ('pending', 'processing')
	          AND ($1 = '' OR queue_id = $1)
	          ORDER BY time_requested ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, queueID)
	if err != nil {
		return nil, errors.Wrap(err, "listing active requests")
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListByQueue returns the most recent requests of a queue regardless of
// status.
func (r *RequestRepository) ListByQueue(ctx context.Context, queueID string, limit int) ([]*CallbackRequestEntity, error) {
	query := `SELECT ` + requestColumns + ` FROM callback_request
	          WHERE queue_id = $1
	          ORDER BY time_requested DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, queueID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing queue requests")
	}
	defer rows.Close()

	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]*CallbackRequestEntity, error) {
	var entities []*CallbackRequestEntity
	for rows.Next() {
		entity, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

// Stats aggregates request counts for one queue.
func (r *RequestRepository) Stats(ctx context.Context, queueID string) (*RequestStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM callback_request WHERE queue_id = $1`

	var stats RequestStats
	err := r.pool.QueryRow(ctx, query, queueID).Scan(&stats.Total, &stats.Pending,
		&stats.Processing, &stats.Completed, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating request stats")
	}
	return &stats, nil
}
