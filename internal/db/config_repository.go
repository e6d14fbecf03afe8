package db

import (
	"context"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Per-queue defaults substituted for unset fields, matching the install
// defaults of the config table.
const (
	DefaultCallbackKey        = "*"
	DefaultProcessingInterval = 5
	DefaultRetryInterval      = 5
	DefaultCallFirst          = CallFirstCustomer
)

var callbackKeyPattern = regexp.MustCompile(`^[0-9*#]$`)

type ConfigRepository struct {
	pool     *pgxpool.Pool
	requests *RequestRepository
}

func NewConfigRepository(pool *pgxpool.Pool, requests *RequestRepository) *ConfigRepository {
	return &ConfigRepository{pool: pool, requests: requests}
}

// Get returns the callback config of a queue. A queue with no stored row
// gets the defaults with enabled=false, so callers never see a missing
// config.
func (r *ConfigRepository) Get(ctx context.Context, queueID string) (*QueueCallbackConfigEntity, error) {
	query := `SELECT queue_id, enabled, callback_key, processing_interval, retry_interval, max_attempts, call_first
	          FROM queue_callback_config WHERE queue_id = $1`

	var entity QueueCallbackConfigEntity
	err := r.pool.QueryRow(ctx, query, queueID).Scan(&entity.QueueID, &entity.Enabled,
		&entity.CallbackKey, &entity.ProcessingInterval, &entity.RetryInterval,
		&entity.MaxAttempts, &entity.CallFirst)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultConfig(queueID), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading queue config")
	}

	sanitize(&entity)
	return &entity, nil
}

func defaultConfig(queueID string) *QueueCallbackConfigEntity {
	return &QueueCallbackConfigEntity{
		QueueID:            queueID,
		Enabled:            false,
		CallbackKey:        DefaultCallbackKey,
		ProcessingInterval: DefaultProcessingInterval,
		RetryInterval:      DefaultRetryInterval,
		MaxAttempts:        DefaultMaxAttempts,
		CallFirst:          DefaultCallFirst,
	}
}

func sanitize(entity *QueueCallbackConfigEntity) {
	if !callbackKeyPattern.MatchString(entity.CallbackKey) {
		entity.CallbackKey = DefaultCallbackKey
	}
	if entity.CallFirst != CallFirstCustomer && entity.CallFirst != CallFirstAgent {
		entity.CallFirst = DefaultCallFirst
	}
	if entity.ProcessingInterval <= 0 {
		entity.ProcessingInterval = DefaultProcessingInterval
	}
	if entity.RetryInterval <= 0 {
		entity.RetryInterval = DefaultRetryInterval
	}
	if entity.MaxAttempts <= 0 {
		entity.MaxAttempts = DefaultMaxAttempts
	}
}

// Upsert writes a queue's callback config. The referenced queue must
// exist; writes against unknown queues are rejected with ErrQueueNotFound
// and nothing is stored.
func (r *ConfigRepository) Upsert(ctx context.Context, entity *QueueCallbackConfigEntity) error {
	exists, err := r.QueueExists(ctx, entity.QueueID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrQueueNotFound
	}

	sanitize(entity)

	query := `
		INSERT INTO queue_callback_config
		(queue_id, enabled, callback_key, processing_interval, retry_interval, max_attempts, call_first)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (queue_id) DO UPDATE SET
		enabled = EXCLUDED.enabled,
		callback_key = EXCLUDED.callback_key,
		processing_interval = EXCLUDED.processing_interval,
		retry_interval = EXCLUDED.retry_interval,
		max_attempts = EXCLUDED.max_attempts,
		call_first = EXCLUDED.call_first`

	_, err = r.pool.Exec(ctx, query, entity.QueueID, entity.Enabled, entity.CallbackKey,
		entity.ProcessingInterval, entity.RetryInterval, entity.MaxAttempts, entity.CallFirst)
	return errors.Wrap(err, "upserting queue config")
}

// Delete removes a queue's callback config and cancels every live request
// of that queue in the same transaction. Returns the ids of the cancelled
// requests.
func (r *ConfigRepository) Delete(ctx context.Context, queueID string, now time.Time) ([]int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "starting config deletion")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM queue_callback_config WHERE queue_id = $1`, queueID); err != nil {
		return nil, errors.Wrap(err, "deleting queue config")
	}

	cancelled, err := r.requests.CancelByQueue(ctx, tx, queueID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing config deletion")
	}
	return cancelled, nil
}

// ListEnabled returns the configs of all queues participating in callback
// processing, joined with their descriptive names.
func (r *ConfigRepository) ListEnabled(ctx context.Context) ([]*EnabledQueueEntity, error) {
	query := `SELECT c.queue_id, c.enabled, c.callback_key, c.processing_interval,
	                 c.retry_interval, c.max_attempts, c.call_first, COALESCE(q.description, '')
	          FROM queue_callback_config c
	          JOIN queue q ON c.queue_id = q.queue_id
	          WHERE c.enabled ORDER BY c.queue_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "listing enabled configs")
	}
	defer rows.Close()

	var entities []*EnabledQueueEntity
	for rows.Next() {
		var entity EnabledQueueEntity
		err := rows.Scan(&entity.QueueID, &entity.Enabled, &entity.CallbackKey,
			&entity.ProcessingInterval, &entity.RetryInterval, &entity.MaxAttempts,
			&entity.CallFirst, &entity.Description)
		if err != nil {
			return nil, err
		}
		sanitize(&entity.QueueCallbackConfigEntity)
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

// IsEnabled reports whether callback processing is on for a queue.
func (r *ConfigRepository) IsEnabled(ctx context.Context, queueID string) (bool, error) {
	cfg, err := r.Get(ctx, queueID)
	if err != nil {
		return false, err
	}
	return cfg.Enabled, nil
}

// QueueExists checks the static queue mirror the telephony engine's
// configuration is synced into.
func (r *ConfigRepository) QueueExists(ctx context.Context, queueID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue WHERE queue_id = $1)`, queueID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "checking queue existence")
	}
	return exists, nil
}

// QueueMembers returns the statically configured members of a queue, used
// by the conservative prober fallback.
func (r *ConfigRepository) QueueMembers(ctx context.Context, queueID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT member FROM queue_member WHERE queue_id = $1 ORDER BY member`, queueID)
	if err != nil {
		return nil, errors.Wrap(err, "listing queue members")
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}
