package db

import "time"

// Request statuses. pending is initial; completed, failed and cancelled
// are terminal. The scheduler only ever moves pending/processing to
// processing; terminal states are set by the completion signal, by
// cancellation, or never at all.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Call-first policies: who gets dialed when a callback fires.
const (
	CallFirstCustomer = "customer"
	CallFirstAgent    = "agent"
)

// DefaultMaxAttempts is the hard cap applied when neither the request nor
// the queue config carries one.
const DefaultMaxAttempts = 3

type CallbackRequestEntity struct {
	ID             int64
	QueueID        string
	CallerID       string
	CallbackNumber string
	Status         string
	TimeRequested  time.Time
	TimeProcessed  *time.Time
	LastAttempt    *time.Time
	Attempts       int
	MaxAttempts    int
}

// QueueCallbackConfigEntity is one row of per-queue callback settings.
// Interval fields are minutes.
type QueueCallbackConfigEntity struct {
	QueueID            string
	Enabled            bool
	CallbackKey        string
	ProcessingInterval int
	RetryInterval      int
	MaxAttempts        int
	CallFirst          string
}

// EnabledQueueEntity is a callback-enabled queue's config joined with its
// descriptive name from the static queue mirror.
type EnabledQueueEntity struct {
	QueueCallbackConfigEntity
	Description string
}

// CandidateEntity is a request joined with the settings of its owning
// queue, as fetched by the dispatch pass.
type CandidateEntity struct {
	CallbackRequestEntity
	RetryInterval    int
	QueueMaxAttempts int
	CallFirst        string
}

// EffectiveMaxAttempts resolves the attempt cap: the request's own cap,
// else the queue cap, else DefaultMaxAttempts.
func (c *CandidateEntity) EffectiveMaxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	if c.QueueMaxAttempts > 0 {
		return c.QueueMaxAttempts
	}
	return DefaultMaxAttempts
}

// RequestStats aggregates request counts for one queue.
type RequestStats struct {
	Total      int `json:"total_requests"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
