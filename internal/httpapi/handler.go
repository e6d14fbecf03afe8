package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"queue-callback/internal/capture"
	"queue-callback/internal/db"
	"queue-callback/internal/events"

	"github.com/pkg/errors"
)

const defaultListLimit = 100

// Handler exposes the administration and capture boundaries over HTTP:
// queue config reads/writes, request listings and stats, the IVR capture
// endpoint, operator cancellation and the engine's completion signal.
type Handler struct {
	requests  *db.RequestRepository
	configs   *db.ConfigRepository
	capture   *capture.Service
	publisher events.Publisher
	logger    *slog.Logger
}

func NewHandler(requests *db.RequestRepository, configs *db.ConfigRepository, capture *capture.Service, publisher events.Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		requests:  requests,
		configs:   configs,
		capture:   capture,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", h.handleLiveness)
	mux.HandleFunc("GET /queues", h.handleListEnabled)
	mux.HandleFunc("GET /queues/{queueID}/config", h.handleGetConfig)
	mux.HandleFunc("PUT /queues/{queueID}/config", h.handlePutConfig)
	mux.HandleFunc("DELETE /queues/{queueID}/config", h.handleDeleteConfig)
	mux.HandleFunc("GET /queues/{queueID}/stats", h.handleStats)
	mux.HandleFunc("GET /queues/{queueID}/requests", h.handleQueueRequests)
	mux.HandleFunc("GET /requests", h.handleActiveRequests)
	mux.HandleFunc("POST /requests", h.handleCreateRequest)
	mux.HandleFunc("POST /requests/{id}/cancel", h.handleCancelRequest)
	mux.HandleFunc("POST /requests/{id}/complete", h.handleCompleteRequest)
	mux.HandleFunc("POST /requests/{id}/fail", h.handleFailRequest)
	return LoggingMiddleware(h.logger, mux)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type configRequest struct {
	Enabled            bool   `json:"enabled"`
	CallbackKey        string `json:"callback_key"`
	ProcessingInterval int    `json:"processing_interval"`
	RetryInterval      int    `json:"retry_interval"`
	MaxAttempts        int    `json:"max_attempts"`
	CallFirst          string `json:"call_first"`
}

type configResponse struct {
	QueueID            string `json:"queue_id"`
	Enabled            bool   `json:"enabled"`
	CallbackKey        string `json:"callback_key"`
	ProcessingInterval int    `json:"processing_interval"`
	RetryInterval      int    `json:"retry_interval"`
	MaxAttempts        int    `json:"max_attempts"`
	CallFirst          string `json:"call_first"`
}

func toConfigResponse(entity *db.QueueCallbackConfigEntity) configResponse {
	return configResponse{
		QueueID:            entity.QueueID,
		Enabled:            entity.Enabled,
		CallbackKey:        entity.CallbackKey,
		ProcessingInterval: entity.ProcessingInterval,
		RetryInterval:      entity.RetryInterval,
		MaxAttempts:        entity.MaxAttempts,
		CallFirst:          entity.CallFirst,
	}
}

type enabledQueueResponse struct {
	configResponse
	Description string `json:"description"`
}

func (h *Handler) handleListEnabled(w http.ResponseWriter, r *http.Request) {
	queues, err := h.configs.ListEnabled(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]enabledQueueResponse, 0, len(queues))
	for _, entity := range queues {
		out = append(out, enabledQueueResponse{
			configResponse: toConfigResponse(&entity.QueueCallbackConfigEntity),
			Description:    entity.Description,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entity, err := h.configs.Get(r.Context(), r.PathValue("queueID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(entity))
}

func (h *Handler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body configRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	entity := &db.QueueCallbackConfigEntity{
		QueueID:            r.PathValue("queueID"),
		Enabled:            body.Enabled,
		CallbackKey:        body.CallbackKey,
		ProcessingInterval: body.ProcessingInterval,
		RetryInterval:      body.RetryInterval,
		MaxAttempts:        body.MaxAttempts,
		CallFirst:          body.CallFirst,
	}

	if err := h.configs.Upsert(r.Context(), entity); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(entity))
}

func (h *Handler) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queueID")

	cancelled, err := h.configs.Delete(r.Context(), queueID, time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	for _, id := range cancelled {
		h.publisher.Publish(r.Context(), events.TypeCancelled, id, queueID)
	}

	h.logger.InfoContext(r.Context(), "Queue config deleted",
		"queue", queueID, "cancelledRequests", len(cancelled))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_requests": len(cancelled)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.requests.Stats(r.Context(), r.PathValue("queueID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type requestResponse struct {
	ID             int64      `json:"id"`
	QueueID        string     `json:"queue_id"`
	CallerID       string     `json:"caller_id,omitempty"`
	CallbackNumber string     `json:"callback_number"`
	Status         string     `json:"status"`
	TimeRequested  time.Time  `json:"time_requested"`
	TimeProcessed  *time.Time `json:"time_processed,omitempty"`
	LastAttempt    *time.Time `json:"last_attempt,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
}

func toRequestResponse(entity *db.CallbackRequestEntity) requestResponse {
	return requestResponse{
		ID:             entity.ID,
		QueueID:        entity.QueueID,
		CallerID:       entity.CallerID,
		CallbackNumber: entity.CallbackNumber,
		Status:         entity.Status,
		TimeRequested:  entity.TimeRequested,
		TimeProcessed:  entity.TimeProcessed,
		LastAttempt:    entity.LastAttempt,
		Attempts:       entity.Attempts,
		MaxAttempts:    entity.MaxAttempts,
	}
}

func toRequestResponses(entities []*db.CallbackRequestEntity) []requestResponse {
	out := make([]requestResponse, 0, len(entities))
	for _, entity := range entities {
		out = append(out, toRequestResponse(entity))
	}
	return out
}

func (h *Handler) handleQueueRequests(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entities, err := h.requests.ListByQueue(r.Context(), r.PathValue("queueID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponses(entities))
}

func (h *Handler) handleActiveRequests(w http.ResponseWriter, r *http.Request) {
	entities, err := h.requests.ListActive(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponses(entities))
}

type createRequestBody struct {
	QueueID        string `json:"queue_id"`
	CallerID       string `json:"caller_id"`
	CallbackNumber string `json:"callback_number"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	entity, err := h.capture.CreateRequest(r.Context(), body.QueueID, body.CallerID, body.CallbackNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(entity))
}

func (h *Handler) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	h.resolveRequest(w, r, h.requests.Cancel, events.TypeCancelled)
}

func (h *Handler) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	h.resolveRequest(w, r, h.requests.MarkCompleted, events.TypeCompleted)
}

func (h *Handler) handleFailRequest(w http.ResponseWriter, r *http.Request) {
	h.resolveRequest(w, r, h.requests.MarkFailed, events.TypeFailed)
}

func (h *Handler) resolveRequest(w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, id int64, now time.Time) (bool, error), eventType string) {

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request id"))
		return
	}

	applied, err := resolve(r.Context(), id, time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !applied {
		// already terminal or unknown
		writeJSON(w, http.StatusConflict, errorBody("request not in a live state"))
		return
	}

	entity, err := h.requests.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.publisher.Publish(r.Context(), eventType, entity.ID, entity.QueueID)
	writeJSON(w, http.StatusOK, toRequestResponse(entity))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrQueueNotFound), errors.Is(err, db.ErrRequestNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, db.ErrCallbackDisabled):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, db.ErrInvalidNumber):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	default:
		h.logger.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
