package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"studyloop/internal/idempotency"
	"studyloop/internal/middleware"
)

const (
	maxBodyBytes          = 1 << 20
	defaultProcessTimeout = 30 * time.Second
)

type Processor interface {
	Process(ctx context.Context, ev idempotency.Event, fn idempotency.Handler) (*idempotency.Record, error)
}

type Handler struct {
	processor Processor
	handlers  map[string]idempotency.Handler
	timeout   time.Duration
}

func NewHandler(p Processor, handlers map[string]idempotency.Handler) *Handler {
	return &Handler{processor: p, handlers: handlers, timeout: defaultProcessTimeout}
}

// WithTimeout bounds how long one request may spend retrying its event.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Receive serves POST /webhooks/{eventType}. The event id comes from the
// Idempotency-Key header, falling back to the body's "id" field. A body
// without a "payload" field is passed to the handler whole.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventType := r.PathValue("eventType")
	fn, ok := h.handlers[eventType]
	if !ok {
		h.writeError(ctx, w, "NOT_FOUND", "unknown event type "+eventType, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "body must be a JSON object", http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		env.ID = key
	}
	if env.ID == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "event id is required", http.StatusBadRequest)
		return
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		env.Payload = body
	}

	// Attempts outlive a client disconnect; only the timeout stops them.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	rec, err := h.processor.Process(pctx, idempotency.Event{Type: eventType, ID: env.ID, Payload: env.Payload}, fn)
	switch {
	case err == nil:
		h.writeData(ctx, w, http.StatusOK, "processed", rec)
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		h.writeData(ctx, w, http.StatusOK, "duplicate", rec)
	case errors.Is(err, idempotency.ErrInFlight):
		h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
	case errors.Is(err, idempotency.ErrPermanentlyFailed):
		slog.WarnContext(ctx, "webhook event failed", "event_type", eventType, "event_id", env.ID, "error", err)
		h.writeError(ctx, w, "EVENT_FAILED", err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.ErrorContext(ctx, "webhook processing error", "event_type", eventType, "event_id", env.ID, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, status int, outcome string, rec *idempotency.Record) {
	data := map[string]any{"status": outcome}
	if rec != nil {
		data["eventId"] = rec.EventID
		data["retries"] = rec.Retries
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
