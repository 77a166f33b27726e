package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/dispatch"
	"github.com/clairon-app/clairon/internal/event"
	"github.com/clairon-app/clairon/internal/metrics"
)

// Enqueuer turns validated events into outbox rows.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, ev *event.Event, recipients []uuid.UUID) (int, error)
	EnqueueDigest(ctx context.Context, d *event.Digest) (int, error)
}

// DispatchRunner executes one dispatch cycle on demand.
type DispatchRunner interface {
	Run(ctx context.Context) (dispatch.Result, error)
}

// SubscriptionRegistry registers push devices.
type SubscriptionRegistry interface {
	Upsert(ctx context.Context, sub *db.PushSubscription) error
}

// FeedStore reads and acknowledges the in-app feed.
type FeedStore interface {
	ListFeed(ctx context.Context, recipientID uuid.UUID, limit int) ([]*db.QueuedMessage, error)
	MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) (int, error)
}

// EnqueueRequest is the incoming event envelope plus explicit
// recipients. Empty recipients means "resolve the student's guardians".
type EnqueueRequest struct {
	event.Event
	Recipients []uuid.UUID `json:"recipients,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	enqueuer   Enqueuer
	dispatcher DispatchRunner
	subs       SubscriptionRegistry
	feed       FeedStore
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, enqueuer Enqueuer, dispatcher DispatchRunner, subs SubscriptionRegistry, feed FeedStore) *Handler {
	return &Handler{
		logger:     logger,
		enqueuer:   enqueuer,
		dispatcher: dispatcher,
		subs:       subs,
		feed:       feed,
	}
}

// Enqueue handles POST /v1/enqueue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := req.Event.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
		return
	}

	queued, err := h.enqueuer.EnqueueEvent(ctx, &req.Event, req.Recipients)
	if err != nil {
		h.logger.Error("failed to enqueue event",
			zap.Error(err),
			zap.String("kind", req.Kind),
			zap.String("institution_id", req.InstitutionID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to queue event", "")
		return
	}

	metrics.RecordQueued(req.Kind, queued)

	h.writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// Dispatch handles POST /v1/dispatch (cron-authenticated)
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	metrics.RecordDispatchCycle("http")
	result, err := h.dispatcher.Run(ctx)
	if err != nil {
		h.logger.Error("dispatch run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch cycle failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// AbsenceDigest handles POST /v1/digests/absences (cron-authenticated)
func (h *Handler) AbsenceDigest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var digest event.Digest
	if err := json.NewDecoder(r.Body).Decode(&digest); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := digest.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid digest", err.Error())
		return
	}

	queued, err := h.enqueuer.EnqueueDigest(ctx, &digest)
	if err != nil {
		h.logger.Error("failed to enqueue digest",
			zap.Error(err),
			zap.String("date", digest.Date),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to queue digest", "")
		return
	}

	metrics.RecordQueued(event.KindAbsenceDigest, queued)

	h.writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// SubscribeRequest registers one push device.
type SubscribeRequest struct {
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Platform     string          `json:"platform"`
	DeviceID     string          `json:"device_id,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	DeviceToken  string          `json:"device_token,omitempty"`
	StudentID    *uuid.UUID      `json:"student_id,omitempty"`
}

// Subscribe handles POST /v1/push/subscribe
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "")
		return
	}

	sub := &db.PushSubscription{
		RecipientID: req.RecipientID,
		Platform:    req.Platform,
		DeviceID:    req.DeviceID,
		StudentID:   req.StudentID,
	}

	switch req.Platform {
	case db.PlatformWeb:
		if len(req.Subscription) == 0 || !json.Valid(req.Subscription) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription", "web platform requires a subscription document")
			return
		}
		sub.Subscription = req.Subscription
		if sub.DeviceID == "" {
			var doc struct {
				Endpoint string `json:"endpoint"`
			}
			_ = json.Unmarshal(req.Subscription, &doc)
			sub.DeviceID = doc.Endpoint
		}
	case db.PlatformAndroid, db.PlatformIOS:
		if req.DeviceToken == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing device_token", "mobile platforms require a device token")
			return
		}
		token := req.DeviceToken
		sub.DeviceToken = &token
		if sub.DeviceID == "" {
			sub.DeviceID = token
		}
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid platform", "platform must be web, android, or ios")
		return
	}

	if sub.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing device_id", "")
		return
	}

	if err := h.subs.Upsert(ctx, sub); err != nil {
		h.logger.Error("failed to register push subscription",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"device_id": sub.DeviceID})
}

// FeedItem is one in-app feed entry.
type FeedItem struct {
	ID        uuid.UUID       `json:"id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
	ReadAt    *string         `json:"read_at,omitempty"`
}

// Feed handles GET /v1/feed?recipient_id=xxx&limit=20
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientID, err := uuid.Parse(r.URL.Query().Get("recipient_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	msgs, err := h.feed.ListFeed(ctx, recipientID, limit)
	if err != nil {
		h.logger.Error("failed to list feed",
			zap.Error(err),
			zap.String("recipient_id", recipientID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list feed", "")
		return
	}

	items := make([]FeedItem, 0, len(msgs))
	for _, m := range msgs {
		item := FeedItem{
			ID:        m.ID,
			Title:     m.Title,
			Body:      m.Body,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if m.ReadAt != nil {
			read := m.ReadAt.Format("2006-01-02T15:04:05Z07:00")
			item.ReadAt = &read
		}
		items = append(items, item)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  items,
		"count": len(items),
	})
}

// MarkRead handles PATCH /v1/feed/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		RecipientID uuid.UUID   `json:"recipient_id"`
		IDs         []uuid.UUID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == uuid.Nil || len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing fields", "recipient_id and a non-empty ids list are required")
		return
	}

	updated, err := h.feed.MarkRead(ctx, req.RecipientID, req.IDs)
	if err != nil {
		h.logger.Error("failed to mark feed read",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark messages read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
