package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/dispatch"
	"github.com/clairon-app/clairon/internal/event"
)

type stubEnqueuer struct {
	queued    int
	err       error
	lastEvent *event.Event
	lastRecip []uuid.UUID
	lastDig   *event.Digest
}

func (s *stubEnqueuer) EnqueueEvent(ctx context.Context, ev *event.Event, recipients []uuid.UUID) (int, error) {
	s.lastEvent = ev
	s.lastRecip = recipients
	return s.queued, s.err
}

func (s *stubEnqueuer) EnqueueDigest(ctx context.Context, d *event.Digest) (int, error) {
	s.lastDig = d
	return s.queued, s.err
}

type stubDispatcher struct {
	result dispatch.Result
	err    error
}

func (s *stubDispatcher) Run(ctx context.Context) (dispatch.Result, error) {
	return s.result, s.err
}

type stubRegistry struct {
	last *db.PushSubscription
	err  error
}

func (s *stubRegistry) Upsert(ctx context.Context, sub *db.PushSubscription) error {
	s.last = sub
	return s.err
}

type stubFeed struct {
	msgs    []*db.QueuedMessage
	updated int
	err     error
}

func (s *stubFeed) ListFeed(ctx context.Context, recipientID uuid.UUID, limit int) ([]*db.QueuedMessage, error) {
	return s.msgs, s.err
}

func (s *stubFeed) MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) (int, error) {
	return s.updated, s.err
}

func newTestHandler(enq *stubEnqueuer, disp *stubDispatcher, reg *stubRegistry, feed *stubFeed) *Handler {
	if enq == nil {
		enq = &stubEnqueuer{}
	}
	if disp == nil {
		disp = &stubDispatcher{}
	}
	if reg == nil {
		reg = &stubRegistry{}
	}
	if feed == nil {
		feed = &stubFeed{}
	}
	return NewHandler(zap.NewNop(), enq, disp, reg, feed)
}

func enqueueBody(t *testing.T, recipients ...uuid.UUID) *bytes.Buffer {
	t.Helper()
	body := map[string]any{
		"kind":           event.KindPenalty,
		"institution_id": uuid.New(),
		"student":        map[string]any{"id": uuid.New(), "full_name": "Awa Traoré"},
		"occurred_at":    time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC),
		"points":         3,
		"rubric":         "discipline",
	}
	if len(recipients) > 0 {
		body["recipients"] = recipients
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return buf
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	var problem ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return problem
}

func TestEnqueue_Accepted(t *testing.T) {
	enq := &stubEnqueuer{queued: 2}
	h := newTestHandler(enq, nil, nil, nil)

	recipient := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/enqueue", enqueueBody(t, recipient))
	rec := httptest.NewRecorder()
	h.Enqueue(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["queued"] != 2 {
		t.Fatalf("queued = %d", resp["queued"])
	}
	if len(enq.lastRecip) != 1 || enq.lastRecip[0] != recipient {
		t.Fatalf("recipients = %v", enq.lastRecip)
	}
}

func TestEnqueue_MalformedJSON(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/enqueue", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Enqueue(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if problem := decodeProblem(t, rec); problem.Type != "invalid_request" {
		t.Fatalf("problem = %+v", problem)
	}
}

func TestEnqueue_InvalidEvent(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := `{"kind":"newsletter","occurred_at":"2026-05-11T10:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/enqueue", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Enqueue(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEnqueue_StoreError(t *testing.T) {
	h := newTestHandler(&stubEnqueuer{err: errors.New("connection refused")}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/enqueue", enqueueBody(t, uuid.New()))
	rec := httptest.NewRecorder()
	h.Enqueue(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	// Internal details never leak to the caller.
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatal("response leaked the store error")
	}
}

func TestDispatch_ReturnsResult(t *testing.T) {
	h := newTestHandler(nil, &stubDispatcher{result: dispatch.Result{Attempted: 5, Sent: 4, Dropped: 1}}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	h.Dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result dispatch.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Attempted != 5 || result.Sent != 4 || result.Dropped != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestDispatch_RunError(t *testing.T) {
	h := newTestHandler(nil, &stubDispatcher{err: errors.New("push transport not configured")}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	h.Dispatch(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAbsenceDigest_Accepted(t *testing.T) {
	enq := &stubEnqueuer{queued: 3}
	h := newTestHandler(enq, nil, nil, nil)

	body := fmt.Sprintf(`{
		"institution_id": %q,
		"date": "2026-05-11",
		"entries": [
			{"student": {"id": %q, "full_name": "Awa Traoré"}, "slots": [{"time": "08:00", "subject": "Maths"}]}
		]
	}`, uuid.New(), uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/digests/absences", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.AbsenceDigest(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if enq.lastDig == nil || enq.lastDig.Date != "2026-05-11" {
		t.Fatalf("digest = %+v", enq.lastDig)
	}
}

func TestAbsenceDigest_BadDate(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := fmt.Sprintf(`{"institution_id": %q, "date": "11/05/2026", "entries": [{"student": {"id": %q}, "slots": [{"time": "08:00"}]}]}`,
		uuid.New(), uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/digests/absences", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.AbsenceDigest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubscribe_Web(t *testing.T) {
	reg := &stubRegistry{}
	h := newTestHandler(nil, nil, reg, nil)

	body := fmt.Sprintf(`{
		"recipient_id": %q,
		"platform": "web",
		"subscription": {"endpoint": "https://push.example.org/abc", "keys": {"p256dh": "k", "auth": "a"}}
	}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if reg.last == nil {
		t.Fatal("subscription not stored")
	}
	// Without an explicit device_id the endpoint serves as the key.
	if reg.last.DeviceID != "https://push.example.org/abc" {
		t.Fatalf("device id = %q", reg.last.DeviceID)
	}
	if len(reg.last.Subscription) == 0 {
		t.Fatal("subscription document not stored")
	}
}

func TestSubscribe_WebWithoutSubscription(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := fmt.Sprintf(`{"recipient_id": %q, "platform": "web"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubscribe_Android(t *testing.T) {
	reg := &stubRegistry{}
	h := newTestHandler(nil, nil, reg, nil)

	studentID := uuid.New()
	body := fmt.Sprintf(`{"recipient_id": %q, "platform": "android", "device_token": "fcm-token-1", "student_id": %q}`,
		uuid.New(), studentID)
	req := httptest.NewRequest(http.MethodPost, "/v1/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if reg.last.DeviceID != "fcm-token-1" {
		t.Fatalf("device id = %q", reg.last.DeviceID)
	}
	if reg.last.DeviceToken == nil || *reg.last.DeviceToken != "fcm-token-1" {
		t.Fatal("device token not stored")
	}
	if reg.last.StudentID == nil || *reg.last.StudentID != studentID {
		t.Fatal("student binding not stored")
	}
}

func TestSubscribe_MobileWithoutToken(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := fmt.Sprintf(`{"recipient_id": %q, "platform": "ios"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubscribe_UnknownPlatform(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := fmt.Sprintf(`{"recipient_id": %q, "platform": "windows", "device_token": "t"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/push/subscribe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFeed_ListsMessages(t *testing.T) {
	readAt := time.Date(2026, 5, 11, 12, 0, 0, 0, time.UTC)
	feed := &stubFeed{msgs: []*db.QueuedMessage{
		{ID: uuid.New(), Title: "Absence signalée", Body: "corps", Payload: []byte(`{"kind":"absence"}`), CreatedAt: time.Now()},
		{ID: uuid.New(), Title: "Note publiée", Body: "corps", Payload: []byte(`{"kind":"grade"}`), CreatedAt: time.Now(), ReadAt: &readAt},
	}}
	h := newTestHandler(nil, nil, nil, feed)

	req := httptest.NewRequest(http.MethodGet, "/v1/feed?recipient_id="+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	h.Feed(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data  []FeedItem `json:"data"`
		Count int        `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Fatalf("count = %d, items = %d", resp.Count, len(resp.Data))
	}
	if resp.Data[0].ReadAt != nil {
		t.Fatal("unread item should have no read_at")
	}
	if resp.Data[1].ReadAt == nil {
		t.Fatal("read item should carry read_at")
	}
}

func TestFeed_InvalidRecipient(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/feed?recipient_id=not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.Feed(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &stubFeed{updated: 2})

	body := fmt.Sprintf(`{"recipient_id": %q, "ids": [%q, %q]}`, uuid.New(), uuid.New(), uuid.New())
	req := httptest.NewRequest(http.MethodPatch, "/v1/feed/read", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.MarkRead(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["updated"] != 2 {
		t.Fatalf("updated = %d", resp["updated"])
	}
}

func TestMarkRead_MissingFields(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	body := fmt.Sprintf(`{"recipient_id": %q, "ids": []}`, uuid.New())
	req := httptest.NewRequest(http.MethodPatch, "/v1/feed/read", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.MarkRead(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
