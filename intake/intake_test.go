package intake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	goerrors "github.com/goliatone/go-errors"
)

type memoryEventStore struct {
	mu     sync.Mutex
	byKey  map[string]core.WebhookEvent
	nextID int
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{byKey: map[string]core.WebhookEvent{}}
}

func (s *memoryEventStore) key(sourceID, dedupeKey string) string {
	return sourceID + "|" + dedupeKey
}

func (s *memoryEventStore) Create(_ context.Context, in core.CreateEventInput) (core.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[s.key(in.SourceID, in.DedupeKey)]; ok {
		return existing, true, nil
	}
	s.nextID++
	event := core.WebhookEvent{
		ID:         fmt.Sprintf("event-%d", s.nextID),
		SourceID:   in.SourceID,
		DedupeKey:  in.DedupeKey,
		Signature:  in.Signature,
		Payload:    append([]byte(nil), in.Payload...),
		Status:     core.EventStatusPending,
		ReceivedAt: time.Now().UTC(),
	}
	s.byKey[s.key(in.SourceID, in.DedupeKey)] = event
	return event, false, nil
}

func (s *memoryEventStore) Get(_ context.Context, id string) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.byKey {
		if event.ID == id {
			return event, nil
		}
	}
	return core.WebhookEvent{}, core.ErrEventNotFound
}

func (s *memoryEventStore) FindByDedupeKey(_ context.Context, sourceID, dedupeKey string) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := s.byKey[s.key(sourceID, dedupeKey)]; ok {
		return event, nil
	}
	return core.WebhookEvent{}, core.ErrEventNotFound
}

type enqueueOnlyStore struct {
	mu    sync.Mutex
	items []core.WorkItem
}

func (s *enqueueOnlyStore) Enqueue(_ context.Context, item core.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *enqueueOnlyStore) Lease(context.Context, string, []core.WorkItemKind, time.Time, time.Duration) (core.WorkItem, bool, error) {
	return core.WorkItem{}, false, nil
}
func (s *enqueueOnlyStore) Ack(context.Context, string) error { return nil }
func (s *enqueueOnlyStore) Fail(context.Context, string, string, *time.Time, bool) error {
	return nil
}
func (s *enqueueOnlyStore) ReapExpiredLeases(context.Context, time.Time) (int, error) { return 0, nil }
func (s *enqueueOnlyStore) ListDeadLettered(context.Context, int) ([]core.WorkItem, error) {
	return nil, nil
}
func (s *enqueueOnlyStore) Replay(context.Context, string, time.Time) error { return nil }

func (s *enqueueOnlyStore) enqueued() []core.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.WorkItem, len(s.items))
	copy(out, s.items)
	return out
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestService(t *testing.T) (*Service, *memoryEventStore, *enqueueOnlyStore) {
	t.Helper()
	events := newMemoryEventStore()
	queue := &enqueueOnlyStore{}
	verifier, err := NewHMACVerifier(StaticSecretResolver{"platform_a": []byte("topsecret")})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	service, err := NewService(events, queue, verifier)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, events, queue
}

func TestIngestPersistsAndEnqueues(t *testing.T) {
	service, events, queue := newTestService(t)
	body := []byte(`{"entity_id":"deal-7"}`)

	result, err := service.Ingest(context.Background(), IngestRequest{
		SourceID:  "platform_a",
		DedupeKey: "evt-1",
		Signature: sign("topsecret", body),
		Payload:   body,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Deduped {
		t.Fatal("first delivery should not dedupe")
	}

	stored, err := events.FindByDedupeKey(context.Background(), "platform_a", "evt-1")
	if err != nil {
		t.Fatalf("stored event: %v", err)
	}
	if stored.Status != core.EventStatusPending {
		t.Fatalf("status = %s", stored.Status)
	}
	if !bytes.Equal(stored.Payload, body) {
		t.Fatal("payload mismatch")
	}

	items := queue.enqueued()
	if len(items) != 1 {
		t.Fatalf("expected 1 work item, got %d", len(items))
	}
	if items[0].Kind != core.WorkItemKindWebhookEvent {
		t.Fatalf("kind = %s", items[0].Kind)
	}
	if items[0].SourceKey != "platform_a" {
		t.Fatalf("source key = %s", items[0].SourceKey)
	}
	if items[0].ID != result.EventID {
		t.Fatalf("work item id %s != event id %s", items[0].ID, result.EventID)
	}
}

func TestIngestDeduplicatesRedelivery(t *testing.T) {
	service, _, queue := newTestService(t)
	body := []byte(`{"entity_id":"deal-7"}`)
	signature := sign("topsecret", body)

	first, err := service.Ingest(context.Background(), IngestRequest{
		SourceID:  "platform_a",
		DedupeKey: "evt-1",
		Signature: signature,
		Payload:   body,
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second, err := service.Ingest(context.Background(), IngestRequest{
		SourceID:  "platform_a",
		DedupeKey: "evt-1",
		Signature: signature,
		Payload:   body,
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Deduped {
		t.Fatal("redelivery should dedupe")
	}
	if second.EventID != first.EventID {
		t.Fatalf("dedupe should return the original event id: %s != %s", second.EventID, first.EventID)
	}
	if got := len(queue.enqueued()); got != 1 {
		t.Fatalf("redelivery should not enqueue again, got %d items", got)
	}
}

func TestIngestRejectsBadSignatureBeforeAnyWrite(t *testing.T) {
	service, events, queue := newTestService(t)
	body := []byte(`{"entity_id":"deal-7"}`)

	_, err := service.Ingest(context.Background(), IngestRequest{
		SourceID:  "platform_a",
		DedupeKey: "evt-1",
		Signature: sign("wrong-secret", body),
		Payload:   body,
	})
	if err == nil {
		t.Fatal("expected signature error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.BridgeErrorInvalidSignature {
		t.Fatalf("expected signature text code, got %v", err)
	}

	if _, err := events.FindByDedupeKey(context.Background(), "platform_a", "evt-1"); err == nil {
		t.Fatal("rejected delivery must not be persisted")
	}
	if got := len(queue.enqueued()); got != 0 {
		t.Fatalf("rejected delivery must not be enqueued, got %d", got)
	}
}

func TestIngestDerivesDedupeKeyFromPayload(t *testing.T) {
	service, events, _ := newTestService(t)
	body := []byte(`{"entity_id":"deal-9"}`)
	sum := sha256.Sum256(body)

	if _, err := service.Ingest(context.Background(), IngestRequest{
		SourceID:  "platform_a",
		Signature: sign("topsecret", body),
		Payload:   body,
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := events.FindByDedupeKey(context.Background(), "platform_a", hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("expected payload-hash dedupe key: %v", err)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	service, _, _ := newTestService(t)
	handler := Handler(service)
	body := []byte(`{"entity_id":"deal-7"}`)

	t.Run("accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/platform_a", bytes.NewReader(body))
		req.Header.Set(HeaderDelivery, "evt-1")
		req.Header.Set(HeaderSignature, sign("topsecret", body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/platform_a", bytes.NewReader(body))
		req.Header.Set(HeaderSignature, "sha256=deadbeef")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bad request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/platform_a", bytes.NewReader(nil))
		req.Header.Set(HeaderSignature, sign("topsecret", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})
}
