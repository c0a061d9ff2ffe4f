package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
)

type Option func(*Service)

// Service is the webhook ingestion pipeline: verify, dedupe, persist, enqueue.
// Nothing is acknowledged before the event row is durable.
type Service struct {
	events   core.EventStore
	queue    core.WorkItemStore
	verifier SignatureVerifier
	observer *core.Observer
	sink     core.ObservabilitySink
	now      func() time.Time
}

type IngestRequest struct {
	SourceID  string
	DedupeKey string
	Signature string
	Payload   []byte
}

type IngestResult struct {
	EventID string
	Deduped bool
}

func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if s.observer == nil {
			s.observer = &core.Observer{}
		}
		s.observer.Logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(s *Service) {
		if s.observer == nil {
			s.observer = &core.Observer{}
		}
		s.observer.MetricsRecorder = recorder
	}
}

func WithSink(sink core.ObservabilitySink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(events core.EventStore, queue core.WorkItemStore, verifier SignatureVerifier, opts ...Option) (*Service, error) {
	if events == nil {
		return nil, fmt.Errorf("intake: event store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("intake: work item store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("intake: signature verifier is required")
	}
	service := &Service{
		events:   events,
		queue:    queue,
		verifier: verifier,
		observer: core.NewObserver(nil, core.NopMetricsRecorder{}, "syncbridge"),
		sink:     core.NopSink{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(service)
	}
	return service, nil
}

// Ingest verifies the signature before any write, persists the event as
// pending, and enqueues it for the scheduler. A duplicate delivery returns
// the original event ID without re-enqueueing.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if s == nil || s.events == nil {
		return IngestResult{}, fmt.Errorf("intake: service is not configured")
	}
	startedAt := s.now()

	sourceID := core.NormalizeSourceID(req.SourceID)
	result, err := s.ingest(ctx, sourceID, req)
	s.observer.ObserveOperation(ctx, startedAt, "webhook_ingest", err, map[string]any{
		"source_id": sourceID,
		"deduped":   result.Deduped,
	})
	return result, err
}

func (s *Service) ingest(ctx context.Context, sourceID string, req IngestRequest) (IngestResult, error) {
	if sourceID == "" {
		return IngestResult{}, core.NewValidationError("intake: source id is required")
	}
	if len(req.Payload) == 0 {
		return IngestResult{}, core.NewValidationError("intake: payload is required")
	}

	if err := s.verifier.Verify(ctx, sourceID, req.Payload, req.Signature); err != nil {
		return IngestResult{}, err
	}

	dedupeKey := strings.TrimSpace(req.DedupeKey)
	if dedupeKey == "" {
		sum := sha256.Sum256(req.Payload)
		dedupeKey = hex.EncodeToString(sum[:])
	}

	event, deduped, err := s.events.Create(ctx, core.CreateEventInput{
		SourceID:  sourceID,
		DedupeKey: dedupeKey,
		Signature: strings.TrimSpace(req.Signature),
		Payload:   req.Payload,
	})
	if err != nil {
		return IngestResult{}, err
	}
	if deduped {
		return IngestResult{EventID: event.ID, Deduped: true}, nil
	}

	if err := s.queue.Enqueue(ctx, core.WorkItem{
		ID:        event.ID,
		Kind:      core.WorkItemKindWebhookEvent,
		SourceKey: sourceID,
		Payload:   req.Payload,
		CreatedAt: s.now(),
	}); err != nil {
		return IngestResult{}, fmt.Errorf("intake: enqueue event %s: %w", event.ID, err)
	}

	s.emit(ctx, "ingested", sourceID, event.ID, dedupeKey)
	return IngestResult{EventID: event.ID}, nil
}

func (s *Service) emit(ctx context.Context, name, sourceID, eventID, dedupeKey string) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink.Emit(ctx, core.BridgeEvent{
		ID:         uuid.NewString(),
		Name:       name,
		SourceID:   sourceID,
		ItemID:     eventID,
		OccurredAt: s.now(),
		Fields: map[string]any{
			"dedupe_key": dedupeKey,
		},
	})
}
