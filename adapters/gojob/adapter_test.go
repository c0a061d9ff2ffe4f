package gojob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-syncbridge/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestWorkItemMessageRoundTrip(t *testing.T) {
	original := core.WorkItem{
		ID:        "item-1",
		Kind:      core.WorkItemKindWebhookEvent,
		SourceKey: "platform_a",
		Payload:   []byte(`{"entity_id":"a-1"}`),
	}

	msg := ToExecutionMessage(original)
	if msg.JobID != JobIDWebhookEvent {
		t.Fatalf("expected job id %q, got %q", JobIDWebhookEvent, msg.JobID)
	}
	if msg.IdempotencyKey != "item-1" {
		t.Fatalf("expected item id as idempotency key, got %q", msg.IdempotencyKey)
	}

	roundTrip, err := FromExecutionMessage(msg)
	if err != nil {
		t.Fatalf("from execution message: %v", err)
	}
	if roundTrip.ID != original.ID {
		t.Fatalf("expected item id %q, got %q", original.ID, roundTrip.ID)
	}
	if roundTrip.Kind != original.Kind {
		t.Fatalf("expected kind %q, got %q", original.Kind, roundTrip.Kind)
	}
	if roundTrip.SourceKey != original.SourceKey {
		t.Fatalf("expected source key %q, got %q", original.SourceKey, roundTrip.SourceKey)
	}
	if string(roundTrip.Payload) != string(original.Payload) {
		t.Fatalf("expected payload to survive mapping, got %q", roundTrip.Payload)
	}

	syncMsg := ToExecutionMessage(core.WorkItem{ID: "item-2", Kind: core.WorkItemKindSyncJob})
	if syncMsg.JobID != JobIDSyncJob {
		t.Fatalf("expected job id %q, got %q", JobIDSyncJob, syncMsg.JobID)
	}
}

func TestFromExecutionMessageRejectsBadInput(t *testing.T) {
	if _, err := FromExecutionMessage(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: JobIDWebhookEvent}); err == nil {
		t.Fatalf("expected error for missing item id")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{
		JobID: JobIDWebhookEvent,
		Parameters: map[string]any{
			"item_id": "item-1",
			"kind":    "unknown",
		},
	}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{
		JobID: JobIDWebhookEvent,
		Parameters: map[string]any{
			"item_id": "item-1",
			"kind":    string(core.WorkItemKindWebhookEvent),
			"payload": "not base64!!",
		},
	}); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestEnqueuerAdapterMapsWorkItems(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuerAdapter(enqueuer)

	err := adapter.Enqueue(context.Background(), core.WorkItem{
		ID:        "item-1",
		Kind:      core.WorkItemKindSyncJob,
		SourceKey: "platform_b",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDSyncJob {
		t.Fatalf("expected mapped go-job message, got %#v", enqueuer.last)
	}

	if err := adapter.Enqueue(context.Background(), core.WorkItem{}); err == nil {
		t.Fatalf("expected error for missing item id")
	}

	var unconfigured *EnqueuerAdapter
	if err := unconfigured.Enqueue(context.Background(), core.WorkItem{ID: "item-1"}); err == nil {
		t.Fatalf("expected error for unconfigured adapter")
	}
}

func TestRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	}

	bounded := policy.NormalizeAttempt(queue.NackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  "transient",
	}, 1)
	if bounded.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", bounded.Delay)
	}
	if !bounded.Requeue {
		t.Fatalf("expected requeue before max attempts")
	}

	atLimit := policy.NormalizeAttempt(queue.NackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "still failing",
	}, 3)
	if !atLimit.Requeue {
		t.Fatalf("expected requeue on the final attempt within the limit")
	}

	exhausted := policy.NormalizeAttempt(queue.NackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "still failing",
	}, 4)
	if exhausted.Requeue {
		t.Fatalf("expected no requeue beyond max attempts")
	}
	if !exhausted.DeadLetter {
		t.Fatalf("expected dead letter beyond max attempts")
	}

	settled := RetryPolicy{}.NormalizeAttempt(queue.NackOptions{Delay: -time.Second}, 0)
	if settled.Delay != 0 {
		t.Fatalf("expected negative delay to clamp to zero, got %s", settled.Delay)
	}
	if !settled.Requeue {
		t.Fatalf("expected requeue fallback when neither outcome is set")
	}
}

func TestDeliveryProcessorSettlesDeliveries(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 10, MaxDelay: time.Minute}
	message := ToExecutionMessage(core.WorkItem{
		ID:        "item-1",
		Kind:      core.WorkItemKindWebhookEvent,
		SourceKey: "platform_a",
	})

	t.Run("success acks", func(t *testing.T) {
		delivery := &stubQueueDelivery{msg: message}
		processor := NewDeliveryProcessor(stubProcessor{}, policy)
		if err := processor.Handle(ctx, delivery, 1); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if !delivery.acked {
			t.Fatalf("expected ack on success")
		}
	})

	t.Run("transient failure requeues", func(t *testing.T) {
		delivery := &stubQueueDelivery{msg: message}
		processor := NewDeliveryProcessor(stubProcessor{err: errors.New("upstream timeout")}, policy)
		if err := processor.Handle(ctx, delivery, 1); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if delivery.acked {
			t.Fatalf("expected nack, got ack")
		}
		if !delivery.nackOpts.Requeue || delivery.nackOpts.DeadLetter {
			t.Fatalf("expected requeue for transient failure, got %#v", delivery.nackOpts)
		}
		if !strings.Contains(delivery.nackOpts.Reason, string(core.FailureReasonTransient)) {
			t.Fatalf("expected classified reason, got %q", delivery.nackOpts.Reason)
		}
	})

	t.Run("validation failure dead letters", func(t *testing.T) {
		delivery := &stubQueueDelivery{msg: message}
		processor := NewDeliveryProcessor(stubProcessor{err: core.NewValidationError("entity_id is required")}, policy)
		if err := processor.Handle(ctx, delivery, 1); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
			t.Fatalf("expected dead letter for validation failure, got %#v", delivery.nackOpts)
		}
	})

	t.Run("malformed delivery dead letters", func(t *testing.T) {
		delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDWebhookEvent}}
		processor := NewDeliveryProcessor(stubProcessor{}, policy)
		if err := processor.Handle(ctx, delivery, 1); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
			t.Fatalf("expected dead letter for malformed delivery, got %#v", delivery.nackOpts)
		}
	})
}

func TestObserverHookAdapterRecordsLifecycle(t *testing.T) {
	recorder := &capturingRecorder{}
	observer := core.NewObserver(nil, recorder, "syncbridge")
	adapter := NewObserverHookAdapter(observer)

	event := worker.Event{
		Message:   ToExecutionMessage(core.WorkItem{ID: "item-1", Kind: core.WorkItemKindWebhookEvent}),
		Attempt:   2,
		StartedAt: time.Now().UTC().Add(-time.Second),
		Duration:  250 * time.Millisecond,
	}

	adapter.OnStart(context.Background(), event)
	adapter.OnSuccess(context.Background(), event)
	if len(recorder.counters) != 1 {
		t.Fatalf("expected one counter after success, got %d", len(recorder.counters))
	}
	if recorder.counters[0].name != "syncbridge.queue_job.total" {
		t.Fatalf("unexpected counter name %q", recorder.counters[0].name)
	}
	if recorder.counters[0].tags["status"] != "success" {
		t.Fatalf("expected success status, got %q", recorder.counters[0].tags["status"])
	}
	if recorder.counters[0].tags["item_id"] != "item-1" {
		t.Fatalf("expected item id tag, got %q", recorder.counters[0].tags["item_id"])
	}

	event.Err = errors.New("upstream timeout")
	adapter.OnFailure(context.Background(), event)
	if len(recorder.counters) != 2 {
		t.Fatalf("expected failure counter, got %d", len(recorder.counters))
	}
	if recorder.counters[1].tags["status"] != "failure" {
		t.Fatalf("expected failure status, got %q", recorder.counters[1].tags["status"])
	}

	var unconfigured *ObserverHookAdapter
	unconfigured.OnRetry(context.Background(), event)
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type stubProcessor struct {
	err error
}

func (s stubProcessor) Process(context.Context, core.WorkItem) error {
	return s.err
}

type counterRecord struct {
	name  string
	value int64
	tags  map[string]string
}

type capturingRecorder struct {
	counters []counterRecord
}

func (r *capturingRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	r.counters = append(r.counters, counterRecord{name: name, value: value, tags: tags})
}

func (r *capturingRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}
