package gojob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDWebhookEvent = "syncbridge.webhook_event"
	JobIDSyncJob      = "syncbridge.sync_job"
)

const (
	paramItemID    = "item_id"
	paramKind      = "kind"
	paramSourceKey = "source_key"
	paramPayload   = "payload"
)

// RetryPolicy bounds queue retries so a broker-backed deployment matches the
// scheduler's dead-letter behavior.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	// The limit itself still requeues; only an attempt beyond it settles,
	// matching the scheduler's dead-letter edge.
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps a bridge work item onto the go-job wire contract.
// The item id doubles as the idempotency key so broker redeliveries collapse.
func ToExecutionMessage(item core.WorkItem) *job.ExecutionMessage {
	jobID := JobIDWebhookEvent
	if item.Kind == core.WorkItemKindSyncJob {
		jobID = JobIDSyncJob
	}
	return &job.ExecutionMessage{
		JobID:          jobID,
		IdempotencyKey: strings.TrimSpace(item.ID),
		Parameters: map[string]any{
			paramItemID:    strings.TrimSpace(item.ID),
			paramKind:      string(item.Kind),
			paramSourceKey: strings.TrimSpace(item.SourceKey),
			paramPayload:   base64.StdEncoding.EncodeToString(item.Payload),
		},
	}
}

// FromExecutionMessage reconstructs the work item a broker delivery carries.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.WorkItem, error) {
	if msg == nil {
		return core.WorkItem{}, fmt.Errorf("gojob: execution message is required")
	}
	itemID := stringParam(msg.Parameters, paramItemID)
	if itemID == "" {
		itemID = strings.TrimSpace(msg.IdempotencyKey)
	}
	if itemID == "" {
		return core.WorkItem{}, fmt.Errorf("gojob: execution message has no item id")
	}
	kind := core.WorkItemKind(stringParam(msg.Parameters, paramKind))
	switch kind {
	case core.WorkItemKindWebhookEvent, core.WorkItemKindSyncJob:
	default:
		return core.WorkItem{}, fmt.Errorf("gojob: unknown work item kind %q", kind)
	}

	item := core.WorkItem{
		ID:        itemID,
		Kind:      kind,
		SourceKey: stringParam(msg.Parameters, paramSourceKey),
	}
	if encoded := stringParam(msg.Parameters, paramPayload); encoded != "" {
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return core.WorkItem{}, fmt.Errorf("gojob: decode payload: %w", err)
		}
		item.Payload = payload
	}
	return item, nil
}

// EnqueuerAdapter relays bridge work items into a go-job broker queue for
// deployments that fan intake out across processes.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, item core.WorkItem) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("gojob: work item id is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(item))
}

// DeliveryProcessor runs one broker delivery through the engine and settles
// it with the retry policy applied.
type DeliveryProcessor struct {
	processor interface {
		Process(ctx context.Context, item core.WorkItem) error
	}
	policy RetryPolicy
}

func NewDeliveryProcessor(processor interface {
	Process(ctx context.Context, item core.WorkItem) error
}, policy RetryPolicy) *DeliveryProcessor {
	return &DeliveryProcessor{processor: processor, policy: policy}
}

func (d *DeliveryProcessor) Handle(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if d == nil || d.processor == nil {
		return fmt.Errorf("gojob: processor is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	item, err := FromExecutionMessage(delivery.Message())
	if err != nil {
		return delivery.Nack(ctx, d.policy.NormalizeAttempt(queue.NackOptions{
			DeadLetter: true,
			Reason:     err.Error(),
		}, attempt))
	}
	if processErr := d.processor.Process(ctx, item); processErr != nil {
		reason := core.ClassifyFailure(processErr)
		opts := queue.NackOptions{
			Requeue: true,
			Reason:  string(reason) + ": " + processErr.Error(),
		}
		if reason == core.FailureReasonValidation || reason == core.FailureReasonPermanent {
			opts.Requeue = false
			opts.DeadLetter = true
		}
		return delivery.Nack(ctx, d.policy.NormalizeAttempt(opts, attempt))
	}
	return delivery.Ack(ctx)
}

// ObserverHookAdapter surfaces go-job worker lifecycle events through the
// bridge observer.
type ObserverHookAdapter struct {
	observer *core.Observer
}

func NewObserverHookAdapter(observer *core.Observer) *ObserverHookAdapter {
	return &ObserverHookAdapter{observer: observer}
}

func (a *ObserverHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.observer == nil {
		return
	}
	a.observer.LogInfo(ctx, "queue job started", eventFields(event))
}

func (a *ObserverHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.observer == nil {
		return
	}
	a.observer.ObserveOperation(ctx, event.StartedAt, "queue_job", nil, eventFields(event))
}

func (a *ObserverHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.observer == nil {
		return
	}
	a.observer.ObserveOperation(ctx, event.StartedAt, "queue_job", event.Err, eventFields(event))
}

func (a *ObserverHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.observer == nil {
		return
	}
	a.observer.LogWarn(ctx, "queue job retry scheduled", eventFields(event))
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"attempt": event.Attempt,
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message != nil {
		fields["item_id"] = stringParam(message.Parameters, paramItemID)
		fields["kind"] = stringParam(message.Parameters, paramKind)
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

var _ worker.Hook = (*ObserverHookAdapter)(nil)
