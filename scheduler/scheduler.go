package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
)

const (
	DefaultLeaseTTL    = 5 * time.Minute
	DefaultMaxAttempts = 10
)

type Option func(*Scheduler)

// Scheduler owns retry timing, lease lifecycle, and the dead-letter edge for
// every durable work item. Workers only ever see items through Lease.
type Scheduler struct {
	queue       core.WorkItemStore
	backoff     BackoffPolicy
	observer    *core.Observer
	sink        core.ObservabilitySink
	leaseTTL    time.Duration
	maxAttempts int
	now         func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(s *Scheduler) {
		if s.observer == nil {
			s.observer = &core.Observer{}
		}
		s.observer.Logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(s *Scheduler) {
		if s.observer == nil {
			s.observer = &core.Observer{}
		}
		s.observer.MetricsRecorder = recorder
	}
}

func WithSink(sink core.ObservabilitySink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(s *Scheduler) {
		if policy != nil {
			s.backoff = policy
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

func WithMaxAttempts(limit int) Option {
	return func(s *Scheduler) {
		if limit > 0 {
			s.maxAttempts = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(queue core.WorkItemStore, opts ...Option) (*Scheduler, error) {
	if queue == nil {
		return nil, fmt.Errorf("scheduler: work item store is required")
	}
	scheduler := &Scheduler{
		queue:       queue,
		backoff:     NewExponentialBackoff(DefaultBackoffBase, DefaultBackoffCap, 0.2),
		observer:    core.NewObserver(nil, core.NopMetricsRecorder{}, "syncbridge"),
		sink:        core.NopSink{},
		leaseTTL:    DefaultLeaseTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(scheduler)
	}
	return scheduler, nil
}

// Lease hands the next due item to a worker. The store guarantees fairness
// across source keys and FIFO order within one.
func (s *Scheduler) Lease(ctx context.Context, workerID string, kinds ...core.WorkItemKind) (core.WorkItem, bool, error) {
	if s == nil || s.queue == nil {
		return core.WorkItem{}, false, fmt.Errorf("scheduler: scheduler is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return core.WorkItem{}, false, core.NewValidationError("scheduler: worker id is required")
	}
	if len(kinds) == 0 {
		kinds = []core.WorkItemKind{core.WorkItemKindWebhookEvent, core.WorkItemKindSyncJob}
	}
	return s.queue.Lease(ctx, workerID, kinds, s.now(), s.leaseTTL)
}

// Ack marks a leased item done. Items never come back after an ack.
func (s *Scheduler) Ack(ctx context.Context, id string) error {
	if s == nil || s.queue == nil {
		return fmt.Errorf("scheduler: scheduler is not configured")
	}
	return s.queue.Ack(ctx, id)
}

// Fail records a processing failure and decides between a timed retry and the
// dead letter. Validation and permanent provider failures skip the retry
// budget entirely.
func (s *Scheduler) Fail(ctx context.Context, item core.WorkItem, cause error) error {
	if s == nil || s.queue == nil {
		return fmt.Errorf("scheduler: scheduler is not configured")
	}
	startedAt := s.now()
	reason := core.ClassifyFailure(cause)

	// Attempts count the lease the failure happened on, so the limit itself
	// still reschedules; only the failure beyond it dead-letters.
	deadLetter := reason == core.FailureReasonValidation ||
		reason == core.FailureReasonPermanent ||
		item.Attempts > s.maxAttempts

	detail := string(reason)
	if cause != nil {
		detail = detail + ": " + cause.Error()
	}

	var nextAttemptAt *time.Time
	if !deadLetter {
		next := s.now().Add(s.backoff.NextDelay(item.Attempts))
		nextAttemptAt = &next
	}

	err := s.queue.Fail(ctx, item.ID, detail, nextAttemptAt, deadLetter)
	fields := map[string]any{
		"item_id":  item.ID,
		"kind":     item.Kind,
		"attempts": item.Attempts,
		"reason":   reason,
	}
	if nextAttemptAt != nil {
		fields["next_attempt_at"] = nextAttemptAt.Format(time.RFC3339)
	}
	s.observer.ObserveOperation(ctx, startedAt, "work_item_fail", err, fields)
	if err != nil {
		return err
	}

	if deadLetter {
		s.emit(ctx, "deadlettered", item, detail)
		return nil
	}
	s.emit(ctx, "retry_scheduled", item, detail)
	return nil
}

// ReapExpiredLeases returns timed-out leases to the pending pool so another
// worker can pick them up.
func (s *Scheduler) ReapExpiredLeases(ctx context.Context) (int, error) {
	if s == nil || s.queue == nil {
		return 0, fmt.Errorf("scheduler: scheduler is not configured")
	}
	startedAt := s.now()
	reaped, err := s.queue.ReapExpiredLeases(ctx, s.now())
	if reaped > 0 || err != nil {
		s.observer.ObserveOperation(ctx, startedAt, "lease_reap", err, map[string]any{
			"reaped": reaped,
		})
	}
	return reaped, err
}

// StartLeaseReaper reaps on the interval until the context ends.
func (s *Scheduler) StartLeaseReaper(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReapExpiredLeases(ctx); err != nil {
					s.observer.LogError(ctx, "lease reap failed", map[string]any{
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

func (s *Scheduler) ListDeadLettered(ctx context.Context, limit int) ([]core.WorkItem, error) {
	if s == nil || s.queue == nil {
		return nil, fmt.Errorf("scheduler: scheduler is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queue.ListDeadLettered(ctx, limit)
}

// ReplayDeadLetter re-injects a dead-lettered item with a reset attempt
// counter. Operator path only.
func (s *Scheduler) ReplayDeadLetter(ctx context.Context, id string) error {
	if s == nil || s.queue == nil {
		return fmt.Errorf("scheduler: scheduler is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.NewValidationError("scheduler: work item id is required")
	}
	startedAt := s.now()
	err := s.queue.Replay(ctx, id, s.now())
	s.observer.ObserveOperation(ctx, startedAt, "dead_letter_replay", err, map[string]any{
		"item_id": id,
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "replayed", core.WorkItem{ID: id}, "")
	return nil
}

func (s *Scheduler) emit(ctx context.Context, name string, item core.WorkItem, reason string) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink.Emit(ctx, core.BridgeEvent{
		ID:         uuid.NewString(),
		Name:       name,
		SourceID:   item.SourceKey,
		ItemID:     item.ID,
		Reason:     reason,
		OccurredAt: s.now(),
		Fields: map[string]any{
			"kind":     item.Kind,
			"attempts": item.Attempts,
		},
	})
}
