package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-syncbridge/core"
)

const (
	DefaultWorkerCount    = 4
	DefaultProcessTimeout = 30 * time.Second
	DefaultIdleSleep      = time.Second
)

// Processor handles one leased work item.
type Processor interface {
	Process(ctx context.Context, item core.WorkItem) error
}

// ItemSource is the scheduler surface the pool pulls from.
type ItemSource interface {
	Lease(ctx context.Context, workerID string, kinds ...core.WorkItemKind) (core.WorkItem, bool, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, item core.WorkItem, cause error) error
}

type Option func(*Pool)

// Pool runs N pull loops over the scheduler. Workers never share items in
// process; every hand-off goes through a durable lease.
type Pool struct {
	source         ItemSource
	processor      Processor
	observer       *core.Observer
	count          int
	processTimeout time.Duration
	idleSleep      time.Duration
	namePrefix     string

	wg sync.WaitGroup
}

func WithLogger(logger core.Logger) Option {
	return func(p *Pool) {
		if p.observer == nil {
			p.observer = &core.Observer{}
		}
		p.observer.Logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(p *Pool) {
		if p.observer == nil {
			p.observer = &core.Observer{}
		}
		p.observer.MetricsRecorder = recorder
	}
}

func WithWorkerCount(count int) Option {
	return func(p *Pool) {
		if count > 0 {
			p.count = count
		}
	}
}

func WithProcessTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.processTimeout = timeout
		}
	}
}

func WithIdleSleep(sleep time.Duration) Option {
	return func(p *Pool) {
		if sleep > 0 {
			p.idleSleep = sleep
		}
	}
}

func WithNamePrefix(prefix string) Option {
	return func(p *Pool) {
		if prefix != "" {
			p.namePrefix = prefix
		}
	}
}

func NewPool(source ItemSource, processor Processor, opts ...Option) (*Pool, error) {
	if source == nil {
		return nil, fmt.Errorf("worker: item source is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("worker: processor is required")
	}
	pool := &Pool{
		source:         source,
		processor:      processor,
		observer:       core.NewObserver(nil, core.NopMetricsRecorder{}, "syncbridge"),
		count:          DefaultWorkerCount,
		processTimeout: DefaultProcessTimeout,
		idleSleep:      DefaultIdleSleep,
		namePrefix:     "worker",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(pool)
	}
	return pool, nil
}

// Start launches the workers. They stop when the context ends; Wait blocks
// until every loop has drained.
func (p *Pool) Start(ctx context.Context) {
	if p == nil {
		return
	}
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("%s-%d", p.namePrefix, i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
}

func (p *Pool) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok, err := p.source.Lease(ctx, workerID)
		if err != nil {
			p.observer.LogError(ctx, "lease failed", map[string]any{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			if !p.sleep(ctx, p.idleSleep) {
				return
			}
			continue
		}
		if !ok {
			if !p.sleep(ctx, p.idleSleep) {
				return
			}
			continue
		}
		p.handle(ctx, workerID, item)
	}
}

func (p *Pool) handle(ctx context.Context, workerID string, item core.WorkItem) {
	startedAt := time.Now().UTC()
	processCtx, cancel := context.WithTimeout(ctx, p.processTimeout)
	err := p.processor.Process(processCtx, item)
	cancel()

	p.observer.ObserveOperation(ctx, startedAt, "work_item_process", err, map[string]any{
		"worker_id": workerID,
		"item_id":   item.ID,
		"kind":      item.Kind,
		"attempts":  item.Attempts,
	})

	if err != nil {
		if failErr := p.source.Fail(ctx, item, err); failErr != nil {
			p.observer.LogError(ctx, "fail recording failed", map[string]any{
				"worker_id": workerID,
				"item_id":   item.ID,
				"error":     failErr.Error(),
			})
		}
		return
	}
	if ackErr := p.source.Ack(ctx, item.ID); ackErr != nil {
		p.observer.LogError(ctx, "ack failed", map[string]any{
			"worker_id": workerID,
			"item_id":   item.ID,
			"error":     ackErr.Error(),
		})
	}
}

func (p *Pool) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = DefaultIdleSleep
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
