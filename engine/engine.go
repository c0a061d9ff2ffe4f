package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
)

const (
	DiscardReasonEcho         = "echo_suppressed"
	DiscardReasonNoChange     = "no_change"
	DiscardReasonConflictLost = "conflict_lost_lww"
)

type Option func(*Engine)

// Engine drives each logical change through fetch, map, conflict resolution,
// apply, and commit. It owns sync jobs and mappings; credentials and retry
// timing stay with the vault and the scheduler.
type Engine struct {
	jobs     core.SyncJobStore
	mappings core.MappingStore
	queue    core.WorkItemStore
	adapters core.AdapterRegistry
	tokens   core.TokenSource
	mapper   *FieldMapper
	observer *core.Observer
	sink     core.ObservabilitySink
	now      func() time.Time
}

// webhookPayload is the minimal envelope every source delivers.
type webhookPayload struct {
	EntityID string `json:"entity_id"`
}

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if e.observer == nil {
			e.observer = &core.Observer{}
		}
		e.observer.Logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(e *Engine) {
		if e.observer == nil {
			e.observer = &core.Observer{}
		}
		e.observer.MetricsRecorder = recorder
	}
}

func WithSink(sink core.ObservabilitySink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(
	jobs core.SyncJobStore,
	mappings core.MappingStore,
	queue core.WorkItemStore,
	adapters core.AdapterRegistry,
	tokens core.TokenSource,
	mapper *FieldMapper,
	opts ...Option,
) (*Engine, error) {
	if jobs == nil {
		return nil, fmt.Errorf("engine: sync job store is required")
	}
	if mappings == nil {
		return nil, fmt.Errorf("engine: mapping store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("engine: work item store is required")
	}
	if adapters == nil {
		return nil, fmt.Errorf("engine: adapter registry is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("engine: token source is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("engine: field mapper is required")
	}
	engine := &Engine{
		jobs:     jobs,
		mappings: mappings,
		queue:    queue,
		adapters: adapters,
		tokens:   tokens,
		mapper:   mapper,
		observer: core.NewObserver(nil, core.NopMetricsRecorder{}, "syncbridge"),
		sink:     core.NopSink{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(engine)
	}
	return engine, nil
}

// Process dispatches one leased work item. Webhook events become sync jobs;
// sync jobs run the state machine.
func (e *Engine) Process(ctx context.Context, item core.WorkItem) error {
	if e == nil || e.jobs == nil {
		return fmt.Errorf("engine: engine is not configured")
	}
	switch item.Kind {
	case core.WorkItemKindWebhookEvent:
		return e.processWebhookEvent(ctx, item)
	case core.WorkItemKindSyncJob:
		return e.ProcessSyncJob(ctx, item.ID)
	default:
		return core.NewValidationError("engine: unknown work item kind " + string(item.Kind))
	}
}

// processWebhookEvent turns an inbound delivery into a durable sync job and
// enqueues it. The direction derives from the source platform.
func (e *Engine) processWebhookEvent(ctx context.Context, item core.WorkItem) error {
	startedAt := e.now()

	direction, err := directionFromSource(item.SourceKey)
	if err != nil {
		return err
	}

	var envelope webhookPayload
	if err := json.Unmarshal(item.Payload, &envelope); err != nil {
		return core.NewValidationError("engine: webhook payload is not JSON: " + err.Error())
	}
	entityID := strings.TrimSpace(envelope.EntityID)
	if entityID == "" {
		return core.NewValidationError("engine: webhook payload has no entity_id")
	}

	job, err := e.fetchIntoJob(ctx, direction, entityID, item.ID)
	e.observer.ObserveOperation(ctx, startedAt, "webhook_dispatch", err, map[string]any{
		"source_id": item.SourceKey,
		"item_id":   item.ID,
		"direction": direction,
	})
	if err != nil {
		return err
	}

	if err := e.queue.Enqueue(ctx, core.WorkItem{
		ID:        job.ID,
		Kind:      core.WorkItemKindSyncJob,
		SourceKey: string(direction),
		CreatedAt: e.now(),
	}); err != nil {
		return fmt.Errorf("engine: enqueue sync job %s: %w", job.ID, err)
	}
	return nil
}

// fetchIntoJob reads the origin entity and persists a sync job in the fetched
// state, creating the mapping row on first contact.
func (e *Engine) fetchIntoJob(ctx context.Context, direction core.SyncDirection, entityID, sourceEventID string) (core.SyncJob, error) {
	origin := direction.Origin()
	adapter, ok := e.adapters.Get(origin)
	if !ok {
		return core.SyncJob{}, fmt.Errorf("engine: no adapter registered for platform %s", origin)
	}
	token, err := e.tokens.GetValidToken(ctx, adapter.ProviderID())
	if err != nil {
		return core.SyncJob{}, err
	}
	state, err := adapter.Fetch(ctx, token, entityID)
	if err != nil {
		return core.SyncJob{}, err
	}

	mapping, err := e.ensureMapping(ctx, origin, state.EntityID)
	if err != nil {
		return core.SyncJob{}, err
	}

	hash, err := canonicalHashBytes(state.Payload)
	if err != nil {
		return core.SyncJob{}, err
	}

	return e.jobs.Create(ctx, core.CreateSyncJobInput{
		MappingID:     mapping.ID,
		Direction:     direction,
		SourceEventID: sourceEventID,
		Payload:       state.Payload,
		PayloadHash:   hash,
		RemoteVersion: state.Version,
	})
}

func (e *Engine) ensureMapping(ctx context.Context, platform core.Platform, entityID string) (core.SyncMapping, error) {
	mapping, err := e.mappings.FindByEntity(ctx, platform, entityID)
	if err == nil {
		return mapping, nil
	}
	if !errors.Is(err, core.ErrMappingNotFound) {
		return core.SyncMapping{}, err
	}
	input := core.UpsertMappingInput{}
	if platform == core.PlatformA {
		input.EntityIDA = entityID
	} else {
		input.EntityIDB = entityID
	}
	return e.mappings.Upsert(ctx, input)
}

// ProcessSyncJob advances one job through the state machine until it is
// committed or discarded. Re-running a job resumes where it stopped, so a
// crash between apply and commit replays only the idempotent tail.
func (e *Engine) ProcessSyncJob(ctx context.Context, jobID string) error {
	startedAt := e.now()
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == core.SyncJobStateCommitted || job.State == core.SyncJobStateDiscarded {
		return nil
	}

	err = e.runStateMachine(ctx, &job)
	e.observer.ObserveOperation(ctx, startedAt, "sync_job_process", err, map[string]any{
		"item_id":   job.ID,
		"direction": job.Direction,
		"state":     job.State,
	})
	return err
}

func (e *Engine) runStateMachine(ctx context.Context, job *core.SyncJob) error {
	mapping, err := e.mappings.Get(ctx, job.MappingID)
	if err != nil {
		return err
	}

	if job.State == core.SyncJobStateFetched {
		// Echo suppression: the incoming change is the one this bridge wrote
		// to the origin platform a moment ago.
		if job.PayloadHash == mapping.LastSyncHash && mapping.LastOrigin == job.Direction.Destination() {
			return e.discard(ctx, job, DiscardReasonEcho)
		}
		if job.PayloadHash == mapping.LastSyncHash {
			return e.discard(ctx, job, DiscardReasonNoChange)
		}
		// A repeat of the change this direction already committed maps to the
		// destination payload recorded on the mapping; nothing left to push.
		if mapping.LastSyncHash != "" && mapping.LastOrigin == job.Direction.Origin() {
			mapped, err := e.mapper.Map(job.Direction, job.Payload)
			if err != nil {
				return err
			}
			mappedHash, err := canonicalHash(mapped.Output)
			if err != nil {
				return err
			}
			if mappedHash == mapping.LastSyncHash {
				return e.discard(ctx, job, DiscardReasonNoChange)
			}
		}
		if err := e.advance(ctx, job, core.SyncJobStateMapped); err != nil {
			return err
		}
	}

	destination := job.Direction.Destination()
	adapter, ok := e.adapters.Get(destination)
	if !ok {
		return fmt.Errorf("engine: no adapter registered for platform %s", destination)
	}

	if job.State == core.SyncJobStateMapped || job.State == core.SyncJobStateConflicted {
		resolved, err := e.resolveConflict(ctx, job, mapping, adapter)
		if err != nil {
			return err
		}
		if !resolved {
			return e.discard(ctx, job, DiscardReasonConflictLost)
		}
	}

	if job.State == core.SyncJobStateMapped || job.State == core.SyncJobStateResolved {
		if err := e.apply(ctx, job, &mapping, adapter); err != nil {
			return err
		}
	}

	if job.State == core.SyncJobStateApplied {
		if err := e.commit(ctx, job, mapping); err != nil {
			return err
		}
	}
	return nil
}

// resolveConflict reports whether the incoming change should still apply.
// Last writer wins; a timestamp tie goes to the side that is not the current
// direction's origin.
func (e *Engine) resolveConflict(ctx context.Context, job *core.SyncJob, mapping core.SyncMapping, adapter core.ProviderAdapter) (bool, error) {
	destinationID := mappingEntityID(mapping, job.Direction.Destination())
	if destinationID == "" {
		// First sync for this mapping; nothing on the other side to conflict
		// with.
		return true, e.markResolvedIfConflicted(ctx, job)
	}

	token, err := e.tokens.GetValidToken(ctx, adapter.ProviderID())
	if err != nil {
		return false, err
	}
	current, err := adapter.Fetch(ctx, token, destinationID)
	if err != nil {
		return false, err
	}
	if current.Version <= mapping.LastSyncedVersion {
		return true, e.markResolvedIfConflicted(ctx, job)
	}

	// Destination changed independently since the last commit.
	if err := e.advance(ctx, job, core.SyncJobStateConflicted); err != nil {
		return false, err
	}
	e.emit(ctx, "conflict_detected", job, map[string]any{
		"origin_version":      job.RemoteVersion,
		"destination_version": current.Version,
	})

	if job.RemoteVersion > current.Version {
		if err := e.advance(ctx, job, core.SyncJobStateResolved); err != nil {
			return false, err
		}
		e.emit(ctx, "conflict_resolved", job, map[string]any{
			"winner": job.Direction.Origin(),
		})
		return true, nil
	}

	// Destination wins, including the tie.
	e.emit(ctx, "conflict_resolved", job, map[string]any{
		"winner": job.Direction.Destination(),
	})
	return false, nil
}

// markResolvedIfConflicted moves a job resumed in the conflicted state back
// onto the happy path once the conflict no longer holds.
func (e *Engine) markResolvedIfConflicted(ctx context.Context, job *core.SyncJob) error {
	if job.State != core.SyncJobStateConflicted {
		return nil
	}
	return e.advance(ctx, job, core.SyncJobStateResolved)
}

func (e *Engine) apply(ctx context.Context, job *core.SyncJob, mapping *core.SyncMapping, adapter core.ProviderAdapter) error {
	mapped, err := e.mapper.Map(job.Direction, job.Payload)
	if err != nil {
		return err
	}
	if len(mapped.Dropped) > 0 {
		e.observer.LogWarn(ctx, "unmapped fields dropped", map[string]any{
			"item_id":   job.ID,
			"direction": job.Direction,
			"fields":    mapped.Dropped,
		})
	}
	payload, err := json.Marshal(mapped.Output)
	if err != nil {
		return fmt.Errorf("engine: encode mapped payload: %w", err)
	}

	token, err := e.tokens.GetValidToken(ctx, adapter.ProviderID())
	if err != nil {
		return err
	}
	result, err := adapter.Push(ctx, token, mappingEntityID(*mapping, job.Direction.Destination()), payload)
	if err != nil {
		return err
	}

	if mappingEntityID(*mapping, job.Direction.Destination()) == "" {
		// First push created the destination entity; record its identity.
		input := core.UpsertMappingInput{EntityIDA: mapping.EntityIDA, EntityIDB: mapping.EntityIDB}
		if job.Direction.Destination() == core.PlatformA {
			input.EntityIDA = result.EntityID
		} else {
			input.EntityIDB = result.EntityID
		}
		updated, err := e.mappings.Upsert(ctx, input)
		if err != nil {
			return fmt.Errorf("engine: record destination entity: %w", err)
		}
		*mapping = updated
	}

	job.RemoteVersion = maxVersion(job.RemoteVersion, result.Version)
	return e.advance(ctx, job, core.SyncJobStateApplied)
}

// commit records the synced content on the mapping so the change's echo is
// recognized and re-application stays a no-op. A failure here leaves the job
// applied; the retry resumes at commit.
func (e *Engine) commit(ctx context.Context, job *core.SyncJob, mapping core.SyncMapping) error {
	mapped, err := e.mapper.Map(job.Direction, job.Payload)
	if err != nil {
		return err
	}
	syncedHash, err := canonicalHash(mapped.Output)
	if err != nil {
		return err
	}

	if _, err := e.mappings.Commit(ctx, core.CommitMappingInput{
		MappingID:         mapping.ID,
		LastSyncedVersion: job.RemoteVersion,
		LastSyncHash:      syncedHash,
		LastOrigin:        job.Direction.Origin(),
	}); err != nil {
		job.FailureReason = string(core.FailureReasonCommitFailed)
		if _, updateErr := e.jobs.Update(ctx, *job); updateErr != nil {
			e.observer.LogError(ctx, "job update failed after commit failure", map[string]any{
				"item_id": job.ID,
				"error":   updateErr.Error(),
			})
		}
		return fmt.Errorf("engine: commit mapping %s: %w", mapping.ID, err)
	}

	if err := e.advance(ctx, job, core.SyncJobStateCommitted); err != nil {
		return err
	}
	e.emit(ctx, "committed", job, map[string]any{
		"mapping_id": mapping.ID,
		"sync_hash":  syncedHash,
	})
	return nil
}

func (e *Engine) advance(ctx context.Context, job *core.SyncJob, state core.SyncJobState) error {
	if err := job.TransitionTo(state, e.now()); err != nil {
		return err
	}
	updated, err := e.jobs.Update(ctx, *job)
	if err != nil {
		return err
	}
	*job = updated
	return nil
}

func (e *Engine) discard(ctx context.Context, job *core.SyncJob, reason string) error {
	job.FailureReason = reason
	if err := e.advance(ctx, job, core.SyncJobStateDiscarded); err != nil {
		return err
	}
	e.emit(ctx, "discarded", job, map[string]any{
		"reason": reason,
	})
	return nil
}

func (e *Engine) emit(ctx context.Context, name string, job *core.SyncJob, fields map[string]any) {
	if e == nil || e.sink == nil {
		return
	}
	e.sink.Emit(ctx, core.BridgeEvent{
		ID:         uuid.NewString(),
		Name:       name,
		ItemID:     job.ID,
		OccurredAt: e.now(),
		Fields:     fields,
	})
}

// StartReconciliation periodically re-enqueues sync jobs for mappings that
// have not committed within the staleness window, catching missed webhooks.
func (e *Engine) StartReconciliation(ctx context.Context, interval, staleAfter time.Duration, batchSize int) {
	if e == nil || interval <= 0 {
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
				if err := e.reconcileOnce(ctx, staleAfter, batchSize); err != nil {
					e.observer.LogError(ctx, "reconciliation pass failed", map[string]any{
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

func (e *Engine) reconcileOnce(ctx context.Context, staleAfter time.Duration, batchSize int) error {
	cutoff := e.now().Add(-staleAfter)
	stale, err := e.mappings.ListStale(ctx, cutoff, batchSize)
	if err != nil {
		return err
	}
	for _, mapping := range stale {
		entityID := mapping.EntityIDA
		direction := core.DirectionAToB
		if entityID == "" {
			entityID = mapping.EntityIDB
			direction = core.DirectionBToA
		}
		if entityID == "" {
			continue
		}
		job, err := e.fetchIntoJob(ctx, direction, entityID, "")
		if err != nil {
			e.observer.LogError(ctx, "reconciliation fetch failed", map[string]any{
				"mapping_id": mapping.ID,
				"error":      err.Error(),
			})
			continue
		}
		if err := e.queue.Enqueue(ctx, core.WorkItem{
			ID:        job.ID,
			Kind:      core.WorkItemKindSyncJob,
			SourceKey: string(direction),
			CreatedAt: e.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func directionFromSource(sourceID string) (core.SyncDirection, error) {
	switch core.Platform(core.NormalizeSourceID(sourceID)) {
	case core.PlatformA:
		return core.DirectionAToB, nil
	case core.PlatformB:
		return core.DirectionBToA, nil
	}
	return "", core.NewValidationError("engine: source " + sourceID + " does not map to a platform")
}

func mappingEntityID(mapping core.SyncMapping, platform core.Platform) string {
	if platform == core.PlatformA {
		return mapping.EntityIDA
	}
	return mapping.EntityIDB
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
