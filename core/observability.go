package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Observer bundles the logger and metrics recorder every component reports
// through. The zero value is safe and silent.
type Observer struct {
	Logger          Logger
	MetricsRecorder MetricsRecorder
	Namespace       string
}

func NewObserver(logger Logger, recorder MetricsRecorder, namespace string) *Observer {
	if strings.TrimSpace(namespace) == "" {
		namespace = "syncbridge"
	}
	return &Observer{
		Logger:          logger,
		MetricsRecorder: recorder,
		Namespace:       namespace,
	}
}

func (o *Observer) ObserveOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"source_id", "provider_id", "item_id", "direction", "kind"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	namespace := strings.TrimSpace(o.Namespace)
	if namespace == "" {
		namespace = "syncbridge"
	}
	o.recordCounter(ctx, namespace+"."+operation+".total", 1, tags)
	o.recordHistogram(ctx, namespace+"."+operation+".duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		o.LogError(ctx, operation+" failed", contextFields)
		return
	}
	o.LogInfo(ctx, operation+" succeeded", contextFields)
}

func (o *Observer) LogInfo(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Observer) LogWarn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *Observer) LogError(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.Logger == nil {
		return
	}
	logger := o.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o *Observer) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if o == nil || o.MetricsRecorder == nil {
		return
	}
	o.MetricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o *Observer) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o == nil || o.MetricsRecorder == nil {
		return
	}
	o.MetricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

// NopSink discards every bridge event.
type NopSink struct{}

func (NopSink) Emit(context.Context, BridgeEvent) {}

var _ ObservabilitySink = NopSink{}

// LogSink buffers bridge events and drains them to the logger on a background
// goroutine. Emit drops the event instead of blocking when the buffer is full.
type LogSink struct {
	observer *Observer
	events   chan BridgeEvent
	done     chan struct{}
	dropped  int64
	mu       sync.Mutex
	closed   bool
}

func NewLogSink(observer *Observer, bufferSize int) *LogSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	sink := &LogSink{
		observer: observer,
		events:   make(chan BridgeEvent, bufferSize),
		done:     make(chan struct{}),
	}
	go sink.drain()
	return sink
}

func (s *LogSink) Emit(_ context.Context, event BridgeEvent) {
	if s == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *LogSink) Dropped() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *LogSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.events)
	<-s.done
}

func (s *LogSink) drain() {
	defer close(s.done)
	for event := range s.events {
		fields := cloneFields(event.Fields)
		fields["event_id"] = event.ID
		fields["event_name"] = event.Name
		if event.SourceID != "" {
			fields["source_id"] = event.SourceID
		}
		if event.ProviderID != "" {
			fields["provider_id"] = event.ProviderID
		}
		if event.ItemID != "" {
			fields["item_id"] = event.ItemID
		}
		if event.Reason != "" {
			fields["reason"] = event.Reason
		}
		fields["occurred_at"] = event.OccurredAt.UTC().Format(time.RFC3339Nano)
		s.observer.LogInfo(context.Background(), "bridge event "+event.Name, fields)
	}
}

var _ ObservabilitySink = (*LogSink)(nil)

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
