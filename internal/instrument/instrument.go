package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context keys
type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

// Event types.
const (
	EventTypeSystem = "system"
	EventTypeAccess = "access"
)

// Instrumenter defines the tracing API.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	// EmitAccessEvent records one access decision (no duration tracking).
	EmitAccessEvent(ctx context.Context, action, resource, userID, status string, metadata map[string]any)
}

// Span represents a timed operation.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetResource(resource string)
	TraceID() string
	SpanID() string
}

// Event is a row in the _access_events table.
type Event struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Resource     *string        `json:"resource"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newUUID() string {
	return uuid.New().String()
}

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func withParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// WithUserID records the acting user for spans started from ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func getUserID(ctx context.Context) *string {
	if v, ok := ctx.Value(userIDKey).(string); ok && v != "" {
		return &v
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InstrumenterImpl enqueues spans and access events to an EventBuffer.
type InstrumenterImpl struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *InstrumenterImpl {
	return &InstrumenterImpl{buffer: buffer}
}

// StartSpan creates a new span and returns a context in which it is the parent.
func (i *InstrumenterImpl) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = newUUID()
		ctx = WithTraceID(ctx, traceID)
	}
	spanID := newUUID()

	span := &SpanImpl{
		traceID:      traceID,
		spanID:       spanID,
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
		buffer:       i.buffer,
		userID:       getUserID(ctx),
	}

	ctx = withParentSpanID(ctx, spanID)
	return ctx, span
}

func (i *InstrumenterImpl) EmitAccessEvent(ctx context.Context, action, resource, userID, status string, metadata map[string]any) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = newUUID()
	}
	event := Event{
		TraceID:   traceID,
		SpanID:    newUUID(),
		EventType: EventTypeAccess,
		Source:    "engine",
		Component: "access",
		Action:    action,
		Resource:  strPtr(resource),
		UserID:    strPtr(userID),
		Status:    strPtr(status),
		Metadata:  metadata,
	}
	if event.UserID == nil {
		event.UserID = getUserID(ctx)
	}
	event.ParentSpanID = strPtr(getParentSpanID(ctx))
	i.buffer.Enqueue(event)
}

// SpanImpl implements Span with timing and metadata.
type SpanImpl struct {
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	resource     *string
	userID       *string
	status       *string
	startTime    time.Time
	metadata     map[string]any
	buffer       *EventBuffer
	mu           sync.Mutex
	ended        bool
}

func (s *SpanImpl) TraceID() string { return s.traceID }
func (s *SpanImpl) SpanID() string  { return s.spanID }

func (s *SpanImpl) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
}

func (s *SpanImpl) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *SpanImpl) SetResource(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resource = strPtr(resource)
}

// End enqueues the span as a system event. Only the first call has effect.
func (s *SpanImpl) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0

	event := Event{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: strPtr(s.parentSpanID),
		EventType:    EventTypeSystem,
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Resource:     s.resource,
		UserID:       s.userID,
		DurationMs:   &durationMs,
		Status:       s.status,
		Metadata:     s.metadata,
	}
	s.buffer.Enqueue(event)
}
