// Package tracing implements the command/control plane's level-filtered
// trace event system: per-entity level overrides and a span-like
// TraceContext that bookends an operation with start/completion events.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Level is the trace severity, ordered DEBUG < INFO < WARN < ERROR.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name to Level, falling back to Info (with a
// caller-visible warning expected) on an unrecognized string.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG":
		return Debug
	case "WARN":
		return Warn
	case "ERROR":
		return Error
	case "INFO":
		return Info
	default:
		return Info
	}
}

// Event is one emitted trace record.
type Event struct {
	EntityID   string
	EntityType string
	Level      Level
	RequestID  string
	Operation  string
	Stage      string
	Timestamp  time.Time
	Data       map[string]interface{}
	Error      *EventError
	DurationMs *float64
}

// EventError captures an exception observed across a TraceContext's scope.
type EventError struct {
	Type    string
	Message string
}

// Sink receives every trace event that survives level filtering. Tying the
// command/control plane's publish side to an interface (rather than a
// concrete BrokerAdapter) keeps this package importable without an import
// cycle on control.
type Sink interface {
	PublishTrace(entityID string, level Level, event Event)
}

// System is the process-wide tracing system: enabled flag, default level,
// per-entity overrides, and the OTel tracer backing every TraceContext span.
type System struct {
	mu           sync.RWMutex
	enabled      bool
	defaultLevel Level
	entityLevels map[string]Level
	sink         Sink

	tracer trace.Tracer
}

// NewSystem creates a tracing system with default level Info, enabled.
func NewSystem(tracerName string) *System {
	return &System{
		enabled:      true,
		defaultLevel: Info,
		entityLevels: make(map[string]Level),
		tracer:       otel.Tracer(tracerName),
	}
}

// SetSink installs the publisher for emitted events.
func (s *System) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *System) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *System) SetDefaultLevel(l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultLevel = l
}

func (s *System) SetEntityLevel(entityID string, l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityLevels[entityID] = l
}

// EffectiveLevel returns the per-entity override, or the default level.
func (s *System) EffectiveLevel(entityID string) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.entityLevels[entityID]; ok {
		return l
	}
	return s.defaultLevel
}

// EmitTrace publishes an event iff tracing is enabled and level is at least
// the entity's effective level.
func (s *System) EmitTrace(entityID, entityType string, level Level, operation, stage, requestID string, data map[string]interface{}, evtErr *EventError, durationMs *float64) {
	s.mu.RLock()
	enabled := s.enabled
	effective := s.entityLevels[entityID]
	if _, ok := s.entityLevels[entityID]; !ok {
		effective = s.defaultLevel
	}
	sink := s.sink
	s.mu.RUnlock()

	if !enabled {
		return
	}
	if level < effective {
		return
	}

	if requestID == "" {
		requestID = uuid.New().String()
	}

	event := Event{
		EntityID:   entityID,
		EntityType: entityType,
		Level:      level,
		RequestID:  requestID,
		Operation:  operation,
		Stage:      stage,
		Timestamp:  time.Now(),
		Data:       data,
		Error:      evtErr,
		DurationMs: durationMs,
	}

	if sink != nil {
		sink.PublishTrace(entityID, level, event)
	}
}

// StartContext creates a TraceContext and emits its "start" event. Callers
// should `defer ctx.End()` (or use WithContext for the common operation
// pattern).
func (s *System) StartContext(ctx context.Context, entityID, entityType string, level Level, operation string, data map[string]interface{}) *TraceContext {
	requestID := uuid.New().String()
	spanCtx, span := s.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("entity.id", entityID),
		attribute.String("entity.type", entityType),
		attribute.String("request.id", requestID),
	))

	tc := &TraceContext{
		system:     s,
		ctx:        spanCtx,
		span:       span,
		entityID:   entityID,
		entityType: entityType,
		level:      level,
		operation:  operation,
		requestID:  requestID,
		data:       data,
		startTime:  time.Now(),
	}

	s.EmitTrace(entityID, entityType, level, operation, "start", requestID, data, nil, nil)
	return tc
}

// TraceContext is a scoped span bookending an operation with start and
// completion trace events, backed by an OTel span so the same scope also
// participates in any configured OTel trace export.
type TraceContext struct {
	system     *System
	ctx        context.Context
	span       trace.Span
	entityID   string
	entityType string
	level      Level
	operation  string
	requestID  string
	data       map[string]interface{}
	startTime  time.Time
}

// Context returns the span-carrying context, for propagation into nested
// operations.
func (tc *TraceContext) Context() context.Context { return tc.ctx }

// RequestID returns the id stamped on every event this context emits.
func (tc *TraceContext) RequestID() string { return tc.requestID }

// Progress emits an intermediate trace event without ending the span.
func (tc *TraceContext) Progress(data map[string]interface{}) {
	if data == nil {
		data = tc.data
	}
	elapsed := time.Since(tc.startTime).Seconds() * 1000
	tc.span.AddEvent("progress")
	tc.system.EmitTrace(tc.entityID, tc.entityType, tc.level, tc.operation, "progress", tc.requestID, data, nil, &elapsed)
}

// End closes the scope, emitting a "completion" event. If err is non-nil the
// completion level is promoted to Error and the event carries the error's
// type and message; the span is likewise marked with an error status. End
// never swallows err — callers still propagate it themselves.
func (tc *TraceContext) End(err error) {
	elapsed := time.Since(tc.startTime).Seconds() * 1000
	level := tc.level
	var evtErr *EventError

	if err != nil {
		level = Error
		evtErr = &EventError{Type: fmt.Sprintf("%T", err), Message: err.Error()}
		tc.span.RecordError(err)
		tc.span.SetStatus(codes.Error, err.Error())
	}

	tc.system.EmitTrace(tc.entityID, tc.entityType, level, tc.operation, "completion", tc.requestID, tc.data, evtErr, &elapsed)
	tc.span.End()
}
