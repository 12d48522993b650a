// Package tracing provides a lightweight span-based tracing system that
// propagates trace context through Go contexts. Spans form parent–child trees;
// when a root span ends the whole tree is logged at debug level via slog.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
)

type contextKey string

const spanKey contextKey = "trace_span"

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	parent    *Span
	log       *slog.Logger
	mu        sync.Mutex
	endOnce   sync.Once
}

// Start opens a span named name. It becomes a child of the span already in
// ctx, or a new root whose trace ID is the request ID when one is set.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	if parent := SpanFromContext(ctx); parent != nil {
		return StartChildSpan(ctx, name)
	}
	traceID := logger.RequestID(ctx)
	if traceID == "" {
		traceID = newTraceID()
	}
	ctx, span := StartSpan(ctx, name, traceID)
	span.log = logger.FromContext(ctx)
	return ctx, span
}

// StartSpan creates a new root span and stores it in the returned context.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	span := &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
		log:       slog.Default(),
	}
	return context.WithValue(ctx, spanKey, span), span
}

// StartChildSpan creates a child span linked to the parent in ctx.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	child := &Span{
		Name:      name,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
		parent:    parent,
		log:       slog.Default(),
	}

	if parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.Children = append(parent.Children, child)
		parent.mu.Unlock()
	}

	return context.WithValue(ctx, spanKey, child), child
}

// End records the span's end time and duration. Ending a root span logs the
// tree. Calling End more than once has no further effect.
func (s *Span) End() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.EndTime = time.Now()
		s.Duration = s.EndTime.Sub(s.StartTime)
		s.mu.Unlock()
		if s.parent == nil {
			s.Log()
		}
	})
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// SpanFromContext extracts the current Span from ctx, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// Log writes the span tree to slog at debug level.
func (s *Span) Log() {
	if !s.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.logRecursive(s.log, 0)
}

func (s *Span) logRecursive(l *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", float64(s.Duration.Microseconds()) / 1000,
		"depth", depth,
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, k, v)
	}
	children := append([]*Span(nil), s.Children...)
	s.mu.Unlock()
	l.Debug("span", attrs...)

	for _, child := range children {
		child.logRecursive(l, depth+1)
	}
}

func newTraceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "trace-unknown"
	}
	return hex.EncodeToString(b)
}
