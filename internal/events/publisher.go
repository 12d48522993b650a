package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/metrics"
)

// BatchWriter is the part of kafka.Producer the Publisher uses.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher buffers catalog change events and flushes them to Kafka either
// when the buffer reaches batchSize or every flushInterval. Publishing never
// blocks the caller; past maxBuffered events the oldest are dropped.
type Publisher struct {
	writer        BatchWriter
	origin        string
	metrics       *metrics.Metrics
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
	flushMu       sync.Mutex
}

func NewPublisher(writer BatchWriter, origin string, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Publisher{
		writer:        writer,
		origin:        origin,
		metrics:       m,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		maxBuffered:   batchSize * 3,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-publisher"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which exits after a final
// flush once ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("event publisher started", "origin", p.origin, "batch_size", p.batchSize, "flush_interval", p.flushInterval)
}

// PublishCatalogChange queues ev, stamping it with this instance's origin.
func (p *Publisher) PublishCatalogChange(ev CatalogChangeEvent) {
	if ev.Origin == "" {
		ev.Origin = p.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	p.enqueue(kafka.Event{
		Key:     string(ev.Name),
		Value:   ev,
		Headers: map[string]string{OriginHeader: ev.Origin},
	})
}

func (p *Publisher) enqueue(ev kafka.Event) {
	p.mu.Lock()
	p.buffer = append(p.buffer, ev)
	if over := len(p.buffer) - p.maxBuffered; over > 0 {
		p.buffer = p.buffer[over:]
		p.logger.Warn("event buffer full, oldest events dropped", "dropped", over)
		if p.metrics != nil {
			p.metrics.EventsDroppedTotal.Add(float64(over))
		}
	}
	shouldFlush := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if shouldFlush {
		go p.flush(context.Background())
	}
}

// Close waits for the flush loop started by Start to finish.
func (p *Publisher) Close() {
	<-p.done
}

// Buffered returns the number of queued events.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	if err := p.writer.PublishBatch(ctx, batch); err != nil {
		p.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		if p.metrics != nil {
			p.metrics.EventsPublishedTotal.WithLabelValues("error").Add(float64(len(batch)))
		}
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if over := len(p.buffer) - p.maxBuffered; over > 0 {
			p.buffer = p.buffer[over:]
			p.logger.Warn("event buffer full after failed flush, oldest events dropped", "dropped", over)
			if p.metrics != nil {
				p.metrics.EventsDroppedTotal.Add(float64(over))
			}
		}
		p.mu.Unlock()
		return
	}
	if p.metrics != nil {
		p.metrics.EventsPublishedTotal.WithLabelValues("ok").Add(float64(len(batch)))
	}
	p.logger.Debug("events flushed", "count", len(batch))
}
