package instrument

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives flushed batches of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Event) error
}

// EventBuffer collects events in memory and periodically flushes them to
// every sink. A sink failure is logged and does not stop the other sinks.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	sinks   []Sink
	logger  *zap.Logger
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	stop    sync.Once
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
func NewEventBuffer(sinks []Sink, maxSize int, flushIntervalMs int, logger *zap.Logger) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	eb := &EventBuffer{
		sinks:   sinks,
		logger:  logger,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer, stamping its id and time. If the
// buffer is full, a flush is triggered asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	if event.ID == "" {
		event.ID = newUUID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Len returns the number of events waiting to be flushed.
func (eb *EventBuffer) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.events)
}

// Flush hands all buffered events to the sinks.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range eb.sinks {
		if err := s.Write(ctx, batch); err != nil {
			eb.logger.Error("event sink write failed",
				zap.String("sink", s.Name()), zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

// Stop halts the background ticker and flushes remaining events.
func (eb *EventBuffer) Stop() {
	eb.stop.Do(func() {
		eb.ticker.Stop()
		close(eb.done)
		eb.Flush()
	})
}
