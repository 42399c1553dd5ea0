package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBuffer is the number of notifications an Async sink queues.
	DefaultBuffer = 1024
	// DefaultPublishTimeout bounds a single delivery.
	DefaultPublishTimeout = 5 * time.Second
)

// Async decouples callers from a slow Sink. Notifications are queued and
// delivered in order by a single goroutine. When the queue is full new
// notifications are dropped and counted.
type Async struct {
	sink    Sink
	queue   chan Notification
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewAsync starts delivering to sink. buffer <= 0 uses DefaultBuffer.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		queue:   make(chan Notification, buffer),
		timeout: DefaultPublishTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Publish queues n. It never blocks.
func (a *Async) Publish(_ context.Context, n Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- n:
	default:
		a.dropped++
		if a.dropped == 1 || a.dropped%100 == 0 {
			a.logger.Warn("notification queue full, dropping", "dropped", a.dropped, "execution_id", n.ExecutionID)
		}
	}
	return nil
}

// Dropped returns the number of notifications discarded because the queue was
// full.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close delivers what is queued, then closes the underlying sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}

func (a *Async) loop() {
	defer close(a.done)
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, n); err != nil {
			a.logger.Warn("failed to publish notification",
				"execution_id", n.ExecutionID,
				"type", n.Type,
				"error", err,
			)
		}
		cancel()
	}
}
