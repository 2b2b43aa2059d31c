// Package notify delivers order events to customers' notification channels
// outside the request path.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Sender delivers one event. Implementations may block.
type Sender interface {
	Send(ctx context.Context, e order.Event) error
}

// Dispatcher queues events and sends them from a single worker, so that
// Notify never blocks the caller. When the queue is full the event is
// dropped and logged.
type Dispatcher struct {
	sender      Sender
	lg          *zap.Logger
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan order.Event
	done   chan struct{}
}

var _ order.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the worker. Call Close to drain and stop it.
func NewDispatcher(sender Sender, size int, lg *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	d := &Dispatcher{
		sender:      sender,
		lg:          lg,
		sendTimeout: 5 * time.Second,
		queue:       make(chan order.Event, size),
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues e.
func (d *Dispatcher) Notify(_ context.Context, e order.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.lg.Warn("Notification dropped after close", eventFields(e)...)
		return
	}
	select {
	case d.queue <- e:
	default:
		d.lg.Warn("Notification queue full, dropping event", eventFields(e)...)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := d.sender.Send(ctx, e); err != nil {
			d.lg.Error("Send notification", append(eventFields(e), zap.Error(err))...)
		}
		cancel()
	}
}

// Depth returns the number of queued events and the queue capacity.
func (d *Dispatcher) Depth() (n, capacity int) {
	return len(d.queue), cap(d.queue)
}

// Close stops accepting events and waits for queued ones to be sent or for
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func eventFields(e order.Event) []zap.Field {
	return []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("order_id", e.Order.ID),
		zap.String("order_number", e.Order.Number),
	}
}

// LogSender writes events to the log. It is used when no broker is
// configured.
type LogSender struct {
	lg *zap.Logger
}

func NewLogSender(lg *zap.Logger) *LogSender {
	return &LogSender{lg: lg}
}

func (s *LogSender) Send(_ context.Context, e order.Event) error {
	s.lg.Info("Order notification",
		append(eventFields(e), zap.String("user_id", e.Order.UserID), zap.String("status", string(e.Order.Status)))...,
	)
	return nil
}
