package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []order.Event
	block chan struct{}
	err   error
}

func (s *recordingSender) Send(ctx context.Context, e order.Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return s.err
}

func (s *recordingSender) events() []order.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Event(nil), s.sent...)
}

func testEvent(id string) order.Event {
	return order.Event{
		ID:   id,
		Type: order.EventOrderConfirmed,
		Order: order.Order{
			ID:     "o-" + id,
			Number: "2504010001",
			UserID: "u1",
			Status: order.StatusPending,
			Total:  11250,
			Items:  []order.LineItem{{ProductID: "p1", Name: "Tea set", Quantity: 2}},
		},
		At: time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 8, zap.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		d.Notify(context.Background(), testEvent(id))
	}
	require.NoError(t, d.Close(context.Background()))

	got := sender.events()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[2].ID)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(sender, 1, zap.New(core))

	// The worker holds at most one event and the queue one more.
	for _, id := range []string{"a", "b", "c", "d"} {
		d.Notify(context.Background(), testEvent(id))
	}
	close(sender.block)
	require.NoError(t, d.Close(context.Background()))

	assert.LessOrEqual(t, len(sender.events()), 2)
	assert.GreaterOrEqual(t, logs.FilterMessage("Notification queue full, dropping event").Len(), 2)
}

func TestDispatcher_SendErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sender := &recordingSender{err: errors.New("broker down")}
	d := NewDispatcher(sender, 4, zap.New(core))

	d.Notify(context.Background(), testEvent("a"))
	require.NoError(t, d.Close(context.Background()))

	entries := logs.FilterMessage("Send notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["event_id"])
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 4, zap.NewNop())
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.Notify(context.Background(), testEvent("late"))
	assert.Empty(t, sender.events())
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSender_Send(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaSender{w: w}

	require.NoError(t, s.Send(context.Background(), testEvent("evt-1")))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "o-evt-1", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "order.confirmed", string(msg.Headers[0].Value))

	w.err = errors.New("leader not available")
	require.Error(t, s.Send(context.Background(), testEvent("evt-2")))
}

func TestEncodeEvent(t *testing.T) {
	e := testEvent("evt-1")
	e.Order.Tracking = &order.Tracking{Carrier: "Yamato", Number: "1234"}

	fields := map[string]string{}
	d := jx.DecodeBytes(EncodeEvent(e))
	require.NoError(t, d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id", "type", "at":
			v, err := d.Str()
			fields[key] = v
			return err
		case "order":
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "number":
					v, err := d.Str()
					fields["order.number"] = v
					return err
				case "total":
					v, err := d.Int64()
					assert.Equal(t, int64(11250), v)
					return err
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	}))

	assert.Equal(t, "evt-1", fields["id"])
	assert.Equal(t, "order.confirmed", fields["type"])
	assert.Equal(t, "2025-04-01T09:30:00Z", fields["at"])
	assert.Equal(t, "2504010001", fields["order.number"])
}
