package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// messageWriter is the part of *kafka.Writer the sender uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes events to a topic keyed by order id, so that events
// of one order stay ordered.
type KafkaSender struct {
	w messageWriter
}

// NewKafkaSender returns a sender writing to topic on brokers.
func NewKafkaSender(topic string, brokers ...string) *KafkaSender {
	return &KafkaSender{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSender) Send(ctx context.Context, e order.Event) error {
	msg := kafka.Message{
		Key:   []byte(e.Order.ID),
		Value: EncodeEvent(e),
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.w.Close()
}

// EncodeEvent renders the customer-facing payload of e.
func EncodeEvent(e order.Event) []byte {
	o := e.Order
	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("id", func(enc *jx.Encoder) { enc.Str(e.ID) })
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(string(e.Type)) })
		enc.Field("at", func(enc *jx.Encoder) { enc.Str(e.At.UTC().Format(time.RFC3339Nano)) })
		enc.Field("order", func(enc *jx.Encoder) {
			enc.Obj(func(enc *jx.Encoder) {
				enc.Field("id", func(enc *jx.Encoder) { enc.Str(o.ID) })
				enc.Field("number", func(enc *jx.Encoder) { enc.Str(o.Number) })
				enc.Field("userId", func(enc *jx.Encoder) { enc.Str(o.UserID) })
				enc.Field("status", func(enc *jx.Encoder) { enc.Str(string(o.Status)) })
				enc.Field("total", func(enc *jx.Encoder) { enc.Int64(o.Total) })
				enc.Field("items", func(enc *jx.Encoder) {
					enc.Arr(func(enc *jx.Encoder) {
						for _, it := range o.Items {
							enc.Obj(func(enc *jx.Encoder) {
								enc.Field("productId", func(enc *jx.Encoder) { enc.Str(it.ProductID) })
								enc.Field("name", func(enc *jx.Encoder) { enc.Str(it.Name) })
								enc.Field("quantity", func(enc *jx.Encoder) { enc.Int(it.Quantity) })
							})
						}
					})
				})
				if o.Tracking != nil {
					enc.Field("tracking", func(enc *jx.Encoder) {
						enc.Obj(func(enc *jx.Encoder) {
							enc.Field("carrier", func(enc *jx.Encoder) { enc.Str(o.Tracking.Carrier) })
							enc.Field("number", func(enc *jx.Encoder) { enc.Str(o.Tracking.Number) })
						})
					})
				}
			})
		})
	})
	return enc.Bytes()
}
