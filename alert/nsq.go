package alert

import (
	"context"

	"github.com/nsqio/go-nsq"
)

// NSQ publishes alerts as messages into an NSQ topic, allowing downstream
// systems to consume them.
type NSQ struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQ creates a sink publishing through an already configured producer. The
// sink takes ownership of the producer.
func NewNSQ(producer *nsq.Producer, topic string) *NSQ {
	return &NSQ{
		producer: producer,
		topic:    topic,
	}
}

// Notify implements Sink. The publish is abandoned when the context ends, the
// producer's own timeouts eventually reclaim the stalled attempt.
func (s *NSQ) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Sink: "nsq", Err: err}
	}
	done := make(chan error, 1)
	go func() {
		done <- s.producer.Publish(s.topic, []byte(message))
	}()
	select {
	case err := <-done:
		if err != nil {
			return &DeliveryError{Sink: "nsq", Err: err}
		}
		return nil
	case <-ctx.Done():
		return &DeliveryError{Sink: "nsq", Err: ctx.Err()}
	}
}

// Close disconnects the underlying producer.
func (s *NSQ) Close() {
	s.producer.Stop()
}
