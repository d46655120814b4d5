package broker

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nsqio/go-nsq"
)

// Write timeout bounds enforced by go-nsq's config validation.
const (
	minWriteTimeout = 100 * time.Millisecond
	maxWriteTimeout = 5 * time.Minute
)

// Client is an interface through which NSQ messages can be produced and consumed
// against a remote nsqd, without running a local one. The primary use case is to
// publish alerts into an existing cluster without affecting its topology.
type Client struct {
	logger log.Logger // Logger to allow differentiating clients if many is embedded
}

// NewClient creates a communication interface without a local broker attached.
func NewClient(logger log.Logger) *Client {
	if logger == nil {
		logger = log.New()
	}
	return &Client{
		logger: logger,
	}
}

// NewProducer creates a new producer connected to the specified remote NSQD
// daemon instance. The connection is established lazily on first publish.
//
// A positive timeout bounds dialing and every write to the daemon, zero keeps
// the go-nsq defaults. Reads are left alone as they must outlast heartbeats.
func (c *Client) NewProducer(addr string, timeout time.Duration) (*nsq.Producer, error) {
	config := nsq.NewConfig()
	config.Snappy = true

	if timeout > 0 {
		config.DialTimeout = timeout
		config.WriteTimeout = timeout
		if config.WriteTimeout < minWriteTimeout {
			config.WriteTimeout = minWriteTimeout
		}
		if config.WriteTimeout > maxWriteTimeout {
			config.WriteTimeout = maxWriteTimeout
		}
	}

	producer, err := nsq.NewProducer(addr, config)
	if err != nil {
		return nil, err
	}
	producer.SetLogger(&nsqProducerLogger{c.logger}, nsq.LogLevelDebug)

	return producer, nil
}

// NewConsumer creates a new consumer listening for messages on a specific topic
// channel; though the connectivity itself is left for the outside caller.
func (c *Client) NewConsumer(topic string, channel string) (*nsq.Consumer, error) {
	config := nsq.NewConfig()
	config.Snappy = true

	consumer, err := nsq.NewConsumer(topic, channel, config)
	if err != nil {
		return nil, err
	}
	consumer.SetLogger(&nsqConsumerLogger{c.logger}, nsq.LogLevelDebug)

	return consumer, nil
}
