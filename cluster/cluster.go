// Package cluster fetches the live topology of an NSQ cluster through the
// administrative HTTP endpoints of its nsqd and nsqlookupd members.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// maxResponseSize caps the amount of data read from a single endpoint.
const maxResponseSize = 32 * 1024 * 1024

// Envelope is the variant tag telling where a discovery response nests its
// producer list. It is a property of the member's response schema version and
// must be configured, not sniffed.
type Envelope string

const (
	EnvelopeFlat Envelope = "flat" // {"producers": [...]}
	EnvelopeData Envelope = "data" // {"data": {"producers": [...]}}
)

// Config is the set of options to fine tune the cluster client.
type Config struct {
	Timeout   time.Duration     // Upper bound on a single request, zero for none
	Transport http.RoundTripper // HTTP transport to use, nil for the default

	Logger log.Logger // Logger to allow differentiating clients if many is embedded
}

// Client queries the status and discovery endpoints of NSQ cluster members.
// It holds no per-cluster state and is safe for concurrent use.
type Client struct {
	http   *http.Client
	logger log.Logger
}

// New creates a cluster client.
func New(config *Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	return &Client{
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		logger: logger,
	}
}

// ChannelObservation is a channel as reported by a cluster member.
type ChannelObservation struct {
	Name      string
	Consumers *int // Connected consumer count, nil if not requested
}

// ConsumerCount returns the number of connected consumers and whether the count
// was collected at all.
func (c ChannelObservation) ConsumerCount() (int, bool) {
	if c.Consumers == nil {
		return 0, false
	}
	return *c.Consumers, true
}

// Topology maps every observed topic to the channels attached to it.
type Topology map[string][]ChannelObservation

// TopicNames returns the observed topics in ascending order.
func (t Topology) TopicNames() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Producers is the list of broadcast addresses registered with a lookup daemon.
type Producers []string

// Contains reports whether the address is among the registered producers.
func (p Producers) Contains(address string) bool {
	for _, producer := range p {
		if producer == address {
			return true
		}
	}
	return false
}

// FetchTopology retrieves the topics and channels exposed by an nsqd status
// endpoint. Both the bare {"topics": ...} and the enveloped {"data": {"topics":
// ...}} shapes are accepted. Consumer counts are only collected if requested,
// otherwise they are left out of the observations entirely.
func (c *Client) FetchTopology(ctx context.Context, url string, includeConsumerCounts bool) (Topology, error) {
	start := time.Now()

	body, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	var top envelope
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	raw, err := lookup(top, "topics", true)
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	var topics []topicStats
	if err := json.Unmarshal(raw, &topics); err != nil {
		return nil, &ParseError{URL: url, Err: fmt.Errorf("topics: %v", err)}
	}
	topology := make(Topology, len(topics))
	for _, topic := range topics {
		if topic.TopicName == "" {
			return nil, &ParseError{URL: url, Err: errors.New("topic without topic_name")}
		}
		// Touch the topic even if it has no channels so it counts as present
		channels := topology[topic.TopicName]
		if channels == nil {
			channels = make([]ChannelObservation, 0, len(topic.Channels))
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == "" {
				return nil, &ParseError{URL: url, Err: fmt.Errorf("channel without channel_name in topic %s", topic.TopicName)}
			}
			observation := ChannelObservation{Name: channel.ChannelName}
			if includeConsumerCounts {
				count := 0
				if channel.ClientCount != nil {
					count = *channel.ClientCount
				}
				observation.Consumers = &count
			}
			channels = append(channels, observation)
		}
		topology[topic.TopicName] = channels
	}
	c.logger.Debug("Fetched cluster topology", "url", url, "topics", len(topology), "elapsed", time.Since(start))
	return topology, nil
}

// FetchProducers retrieves the broadcast addresses of the producers registered
// with an nsqlookupd discovery endpoint, reading the list from the location the
// envelope tag designates.
func (c *Client) FetchProducers(ctx context.Context, url string, shape Envelope) (Producers, error) {
	start := time.Now()

	body, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	var top envelope
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	var raw json.RawMessage
	switch shape {
	case EnvelopeFlat, "":
		if raw, err = lookup(top, "producers", false); err != nil {
			return nil, &ParseError{URL: url, Err: err}
		}
	case EnvelopeData:
		data, ok := top["data"]
		if !ok {
			return nil, &ParseError{URL: url, Err: errors.New("missing data envelope")}
		}
		var nested envelope
		if err := json.Unmarshal(data, &nested); err != nil || nested == nil {
			return nil, &ParseError{URL: url, Err: errors.New("data envelope is not an object")}
		}
		if raw, err = lookup(nested, "producers", false); err != nil {
			return nil, &ParseError{URL: url, Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown producer envelope %q", shape)
	}
	var producers []producer
	if err := json.Unmarshal(raw, &producers); err != nil {
		return nil, &ParseError{URL: url, Err: fmt.Errorf("producers: %v", err)}
	}
	addresses := make(Producers, 0, len(producers))
	for _, producer := range producers {
		addresses = append(addresses, producer.BroadcastAddress)
	}
	c.logger.Debug("Fetched cluster producers", "url", url, "producers", len(addresses), "elapsed", time.Since(start))
	return addresses, nil
}

// FetchRaw retrieves the JSON document served by an endpoint without making any
// assumptions about its shape.
func (c *Client) FetchRaw(ctx context.Context, url string) (json.RawMessage, error) {
	body, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &ParseError{URL: url, Err: errors.New("body is not valid JSON")}
	}
	return body, nil
}

// fetch issues a GET request and returns the body of a 2xx response. The
// connection is released before returning, whatever the outcome.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{URL: url, Status: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &TransportError{URL: url, Status: res.StatusCode, Err: errors.New(http.StatusText(res.StatusCode))}
	}
	return body, nil
}

// lookup retrieves a field from a decoded response. If unwrap is set and the
// response carries a top level "data" field, the lookup is done within it. A
// JSON null value is treated as an empty list.
func lookup(top envelope, field string, unwrap bool) (json.RawMessage, error) {
	if data, ok := top["data"]; ok && unwrap {
		var nested envelope
		if err := json.Unmarshal(data, &nested); err != nil || nested == nil {
			return nil, errors.New("data envelope is not an object")
		}
		top = nested
	}
	raw, ok := top[field]
	if !ok {
		return nil, fmt.Errorf("missing %s field", field)
	}
	if string(raw) == "null" {
		return json.RawMessage("[]"), nil
	}
	return raw, nil
}
