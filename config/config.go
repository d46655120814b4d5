// Package config loads the desired NSQ topology, the monitored cluster endpoints
// and the notifier credentials from a declarative key/value file.
package config

import (
	"fmt"
	"sort"
	"time"
)

// Reserved section names that never carry topic declarations.
const (
	telegramSection = "telegram"
	nsqAlertSection = "nsq_alert"
	monitorSection  = "monitor"
)

// topicsSuffix is appended to the name of a cluster descriptor to form the name
// of the section declaring its topics (i.e. [nsq_1.topics] binds to [nsq_1]).
const topicsSuffix = ".topics"

// Keys of a cluster descriptor section. A section is a cluster descriptor iff it
// declares at least one of the two endpoint keys.
const (
	statsAddressKey  = "nsq_address"
	nodesAddressKey  = "nodes_address"
	broadcastKey     = "broadcast_address"
	nodesEnvelopeKey = "nodes_envelope"
	clientCountKey   = "check_client_count"
	timeoutKey       = "timeout"
)

// Variant tags for the producer list location in a discovery response.
const (
	EnvelopeFlat = "flat" // {"producers": [...]}
	EnvelopeData = "data" // {"data": {"producers": [...]}}
)

// Defaults applied when the [monitor] section is absent or partial.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultTimeout     = 10 * time.Second
	DefaultTelegramAPI = "https://api.telegram.org"
)

// Cluster is a single monitored NSQ node group.
type Cluster struct {
	Name               string        // Section name, used as the cluster identifier
	StatsURL           string        // nsqd status endpoint (topics and channels)
	NodesURL           string        // nsqlookupd discovery endpoint (producers)
	NodesEnvelope      string        // Producer list variant tag (EnvelopeFlat or EnvelopeData)
	BroadcastAddresses []string      // Producer addresses expected to be registered
	CheckClientCount   bool          // Whether zero-consumer channels should be flagged
	Timeout            time.Duration // Per-request timeout override, zero for the default
}

// Telegram holds the credentials of the bot used to push alerts.
type Telegram struct {
	Token    string
	ChatID   string
	ThreadID int64 // Optional forum topic to post into, zero for none
	APIURL   string
}

// NSQAlert configures an optional NSQ topic that alerts are also published to.
type NSQAlert struct {
	Address string // nsqd TCP address
	Topic   string
}

// Monitor holds the scheduling knobs of the polling loop.
type Monitor struct {
	Interval         time.Duration
	Timeout          time.Duration
	AlertFetchErrors bool // Whether unreachable clusters are included in alerts
}

// Config is the fully parsed and validated content of a configuration source.
type Config struct {
	Clusters []Cluster     // Cluster descriptors in declaration order
	Desired  *DesiredState // Declared topology, keyed by cluster name
	Telegram *Telegram     // Nil if no Telegram notifier is configured
	NSQAlert *NSQAlert     // Nil if no NSQ alert sink is configured
	Monitor  Monitor
}

// Cluster returns the descriptor of the named cluster.
func (c *Config) Cluster(name string) (Cluster, bool) {
	for _, cluster := range c.Clusters {
		if cluster.Name == name {
			return cluster, true
		}
	}
	return Cluster{}, false
}

// ChannelSet is an unordered, deduplicated set of channel names.
type ChannelSet map[string]struct{}

// NewChannelSet creates a set out of a list of channel names, dropping duplicates.
func NewChannelSet(names ...string) ChannelSet {
	set := make(ChannelSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Contains reports whether the named channel is part of the set.
func (s ChannelSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the channel names in ascending order.
func (s ChannelSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DesiredState is the declared topology of every configured cluster. It is built
// once per load and must not be mutated afterwards.
type DesiredState struct {
	Topics             map[string]map[string]ChannelSet // Cluster -> topic -> channels
	BroadcastAddresses map[string][]string              // Cluster -> expected producer addresses
}

// TopicNames returns the declared topics of a cluster in ascending order. Unknown
// clusters have no topics.
func (d *DesiredState) TopicNames(cluster string) []string {
	topics := d.Topics[cluster]

	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Error is returned when the configuration source is unreadable or malformed.
type Error struct {
	Path    string // Source the configuration was loaded from, if any
	Section string // Offending section, if known
	Key     string // Offending key, if known
	Err     error
}

func (e *Error) Error() string {
	where := e.Path
	if where == "" {
		where = "config"
	}
	switch {
	case e.Section != "" && e.Key != "":
		return fmt.Sprintf("%s: [%s] %s: %v", where, e.Section, e.Key, e.Err)
	case e.Section != "":
		return fmt.Sprintf("%s: [%s]: %v", where, e.Section, e.Err)
	default:
		return fmt.Sprintf("%s: %v", where, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
