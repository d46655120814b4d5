// Package broker runs a self-contained NSQ cluster (one nsqlookupd and one nsqd)
// in process, seeded with a declared topology, and wraps the NSQ client library
// for producing and consuming messages.
package broker

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/nsqwatch/config"
	"github.com/nsqio/go-nsq"
	"github.com/nsqio/nsq/nsqd"
	"github.com/nsqio/nsq/nsqlookupd"
)

// idleChannelSuffix marks channels the sandbox must not attach consumers to.
const idleChannelSuffix = "-idle"

// Config is the set of options to fine tune the sandbox cluster.
type Config struct {
	Datadir   string // Data directory to store NSQ related data
	Interface string // Listener interface for all daemons, defaults to loopback

	BroadcastAddress string                       // Address the nsqd advertises to the lookupd
	Topics           map[string]config.ChannelSet // Topology to create on startup
	Consumers        bool                         // Whether to attach consumers to seeded channels not ending in -idle

	Logger log.Logger // Logger to allow differentiating brokers if many is embedded
}

// Broker is a locally running NSQ cluster consisting of a lookup daemon and a
// single message daemon registered with it.
type Broker struct {
	lookupd *nsqlookupd.NSQLookupd // Discovery daemon embedded in this process
	daemon  *nsqd.NSQD             // Message daemon embedded in this process

	client    *Client         // Client used to attach the idle consumers
	consumers []*nsq.Consumer // Consumers keeping the seeded channels busy

	logger log.Logger // Logger to allow differentiating brokers if many is embedded
}

// New starts an in-process NSQ cluster and seeds it with the configured topics
// and channels.
func New(config *Config) (*Broker, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	iface := config.Interface
	if iface == "" {
		iface = "127.0.0.1"
	}
	logger.Info("Starting sandbox cluster", "datadir", config.Datadir, "iface", iface, "broadcast", config.BroadcastAddress)

	// Start the lookup daemon first so the message daemon can register on boot
	lookupOpts := nsqlookupd.NewOptions()
	lookupOpts.TCPAddress = net.JoinHostPort(iface, "0")
	lookupOpts.HTTPAddress = net.JoinHostPort(iface, "0")
	lookupOpts.LogLevel = nsqlookupd.LOG_DEBUG
	lookupOpts.Logger = &daemonLogger{logger.New("daemon", "nsqlookupd")}

	lookupd, err := nsqlookupd.New(lookupOpts)
	if err != nil {
		return nil, err
	}
	go lookupd.Main()

	// Configure and start the message daemon
	if err := os.MkdirAll(config.Datadir, 0700); err != nil {
		lookupd.Exit()
		return nil, err
	}
	opts := nsqd.NewOptions()
	opts.DataPath = config.Datadir
	opts.TCPAddress = net.JoinHostPort(iface, "0")
	opts.HTTPAddress = net.JoinHostPort(iface, "0")
	opts.HTTPSAddress = "" // Disable the HTTPS interface
	opts.NSQLookupdTCPAddresses = []string{lookupd.RealTCPAddr().String()}
	if config.BroadcastAddress != "" {
		opts.BroadcastAddress = config.BroadcastAddress
	}
	// Route all the daemon messages into our own logger instead of stderr
	opts.LogLevel = nsqd.LOG_DEBUG
	opts.Logger = &daemonLogger{logger.New("daemon", "nsqd")}

	daemon, err := nsqd.New(opts)
	if err != nil {
		lookupd.Exit()
		return nil, err
	}
	go daemon.Main()

	broker := &Broker{
		lookupd: lookupd,
		daemon:  daemon,
		client:  NewClient(logger),
		logger:  logger,
	}
	// Seed the declared topology in a stable order, attaching consumers if requested
	topics := make([]string, 0, len(config.Topics))
	for topic := range config.Topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		created := daemon.GetTopic(topic)
		for _, channel := range config.Topics[topic].Sorted() {
			created.GetChannel(channel)
			logger.Debug("Seeded sandbox channel", "topic", topic, "channel", channel)

			if !config.Consumers || isIdle(channel) {
				continue
			}
			if err := broker.attach(topic, channel); err != nil {
				broker.Close()
				return nil, fmt.Errorf("failed to attach consumer to %s/%s: %v", topic, channel, err)
			}
		}
	}
	return broker, nil
}

// Close disconnects all consumers and terminates the NSQ daemons.
func (b *Broker) Close() error {
	for _, consumer := range b.consumers {
		consumer.Stop()
		<-consumer.StopChan
	}
	b.consumers = nil

	b.daemon.Exit()
	b.lookupd.Exit()
	return nil
}

// TCPAddress returns the address producers and consumers can connect to.
func (b *Broker) TCPAddress() string {
	return b.daemon.RealTCPAddr().String()
}

// StatsURL returns the status endpoint of the message daemon.
func (b *Broker) StatsURL() string {
	return fmt.Sprintf("http://%s/stats?format=json", b.daemon.RealHTTPAddr())
}

// NodesURL returns the discovery endpoint of the lookup daemon.
func (b *Broker) NodesURL() string {
	return fmt.Sprintf("http://%s/nodes", b.lookupd.RealHTTPAddr())
}

// attach subscribes a message discarding consumer to a channel, so that the
// channel reports a non-zero consumer count.
func (b *Broker) attach(topic string, channel string) error {
	consumer, err := b.client.NewConsumer(topic, channel)
	if err != nil {
		return err
	}
	consumer.AddHandler(nsq.HandlerFunc(func(*nsq.Message) error { return nil }))
	if err := consumer.ConnectToNSQD(b.TCPAddress()); err != nil {
		consumer.Stop()
		return err
	}
	b.consumers = append(b.consumers, consumer)
	return nil
}

// isIdle reports whether a channel name opts out of an attached consumer.
func isIdle(channel string) bool {
	return strings.HasSuffix(channel, idleChannelSuffix)
}
