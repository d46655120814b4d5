// Package monitor periodically checks every configured NSQ cluster against its
// declared topology and pushes the found drift to the alert sinks.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/nsqwatch/alert"
	"github.com/karalabe/nsqwatch/cluster"
	"github.com/karalabe/nsqwatch/config"
	"github.com/karalabe/nsqwatch/reconcile"
	"golang.org/x/sync/errgroup"
)

// Config is the set of options to fine tune the monitor.
type Config struct {
	Source   string         // Configuration file to reload every tick, empty to never reload
	Settings *config.Config // Configuration to start out with

	Sink      alert.Sink        // Destination of drift alerts, nil to only log them
	Transport http.RoundTripper // HTTP transport for the cluster endpoints, nil for the default

	Logger log.Logger // Logger to allow differentiating monitors if many is embedded
}

// Monitor runs reconciliation passes over all configured clusters.
type Monitor struct {
	source   string
	settings *config.Config
	client   *cluster.Client
	sink     alert.Sink
	logger   log.Logger
}

// New creates a monitor. The alert sink is fixed for the monitor's lifetime,
// only the clusters and their desired state follow configuration reloads.
func New(config *Config) *Monitor {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	return &Monitor{
		source:   config.Source,
		settings: config.Settings,
		client: cluster.New(&cluster.Config{
			Transport: config.Transport,
			Logger:    logger,
		}),
		sink:   config.Sink,
		logger: logger,
	}
}

// Run executes a pass immediately and then once every configured interval until
// the context is cancelled. The interval is measured from the end of a pass, so
// passes never overlap.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := m.reload(); err != nil {
			m.logger.Error("Failed to reload configuration, skipping check", "err", err)
		} else {
			m.Pass(ctx)
		}
		m.logger.Debug("Scheduled next check", "interval", m.settings.Monitor.Interval)
		timer.Reset(m.settings.Monitor.Interval)
	}
}

// reload refreshes the settings from the configuration source, if any. The old
// settings are retained on failure.
func (m *Monitor) reload() error {
	if m.source == "" {
		return nil
	}
	settings, err := config.Load(m.source)
	if err != nil {
		return err
	}
	m.settings = settings
	return nil
}

// Pass checks every cluster concurrently, logs the outcome and delivers a single
// folded alert if anything was found.
func (m *Monitor) Pass(ctx context.Context) *Report {
	var (
		start    = time.Now()
		settings = m.settings
		report   = &Report{Clusters: make([]*ClusterReport, len(settings.Clusters))}
		group    errgroup.Group
	)
	for i, descriptor := range settings.Clusters {
		i, descriptor := i, descriptor
		group.Go(func() error {
			report.Clusters[i] = m.check(ctx, settings, descriptor)
			return nil
		})
	}
	group.Wait()

	for _, result := range report.Clusters {
		logger := m.logger.New("cluster", result.Cluster)
		for _, err := range result.Errors {
			logger.Warn("Failed to check cluster", "err", err)
		}
		for _, diff := range result.Discrepancies {
			logger.Error("Detected topology drift", "drift", diff.Kind, "topic", diff.Topic, "channel", diff.Channel, "address", diff.Address)
		}
		if result.Consistent() {
			logger.Info("Cluster is consistent")
		}
	}
	m.logger.Info("Finished topology check", "clusters", len(report.Clusters), "drift", len(report.Discrepancies()), "elapsed", time.Since(start))

	if message := report.Message(settings.Monitor.AlertFetchErrors); message != "" {
		m.notify(ctx, message)
	}
	return report
}

// check fetches the live state of a single cluster and reconciles it with the
// desired one. Fetch failures are recorded, never turned into drift.
func (m *Monitor) check(ctx context.Context, settings *config.Config, descriptor config.Cluster) *ClusterReport {
	var (
		logger   = m.logger.New("cluster", descriptor.Name)
		report   = &ClusterReport{Cluster: descriptor.Name}
		observed reconcile.Observed
	)
	timeout := settings.Monitor.Timeout
	if descriptor.Timeout > 0 {
		timeout = descriptor.Timeout
	}
	if descriptor.StatsURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		topology, err := m.client.FetchTopology(fetchCtx, descriptor.StatsURL, descriptor.CheckClientCount)
		cancel()

		if err != nil {
			report.Errors = append(report.Errors, err)
		} else {
			observed.Topology, observed.HaveTopology = topology, true
			if descriptor.CheckClientCount {
				for _, topic := range topology.TopicNames() {
					for _, channel := range topology[topic] {
						count, _ := channel.ConsumerCount()
						logger.Info("Observed channel consumers", "topic", topic, "channel", channel.Name, "consumers", count)
					}
				}
			}
		}
	}
	if descriptor.NodesURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		producers, err := m.client.FetchProducers(fetchCtx, descriptor.NodesURL, cluster.Envelope(descriptor.NodesEnvelope))
		cancel()

		if err != nil {
			report.Errors = append(report.Errors, err)
		} else {
			observed.Producers, observed.HaveProducers = producers, true
		}
	}
	report.Discrepancies = reconcile.Reconcile(settings.Desired, observed, descriptor.Name, descriptor.CheckClientCount)
	return report
}

// notify delivers an alert, logging but otherwise swallowing any failure.
func (m *Monitor) notify(ctx context.Context, message string) {
	if m.sink == nil {
		m.logger.Debug("No alert sink configured, dropping alert")
		return
	}
	if err := m.sink.Notify(ctx, message); err != nil {
		m.logger.Error("Failed to deliver alert", "err", err)
		return
	}
	m.logger.Info("Delivered drift alert", "length", len(message))
}
