// Package reconcile diffs the declared topology of an NSQ cluster against the
// one observed live and reports every divergence as a Discrepancy.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/karalabe/nsqwatch/cluster"
	"github.com/karalabe/nsqwatch/config"
)

// Kind is the type of a detected divergence.
type Kind int

const (
	MissingTopic            Kind = iota // Declared topic not present on the cluster
	MissingChannel                      // Declared channel not attached to its topic
	ExtraChannel                        // Attached channel not declared for its topic
	ZeroConsumerChannel                 // Channel without any connected consumers
	MissingBroadcastAddress             // Declared producer not registered for discovery
)

func (k Kind) String() string {
	switch k {
	case MissingTopic:
		return "missing topic"
	case MissingChannel:
		return "missing channel"
	case ExtraChannel:
		return "extra channel"
	case ZeroConsumerChannel:
		return "idle channel"
	case MissingBroadcastAddress:
		return "missing producer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Discrepancy is a single divergence between the desired and observed state of a
// cluster. Only the fields relevant to its Kind are set.
type Discrepancy struct {
	Kind    Kind
	Cluster string
	Topic   string
	Channel string
	Address string
}

// String renders the discrepancy as a human readable line.
func (d Discrepancy) String() string {
	switch d.Kind {
	case MissingTopic:
		return fmt.Sprintf("%s: topic '%s' not found", d.Cluster, d.Topic)
	case MissingChannel:
		return fmt.Sprintf("%s: channel '%s' missing from topic '%s'", d.Cluster, d.Channel, d.Topic)
	case ExtraChannel:
		return fmt.Sprintf("%s: undeclared channel '%s' on topic '%s'", d.Cluster, d.Channel, d.Topic)
	case ZeroConsumerChannel:
		return fmt.Sprintf("%s: channel '%s' on topic '%s' has no consumers", d.Cluster, d.Channel, d.Topic)
	case MissingBroadcastAddress:
		return fmt.Sprintf("%s: producer '%s' not registered", d.Cluster, d.Address)
	default:
		return fmt.Sprintf("%s: %v", d.Cluster, d.Kind)
	}
}

// Observed is the live state of one cluster collected during a pass. Either half
// may be missing if the respective endpoint is not configured or could not be
// queried, in which case the checks depending on it are skipped.
type Observed struct {
	Topology      cluster.Topology
	Producers     cluster.Producers
	HaveTopology  bool
	HaveProducers bool
}

// Reconcile compares the desired state of a cluster with the observed one. The
// returned discrepancies are ordered deterministically: topic checks by topic
// (missing, then extra channels, each ascending), followed by idle channels by
// topic and channel, followed by missing producers in declaration order. An
// empty result means the cluster is consistent.
//
// Absence of anything is reported as a discrepancy, never as an error. Neither
// input is modified.
func Reconcile(desired *config.DesiredState, observed Observed, clusterID string, trackConsumers bool) []Discrepancy {
	var diffs []Discrepancy

	if observed.HaveTopology {
		diffs = append(diffs, diffTopics(desired, observed.Topology, clusterID)...)
		if trackConsumers {
			diffs = append(diffs, idleChannels(observed.Topology, clusterID)...)
		}
	}
	if observed.HaveProducers {
		diffs = append(diffs, diffProducers(desired, observed.Producers, clusterID)...)
	}
	return diffs
}

// diffTopics reports declared topics absent from the cluster and the channel set
// differences of the present ones.
func diffTopics(desired *config.DesiredState, topology cluster.Topology, clusterID string) []Discrepancy {
	var diffs []Discrepancy

	for _, topic := range desired.TopicNames(clusterID) {
		observations, ok := topology[topic]
		if !ok {
			diffs = append(diffs, Discrepancy{Kind: MissingTopic, Cluster: clusterID, Topic: topic})
			continue
		}
		want := desired.Topics[clusterID][topic]
		have := channelSet(observations)

		for _, channel := range want.Sorted() {
			if !have.Contains(channel) {
				diffs = append(diffs, Discrepancy{Kind: MissingChannel, Cluster: clusterID, Topic: topic, Channel: channel})
			}
		}
		for _, channel := range have.Sorted() {
			if !want.Contains(channel) {
				diffs = append(diffs, Discrepancy{Kind: ExtraChannel, Cluster: clusterID, Topic: topic, Channel: channel})
			}
		}
	}
	return diffs
}

// idleChannels reports every observed channel with a known consumer count of
// zero, declared or not.
func idleChannels(topology cluster.Topology, clusterID string) []Discrepancy {
	var diffs []Discrepancy

	for _, topic := range topology.TopicNames() {
		idle := make(config.ChannelSet)
		for _, channel := range topology[topic] {
			if count, ok := channel.ConsumerCount(); ok && count == 0 {
				idle[channel.Name] = struct{}{}
			}
		}
		for _, channel := range idle.Sorted() {
			diffs = append(diffs, Discrepancy{Kind: ZeroConsumerChannel, Cluster: clusterID, Topic: topic, Channel: channel})
		}
	}
	return diffs
}

// diffProducers reports declared broadcast addresses without a registered
// producer. Registered producers that were not declared are fine.
func diffProducers(desired *config.DesiredState, producers cluster.Producers, clusterID string) []Discrepancy {
	var diffs []Discrepancy

	for _, address := range desired.BroadcastAddresses[clusterID] {
		if !producers.Contains(address) {
			diffs = append(diffs, Discrepancy{Kind: MissingBroadcastAddress, Cluster: clusterID, Address: address})
		}
	}
	return diffs
}

// channelSet collapses a list of channel observations into a set of names.
func channelSet(observations []cluster.ChannelObservation) config.ChannelSet {
	set := make(config.ChannelSet, len(observations))
	for _, channel := range observations {
		set[channel.Name] = struct{}{}
	}
	return set
}

// Summarize counts the discrepancies of every kind present in the list.
func Summarize(diffs []Discrepancy) map[Kind]int {
	counts := make(map[Kind]int)
	for _, diff := range diffs {
		counts[diff.Kind]++
	}
	return counts
}

// Kinds returns the kinds present in a summary in their declaration order.
func Kinds(summary map[Kind]int) []Kind {
	kinds := make([]Kind, 0, len(summary))
	for kind := range summary {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
