package monitor

import (
	"fmt"
	"strings"

	"github.com/karalabe/nsqwatch/reconcile"
)

// ClusterReport is the outcome of checking a single cluster during a pass.
type ClusterReport struct {
	Cluster       string
	Discrepancies []reconcile.Discrepancy // Drift found in whatever could be fetched
	Errors        []error                 // Fetch failures, one per unreachable endpoint
}

// Consistent reports whether the cluster was fully checked and no drift found.
func (r *ClusterReport) Consistent() bool {
	return len(r.Discrepancies) == 0 && len(r.Errors) == 0
}

// Report is the outcome of a single pass over all the configured clusters, in
// configuration order.
type Report struct {
	Clusters []*ClusterReport
}

// Discrepancies returns the drift found across all clusters.
func (r *Report) Discrepancies() []reconcile.Discrepancy {
	var diffs []reconcile.Discrepancy
	for _, cluster := range r.Clusters {
		diffs = append(diffs, cluster.Discrepancies...)
	}
	return diffs
}

// Failed reports whether any of the clusters could not be fully checked.
func (r *Report) Failed() bool {
	for _, cluster := range r.Clusters {
		if len(cluster.Errors) > 0 {
			return true
		}
	}
	return false
}

// Message folds the findings of the pass into a single alert text. Fetch errors
// are only included if requested. An empty string means there is nothing worth
// alerting on.
func (r *Report) Message(includeErrors bool) string {
	var (
		diffs    = r.Discrepancies()
		failures []string
	)
	if includeErrors {
		for _, cluster := range r.Clusters {
			for _, err := range cluster.Errors {
				failures = append(failures, fmt.Sprintf("%s: check failed: %v", cluster.Cluster, err))
			}
		}
	}
	if len(diffs) == 0 && len(failures) == 0 {
		return ""
	}
	var (
		summary = reconcile.Summarize(diffs)
		counts  []string
	)
	for _, kind := range reconcile.Kinds(summary) {
		counts = append(counts, fmt.Sprintf("%d %s", summary[kind], kind))
	}
	if len(failures) > 0 {
		counts = append(counts, fmt.Sprintf("%d failed check", len(failures)))
	}
	var message strings.Builder
	fmt.Fprintf(&message, "NSQ topology drift detected (%s)\n", strings.Join(counts, ", "))
	for _, diff := range diffs {
		fmt.Fprintf(&message, "\n- %s", diff)
	}
	for _, failure := range failures {
		fmt.Fprintf(&message, "\n- %s", failure)
	}
	return message.String()
}
