package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/nsqwatch/alert"
	"github.com/karalabe/nsqwatch/cluster"
	"github.com/karalabe/nsqwatch/config"
	"github.com/karalabe/nsqwatch/reconcile"
)

// recorder is an alert sink remembering every delivered message.
type recorder struct {
	lock     sync.Mutex
	messages []string
	err      error
}

func (r *recorder) Notify(ctx context.Context, message string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.messages = append(r.messages, message)
	if r.err != nil {
		return &alert.DeliveryError{Sink: "recorder", Err: r.err}
	}
	return nil
}

func (r *recorder) delivered() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]string{}, r.messages...)
}

// captureLogger creates a logger recording every emitted record.
func captureLogger() (log.Logger, func() []*log.Record) {
	var (
		lock    sync.Mutex
		records []*log.Record
	)
	logger := log.New()
	logger.SetHandler(log.FuncHandler(func(r *log.Record) error {
		lock.Lock()
		defer lock.Unlock()

		records = append(records, r)
		return nil
	}))
	return logger, func() []*log.Record {
		lock.Lock()
		defer lock.Unlock()

		return append([]*log.Record{}, records...)
	}
}

// contextValue retrieves a key from the context of a log record.
func contextValue(r *log.Record, key string) string {
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		if r.Ctx[i] == key {
			return fmt.Sprint(r.Ctx[i+1])
		}
	}
	return ""
}

// serveJSON starts an HTTP server answering every request with the given body.
func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

// serveStalled starts an HTTP server that never answers before the client gives
// up on the request.
func serveStalled(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// parseConfig parses an INI configuration blob, failing the test on error.
func parseConfig(t *testing.T, blob string) *config.Config {
	t.Helper()

	settings, err := config.Parse(config.FormatINI, []byte(blob))
	if err != nil {
		t.Fatalf("Failed to parse configuration: %v", err)
	}
	return settings
}

const (
	ordersStats = `{"topics":[{"topic_name":"orders","channels":[
		{"channel_name":"paid","client_count":3},
		{"channel_name":"cancelled","client_count":0}
	]}]}`
	consistentStats = `{"data":{"topics":[{"topic_name":"orders","channels":[
		{"channel_name":"paid","client_count":1}
	]}]}}`
	partialNodes = `{"producers":[{"broadcast_address":"10.0.0.1"},{"broadcast_address":"10.0.0.9"}]}`
)

// Tests a full pass over a drifted cluster: the discrepancies are reported in
// the documented order and folded into a single alert.
func TestPassDrift(t *testing.T) {
	var (
		stats = serveJSON(t, ordersStats)
		nodes = serveJSON(t, partialNodes)
		sink  = new(recorder)
	)
	settings := parseConfig(t, fmt.Sprintf(`
[clusterA]
nsq_address        = %s/stats?format=json
nodes_address      = %s/nodes
broadcast_address  = 10.0.0.1, 10.0.0.2
check_client_count = true

[clusterA.topics]
orders = paid, shipped
`, stats.URL, nodes.URL))

	monitor := New(&Config{Settings: settings, Sink: sink})
	report := monitor.Pass(context.Background())

	want := []reconcile.Discrepancy{
		{Kind: reconcile.MissingChannel, Cluster: "clusterA", Topic: "orders", Channel: "shipped"},
		{Kind: reconcile.ExtraChannel, Cluster: "clusterA", Topic: "orders", Channel: "cancelled"},
		{Kind: reconcile.ZeroConsumerChannel, Cluster: "clusterA", Topic: "orders", Channel: "cancelled"},
		{Kind: reconcile.MissingBroadcastAddress, Cluster: "clusterA", Address: "10.0.0.2"},
	}
	if have := report.Discrepancies(); !reflect.DeepEqual(have, want) {
		t.Fatalf("Discrepancy mismatch:\nhave %v\nwant %v", have, want)
	}
	if report.Failed() {
		t.Fatalf("Pass reported failures: %v", report.Clusters[0].Errors)
	}
	messages := sink.delivered()
	if len(messages) != 1 {
		t.Fatalf("Alert count mismatch: have %d, want %d", len(messages), 1)
	}
	for _, diff := range want {
		if !strings.Contains(messages[0], diff.String()) {
			t.Errorf("Alert missing %q:\n%s", diff, messages[0])
		}
	}
	if !strings.HasPrefix(messages[0], "NSQ topology drift detected (1 missing channel, 1 extra channel, 1 idle channel, 1 missing producer)") {
		t.Errorf("Alert headline mismatch:\n%s", messages[0])
	}
}

// Tests that a consistent pass does not alert.
func TestPassConsistent(t *testing.T) {
	var (
		stats = serveJSON(t, consistentStats)
		sink  = new(recorder)
	)
	settings := parseConfig(t, fmt.Sprintf(`
[clusterA]
nsq_address = %s

[clusterA.topics]
orders = paid
`, stats.URL))

	report := New(&Config{Settings: settings, Sink: sink}).Pass(context.Background())
	if !report.Clusters[0].Consistent() {
		t.Fatalf("Consistent cluster reported drift: %v %v", report.Clusters[0].Discrepancies, report.Clusters[0].Errors)
	}
	if messages := sink.delivered(); len(messages) != 0 {
		t.Fatalf("Consistent pass alerted: %v", messages)
	}
}

// Tests that a cluster timing out does not affect the checking of others, and
// that it is not mistaken for either drift or consistency.
func TestPassTimeout(t *testing.T) {
	var (
		slow = serveStalled(t)
		fast = serveJSON(t, ordersStats)
		sink = new(recorder)
	)
	logger, logs := captureLogger()

	blob := fmt.Sprintf(`
[monitor]
timeout = 100ms
%%s

[slow]
nsq_address = %s

[slow.topics]
orders = paid

[fast]
nsq_address = %s

[fast.topics]
orders = paid, cancelled
`, slow.URL, fast.URL)

	for _, alertErrors := range []bool{true, false} {
		sink.messages = nil
		settings := parseConfig(t, fmt.Sprintf(blob, fmt.Sprintf("alert_fetch_errors = %v", alertErrors)))

		start := time.Now()
		report := New(&Config{Settings: settings, Sink: sink, Logger: logger}).Pass(context.Background())
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Fatalf("Pass stalled on unresponsive cluster: %v", elapsed)
		}
		slowReport, fastReport := report.Clusters[0], report.Clusters[1]
		if len(slowReport.Errors) != 1 {
			t.Fatalf("Slow cluster error count mismatch: have %d, want %d", len(slowReport.Errors), 1)
		}
		var terr *cluster.TransportError
		if !errors.As(slowReport.Errors[0], &terr) {
			t.Fatalf("Slow cluster error type mismatch: have %T, want %T", slowReport.Errors[0], terr)
		}
		if len(slowReport.Discrepancies) != 0 {
			t.Fatalf("Discrepancies fabricated for unreachable cluster: %v", slowReport.Discrepancies)
		}
		if slowReport.Consistent() {
			t.Fatalf("Unreachable cluster reported as consistent")
		}
		if !fastReport.Consistent() {
			t.Fatalf("Reachable cluster not checked: %v %v", fastReport.Discrepancies, fastReport.Errors)
		}
		messages := sink.delivered()
		switch {
		case alertErrors && (len(messages) != 1 || !strings.Contains(messages[0], "slow: check failed")):
			t.Fatalf("Fetch failure not alerted: %v", messages)
		case !alertErrors && len(messages) != 0:
			t.Fatalf("Fetch failure alerted despite being disabled: %v", messages)
		}
	}
	// Exactly one warning per pass should have been logged, for the slow cluster
	var warnings int
	for _, record := range logs() {
		if record.Lvl == log.LvlWarn {
			warnings++
			if name := contextValue(record, "cluster"); name != "slow" {
				t.Errorf("Warning logged for wrong cluster: have %s, want %s", name, "slow")
			}
		}
	}
	if warnings != 2 {
		t.Fatalf("Warning count mismatch: have %d, want %d", warnings, 2)
	}
}

// Tests that a failing alert sink is logged but does not fail the pass.
func TestPassDeliveryFailure(t *testing.T) {
	var (
		stats = serveJSON(t, ordersStats)
		sink  = &recorder{err: errors.New("chat not found")}
	)
	logger, logs := captureLogger()

	settings := parseConfig(t, fmt.Sprintf(`
[clusterA]
nsq_address = %s

[clusterA.topics]
orders = paid
`, stats.URL))

	monitor := New(&Config{Settings: settings, Sink: sink, Logger: logger})
	for i := 0; i < 2; i++ {
		if report := monitor.Pass(context.Background()); len(report.Discrepancies()) != 1 {
			t.Fatalf("Pass %d: discrepancy count mismatch: have %d, want %d", i, len(report.Discrepancies()), 1)
		}
	}
	var failures int
	for _, record := range logs() {
		if record.Msg == "Failed to deliver alert" {
			failures++
		}
	}
	if failures != 2 {
		t.Fatalf("Delivery failure log count mismatch: have %d, want %d", failures, 2)
	}
}

// writeConfig atomically replaces a configuration file, so a concurrent reload
// never sees it half written.
func writeConfig(t *testing.T, path string, blob string) {
	t.Helper()

	if err := ioutil.WriteFile(path+".tmp", []byte(blob), 0600); err != nil {
		t.Fatalf("Failed to write configuration: %v", err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		t.Fatalf("Failed to replace configuration: %v", err)
	}
}

// Tests that the monitor keeps checking on its interval, picking up changes to
// the configuration file, and that it stops when cancelled.
func TestRunReloads(t *testing.T) {
	datadir, err := ioutil.TempDir("", "")
	if err != nil {
		t.Fatalf("Failed to create temporary datadir: %v", err)
	}
	defer os.RemoveAll(datadir)

	var (
		stats = serveJSON(t, consistentStats)
		path  = filepath.Join(datadir, "nsqwatch.ini")
		sink  = new(recorder)
	)
	blob := `
[monitor]
interval = 20ms

[clusterA]
nsq_address = ` + stats.URL + `

[clusterA.topics]
orders = %s
`
	writeConfig(t, path, fmt.Sprintf(blob, "paid"))

	settings, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- New(&Config{Source: path, Settings: settings, Sink: sink}).Run(ctx)
	}()
	// Let a few consistent passes run, then declare a channel the cluster lacks
	time.Sleep(100 * time.Millisecond)
	if messages := sink.delivered(); len(messages) != 0 {
		t.Fatalf("Consistent cluster alerted: %v", messages)
	}
	writeConfig(t, path, fmt.Sprintf(blob, "paid, shipped"))

	for deadline := time.Now().Add(5 * time.Second); len(sink.delivered()) < 2; time.Sleep(10 * time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatalf("Reloaded configuration not checked repeatedly: %v", sink.delivered())
		}
	}
	if message := sink.delivered()[0]; !strings.Contains(message, "channel 'shipped' missing from topic 'orders'") {
		t.Fatalf("Alert mismatch: %s", message)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Monitor failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Monitor did not stop after cancellation")
	}
}

// Tests that a configuration reload failure skips the check but keeps the
// monitor alive.
func TestRunSkipsOnReloadFailure(t *testing.T) {
	datadir, err := ioutil.TempDir("", "")
	if err != nil {
		t.Fatalf("Failed to create temporary datadir: %v", err)
	}
	defer os.RemoveAll(datadir)

	var (
		stats = serveJSON(t, ordersStats)
		path  = filepath.Join(datadir, "nsqwatch.ini")
		sink  = new(recorder)
	)
	settings := parseConfig(t, `
[monitor]
interval = 20ms

[clusterA]
nsq_address = `+stats.URL+`

[clusterA.topics]
orders = paid
`)
	writeConfig(t, path, "[clusterA.topics]\norders = paid\n")
	logger, logs := captureLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := New(&Config{Source: path, Settings: settings, Sink: sink, Logger: logger}).Run(ctx); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if messages := sink.delivered(); len(messages) != 0 {
		t.Fatalf("Check ran with broken configuration: %v", messages)
	}
	var skipped int
	for _, record := range logs() {
		if record.Msg == "Failed to reload configuration, skipping check" {
			skipped++
		}
	}
	if skipped < 2 {
		t.Fatalf("Reload failures not logged repeatedly: have %d", skipped)
	}
}

// Tests the folding of a pass report into an alert message.
func TestReportMessage(t *testing.T) {
	report := &Report{Clusters: []*ClusterReport{
		{Cluster: "a", Discrepancies: []reconcile.Discrepancy{
			{Kind: reconcile.MissingTopic, Cluster: "a", Topic: "orders"},
		}},
		{Cluster: "b", Errors: []error{errors.New("connection refused")}},
		{Cluster: "c"},
	}}
	want := "NSQ topology drift detected (1 missing topic, 1 failed check)\n" +
		"\n- a: topic 'orders' not found" +
		"\n- b: check failed: connection refused"
	if have := report.Message(true); have != want {
		t.Errorf("Message mismatch:\nhave %q\nwant %q", have, want)
	}
	want = "NSQ topology drift detected (1 missing topic)\n" +
		"\n- a: topic 'orders' not found"
	if have := report.Message(false); have != want {
		t.Errorf("Message mismatch without errors:\nhave %q\nwant %q", have, want)
	}
	if have := (&Report{Clusters: []*ClusterReport{{Cluster: "c"}}}).Message(true); have != "" {
		t.Errorf("Consistent report produced message: %q", have)
	}
}
