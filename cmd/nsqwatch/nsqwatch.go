package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/nsqwatch/alert"
	"github.com/karalabe/nsqwatch/broker"
	"github.com/karalabe/nsqwatch/cluster"
	"github.com/karalabe/nsqwatch/config"
	"github.com/karalabe/nsqwatch/monitor"
	"github.com/karalabe/nsqwatch/reconcile"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag int
	logJSONFlag  bool

	notifyFlag bool

	clusterFlag string
	nodesFlag   bool
	outputFlag  string

	datadirFlag   string
	ifaceFlag     string
	extAddrFlag   string
	consumersFlag bool
)

func main() {
	// Create the command to continuously monitor the clusters
	cmdRun := &cobra.Command{
		Use:   "run",
		Short: "Periodically check the clusters and push alerts on drift",
		Run:   runMonitor,
	}
	// Create the commands to inspect the clusters once
	cmdCheck := &cobra.Command{
		Use:   "check",
		Short: "Check the clusters once and report the drift found",
		Run:   runCheck,
	}
	cmdCheck.Flags().BoolVar(&notifyFlag, "notify", false, "Push the found drift to the configured alert sinks too")

	cmdDump := &cobra.Command{
		Use:   "dump",
		Short: "Print the raw JSON served by a cluster endpoint",
		Run:   runDump,
	}
	cmdDump.Flags().StringVar(&clusterFlag, "cluster", "", "Cluster to query (default = first configured)")
	cmdDump.Flags().BoolVar(&nodesFlag, "nodes", false, "Query the discovery endpoint instead of the status one")
	cmdDump.Flags().StringVar(&outputFlag, "out", "", "File to write the JSON into (default = stdout)")

	// Create the command to run a local cluster to check against
	cmdSandbox := &cobra.Command{
		Use:   "sandbox",
		Short: "Run an embedded NSQ cluster seeded with a cluster's declared topology",
		Run:   runSandbox,
	}
	cmdSandbox.Flags().StringVar(&clusterFlag, "cluster", "", "Cluster whose topology to seed (default = first configured)")
	cmdSandbox.Flags().StringVar(&datadirFlag, "datadir", filepath.Join(os.TempDir(), "nsqwatch-sandbox"), "Folder to store the sandbox queues in")
	cmdSandbox.Flags().StringVar(&ifaceFlag, "bind.addr", "127.0.0.1", "Listener interface for the sandbox daemons")
	cmdSandbox.Flags().StringVar(&extAddrFlag, "ext.addr", externalAddress(), "Broadcast address the sandbox nsqd registers with")
	cmdSandbox.Flags().BoolVar(&consumersFlag, "consumers", true, "Attach a consumer to every seeded channel not ending in -idle")

	rootCmd := &cobra.Command{
		Use:              "nsqwatch",
		Short:            "Monitor NSQ clusters for topology drift",
		PersistentPreRun: setupLogger,
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "nsqwatch.ini", "Desired state configuration file (.ini or .yaml)")
	rootCmd.PersistentFlags().IntVar(&logLevelFlag, "log.level", int(log.LvlInfo), "Log level to emit (0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace)")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log.json", false, "Emit logs as JSON instead of human readable text")

	rootCmd.AddCommand(cmdRun, cmdCheck, cmdDump, cmdSandbox)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger configures the root logger based on the command line flags.
func setupLogger(cmd *cobra.Command, args []string) {
	format := log.TerminalFormat(true)
	if logJSONFlag {
		format = log.JSONFormat()
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(logLevelFlag), log.StreamHandler(os.Stderr, format)))
}

// loadConfig reads the configuration file, aborting on failure.
func loadConfig() *config.Config {
	settings, err := config.Load(configFlag)
	if err != nil {
		log.Crit("Failed to load configuration", "err", err)
	}
	log.Info("Loaded configuration", "path", configFlag, "clusters", len(settings.Clusters))
	return settings
}

// selectCluster returns the cluster named by the flag, or the first one if no
// name was given.
func selectCluster(settings *config.Config) config.Cluster {
	if clusterFlag == "" {
		return settings.Clusters[0]
	}
	descriptor, ok := settings.Cluster(clusterFlag)
	if !ok {
		log.Crit("Unknown cluster", "cluster", clusterFlag)
	}
	return descriptor
}

// makeSink assembles the alert sinks declared in the configuration.
func makeSink(settings *config.Config) (alert.Sink, func()) {
	var (
		sinks   alert.Multi
		closers []func()
	)
	if settings.Telegram != nil {
		sinks = append(sinks, alert.NewTelegram(&alert.TelegramConfig{
			APIURL:   settings.Telegram.APIURL,
			Token:    settings.Telegram.Token,
			ChatID:   settings.Telegram.ChatID,
			ThreadID: settings.Telegram.ThreadID,
			Timeout:  settings.Monitor.Timeout,
		}))
	}
	if settings.NSQAlert != nil {
		producer, err := broker.NewClient(log.New("sink", "nsq")).NewProducer(settings.NSQAlert.Address, settings.Monitor.Timeout)
		if err != nil {
			log.Crit("Failed to create alert producer", "err", err)
		}
		sink := alert.NewNSQ(producer, settings.NSQAlert.Topic)
		sinks, closers = append(sinks, sink), append(closers, sink.Close)
	}
	closer := func() {
		for _, fn := range closers {
			fn()
		}
	}
	switch len(sinks) {
	case 0:
		log.Warn("No alert sinks configured, drift will only be logged")
		return nil, closer
	case 1:
		return sinks[0], closer
	default:
		return sinks, closer
	}
}

// interruptContext returns a context cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			log.Info("Received termination signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signalCh)
	}()
	return ctx, cancel
}

func runMonitor(cmd *cobra.Command, args []string) {
	settings := loadConfig()

	sink, closer := makeSink(settings)
	defer closer()

	ctx, cancel := interruptContext()
	defer cancel()

	log.Info("Starting topology monitor", "interval", settings.Monitor.Interval, "timeout", settings.Monitor.Timeout)
	mon := monitor.New(&monitor.Config{
		Source:   configFlag,
		Settings: settings,
		Sink:     sink,
		Logger:   log.New("component", "monitor"),
	})
	if err := mon.Run(ctx); err != nil {
		log.Crit("Topology monitor failed", "err", err)
	}
	log.Info("Topology monitor stopped")
}

func runCheck(cmd *cobra.Command, args []string) {
	settings := loadConfig()

	var (
		sink   alert.Sink
		closer = func() {}
	)
	if notifyFlag {
		sink, closer = makeSink(settings)
	}
	ctx, cancel := interruptContext()
	code := checkClusters(ctx, settings, sink, closer, os.Stdout)
	cancel()

	if code != 0 {
		os.Exit(code)
	}
}

// checkClusters runs a single pass over all clusters, renders the drift found
// and returns the process exit code: 0 if everything is consistent, 1 if drift
// was found or any cluster could not be checked. The sinks are released before
// returning, as the caller may exit without running deferred calls.
func checkClusters(ctx context.Context, settings *config.Config, sink alert.Sink, closer func(), w io.Writer) int {
	defer closer()

	report := monitor.New(&monitor.Config{
		Settings: settings,
		Sink:     sink,
		Logger:   log.New("component", "monitor"),
	}).Pass(ctx)

	diffs := report.Discrepancies()
	reconcile.Render(w, diffs)

	if len(diffs) > 0 || report.Failed() {
		return 1
	}
	fmt.Fprintln(w, "All clusters consistent")
	return 0
}

func runDump(cmd *cobra.Command, args []string) {
	settings := loadConfig()
	descriptor := selectCluster(settings)

	url := descriptor.StatsURL
	if nodesFlag {
		url = descriptor.NodesURL
	}
	if url == "" {
		log.Crit("Cluster has no such endpoint configured", "cluster", descriptor.Name, "nodes", nodesFlag)
	}
	timeout := settings.Monitor.Timeout
	if descriptor.Timeout > 0 {
		timeout = descriptor.Timeout
	}
	client := cluster.New(&cluster.Config{Timeout: timeout, Logger: log.New("cluster", descriptor.Name)})

	blob, err := client.FetchRaw(context.Background(), url)
	if err != nil {
		log.Crit("Failed to fetch endpoint", "url", url, "err", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, blob, "", "  "); err != nil {
		log.Crit("Failed to format response", "err", err)
	}
	pretty.WriteByte('\n')

	if outputFlag == "" {
		os.Stdout.Write(pretty.Bytes())
		return
	}
	if err := ioutil.WriteFile(outputFlag, pretty.Bytes(), 0644); err != nil {
		log.Crit("Failed to write response", "path", outputFlag, "err", err)
	}
	log.Info("Dumped endpoint", "url", url, "path", outputFlag, "bytes", pretty.Len())
}

func runSandbox(cmd *cobra.Command, args []string) {
	// Seed the sandbox with the declared topology, if there's any to load
	var (
		name   string
		topics map[string]config.ChannelSet
	)
	if _, err := os.Stat(configFlag); err == nil {
		settings := loadConfig()
		descriptor := selectCluster(settings)
		name, topics = descriptor.Name, settings.Desired.Topics[descriptor.Name]
	}
	sandbox, err := broker.New(&broker.Config{
		Datadir:          datadirFlag,
		Interface:        ifaceFlag,
		BroadcastAddress: extAddrFlag,
		Topics:           topics,
		Consumers:        consumersFlag,
		Logger:           log.New("component", "sandbox"),
	})
	if err != nil {
		log.Crit("Failed to start sandbox cluster", "err", err)
	}
	defer sandbox.Close()

	log.Info("Sandbox cluster running", "cluster", name, "topics", len(topics), "tcp", sandbox.TCPAddress(), "stats", sandbox.StatsURL(), "nodes", sandbox.NodesURL())

	// Wait until the process is terminated
	started := time.Now()

	ctx, cancel := interruptContext()
	defer cancel()

	<-ctx.Done()
	log.Info("Stopping sandbox cluster", "uptime", time.Since(started))
}

// externalAddress iterates over all the network interfaces of the machine and
// returns the first non-loopback one (or the loopback if none can be found).
func externalAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("Failed to retrieve network interfaces", "err", err)
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		// Skip disconnected and loopback interfaces
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Warn("Failed to retrieve network addresses", "err", err)
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				return v.IP.String()
			case *net.IPAddr:
				return v.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
