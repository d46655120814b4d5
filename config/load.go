package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a configuration source.
type Format string

const (
	FormatINI  Format = "ini"
	FormatYAML Format = "yaml"
)

// FormatOf guesses the format of a configuration file from its extension,
// defaulting to INI.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatINI
	}
}

// entry is a single key/value pair of a section, kept in declaration order.
type entry struct {
	key   string
	value string
}

// section is the format agnostic representation of a configuration section.
type section struct {
	name    string
	entries []entry
}

// lookup finds a reserved key in the section, ignoring its letter case.
func (s *section) lookup(key string) (string, bool) {
	for _, e := range s.entries {
		if strings.EqualFold(e.key, key) {
			return e.value, true
		}
	}
	return "", false
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	config, err := Parse(FormatOf(path), data)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return nil, err
	}
	return config, nil
}

// Parse interprets a configuration blob of the given format.
func Parse(format Format, data []byte) (*Config, error) {
	var (
		sections []*section
		err      error
	)
	switch format {
	case FormatINI:
		sections, err = parseINI(data)
	case FormatYAML:
		sections, err = parseYAML(data)
	default:
		err = &Error{Err: fmt.Errorf("unknown config format %q", format)}
	}
	if err != nil {
		return nil, err
	}
	return build(sections)
}

// parseINI splits an INI blob into sections.
func parseINI(data []byte) ([]*section, error) {
	// Channels may carry a '#ephemeral' suffix, only treat ' #' as a comment.
	// Long channel lists may continue on indented lines.
	file, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment:   true,
		AllowPythonMultilineValues: true,
	}, data)
	if err != nil {
		return nil, &Error{Err: err}
	}
	var sections []*section
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return nil, &Error{Key: sec.Keys()[0].Name(), Err: errors.New("key declared outside of any section")}
			}
			continue
		}
		parsed := &section{name: sec.Name()}
		for _, key := range sec.Keys() {
			parsed.entries = append(parsed.entries, entry{key: key.Name(), value: key.Value()})
		}
		sections = append(sections, parsed)
	}
	return sections, nil
}

// parseYAML splits a YAML blob into sections. The document must be a mapping of
// section names to mappings; values may be scalars or lists of scalars, the
// latter being joined into the same comma separated form the INI format uses.
func parseYAML(data []byte) ([]*section, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Err: err}
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &Error{Err: fmt.Errorf("line %d: top level must be a mapping of sections", root.Line)}
	}
	var sections []*section
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i].Value, root.Content[i+1]

		parsed := &section{name: name}
		switch {
		case body.Kind == yaml.MappingNode:
			for j := 0; j+1 < len(body.Content); j += 2 {
				key, value := body.Content[j], body.Content[j+1]

				switch value.Kind {
				case yaml.ScalarNode:
					parsed.entries = append(parsed.entries, entry{key: key.Value, value: value.Value})
				case yaml.SequenceNode:
					items := make([]string, 0, len(value.Content))
					for _, item := range value.Content {
						if item.Kind != yaml.ScalarNode {
							return nil, &Error{Section: name, Key: key.Value, Err: fmt.Errorf("line %d: list items must be scalars", item.Line)}
						}
						items = append(items, item.Value)
					}
					parsed.entries = append(parsed.entries, entry{key: key.Value, value: strings.Join(items, ",")})
				default:
					return nil, &Error{Section: name, Key: key.Value, Err: fmt.Errorf("line %d: value must be a scalar or a list", value.Line)}
				}
			}
		case body.Kind == yaml.ScalarNode && body.Tag == "!!null":
			// Empty section, nothing to collect
		default:
			return nil, &Error{Section: name, Err: fmt.Errorf("line %d: section must be a mapping", body.Line)}
		}
		sections = append(sections, parsed)
	}
	return sections, nil
}

// build classifies the sections and assembles the validated configuration.
func build(sections []*section) (*Config, error) {
	config := &Config{
		Desired: &DesiredState{
			Topics:             make(map[string]map[string]ChannelSet),
			BroadcastAddresses: make(map[string][]string),
		},
		Monitor: Monitor{
			Interval:         DefaultInterval,
			Timeout:          DefaultTimeout,
			AlertFetchErrors: true,
		},
	}
	var topics []*section

	for _, sec := range sections {
		switch {
		case sec.name == telegramSection:
			telegram, err := parseTelegram(sec)
			if err != nil {
				return nil, err
			}
			config.Telegram = telegram

		case sec.name == nsqAlertSection:
			alert, err := parseNSQAlert(sec)
			if err != nil {
				return nil, err
			}
			config.NSQAlert = alert

		case sec.name == monitorSection:
			if err := parseMonitor(sec, &config.Monitor); err != nil {
				return nil, err
			}

		case isClusterDescriptor(sec):
			cluster, err := parseCluster(sec)
			if err != nil {
				return nil, err
			}
			if _, ok := config.Cluster(cluster.Name); ok {
				return nil, &Error{Section: sec.name, Err: errors.New("duplicate cluster")}
			}
			config.Clusters = append(config.Clusters, cluster)
			if len(cluster.BroadcastAddresses) > 0 {
				config.Desired.BroadcastAddresses[cluster.Name] = cluster.BroadcastAddresses
			}

		default:
			topics = append(topics, sec)
		}
	}
	if len(config.Clusters) == 0 {
		return nil, &Error{Err: fmt.Errorf("no cluster declares %s or %s", statsAddressKey, nodesAddressKey)}
	}
	// Topic sections are bound only after all descriptors are known, so that the
	// declaration order within the file does not matter.
	for _, sec := range topics {
		name := strings.TrimSuffix(sec.name, topicsSuffix)

		cluster, ok := config.Cluster(name)
		if !ok {
			return nil, &Error{Section: sec.name, Err: fmt.Errorf("no cluster named %q declares %s or %s", name, statsAddressKey, nodesAddressKey)}
		}
		if cluster.StatsURL == "" && len(sec.entries) > 0 {
			return nil, &Error{Section: sec.name, Err: fmt.Errorf("cluster %q declares topics but no %s", name, statsAddressKey)}
		}
		declared := config.Desired.Topics[name]
		if declared == nil {
			declared = make(map[string]ChannelSet)
			config.Desired.Topics[name] = declared
		}
		for _, e := range sec.entries {
			if !nsq.IsValidTopicName(e.key) {
				return nil, &Error{Section: sec.name, Key: e.key, Err: errors.New("invalid topic name")}
			}
			channels := declared[e.key]
			if channels == nil {
				channels = make(ChannelSet)
				declared[e.key] = channels
			}
			for _, channel := range splitList(e.value) {
				if !nsq.IsValidChannelName(channel) {
					return nil, &Error{Section: sec.name, Key: e.key, Err: fmt.Errorf("invalid channel name %q", channel)}
				}
				channels[channel] = struct{}{}
			}
		}
	}
	return config, nil
}

// isClusterDescriptor reports whether a section declares a cluster endpoint.
func isClusterDescriptor(sec *section) bool {
	if _, ok := sec.lookup(statsAddressKey); ok {
		return true
	}
	_, ok := sec.lookup(nodesAddressKey)
	return ok
}

func parseCluster(sec *section) (Cluster, error) {
	cluster := Cluster{
		Name:          sec.name,
		NodesEnvelope: EnvelopeFlat,
	}
	for _, e := range sec.entries {
		var err error
		switch strings.ToLower(e.key) {
		case statsAddressKey:
			cluster.StatsURL, err = parseURL(e.value)
		case nodesAddressKey:
			cluster.NodesURL, err = parseURL(e.value)
		case broadcastKey:
			cluster.BroadcastAddresses = dedup(splitList(e.value))
		case nodesEnvelopeKey:
			switch envelope := strings.ToLower(strings.TrimSpace(e.value)); envelope {
			case EnvelopeFlat, EnvelopeData:
				cluster.NodesEnvelope = envelope
			default:
				err = fmt.Errorf("unknown envelope %q, want %q or %q", e.value, EnvelopeFlat, EnvelopeData)
			}
		case clientCountKey:
			cluster.CheckClientCount, err = parseBool(e.value)
		case timeoutKey:
			cluster.Timeout, err = parseDuration(e.value)
		default:
			err = errors.New("unknown cluster key, declare topics in a [" + sec.name + topicsSuffix + "] section")
		}
		if err != nil {
			return Cluster{}, &Error{Section: sec.name, Key: e.key, Err: err}
		}
	}
	if len(cluster.BroadcastAddresses) > 0 && cluster.NodesURL == "" {
		return Cluster{}, &Error{Section: sec.name, Key: broadcastKey, Err: fmt.Errorf("requires %s", nodesAddressKey)}
	}
	return cluster, nil
}

func parseTelegram(sec *section) (*Telegram, error) {
	telegram := &Telegram{APIURL: DefaultTelegramAPI}
	for _, e := range sec.entries {
		value := strings.TrimSpace(e.value)
		switch strings.ToLower(e.key) {
		case "token":
			telegram.Token = value
		case "chat_id":
			telegram.ChatID = value
		case "thread_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, &Error{Section: sec.name, Key: e.key, Err: err}
			}
			telegram.ThreadID = id
		case "api_url":
			api, err := parseURL(value)
			if err != nil {
				return nil, &Error{Section: sec.name, Key: e.key, Err: err}
			}
			telegram.APIURL = strings.TrimSuffix(api, "/")
		default:
			return nil, &Error{Section: sec.name, Key: e.key, Err: errors.New("unknown key")}
		}
	}
	if telegram.Token == "" {
		return nil, &Error{Section: sec.name, Key: "token", Err: errors.New("missing")}
	}
	if telegram.ChatID == "" {
		return nil, &Error{Section: sec.name, Key: "chat_id", Err: errors.New("missing")}
	}
	return telegram, nil
}

func parseNSQAlert(sec *section) (*NSQAlert, error) {
	alert := new(NSQAlert)
	for _, e := range sec.entries {
		value := strings.TrimSpace(e.value)
		switch strings.ToLower(e.key) {
		case "nsqd_address":
			alert.Address = value
		case "topic":
			if !nsq.IsValidTopicName(value) {
				return nil, &Error{Section: sec.name, Key: e.key, Err: errors.New("invalid topic name")}
			}
			alert.Topic = value
		default:
			return nil, &Error{Section: sec.name, Key: e.key, Err: errors.New("unknown key")}
		}
	}
	if alert.Address == "" {
		return nil, &Error{Section: sec.name, Key: "nsqd_address", Err: errors.New("missing")}
	}
	if alert.Topic == "" {
		return nil, &Error{Section: sec.name, Key: "topic", Err: errors.New("missing")}
	}
	return alert, nil
}

func parseMonitor(sec *section, monitor *Monitor) error {
	for _, e := range sec.entries {
		var err error
		switch strings.ToLower(e.key) {
		case "interval":
			monitor.Interval, err = parseDuration(e.value)
		case "timeout":
			monitor.Timeout, err = parseDuration(e.value)
		case "alert_fetch_errors":
			monitor.AlertFetchErrors, err = parseBool(e.value)
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return &Error{Section: sec.name, Key: e.key, Err: err}
		}
	}
	return nil
}

// splitList splits a comma (or line) separated value, trimming every element
// and dropping empty ones. Order and duplicates are preserved.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// dedup drops repeated elements of a list, keeping the first occurrence.
func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))

	unique := items[:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}

func parseURL(value string) (string, error) {
	value = strings.TrimSpace(value)

	u, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme in %q", value)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", value)
	}
	return value, nil
}

// parseBool interprets a flag value, accepting the spellings INI and YAML users
// commonly write besides the ones strconv understands.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(value))
}

func parseDuration(value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("duration must be positive, have %v", duration)
	}
	return duration, nil
}
