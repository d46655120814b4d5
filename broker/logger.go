package broker

import (
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// daemonLogger is a helper that wraps the log messages emitted by the embedded
// NSQ daemons (nsqd and nsqlookupd) into log messages native to this project.
type daemonLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ.
func (l *daemonLogger) Output(maxdepth int, s string) error {
	// Unpack the log context, lines look like "INFO: TOPIC(foo): created"
	level, s := cut(s)

	module, rest := cut(s)
	if strings.HasSuffix(module, ":") && rest != "" {
		module, s = strings.TrimSuffix(module, ":"), rest
	} else {
		module = "" // not a tagged log
	}
	// Create a contextual log and do proper logging
	logger := l.logger
	if module != "" {
		logger = logger.New("module", strings.ToLower(module))
	}
	switch level {
	case "DEBUG:":
		logger.Trace("Sandbox daemon emitted log", "msg", s)
	case "INFO:":
		logger.Debug("Sandbox daemon emitted log", "msg", s)
	case "WARNING:":
		logger.Warn("Sandbox daemon emitted log", "msg", s)
	case "ERROR:", "FATAL:":
		logger.Error("Sandbox daemon emitted log", "msg", s)
	default:
		logger.Error("Sandbox daemon emitted unknown log", "msg", s)
	}
	return nil
}

// nsqProducerLogger is a helper that wraps the log messages emitted by the NSQ
// client into log messages native to this project.
type nsqProducerLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ.
func (l *nsqProducerLogger) Output(maxdepth int, s string) error {
	// Unpack the log context, lines look like "INF    1 (127.0.0.1:4150) connecting"
	level, id, addr, s := unpackClientLog(s, "(", ")")

	// Create a contextual log and do proper logging
	logger := l.logger.New("id", id)
	if addr != "" {
		logger = logger.New("nsqd", addr)
	}
	switch level {
	case "DBG":
		logger.Trace("NSQ producer emitted log", "msg", s)
	case "INF":
		logger.Debug("NSQ producer emitted log", "msg", s)
	case "WRN":
		logger.Warn("NSQ producer emitted log", "msg", s)
	case "ERR":
		logger.Error("NSQ producer emitted log", "msg", s)
	default:
		logger.Error("NSQ producer emitted unknown log", "msg", s)
	}
	return nil
}

// nsqConsumerLogger is a helper that wraps the log messages emitted by the NSQ
// client into log messages native to this project.
type nsqConsumerLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ.
func (l *nsqConsumerLogger) Output(maxdepth int, s string) error {
	// Unpack the log context, lines look like "INF    1 [topic/channel] connecting"
	level, id, sub, s := unpackClientLog(s, "[", "]")

	// Create a contextual log and do proper logging
	logger := l.logger.New("id", id)
	if sub != "" {
		logger = logger.New("sub", sub)
	}
	switch level {
	case "DBG":
		logger.Trace("NSQ consumer emitted log", "msg", s)
	case "INF":
		logger.Debug("NSQ consumer emitted log", "msg", s)
	case "WRN":
		logger.Warn("NSQ consumer emitted log", "msg", s)
	case "ERR":
		logger.Error("NSQ consumer emitted log", "msg", s)
	default:
		logger.Error("NSQ consumer emitted unknown log", "msg", s)
	}
	return nil
}

// unpackClientLog splits a go-nsq log line into its level, client id, optional
// bracketed tag and the remaining message.
func unpackClientLog(s string, open string, close string) (level string, id string, tag string, msg string) {
	level, s = cut(strings.TrimSpace(s))
	id, s = cut(strings.TrimSpace(s))

	if strings.HasPrefix(s, open) {
		if end := strings.Index(s, close); end > 0 {
			tag, s = s[len(open):end], strings.TrimSpace(s[end+len(close):])
		}
	}
	return level, id, tag, s
}

// cut splits a string at its first space.
func cut(s string) (string, string) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
