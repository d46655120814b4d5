package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// maxMessageLength is the longest text the Telegram Bot API accepts in a single
// sendMessage call.
const maxMessageLength = 4096

// TelegramConfig is the set of options to configure a Telegram bot sink.
type TelegramConfig struct {
	APIURL   string // Bot API base URL, e.g. https://api.telegram.org
	Token    string // Bot token, never logged
	ChatID   string // Target chat, numeric ID or @channel
	ThreadID int64  // Forum topic within the chat, zero for none

	Timeout   time.Duration     // Upper bound on a single request
	Transport http.RoundTripper // HTTP transport to use, nil for the default
}

// Telegram pushes alerts into a chat through a Telegram bot.
type Telegram struct {
	endpoint string
	token    string
	chatID   string
	threadID int64
	http     *http.Client
}

// NewTelegram creates a Telegram sink.
func NewTelegram(config *TelegramConfig) *Telegram {
	return &Telegram{
		endpoint: strings.TrimSuffix(config.APIURL, "/") + "/bot" + config.Token + "/sendMessage",
		token:    config.Token,
		chatID:   config.ChatID,
		threadID: config.ThreadID,
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
	}
}

// sendMessage is the request body of the Bot API sendMessage method.
type sendMessage struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	ThreadID int64  `json:"message_thread_id,omitempty"`
}

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify implements Sink. Messages exceeding the Bot API limit are split along
// line boundaries and sent in order; delivery stops at the first failure.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	for _, chunk := range split(message, maxMessageLength) {
		if err := t.send(ctx, chunk); err != nil {
			return &DeliveryError{Sink: "telegram", Err: err}
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, text string) error {
	blob, err := json.Marshal(&sendMessage{ChatID: t.chatID, Text: text, ThreadID: t.threadID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(blob))
	if err != nil {
		return t.redact(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.http.Do(req)
	if err != nil {
		return t.redact(err)
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("status %d: failed to read reply: %v", res.StatusCode, t.redact(err))
	}

	var reply apiResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		reply.Description = strings.TrimSpace(string(body))
	}
	if res.StatusCode < 200 || res.StatusCode > 299 || !reply.OK {
		if reply.Description == "" {
			reply.Description = http.StatusText(res.StatusCode)
		}
		return fmt.Errorf("status %d: %s", res.StatusCode, reply.Description)
	}
	return nil
}

// redact strips the bot token out of transport errors, which embed the full
// request URL.
func (t *Telegram) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && t.token != "" {
		uerr.URL = strings.Replace(uerr.URL, t.token, "<token>", -1)
	}
	return err
}

// split breaks a message into chunks of at most limit runes, cutting at line
// boundaries where possible and mid-line only if a single line is too long.
func split(message string, limit int) []string {
	if utf8.RuneCountInString(message) <= limit {
		return []string{message}
	}
	var (
		chunks []string
		lines  []string
		size   int
	)
	flush := func() {
		if len(lines) > 0 {
			chunks = append(chunks, strings.Join(lines, "\n"))
			lines, size = nil, 0
		}
	}
	for _, line := range strings.Split(message, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}
		need := len(runes)
		if len(lines) > 0 {
			need++ // newline separator
		}
		if size+need > limit {
			flush()
			need = len(runes)
		}
		lines = append(lines, string(runes))
		size += need
	}
	flush()
	return chunks
}
