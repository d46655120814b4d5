package cluster

import "encoding/json"

// acceptHeader requests the unwrapped v1 response format from nsqd/nsqlookupd
// versions that still negotiate it. Older or proxied members may ignore it and
// answer with the {"data": ...} envelope, which is handled transparently.
const acceptHeader = "application/vnd.nsq; version=1.0"

// envelope is the top level of every status or discovery response. Only the
// keys relevant to the lookups are kept raw, the rest is ignored.
type envelope map[string]json.RawMessage

// topicStats is a single topic entry of an nsqd /stats response.
type topicStats struct {
	TopicName string         `json:"topic_name"`
	Channels  []channelStats `json:"channels"`
}

// channelStats is a single channel entry nested within a topic.
type channelStats struct {
	ChannelName string `json:"channel_name"`
	ClientCount *int   `json:"client_count"` // Nil if the member did not report it
}

// producer is a single registration entry of an nsqlookupd /nodes response.
type producer struct {
	BroadcastAddress string `json:"broadcast_address"`
}
