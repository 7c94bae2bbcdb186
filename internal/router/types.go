package router

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/marketstream/internal/interest"
)

// Config holds configuration for the Message Router.
type Config struct {
	SubscriberBuffer int // Default per-subscriber buffer: 1024
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 1024,
	}
}

// Message is one decoded inbound message. Batched frames are expanded so
// each Message concerns at most one asset.
type Message struct {
	Topic     string
	Type      string
	Category  interest.Set
	Timestamp int64 // As sent by the server (milliseconds)

	// Routing keys pulled from the payload when present.
	AssetID string
	Market  string
	Symbol  string
	Owner   string // API key of the account a user channel event belongs to

	Payload []byte // Raw JSON payload (one batch element after expansion)

	Epoch      uint64
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived  int64
	MessagesRouted  int64
	Uninterested    int64
	UnknownTopics   int64
	ParseErrors     int64
	Expanded        int64 // Extra messages produced by batch expansion
	Subscribers     int
	SubscriberDrops int64
}

// envelope is the inbound wire shape.
type envelope struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// topicPeek decodes only the topic.
type topicPeek struct {
	Topic string `json:"topic"`
}

// payloadKeys are the routing fields a payload may carry.
type payloadKeys struct {
	AssetID string `json:"asset_id"`
	Market  string `json:"market"`
	Symbol  string `json:"symbol"`
	Owner   string `json:"owner"`
}

// priceChangeBatch is a price_change payload covering several assets.
type priceChangeBatch struct {
	Market       string            `json:"market"`
	PriceChanges []json.RawMessage `json:"price_changes"`
}
