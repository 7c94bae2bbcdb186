package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/interest"
	"github.com/rickgao/marketstream/internal/router"
)

// ErrInvalidKey is returned for keys that cannot be subscribed.
var ErrInvalidKey = errors.New("invalid subscription key")

// Op is a wire operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Channel kinds.
const (
	ChannelMarket = "market"
	ChannelUser   = "user"
	ChannelTopic  = "topic"
)

// Key identifies one logical subscription. Keys with equal IDs share a
// single wire subscription.
type Key interface {
	// Channel is the channel kind.
	Channel() string
	// ID is the canonical identity, independent of filter ordering.
	ID() string
	// Interest is the set of categories the key's messages belong to.
	Interest() interest.Set
	// Matches reports whether a routed message belongs to this key.
	Matches(router.Message) bool
	// WireMessage renders the control frame for op.
	WireMessage(op Op) ([]byte, error)
	// Validate reports whether the key can be subscribed.
	Validate() error
}

// canonical returns a sorted, de-duplicated copy of ids.
func canonical(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// MarketKey subscribes to the public market channel for a set of assets.
type MarketKey struct {
	AssetIDs []string
}

func (k MarketKey) Channel() string { return ChannelMarket }

func (k MarketKey) ID() string {
	return ChannelMarket + ":" + strings.Join(canonical(k.AssetIDs), ",")
}

func (k MarketKey) Interest() interest.Set { return interest.Market }

func (k MarketKey) Matches(msg router.Message) bool {
	return interest.Market.Intersects(msg.Category) && slices.Contains(k.AssetIDs, msg.AssetID)
}

func (k MarketKey) Validate() error {
	if len(k.AssetIDs) == 0 {
		return fmt.Errorf("%w: market key needs at least one asset id", ErrInvalidKey)
	}
	if slices.Contains(k.AssetIDs, "") {
		return fmt.Errorf("%w: empty asset id", ErrInvalidKey)
	}
	return nil
}

type marketWire struct {
	Operation Op       `json:"operation"`
	Type      string   `json:"type"`
	AssetIDs  []string `json:"assets_ids"`
}

func (k MarketKey) WireMessage(op Op) ([]byte, error) {
	return json.Marshal(marketWire{
		Operation: op,
		Type:      ChannelMarket,
		AssetIDs:  canonical(k.AssetIDs),
	})
}

// UserKey subscribes to the authenticated user channel. An empty Markets
// list means every market for the account. Credentials are embedded only in
// the wire message.
type UserKey struct {
	Markets     []string
	Credentials auth.Credentials
}

func (k UserKey) Channel() string { return ChannelUser }

// ID includes a digest of the API key so different accounts never share a
// wire subscription.
func (k UserKey) ID() string {
	sum := sha256.Sum256([]byte(k.Credentials.APIKey))
	return ChannelUser + ":" + hex.EncodeToString(sum[:8]) + ":" + strings.Join(canonical(k.Markets), ",")
}

func (k UserKey) Interest() interest.Set { return interest.User }

// Matches accepts user events for this key's account only. Events that
// name no owner are delivered to every account on the connection.
func (k UserKey) Matches(msg router.Message) bool {
	if !interest.User.Intersects(msg.Category) {
		return false
	}
	if msg.Owner != "" && msg.Owner != k.Credentials.APIKey {
		return false
	}
	return len(k.Markets) == 0 || slices.Contains(k.Markets, msg.Market)
}

func (k UserKey) Validate() error {
	if err := k.Credentials.Validate(); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	return nil
}

func (k UserKey) String() string {
	return fmt.Sprintf("UserKey{Markets: %v, Credentials: %s}", k.Markets, k.Credentials)
}

type userWire struct {
	Operation Op            `json:"operation"`
	Type      string        `json:"type"`
	Markets   []string      `json:"markets"`
	Auth      auth.WireAuth `json:"auth"`
}

func (k UserKey) WireMessage(op Op) ([]byte, error) {
	markets := canonical(k.Markets)
	if markets == nil {
		markets = []string{}
	}
	return json.Marshal(userWire{
		Operation: op,
		Type:      ChannelUser,
		Markets:   markets,
		Auth:      k.Credentials.Wire(),
	})
}

// TopicKey subscribes to a real-time data topic such as crypto_prices.
// Type narrows delivery to one message type; "" or "*" accepts all.
// Filters is passed to the server verbatim and is not applied locally.
type TopicKey struct {
	Topic   string
	Type    string
	Filters string
}

func (k TopicKey) Channel() string { return ChannelTopic }

func (k TopicKey) ID() string {
	return ChannelTopic + ":" + k.Topic + ":" + k.msgType() + ":" + k.Filters
}

func (k TopicKey) Interest() interest.Set { return interest.FromTopic(k.Topic) }

func (k TopicKey) Matches(msg router.Message) bool {
	if msg.Topic != k.Topic {
		return false
	}
	t := k.msgType()
	return t == "*" || msg.Type == t
}

func (k TopicKey) Validate() error {
	if interest.FromTopic(k.Topic) == interest.None {
		return fmt.Errorf("%w: unknown topic %q", ErrInvalidKey, k.Topic)
	}
	return nil
}

func (k TopicKey) msgType() string {
	if k.Type == "" {
		return "*"
	}
	return k.Type
}

type topicSubscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters,omitempty"`
}

type topicWire struct {
	Operation     Op                  `json:"operation"`
	Type          string              `json:"type"`
	Subscriptions []topicSubscription `json:"subscriptions"`
}

func (k TopicKey) WireMessage(op Op) ([]byte, error) {
	return json.Marshal(topicWire{
		Operation: op,
		Type:      ChannelTopic,
		Subscriptions: []topicSubscription{{
			Topic:   k.Topic,
			Type:    k.msgType(),
			Filters: k.Filters,
		}},
	})
}
