package interest

import (
	"strings"
	"sync/atomic"
)

// Set is a bitset over message categories.
type Set uint64

// Categories. Bit positions are stable; new categories append.
const (
	Book Set = 1 << iota
	PriceChange
	TickSizeChange
	LastTradePrice
	Trade
	Order
	CryptoPrice
	Comment
	Activity

	None Set = 0
	All      = Book | PriceChange | TickSizeChange | LastTradePrice | Trade | Order | CryptoPrice | Comment | Activity
)

// Market is every category carried on the public market channel.
const Market = Book | PriceChange | TickSizeChange | LastTradePrice

// User is every category carried on the authenticated user channel.
const User = Trade | Order

// Topic names as they appear in the "topic" field of inbound envelopes.
const (
	TopicBook           = "book"
	TopicPriceChange    = "price_change"
	TopicTickSizeChange = "tick_size_change"
	TopicLastTradePrice = "last_trade_price"
	TopicTrade          = "trade"
	TopicOrder          = "order"
	TopicCryptoPrices   = "crypto_prices"
	TopicComments       = "comments"
	TopicActivity       = "activity"
)

var topics = map[string]Set{
	TopicBook:           Book,
	TopicPriceChange:    PriceChange,
	TopicTickSizeChange: TickSizeChange,
	TopicLastTradePrice: LastTradePrice,
	TopicTrade:          Trade,
	TopicOrder:          Order,
	TopicCryptoPrices:   CryptoPrice,
	TopicComments:       Comment,
	TopicActivity:       Activity,
}

// FromTopic maps a topic string to its category. Unknown topics map to None.
func FromTopic(topic string) Set {
	return topics[topic]
}

// Has reports whether every bit of other is present in s.
func (s Set) Has(other Set) bool {
	return other != None && s&other == other
}

// Intersects reports whether s and other share at least one category.
func (s Set) Intersects(other Set) bool {
	return s&other != 0
}

// String lists the topics in the set, e.g. "book|trade".
func (s Set) String() string {
	if s == None {
		return "none"
	}
	var names []string
	for _, name := range []string{
		TopicBook, TopicPriceChange, TopicTickSizeChange, TopicLastTradePrice,
		TopicTrade, TopicOrder, TopicCryptoPrices, TopicComments, TopicActivity,
	} {
		if s&topics[name] != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Tracker records which categories currently have at least one consumer.
// Reads are a single atomic load and never lock.
type Tracker struct {
	bits atomic.Uint64
}

// NewTracker returns a tracker with no interest.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add merges s into the tracked set. It never clears bits.
func (t *Tracker) Add(s Set) {
	for {
		old := t.bits.Load()
		next := old | uint64(s)
		if next == old || t.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Replace overwrites the tracked set. Owners call it with the recomputed
// union when the last consumer of a category goes away.
func (t *Tracker) Replace(s Set) {
	t.bits.Store(uint64(s))
}

// Current returns the live set.
func (t *Tracker) Current() Set {
	return Set(t.bits.Load())
}

// InterestedIn reports whether any category of s is tracked.
func (t *Tracker) InterestedIn(s Set) bool {
	return t.Current().Intersects(s)
}

// InterestedInTopic maps topic to its category and tests membership.
// Unknown topics are never interesting.
func (t *Tracker) InterestedInTopic(topic string) bool {
	return t.Current().Has(FromTopic(topic))
}
