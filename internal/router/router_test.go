package router

import (
	"context"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/fanout"
	"github.com/rickgao/marketstream/internal/interest"
)

func newTestRouter(t *testing.T, interests interest.Set) (*Router, chan connection.Frame) {
	t.Helper()
	input := make(chan connection.Frame, 100)
	tracker := interest.NewTracker()
	tracker.Add(interests)

	r := NewRouter(DefaultConfig(), input, tracker, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, input
}

func frame(s string) connection.Frame {
	return connection.Frame{Data: []byte(s), Epoch: 1, ReceivedAt: time.Now()}
}

func recv(t *testing.T, rx *fanout.Receiver[Message]) Message {
	t.Helper()
	select {
	case msg := <-rx.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, rx *fanout.Receiver[Message]) {
	t.Helper()
	select {
	case msg := <-rx.C():
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitStats polls until cond holds on the router's stats.
func waitStats(t *testing.T, r *Router, cond func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := r.Stats(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := r.Stats()
	t.Fatalf("stats condition not met: %+v", s)
	return s
}

func TestDefaultConfig(t *testing.T) {
	if cfg := DefaultConfig(); cfg.SubscriberBuffer != 1024 {
		t.Errorf("SubscriberBuffer = %d, want 1024", cfg.SubscriberBuffer)
	}
}

func TestRouter_TwoInterestingOneUninteresting(t *testing.T) {
	r, input := newTestRouter(t, interest.Book)
	rx := r.Subscribe(10, func(m Message) bool { return m.AssetID == "A1" })

	input <- frame(`{"topic":"book","type":"snapshot","timestamp":1,"payload":{"asset_id":"A1","seq":1}}`)
	input <- frame(`{"topic":"comments","type":"comment_created","timestamp":2,"payload":{"body":"hi"}}`)
	input <- frame(`{"topic":"book","type":"update","timestamp":3,"payload":{"asset_id":"A1","seq":2}}`)

	first := recv(t, rx)
	second := recv(t, rx)
	expectNone(t, rx)

	if first.Timestamp != 1 || second.Timestamp != 3 {
		t.Errorf("timestamps = %d, %d; want 1, 3 (arrival order)", first.Timestamp, second.Timestamp)
	}
	if first.Type != "snapshot" || second.Type != "update" {
		t.Errorf("types = %q, %q; want snapshot, update", first.Type, second.Type)
	}
	if first.Category != interest.Book {
		t.Errorf("Category = %v, want book", first.Category)
	}
	if first.Epoch != 1 {
		t.Errorf("Epoch = %d, want 1", first.Epoch)
	}

	stats := waitStats(t, r, func(s Stats) bool { return s.FramesReceived == 3 })
	if stats.Uninterested != 1 {
		t.Errorf("Uninterested = %d, want 1", stats.Uninterested)
	}
	if stats.MessagesRouted != 2 {
		t.Errorf("MessagesRouted = %d, want 2", stats.MessagesRouted)
	}
}

func TestRouter_UninterestedFrameIsNotDecoded(t *testing.T) {
	r, input := newTestRouter(t, interest.Book)

	// timestamp is a string: a full decode would fail.
	input <- frame(`{"topic":"trade","timestamp":"not-a-number","payload":{}}`)

	stats := waitStats(t, r, func(s Stats) bool { return s.FramesReceived == 1 })
	if stats.ParseErrors != 0 {
		t.Errorf("ParseErrors = %d, want 0 (frame should be skipped before decode)", stats.ParseErrors)
	}
	if stats.Uninterested != 1 {
		t.Errorf("Uninterested = %d, want 1", stats.Uninterested)
	}
}

func TestRouter_PriceChangeBatchExpansion(t *testing.T) {
	r, input := newTestRouter(t, interest.PriceChange)
	rx := r.Subscribe(10, nil)

	input <- frame(`{
		"topic": "price_change",
		"type": "price_change",
		"timestamp": 1700000000000,
		"payload": {
			"market": "0xabc",
			"price_changes": [
				{"asset_id": "A1", "price": "0.51", "side": "BUY"},
				{"asset_id": "A2", "price": "0.49", "side": "SELL"},
				{"asset_id": "A3", "price": "0.10", "side": "BUY"}
			]
		}
	}`)

	want := []string{"A1", "A2", "A3"}
	for i, asset := range want {
		msg := recv(t, rx)
		if msg.AssetID != asset {
			t.Errorf("message %d AssetID = %q, want %q", i, msg.AssetID, asset)
		}
		if msg.Market != "0xabc" {
			t.Errorf("message %d Market = %q, want 0xabc", i, msg.Market)
		}
		if msg.Timestamp != 1700000000000 {
			t.Errorf("message %d Timestamp = %d", i, msg.Timestamp)
		}

		var change struct {
			Price string `json:"price"`
		}
		if err := msg.Decode(&change); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		if change.Price == "" {
			t.Errorf("message %d payload missing price: %s", i, msg.Payload)
		}
	}
	expectNone(t, rx)

	stats := r.Stats()
	if stats.Expanded != 2 {
		t.Errorf("Expanded = %d, want 2", stats.Expanded)
	}
}

func TestRouter_ArrayFrame(t *testing.T) {
	r, input := newTestRouter(t, interest.Market)
	rx := r.Subscribe(10, nil)

	input <- frame(`[
		{"topic":"book","type":"snapshot","timestamp":1,"payload":{"asset_id":"A1"}},
		{"topic":"activity","type":"trades","timestamp":2,"payload":{}},
		{"topic":"last_trade_price","type":"last_trade_price","timestamp":3,"payload":{"asset_id":"A2","market":"M"}}
	]`)

	first := recv(t, rx)
	second := recv(t, rx)
	expectNone(t, rx)

	if first.Topic != "book" || first.AssetID != "A1" {
		t.Errorf("first = %s/%s, want book/A1", first.Topic, first.AssetID)
	}
	if second.Topic != "last_trade_price" || second.AssetID != "A2" || second.Market != "M" {
		t.Errorf("second = %s/%s/%s, want last_trade_price/A2/M", second.Topic, second.AssetID, second.Market)
	}

	stats := waitStats(t, r, func(s Stats) bool { return s.Uninterested == 1 })
	if stats.FramesReceived != 1 {
		t.Errorf("FramesReceived = %d, want 1", stats.FramesReceived)
	}
}

func TestRouter_ParseErrorIsolated(t *testing.T) {
	r, input := newTestRouter(t, interest.Book)
	rx := r.Subscribe(10, nil)

	input <- frame(`{"topic":"book",`)
	input <- frame(`not json at all`)
	input <- frame(`{"topic":"book","type":"snapshot","timestamp":5,"payload":{"asset_id":"A1"}}`)

	msg := recv(t, rx)
	if msg.Timestamp != 5 {
		t.Errorf("Timestamp = %d, want 5", msg.Timestamp)
	}

	stats := waitStats(t, r, func(s Stats) bool { return s.FramesReceived == 3 })
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
}

func TestRouter_UnknownTopic(t *testing.T) {
	r, input := newTestRouter(t, interest.All)
	rx := r.Subscribe(10, nil)

	input <- frame(`{"topic":"mystery","type":"x","timestamp":1,"payload":{}}`)
	input <- frame(`{"type":"subscribed"}`)

	expectNone(t, rx)
	stats := waitStats(t, r, func(s Stats) bool { return s.FramesReceived == 2 })
	if stats.UnknownTopics != 2 {
		t.Errorf("UnknownTopics = %d, want 2", stats.UnknownTopics)
	}
}

func TestRouter_InterestChangeTakesEffect(t *testing.T) {
	input := make(chan connection.Frame, 10)
	tracker := interest.NewTracker()
	r := NewRouter(DefaultConfig(), input, tracker, nil, nil)
	r.Start(context.Background())
	defer r.Stop(context.Background())

	rx := r.Subscribe(10, nil)

	input <- frame(`{"topic":"trade","type":"trade","timestamp":1,"payload":{"market":"M1"}}`)
	waitStats(t, r, func(s Stats) bool { return s.Uninterested == 1 })

	tracker.Add(interest.Trade)
	input <- frame(`{"topic":"trade","type":"trade","timestamp":2,"payload":{"market":"M1"}}`)

	msg := recv(t, rx)
	if msg.Timestamp != 2 || msg.Market != "M1" {
		t.Errorf("msg = %+v, want timestamp 2 market M1", msg)
	}
}

func TestRouter_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r, input := newTestRouter(t, interest.Book)
	slow := r.Subscribe(1, nil)
	fast := r.Subscribe(50, nil)

	for i := 0; i < 20; i++ {
		input <- frame(`{"topic":"book","type":"update","timestamp":1,"payload":{"asset_id":"A1"}}`)
	}

	for i := 0; i < 20; i++ {
		recv(t, fast)
	}
	if slow.Dropped() != 19 {
		t.Errorf("slow.Dropped() = %d, want 19", slow.Dropped())
	}
}

func TestRouter_InputCloseClosesSubscribers(t *testing.T) {
	input := make(chan connection.Frame)
	r := NewRouter(DefaultConfig(), input, interest.NewTracker(), nil, nil)
	r.Start(context.Background())
	defer r.Stop(context.Background())

	rx := r.Subscribe(1, nil)
	close(input)

	select {
	case _, ok := <-rx.C():
		if ok {
			t.Error("expected closed subscriber channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed after input closed")
	}
}

func TestExpand_ScalarAndNullPayload(t *testing.T) {
	base := Message{Topic: "crypto_prices", Category: interest.CryptoPrice}

	msgs, err := expand(base, nil)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expand(nil) = %v, %v; want one message", msgs, err)
	}

	msgs, err = expand(base, []byte(`"raw"`))
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expand(scalar) = %v, %v; want one message", msgs, err)
	}
	if string(msgs[0].Payload) != `"raw"` {
		t.Errorf("Payload = %s, want \"raw\"", msgs[0].Payload)
	}

	msgs, err = expand(base, []byte(`{"symbol":"btcusdt","value":1}`))
	if err != nil || len(msgs) != 1 || msgs[0].Symbol != "btcusdt" {
		t.Errorf("expand(object) = %+v, %v; want symbol btcusdt", msgs, err)
	}
}

func TestExpand_PriceChangeSingleAsset(t *testing.T) {
	base := Message{Topic: "price_change", Category: interest.PriceChange}
	msgs, err := expand(base, []byte(`{"asset_id":"A9","market":"M","price":"0.5"}`))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].AssetID != "A9" || msgs[0].Market != "M" {
		t.Errorf("expand = %+v, want one message for A9/M", msgs)
	}
}

func TestRouter_OwnerExtracted(t *testing.T) {
	r, input := newTestRouter(t, interest.User)
	rx := r.Subscribe(10, nil)

	input <- frame(`{"topic":"order","type":"placement","timestamp":1,"payload":{"market":"M1","owner":"key-aaaa","id":"o1"}}`)

	msg := recv(t, rx)
	if msg.Owner != "key-aaaa" {
		t.Errorf("Owner = %q, want key-aaaa", msg.Owner)
	}
	if msg.Market != "M1" {
		t.Errorf("Market = %q, want M1", msg.Market)
	}
}
