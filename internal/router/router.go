package router

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/fanout"
	"github.com/rickgao/marketstream/internal/interest"
	"github.com/rickgao/marketstream/internal/metrics"
)

// Router classifies inbound frames and fans decoded messages out to
// subscribers.
//
// Each frame's topic is peeked first. Frames whose category nobody is
// interested in are dropped before the envelope is decoded.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracker *interest.Tracker

	// Input from Connection Manager
	input <-chan connection.Frame

	hub *fanout.Hub[Message]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	received     atomic.Int64
	routed       atomic.Int64
	uninterested atomic.Int64
	unknown      atomic.Int64
	parseErrors  atomic.Int64
	expanded     atomic.Int64
}

// NewRouter creates a new Message Router reading from input.
func NewRouter(cfg Config, input <-chan connection.Frame, tracker *interest.Tracker, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}

	return &Router{
		cfg:     cfg,
		logger:  logger.With("component", "router"),
		metrics: m,
		tracker: tracker,
		input:   input,
		hub:     fanout.NewHub[Message](),
	}
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "subscriber_buffer", r.cfg.SubscriberBuffer)
	return nil
}

// Stop gracefully shuts down the router and closes every subscriber.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutine to finish
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	r.hub.Close()
	return nil
}

// Subscribe returns a receiver of messages accepted by filter. buffer <= 0
// uses the configured default. A full receiver loses messages; others are
// unaffected.
func (r *Router) Subscribe(buffer int, filter func(Message) bool) *fanout.Receiver[Message] {
	if buffer <= 0 {
		buffer = r.cfg.SubscriberBuffer
	}
	return r.hub.Subscribe(buffer, filter)
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	hub := r.hub.Stats()
	return Stats{
		FramesReceived:  r.received.Load(),
		MessagesRouted:  r.routed.Load(),
		Uninterested:    r.uninterested.Load(),
		UnknownTopics:   r.unknown.Load(),
		ParseErrors:     r.parseErrors.Load(),
		Expanded:        r.expanded.Load(),
		Subscribers:     hub.Receivers,
		SubscriberDrops: hub.Dropped,
	}
}

// routeLoop is the main routing goroutine. When the input closes the
// subscribers are closed too, so consumers see the end of the stream.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case f, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				r.hub.Close()
				return
			}
			r.route(f)
		}
	}
}

// route handles one frame, which is either a single envelope or a JSON
// array of envelopes. A bad element does not affect its siblings.
func (r *Router) route(f connection.Frame) {
	r.received.Add(1)

	data := bytes.TrimSpace(f.Data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			r.parseError("frame", err, data)
			return
		}
		for _, item := range items {
			r.routeEnvelope(item, f)
		}
		return
	}
	r.routeEnvelope(data, f)
}

func (r *Router) routeEnvelope(data []byte, f connection.Frame) {
	var peek topicPeek
	if err := json.Unmarshal(data, &peek); err != nil {
		r.parseError("peek", err, data)
		return
	}

	cat := interest.FromTopic(peek.Topic)
	if cat == interest.None {
		r.unknown.Add(1)
		r.metrics.IncFramesDropped("unknown_topic")
		r.logger.Debug("skipping unknown topic", "topic", peek.Topic)
		return
	}
	if !r.tracker.InterestedIn(cat) {
		r.uninterested.Add(1)
		r.metrics.IncFramesDropped("uninterested")
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.parseError("envelope", err, data)
		return
	}

	base := Message{
		Topic:      env.Topic,
		Type:       env.Type,
		Category:   cat,
		Timestamp:  env.Timestamp,
		Epoch:      f.Epoch,
		ReceivedAt: f.ReceivedAt,
	}

	msgs, err := expand(base, env.Payload)
	if err != nil {
		r.parseError("payload", err, data)
		return
	}
	if len(msgs) > 1 {
		r.expanded.Add(int64(len(msgs) - 1))
	}

	for _, msg := range msgs {
		r.hub.Publish(msg)
		r.routed.Add(1)
		r.metrics.IncMessagesRouted(msg.Topic)
	}
}

func (r *Router) parseError(stage string, err error, data []byte) {
	r.parseErrors.Add(1)
	r.metrics.IncFramesDropped("unparsable")

	sample := data
	if len(sample) > 128 {
		sample = sample[:128]
	}
	r.logger.Warn("failed to parse frame",
		"stage", stage,
		"error", err,
		"sample", string(sample),
	)
}

// expand turns one envelope payload into messages. A JSON array payload
// yields one message per element, and a price_change batch yields one
// message per asset carrying the batch's market.
func expand(base Message, payload json.RawMessage) ([]Message, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []Message{base}, nil
	}

	switch payload[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, err
		}
		out := make([]Message, 0, len(items))
		for _, item := range items {
			msgs, err := expand(base, item)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
		return out, nil

	case '{':
		if base.Category == interest.PriceChange {
			var batch priceChangeBatch
			if err := json.Unmarshal(payload, &batch); err != nil {
				return nil, err
			}
			if len(batch.PriceChanges) > 0 {
				out := make([]Message, 0, len(batch.PriceChanges))
				for _, change := range batch.PriceChanges {
					msg, err := withKeys(base, change)
					if err != nil {
						return nil, err
					}
					if msg.Market == "" {
						msg.Market = batch.Market
					}
					out = append(out, msg)
				}
				return out, nil
			}
		}
		msg, err := withKeys(base, payload)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	// Scalars pass through without routing keys.
	base.Payload = payload
	return []Message{base}, nil
}

func withKeys(base Message, payload json.RawMessage) (Message, error) {
	var keys payloadKeys
	if err := json.Unmarshal(payload, &keys); err != nil {
		return Message{}, err
	}
	base.AssetID = keys.AssetID
	base.Market = keys.Market
	base.Symbol = keys.Symbol
	base.Owner = keys.Owner
	base.Payload = payload
	return base, nil
}
