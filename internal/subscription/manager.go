package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/fanout"
	"github.com/rickgao/marketstream/internal/interest"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/router"
)

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrClosed        = errors.New("subscription manager closed")
)

// Conn is the part of the Connection Manager the subscription layer uses.
type Conn interface {
	SendOnEpoch(epoch uint64, data []byte) error
	State() connection.State
	SubscribeState() *connection.StateReceiver
	Done() <-chan struct{}
}

// Source is the message fan-out streams are attached to.
type Source interface {
	Subscribe(buffer int, filter func(router.Message) bool) *fanout.Receiver[router.Message]
}

// Config holds subscription settings.
type Config struct {
	// StreamBuffer is the per-stream channel capacity. <= 0 uses the
	// router's default.
	StreamBuffer int
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{StreamBuffer: 1024}
}

// entry is one distinct key. Its refcount is len(handles).
type entry struct {
	key     Key
	sent    bool
	handles map[*handle]struct{}
}

// handle is a stream's registration. It never points back at the Stream so
// an abandoned Stream can be collected.
type handle struct {
	id       string
	keyID    string
	rx       *fanout.Receiver[router.Message]
	released bool
	stopCtx  func() bool
}

// Manager multiplexes logical subscriptions onto one connection.
//
// Each distinct key is subscribed on the wire once, no matter how many
// streams share it, and unsubscribed when its last stream is released.
// Every new connection epoch replays the subscribe for all live keys.
type Manager struct {
	cfg     Config
	conn    Conn
	source  Source
	tracker *interest.Tracker
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	streams int
	live    bool
	epoch   uint64
	started bool
	closed  bool

	states *connection.StateReceiver
	wg     sync.WaitGroup
}

// NewManager creates a Subscription Manager. The tracker must be the one
// the router consults.
func NewManager(cfg Config, conn Conn, source Source, tracker *interest.Tracker, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = interest.NewTracker()
	}

	return &Manager{
		cfg:     cfg,
		conn:    conn,
		source:  source,
		tracker: tracker,
		logger:  logger.With("component", "subscription"),
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Start begins watching connection state for replay. Subscriptions made
// before Start are sent on the first Connected state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	m.states = m.conn.SubscribeState()

	m.wg.Add(1)
	go m.watchState()

	m.logger.Info("subscription manager started")
	return nil
}

// Stop closes every stream without sending unsubscribes and stops replay.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := m.states

	var handles []*handle
	for id, e := range m.entries {
		for h := range e.handles {
			h.released = true
			handles = append(handles, h)
		}
		delete(m.entries, id)
	}
	m.streams = 0
	m.live = false
	m.tracker.Replace(interest.None)
	m.updateGauges()
	m.mu.Unlock()

	for _, h := range handles {
		h.stopCtx()
		h.rx.Close()
	}

	if states != nil {
		states.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("subscription manager stopped", "streams_closed", len(handles))
	case <-ctx.Done():
		m.logger.Warn("subscription manager stop timed out")
	}
	return nil
}

// Subscribe registers interest in key and returns a stream of its messages.
// The stream is released by Close, by cancellation of ctx, or when it
// becomes unreachable. It fails with ErrClosed after Stop or once the
// connection has shut down for good.
func (m *Manager) Subscribe(ctx context.Context, key Key) (*Stream, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := key.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	select {
	case <-m.conn.Done():
		return nil, fmt.Errorf("%w: %w", ErrClosed, connection.ErrClosed)
	default:
	}

	e, existed := m.entries[id]
	if !existed {
		e = &entry{key: key, handles: make(map[*handle]struct{})}
		m.entries[id] = e
		// Interest goes up before the wire subscribe so the first
		// messages are not filtered out.
		m.tracker.Add(key.Interest())

		if m.live {
			if err := m.sendLocked(e, OpSubscribe); err != nil {
				delete(m.entries, id)
				m.recomputeInterestLocked()
				return nil, err
			}
			e.sent = true
		}
	}

	h := &handle{
		id:    uuid.NewString(),
		keyID: id,
		rx:    m.source.Subscribe(m.cfg.StreamBuffer, key.Matches),
	}
	h.stopCtx = context.AfterFunc(ctx, func() { m.release(h) })
	e.handles[h] = struct{}{}
	m.streams++
	m.updateGauges()

	s := &Stream{h: h, key: key, mgr: m}
	runtime.AddCleanup(s, func(h *handle) { m.release(h) }, h)

	m.logger.Debug("stream opened",
		"stream_id", h.id,
		"key", id,
		"refs", len(e.handles),
	)
	return s, nil
}

// SubscribeMarket subscribes to market data for the given assets.
func (m *Manager) SubscribeMarket(ctx context.Context, assetIDs ...string) (*Stream, error) {
	return m.Subscribe(ctx, MarketKey{AssetIDs: assetIDs})
}

// SubscribeUser subscribes to the user channel. capab must carry
// credentials.
func (m *Manager) SubscribeUser(ctx context.Context, capab auth.Capability, markets ...string) (*Stream, error) {
	creds, err := capab.Credentials()
	if err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, UserKey{Markets: markets, Credentials: creds})
}

// SubscribeTopic subscribes to a real-time data topic.
func (m *Manager) SubscribeTopic(ctx context.Context, topic, msgType, filters string) (*Stream, error) {
	return m.Subscribe(ctx, TopicKey{Topic: topic, Type: msgType, Filters: filters})
}

// Unsubscribe releases one stream of key, chosen arbitrarily when several
// share it, so it may close a stream held by another consumer. Use
// Stream.Close to release a particular stream. The released stream's
// channel is closed. The wire unsubscribe is sent only when no streams
// remain.
func (m *Manager) Unsubscribe(key Key) error {
	m.mu.Lock()
	e, ok := m.entries[key.ID()]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, key.ID())
	}
	var h *handle
	for h = range e.handles {
		break
	}
	m.releaseLocked(h)
	m.mu.Unlock()

	h.stopCtx()
	h.rx.Close()
	return nil
}

// SubscriptionCount returns the number of distinct active keys.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StreamCount returns the number of open streams across all keys.
func (m *Manager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams
}

// RefCount returns the number of open streams for key.
func (m *Manager) RefCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key.ID()]; ok {
		return len(e.handles)
	}
	return 0
}

// ConnectionState returns the current state of the underlying connection.
func (m *Manager) ConnectionState() connection.State {
	return m.conn.State()
}

// release drops one reference. It is safe to call more than once.
func (m *Manager) release(h *handle) {
	m.mu.Lock()
	ok := m.releaseLocked(h)
	m.mu.Unlock()

	if ok {
		h.stopCtx()
		h.rx.Close()
	}
}

// releaseLocked removes h from its entry and reports whether it was still
// held. The last release of a key sends the wire unsubscribe.
func (m *Manager) releaseLocked(h *handle) bool {
	if h.released {
		return false
	}
	h.released = true

	e, ok := m.entries[h.keyID]
	if !ok {
		return true
	}
	delete(e.handles, h)
	m.streams--

	if len(e.handles) == 0 {
		delete(m.entries, h.keyID)
		m.recomputeInterestLocked()
		// A key never sent on this epoch has nothing to undo.
		if e.sent && m.live {
			if err := m.sendLocked(e, OpUnsubscribe); err != nil {
				m.logger.Debug("unsubscribe not sent", "key", h.keyID, "error", err)
			}
		}
		m.logger.Debug("subscription removed", "key", h.keyID)
	}
	m.updateGauges()
	return true
}

// watchState replays subscriptions on every new connection epoch.
func (m *Manager) watchState() {
	defer m.wg.Done()

	for st := range m.states.C() {
		m.onState(st)
	}

	m.mu.Lock()
	m.markNotSentLocked()
	m.mu.Unlock()
}

func (m *Manager) onState(st connection.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.Kind != connection.Connected {
		m.markNotSentLocked()
		return
	}
	if m.live && m.epoch == st.Epoch {
		return
	}

	// The previous epoch may have been coalesced away by the state watch.
	m.markNotSentLocked()
	m.live = true
	m.epoch = st.Epoch

	replayed := 0
	for id, e := range m.entries {
		if err := m.sendLocked(e, OpSubscribe); err != nil {
			m.logger.Warn("failed to replay subscription", "key", id, "error", err)
			continue
		}
		e.sent = true
		replayed++
	}

	if replayed > 0 {
		m.logger.Info("replayed subscriptions", "epoch", st.Epoch, "count", replayed)
	}
}

func (m *Manager) markNotSentLocked() {
	m.live = false
	for _, e := range m.entries {
		e.sent = false
	}
}

// sendLocked enqueues a control frame tagged with the current epoch.
// Enqueueing under m.mu keeps subscribe and unsubscribe frames for a key
// in call order.
func (m *Manager) sendLocked(e *entry, op Op) error {
	data, err := e.key.WireMessage(op)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	if err := m.conn.SendOnEpoch(m.epoch, data); err != nil {
		return err
	}
	m.metrics.IncControlMessage(string(op))
	return nil
}

// recomputeInterestLocked narrows the tracker to the remaining keys.
func (m *Manager) recomputeInterestLocked() {
	set := interest.None
	for _, e := range m.entries {
		set |= e.key.Interest()
	}
	m.tracker.Replace(set)
}

func (m *Manager) updateGauges() {
	m.metrics.SetActiveSubscriptions(len(m.entries))
	m.metrics.SetActiveStreams(m.streams)
}
