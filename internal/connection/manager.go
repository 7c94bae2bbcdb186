package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/fanout"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/transport"
)

// outboundFrame is a queued send. A zero epoch means "any epoch".
type outboundFrame struct {
	data  []byte
	epoch uint64
}

// Manager keeps one logical WebSocket connection alive.
//
// A single goroutine owns the socket: it dials, pumps the outbound queue,
// and reconnects with backoff. Each live connection is an epoch with its
// own read and heartbeat goroutines.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	outbound *buffer.Queue[outboundFrame]
	frames   *fanout.Hub[Frame]
	watch    *stateWatch
	errs     chan error
	done     chan struct{}
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	finalErr error

	closed       atomic.Bool
	shutdownOnce sync.Once

	// Stats
	epoch             atomic.Uint64
	reconnects        atomic.Int64
	connectFailures   atomic.Int64
	heartbeatTimeouts atomic.Int64
	framesReceived    atomic.Int64
	framesSent        atomic.Int64
	outboundDropped   atomic.Int64
}

// NewManager creates a new Connection Manager. A nil dialer uses a direct
// transport.Dialer; nil metrics disables instrumentation.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = transport.NewDialer(transport.DefaultConfig(), logger)
	}

	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = def.MessageBuffer
	}

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With("component", "connection"),
		metrics:  m,
		outbound: buffer.NewQueue[outboundFrame](64, cfg.OutboundBuffer),
		frames:   fanout.NewHub[Frame](),
		watch:    newStateWatch(),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		limiter:  limiter,
	}
}

// Start launches the supervised connection loop in the background. It does
// not wait for the first connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	m.logger.Info("connection manager started", "url", m.cfg.URL)
	return nil
}

// Stop tears the manager down permanently. Queued outbound frames are
// discarded and every receiver is closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")
	m.closed.Store(true)

	if !started {
		m.shutdown()
		return nil
	}

	m.cancel()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Send enqueues data for transmission on whichever epoch is live when the
// pump reaches it. It fails only after Stop. data must not be modified
// after the call.
func (m *Manager) Send(data []byte) error {
	return m.enqueue(outboundFrame{data: data})
}

// SendOnEpoch enqueues data for the given epoch only. If that epoch has
// ended by the time the pump reaches the frame, it is discarded.
func (m *Manager) SendOnEpoch(epoch uint64, data []byte) error {
	return m.enqueue(outboundFrame{data: data, epoch: epoch})
}

func (m *Manager) enqueue(f outboundFrame) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.outbound.Push(f); err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return ErrClosed
		}
		m.dropOutbound("queue_full")
		m.logger.Warn("outbound queue full, dropping frame", "limit", m.cfg.OutboundBuffer)
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	return m.watch.get()
}

// SubscribeState returns a latest-value receiver of state transitions,
// preloaded with the current state.
func (m *Manager) SubscribeState() *StateReceiver {
	return m.watch.subscribe()
}

// SubscribeMessages returns an independent receiver of inbound frames.
// buffer <= 0 uses the configured default. A receiver that falls behind
// loses frames; it never slows the pump.
func (m *Manager) SubscribeMessages(buffer int) *fanout.Receiver[Frame] {
	if buffer <= 0 {
		buffer = m.cfg.MessageBuffer
	}
	return m.frames.Subscribe(buffer, nil)
}

// Errors returns a best-effort channel of connection and configuration
// errors. Errors are dropped when nobody is reading.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Done is closed once the manager has shut down for good, either through
// Stop or because reconnect attempts ran out. It closes before the final
// state is published.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	hub := m.frames.Stats()
	queue := m.outbound.Stats()
	return Stats{
		State:             m.State(),
		Epoch:             m.epoch.Load(),
		Reconnects:        m.reconnects.Load(),
		ConnectFailures:   m.connectFailures.Load(),
		HeartbeatTimeouts: m.heartbeatTimeouts.Load(),
		FramesReceived:    m.framesReceived.Load(),
		FramesSent:        m.framesSent.Load(),
		OutboundQueued:    queue.Count,
		OutboundCapacity:  queue.Capacity,
		OutboundResizes:   queue.Resizes,
		OutboundDropped:   m.outboundDropped.Load(),
		Receivers:         hub.Receivers,
		ReceiverDrops:     hub.Dropped,
	}
}

// run is the supervised loop. It is the only writer of state.
func (m *Manager) run() {
	defer m.wg.Done()
	defer m.shutdown()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.ReconnectBaseDelay,
		RandomizationFactor: m.cfg.ReconnectJitter,
		Multiplier:          2,
		MaxInterval:         m.cfg.ReconnectMaxDelay,
	}
	bo.Reset()

	// Consecutive failures since the last Connected. An epoch ending counts
	// as one; a successful connect resets it.
	var failures uint32

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(State{Kind: Connecting})

		conn, _, err := m.dialer.Dial(m.ctx, m.cfg.URL, m.cfg.Header)
		if err == nil {
			failures = 0
			bo.Reset()
			err = m.serve(conn)
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection lost", "epoch", m.epoch.Load(), "error", err)
		} else {
			if m.ctx.Err() != nil {
				return
			}
			m.recordConnectFailure(err)
		}
		m.reportError(err)

		failures++
		if m.cfg.MaxAttempts > 0 && failures > m.cfg.MaxAttempts {
			m.logger.Error("giving up reconnecting",
				"attempts", failures-1,
				"error", err,
			)
			m.mu.Lock()
			m.finalErr = fmt.Errorf("%w: %w", ErrAttemptsExceeded, err)
			m.mu.Unlock()
			return
		}

		delay := bo.NextBackOff()
		m.setState(State{Kind: Reconnecting, Attempt: failures, Err: err})
		m.logger.Info("attempting reconnection",
			"attempt", failures,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one epoch on conn and returns why it ended.
func (m *Manager) serve(conn *websocket.Conn) error {
	epoch := m.epoch.Add(1)
	if epoch > 1 {
		m.reconnects.Add(1)
		m.metrics.IncReconnects()
	}
	m.metrics.SetEpoch(epoch)

	s := newSession(m, conn, epoch)
	s.start()
	s.logger.Info("connected", "url", m.cfg.URL)
	m.setState(State{Kind: Connected, Since: time.Now(), Epoch: epoch})

	// Frames queued while disconnected go out first.
	m.drain(s)

	for {
		select {
		case <-s.ctx.Done():
			s.close(m.ctx.Err() != nil)
			return s.cause()
		case <-m.outbound.Ready():
			m.drain(s)
		}
	}
}

// drain writes queued frames in FIFO order until the queue is empty or the
// epoch ends. Frames tagged for another epoch are discarded.
func (m *Manager) drain(s *session) {
	for s.ctx.Err() == nil {
		f, ok := m.outbound.TryPop()
		if !ok {
			return
		}
		if f.epoch != 0 && f.epoch != s.epoch {
			m.dropOutbound("stale_epoch")
			s.logger.Debug("dropping frame for ended epoch", "frame_epoch", f.epoch)
			continue
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(s.ctx); err != nil {
				m.dropOutbound("epoch_ended")
				return
			}
		}
		if err := s.write(f.data); err != nil {
			m.dropOutbound("write_error")
			s.fail(fmt.Errorf("write: %w", err))
			return
		}
		m.framesSent.Add(1)
		m.metrics.IncFramesSent()
	}
}

func (m *Manager) setState(st State) {
	m.watch.set(st)

	switch st.Kind {
	case Disconnected:
		m.metrics.SetConnectionState(metrics.StateDisconnected)
	case Connecting:
		m.metrics.SetConnectionState(metrics.StateConnecting)
	case Connected:
		m.metrics.SetConnectionState(metrics.StateConnected)
	case Reconnecting:
		m.metrics.SetConnectionState(metrics.StateReconnecting)
	}
}

// shutdown publishes the terminal state and closes every output. It runs
// once, either when the loop exits or from Stop if the loop never started.
func (m *Manager) shutdown() {
	m.shutdownOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		m.outbound.Close()

		m.mu.Lock()
		final := State{Kind: Disconnected, Err: m.finalErr}
		m.mu.Unlock()
		if final.Err != nil {
			m.reportError(final.Err)
		}

		m.watch.close(final)
		m.metrics.SetConnectionState(metrics.StateDisconnected)
		m.frames.Close()
		close(m.errs)
	})
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Manager) recordConnectFailure(err error) {
	m.connectFailures.Add(1)
	kind := "transport"
	if transport.IsConfigError(err) {
		kind = "config"
		m.logger.Error("connection configuration invalid", "error", err)
	} else {
		m.logger.Warn("connect failed", "error", err)
	}
	m.metrics.IncConnectFailure(kind)
}

func (m *Manager) recordFrame() {
	m.framesReceived.Add(1)
	m.metrics.IncFramesReceived()
}

func (m *Manager) recordHeartbeatTimeout() {
	m.heartbeatTimeouts.Add(1)
	m.metrics.IncHeartbeatTimeout()
}

func (m *Manager) dropOutbound(reason string) {
	m.outboundDropped.Add(1)
	m.metrics.IncOutboundDropped(reason)
}
