package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// session is one epoch: a single live WebSocket connection plus its read
// and heartbeat goroutines. It ends on the first failure and is never
// reused.
type session struct {
	mgr    *Manager
	conn   *websocket.Conn
	epoch  uint64
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Write serialization between the pump and the heartbeat
	writeMu sync.Mutex

	pong chan struct{}

	errOnce sync.Once
	err     error
}

func newSession(m *Manager, conn *websocket.Conn, epoch uint64) *session {
	ctx, cancel := context.WithCancel(m.ctx)
	id := uuid.NewString()
	return &session{
		mgr:    m,
		conn:   conn,
		epoch:  epoch,
		id:     id,
		logger: m.logger.With("epoch", epoch, "session", id),
		ctx:    ctx,
		cancel: cancel,
		pong:   make(chan struct{}, 1),
	}
}

func (s *session) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()
}

// fail ends the session. Only the first cause is kept.
func (s *session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		s.cancel()
	})
}

// cause returns why the session ended. Call after ctx is done.
func (s *session) cause() error {
	s.errOnce.Do(func() {
		s.err = context.Cause(s.ctx)
	})
	return s.err
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// close tears the connection down and waits for the session goroutines.
// A graceful close sends a normal-closure frame first.
func (s *session) close(graceful bool) {
	s.cancel()

	if graceful {
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
	}
	s.conn.Close()
	s.wg.Wait()
}

// readLoop reads frames and publishes data frames to the hub. Heartbeat
// frames are consumed here.
func (s *session) readLoop() {
	defer s.wg.Done()

	for {
		mt, data, err := s.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			if s.ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Info("server closed connection", "error", err)
				} else {
					s.logger.Warn("read failed", "error", err)
				}
			}
			s.fail(fmt.Errorf("read: %w", err))
			return
		}

		if mt == websocket.TextMessage {
			switch string(data) {
			case PongPayload:
				select {
				case s.pong <- struct{}{}:
				default:
				}
				continue
			case PingPayload:
				if err := s.write([]byte(PongPayload)); err != nil {
					s.fail(fmt.Errorf("write pong: %w", err))
					return
				}
				continue
			}
		}

		s.mgr.recordFrame()
		s.mgr.frames.Publish(Frame{
			Data:       data,
			Epoch:      s.epoch,
			ReceivedAt: receivedAt,
		})
	}
}

// heartbeatLoop sends PING every interval and ends the session if the PONG
// does not arrive within the timeout. A tick while a PONG is still pending
// does not send another PING.
func (s *session) heartbeatLoop() {
	defer s.wg.Done()

	interval := s.mgr.cfg.PingInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var timer *time.Timer
	var deadline <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			if deadline != nil {
				continue
			}
			select {
			case <-s.pong:
			default:
			}
			if err := s.write([]byte(PingPayload)); err != nil {
				s.fail(fmt.Errorf("write ping: %w", err))
				return
			}
			timer = time.NewTimer(s.mgr.cfg.PongTimeout)
			deadline = timer.C

		case <-s.pong:
			if timer != nil {
				timer.Stop()
			}
			deadline = nil

		case <-deadline:
			s.logger.Warn("no pong received, connection stale",
				"timeout", s.mgr.cfg.PongTimeout,
			)
			s.mgr.recordHeartbeatTimeout()
			s.fail(ErrHeartbeatTimeout)
			return
		}
	}
}
