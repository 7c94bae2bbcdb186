package subscription

import "github.com/rickgao/marketstream/internal/router"

// Stream delivers the messages of one subscription key.
//
// The stream holds one reference on its key. Keep the *Stream reachable
// while reading from Messages: an unreachable stream is released by the
// garbage collector and its channel closed.
type Stream struct {
	h   *handle
	key Key
	mgr *Manager
}

// Messages returns the receive channel. It is closed when the stream is
// released or the router stops.
func (s *Stream) Messages() <-chan router.Message {
	return s.h.rx.C()
}

// Key returns the subscription key.
func (s *Stream) Key() Key {
	return s.key
}

// ID returns the stream's unique identifier.
func (s *Stream) ID() string {
	return s.h.id
}

// Dropped returns the number of messages lost because the stream's buffer
// was full.
func (s *Stream) Dropped() int64 {
	return s.h.rx.Dropped()
}

// Close releases the stream. Safe to call more than once.
func (s *Stream) Close() error {
	s.mgr.release(s.h)
	return nil
}
