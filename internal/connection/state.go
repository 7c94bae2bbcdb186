package connection

import "sync"

// StateReceiver observes state transitions with latest-value semantics: it
// holds at most one pending State, and a newer transition replaces an unread
// older one. The channel is closed when the manager stops for good.
type StateReceiver struct {
	ch   chan State
	w    *stateWatch
	once sync.Once
}

// C returns the receive channel.
func (r *StateReceiver) C() <-chan State {
	return r.ch
}

// Close stops delivery and closes the channel. Safe to call more than once.
func (r *StateReceiver) Close() {
	r.w.remove(r)
}

// stateWatch holds the current state and fans transitions out to receivers.
type stateWatch struct {
	mu        sync.Mutex
	current   State
	receivers map[*StateReceiver]struct{}
	closed    bool
}

func newStateWatch() *stateWatch {
	return &stateWatch{
		current:   State{Kind: Disconnected},
		receivers: make(map[*StateReceiver]struct{}),
	}
}

func (w *stateWatch) get() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// subscribe returns a receiver preloaded with the current state.
func (w *stateWatch) subscribe() *StateReceiver {
	r := &StateReceiver{ch: make(chan State, 1), w: w}

	w.mu.Lock()
	defer w.mu.Unlock()

	r.ch <- w.current
	if w.closed {
		r.once.Do(func() { close(r.ch) })
		return r
	}
	w.receivers[r] = struct{}{}
	return r
}

// set publishes s, overwriting any unread value in each receiver.
func (w *stateWatch) set(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.current = s
	for r := range w.receivers {
		select {
		case <-r.ch:
		default:
		}
		r.ch <- s
	}
}

// close publishes the final state and closes every receiver.
func (w *stateWatch) close(final State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.current = final
	w.closed = true
	for r := range w.receivers {
		select {
		case <-r.ch:
		default:
		}
		r.ch <- final
		delete(w.receivers, r)
		r.once.Do(func() { close(r.ch) })
	}
}

func (w *stateWatch) remove(r *StateReceiver) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.receivers, r)
	r.once.Do(func() { close(r.ch) })
}
