package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrClosed           = errors.New("connection manager closed")
	ErrAlreadyStarted   = errors.New("connection manager already started")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout (no PONG)")
	ErrAttemptsExceeded = errors.New("reconnect attempts exhausted")
)

// Heartbeat payloads. Both directions use bare text frames.
const (
	PingPayload = "PING"
	PongPayload = "PONG"
)

// Kind enumerates connection states.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Reconnecting
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is the current connection state. Since and Epoch are set only when
// Kind is Connected; Attempt only when Kind is Reconnecting. Err carries the
// failure that caused a Reconnecting or terminal Disconnected state.
type State struct {
	Kind    Kind
	Since   time.Time
	Epoch   uint64
	Attempt uint32
	Err     error
}

// IsConnected reports whether s is Connected.
func (s State) IsConnected() bool {
	return s.Kind == Connected
}

func (s State) String() string {
	switch s.Kind {
	case Connected:
		return fmt.Sprintf("connected(epoch=%d)", s.Epoch)
	case Reconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d)", s.Attempt)
	}
	return s.Kind.String()
}

// Frame is one inbound data frame.
type Frame struct {
	Data       []byte    // Raw message bytes from WebSocket
	Epoch      uint64    // Epoch the frame arrived on
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Dialer opens a WebSocket connection. *transport.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Config configures the Connection Manager.
type Config struct {
	URL                string        // WebSocket URL (ws:// or wss://)
	Header             http.Header   // Extra handshake headers
	PingInterval       time.Duration // Interval between PING frames
	PongTimeout        time.Duration // Max wait for PONG after a PING
	WriteTimeout       time.Duration // Write deadline for sends
	ReconnectBaseDelay time.Duration // First backoff delay
	ReconnectMaxDelay  time.Duration // Backoff cap
	ReconnectJitter    float64       // Randomization factor in [0,1)
	MaxAttempts        uint32        // Consecutive failed reconnects before giving up; 0 = unlimited
	OutboundBuffer     int           // Max queued outbound frames; 0 = unbounded
	MessageBuffer      int           // Default per-receiver inbound buffer
	SendRate           float64       // Outbound frames per second; 0 = unlimited
	SendBurst          int           // Burst for SendRate
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:       10 * time.Second,
		PongTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		ReconnectJitter:    0.2,
		OutboundBuffer:     10000,
		MessageBuffer:      1024,
		SendBurst:          1,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State             State
	Epoch             uint64
	Reconnects        int64
	ConnectFailures   int64
	HeartbeatTimeouts int64
	FramesReceived    int64
	FramesSent        int64
	OutboundQueued    int
	OutboundCapacity  int
	OutboundResizes   int
	OutboundDropped   int64
	Receivers         int
	ReceiverDrops     int64
}
