package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultStreamURL          = "wss://ws-live-data.polymarket.com"
	DefaultDialTimeout        = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 10 * time.Second
	DefaultPongTimeout        = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultReconnectJitter    = 0.2
	DefaultOutboundBuffer     = 10000
	DefaultMessageBuffer      = 1024
	DefaultSubscriberBuffer   = 1024
	DefaultSendBurst          = 1
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

// DefaultStreamConfig returns stream settings with every default applied.
func DefaultStreamConfig() StreamConfig {
	var s StreamConfig
	applyStreamDefaults(&s)
	return s
}

func (c *GathererConfig) applyDefaults() {
	applyStreamDefaults(&c.Stream)

	// Database defaults, only when a database is configured
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Timescale)
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyStreamDefaults(s *StreamConfig) {
	if s.URL == "" {
		s.URL = DefaultStreamURL
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = DefaultDialTimeout
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PongTimeout == 0 {
		s.PongTimeout = DefaultPongTimeout
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if s.ReconnectJitter == 0 {
		s.ReconnectJitter = DefaultReconnectJitter
	}
	if s.OutboundBuffer == 0 {
		s.OutboundBuffer = DefaultOutboundBuffer
	}
	if s.MessageBuffer == 0 {
		s.MessageBuffer = DefaultMessageBuffer
	}
	if s.SubscriberBuffer == 0 {
		s.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if s.SendBurst == 0 {
		s.SendBurst = DefaultSendBurst
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
