package config

import (
	"time"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/recorder"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/subscription"
	"github.com/rickgao/marketstream/internal/transport"
)

// GathererConfig is the root configuration for a streaming instance.
type GathererConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Stream        StreamConfig        `yaml:"stream"`
	Auth          AuthConfig          `yaml:"auth"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Database      DatabaseConfig      `yaml:"database"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// StreamConfig holds WebSocket connection settings.
type StreamConfig struct {
	URL                  string        `yaml:"url"`
	ProxyURL             string        `yaml:"proxy_url"` // socks5://, socks5h:// or http://; empty = direct
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter"`
	ReconnectMaxAttempts uint32        `yaml:"reconnect_max_attempts"` // 0 = retry forever
	OutboundBuffer       int           `yaml:"outbound_buffer"`
	MessageBuffer        int           `yaml:"message_buffer"`
	SubscriberBuffer     int           `yaml:"subscriber_buffer"`
	SendRate             float64       `yaml:"send_rate"` // control frames per second; 0 = unlimited
	SendBurst            int           `yaml:"send_burst"`
}

// AuthConfig holds user channel credentials. All fields empty means
// anonymous.
type AuthConfig struct {
	APIKey     string `yaml:"api_key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase"`
}

// SubscriptionsConfig lists what to subscribe to at startup.
type SubscriptionsConfig struct {
	Markets [][]string    `yaml:"markets"` // each entry is one market key's asset ids
	User    *UserConfig   `yaml:"user"`
	Topics  []TopicConfig `yaml:"topics"`
}

// UserConfig subscribes to the user channel. Requires auth.
type UserConfig struct {
	Markets []string `yaml:"markets"`
}

// TopicConfig subscribes to one real-time data topic.
type TopicConfig struct {
	Topic   string `yaml:"topic"`
	Type    string `yaml:"type"`
	Filters string `yaml:"filters"`
}

// DatabaseConfig holds the optional TimescaleDB target for the recorder.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Timescale.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds batch writer settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// TransportConfig converts to the transport establisher's settings.
func (s StreamConfig) TransportConfig() transport.Config {
	return transport.Config{
		ProxyURL:         s.ProxyURL,
		DialTimeout:      s.DialTimeout,
		HandshakeTimeout: s.HandshakeTimeout,
	}
}

// ConnectionConfig converts to the Connection Manager's settings.
func (s StreamConfig) ConnectionConfig() connection.Config {
	return connection.Config{
		URL:                s.URL,
		PingInterval:       s.PingInterval,
		PongTimeout:        s.PongTimeout,
		WriteTimeout:       s.WriteTimeout,
		ReconnectBaseDelay: s.ReconnectBaseDelay,
		ReconnectMaxDelay:  s.ReconnectMaxDelay,
		ReconnectJitter:    s.ReconnectJitter,
		MaxAttempts:        s.ReconnectMaxAttempts,
		OutboundBuffer:     s.OutboundBuffer,
		MessageBuffer:      s.MessageBuffer,
		SendRate:           s.SendRate,
		SendBurst:          s.SendBurst,
	}
}

// RouterConfig converts to the Message Router's settings.
func (s StreamConfig) RouterConfig() router.Config {
	return router.Config{SubscriberBuffer: s.SubscriberBuffer}
}

// SubscriptionConfig converts to the Subscription Manager's settings.
func (s StreamConfig) SubscriptionConfig() subscription.Config {
	return subscription.Config{StreamBuffer: s.SubscriberBuffer}
}

// Capability returns the auth capability for the configured credentials.
func (a AuthConfig) Capability() (auth.Capability, error) {
	creds := auth.Credentials{APIKey: a.APIKey, Secret: a.Secret, Passphrase: a.Passphrase}
	if creds.IsZero() {
		return auth.Anonymous(), nil
	}
	return auth.Authenticated(creds)
}

// WriterConfig converts to the recorder's settings.
func (r RecorderConfig) WriterConfig() recorder.Config {
	return recorder.Config{
		BatchSize:     r.BatchSize,
		FlushInterval: r.FlushInterval,
	}
}

// Keys returns the startup subscription keys. capab supplies credentials
// for the user channel.
func (s SubscriptionsConfig) Keys(capab auth.Capability) ([]subscription.Key, error) {
	var keys []subscription.Key
	for _, assets := range s.Markets {
		keys = append(keys, subscription.MarketKey{AssetIDs: assets})
	}
	if s.User != nil {
		creds, err := capab.Credentials()
		if err != nil {
			return nil, err
		}
		keys = append(keys, subscription.UserKey{Markets: s.User.Markets, Credentials: creds})
	}
	for _, t := range s.Topics {
		keys = append(keys, subscription.TopicKey{Topic: t.Topic, Type: t.Type, Filters: t.Filters})
	}
	return keys, nil
}
