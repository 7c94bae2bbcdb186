package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/marketstream/internal/interest"
)

// Validate checks that all required fields are set and values are valid.
func (c *GathererConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if err := c.Subscriptions.validate(c.Auth); err != nil {
		return err
	}

	if c.Database.Enabled() {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}
	if c.Recorder.FlushInterval <= 0 {
		return errors.New("recorder.flush_interval must be > 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.URL == "" {
		return errors.New("stream.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("stream.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.url scheme must be ws or wss, got %q", u.Scheme)
	}

	if s.ProxyURL != "" {
		p, err := url.Parse(s.ProxyURL)
		if err != nil {
			return fmt.Errorf("stream.proxy_url is invalid: %w", err)
		}
		switch strings.ToLower(p.Scheme) {
		case "socks5", "socks5h", "http":
		default:
			return fmt.Errorf("stream.proxy_url scheme must be socks5, socks5h or http, got %q", p.Scheme)
		}
		if p.Hostname() == "" {
			return errors.New("stream.proxy_url host is required")
		}
	}

	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.ReconnectJitter < 0 || s.ReconnectJitter >= 1 {
		return fmt.Errorf("stream.reconnect_jitter must be in [0, 1), got %v", s.ReconnectJitter)
	}
	if s.SendRate < 0 {
		return errors.New("stream.send_rate must be >= 0")
	}
	if s.OutboundBuffer < 0 {
		return errors.New("stream.outbound_buffer must be >= 0")
	}
	return nil
}

func (a *AuthConfig) validate() error {
	if *a == (AuthConfig{}) {
		return nil
	}
	if a.APIKey == "" {
		return errors.New("auth.api_key is required when auth is set")
	}
	if a.Secret == "" {
		return errors.New("auth.secret is required when auth is set")
	}
	if a.Passphrase == "" {
		return errors.New("auth.passphrase is required when auth is set")
	}
	return nil
}

func (s *SubscriptionsConfig) validate(a AuthConfig) error {
	for i, assets := range s.Markets {
		if len(assets) == 0 {
			return fmt.Errorf("subscriptions.markets[%d] must list at least one asset id", i)
		}
	}
	if s.User != nil && a.APIKey == "" {
		return errors.New("subscriptions.user requires auth")
	}
	for i, t := range s.Topics {
		if t.Topic == "" {
			return fmt.Errorf("subscriptions.topics[%d].topic is required", i)
		}
		if interest.FromTopic(t.Topic) == interest.None {
			return fmt.Errorf("subscriptions.topics[%d].topic %q is unknown", i, t.Topic)
		}
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
