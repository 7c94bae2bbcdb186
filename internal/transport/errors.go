package transport

import (
	"errors"
	"fmt"
)

var (
	errUnsupportedScheme = errors.New("unsupported scheme")
	errMissingHost       = errors.New("missing host")
	errConnectRejected   = errors.New("connect rejected")
)

// ConfigError reports a configuration problem that will fail every attempt
// until the configuration changes.
type ConfigError struct {
	Field string
	Value string // userinfo redacted
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("transport config: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProxyError reports a failure talking to the proxy or negotiating a tunnel.
type ProxyError struct {
	Proxy      string // userinfo redacted
	Target     string
	StatusCode int // CONNECT response status, 0 otherwise
	Err        error
}

func (e *ProxyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("proxy %s: tunnel to %s: status %d: %v", e.Proxy, e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("proxy %s: tunnel to %s: %v", e.Proxy, e.Target, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
