package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// Mode is how the establisher reaches the endpoint.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeSOCKS5  Mode = "socks5"
	ModeConnect Mode = "http-connect"
)

// Config configures a Dialer. With socks5:// the target hostname is resolved
// locally and the proxy receives an address; socks5h:// leaves resolution to
// the proxy.
type Config struct {
	ProxyURL         string        // "" = direct; socks5://, socks5h:// or http:// with optional user:pass
	DialTimeout      time.Duration // TCP connect timeout (direct or to the proxy)
	HandshakeTimeout time.Duration // TLS + WebSocket upgrade timeout
	TLSConfig        *tls.Config   // nil = system defaults
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Dialer opens the byte stream to the endpoint, optionally through a
// forward proxy, and upgrades it to a WebSocket connection.
//
// Proxy configuration is checked on every Dial rather than at construction,
// so a bad proxy URL shows up as a failed attempt on each reconnect instead
// of preventing the manager from starting.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
	base   *net.Dialer
}

// NewDialer creates a new Dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}

	return &Dialer{
		cfg:    cfg,
		logger: logger,
		base: &net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
	}
}

// Mode reports the configured mode. An invalid proxy URL reports direct.
func (d *Dialer) Mode() Mode {
	p, err := parseProxy(d.cfg.ProxyURL)
	if err != nil || p == nil {
		return ModeDirect
	}
	return p.mode
}

// Dial connects to endpoint (ws:// or wss://) and performs the WebSocket
// handshake. TLS for wss:// is layered over whatever stream the configured
// mode produced, so it is negotiated end to end with the endpoint.
func (d *Dialer) Dial(ctx context.Context, endpoint string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, nil, err
	}

	netDial, mode, err := d.netDialer()
	if err != nil {
		return nil, nil, err
	}

	ws := websocket.Dialer{
		NetDialContext:   netDial,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		TLSClientConfig:  d.cfg.TLSConfig,
	}

	d.logger.Debug("dialing", "endpoint", endpoint, "mode", mode)

	conn, resp, err := ws.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// netDialer returns the function gorilla uses to open the raw stream.
func (d *Dialer) netDialer() (dialFunc, Mode, error) {
	p, err := parseProxy(d.cfg.ProxyURL)
	if err != nil {
		return nil, "", err
	}
	if p == nil {
		return d.base.DialContext, ModeDirect, nil
	}

	switch p.mode {
	case ModeSOCKS5:
		return d.socks5Dialer(p), ModeSOCKS5, nil
	case ModeConnect:
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.dialConnect(ctx, p, addr)
		}, ModeConnect, nil
	}
	return nil, "", &ConfigError{Field: "proxy_url", Value: p.url.Redacted(), Err: errUnsupportedScheme}
}

func (d *Dialer) socks5Dialer(p *proxyTarget) dialFunc {
	var auth *proxy.Auth
	if p.url.User != nil {
		pass, _ := p.url.User.Password()
		auth = &proxy.Auth{User: p.url.User.Username(), Password: pass}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !p.remoteDNS {
			resolved, err := resolveLocal(ctx, addr)
			if err != nil {
				return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
			}
			addr = resolved
		}
		sd, err := proxy.SOCKS5("tcp", p.hostPort, auth, d.base)
		if err != nil {
			return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
		}
		cd, ok := sd.(proxy.ContextDialer)
		if !ok {
			return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: fmt.Errorf("socks5 dialer does not support context")}
		}
		conn, err := cd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
		}
		return conn, nil
	}
}

type proxyTarget struct {
	url      *url.URL
	mode     Mode
	hostPort string

	// remoteDNS hands the target hostname to the proxy (socks5h://).
	// socks5:// resolves locally and sends an address. HTTP CONNECT always
	// sends the hostname.
	remoteDNS bool
}

// parseProxy validates raw. Empty means direct and returns nil, nil.
func parseProxy(raw string) (*proxyTarget, error) {
	if raw == "" {
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{Field: "proxy_url", Value: redactRaw(raw), Err: parseCause(err)}
	}

	var mode Mode
	var defaultPort string
	remoteDNS := true
	switch strings.ToLower(u.Scheme) {
	case "socks5":
		mode, defaultPort, remoteDNS = ModeSOCKS5, "1080", false
	case "socks5h":
		mode, defaultPort = ModeSOCKS5, "1080"
	case "http":
		mode, defaultPort = ModeConnect, "80"
	default:
		return nil, &ConfigError{Field: "proxy_url", Value: u.Redacted(), Err: fmt.Errorf("%w %q", errUnsupportedScheme, u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &ConfigError{Field: "proxy_url", Value: u.Redacted(), Err: errMissingHost}
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	return &proxyTarget{
		url:       u,
		mode:      mode,
		hostPort:  net.JoinHostPort(host, port),
		remoteDNS: remoteDNS,
	}, nil
}

// resolveLocal replaces the host in addr with one of its addresses,
// preferring IPv4. IP literals pass through.
func resolveLocal(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	pick := ips[0].IP
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			pick = ip.IP
			break
		}
	}
	return net.JoinHostPort(pick.String(), port), nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return &ConfigError{Field: "url", Value: redactRaw(endpoint), Err: parseCause(err)}
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return &ConfigError{Field: "url", Value: u.Redacted(), Err: fmt.Errorf("%w %q", errUnsupportedScheme, u.Scheme)}
	}
	if u.Hostname() == "" {
		return &ConfigError{Field: "url", Value: u.Redacted(), Err: errMissingHost}
	}
	return nil
}

// parseCause drops the *url.Error wrapper, which quotes the raw URL.
func parseCause(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// redactRaw strips anything that looks like userinfo from an unparsable URL.
func redactRaw(raw string) string {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			return raw[:j+3] + "xxxxx@" + raw[i+1:]
		}
	}
	return raw
}
