package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"time"
)

// dialConnect opens a tunnel to addr through an HTTP proxy using CONNECT.
func (d *Dialer) dialConnect(ctx context.Context, p *proxyTarget, addr string) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, "tcp", p.hostPort)
	if err != nil {
		return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
	}

	// Bound the CONNECT exchange by ctx; cleared before handing the conn off.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := p.url.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()
		return nil, &ProxyError{Proxy: p.url.Redacted(), Target: addr, StatusCode: resp.StatusCode, Err: errConnectRejected}
	}

	if !stop() {
		// ctx fired while the response was being read.
		conn.Close()
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	d.logger.Debug("connect tunnel established", "proxy", p.url.Redacted(), "target", addr)

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the response reader consumed past the header.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
