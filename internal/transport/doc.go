// Package transport implements the Transport Establisher.
//
// It produces a WebSocket connection to the upstream endpoint in one of
// three modes:
//   - direct TCP (TLS for wss://)
//   - through a SOCKS5 proxy, optionally with username/password
//   - through an HTTP proxy using CONNECT, optionally with Basic auth
//
// Every failure is returned to the caller. The Connection Manager treats all
// of them as a failed attempt and backs off.
package transport
