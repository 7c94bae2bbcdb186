// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains exactly one logical WebSocket connection to the upstream
//   - Runs a text PING/PONG heartbeat per connection epoch
//   - Handles reconnection with exponential backoff and an optional attempt cap
//   - Writes queued outbound frames in FIFO order per epoch
//   - Broadcasts inbound frames to independent, bounded receivers
//   - Publishes state transitions with latest-value semantics
package connection
