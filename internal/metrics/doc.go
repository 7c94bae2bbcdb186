// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, epoch, reconnects and heartbeat timeouts
//   - Inbound frame rates and router drop reasons
//   - Wire subscribe/unsubscribe traffic and active subscription keys
//   - Recorder row counts and flush latency
package metrics
