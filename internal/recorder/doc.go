// Package recorder persists routed messages to TimescaleDB.
//
// A Recorder reads any channel of router.Message, typically a
// subscription stream, and writes batches into stream_messages with
// INSERT ... ON CONFLICT DO NOTHING. Batches flush when full, on a timer,
// and once more on Stop.
package recorder
