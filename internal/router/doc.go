// Package router implements the Message Router component.
//
// The Message Router:
//   - Peeks each frame's topic before decoding anything else
//   - Drops frames whose category has no interested consumer
//   - Expands arrays and price_change batches into per-asset messages
//   - Fans messages out without blocking on slow subscribers
//   - Isolates parse failures to the frame that caused them
package router
