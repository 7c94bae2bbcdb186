// Package interest implements the Interest Tracker.
//
// The Message Router consults the tracker on every inbound frame to decide
// whether the frame's category is worth deserializing. The Subscription
// Manager is the only writer.
package interest
