// Package subscription multiplexes logical subscriptions onto one streaming
// connection.
//
// Consumers subscribe by Key and receive a Stream. Keys are reference
// counted: the first stream of a key sends the wire subscribe, later ones
// share it, and the wire unsubscribe goes out only when the last stream is
// released. Whenever the connection reaches a new epoch, every live key is
// subscribed again.
//
// Usage:
//
//	subs := subscription.NewManager(subscription.DefaultConfig(), conn, rtr, tracker, logger, m)
//	subs.Start(ctx)
//
//	stream, err := subs.SubscribeMarket(ctx, "asset-1", "asset-2")
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for msg := range stream.Messages() {
//	    // handle msg
//	}
package subscription
