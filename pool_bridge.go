package main

import (
	"context"
	"fmt"

	"zap-gateway/internal/relaypool"
	"zap-gateway/internal/types"
)

// poolBridge adapts the relay pool to the narrow interfaces the signer and
// the settlement pipeline declare, and hooks publish accounting into the
// metrics counters.
type poolBridge struct {
	pool *relaypool.Pool
}

func (b poolBridge) FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error) {
	return b.pool.FetchOne(ctx, relays, filter)
}

func (b poolBridge) Subscribe(ctx context.Context, relays []string, filter types.Filter) (<-chan types.Event, func(), error) {
	sub, err := b.pool.Subscribe(ctx, relays, filter)
	if err != nil {
		return nil, nil, err
	}
	return sub.Events, sub.Close, nil
}

func (b poolBridge) Publish(ctx context.Context, relays []string, evt types.Event) error {
	result := b.pool.Publish(ctx, relays, evt)
	if !result.Success() {
		relayPublishFailsTotal.Add(1)
		return fmt.Errorf("no relay accepted event %s (%d rejected)",
			types.ShortID(evt.ID), len(result.Rejected))
	}
	return nil
}
