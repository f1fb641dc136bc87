package mmate

import (
	"context"
	"time"
)

// Exchange is a declared exchange.
type Exchange struct {
	node[Exchange]

	ch   *Channel
	spec ExchangeSpec
	live bool
}

// Name returns the exchange name.
func (ex *Exchange) Name() string {
	ex.conn.mu.Lock()
	defer ex.conn.mu.Unlock()
	return ex.spec.Name
}

// Spec returns the attributes the exchange is declared and recovered with.
func (ex *Exchange) Spec() ExchangeSpec {
	ex.conn.mu.Lock()
	defer ex.conn.mu.Unlock()
	return ex.spec
}

// Channel returns the channel the exchange was declared on.
func (ex *Exchange) Channel() *Channel {
	return ex.ch
}

// Delete deletes the exchange and drops it from the recovery record.
func (ex *Exchange) Delete(ctx context.Context) error {
	tch, _, err := ex.ch.acquire(ctx)
	if err != nil {
		return err
	}
	name := ex.Name()
	if err := tch.ExchangeDelete(ctx, name); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}

	ex.conn.mu.Lock()
	defer ex.conn.mu.Unlock()
	ex.live = false
	ex.ch.removeExchangeLocked(ex)
	return nil
}
