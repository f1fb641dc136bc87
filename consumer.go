package mmate

import (
	"context"
	"time"

	"github.com/glimte/mmate-amqp/transport"
)

// Consumer is a subscription on a queue.
type Consumer struct {
	node[Consumer]

	queue   *Queue
	tag     string
	opts    ConsumeOptions
	handler func(Delivery)
	live    bool
}

// Tag returns the consumer tag in effect. A server-assigned tag changes on
// every recovery.
func (cons *Consumer) Tag() string {
	cons.conn.mu.Lock()
	defer cons.conn.mu.Unlock()
	return cons.tag
}

// Queue returns the queue the consumer is subscribed to.
func (cons *Consumer) Queue() *Queue {
	return cons.queue
}

// Cancel stops the subscription and drops it from the recovery record.
func (cons *Consumer) Cancel(ctx context.Context) error {
	tch, _, err := cons.queue.ch.acquire(ctx)
	if err != nil {
		return err
	}
	tag := cons.Tag()
	if err := tch.Cancel(ctx, tag); err != nil {
		return &TopologyError{Component: "consumer", Name: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}

	cons.conn.mu.Lock()
	defer cons.conn.mu.Unlock()
	cons.live = false
	cons.queue.removeConsumerLocked(cons)
	return nil
}

// consumeSpec builds the subscription for queue. A server-assigned tag is not
// reused.
func consumeSpec(queue string, opts ConsumeOptions) transport.ConsumeSpec {
	return transport.ConsumeSpec{
		Queue:     queue,
		Tag:       opts.Tag,
		AutoAck:   opts.AutoAck,
		Exclusive: opts.Exclusive,
		NoLocal:   opts.NoLocal,
		Args:      opts.Args,
	}
}

func (cons *Consumer) dispatch(d Delivery) {
	c := cons.conn
	c.mu.Lock()
	handler := cons.handler
	c.mu.Unlock()
	c.safeCall("delivery handler", func() { handler(d) })
}
