package mmate

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-amqp/transport"
)

// Queue is a declared queue together with its bindings and consumers.
type Queue struct {
	node[Queue]

	ch          *Channel
	spec        QueueSpec
	name        string
	serverNamed bool
	live        bool

	bindings  []*binding
	consumers []*Consumer
}

type binding struct {
	Binding
	live bool
}

// Name returns the queue name. For a server-named queue it changes on every
// recovery.
func (q *Queue) Name() string {
	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	return q.name
}

// ServerNamed reports whether the broker chose the name.
func (q *Queue) ServerNamed() bool {
	return q.serverNamed
}

// Spec returns the attributes the queue is declared and recovered with.
func (q *Queue) Spec() QueueSpec {
	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	return q.spec
}

// Channel returns the channel the queue was declared on.
func (q *Queue) Channel() *Channel {
	return q.ch
}

// Bindings returns the bindings applied on the current session.
func (q *Queue) Bindings() []Binding {
	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	var out []Binding
	for _, b := range q.bindings {
		if b.live {
			out = append(out, b.Binding)
		}
	}
	return out
}

// Consumers returns the consumers registered on the current session.
func (q *Queue) Consumers() []*Consumer {
	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	return q.liveConsumersLocked()
}

func (q *Queue) liveConsumersLocked() []*Consumer {
	var out []*Consumer
	for _, cons := range q.consumers {
		if cons.live {
			out = append(out, cons)
		}
	}
	return out
}

// Bind binds the queue to exchange with key and records the binding.
func (q *Queue) Bind(ctx context.Context, exchange, key string, args Table) error {
	tch, gen, err := q.ch.acquire(ctx)
	if err != nil {
		return err
	}
	name := q.Name()
	spec := transport.BindingSpec{Queue: name, Exchange: exchange, RoutingKey: key, Args: args}
	if err := tch.QueueBind(ctx, spec); err != nil {
		return &TopologyError{Component: "binding", Name: name, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	b := q.findBindingLocked(exchange, key)
	if b == nil {
		b = &binding{}
		q.bindings = append(q.bindings, b)
	}
	b.Binding = Binding{Exchange: exchange, RoutingKey: key, Args: args}
	if q.ch.generation == gen {
		b.live = true
	}
	return nil
}

// Unbind removes a binding and drops it from the recovery record.
func (q *Queue) Unbind(ctx context.Context, exchange, key string, args Table) error {
	tch, _, err := q.ch.acquire(ctx)
	if err != nil {
		return err
	}
	name := q.Name()
	spec := transport.BindingSpec{Queue: name, Exchange: exchange, RoutingKey: key, Args: args}
	if err := tch.QueueUnbind(ctx, spec); err != nil {
		return &TopologyError{Component: "binding", Name: name, Op: "unbind", Err: err, Timestamp: time.Now()}
	}

	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	for i, b := range q.bindings {
		if b.Exchange == exchange && b.RoutingKey == key {
			q.bindings = append(q.bindings[:i], q.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// Consume subscribes handler to the queue and records the consumer. A
// client-chosen tag that is already recorded reuses that record.
func (q *Queue) Consume(ctx context.Context, opts ConsumeOptions, handler func(Delivery)) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("mmate: nil delivery handler")
	}
	tch, gen, err := q.ch.acquire(ctx)
	if err != nil {
		return nil, err
	}

	c := q.conn
	c.mu.Lock()
	name := q.name
	var cons *Consumer
	if opts.Tag != "" {
		cons = q.findConsumerLocked(opts.Tag)
	}
	c.mu.Unlock()
	if cons == nil {
		cons = &Consumer{queue: q}
		cons.node.init(cons, c)
	}

	// The record keeps its options and handler until the broker accepts
	// the subscription.
	deliver := func(d Delivery) {
		c.safeCall("delivery handler", func() { handler(d) })
	}
	tag, err := tch.Consume(ctx, consumeSpec(name, opts), deliver)
	if err != nil {
		return nil, &TopologyError{Component: "consumer", Name: name, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cons.opts = opts
	cons.handler = handler
	cons.tag = tag
	if q.findConsumerLocked(tag) == nil {
		q.consumers = append(q.consumers, cons)
	}
	if q.ch.generation == gen {
		cons.live = true
	}
	return cons, nil
}

// Delete deletes the queue and drops it, its bindings and its consumers from
// the recovery record.
func (q *Queue) Delete(ctx context.Context) error {
	tch, _, err := q.ch.acquire(ctx)
	if err != nil {
		return err
	}
	name := q.Name()
	if err := tch.QueueDelete(ctx, name); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}

	q.conn.mu.Lock()
	defer q.conn.mu.Unlock()
	q.resetLocked()
	q.bindings = nil
	q.consumers = nil
	q.ch.removeQueueLocked(q)
	return nil
}

func (q *Queue) resetLocked() {
	q.live = false
	for _, b := range q.bindings {
		b.live = false
	}
	for _, cons := range q.consumers {
		cons.live = false
	}
}

func (q *Queue) findBindingLocked(exchange, key string) *binding {
	for _, b := range q.bindings {
		if b.Exchange == exchange && b.RoutingKey == key {
			return b
		}
	}
	return nil
}

func (q *Queue) findConsumerLocked(tag string) *Consumer {
	for _, cons := range q.consumers {
		if cons.tag == tag {
			return cons
		}
	}
	return nil
}

func (q *Queue) removeConsumerLocked(cons *Consumer) {
	for i, e := range q.consumers {
		if e == cons {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}
