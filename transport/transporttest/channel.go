package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-amqp/transport"
)

// Channel is a broker-side channel.
type Channel struct {
	session *Session
	id      uint16
	closed  bool
	notify  []chan *transport.CloseInfo
}

var _ transport.Channel = (*Channel)(nil)

// do records the call and runs fn under the broker lock. A server close
// returned by fn closes the channel. The returned func must run after the
// lock is released.
func (c *Channel) do(ctx context.Context, method, name string, spec interface{}, fn func() (func(), error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.session.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.calls = append(b.calls, Call{
		Method:  method,
		Session: c.session.id,
		Channel: c.id,
		Name:    name,
		Spec:    spec,
	})

	var after func()
	err := b.injectedLocked(method)
	if err == nil {
		after, err = fn()
	}

	var info *transport.CloseInfo
	if errors.As(err, &info) && info.Server {
		after = c.closeLocked(info)
	}
	b.mu.Unlock()

	if after != nil {
		after()
	}
	return err
}

// ExchangeDeclare implements transport.Channel.
func (c *Channel) ExchangeDeclare(ctx context.Context, spec transport.ExchangeSpec) error {
	b := c.session.broker
	return c.do(ctx, "ExchangeDeclare", spec.Name, spec, func() (func(), error) {
		existing, ok := b.exchanges[spec.Name]
		if !ok {
			if spec.Name == "" || strings.HasPrefix(spec.Name, "amq.") {
				return nil, &transport.CloseInfo{
					ReplyCode: transport.ReplyAccessRefused,
					ReplyText: fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", spec.Name),
					Server:    true,
				}
			}
			b.exchanges[spec.Name] = spec
			return nil, nil
		}
		switch {
		case existing.Kind != spec.Kind:
			return nil, preconditionFailed("type", "exchange", spec.Name)
		case existing.Durable != spec.Durable:
			return nil, preconditionFailed("durable", "exchange", spec.Name)
		case existing.AutoDelete != spec.AutoDelete:
			return nil, preconditionFailed("auto_delete", "exchange", spec.Name)
		case existing.Internal != spec.Internal:
			return nil, preconditionFailed("internal", "exchange", spec.Name)
		case !sameArgs(existing.Args, spec.Args):
			return nil, preconditionFailed("arguments", "exchange", spec.Name)
		}
		return nil, nil
	})
}

// ExchangeDelete implements transport.Channel.
func (c *Channel) ExchangeDelete(ctx context.Context, name string) error {
	b := c.session.broker
	return c.do(ctx, "ExchangeDelete", name, nil, func() (func(), error) {
		delete(b.exchanges, name)
		for _, q := range b.queues {
			kept := q.bindings[:0]
			for _, bnd := range q.bindings {
				if bnd.Exchange != name {
					kept = append(kept, bnd)
				}
			}
			q.bindings = kept
		}
		return nil, nil
	})
}

// QueueDeclare implements transport.Channel.
func (c *Channel) QueueDeclare(ctx context.Context, spec transport.QueueSpec) (string, error) {
	b := c.session.broker
	name := spec.Name
	err := c.do(ctx, "QueueDeclare", spec.Name, spec, func() (func(), error) {
		if name == "" {
			name = newName("amq.gen-")
		}
		existing, ok := b.queues[name]
		if !ok {
			q := &queue{spec: spec}
			q.spec.Name = name
			if spec.Exclusive {
				q.owner = c.session
			}
			b.queues[name] = q
			return nil, nil
		}
		if existing.owner != nil && existing.owner != c.session {
			return nil, &transport.CloseInfo{
				ReplyCode: transport.ReplyResourceLocked,
				ReplyText: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name),
				Server:    true,
			}
		}
		switch {
		case existing.spec.Durable != spec.Durable:
			return nil, preconditionFailed("durable", "queue", name)
		case existing.spec.AutoDelete != spec.AutoDelete:
			return nil, preconditionFailed("auto_delete", "queue", name)
		case existing.spec.Exclusive != spec.Exclusive:
			return nil, preconditionFailed("exclusive", "queue", name)
		case !sameArgs(existing.spec.Args, spec.Args):
			return nil, preconditionFailed("arguments", "queue", name)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// QueueDelete implements transport.Channel.
func (c *Channel) QueueDelete(ctx context.Context, name string) error {
	b := c.session.broker
	return c.do(ctx, "QueueDelete", name, nil, func() (func(), error) {
		b.deleteQueueLocked(name)
		return nil, nil
	})
}

// QueueBind implements transport.Channel.
func (c *Channel) QueueBind(ctx context.Context, spec transport.BindingSpec) error {
	b := c.session.broker
	return c.do(ctx, "QueueBind", spec.Queue, spec, func() (func(), error) {
		q, ok := b.queues[spec.Queue]
		if !ok {
			return nil, notFound("queue", spec.Queue)
		}
		if _, ok := b.exchanges[spec.Exchange]; !ok {
			return nil, notFound("exchange", spec.Exchange)
		}
		for _, bnd := range q.bindings {
			if bnd.Exchange == spec.Exchange && bnd.RoutingKey == spec.RoutingKey && sameArgs(bnd.Args, spec.Args) {
				return nil, nil
			}
		}
		q.bindings = append(q.bindings, spec)
		return nil, nil
	})
}

// QueueUnbind implements transport.Channel.
func (c *Channel) QueueUnbind(ctx context.Context, spec transport.BindingSpec) error {
	b := c.session.broker
	return c.do(ctx, "QueueUnbind", spec.Queue, spec, func() (func(), error) {
		q, ok := b.queues[spec.Queue]
		if !ok {
			return nil, notFound("queue", spec.Queue)
		}
		for i, bnd := range q.bindings {
			if bnd.Exchange == spec.Exchange && bnd.RoutingKey == spec.RoutingKey {
				q.bindings = append(q.bindings[:i], q.bindings[i+1:]...)
				break
			}
		}
		return nil, nil
	})
}

// Consume implements transport.Channel. Messages already waiting in the queue
// are delivered from a separate goroutine after Consume returns.
func (c *Channel) Consume(ctx context.Context, spec transport.ConsumeSpec, deliver func(transport.Delivery)) (string, error) {
	b := c.session.broker
	tag := spec.Tag
	err := c.do(ctx, "Consume", spec.Tag, spec, func() (func(), error) {
		q, ok := b.queues[spec.Queue]
		if !ok {
			return nil, notFound("queue", spec.Queue)
		}
		if q.owner != nil && q.owner != c.session {
			return nil, &transport.CloseInfo{
				ReplyCode: transport.ReplyResourceLocked,
				ReplyText: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", spec.Queue),
				Server:    true,
			}
		}
		if tag == "" {
			tag = newName("amq.ctag-")
		}
		if _, ok := b.consumers[tag]; ok {
			return nil, &transport.CloseInfo{
				ReplyCode: transport.ReplyNotAllowed,
				ReplyText: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
				Server:    true,
			}
		}
		if spec.Exclusive && len(q.consumers) > 0 {
			return nil, &transport.CloseInfo{
				ReplyCode: transport.ReplyAccessRefused,
				ReplyText: fmt.Sprintf("ACCESS_REFUSED - queue '%s' in vhost '/' in exclusive use", spec.Queue),
				Server:    true,
			}
		}

		b.consumers[tag] = &consumer{tag: tag, queue: spec.Queue, ch: c, deliver: deliver}
		q.consumers = append(q.consumers, tag)

		pending := q.messages
		q.messages = nil
		if len(pending) == 0 {
			return nil, nil
		}
		return func() {
			go func() {
				for _, msg := range pending {
					msg.ConsumerTag = tag
					deliver(msg)
				}
			}()
		}, nil
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

// Cancel implements transport.Channel.
func (c *Channel) Cancel(ctx context.Context, tag string) error {
	b := c.session.broker
	return c.do(ctx, "Cancel", tag, nil, func() (func(), error) {
		b.removeConsumerLocked(tag)
		return nil, nil
	})
}

// Publish implements transport.Channel. Consumers are invoked on the calling
// goroutine before Publish returns.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	b := c.session.broker
	return c.do(ctx, "Publish", exchange, msg, func() (func(), error) {
		targets, err := b.routeLocked(exchange, routingKey)
		if err != nil {
			return nil, err
		}
		var deliveries []func()
		for _, name := range targets {
			d := transport.Delivery{
				Exchange:      exchange,
				RoutingKey:    routingKey,
				ContentType:   msg.ContentType,
				Headers:       msg.Headers,
				CorrelationID: msg.CorrelationID,
				ReplyTo:       msg.ReplyTo,
				MessageID:     msg.MessageID,
				Timestamp:     msg.Timestamp,
				Body:          msg.Body,
			}
			deliveries = append(deliveries, b.enqueueLocked(b.queues[name], d))
		}
		return func() {
			for _, deliver := range deliveries {
				deliver()
			}
		}, nil
	})
}

// NotifyClose implements transport.Channel.
func (c *Channel) NotifyClose(receiver chan *transport.CloseInfo) chan *transport.CloseInfo {
	c.session.broker.mu.Lock()
	defer c.session.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	b := c.session.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.calls = append(b.calls, Call{Method: "ChannelClose", Session: c.session.id, Channel: c.id})
	b.dropChannelConsumersLocked(c)
	c.closed = true
	delete(c.session.channels, c.id)
	notify := c.notify
	c.notify = nil
	b.mu.Unlock()

	for _, r := range notify {
		close(r)
	}
	return nil
}

// closeLocked closes the channel on behalf of the broker.
func (c *Channel) closeLocked(info *transport.CloseInfo) func() {
	b := c.session.broker
	c.closed = true
	delete(c.session.channels, c.id)
	b.dropChannelConsumersLocked(c)
	notify := c.notify
	c.notify = nil
	return func() {
		for _, r := range notify {
			r <- info
			close(r)
		}
	}
}
