package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/transport"
)

// channel wraps one amqp091 channel.
type channel struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

var _ transport.Channel = (*channel)(nil)

func newChannel(conn *amqp.Connection, ch *amqp.Channel, logger *slog.Logger) *channel {
	return &channel{conn: conn, ch: ch, logger: logger}
}

// ExchangeDeclare implements transport.Channel.
func (c *channel) ExchangeDeclare(ctx context.Context, spec transport.ExchangeSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.ch.ExchangeDeclare(
		spec.Name,
		spec.Kind,
		spec.Durable,
		spec.AutoDelete,
		spec.Internal,
		false, // noWait
		amqp.Table(spec.Args),
	))
}

// ExchangeDelete implements transport.Channel.
func (c *channel) ExchangeDelete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.ch.ExchangeDelete(name, false, false))
}

// QueueDeclare implements transport.Channel.
func (c *channel) QueueDeclare(ctx context.Context, spec transport.QueueSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := c.ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // noWait
		amqp.Table(spec.Args),
	)
	if err != nil {
		return "", translate(err)
	}
	return q.Name, nil
}

// QueueDelete implements transport.Channel.
func (c *channel) QueueDelete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.ch.QueueDelete(name, false, false, false)
	return translate(err)
}

// QueueBind implements transport.Channel.
func (c *channel) QueueBind(ctx context.Context, spec transport.BindingSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.ch.QueueBind(spec.Queue, spec.RoutingKey, spec.Exchange, false, amqp.Table(spec.Args)))
}

// QueueUnbind implements transport.Channel.
func (c *channel) QueueUnbind(ctx context.Context, spec transport.BindingSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.ch.QueueUnbind(spec.Queue, spec.RoutingKey, spec.Exchange, amqp.Table(spec.Args)))
}

// Consume implements transport.Channel. amqp091 does not report the tag it
// generates, so an empty tag is filled in here.
func (c *channel) Consume(ctx context.Context, spec transport.ConsumeSpec, deliver func(transport.Delivery)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tag := spec.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	deliveries, err := c.ch.Consume(
		spec.Queue,
		tag,
		spec.AutoAck,
		spec.Exclusive,
		spec.NoLocal,
		false, // noWait
		amqp.Table(spec.Args),
	)
	if err != nil {
		return "", translate(err)
	}

	go c.processMessages(spec.Queue, tag, deliveries, deliver)

	c.logger.Debug("subscribed to queue",
		"queue", spec.Queue,
		"consumerTag", tag)
	return tag, nil
}

// processMessages hands deliveries to deliver until the consumer ends.
func (c *channel) processMessages(queue, tag string, deliveries <-chan amqp.Delivery, deliver func(transport.Delivery)) {
	for d := range deliveries {
		deliver(fromAMQP(d))
	}
	c.logger.Debug("consumer stopped",
		"queue", queue,
		"consumerTag", tag)
}

// Cancel implements transport.Channel.
func (c *channel) Cancel(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.ch.Cancel(tag, false))
}

// Publish implements transport.Channel.
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	return translate(c.ch.PublishWithContext(ctx, exchange, routingKey, msg.Mandatory, false, toAMQP(msg)))
}

// NotifyClose implements transport.Channel. amqp091 closes every channel with
// the connection's reason when the connection ends; those are dropped.
func (c *channel) NotifyClose(receiver chan *transport.CloseInfo) chan *transport.CloseInfo {
	src := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	go forwardClose(src, receiver, c.conn.IsClosed)
	return receiver
}

// Close implements transport.Channel.
func (c *channel) Close() error {
	return translate(c.ch.Close())
}

func toAMQP(msg transport.Publishing) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   msg.ContentType,
		Headers:       amqp.Table(msg.Headers),
		DeliveryMode:  msg.DeliveryMode,
		Priority:      msg.Priority,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
}

func fromAMQP(d amqp.Delivery) transport.Delivery {
	return transport.Delivery{
		Acknowledger:  d.Acknowledger,
		ConsumerTag:   d.ConsumerTag,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ContentType:   d.ContentType,
		Headers:       transport.Table(d.Headers),
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}
}
