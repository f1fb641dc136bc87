// Package transport defines the boundary between the recovery core and the
// AMQP wire implementation.
//
// The core never talks to sockets or frames directly. It dials a Session
// through a Dialer, opens Channels on it, and listens for closes. The
// production implementation lives in transports/rabbitmq and is backed by
// github.com/rabbitmq/amqp091-go. The in-memory broker in transporttest
// implements the same interfaces for tests.
package transport

import (
	"context"
	"time"
)

// Table holds field-table arguments for declarations and message headers.
type Table map[string]interface{}

// Dialer establishes a protocol session with a broker. A successful Dial has
// completed both the transport connect and the handshake, authentication
// included.
type Dialer interface {
	Dial(ctx context.Context, settings Settings) (Session, error)
}

// Session is one authenticated protocol session over one transport.
type Session interface {
	// OpenChannel opens a channel. id is the caller's logical channel number;
	// implementations that allocate their own wire numbers may ignore it.
	OpenChannel(ctx context.Context, id uint16) (Channel, error)

	// NotifyClose registers a listener for the end of the session. An abnormal
	// end delivers exactly one CloseInfo and then closes the receiver; a close
	// requested through Close only closes the receiver.
	NotifyClose(receiver chan *CloseInfo) chan *CloseInfo

	IsClosed() bool
	Close() error
}

// Channel is one multiplexed channel of a Session.
type Channel interface {
	ExchangeDeclare(ctx context.Context, spec ExchangeSpec) error
	ExchangeDelete(ctx context.Context, name string) error

	// QueueDeclare returns the name the broker used, which differs from
	// spec.Name when the queue is server-named.
	QueueDeclare(ctx context.Context, spec QueueSpec) (string, error)
	QueueDelete(ctx context.Context, name string) error
	QueueBind(ctx context.Context, spec BindingSpec) error
	QueueUnbind(ctx context.Context, spec BindingSpec) error

	// Consume starts a subscription and returns the consumer tag in effect.
	// deliver is called for every delivery until the consumer is cancelled or
	// the channel closes.
	Consume(ctx context.Context, spec ConsumeSpec, deliver func(Delivery)) (string, error)
	Cancel(ctx context.Context, tag string) error

	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// NotifyClose follows the Session.NotifyClose contract, scoped to a
	// broker-initiated channel close. Channel closes caused by the end of the
	// whole session are not reported here.
	NotifyClose(receiver chan *CloseInfo) chan *CloseInfo

	Close() error
}

// ExchangeSpec is the attribute set an exchange is declared with.
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       Table
}

// QueueSpec is the attribute set a queue is declared with. An empty Name asks
// the broker to assign one.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       Table
}

// BindingSpec links a queue to an exchange through a routing key.
type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Args       Table
}

// ConsumeSpec describes a subscription. An empty Tag asks for a generated one.
type ConsumeSpec struct {
	Queue     string
	Tag       string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	Args      Table
}

// Publishing is an outgoing message.
type Publishing struct {
	ContentType   string
	Headers       Table
	DeliveryMode  uint8
	Priority      uint8
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Body          []byte
	Mandatory     bool
}

// Acknowledger settles deliveries. It matches amqp091's Acknowledger.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is an incoming message.
type Delivery struct {
	Acknowledger Acknowledger

	ConsumerTag   string
	DeliveryTag   uint64
	Redelivered   bool
	Exchange      string
	RoutingKey    string
	ContentType   string
	Headers       Table
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Body          []byte
}

// Ack acknowledges the delivery. It is a no-op for auto-acked deliveries.
func (d Delivery) Ack(multiple bool) error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Ack(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges the delivery.
func (d Delivery) Nack(multiple, requeue bool) error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Nack(d.DeliveryTag, multiple, requeue)
}

// Reject rejects the delivery.
func (d Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}
