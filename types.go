package mmate

import "github.com/glimte/mmate-amqp/transport"

type (
	// CloseInfo describes a connection or channel close sent by the broker.
	CloseInfo = transport.CloseInfo
	// Settings identifies a broker endpoint.
	Settings = transport.Settings

	Table        = transport.Table
	ExchangeSpec = transport.ExchangeSpec
	QueueSpec    = transport.QueueSpec
	Publishing   = transport.Publishing
	Delivery     = transport.Delivery
)

// ReplyConnectionForced is the reply code of a broker-forced connection
// closure.
const ReplyConnectionForced = transport.ReplyConnectionForced

// Binding links a queue to an exchange through a routing key.
type Binding struct {
	Exchange   string
	RoutingKey string
	Args       Table
}

// ConsumeOptions configures a subscription. An empty Tag lets the server
// assign one, and a server-assigned tag is replaced on recovery.
type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	Args      Table
}
