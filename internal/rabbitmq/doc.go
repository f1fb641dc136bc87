// Package rabbitmq adapts github.com/rabbitmq/amqp091-go to the transport
// interfaces.
//
// This package includes:
//   - Dialer: dials a session and reports how far a failed dial got
//   - session: wraps *amqp.Connection and translates its close events
//   - channel: wraps *amqp.Channel, pumps deliveries into callbacks and
//     filters out channel closes caused by the end of the whole connection
//
// Errors coming back from amqp091 are translated so that the recovery core
// only ever sees transport.CloseInfo and transport.ErrClosed.
package rabbitmq
