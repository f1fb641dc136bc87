package mmate

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-amqp/transport"
)

// FailureKind classifies a fault raised by the transport or the broker.
type FailureKind int

const (
	// TransportConnectFailed means a connection attempt never produced a session.
	TransportConnectFailed FailureKind = iota + 1
	// AuthenticationFailed means the socket connected but the handshake did not
	// complete. The protocol cannot tell this apart from other early closes,
	// so it is a possible authentication failure.
	AuthenticationFailed
	// TransportLost means an established session's transport went away.
	TransportLost
	// ConnectionProtocolError means the broker closed an open connection with a
	// non-zero reply code.
	ConnectionProtocolError
	// ChannelProtocolError means the broker closed a single channel.
	ChannelProtocolError
	// GracefulShutdown is a connection close with reply code 320. It does not
	// trigger automatic reconnection by default.
	GracefulShutdown
)

func (k FailureKind) String() string {
	switch k {
	case TransportConnectFailed:
		return "transport_connect_failed"
	case AuthenticationFailed:
		return "authentication_failed"
	case TransportLost:
		return "transport_lost"
	case ConnectionProtocolError:
		return "connection_protocol_error"
	case ChannelProtocolError:
		return "channel_protocol_error"
	case GracefulShutdown:
		return "graceful_shutdown"
	default:
		return fmt.Sprintf("failure_kind(%d)", int(k))
	}
}

// Condition is a raw fault as surfaced by the transport layer.
type Condition struct {
	// Established is true when the fault hit a session that completed its
	// handshake.
	Established bool
	// Channel is true when the fault is scoped to one channel.
	Channel bool
	// Close is the close method that ended the session or channel, if any.
	Close *CloseInfo
	// Err is the error returned by the transport, if any.
	Err error
}

// Classify assigns a FailureKind to a condition. It has no side effects.
func Classify(cond Condition) FailureKind {
	info := cond.Close
	if info == nil && cond.Err != nil {
		errors.As(cond.Err, &info)
	}

	if !cond.Established {
		var dialErr *transport.DialError
		if errors.As(cond.Err, &dialErr) && dialErr.Stage == transport.StageHandshake {
			return AuthenticationFailed
		}
		if info != nil && info.ReplyCode == transport.ReplyAccessRefused {
			return AuthenticationFailed
		}
		return TransportConnectFailed
	}

	if cond.Channel {
		return ChannelProtocolError
	}

	if info != nil && info.Server && info.ReplyCode != 0 {
		if info.ReplyCode == transport.ReplyConnectionForced {
			return GracefulShutdown
		}
		return ConnectionProtocolError
	}
	return TransportLost
}

// Failure is a classified fault. Connect returns it, and loss handlers
// receive it.
type Failure struct {
	Kind  FailureKind
	Close *CloseInfo
	Err   error
}

func (f *Failure) Error() string {
	var msg string
	switch f.Kind {
	case AuthenticationFailed:
		msg = "mmate: possible authentication failure"
	case TransportConnectFailed:
		msg = "mmate: transport connect failed"
	case TransportLost:
		msg = "mmate: transport lost"
	case ConnectionProtocolError:
		msg = "mmate: connection closed by broker"
	case ChannelProtocolError:
		msg = "mmate: channel closed by broker"
	case GracefulShutdown:
		msg = "mmate: broker forced connection closure"
	default:
		msg = "mmate: " + f.Kind.String()
	}

	switch {
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", msg, f.Err)
	case f.Close != nil:
		return fmt.Sprintf("%s: %v", msg, f.Close)
	default:
		return msg
	}
}

func (f *Failure) Unwrap() error {
	if f.Err != nil {
		return f.Err
	}
	if f.Close != nil {
		return f.Close
	}
	return nil
}

// closeInfoOf extracts the protocol close carried by err, or synthesises an
// internal-error close for failures that were not protocol closes.
func closeInfoOf(err error) *CloseInfo {
	var info *CloseInfo
	if errors.As(err, &info) {
		return info
	}
	return &CloseInfo{
		ReplyCode: transport.ReplyInternalError,
		ReplyText: err.Error(),
	}
}
