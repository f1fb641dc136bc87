package transport

import "fmt"

// Reply codes used in connection.close and channel.close.
const (
	ReplySuccess            = 200
	ReplyContentTooLarge    = 311
	ReplyNoRoute            = 312
	ReplyNoConsumers        = 313
	ReplyConnectionForced   = 320
	ReplyInvalidPath        = 402
	ReplyAccessRefused      = 403
	ReplyNotFound           = 404
	ReplyResourceLocked     = 405
	ReplyPreconditionFailed = 406
	ReplyFrameError         = 501
	ReplySyntaxError        = 502
	ReplyCommandInvalid     = 503
	ReplyChannelError       = 504
	ReplyUnexpectedFrame    = 505
	ReplyResourceError      = 506
	ReplyNotAllowed         = 530
	ReplyNotImplemented     = 540
	ReplyInternalError      = 541
)

// ReplyText returns the protocol name of a reply code.
func ReplyText(code int) string {
	switch code {
	case ReplySuccess:
		return "REPLY_SUCCESS"
	case ReplyContentTooLarge:
		return "CONTENT_TOO_LARGE"
	case ReplyNoRoute:
		return "NO_ROUTE"
	case ReplyNoConsumers:
		return "NO_CONSUMERS"
	case ReplyConnectionForced:
		return "CONNECTION_FORCED"
	case ReplyInvalidPath:
		return "INVALID_PATH"
	case ReplyAccessRefused:
		return "ACCESS_REFUSED"
	case ReplyNotFound:
		return "NOT_FOUND"
	case ReplyResourceLocked:
		return "RESOURCE_LOCKED"
	case ReplyPreconditionFailed:
		return "PRECONDITION_FAILED"
	case ReplyFrameError:
		return "FRAME_ERROR"
	case ReplySyntaxError:
		return "SYNTAX_ERROR"
	case ReplyCommandInvalid:
		return "COMMAND_INVALID"
	case ReplyChannelError:
		return "CHANNEL_ERROR"
	case ReplyUnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case ReplyResourceError:
		return "RESOURCE_ERROR"
	case ReplyNotAllowed:
		return "NOT_ALLOWED"
	case ReplyNotImplemented:
		return "NOT_IMPLEMENTED"
	case ReplyInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// CloseInfo describes why a session or channel ended.
//
// Server is true when the broker sent a close method; it is false when the
// transport failed underneath the session (read error, heartbeat timeout).
type CloseInfo struct {
	ClassID   uint16
	MethodID  uint16
	ReplyCode int
	ReplyText string
	Server    bool
}

func (c *CloseInfo) Error() string {
	origin := "client"
	if c.Server {
		origin = "server"
	}
	if c.ClassID != 0 || c.MethodID != 0 {
		return fmt.Sprintf("amqp close %d (%s) from %s on %d.%d: %s",
			c.ReplyCode, ReplyText(c.ReplyCode), origin, c.ClassID, c.MethodID, c.ReplyText)
	}
	return fmt.Sprintf("amqp close %d (%s) from %s: %s", c.ReplyCode, ReplyText(c.ReplyCode), origin, c.ReplyText)
}
