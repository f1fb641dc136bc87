package health

import (
	"context"
	"fmt"
	"time"

	mmate "github.com/glimte/mmate-amqp"
)

// ConnectionChecker reports the lifecycle state of a connection. An open
// connection is healthy, one that is being reconnected is degraded, and any
// other state is unhealthy.
type ConnectionChecker struct {
	conn *mmate.Connection
	name string
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(name string, conn *mmate.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn, name: name}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()
	pending := c.conn.PendingReconnects()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":              state.String(),
			"episode":            c.conn.Episode(),
			"endpoint":           c.conn.Settings().String(),
			"pending_reconnects": pending,
		},
	}

	switch state {
	case mmate.StateOpen:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	case mmate.StateConnecting, mmate.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connection is %s", state)
	case mmate.StateInterrupted, mmate.StateConnectFailed:
		// Still recoverable while an attempt is scheduled.
		if pending > 0 {
			result.Status = StatusDegraded
		} else {
			result.Status = StatusUnhealthy
		}
		result.Message = fmt.Sprintf("Connection is %s", state)
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// ChannelChecker reports channels that are not open. A connection with some
// closed channels is degraded; one where no channel is open is unhealthy.
type ChannelChecker struct {
	conn *mmate.Connection
	name string
}

// NewChannelChecker creates a checker over the channels of conn
func NewChannelChecker(name string, conn *mmate.Connection) *ChannelChecker {
	return &ChannelChecker{conn: conn, name: name}
}

func (c *ChannelChecker) Name() string {
	return c.name
}

func (c *ChannelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	channels := c.conn.Channels()
	var open, notOpen []uint16
	for _, ch := range channels {
		if ch.State() == mmate.ChannelOpen {
			open = append(open, ch.ID())
		} else {
			notOpen = append(notOpen, ch.ID())
		}
	}
	result.Details["channels"] = len(channels)
	result.Details["open"] = len(open)
	if len(notOpen) > 0 {
		result.Details["not_open"] = notOpen
	}

	switch {
	case len(notOpen) == 0:
		result.Status = StatusHealthy
		result.Message = "All channels are open"
	case len(open) == 0:
		result.Status = StatusUnhealthy
		result.Message = "No channel is open"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d channels are not open", len(notOpen), len(channels))
	}

	result.Duration = time.Since(start)
	return result
}
