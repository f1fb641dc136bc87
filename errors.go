package mmate

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrClosed          = errors.New("mmate: connection is closed")
	ErrNotOpen         = errors.New("mmate: connection is not open")
	ErrForcedReconnect = errors.New("mmate: session torn down by forced reconnect")

	// Channel errors
	ErrChannelClosed   = errors.New("mmate: channel is closed")
	ErrChannelReleased = errors.New("mmate: channel was released")
	ErrChannelLimit    = errors.New("mmate: channel limit reached")

	// Recovery errors
	ErrRecoveryOrder = errors.New("mmate: recovery step out of order")

	// General errors
	ErrInvalidSettings = errors.New("mmate: invalid settings")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Endpoint (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("mmate connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mmate connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID uint16    // Channel number
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("mmate channel error: %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a declaration or deletion error
type TopologyError struct {
	Component string    // exchange, queue, binding or consumer
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("mmate topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// RecoveryError reports the recovery step that failed on a channel.
type RecoveryError struct {
	ChannelID uint16
	Step      string
	Entity    string
	Err       error
	Timestamp time.Time
}

func (e *RecoveryError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("mmate recovery error: %s '%s' on channel %d: %v", e.Step, e.Entity, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("mmate recovery error: %s on channel %d: %v", e.Step, e.ChannelID, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err leaves the connection in a state that a
// reconnect can repair.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrClosed):
		return false
	case errors.Is(err, ErrInvalidSettings):
		return false
	case errors.Is(err, ErrChannelReleased):
		return false
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind != AuthenticationFailed
	}
	return true
}

// SanitizeURL removes the password from an AMQP URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
