package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a session or channel that has ended.
var ErrClosed = errors.New("transport: closed")

// DialStage tells how far a failed Dial got.
type DialStage int

const (
	// StageConnect means the socket could not be established.
	StageConnect DialStage = iota
	// StageHandshake means the socket was up but the protocol handshake,
	// authentication included, did not complete.
	StageHandshake
)

func (s DialStage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// DialError is returned by Dialer implementations.
type DialError struct {
	Stage   DialStage
	Address string
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("transport: dial %s failed during %s: %v", e.Address, e.Stage, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
