package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/transport"
)

var (
	// ErrInvalidURL is returned by ParseURL for malformed AMQP URIs
	ErrInvalidURL = errors.New("rabbitmq: invalid url")
	// ErrDialTimeout is returned when the dial does not finish in time
	ErrDialTimeout = errors.New("rabbitmq: dial timeout")
)

// closeInfo converts an amqp091 close reason.
func closeInfo(e *amqp.Error) *transport.CloseInfo {
	if e == nil {
		return nil
	}
	return &transport.CloseInfo{
		ReplyCode: e.Code,
		ReplyText: e.Reason,
		Server:    e.Server,
	}
}

// translate maps amqp091 errors onto transport errors. Other errors are
// returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return transport.ErrClosed
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return closeInfo(amqpErr)
	}
	return err
}

// SanitizeURL removes the password from a connection URL
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

func invalidURL(raw string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrInvalidURL, SanitizeURL(raw), err)
}
