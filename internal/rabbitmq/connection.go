package rabbitmq

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/transport"
)

// Dialer dials amqp091 connections.
type Dialer struct {
	logger *slog.Logger
}

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDialer creates a new dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

var _ transport.Dialer = (*Dialer)(nil)

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial implements transport.Dialer. A failure is always a
// *transport.DialError whose Stage tells whether the socket came up.
func (d *Dialer) Dial(ctx context.Context, settings transport.Settings) (transport.Session, error) {
	settings = settings.WithDefaults()
	addr := settings.Address()

	var connected atomic.Bool
	cfg := amqp.Config{
		Vhost:     settings.VHost,
		Heartbeat: settings.Heartbeat,
		SASL: []amqp.Authentication{
			&amqp.PlainAuth{Username: settings.Username, Password: settings.Password},
		},
		Properties: amqp.NewConnectionProperties(),
		Dial: func(network, address string) (net.Conn, error) {
			nd := &net.Dialer{Timeout: settings.Timeout}
			conn, err := nd.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			connected.Store(true)
			// amqp091 clears the deadline once the handshake is done
			if err := conn.SetDeadline(time.Now().Add(settings.Timeout)); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	if settings.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(settings.ConnectionName)
	}

	resultChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(settings.URI(), cfg)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, d.dialError(addr, &connected, translate(res.err))
		}
		d.logger.Debug("connected to RabbitMQ",
			"address", addr,
			"vhost", settings.VHost)
		return newSession(res.conn, d.logger), nil

	case <-ctx.Done():
		// The dial finishes on its own because of the socket deadline.
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			err = ErrDialTimeout
		}
		return nil, d.dialError(addr, &connected, err)
	}
}

func (d *Dialer) dialError(addr string, connected *atomic.Bool, err error) error {
	stage := transport.StageConnect
	if connected.Load() {
		stage = transport.StageHandshake
	}
	d.logger.Debug("dial failed",
		"address", addr,
		"stage", stage.String(),
		"error", err)
	return &transport.DialError{Stage: stage, Address: addr, Err: err}
}

// session wraps one amqp091 connection.
type session struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

var _ transport.Session = (*session)(nil)

func newSession(conn *amqp.Connection, logger *slog.Logger) *session {
	return &session{conn: conn, logger: logger}
}

// OpenChannel implements transport.Session. amqp091 allocates its own wire
// channel numbers, so id is only used for logging.
func (s *session) OpenChannel(ctx context.Context, id uint16) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, translate(err)
	}
	return newChannel(s.conn, ch, s.logger.With("channel", id)), nil
}

// NotifyClose implements transport.Session.
func (s *session) NotifyClose(receiver chan *transport.CloseInfo) chan *transport.CloseInfo {
	src := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	go forwardClose(src, receiver, nil)
	return receiver
}

// IsClosed implements transport.Session.
func (s *session) IsClosed() bool {
	return s.conn.IsClosed()
}

// Close implements transport.Session.
func (s *session) Close() error {
	return translate(s.conn.Close())
}

// forwardClose relays at most one close reason from src to dst and then
// closes dst. A reason for which drop returns true is swallowed.
func forwardClose(src <-chan *amqp.Error, dst chan *transport.CloseInfo, drop func() bool) {
	defer close(dst)
	e, ok := <-src
	if !ok || e == nil {
		return
	}
	if drop != nil && drop() {
		return
	}
	dst <- closeInfo(e)
}
