// Package rabbitmq provides the RabbitMQ transport for mmate connections.
package rabbitmq

import (
	"log/slog"

	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/glimte/mmate-amqp/transport"
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger used for dial and consumer diagnostics
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewDialer creates a dialer backed by amqp091-go
func NewDialer(options ...TransportOption) transport.Dialer {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	return rabbitmq.NewDialer(rabbitmq.WithLogger(cfg.Logger))
}

// ParseURL parses an AMQP URI into connection settings
func ParseURL(url string) (transport.Settings, error) {
	return rabbitmq.ParseURL(url)
}
