package mmate

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/transport"
)

// DefaultChannelMax is the highest channel number allocated when no limit is
// configured.
const DefaultChannelMax = 2047

type config struct {
	logger              *slog.Logger
	dialer              transport.Dialer
	policy              ReconnectPolicy
	reconnectOnShutdown bool
	autoRecovery        bool
	channelMax          uint16
	metrics             MetricsRecorder
	connectionName      string
}

// Option configures a Connection
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091-backed dialer.
func WithDialer(dialer transport.Dialer) Option {
	return func(c *config) {
		c.dialer = dialer
	}
}

// WithReconnectPolicy enables automatic reconnection after an interruption.
// Without a policy the connection waits for an explicit Reconnect.
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(c *config) {
		c.policy = policy
	}
}

// WithReconnectOnShutdown makes the reconnect policy also run after a broker
// forced closure (reply code 320).
func WithReconnectOnShutdown(enabled bool) Option {
	return func(c *config) {
		c.reconnectOnShutdown = enabled
	}
}

// WithAutoRecovery sets the initial auto-recovery flag of new channels.
func WithAutoRecovery(enabled bool) Option {
	return func(c *config) {
		c.autoRecovery = enabled
	}
}

// WithChannelMax limits the channel numbers handed out.
func WithChannelMax(max uint16) Option {
	return func(c *config) {
		c.channelMax = max
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder MetricsRecorder) Option {
	return func(c *config) {
		c.metrics = recorder
	}
}

// WithConnectionName sets the client-provided connection name shown by the
// broker.
func WithConnectionName(name string) Option {
	return func(c *config) {
		c.connectionName = name
	}
}

func defaultConfig() config {
	return config{
		logger:       slog.Default(),
		autoRecovery: true,
		channelMax:   DefaultChannelMax,
		metrics:      noopMetrics{},
	}
}

// ReconnectPolicy decides how often and how many times the automatic
// reconnect loop tries again. The policies in internal/reliability implement
// it.
type ReconnectPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}
