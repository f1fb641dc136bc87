// Package config loads the monitor CLI configuration: the broker endpoint,
// the reconnect policy and the topology to declare.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mmate "github.com/glimte/mmate-amqp"
)

// Config represents the top-level configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// BrokerConfig holds the connection settings.
type BrokerConfig struct {
	URL                 string `yaml:"url"`
	ConnectionName      string `yaml:"connection_name"`
	ChannelMax          uint16 `yaml:"channel_max"`
	ReconnectOnShutdown bool   `yaml:"reconnect_on_shutdown"`
}

// ReconnectConfig selects the automatic reconnect policy.
type ReconnectConfig struct {
	Policy      string        `yaml:"policy"` // none, fixed, linear, exponential
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxRetries  int           `yaml:"max_retries"` // 0 = unlimited
}

// ServerConfig holds the metrics and health endpoint settings.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	JournalSize int    `yaml:"journal_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ChannelConfig is one channel and the topology declared on it.
type ChannelConfig struct {
	Name         string           `yaml:"name"`
	AutoRecovery *bool            `yaml:"auto_recovery"` // nil = true
	Exchanges    []ExchangeConfig `yaml:"exchanges"`
	Queues       []QueueConfig    `yaml:"queues"`
}

// ExchangeConfig declares an exchange.
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Internal   bool   `yaml:"internal"`
}

// QueueConfig declares a queue. An empty name declares a server-named queue.
type QueueConfig struct {
	Name       string           `yaml:"name"`
	Durable    bool             `yaml:"durable"`
	AutoDelete bool             `yaml:"auto_delete"`
	Exclusive  bool             `yaml:"exclusive"`
	Bindings   []BindingConfig  `yaml:"bindings"`
	Consumers  []ConsumerConfig `yaml:"consumers"`
}

// BindingConfig binds the enclosing queue to an exchange.
type BindingConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// ConsumerConfig subscribes to the enclosing queue. An empty tag lets the
// broker assign one.
type ConsumerConfig struct {
	Tag       string `yaml:"tag"`
	AutoAck   bool   `yaml:"auto_ack"`
	Exclusive bool   `yaml:"exclusive"`
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":9090"
	}
	if c.Server.JournalSize == 0 {
		c.Server.JournalSize = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Reconnect.Policy == "" {
		c.Reconnect.Policy = "exponential"
	}
	if c.Reconnect.Interval == 0 {
		c.Reconnect.Interval = time.Second
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = 30 * time.Second
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2
	}

	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("channel-%d", i+1)
		}
		for j := range ch.Exchanges {
			if ch.Exchanges[j].Type == "" {
				ch.Exchanges[j].Type = "direct"
			}
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	} else if _, err := mmate.ParseURL(c.Broker.URL); err != nil {
		errs = append(errs, fmt.Errorf("broker.url: %w", err))
	}

	switch c.Reconnect.Policy {
	case "none":
	case "fixed", "linear", "exponential":
		if c.Reconnect.Interval <= 0 {
			errs = append(errs, errors.New("reconnect.interval must be positive"))
		}
		if c.Reconnect.MaxRetries < 0 {
			errs = append(errs, errors.New("reconnect.max_retries must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("reconnect.policy %q is not one of none, fixed, linear, exponential", c.Reconnect.Policy))
	}
	if c.Reconnect.Policy == "exponential" && c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}

	if c.Server.JournalSize < 0 {
		errs = append(errs, errors.New("server.journal_size must not be negative"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", f))
	}

	if c.Broker.ChannelMax > 0 && len(c.Channels) > int(c.Broker.ChannelMax) {
		errs = append(errs, fmt.Errorf("%d channels exceed broker.channel_max %d", len(c.Channels), c.Broker.ChannelMax))
	}

	tags := make(map[string]string)
	for _, ch := range c.Channels {
		for _, ex := range ch.Exchanges {
			if ex.Name == "" {
				errs = append(errs, fmt.Errorf("%s: exchange name is required", ch.Name))
			}
		}
		for _, q := range ch.Queues {
			for _, b := range q.Bindings {
				if b.Exchange == "" {
					errs = append(errs, fmt.Errorf("%s: binding of queue %q has no exchange", ch.Name, q.Name))
				}
			}
			for _, cons := range q.Consumers {
				if cons.Tag == "" {
					continue
				}
				if prev, ok := tags[cons.Tag]; ok {
					errs = append(errs, fmt.Errorf("%s: consumer tag %q already used on %s", ch.Name, cons.Tag, prev))
					continue
				}
				tags[cons.Tag] = ch.Name
			}
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", l.Level)
	}
}

// ReconnectPolicy builds the configured policy. It returns nil for "none".
func (r ReconnectConfig) ReconnectPolicy() mmate.ReconnectPolicy {
	retries := r.MaxRetries
	if retries == 0 {
		retries = mmate.Unlimited
	}
	switch r.Policy {
	case "fixed":
		return mmate.FixedInterval(r.Interval, retries)
	case "linear":
		return mmate.LinearBackoff(r.Interval, retries)
	case "exponential":
		return mmate.ExponentialBackoff(r.Interval, r.MaxInterval, r.Multiplier, retries)
	default:
		return nil
	}
}

// Options translates the configuration into connection options.
func (c *Config) Options() []mmate.Option {
	opts := []mmate.Option{
		mmate.WithReconnectOnShutdown(c.Broker.ReconnectOnShutdown),
	}
	if policy := c.Reconnect.ReconnectPolicy(); policy != nil {
		opts = append(opts, mmate.WithReconnectPolicy(policy))
	}
	if c.Broker.ConnectionName != "" {
		opts = append(opts, mmate.WithConnectionName(c.Broker.ConnectionName))
	}
	if c.Broker.ChannelMax > 0 {
		opts = append(opts, mmate.WithChannelMax(c.Broker.ChannelMax))
	}
	return opts
}

// AutoRecoveryEnabled reports the channel's auto-recovery flag.
func (ch ChannelConfig) AutoRecoveryEnabled() bool {
	return ch.AutoRecovery == nil || *ch.AutoRecovery
}
