package mmate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-amqp/internal/reliability"
)

// ReconnectOptions configures a delayed reconnect.
type ReconnectOptions struct {
	// Force reconnects even if the connection is open, tearing the current
	// session down through a normal interruption pass first.
	Force bool
	// Settings, if set, replaces the endpoint before the attempt.
	Settings *Settings
}

// scheduler tracks pending reconnect attempts. It is guarded by the
// connection's mu.
type scheduler struct {
	next     uint64
	pending  map[uint64]context.CancelFunc
	periodic slot
	policy   slot
}

// slot holds the single running loop of one kind.
type slot struct {
	id     uint64
	cancel context.CancelFunc
}

func newScheduler() scheduler {
	return scheduler{pending: make(map[uint64]context.CancelFunc)}
}

func (s *scheduler) add(cancel context.CancelFunc) uint64 {
	s.next++
	s.pending[s.next] = cancel
	return s.next
}

func (s *scheduler) remove(id uint64) {
	delete(s.pending, id)
}

// arm installs cancel in sl, cancelling the loop it replaces.
func (s *scheduler) arm(sl *slot, cancel context.CancelFunc) uint64 {
	if sl.cancel != nil {
		sl.cancel()
	}
	s.next++
	sl.id = s.next
	sl.cancel = cancel
	return sl.id
}

// disarm empties sl if it still holds the loop id.
func (s *scheduler) disarm(sl *slot, id uint64) {
	if sl.id == id {
		sl.cancel = nil
	}
}

func (s *scheduler) cancelAll() {
	for id, cancel := range s.pending {
		cancel()
		delete(s.pending, id)
	}
	for _, sl := range []*slot{&s.periodic, &s.policy} {
		if sl.cancel != nil {
			sl.cancel()
			sl.cancel = nil
		}
	}
}

func (s *scheduler) size() int {
	n := len(s.pending)
	if s.periodic.cancel != nil {
		n++
	}
	if s.policy.cancel != nil {
		n++
	}
	return n
}

// Reconnect reconnects now when delay is zero, or schedules a single attempt
// after delay. An immediate reconnect is synchronous and must not be called
// from a callback. With force set, an open connection is torn down and
// reconnected.
func (c *Connection) Reconnect(ctx context.Context, force bool, delay time.Duration) error {
	if delay > 0 {
		return c.ReconnectAfter(delay, ReconnectOptions{Force: force})
	}
	return c.reconnect(ctx, force, nil)
}

// ReconnectTo replaces the endpoint and reconnects immediately, even if the
// connection is open.
func (c *Connection) ReconnectTo(ctx context.Context, settings Settings) error {
	return c.reconnect(ctx, true, &settings)
}

// ReconnectAfter schedules one reconnect attempt after delay. The attempt is
// cancelled by Close, CancelReconnect or any successful reconnect that
// happens first.
func (c *Connection) ReconnectAfter(delay time.Duration, opts ReconnectOptions) error {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	id := c.sched.add(cancel)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.sched.remove(id)
			c.mu.Unlock()
			cancel()
		}()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := c.reconnect(ctx, opts.Force, opts.Settings)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("scheduled reconnect failed", "delay", delay, "error", err)
		}
	}()
	return nil
}

// PeriodicallyReconnect tries to reconnect every interval until a connection
// is established or the loop is cancelled. Only one loop runs per
// connection; arming a new one cancels the previous one.
func (c *Connection) PeriodicallyReconnect(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidSettings)
	}
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	id := c.sched.arm(&c.sched.periodic, cancel)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.sched.disarm(&c.sched.periodic, id)
			c.mu.Unlock()
			cancel()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for attempt := 1; ; attempt++ {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}

			err := c.reconnect(ctx, false, nil)
			if err == nil || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Debug("periodic reconnect failed",
				"attempt", attempt,
				"nextRetryIn", interval,
				"error", err)
		}
	}()
	return nil
}

// CancelReconnect cancels every pending delayed, periodic or automatic
// reconnect attempt. An attempt already dialing is not interrupted.
func (c *Connection) CancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.cancelAll()
}

// PendingReconnects returns the number of scheduled attempts and loops.
func (c *Connection) PendingReconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.size()
}

func (c *Connection) reconnect(ctx context.Context, force bool, settings *Settings) error {
	c.serial.Lock()
	defer c.serial.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if settings != nil {
		c.settings = settings.WithDefaults()
	}
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		if !force {
			return nil
		}
		c.logger.Info("forcing reconnect")
		c.teardownLocked(sess)
	}
	return c.attemptLocked(ctx)
}

// startPolicy runs the configured reconnect policy in the background. The
// first attempt is immediate.
func (c *Connection) startPolicy() {
	policy := c.cfg.policy
	if policy == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	id := c.sched.arm(&c.sched.policy, cancel)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.sched.disarm(&c.sched.policy, id)
			c.mu.Unlock()
			cancel()
		}()
		attempts := 0
		err := reliability.Retry(ctx, policy, func(attempt int) error {
			attempts = attempt + 1
			err := c.reconnect(ctx, false, nil)
			if err != nil && !IsRecoverable(err) {
				return reliability.Permanent(err)
			}
			if err != nil {
				c.logger.Debug("automatic reconnect attempt failed",
					"attempt", attempts,
					"error", err)
			}
			return err
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Error("automatic reconnect gave up",
				"attempts", attempts,
				"error", err)
		}
	}()
}

// Unlimited as maxRetries makes a policy retry until cancelled.
const Unlimited = reliability.Unlimited

// FixedInterval retries every interval, at most maxRetries times.
func FixedInterval(interval time.Duration, maxRetries int) ReconnectPolicy {
	return reliability.NewFixed(interval, maxRetries)
}

// LinearBackoff waits interval, then twice interval and so on, with jitter.
func LinearBackoff(interval time.Duration, maxRetries int) ReconnectPolicy {
	return reliability.NewLinear(interval, maxRetries)
}

// ExponentialBackoff multiplies the delay after each failed attempt, up to
// max.
func ExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) ReconnectPolicy {
	return reliability.NewExponential(initial, max, multiplier, maxRetries)
}
