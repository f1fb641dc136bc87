package mmate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-amqp/transport"
)

type recoveryStep uint8

const (
	stepReopen recoveryStep = 1 << iota
	stepExchanges
	stepQueues
	stepBindings
	stepConsumers

	allSteps = stepReopen | stepExchanges | stepQueues | stepBindings | stepConsumers
)

var stepOrder = []recoveryStep{stepReopen, stepExchanges, stepQueues, stepBindings, stepConsumers}

func (s recoveryStep) String() string {
	switch s {
	case stepReopen:
		return "reopen"
	case stepExchanges:
		return "exchanges"
	case stepQueues:
		return "queues"
	case stepBindings:
		return "bindings"
	case stepConsumers:
		return "consumers"
	default:
		return fmt.Sprintf("steps(%#x)", uint8(s))
	}
}

// errAborted means the channel was reset, or the session replaced, while a
// step was running.
var errAborted = errors.New("mmate: recovery aborted")

// recoverLocked replays recorded state on sess for every channel whose
// auto-recovery flag is set now. A failing channel is reported through its
// error handler and does not stop its siblings. If sess dies, recovery stops
// without reporting. serial must be held.
func (c *Connection) recoverLocked(ctx context.Context, sess transport.Session) {
	var auto []*Channel
	for _, ch := range c.Channels() {
		if ch.AutoRecovery() {
			auto = append(auto, ch)
		}
	}
	if len(auto) == 0 {
		return
	}

	for _, ch := range auto {
		ch.fireRecovery(false)
	}

	c.mu.Lock()
	c.replaying = true
	c.replayDone = make(chan struct{})
	gens := make(map[*Channel]uint64, len(auto))
	for _, ch := range auto {
		if ch.state == ChannelReleased {
			continue
		}
		ch.state = ChannelRecovering
		ch.recovered = make(chan struct{})
		gens[ch] = ch.generation
	}
	c.mu.Unlock()

	type failure struct {
		ch  *Channel
		err error
	}
	var (
		failures  []failure
		recovered []*Channel
		aborted   bool
	)
	for _, ch := range auto {
		gen, ok := gens[ch]
		if !ok {
			continue
		}
		start := time.Now()
		err := ch.replay(ctx, sess, gen, allSteps)
		switch {
		case err == nil:
			recovered = append(recovered, ch)
			c.metrics.RecordRecovery(ch.id, true, time.Since(start))
			c.logger.Info("channel recovered", "channel", ch.id, "duration", time.Since(start))
		case errors.Is(err, errAborted):
			if !c.sessionIs(sess) {
				aborted = true
			}
		default:
			c.metrics.RecordRecovery(ch.id, false, time.Since(start))
			if ch.abandon(gen) {
				failures = append(failures, failure{ch: ch, err: err})
			}
		}
		if aborted {
			break
		}
	}

	c.mu.Lock()
	for ch := range gens {
		if ch.state != ChannelRecovering {
			continue
		}
		if aborted {
			ch.resetLocked()
			continue
		}
		ch.state = ChannelOpen
		close(ch.recovered)
		ch.recovered = nil
	}
	c.replaying = false
	close(c.replayDone)
	c.mu.Unlock()

	if aborted {
		c.logger.Warn("session lost during recovery")
		return
	}

	for _, f := range failures {
		f.ch.reportRecoveryFailure(f.err)
	}
	for _, ch := range recovered {
		ch.fireRecovery(true)
	}
}

func (c *Connection) sessionIs(sess transport.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == sess && !sess.IsClosed()
}

// Reopen opens a fresh transport channel under the same number. It is the
// first manual recovery step and is a no-op once done for the current reset.
func (ch *Channel) Reopen(ctx context.Context) error {
	return ch.recoverSteps(ctx, stepReopen)
}

// RecoverExchanges redeclares recorded exchanges in declaration order.
func (ch *Channel) RecoverExchanges(ctx context.Context) error {
	return ch.recoverSteps(ctx, stepExchanges)
}

// RecoverQueues redeclares recorded queues in declaration order. Server-named
// queues get a new name.
func (ch *Channel) RecoverQueues(ctx context.Context) error {
	return ch.recoverSteps(ctx, stepQueues)
}

// RecoverBindings reapplies recorded bindings. Queues must be recovered first.
func (ch *Channel) RecoverBindings(ctx context.Context) error {
	return ch.recoverSteps(ctx, stepBindings)
}

// RecoverConsumers re-registers recorded consumers. Queues must be recovered
// first.
func (ch *Channel) RecoverConsumers(ctx context.Context) error {
	return ch.recoverSteps(ctx, stepConsumers)
}

// Recover runs every recovery step not yet done for the current reset.
func (ch *Channel) Recover(ctx context.Context) error {
	return ch.recoverSteps(ctx, allSteps)
}

// recoverSteps runs the given steps manually. Steps already completed since
// the last reset are skipped, so repeating a call issues no broker calls. A
// failing step closes the channel and is reported through its error handler.
func (ch *Channel) recoverSteps(ctx context.Context, steps recoveryStep) error {
	c := ch.conn
	c.mu.Lock()
	for ch.state == ChannelRecovering {
		wait := ch.recovered
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if ch.state == ChannelReleased {
		c.mu.Unlock()
		return ErrChannelReleased
	}
	sess := c.session
	done := ch.steps
	gen := ch.generation
	c.mu.Unlock()

	pending := steps &^ done
	if pending == 0 {
		return nil
	}
	if sess == nil {
		return ErrNotOpen
	}

	have := done | pending
	if pending&^stepReopen != 0 && have&stepReopen == 0 {
		return fmt.Errorf("%w: channel %d must be reopened first", ErrRecoveryOrder, ch.id)
	}
	if pending&(stepBindings|stepConsumers) != 0 && have&stepQueues == 0 {
		return fmt.Errorf("%w: queues on channel %d must be recovered first", ErrRecoveryOrder, ch.id)
	}

	start := time.Now()
	err := ch.replay(ctx, sess, gen, pending)
	switch {
	case err == nil:
		if pending&stepConsumers != 0 || ch.stepsDone(allSteps) {
			c.metrics.RecordRecovery(ch.id, true, time.Since(start))
		}
		c.logger.Debug("channel recovery steps done", "channel", ch.id, "steps", pending)
		return nil
	case errors.Is(err, errAborted):
		if !c.sessionIs(sess) {
			return ErrNotOpen
		}
		return ErrChannelClosed
	default:
		c.metrics.RecordRecovery(ch.id, false, time.Since(start))
		if ch.abandon(gen) {
			ch.reportRecoveryFailure(err)
		}
		return err
	}
}

func (ch *Channel) stepsDone(steps recoveryStep) bool {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.steps&steps == steps
}

// replay runs steps in protocol order for generation gen.
func (ch *Channel) replay(ctx context.Context, sess transport.Session, gen uint64, steps recoveryStep) error {
	for _, step := range stepOrder {
		if steps&step == 0 {
			continue
		}
		if err := ch.runStep(ctx, sess, gen, step); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) runStep(ctx context.Context, sess transport.Session, gen uint64, step recoveryStep) error {
	c := ch.conn
	c.mu.Lock()
	if ch.generation != gen || c.session != sess {
		c.mu.Unlock()
		return errAborted
	}
	if ch.steps&step != 0 {
		c.mu.Unlock()
		return nil
	}
	tch := ch.tch
	c.mu.Unlock()

	if step != stepReopen && tch == nil {
		return fmt.Errorf("%w: channel %d is not reopened", ErrRecoveryOrder, ch.id)
	}

	var err error
	switch step {
	case stepReopen:
		err = ch.reopen(ctx, sess, gen)
	case stepExchanges:
		err = ch.recoverExchanges(ctx, tch, gen)
	case stepQueues:
		err = ch.recoverQueues(ctx, tch, gen)
	case stepBindings:
		err = ch.recoverBindings(ctx, tch, gen)
	case stepConsumers:
		err = ch.recoverConsumers(ctx, tch, gen)
	}
	if err != nil {
		if errors.Is(err, errAborted) || !c.sessionIs(sess) {
			return errAborted
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.generation != gen {
		return errAborted
	}
	ch.steps |= step
	return nil
}

func (ch *Channel) reopen(ctx context.Context, sess transport.Session, gen uint64) error {
	tch, err := sess.OpenChannel(ctx, ch.id)
	if err != nil {
		return ch.stepError(stepReopen, "", err)
	}

	c := ch.conn
	c.mu.Lock()
	if ch.generation != gen || c.session != sess {
		c.mu.Unlock()
		_ = tch.Close()
		return errAborted
	}
	ch.tch = tch
	if ch.state == ChannelClosed {
		ch.state = ChannelOpen
	}
	c.mu.Unlock()

	c.watchChannel(ch, tch)
	return nil
}

func (ch *Channel) recoverExchanges(ctx context.Context, tch transport.Channel, gen uint64) error {
	c := ch.conn
	c.mu.Lock()
	exchanges := append([]*Exchange(nil), ch.exchanges...)
	c.mu.Unlock()

	for _, ex := range exchanges {
		spec := ex.Spec()
		if err := tch.ExchangeDeclare(ctx, spec); err != nil {
			return ch.stepError(stepExchanges, spec.Name, err)
		}
		if err := ch.markLive(gen, func() { ex.live = true }); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) recoverQueues(ctx context.Context, tch transport.Channel, gen uint64) error {
	c := ch.conn
	c.mu.Lock()
	queues := append([]*Queue(nil), ch.queues...)
	c.mu.Unlock()

	for _, q := range queues {
		c.mu.Lock()
		spec := q.spec
		old := q.name
		c.mu.Unlock()
		if q.serverNamed {
			spec.Name = ""
		}

		name, err := tch.QueueDeclare(ctx, spec)
		if err != nil {
			return ch.stepError(stepQueues, old, err)
		}
		if err := ch.markLive(gen, func() {
			q.name = name
			q.live = true
		}); err != nil {
			return err
		}
		if name != old {
			c.logger.Info("server-named queue recovered under a new name",
				"channel", ch.id,
				"old", old,
				"new", name)
		}
	}
	return nil
}

func (ch *Channel) recoverBindings(ctx context.Context, tch transport.Channel, gen uint64) error {
	c := ch.conn
	c.mu.Lock()
	queues := append([]*Queue(nil), ch.queues...)
	c.mu.Unlock()

	for _, q := range queues {
		c.mu.Lock()
		name := q.name
		bindings := append([]*binding(nil), q.bindings...)
		c.mu.Unlock()

		for _, b := range bindings {
			spec := transport.BindingSpec{
				Queue:      name,
				Exchange:   b.Exchange,
				RoutingKey: b.RoutingKey,
				Args:       b.Args,
			}
			if err := tch.QueueBind(ctx, spec); err != nil {
				return ch.stepError(stepBindings, name, err)
			}
			if err := ch.markLive(gen, func() { b.live = true }); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ch *Channel) recoverConsumers(ctx context.Context, tch transport.Channel, gen uint64) error {
	c := ch.conn
	c.mu.Lock()
	queues := append([]*Queue(nil), ch.queues...)
	c.mu.Unlock()

	for _, q := range queues {
		c.mu.Lock()
		name := q.name
		consumers := append([]*Consumer(nil), q.consumers...)
		c.mu.Unlock()

		for _, cons := range consumers {
			c.mu.Lock()
			spec := consumeSpec(name, cons.opts)
			c.mu.Unlock()

			tag, err := tch.Consume(ctx, spec, cons.dispatch)
			if err != nil {
				return ch.stepError(stepConsumers, spec.Tag, err)
			}
			if err := ch.markLive(gen, func() {
				cons.tag = tag
				cons.live = true
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// markLive applies fn under the lock if the channel has not been reset since
// gen.
func (ch *Channel) markLive(gen uint64, fn func()) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	if ch.generation != gen {
		return errAborted
	}
	fn()
	return nil
}

func (ch *Channel) stepError(step recoveryStep, entity string, err error) error {
	return &RecoveryError{
		ChannelID: ch.id,
		Step:      step.String(),
		Entity:    entity,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// abandon resets the channel after a failed step of generation gen. It
// reports false if the channel was reset by someone else meanwhile.
func (ch *Channel) abandon(gen uint64) bool {
	c := ch.conn
	c.mu.Lock()
	if ch.generation != gen {
		c.mu.Unlock()
		return false
	}
	tch := ch.tch
	ch.resetLocked()
	c.mu.Unlock()

	if tch != nil {
		_ = tch.Close()
	}
	return true
}

func (ch *Channel) reportRecoveryFailure(err error) {
	c := ch.conn
	info := closeInfoOf(err)
	var protocol *CloseInfo
	if errors.As(err, &protocol) {
		c.metrics.RecordFailure(ChannelProtocolError)
	}
	c.logger.Error("channel recovery failed",
		"channel", ch.id,
		"replyCode", info.ReplyCode,
		"error", err)
	ch.callErrorHandler(info)
}

// fireRecovery runs the before- or after-recovery callbacks of the channel
// and every entity recorded on it, top down.
func (ch *Channel) fireRecovery(after bool) {
	type recoverable interface {
		fireBefore(name string)
		fireAfter(name string)
	}
	fire := func(n recoverable, name string) {
		if after {
			n.fireAfter(name)
		} else {
			n.fireBefore(name)
		}
	}

	c := ch.conn
	c.mu.Lock()
	exchanges := append([]*Exchange(nil), ch.exchanges...)
	queues := append([]*Queue(nil), ch.queues...)
	c.mu.Unlock()

	fire(&ch.node, "channel")
	for _, ex := range exchanges {
		fire(&ex.node, "exchange")
	}
	for _, q := range queues {
		fire(&q.node, "queue")

		c.mu.Lock()
		consumers := append([]*Consumer(nil), q.consumers...)
		c.mu.Unlock()
		for _, cons := range consumers {
			fire(&cons.node, "consumer")
		}
	}
}
