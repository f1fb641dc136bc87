package mmate

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-amqp/transport"
)

// Channel is a numbered virtual connection. It records the exchanges and
// queues declared through it so that they can be replayed after an
// interruption.
type Channel struct {
	node[Channel]

	id           uint16
	state        ChannelState
	autoRecovery bool
	tch          transport.Channel

	// generation counts resets; steps holds the recovery steps completed in
	// the current generation.
	generation uint64
	steps      recoveryStep
	recovered  chan struct{}

	exchanges    []*Exchange
	queues       []*Queue
	errorHandler func(*Channel, *CloseInfo)
}

// OpenChannel opens a channel on the current session. It waits while the
// connection is replaying recorded state.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	for c.replaying {
		done := c.replayDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil, ErrNotOpen
	}
	id, err := c.allocateIDLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tch, err := sess.OpenChannel(ctx, id)
	if err != nil {
		c.mu.Lock()
		c.releaseIDLocked(id)
		c.mu.Unlock()
		return nil, &ChannelError{Op: "open", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	ch := &Channel{
		id:           id,
		state:        ChannelOpen,
		autoRecovery: c.cfg.autoRecovery,
		tch:          tch,
		steps:        allSteps,
	}
	ch.node.init(ch, c)

	c.mu.Lock()
	if c.session != sess {
		c.releaseIDLocked(id)
		c.mu.Unlock()
		_ = tch.Close()
		return nil, ErrNotOpen
	}
	c.channels[id] = ch
	c.mu.Unlock()

	c.watchChannel(ch, tch)
	c.logger.Debug("channel opened", "channel", id)
	return ch, nil
}

// Channel returns the registered channel with the given number.
func (c *Connection) Channel(id uint16) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// ID returns the channel number. It does not change across recovery.
func (ch *Channel) ID() uint16 {
	return ch.id
}

// Connection returns the owning connection.
func (ch *Channel) Connection() *Connection {
	return ch.conn
}

// State returns the channel lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.state
}

// AutoRecovery reports whether the channel is replayed automatically after a
// reconnect. The value is read when recovery begins.
func (ch *Channel) AutoRecovery() bool {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.autoRecovery
}

// SetAutoRecovery changes the auto-recovery flag. It may be called at any
// time, including from interruption callbacks.
func (ch *Channel) SetAutoRecovery(enabled bool) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.autoRecovery = enabled
}

// OnError installs the handler for broker channel closes and recovery
// failures. It replaces any previous handler.
func (ch *Channel) OnError(fn func(*Channel, *CloseInfo)) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.errorHandler = fn
}

// Exchanges returns the exchanges declared on the current session, in
// declaration order.
func (ch *Channel) Exchanges() []*Exchange {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.liveExchangesLocked()
}

// Queues returns the queues declared on the current session, in declaration
// order.
func (ch *Channel) Queues() []*Queue {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.liveQueuesLocked()
}

func (ch *Channel) liveExchangesLocked() []*Exchange {
	var out []*Exchange
	for _, ex := range ch.exchanges {
		if ex.live {
			out = append(out, ex)
		}
	}
	return out
}

func (ch *Channel) liveQueuesLocked() []*Queue {
	var out []*Queue
	for _, q := range ch.queues {
		if q.live {
			out = append(out, q)
		}
	}
	return out
}

// ExchangeDeclare declares an exchange and records it for recovery.
// Redeclaring a recorded name updates the record.
func (ch *Channel) ExchangeDeclare(ctx context.Context, spec ExchangeSpec) (*Exchange, error) {
	tch, gen, err := ch.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := tch.ExchangeDeclare(ctx, spec); err != nil {
		return nil, &TopologyError{Component: "exchange", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	ex := ch.findExchangeLocked(spec.Name)
	if ex == nil {
		ex = &Exchange{ch: ch}
		ex.node.init(ex, c)
		ch.exchanges = append(ch.exchanges, ex)
	}
	ex.spec = spec
	if ch.generation == gen {
		ex.live = true
	}
	return ex, nil
}

// QueueDeclare declares a queue and records it for recovery. A spec with an
// empty name declares a server-named queue.
func (ch *Channel) QueueDeclare(ctx context.Context, spec QueueSpec) (*Queue, error) {
	tch, gen, err := ch.acquire(ctx)
	if err != nil {
		return nil, err
	}
	name, err := tch.QueueDeclare(ctx, spec)
	if err != nil {
		return nil, &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	var q *Queue
	if spec.Name != "" {
		q = ch.findQueueLocked(spec.Name)
	}
	if q == nil {
		q = &Queue{ch: ch, serverNamed: spec.Name == ""}
		q.node.init(q, c)
		ch.queues = append(ch.queues, q)
	}
	q.spec = spec
	q.name = name
	if ch.generation == gen {
		q.live = true
	}
	return q, nil
}

// Publish sends a message. It is not recorded and not replayed.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	tch, _, err := ch.acquire(ctx)
	if err != nil {
		return err
	}
	if err := tch.Publish(ctx, exchange, routingKey, msg); err != nil {
		return &ChannelError{Op: "publish", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Close releases the channel and its number. Its recorded state is dropped.
func (ch *Channel) Close() error {
	c := ch.conn
	c.mu.Lock()
	if ch.state == ChannelReleased {
		c.mu.Unlock()
		return ErrChannelReleased
	}
	tch := ch.tch
	ch.state = ChannelReleased
	ch.resetLocked()
	ch.exchanges = nil
	ch.queues = nil
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
		c.releaseIDLocked(ch.id)
	}
	c.mu.Unlock()

	c.logger.Debug("channel released", "channel", ch.id)
	if tch == nil {
		return nil
	}
	if err := tch.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return &ChannelError{Op: "close", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// acquire returns the transport channel for an application operation. It
// waits while the channel is replaying recorded state.
func (ch *Channel) acquire(ctx context.Context) (transport.Channel, uint64, error) {
	c := ch.conn
	for {
		c.mu.Lock()
		switch ch.state {
		case ChannelRecovering:
			wait := ch.recovered
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		case ChannelOpen:
			tch, gen := ch.tch, ch.generation
			c.mu.Unlock()
			if tch == nil {
				return nil, 0, ErrChannelClosed
			}
			return tch, gen, nil
		case ChannelReleased:
			c.mu.Unlock()
			return nil, 0, ErrChannelReleased
		default:
			c.mu.Unlock()
			return nil, 0, ErrChannelClosed
		}
	}
}

// resetLocked clears protocol state while keeping records and callback
// registrations.
func (ch *Channel) resetLocked() {
	if ch.state != ChannelReleased {
		ch.state = ChannelClosed
	}
	ch.tch = nil
	ch.generation++
	ch.steps = 0
	for _, ex := range ch.exchanges {
		ex.live = false
	}
	for _, q := range ch.queues {
		q.resetLocked()
	}
	if ch.recovered != nil {
		close(ch.recovered)
		ch.recovered = nil
	}
}

func (ch *Channel) findExchangeLocked(name string) *Exchange {
	for _, ex := range ch.exchanges {
		if ex.spec.Name == name {
			return ex
		}
	}
	return nil
}

func (ch *Channel) findQueueLocked(name string) *Queue {
	for _, q := range ch.queues {
		if !q.serverNamed && q.spec.Name == name {
			return q
		}
	}
	return nil
}

func (ch *Channel) removeExchangeLocked(ex *Exchange) {
	for i, e := range ch.exchanges {
		if e == ex {
			ch.exchanges = append(ch.exchanges[:i], ch.exchanges[i+1:]...)
			return
		}
	}
}

func (ch *Channel) removeQueueLocked(q *Queue) {
	for i, e := range ch.queues {
		if e == q {
			ch.queues = append(ch.queues[:i], ch.queues[i+1:]...)
			return
		}
	}
}

func (c *Connection) watchChannel(ch *Channel, tch transport.Channel) {
	closes := tch.NotifyClose(make(chan *CloseInfo, 1))
	go func() {
		info, ok := <-closes
		if !ok || info == nil {
			return
		}
		c.handleChannelClose(ch, tch, info)
	}()
}

// handleChannelClose runs when the broker closes a single channel. The
// channel stays registered, closed, until recovered.
func (c *Connection) handleChannelClose(ch *Channel, tch transport.Channel, info *CloseInfo) {
	c.serial.Lock()
	defer c.serial.Unlock()

	c.mu.Lock()
	if ch.tch != tch {
		c.mu.Unlock()
		return
	}
	ch.resetLocked()
	handler := ch.errorHandler
	c.mu.Unlock()

	kind := Classify(Condition{Established: true, Channel: true, Close: info})
	c.metrics.RecordFailure(kind)
	c.logger.Warn("channel closed by broker",
		"channel", ch.id,
		"kind", kind,
		"replyCode", info.ReplyCode,
		"replyText", info.ReplyText)

	if handler != nil {
		c.safeCall("channel error handler", func() { handler(ch, info) })
	}
}

func (ch *Channel) callErrorHandler(info *CloseInfo) {
	c := ch.conn
	c.mu.Lock()
	handler := ch.errorHandler
	c.mu.Unlock()
	if handler != nil {
		c.safeCall("channel error handler", func() { handler(ch, info) })
	}
}
