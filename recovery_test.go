package mmate

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/transport"
	"github.com/glimte/mmate-amqp/transport/transporttest"
)

// methods returns the broker-side methods received since the last ResetCalls,
// dials excluded.
func methods(b *transporttest.Broker) []string {
	var out []string
	for _, call := range b.Calls("") {
		if call.Method != "Dial" {
			out = append(out, call.Method)
		}
	}
	return out
}

func TestRecoveryDisabled(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b, WithAutoRecovery(false))
	ch := openChannel(t, c)

	_, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "topic"})
	require.NoError(t, err)
	_, err = ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)

	b.ResetCalls()
	interruptAndReconnect(t, b, c)

	assert.Equal(t, ChannelClosed, ch.State())
	assert.Empty(t, ch.Exchanges())
	assert.Empty(t, ch.Queues())
	assert.Empty(t, methods(b))

	_, err = ch.QueueDeclare(ctx, QueueSpec{Name: "other"})
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, ch.Publish(ctx, "", "orders", Publishing{Body: []byte("x")}), ErrChannelClosed)
}

func TestAutoRecoveryRestoresTopology(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	_, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "topic", Durable: true})
	require.NoError(t, err)
	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders", Durable: true})
	require.NoError(t, err)
	require.NoError(t, q.Bind(ctx, "events", "order.*", nil))

	got := &events{}
	cons, err := q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(d Delivery) {
		got.add(string(d.Body))
	})
	require.NoError(t, err)

	b.ResetCalls()
	interruptAndReconnect(t, b, c)

	t.Run("replays in protocol order", func(t *testing.T) {
		assert.Equal(t, []string{"ChannelOpen", "ExchangeDeclare", "QueueDeclare", "QueueBind", "Consume"}, methods(b))
		open := b.Calls("ChannelOpen")
		require.Len(t, open, 1)
		assert.Equal(t, ch.ID(), open[0].Channel)
	})

	t.Run("keeps identities", func(t *testing.T) {
		assert.Equal(t, ChannelOpen, ch.State())
		assert.Equal(t, "orders", q.Name())
		assert.Equal(t, "c1", cons.Tag())
		assert.Equal(t, []string{"c1"}, b.Consumers("orders"))
		assert.Equal(t, []Binding{{Exchange: "events", RoutingKey: "order.*"}}, q.Bindings())

		spec, ok := b.Exchange("events")
		require.True(t, ok)
		assert.Equal(t, "topic", spec.Kind)
		assert.True(t, spec.Durable)
	})

	t.Run("delivers on the new session", func(t *testing.T) {
		require.NoError(t, ch.Publish(ctx, "events", "order.created", Publishing{Body: []byte("o-1")}))
		assert.Eventually(t, func() bool { return got.count("o-1") == 1 }, waitFor, tick)
	})
}

func TestRecoveryOfServerNamedEntities(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	q, err := ch.QueueDeclare(ctx, QueueSpec{Exclusive: true})
	require.NoError(t, err)
	require.True(t, q.ServerNamed())
	require.NoError(t, q.Bind(ctx, "amq.fanout", "", nil))
	cons, err := q.Consume(ctx, ConsumeOptions{}, func(Delivery) {})
	require.NoError(t, err)

	oldName := q.Name()
	oldTag := cons.Tag()
	require.True(t, strings.HasPrefix(oldName, "amq.gen-"))
	require.True(t, strings.HasPrefix(oldTag, "amq.ctag-"))

	interruptAndReconnect(t, b, c)

	newName := q.Name()
	assert.NotEqual(t, oldName, newName)
	assert.False(t, b.HasQueue(oldName), "exclusive queue must die with its session")
	assert.True(t, b.HasQueue(newName))

	bindings := b.Bindings(newName)
	require.Len(t, bindings, 1)
	assert.Equal(t, "amq.fanout", bindings[0].Exchange)

	assert.NotEqual(t, oldTag, cons.Tag())
	assert.Equal(t, []string{cons.Tag()}, b.Consumers(newName))
	require.Len(t, q.Consumers(), 1)
}

func TestManualRecovery(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b, WithAutoRecovery(false))
	ch := openChannel(t, c)

	_, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "direct"})
	require.NoError(t, err)
	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)
	require.NoError(t, q.Bind(ctx, "events", "created", nil))
	_, err = q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(Delivery) {})
	require.NoError(t, err)

	interruptAndReconnect(t, b, c)
	require.Equal(t, ChannelClosed, ch.State())

	t.Run("steps must follow protocol order", func(t *testing.T) {
		assert.ErrorIs(t, ch.RecoverExchanges(ctx), ErrRecoveryOrder)
		assert.ErrorIs(t, ch.RecoverQueues(ctx), ErrRecoveryOrder)

		require.NoError(t, ch.Reopen(ctx))
		assert.Equal(t, ChannelOpen, ch.State())

		assert.ErrorIs(t, ch.RecoverBindings(ctx), ErrRecoveryOrder)
		assert.ErrorIs(t, ch.RecoverConsumers(ctx), ErrRecoveryOrder)
	})

	t.Run("individual steps", func(t *testing.T) {
		require.NoError(t, ch.RecoverExchanges(ctx))
		assert.Len(t, ch.Exchanges(), 1)
		assert.Empty(t, ch.Queues())

		require.NoError(t, ch.RecoverQueues(ctx))
		require.NoError(t, ch.RecoverBindings(ctx))
		require.NoError(t, ch.RecoverConsumers(ctx))

		assert.Len(t, ch.Queues(), 1)
		assert.Equal(t, []string{"c1"}, b.Consumers("orders"))
	})

	t.Run("repeating recovery issues no broker calls", func(t *testing.T) {
		b.ResetCalls()

		require.NoError(t, ch.Recover(ctx))
		require.NoError(t, ch.Reopen(ctx))
		require.NoError(t, ch.RecoverQueues(ctx))
		require.NoError(t, ch.RecoverConsumers(ctx))

		assert.Empty(t, methods(b))
	})

	t.Run("whole recovery in one call", func(t *testing.T) {
		interruptAndReconnect(t, b, c)
		b.ResetCalls()

		require.NoError(t, ch.Recover(ctx))
		assert.Equal(t, []string{"ChannelOpen", "ExchangeDeclare", "QueueDeclare", "QueueBind", "Consume"}, methods(b))
		assert.Equal(t, ChannelOpen, ch.State())
	})

	t.Run("needs a session", func(t *testing.T) {
		b.DropConnections()
		waitState(t, c, StateInterrupted)
		waitChannelState(t, ch, ChannelClosed)

		assert.ErrorIs(t, ch.Recover(ctx), ErrNotOpen)
	})
}

func TestAutoRecoveryToggledMidEpisode(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled from an interruption callback", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := connect(t, b, WithAutoRecovery(true))
		ch := openChannel(t, c)
		_, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
		require.NoError(t, err)

		ch.OnConnectionInterruption(func(ch *Channel) { ch.SetAutoRecovery(false) })

		interruptAndReconnect(t, b, c)

		assert.False(t, ch.AutoRecovery())
		assert.Equal(t, ChannelClosed, ch.State())
		assert.Empty(t, ch.Queues())
	})

	t.Run("enabled from an interruption callback", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := connect(t, b, WithAutoRecovery(false))
		ch := openChannel(t, c)
		_, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
		require.NoError(t, err)

		ch.OnConnectionInterruption(func(ch *Channel) { ch.SetAutoRecovery(true) })

		interruptAndReconnect(t, b, c)

		assert.True(t, ch.AutoRecovery())
		assert.Equal(t, ChannelOpen, ch.State())
		assert.Len(t, ch.Queues(), 1)
	})
}

func TestRecoveryFailureIsolated(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	metrics := newMockMetrics()
	c := connect(t, b, WithMetrics(metrics))

	ch1 := openChannel(t, c)
	_, err := ch1.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "topic"})
	require.NoError(t, err)
	ch2 := openChannel(t, c)
	_, err = ch2.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)

	var calls atomic.Int32
	var got atomic.Pointer[CloseInfo]
	ch1.OnError(func(_ *Channel, info *CloseInfo) {
		got.Store(info)
		calls.Add(1)
	})
	var siblingCalls atomic.Int32
	ch2.OnError(func(*Channel, *CloseInfo) { siblingCalls.Add(1) })

	b.Inject("ExchangeDeclare", &transport.CloseInfo{
		ReplyCode: transport.ReplyPreconditionFailed,
		ReplyText: "PRECONDITION_FAILED - inequivalent arg 'type'",
		Server:    true,
	})

	interruptAndReconnect(t, b, c)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, transport.ReplyPreconditionFailed, got.Load().ReplyCode)
	assert.True(t, got.Load().Server)

	assert.Equal(t, ChannelClosed, ch1.State())
	assert.Empty(t, ch1.Exchanges())

	assert.Equal(t, int32(0), siblingCalls.Load())
	assert.Equal(t, ChannelOpen, ch2.State())
	assert.Len(t, ch2.Queues(), 1)
	assert.Equal(t, StateOpen, c.State())

	metrics.AssertCalled(t, "RecordRecovery", uint16(1), false, mock.Anything)
	metrics.AssertCalled(t, "RecordRecovery", uint16(2), true, mock.Anything)
	metrics.AssertCalled(t, "RecordFailure", ChannelProtocolError)

	t.Run("failed channel can be recovered by hand", func(t *testing.T) {
		require.NoError(t, ch1.Recover(ctx))
		assert.Equal(t, ChannelOpen, ch1.State())
		assert.Len(t, ch1.Exchanges(), 1)
	})
}

func TestRecoveryFailureWithoutProtocolClose(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)
	_, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)

	var got atomic.Pointer[CloseInfo]
	ch.OnError(func(_ *Channel, info *CloseInfo) { got.Store(info) })

	b.Inject("QueueDeclare", errors.New("queue.declare timed out"))
	interruptAndReconnect(t, b, c)

	require.Eventually(t, func() bool { return got.Load() != nil }, waitFor, tick)
	info := got.Load()
	assert.Equal(t, transport.ReplyInternalError, info.ReplyCode)
	assert.False(t, info.Server)
	assert.Contains(t, info.ReplyText, "queue.declare timed out")
	assert.Contains(t, info.ReplyText, "queues")
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestRecoveryCallbackOrder(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	ex, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "fanout"})
	require.NoError(t, err)
	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)
	cons, err := q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(Delivery) {})
	require.NoError(t, err)

	ev := &events{}
	c.BeforeRecovery(func(*Connection) { ev.add("connection before") })
	c.AfterRecovery(func(*Connection) { ev.add("connection after") })
	ch.BeforeRecovery(func(*Channel) { ev.add("channel before") })
	ch.AfterRecovery(func(*Channel) { ev.add("channel after") })
	ex.BeforeRecovery(func(*Exchange) { ev.add("exchange before") })
	ex.AfterRecovery(func(*Exchange) { ev.add("exchange after") })
	q.BeforeRecovery(func(*Queue) { ev.add("queue before") })
	q.AfterRecovery(func(*Queue) { ev.add("queue after") })
	cons.BeforeRecovery(func(*Consumer) { ev.add("consumer before") })
	cons.AfterRecovery(func(*Consumer) {
		assert.Equal(t, []string{"c1"}, b.Consumers("orders"))
		ev.add("consumer after")
	})

	interruptAndReconnect(t, b, c)

	assert.Equal(t, []string{
		"connection before",
		"channel before",
		"exchange before",
		"queue before",
		"consumer before",
		"channel after",
		"exchange after",
		"queue after",
		"consumer after",
		"connection after",
	}, ev.get())
}

func TestRecoveryAfterChannelClose(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)
	_, err = q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(Delivery) {})
	require.NoError(t, err)

	require.True(t, b.CloseChannel(ch.ID(), transport.ReplyNotFound, "NOT_FOUND"))
	waitChannelState(t, ch, ChannelClosed)
	assert.Empty(t, b.Consumers("orders"))

	_, err = q.Consume(ctx, ConsumeOptions{Tag: "c2"}, func(Delivery) {})
	assert.ErrorIs(t, err, ErrChannelClosed)

	// Broker channel errors are not replayed automatically.
	assert.Never(t, func() bool { return ch.State() != ChannelClosed }, 50*time.Millisecond, tick)

	require.NoError(t, ch.Recover(ctx))
	assert.Equal(t, ChannelOpen, ch.State())
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, []string{"c1"}, b.Consumers("orders"))
}

// holdingDialer wraps the broker and, once armed, holds the next exchange
// declaration until release is closed.
type holdingDialer struct {
	*transporttest.Broker
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func newHoldingDialer(b *transporttest.Broker) *holdingDialer {
	return &holdingDialer{Broker: b, reached: make(chan struct{}), release: make(chan struct{})}
}

func (d *holdingDialer) Dial(ctx context.Context, settings transport.Settings) (transport.Session, error) {
	sess, err := d.Broker.Dial(ctx, settings)
	if err != nil {
		return nil, err
	}
	return holdingSession{Session: sess, d: d}, nil
}

type holdingSession struct {
	transport.Session
	d *holdingDialer
}

func (s holdingSession) OpenChannel(ctx context.Context, id uint16) (transport.Channel, error) {
	tch, err := s.Session.OpenChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return holdingChannel{Channel: tch, d: s.d}, nil
}

type holdingChannel struct {
	transport.Channel
	d *holdingDialer
}

func (ch holdingChannel) ExchangeDeclare(ctx context.Context, spec transport.ExchangeSpec) error {
	if ch.d.armed.CompareAndSwap(true, false) {
		close(ch.d.reached)
		select {
		case <-ch.d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ch.Channel.ExchangeDeclare(ctx, spec)
}

func TestDeclarationsWaitForRecovery(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	d := newHoldingDialer(b)
	c := connect(t, b, WithDialer(d))
	ch := openChannel(t, c)

	_, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "direct"})
	require.NoError(t, err)

	d.armed.Store(true)
	b.DropConnections()
	waitState(t, c, StateInterrupted)
	b.ResetCalls()

	reconnected := make(chan error, 1)
	go func() { reconnected <- c.Reconnect(ctx, false, 0) }()

	select {
	case <-d.reached:
	case <-time.After(waitFor):
		t.Fatal("exchange replay never started")
	}
	assert.Equal(t, ChannelRecovering, ch.State())

	declared := make(chan error, 1)
	go func() {
		_, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "audit", Kind: "fanout"})
		declared <- err
	}()
	opened := make(chan error, 1)
	go func() {
		_, err := c.OpenChannel(ctx)
		opened <- err
	}()

	select {
	case err := <-declared:
		t.Fatalf("declaration returned during recovery: %v", err)
	case err := <-opened:
		t.Fatalf("channel opened during recovery: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []string{"ChannelOpen"}, methods(b))

	close(d.release)
	for _, done := range []chan error{reconnected, declared, opened} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("call still blocked after recovery")
		}
	}

	assert.Equal(t, ChannelOpen, ch.State())
	declares := b.Calls("ExchangeDeclare")
	require.Len(t, declares, 2)
	assert.Equal(t, "events", declares[0].Name)
	assert.Equal(t, "audit", declares[1].Name)
	assert.Len(t, c.Channels(), 2)
}

func TestRejectedConsumeKeepsRecord(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)

	var original, rejected atomic.Int32
	_, err = q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(Delivery) { original.Add(1) })
	require.NoError(t, err)

	// The broker refuses a second subscription under a live tag.
	_, err = q.Consume(ctx, ConsumeOptions{Tag: "c1", Exclusive: true}, func(Delivery) { rejected.Add(1) })
	var topoErr *TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "consume", topoErr.Op)
	var info *transport.CloseInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, transport.ReplyNotAllowed, info.ReplyCode)
	waitChannelState(t, ch, ChannelClosed)

	require.NoError(t, ch.Recover(ctx))
	assert.Equal(t, []string{"c1"}, b.Consumers("orders"))
	consumes := b.Calls("Consume")
	require.NotEmpty(t, consumes)
	assert.False(t, consumes[len(consumes)-1].Spec.(transport.ConsumeSpec).Exclusive)

	require.NoError(t, ch.Publish(ctx, "", "orders", Publishing{Body: []byte("o-1")}))
	require.Eventually(t, func() bool { return original.Load() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return rejected.Load() != 0 }, 50*time.Millisecond, tick)
	assert.Len(t, q.Consumers(), 1)
}

func TestDeclareFromAfterRecovery(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)
	_, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)

	var declareErr atomic.Pointer[error]
	ch.AfterRecovery(func(ch *Channel) {
		_, err := ch.QueueDeclare(context.Background(), QueueSpec{Name: "audit"})
		declareErr.Store(&err)
	})

	interruptAndReconnect(t, b, c)

	require.NotNil(t, declareErr.Load())
	assert.NoError(t, *declareErr.Load())
	assert.True(t, b.HasQueue("audit"))

	var names []string
	for _, q := range ch.Queues() {
		names = append(names, q.Name())
	}
	assert.Equal(t, []string{"orders", "audit"}, names)
}

func TestRecordedStateFollowsDeletes(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)

	ex, err := ch.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "direct"})
	require.NoError(t, err)
	q, err := ch.QueueDeclare(ctx, QueueSpec{Name: "orders"})
	require.NoError(t, err)
	require.NoError(t, q.Bind(ctx, "events", "created", nil))
	require.NoError(t, q.Bind(ctx, "events", "updated", nil))
	cons, err := q.Consume(ctx, ConsumeOptions{Tag: "c1"}, func(Delivery) {})
	require.NoError(t, err)

	require.NoError(t, q.Unbind(ctx, "events", "updated", nil))
	require.NoError(t, cons.Cancel(ctx))

	scratch, err := ch.QueueDeclare(ctx, QueueSpec{Name: "scratch"})
	require.NoError(t, err)
	require.NoError(t, scratch.Delete(ctx))

	b.ResetCalls()
	interruptAndReconnect(t, b, c)

	assert.Len(t, b.Calls("ExchangeDeclare"), 1)
	assert.Len(t, b.Calls("QueueDeclare"), 1)
	assert.Len(t, b.Calls("QueueBind"), 1)
	assert.Empty(t, b.Calls("Consume"))
	assert.Equal(t, []Binding{{Exchange: "events", RoutingKey: "created"}}, q.Bindings())

	t.Run("deleted exchange is not replayed", func(t *testing.T) {
		require.NoError(t, q.Unbind(ctx, "events", "created", nil))
		require.NoError(t, ex.Delete(ctx))

		b.ResetCalls()
		interruptAndReconnect(t, b, c)
		assert.Empty(t, b.Calls("ExchangeDeclare"))
		assert.Empty(t, b.Calls("QueueBind"))
	})

	t.Run("released channel is not replayed", func(t *testing.T) {
		require.NoError(t, ch.Close())
		assert.ErrorIs(t, ch.Close(), ErrChannelReleased)

		b.ResetCalls()
		interruptAndReconnect(t, b, c)
		assert.Empty(t, methods(b))
		assert.Equal(t, ChannelReleased, ch.State())
	})
}
