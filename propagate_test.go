package mmate

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/transport"
	"github.com/glimte/mmate-amqp/transport/transporttest"
)

// watchInterruptions registers an interruption callback on every entity of
// the hierarchy below c, named after the entity.
func watchInterruptions(c *Connection, ev *events) {
	c.OnConnectionInterruption(func(*Connection) { ev.add("connection") })
	for _, ch := range c.Channels() {
		ch := ch
		ch.OnConnectionInterruption(func(*Channel) { ev.add(fmt.Sprintf("channel %d", ch.ID())) })
		for _, ex := range ch.Exchanges() {
			name := ex.Name()
			ex.OnConnectionInterruption(func(*Exchange) { ev.add("exchange " + name) })
		}
		for _, q := range ch.Queues() {
			name := q.Name()
			for _, cons := range q.Consumers() {
				tag := cons.Tag()
				cons.OnConnectionInterruption(func(*Consumer) { ev.add("consumer " + tag) })
			}
			q.OnConnectionInterruption(func(*Queue) { ev.add("queue " + name) })
		}
	}
}

func declareTopology(t *testing.T, c *Connection) {
	t.Helper()
	ctx := context.Background()
	noop := func(Delivery) {}

	ch1 := openChannel(t, c)
	_, err := ch1.ExchangeDeclare(ctx, ExchangeSpec{Name: "events", Kind: "topic"})
	require.NoError(t, err)
	q1, err := ch1.QueueDeclare(ctx, QueueSpec{Name: "q1"})
	require.NoError(t, err)
	require.NoError(t, q1.Bind(ctx, "events", "rk", nil))
	_, err = q1.Consume(ctx, ConsumeOptions{Tag: "c1"}, noop)
	require.NoError(t, err)
	_, err = q1.Consume(ctx, ConsumeOptions{Tag: "c2"}, noop)
	require.NoError(t, err)

	ch2 := openChannel(t, c)
	_, err = ch2.QueueDeclare(ctx, QueueSpec{Name: "q2"})
	require.NoError(t, err)
}

func TestInterruptionOrder(t *testing.T) {
	b := transporttest.NewBroker()
	c := connect(t, b)
	declareTopology(t, c)

	ev := &events{}
	watchInterruptions(c, ev)

	b.DropConnections()

	want := []string{
		"connection",
		"channel 1",
		"exchange events",
		"consumer c1",
		"consumer c2",
		"queue q1",
		"channel 2",
		"queue q2",
	}
	require.Eventually(t, func() bool { return ev.size() == len(want) }, waitFor, tick)
	assert.Equal(t, want, ev.get())
	assert.Equal(t, StateInterrupted, c.State())

	for _, ch := range c.Channels() {
		assert.Equal(t, ChannelClosed, ch.State())
		assert.Empty(t, ch.Exchanges())
		assert.Empty(t, ch.Queues())
	}
}

func TestInterruptionOncePerEpisode(t *testing.T) {
	b := transporttest.NewBroker()
	c := connect(t, b, WithAutoRecovery(true))
	declareTopology(t, c)

	ev := &events{}
	watchInterruptions(c, ev)

	t.Run("one notification per entity per episode", func(t *testing.T) {
		b.DropConnections()
		require.Eventually(t, func() bool { return ev.size() == 8 }, waitFor, tick)

		// A second transport event for the same episode changes nothing.
		b.DropConnections()
		assert.Never(t, func() bool { return ev.size() > 8 }, 100*time.Millisecond, tick)
	})

	t.Run("next episode notifies again in the same order", func(t *testing.T) {
		require.NoError(t, c.Reconnect(context.Background(), false, 0))
		require.Equal(t, uint64(2), c.Episode())

		b.DropConnections()
		require.Eventually(t, func() bool { return ev.size() == 16 }, waitFor, tick)

		all := ev.get()
		assert.Equal(t, all[:8], all[8:])
		for _, name := range all[:8] {
			assert.Equal(t, 2, ev.count(name), name)
		}
	})
}

func TestInterruptionSkipsEntitiesNotOnSession(t *testing.T) {
	b := transporttest.NewBroker()
	c := connect(t, b)
	ch := openChannel(t, c)
	q, err := ch.QueueDeclare(context.Background(), QueueSpec{Name: "q1"})
	require.NoError(t, err)

	var chanCalls, queueCalls atomic.Int32
	ch.OnConnectionInterruption(func(*Channel) { chanCalls.Add(1) })
	q.OnConnectionInterruption(func(*Queue) { queueCalls.Add(1) })

	require.True(t, b.CloseChannel(ch.ID(), transport.ReplyPreconditionFailed, "PRECONDITION_FAILED"))
	waitChannelState(t, ch, ChannelClosed)

	b.DropConnections()
	waitState(t, c, StateInterrupted)

	assert.Eventually(t, func() bool { return chanCalls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(0), queueCalls.Load())
}

func TestErrorHandlerReplaced(t *testing.T) {
	t.Run("connection", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := connect(t, b)

		var first, second atomic.Int32
		var got atomic.Pointer[CloseInfo]
		c.OnError(func(*Connection, *CloseInfo) { first.Add(1) })
		c.OnError(func(_ *Connection, info *CloseInfo) {
			got.Store(info)
			second.Add(1)
		})

		b.CloseConnections(transport.ReplyInternalError, "INTERNAL_ERROR")

		require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
		assert.Equal(t, int32(0), first.Load())
		assert.Equal(t, transport.ReplyInternalError, got.Load().ReplyCode)
		assert.Equal(t, "INTERNAL_ERROR", got.Load().ReplyText)
		assert.Equal(t, uint16(0), got.Load().ClassID)
		waitState(t, c, StateInterrupted)
	})

	t.Run("channel", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := connect(t, b)
		ch := openChannel(t, c)

		var first, second atomic.Int32
		ch.OnError(func(*Channel, *CloseInfo) { first.Add(1) })
		ch.OnError(func(got *Channel, info *CloseInfo) {
			assert.Same(t, ch, got)
			assert.Equal(t, transport.ReplyNotFound, info.ReplyCode)
			second.Add(1)
		})

		require.True(t, b.CloseChannel(ch.ID(), transport.ReplyNotFound, "NOT_FOUND - no queue 'missing'"))

		require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
		assert.Equal(t, int32(0), first.Load())
		assert.Equal(t, StateOpen, c.State())
	})

	t.Run("transport loss does not call the handler", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := connect(t, b)

		var calls atomic.Int32
		c.OnError(func(*Connection, *CloseInfo) { calls.Add(1) })

		b.DropConnections()
		waitState(t, c, StateInterrupted)
		assert.Equal(t, int32(0), calls.Load())
	})
}

func TestCallbackPanicIsolated(t *testing.T) {
	b := transporttest.NewBroker()
	metrics := newMockMetrics()
	c := connect(t, b, WithMetrics(metrics))
	declareTopology(t, c)

	c.OnConnectionInterruption(func(*Connection) { panic("connection callback failed") })
	ev := &events{}
	watchInterruptions(c, ev)

	ch, ok := c.Channel(1)
	require.True(t, ok)
	ch.OnConnectionInterruption(func(*Channel) { panic("channel callback failed") })

	b.DropConnections()

	// Every non-panicking callback still runs.
	require.Eventually(t, func() bool { return ev.size() == 8 }, waitFor, tick)
	require.Eventually(t, func() bool { return metrics.panics.size() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"connection interruption", "channel interruption"}, metrics.panics.get())
	metrics.AssertCalled(t, "RecordFailure", TransportLost)
}
