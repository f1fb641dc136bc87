package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/transport"
	"github.com/glimte/mmate-amqp/transport/transporttest"
)

func newConnection(t *testing.T, b *transporttest.Broker, opts ...mmate.Option) *mmate.Connection {
	t.Helper()
	base := []mmate.Option{
		mmate.WithDialer(b),
		mmate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c := mmate.NewConnection(mmate.Settings{Host: "broker.test"}, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		c := newConnection(t, transporttest.NewBroker())
		result := NewConnectionChecker("broker", c).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "disconnected", result.Details["state"])
	})

	t.Run("open", func(t *testing.T) {
		c := newConnection(t, transporttest.NewBroker())
		require.NoError(t, c.Connect(ctx))

		checker := NewConnectionChecker("broker", c)
		result := checker.Check(ctx)

		assert.Equal(t, "broker", checker.Name())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, uint64(1), result.Details["episode"])
		assert.Equal(t, "amqp://guest@broker.test:5672/%2F", result.Details["endpoint"])
	})

	t.Run("interrupted without a scheduled attempt", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := newConnection(t, b)
		require.NoError(t, c.Connect(ctx))

		b.DropConnections()
		require.Eventually(t, func() bool { return c.State() == mmate.StateInterrupted }, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, StatusUnhealthy, NewConnectionChecker("broker", c).Check(ctx).Status)

		require.NoError(t, c.ReconnectAfter(time.Hour, mmate.ReconnectOptions{}))
		result := NewConnectionChecker("broker", c).Check(ctx)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 1, result.Details["pending_reconnects"])
	})

	t.Run("closed", func(t *testing.T) {
		c := newConnection(t, transporttest.NewBroker())
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Close())

		assert.Equal(t, StatusUnhealthy, NewConnectionChecker("broker", c).Check(ctx).Status)
	})
}

func TestChannelChecker(t *testing.T) {
	ctx := context.Background()
	b := transporttest.NewBroker()
	c := newConnection(t, b)
	require.NoError(t, c.Connect(ctx))

	checker := NewChannelChecker("channels", c)
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	ch1, err := c.OpenChannel(ctx)
	require.NoError(t, err)
	_, err = c.OpenChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	require.True(t, b.CloseChannel(ch1.ID(), transport.ReplyPreconditionFailed, "PRECONDITION_FAILED"))
	require.Eventually(t, func() bool { return ch1.State() == mmate.ChannelClosed }, 2*time.Second, 5*time.Millisecond)

	result := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, []uint16{1}, result.Details["not_open"])
	assert.Equal(t, 2, result.Details["channels"])

	b.DropConnections()
	require.Eventually(t, func() bool { return checker.Check(ctx).Status == StatusUnhealthy }, 2*time.Second, 5*time.Millisecond)
}
