package mmate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/transport/transporttest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConnection returns a disconnected connection dialing b.
func newTestConnection(t *testing.T, b *transporttest.Broker, opts ...Option) *Connection {
	t.Helper()
	base := []Option{WithDialer(b), WithLogger(discardLogger())}
	c := NewConnection(Settings{Host: "broker.test"}, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connect returns an open connection dialing b.
func connect(t *testing.T, b *transporttest.Broker, opts ...Option) *Connection {
	t.Helper()
	c := newTestConnection(t, b, opts...)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateOpen, c.State())
	return c
}

func openChannel(t *testing.T, c *Connection) *Channel {
	t.Helper()
	ch, err := c.OpenChannel(context.Background())
	require.NoError(t, err)
	return ch
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tick,
		"connection never reached %s (is %s)", want, c.State())
}

func waitChannelState(t *testing.T, ch *Channel, want ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, waitFor, tick,
		"channel %d never reached %s (is %s)", ch.ID(), want, ch.State())
}

// interrupt drops the transport and waits until the interruption has been
// propagated, then reconnects.
func interruptAndReconnect(t *testing.T, b *transporttest.Broker, c *Connection) {
	t.Helper()
	episode := c.Episode()
	b.DropConnections()
	waitState(t, c, StateInterrupted)
	require.NoError(t, c.Reconnect(context.Background(), false, 0))
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, episode+1, c.Episode())
}

// events collects callback invocations across goroutines.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, name)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.list)
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.list {
		if got == name {
			n++
		}
	}
	return n
}

// mockMetrics records every measurement. Panicking callbacks are also kept
// in panics so tests can poll for them.
type mockMetrics struct {
	mock.Mock
	panics events
}

func newMockMetrics() *mockMetrics {
	m := &mockMetrics{}
	m.On("RecordFailure", mock.Anything).Maybe()
	m.On("RecordStateChange", mock.Anything, mock.Anything).Maybe()
	m.On("RecordReconnectAttempt", mock.Anything).Maybe()
	m.On("RecordRecovery", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("RecordCallbackPanic", mock.Anything).Maybe()
	return m
}

func (m *mockMetrics) RecordFailure(kind FailureKind) {
	m.Called(kind)
}

func (m *mockMetrics) RecordStateChange(from, to State) {
	m.Called(from, to)
}

func (m *mockMetrics) RecordReconnectAttempt(success bool) {
	m.Called(success)
}

func (m *mockMetrics) RecordRecovery(channel uint16, success bool, duration time.Duration) {
	m.Called(channel, success, duration)
}

func (m *mockMetrics) RecordCallbackPanic(callback string) {
	m.panics.add(callback)
	m.Called(callback)
}
