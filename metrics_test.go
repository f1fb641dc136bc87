package mmate

import (
	"testing"
	"time"

	"github.com/glimte/mmate-amqp/transport/transporttest"
)

func TestMultiRecorder(t *testing.T) {
	first, second := newMockMetrics(), newMockMetrics()
	rec := MultiRecorder(first, second)

	rec.RecordFailure(TransportLost)
	rec.RecordStateChange(StateOpen, StateInterrupted)
	rec.RecordReconnectAttempt(true)
	rec.RecordRecovery(3, false, time.Second)
	rec.RecordCallbackPanic("queue interruption")

	for _, m := range []*mockMetrics{first, second} {
		m.AssertCalled(t, "RecordFailure", TransportLost)
		m.AssertCalled(t, "RecordStateChange", StateOpen, StateInterrupted)
		m.AssertCalled(t, "RecordReconnectAttempt", true)
		m.AssertCalled(t, "RecordRecovery", uint16(3), false, time.Second)
		m.AssertCalled(t, "RecordCallbackPanic", "queue interruption")
	}

	t.Run("wired into a connection", func(t *testing.T) {
		a, b := newMockMetrics(), newMockMetrics()
		broker := transporttest.NewBroker()
		c := connect(t, broker, WithMetrics(MultiRecorder(a, b)))

		broker.DropConnections()
		waitState(t, c, StateInterrupted)

		a.AssertCalled(t, "RecordFailure", TransportLost)
		b.AssertCalled(t, "RecordFailure", TransportLost)
	})
}
