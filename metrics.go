package mmate

import "time"

// MetricsRecorder receives connection lifecycle measurements. The metrics
// package provides a Prometheus implementation.
type MetricsRecorder interface {
	RecordFailure(kind FailureKind)
	RecordStateChange(from, to State)
	RecordReconnectAttempt(success bool)
	RecordRecovery(channel uint16, success bool, duration time.Duration)
	RecordCallbackPanic(callback string)
}

type noopMetrics struct{}

func (noopMetrics) RecordFailure(FailureKind) {}
func (noopMetrics) RecordStateChange(State, State) {}
func (noopMetrics) RecordReconnectAttempt(bool) {}
func (noopMetrics) RecordRecovery(uint16, bool, time.Duration) {}
func (noopMetrics) RecordCallbackPanic(string) {}

// MultiRecorder fans every measurement out to each recorder in order.
func MultiRecorder(recorders ...MetricsRecorder) MetricsRecorder {
	return multiRecorder(recorders)
}

type multiRecorder []MetricsRecorder

func (m multiRecorder) RecordFailure(kind FailureKind) {
	for _, r := range m {
		r.RecordFailure(kind)
	}
}

func (m multiRecorder) RecordStateChange(from, to State) {
	for _, r := range m {
		r.RecordStateChange(from, to)
	}
}

func (m multiRecorder) RecordReconnectAttempt(success bool) {
	for _, r := range m {
		r.RecordReconnectAttempt(success)
	}
}

func (m multiRecorder) RecordRecovery(channel uint16, success bool, duration time.Duration) {
	for _, r := range m {
		r.RecordRecovery(channel, success, duration)
	}
}

func (m multiRecorder) RecordCallbackPanic(callback string) {
	for _, r := range m {
		r.RecordCallbackPanic(callback)
	}
}
