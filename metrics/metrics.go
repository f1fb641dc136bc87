// Package metrics exports connection lifecycle measurements to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	mmate "github.com/glimte/mmate-amqp"
)

// Recorder implements mmate.MetricsRecorder on top of a Prometheus registry.
type Recorder struct {
	// Failures counts classified faults per kind
	Failures *prometheus.CounterVec
	// StateChanges counts connection state transitions
	StateChanges *prometheus.CounterVec
	// State is 1 for the current connection state and 0 for every other
	State *prometheus.GaugeVec
	// ReconnectAttempts counts reconnect dials per result
	ReconnectAttempts *prometheus.CounterVec
	// Recoveries counts channel recoveries per channel and result
	Recoveries *prometheus.CounterVec
	// RecoveryDuration tracks how long channel recovery takes
	RecoveryDuration *prometheus.HistogramVec
	// CallbackPanics counts user callbacks that panicked
	CallbackPanics *prometheus.CounterVec
}

var _ mmate.MetricsRecorder = (*Recorder)(nil)

var states = []mmate.State{
	mmate.StateDisconnected,
	mmate.StateConnecting,
	mmate.StateOpen,
	mmate.StateInterrupted,
	mmate.StateReconnecting,
	mmate.StateClosed,
	mmate.StateConnectFailed,
}

// NewRecorder registers the mmate collectors on reg. A nil reg uses the
// default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	r := &Recorder{
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_failures_total",
				Help: "Total number of classified connection and channel failures",
			},
			[]string{"kind"},
		),
		StateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_state_changes_total",
				Help: "Total number of connection state transitions",
			},
			[]string{"from", "to"},
		),
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmate_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_reconnect_attempts_total",
				Help: "Total number of reconnect attempts",
			},
			[]string{"result"},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_channel_recoveries_total",
				Help: "Total number of channel recoveries",
			},
			[]string{"channel", "result"},
		),
		RecoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mmate_channel_recovery_duration_seconds",
				Help:    "Channel recovery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		CallbackPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_callback_panics_total",
				Help: "Total number of user callbacks that panicked",
			},
			[]string{"callback"},
		),
	}

	r.setState(mmate.StateDisconnected)
	return r
}

// RecordFailure implements mmate.MetricsRecorder.
func (r *Recorder) RecordFailure(kind mmate.FailureKind) {
	r.Failures.WithLabelValues(kind.String()).Inc()
}

// RecordStateChange implements mmate.MetricsRecorder.
func (r *Recorder) RecordStateChange(from, to mmate.State) {
	r.StateChanges.WithLabelValues(from.String(), to.String()).Inc()
	r.setState(to)
}

// RecordReconnectAttempt implements mmate.MetricsRecorder.
func (r *Recorder) RecordReconnectAttempt(success bool) {
	r.ReconnectAttempts.WithLabelValues(result(success)).Inc()
}

// RecordRecovery implements mmate.MetricsRecorder.
func (r *Recorder) RecordRecovery(channel uint16, success bool, duration time.Duration) {
	res := result(success)
	r.Recoveries.WithLabelValues(strconv.Itoa(int(channel)), res).Inc()
	r.RecoveryDuration.WithLabelValues(res).Observe(duration.Seconds())
}

// RecordCallbackPanic implements mmate.MetricsRecorder.
func (r *Recorder) RecordCallbackPanic(callback string) {
	r.CallbackPanics.WithLabelValues(callback).Inc()
}

func (r *Recorder) setState(current mmate.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		r.State.WithLabelValues(s.String()).Set(v)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
