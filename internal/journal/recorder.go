package journal

import (
	"time"

	mmate "github.com/glimte/mmate-amqp"
)

// Recorder returns a metrics recorder that writes every measurement into
// the journal.
func (j *Journal) Recorder() mmate.MetricsRecorder {
	return recorder{j}
}

type recorder struct {
	j *Journal
}

func (r recorder) RecordFailure(kind mmate.FailureKind) {
	_ = r.j.Record(&Entry{Type: EventFailure, Kind: kind.String()})
}

func (r recorder) RecordStateChange(from, to mmate.State) {
	_ = r.j.Record(&Entry{Type: EventStateChange, From: from.String(), To: to.String()})
}

func (r recorder) RecordReconnectAttempt(success bool) {
	_ = r.j.Record(&Entry{Type: EventReconnectAttempt, Failed: !success})
}

func (r recorder) RecordRecovery(channel uint16, success bool, duration time.Duration) {
	_ = r.j.Record(&Entry{Type: EventRecovery, Channel: channel, Failed: !success, Duration: duration})
}

func (r recorder) RecordCallbackPanic(callback string) {
	_ = r.j.Record(&Entry{Type: EventCallbackPanic, Detail: callback})
}
