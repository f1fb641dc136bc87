// Package journal keeps a bounded in-memory history of connection lifecycle
// events: failures, state changes, interruptions, reconnect attempts and
// channel recoveries.
package journal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	mmate "github.com/glimte/mmate-amqp"
)

// EventType represents the type of a journal entry
type EventType string

const (
	EventFailure          EventType = "failure"
	EventStateChange      EventType = "state_change"
	EventInterruption     EventType = "interruption"
	EventChannelError     EventType = "channel_error"
	EventReconnectAttempt EventType = "reconnect_attempt"
	EventRecovery         EventType = "recovery"
	EventCallbackPanic    EventType = "callback_panic"
)

// Entry represents a single lifecycle event
type Entry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	Episode   uint64        `json:"episode,omitempty"`
	Channel   uint16        `json:"channel,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	ReplyCode int           `json:"replyCode,omitempty"`
	ReplyText string        `json:"replyText,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// Stats summarises the retained entries
type Stats struct {
	TotalEntries     int64               `json:"totalEntries"`
	EntriesByType    map[EventType]int64 `json:"entriesByType"`
	FailuresByKind   map[string]int64    `json:"failuresByKind"`
	FailedRecoveries int64               `json:"failedRecoveries"`
	AverageRecovery  time.Duration       `json:"averageRecovery"`
	LastEntry        time.Time           `json:"lastEntry"`
}

// Journal is a bounded, concurrency-safe event history. When full, the
// oldest rotatePercent of entries is dropped.
type Journal struct {
	entries       []*Entry
	byChannel     map[uint16][]*Entry
	mu            sync.RWMutex
	maxEntries    int
	rotatePercent float64
}

// Option configures the journal
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the percentage of entries to remove when max is reached
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		j.rotatePercent = percent
	}
}

// New creates a journal holding up to 10000 entries
func New(opts ...Option) *Journal {
	j := &Journal{
		byChannel:     make(map[uint16][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.maxEntries < 1 {
		j.maxEntries = 1
	}
	return j
}

// Record appends entry, filling in its ID and timestamp when unset
func (j *Journal) Record(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.Type == "" {
		return fmt.Errorf("entry type is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	j.entries = append(j.entries, entry)
	if entry.Channel != 0 {
		j.byChannel[entry.Channel] = append(j.byChannel[entry.Channel], entry)
	}
	return nil
}

// RecordClose records a broker close or transport loss. info may be nil.
func (j *Journal) RecordClose(typ EventType, episode uint64, channel uint16, kind mmate.FailureKind, info *mmate.CloseInfo) error {
	entry := &Entry{
		Type:    typ,
		Episode: episode,
		Channel: channel,
		Kind:    kind.String(),
	}
	if info != nil {
		entry.ReplyCode = info.ReplyCode
		entry.ReplyText = info.ReplyText
	}
	return j.Record(entry)
}

// Recent returns up to limit of the newest entries, oldest first. A limit
// of zero or less returns every entry.
func (j *Journal) Recent(limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTail(j.entries, limit)
}

// ByChannel returns up to limit of the newest entries for a channel
func (j *Journal) ByChannel(channel uint16, limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTail(j.byChannel[channel], limit)
}

// ByTimeRange returns entries recorded within [start, end)
func (j *Journal) ByTimeRange(start, end time.Time) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []*Entry
	for _, entry := range j.entries {
		if !entry.Timestamp.Before(start) && entry.Timestamp.Before(end) {
			entryCopy := *entry
			result = append(result, &entryCopy)
		}
	}
	return result
}

// Stats returns journal statistics
func (j *Journal) Stats() *Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := &Stats{
		TotalEntries:   int64(len(j.entries)),
		EntriesByType:  make(map[EventType]int64),
		FailuresByKind: make(map[string]int64),
	}

	var recoveryTime time.Duration
	var recoveries int64
	for _, entry := range j.entries {
		stats.EntriesByType[entry.Type]++
		switch entry.Type {
		case EventFailure, EventChannelError:
			stats.FailuresByKind[entry.Kind]++
		case EventRecovery:
			recoveries++
			recoveryTime += entry.Duration
			if entry.Failed {
				stats.FailedRecoveries++
			}
		}
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}
	if recoveries > 0 {
		stats.AverageRecovery = recoveryTime / time.Duration(recoveries)
	}
	return stats
}

// Clear removes entries older than the specified duration
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(j.entries) - len(kept)

	j.entries = kept
	j.rebuildIndex()
	return removed
}

// rotate removes oldest entries when max is reached
func (j *Journal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}

	j.entries = append([]*Entry(nil), j.entries[removeCount:]...)
	j.rebuildIndex()
}

func (j *Journal) rebuildIndex() {
	j.byChannel = make(map[uint16][]*Entry)
	for _, entry := range j.entries {
		if entry.Channel != 0 {
			j.byChannel[entry.Channel] = append(j.byChannel[entry.Channel], entry)
		}
	}
}

func copyTail(entries []*Entry, limit int) []*Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]*Entry, len(entries))
	for i, entry := range entries {
		entryCopy := *entry
		result[i] = &entryCopy
	}
	return result
}

// ServeHTTP serves recent entries and stats as JSON. The optional limit and
// channel query parameters narrow the entries.
func (j *Journal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var entries []*Entry
	if v := r.URL.Query().Get("channel"); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			http.Error(w, "invalid channel", http.StatusBadRequest)
			return
		}
		entries = j.ByChannel(uint16(id), limit)
	} else {
		entries = j.Recent(limit)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(struct {
		Entries []*Entry `json:"entries"`
		Stats   *Stats   `json:"stats"`
	}{entries, j.Stats()})
}
