package transporttest

import (
	"context"
	"fmt"
	"sort"

	"github.com/glimte/mmate-amqp/transport"
)

// Session is a broker-side connection.
type Session struct {
	broker   *Broker
	id       int
	closed   bool
	channels map[uint16]*Channel
	notify   []chan *transport.CloseInfo
}

var _ transport.Session = (*Session)(nil)

// ID returns the broker-assigned session number, starting at 1.
func (s *Session) ID() int {
	return s.id
}

// OpenChannel implements transport.Session.
func (s *Session) OpenChannel(ctx context.Context, id uint16) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, transport.ErrClosed
	}
	b.calls = append(b.calls, Call{Method: "ChannelOpen", Session: s.id, Channel: id})
	if err := b.injectedLocked("ChannelOpen"); err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("transporttest: channel 0 is reserved")
	}
	if _, ok := s.channels[id]; ok {
		return nil, fmt.Errorf("transporttest: channel %d already open on session %d", id, s.id)
	}

	ch := &Channel{session: s, id: id}
	s.channels[id] = ch
	return ch, nil
}

// NotifyClose implements transport.Session.
func (s *Session) NotifyClose(receiver chan *transport.CloseInfo) chan *transport.CloseInfo {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		close(receiver)
		return receiver
	}
	s.notify = append(s.notify, receiver)
	return receiver
}

// IsClosed implements transport.Session.
func (s *Session) IsClosed() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.closed
}

// Close implements transport.Session.
func (s *Session) Close() error {
	b := s.broker
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.calls = append(b.calls, Call{Method: "ConnectionClose", Session: s.id})
	flush := s.closeLocked(nil)
	b.mu.Unlock()

	flush()
	return nil
}

// closeLocked tears the session down. info is nil for a client-requested
// close. Session listeners are notified before channel listeners.
func (s *Session) closeLocked(info *transport.CloseInfo) func() {
	b := s.broker
	s.closed = true
	delete(b.sessions, s.id)

	ids := make([]int, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	var chanNotify []chan *transport.CloseInfo
	for _, id := range ids {
		ch := s.channels[uint16(id)]
		ch.closed = true
		b.dropChannelConsumersLocked(ch)
		chanNotify = append(chanNotify, ch.notify...)
		ch.notify = nil
	}
	s.channels = make(map[uint16]*Channel)

	for name, q := range b.queues {
		if q.owner == s {
			b.deleteQueueLocked(name)
		}
	}

	notify := s.notify
	s.notify = nil

	return func() {
		for _, r := range notify {
			if info != nil {
				r <- info
			}
			close(r)
		}
		for _, r := range chanNotify {
			close(r)
		}
	}
}

func (b *Broker) dropChannelConsumersLocked(ch *Channel) {
	for tag, c := range b.consumers {
		if c.ch == ch {
			b.removeConsumerLocked(tag)
		}
	}
}
