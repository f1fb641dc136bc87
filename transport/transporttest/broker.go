// Package transporttest provides an in-memory broker implementing the
// transport interfaces, for driving failure and recovery scenarios in tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-amqp/transport"
)

// Call records one operation received by the broker.
type Call struct {
	Method  string
	Session int
	Channel uint16
	Name    string
	Spec    interface{}
}

// Broker is an in-memory AMQP broker. The zero value is not usable; use
// NewBroker.
type Broker struct {
	mu sync.Mutex

	down     bool
	username string
	password string
	dialErrs []error
	injected map[string][]error

	dials       int
	nextSession int
	sessions    map[int]*Session

	exchanges map[string]transport.ExchangeSpec
	queues    map[string]*queue
	consumers map[string]*consumer
	calls     []Call
}

type queue struct {
	spec      transport.QueueSpec
	owner     *Session
	bindings  []transport.BindingSpec
	consumers []string
	next      int
	messages  []transport.Delivery
}

type consumer struct {
	tag     string
	queue   string
	ch      *Channel
	deliver func(transport.Delivery)
}

var _ transport.Dialer = (*Broker)(nil)

// NewBroker creates a running broker with the default exchanges and the
// guest/guest account.
func NewBroker() *Broker {
	b := &Broker{
		username:  "guest",
		password:  "guest",
		injected:  make(map[string][]error),
		sessions:  make(map[int]*Session),
		exchanges: make(map[string]transport.ExchangeSpec),
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
	}
	for name, kind := range map[string]string{
		"":            "direct",
		"amq.direct":  "direct",
		"amq.fanout":  "fanout",
		"amq.topic":   "topic",
		"amq.headers": "headers",
	} {
		b.exchanges[name] = transport.ExchangeSpec{Name: name, Kind: kind, Durable: true}
	}
	return b
}

// SetCredentials replaces the only account the broker accepts.
func (b *Broker) SetCredentials(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.username, b.password = username, password
}

// Down makes subsequent dials fail at the socket stage. Open sessions are not
// affected; use DropConnections for that.
func (b *Broker) Down() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
}

// Up reverses Down.
func (b *Broker) Up() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = false
}

// FailDials makes the next len(errs) dials fail with the given errors.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// Inject makes the next call of method fail with err. A server-side
// *transport.CloseInfo also closes the channel, as a real broker would.
func (b *Broker) Inject(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected[method] = append(b.injected[method], err)
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, settings transport.Settings) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.DialError{Stage: transport.StageConnect, Address: settings.Address(), Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.calls = append(b.calls, Call{Method: "Dial", Name: settings.Address(), Spec: settings})

	if b.down {
		return nil, &transport.DialError{
			Stage:   transport.StageConnect,
			Address: settings.Address(),
			Err:     errors.New("connection refused"),
		}
	}
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}
	if settings.Username != b.username || settings.Password != b.password {
		return nil, &transport.DialError{
			Stage:   transport.StageHandshake,
			Address: settings.Address(),
			Err: &transport.CloseInfo{
				ReplyCode: transport.ReplyAccessRefused,
				ReplyText: "ACCESS_REFUSED - Login was refused using authentication mechanism PLAIN",
				Server:    true,
			},
		}
	}

	b.nextSession++
	s := &Session{
		broker:   b,
		id:       b.nextSession,
		channels: make(map[uint16]*Channel),
	}
	b.sessions[s.id] = s
	return s, nil
}

// DropConnections fails every open session as if the network went away.
func (b *Broker) DropConnections() {
	b.closeSessions(&transport.CloseInfo{
		ReplyCode: transport.ReplyFrameError,
		ReplyText: "read tcp: connection reset by peer",
	})
}

// CloseConnections sends connection.close with the given reply to every open
// session.
func (b *Broker) CloseConnections(code int, text string) {
	b.closeSessions(&transport.CloseInfo{ReplyCode: code, ReplyText: text, Server: true})
}

func (b *Broker) closeSessions(info *transport.CloseInfo) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var flushes []func()
	for _, id := range ids {
		flushes = append(flushes, b.sessions[id].closeLocked(info))
	}
	b.mu.Unlock()

	for _, flush := range flushes {
		flush()
	}
}

// CloseChannel sends channel.close with the given reply on channel id of
// every open session. It reports whether any channel was closed.
func (b *Broker) CloseChannel(id uint16, code int, text string) bool {
	info := &transport.CloseInfo{ReplyCode: code, ReplyText: text, Server: true}

	b.mu.Lock()
	var flushes []func()
	for _, s := range b.sessions {
		if ch, ok := s.channels[id]; ok {
			flushes = append(flushes, ch.closeLocked(info))
		}
	}
	b.mu.Unlock()

	for _, flush := range flushes {
		flush()
	}
	return len(flushes) > 0
}

// Calls returns the recorded calls of method, or all calls when method is
// empty.
func (b *Broker) Calls(method string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (b *Broker) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// DialCount returns the number of dial attempts, failed ones included.
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenSessions returns the number of live sessions.
func (b *Broker) OpenSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Exchange returns the declared attributes of an exchange.
func (b *Broker) Exchange(name string) (transport.ExchangeSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.exchanges[name]
	return spec, ok
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queue returns the declared attributes of a queue.
func (b *Broker) Queue(name string) (transport.QueueSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return transport.QueueSpec{}, false
	}
	return q.spec, true
}

// QueueNames returns the names of all queues, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns the bindings of a queue in the order they were made.
func (b *Broker) Bindings(queueName string) []transport.BindingSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	return append([]transport.BindingSpec(nil), q.bindings...)
}

// Consumers returns the consumer tags registered on a queue.
func (b *Broker) Consumers(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	return append([]string(nil), q.consumers...)
}

// Messages returns the number of messages waiting in a queue.
func (b *Broker) Messages(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.messages)
}

func (b *Broker) injectedLocked(method string) error {
	errs := b.injected[method]
	if len(errs) == 0 {
		return nil
	}
	b.injected[method] = errs[1:]
	return errs[0]
}

func (b *Broker) removeConsumerLocked(tag string) {
	c, ok := b.consumers[tag]
	if !ok {
		return
	}
	delete(b.consumers, tag)
	if q, ok := b.queues[c.queue]; ok {
		for i, t := range q.consumers {
			if t == tag {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, tag := range append([]string(nil), q.consumers...) {
		b.removeConsumerLocked(tag)
	}
	delete(b.queues, name)
}

// routeLocked returns the queues a message published to exchange with key
// reaches. Headers exchanges route to every bound queue.
func (b *Broker) routeLocked(exchange, key string) ([]string, error) {
	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, notFound("exchange", exchange)
	}
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}, nil
		}
		return nil, nil
	}

	var out []string
	for name, q := range b.queues {
		for _, bnd := range q.bindings {
			if bnd.Exchange != exchange {
				continue
			}
			matched := false
			switch ex.Kind {
			case "fanout", "headers":
				matched = true
			case "topic":
				matched = topicMatch(bnd.RoutingKey, key)
			default:
				matched = bnd.RoutingKey == key
			}
			if matched {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// enqueueLocked stores msg on q or hands it to the next consumer. The returned
// func performs the delivery and must be called without the lock held.
func (b *Broker) enqueueLocked(q *queue, msg transport.Delivery) func() {
	if len(q.consumers) == 0 {
		q.messages = append(q.messages, msg)
		return func() {}
	}
	q.next = q.next % len(q.consumers)
	c := b.consumers[q.consumers[q.next]]
	q.next++
	msg.ConsumerTag = c.tag
	deliver := c.deliver
	return func() { deliver(msg) }
}

func notFound(kind, name string) *transport.CloseInfo {
	return &transport.CloseInfo{
		ReplyCode: transport.ReplyNotFound,
		ReplyText: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
		Server:    true,
	}
}

func preconditionFailed(arg, kind, name string) *transport.CloseInfo {
	return &transport.CloseInfo{
		ReplyCode: transport.ReplyPreconditionFailed,
		ReplyText: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg '%s' for %s '%s' in vhost '/'", arg, kind, name),
		Server:    true,
	}
}

func sameArgs(a, b transport.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func newName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
