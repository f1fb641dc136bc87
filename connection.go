package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-amqp/transport"
	rabbitmqTransport "github.com/glimte/mmate-amqp/transports/rabbitmq"
)

// Connection is one protocol session to a broker and the hierarchy of
// channels, exchanges, queues and consumers declared through it. The
// hierarchy outlives individual sessions: after an interruption it is reset
// and, for auto-recovering channels, replayed on the next session.
type Connection struct {
	node[Connection]

	id      string
	cfg     config
	logger  *slog.Logger
	metrics MetricsRecorder

	// serial orders transport events, connection attempts, propagation and
	// recovery. mu guards the fields below and is never held across I/O or
	// callbacks.
	serial sync.Mutex
	mu     sync.Mutex

	settings    Settings
	state       State
	session     transport.Session
	episode     uint64
	established bool
	closed      bool

	channels map[uint16]*Channel
	lastID   uint16
	freeIDs  []uint16

	errorHandler   func(*Connection, *CloseInfo)
	lossHandlers   []func(*Connection, Settings, *Failure)
	lossArmed      bool
	stateListeners []func(from, to State)

	replaying  bool
	replayDone chan struct{}

	sched scheduler
}

// NewConnection creates a disconnected Connection. Call Connect to open it.
func NewConnection(settings Settings, opts ...Option) *Connection {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = noopMetrics{}
	}
	if cfg.channelMax == 0 {
		cfg.channelMax = DefaultChannelMax
	}
	if cfg.dialer == nil {
		cfg.dialer = rabbitmqTransport.NewDialer(rabbitmqTransport.WithLogger(cfg.logger))
	}
	if settings.ConnectionName == "" {
		settings.ConnectionName = cfg.connectionName
	}

	id := uuid.NewString()
	c := &Connection{
		id:       id,
		cfg:      cfg,
		logger:   cfg.logger.With("connection", id),
		metrics:  cfg.metrics,
		settings: settings.WithDefaults(),
		channels: make(map[uint16]*Channel),
		sched:    newScheduler(),
	}
	c.node.init(c, c)
	return c
}

// ID returns the identifier used in log lines.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Episode returns the number of sessions established so far.
func (c *Connection) Episode() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.episode
}

// Settings returns the endpoint used by the next connection attempt.
func (c *Connection) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// IsOpen reports whether a session is established.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.state == StateOpen
}

// Channels returns the registered channels in id order, including channels
// awaiting recovery.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelsLocked()
}

func (c *Connection) channelsLocked() []*Channel {
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OnError installs the handler for broker connection closes. It replaces any
// previous handler.
func (c *Connection) OnError(fn func(*Connection, *CloseInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = fn
}

// OnConnectionLoss registers fn to receive failed connection attempts. It
// fires at most once per episode. While a handler is registered, Connect
// reports failures through it instead of returning them.
func (c *Connection) OnConnectionLoss(fn func(*Connection, Settings, *Failure)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossHandlers = append(c.lossHandlers, fn)
}

// OnStateChange registers fn to observe state transitions.
func (c *Connection) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// Connect opens the connection. It does not retry. On failure the state is
// StateConnectFailed and the classified *Failure is returned, unless a loss
// handler is registered, in which case the handler receives it and Connect
// returns nil.
//
// Connect must not be called from a callback.
func (c *Connection) Connect(ctx context.Context) error {
	c.serial.Lock()
	defer c.serial.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	c.lossArmed = true
	handled := len(c.lossHandlers) > 0
	c.mu.Unlock()

	err := c.attemptLocked(ctx)
	var failure *Failure
	if errors.As(err, &failure) && handled {
		return nil
	}
	return err
}

// Close closes the connection for good. Pending reconnect attempts are
// cancelled and no interruption callbacks fire.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.sched.cancelAll()
	sess := c.session
	c.session = nil
	for _, ch := range c.channels {
		ch.resetLocked()
	}
	endpoint := c.settings.String()
	c.mu.Unlock()

	c.setState(StateClosed)
	c.logger.Info("connection closed", "url", endpoint)

	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return &ConnectionError{
			Op:        "close",
			URL:       endpoint,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// attemptLocked dials once and, for a connection that was open before,
// replays recorded state on the new session. serial must be held.
func (c *Connection) attemptLocked(ctx context.Context) error {
	c.mu.Lock()
	settings := c.settings
	reconnecting := c.established
	prev := c.state
	c.mu.Unlock()

	if err := validateSettings(settings); err != nil {
		return err
	}

	if reconnecting {
		c.setState(StateReconnecting)
	} else {
		c.setState(StateConnecting)
	}

	dialCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	sess, err := c.cfg.dialer.Dial(dialCtx, settings)
	cancel()
	if reconnecting {
		c.metrics.RecordReconnectAttempt(err == nil)
	}

	if err != nil {
		failure := &Failure{Kind: Classify(Condition{Err: err}), Err: err}
		errors.As(err, &failure.Close)
		c.metrics.RecordFailure(failure.Kind)
		c.logger.Error("connection attempt failed",
			"url", settings.String(),
			"kind", failure.Kind,
			"error", err)

		if reconnecting {
			c.setState(prev)
		} else {
			c.setState(StateConnectFailed)
		}
		c.deliverLoss(settings, failure)
		return failure
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	c.session = sess
	c.episode++
	c.established = true
	episode := c.episode
	c.mu.Unlock()

	c.watchSession(sess)
	c.logger.Info("connected", "url", settings.String(), "episode", episode)

	if reconnecting {
		c.fireBefore("connection")
		c.recoverLocked(ctx, sess)
		c.fireAfter("connection")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session != sess {
		// Lost during recovery; the session watcher starts the next episode.
		c.mu.Unlock()
		return nil
	}
	c.lossArmed = true
	c.sched.cancelAll()
	c.mu.Unlock()

	c.setState(StateOpen)
	return nil
}

func (c *Connection) deliverLoss(settings Settings, failure *Failure) {
	c.mu.Lock()
	if !c.lossArmed || len(c.lossHandlers) == 0 {
		c.mu.Unlock()
		return
	}
	c.lossArmed = false
	handlers := slices.Clone(c.lossHandlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.safeCall("connection loss", func() { fn(c, settings, failure) })
	}
}

func (c *Connection) watchSession(sess transport.Session) {
	closes := sess.NotifyClose(make(chan *CloseInfo, 1))
	go func() {
		info, ok := <-closes
		if !ok {
			info = nil
		}
		c.handleSessionClose(sess, info)
	}()
}

// handleSessionClose runs when sess ends. Closes of sessions that are no
// longer current are ignored.
func (c *Connection) handleSessionClose(sess transport.Session, info *CloseInfo) {
	c.serial.Lock()
	defer c.serial.Unlock()

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	var cause error
	if info == nil {
		cause = transport.ErrClosed
	}
	kind := c.interruptLocked(info, cause)
	if kind == GracefulShutdown && !c.cfg.reconnectOnShutdown {
		return
	}
	c.startPolicy()
}

// interruptLocked classifies the end of an established session, moves the
// state machine and propagates the interruption. serial must be held and the
// session already detached.
func (c *Connection) interruptLocked(info *CloseInfo, cause error) FailureKind {
	kind := Classify(Condition{Established: true, Close: info, Err: cause})

	c.mu.Lock()
	episode := c.episode
	handler := c.errorHandler
	c.mu.Unlock()

	c.metrics.RecordFailure(kind)
	attrs := []any{"kind", kind, "episode", episode}
	if info != nil {
		attrs = append(attrs, "replyCode", info.ReplyCode, "replyText", info.ReplyText)
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	c.logger.Warn("connection interrupted", attrs...)

	if kind == GracefulShutdown {
		c.setState(StateClosed)
	} else {
		c.setState(StateInterrupted)
	}

	if info != nil && info.Server && info.ReplyCode != 0 && handler != nil {
		c.safeCall("connection error handler", func() { handler(c, info) })
	}

	c.propagateLocked(episode)
	return kind
}

// teardownLocked ends a healthy session for a forced reconnect, running the
// normal interruption pass. serial must be held.
func (c *Connection) teardownLocked(sess transport.Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	if err := sess.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("closing session for forced reconnect", "error", err)
	}
	c.interruptLocked(nil, ErrForcedReconnect)
}

func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	listeners := slices.Clone(c.stateListeners)
	c.mu.Unlock()

	c.metrics.RecordStateChange(from, to)
	c.logger.Debug("state changed", "from", from, "to", to)
	for _, fn := range listeners {
		c.safeCall("state listener", func() { fn(from, to) })
	}
}

// safeCall runs a user callback, recovering and logging a panic.
func (c *Connection) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", "callback", name, "panic", r)
			c.metrics.RecordCallbackPanic(name)
		}
	}()
	fn()
}

func (c *Connection) allocateIDLocked() (uint16, error) {
	if len(c.freeIDs) > 0 {
		id := c.freeIDs[0]
		c.freeIDs = c.freeIDs[1:]
		return id, nil
	}
	if c.lastID >= c.cfg.channelMax {
		return 0, ErrChannelLimit
	}
	c.lastID++
	return c.lastID, nil
}

func (c *Connection) releaseIDLocked(id uint16) {
	i, found := slices.BinarySearch(c.freeIDs, id)
	if found {
		return
	}
	c.freeIDs = slices.Insert(c.freeIDs, i, id)
}

func validateSettings(s Settings) error {
	switch {
	case s.Host == "":
		return fmt.Errorf("%w: empty host", ErrInvalidSettings)
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSettings, s.Port)
	case s.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidSettings)
	}
	return nil
}
