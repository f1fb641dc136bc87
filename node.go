package mmate

import "slices"

// node holds the lifecycle callbacks shared by every entity of the
// hierarchy. Fields are guarded by the owning connection's mu.
type node[T any] struct {
	self *T
	conn *Connection

	interruption []func(*T)
	before       []func(*T)
	after        []func(*T)

	// notified is the last episode whose interruption reached this entity.
	notified uint64
}

func (n *node[T]) init(self *T, conn *Connection) {
	n.self = self
	n.conn = conn
}

// OnConnectionInterruption registers fn to run when the connection is
// interrupted. It runs at most once per failure episode.
func (n *node[T]) OnConnectionInterruption(fn func(*T)) {
	n.conn.mu.Lock()
	defer n.conn.mu.Unlock()
	n.interruption = append(n.interruption, fn)
}

// BeforeRecovery registers fn to run after a new session is established and
// before state is replayed on it.
func (n *node[T]) BeforeRecovery(fn func(*T)) {
	n.conn.mu.Lock()
	defer n.conn.mu.Unlock()
	n.before = append(n.before, fn)
}

// AfterRecovery registers fn to run once state has been replayed.
func (n *node[T]) AfterRecovery(fn func(*T)) {
	n.conn.mu.Lock()
	defer n.conn.mu.Unlock()
	n.after = append(n.after, fn)
}

func (n *node[T]) fireInterruption(episode uint64, name string) {
	c := n.conn
	c.mu.Lock()
	if n.notified >= episode {
		c.mu.Unlock()
		return
	}
	n.notified = episode
	fns := slices.Clone(n.interruption)
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(name+" interruption", func() { fn(n.self) })
	}
}

func (n *node[T]) fireBefore(name string) {
	c := n.conn
	c.mu.Lock()
	fns := slices.Clone(n.before)
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(name+" before recovery", func() { fn(n.self) })
	}
}

func (n *node[T]) fireAfter(name string) {
	c := n.conn
	c.mu.Lock()
	fns := slices.Clone(n.after)
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(name+" after recovery", func() { fn(n.self) })
	}
}
