package mmate

// propagateLocked delivers one interruption pass for episode. The connection
// hears first. Then, channel by channel in id order, the channel, its
// exchanges, and each queue after that queue's consumers. Each channel is
// reset once its subtree has been notified. serial must be held.
func (c *Connection) propagateLocked(episode uint64) {
	c.fireInterruption(episode, "connection")

	for _, ch := range c.Channels() {
		ch.fireInterruption(episode, "channel")

		c.mu.Lock()
		exchanges := ch.liveExchangesLocked()
		queues := ch.liveQueuesLocked()
		c.mu.Unlock()

		for _, ex := range exchanges {
			ex.fireInterruption(episode, "exchange")
		}
		for _, q := range queues {
			c.mu.Lock()
			consumers := q.liveConsumersLocked()
			c.mu.Unlock()

			for _, cons := range consumers {
				cons.fireInterruption(episode, "consumer")
			}
			q.fireInterruption(episode, "queue")
		}

		c.mu.Lock()
		ch.resetLocked()
		c.mu.Unlock()
	}

	c.logger.Debug("interruption propagated", "episode", episode)
}
