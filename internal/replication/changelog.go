package replication

import "sync"

// changeLog buffers locally-originated Changes until the agent flushes
// them into a ChangeSet, either on FlushInterval or once the buffer exceeds
// FlushThreshold (§4.5).
type changeLog struct {
	mu      sync.Mutex
	pending []Change
}

func newChangeLog() *changeLog {
	return &changeLog{}
}

// Append adds a Change to the pending buffer.
func (c *changeLog) Append(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, ch)
}

// Len reports the current buffer size.
func (c *changeLog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drain empties and returns the pending buffer. Safe to call from the
// periodic flush and from a final shutdown drain.
func (c *changeLog) Drain() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = nil
	return out
}
