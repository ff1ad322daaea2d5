// Package correlator implements the Code Correlator (C7): a bounded
// bidirectional mapping from an outbound code, identified by
// (channel, wire id), to a completion handle, with timeout and flush
// semantics. Each channel gets its own wrapping ID space and each entry
// carries its own deadline.
package correlator

import (
	"sync"
	"time"

	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/linkerr"
)

// DefaultDeadline is the default time a submitted code may remain
// in flight before its completion fails with CodeTimeout.
const DefaultDeadline = 30 * time.Second

// Outcome is delivered exactly once to a completion's channel.
type Outcome struct {
	Result code.Result
	Err    error
}

// Handle is returned to the caller that registered a code; it is the
// single-fulfilment promise for that code's eventual result.
type Handle struct {
	done chan Outcome
}

// Wait blocks until the code completes, times out, or is cancelled.
func (h *Handle) Wait() Outcome {
	return <-h.done
}

// Done exposes the underlying channel for select statements.
func (h *Handle) Done() <-chan Outcome {
	return h.done
}

type entry struct {
	handle *Handle
	timer  *time.Timer
}

type key struct {
	channel code.Channel
	id      uint16
}

// Correlator owns one bounded (channel, id) -> Handle map plus a
// per-channel wrapping ID allocator.
type Correlator struct {
	mu      sync.Mutex
	entries map[key]*entry
	nextID  [code.NumChannels]uint16
}

func New() *Correlator {
	return &Correlator{entries: make(map[key]*entry)}
}

// Allocate reserves the next free wire ID for channel, skipping any ID
// still in flight (wire IDs are a 16-bit wrapping counter, reused once
// their slot is free).
func (c *Correlator) Allocate(ch code.Channel) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id := c.nextID[ch]
		c.nextID[ch]++
		k := key{ch, id}
		if _, inUse := c.entries[k]; !inUse {
			return id
		}
	}
}

// Register creates a pending entry for (channel, id) with the given
// deadline (DefaultDeadline if zero) and returns its Handle. If the
// deadline elapses before Complete/Fail is called, the handle is
// fulfilled with a CodeTimeout error and the entry is reclaimed.
func (c *Correlator) Register(ch code.Channel, id uint16, deadline time.Duration) *Handle {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	h := &Handle{done: make(chan Outcome, 1)}
	k := key{ch, id}

	e := &entry{handle: h}
	e.timer = time.AfterFunc(deadline, func() {
		c.resolve(k, Outcome{Err: linkerr.New(linkerr.CodeTimeout, "no Final reply within deadline")})
	})

	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()

	return h
}

// Complete fulfils (channel, id) with a successful or error result. It
// is a no-op if the entry was already resolved (e.g. by a prior timeout
// or invalidation); firmware replies for a given (channel, id) are
// delivered exactly once per submission, but a defensive no-op keeps a
// duplicate or late reply from panicking on a closed channel.
func (c *Correlator) Complete(ch code.Channel, id uint16, result code.Result) {
	c.resolve(key{ch, id}, Outcome{Result: result})
}

// Fail fulfils (channel, id) with an error outcome.
func (c *Correlator) Fail(ch code.Channel, id uint16, err error) {
	c.resolve(key{ch, id}, Outcome{Err: err})
}

func (c *Correlator) resolve(k key, outcome Outcome) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	e.timer.Stop()
	e.handle.done <- outcome
}

// Invalidate fulfils every outstanding handle on ch with a
// CodeCancelled error, in no particular order, and reclaims their
// entries. Used on channel-wide invalidation (flush/abort).
func (c *Correlator) Invalidate(ch code.Channel) {
	c.mu.Lock()
	var toResolve []*entry
	for k, e := range c.entries {
		if k.channel == ch {
			toResolve = append(toResolve, e)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	for _, e := range toResolve {
		e.timer.Stop()
		e.handle.done <- Outcome{Err: linkerr.New(linkerr.CodeCancelled, "channel invalidated")}
	}
}

// Pending returns the number of outstanding entries for ch, used by the
// diagnostics surface.
func (c *Correlator) Pending(ch code.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.channel == ch {
			n++
		}
	}
	return n
}
