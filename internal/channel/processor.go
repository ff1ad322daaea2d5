// Package channel implements the Channel Processor (C3): the per-channel
// state machine owning a FIFO of in-flight codes, the channel's firmware
// buffer-space mirror, and its macro stack interaction. Each code moves
// through queued, sending, in-flight, completed and cancelled states as
// its reply arrives asynchronously over the wire.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/wire"
)

// entry tracks one code through its lifecycle on this channel.
type entry struct {
	code       *code.Code
	id         uint16
	handle     *correlator.Handle
	encodedLen int
	accum      code.Result

	// macroPending is set on the opening code of a macro: that code
	// stays In Flight until the macro's last code completes and its own
	// Final reply arrives, even though the firmware may have already
	// acked the open itself.
	macroPending bool
}

// Processor is one channel's state machine.
type Processor struct {
	ch               code.Channel
	correlator       *correlator.Correlator
	macros           *macro.Registry
	codeReplyTimeout time.Duration

	mu            sync.Mutex
	queued        []*entry // not yet sent; macro codes are prepended ahead of plain codes
	inFlight      []*entry // sent, awaiting CodeReply, in submission order
	bufferSpace   int      // local mirror of firmware-advertised free bytes
	paused        bool
	sourcingMacro bool // true while this channel is reading codes from an open macro frame rather than its external source
}

// NewProcessor constructs a Processor for ch. codeReplyTimeout bounds how
// long a queued code waits for its Final reply before failing with
// CodeTimeout; zero falls back to correlator.DefaultDeadline.
func NewProcessor(ch code.Channel, corr *correlator.Correlator, macros *macro.Registry, codeReplyTimeout time.Duration) *Processor {
	return &Processor{ch: ch, correlator: corr, macros: macros, codeReplyTimeout: codeReplyTimeout}
}

// Queue admits a code into the channel's pending FIFO and returns its
// completion handle. It never rejects a code for buffer-space reasons;
// NextPacket is the only place that holds a queued code back until the
// firmware's buffer-space mirror has room for it.
func (p *Processor) Queue(c *code.Code) (*correlator.Handle, error) {
	c.Channel = p.ch
	encodedLen := wire.EncodedCodeLength(c)

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.correlator.Allocate(p.ch)
	h := p.correlator.Register(p.ch, id, p.codeReplyTimeout)
	e := &entry{code: c, id: id, handle: h, encodedLen: encodedLen}

	if c.IsFromMacro {
		p.queued = append([]*entry{e}, p.queued...)
	} else {
		p.queued = append(p.queued, e)
	}
	c.Cancel = func() { p.cancelEntry(id) }
	return h, nil
}

// cancelEntry removes the entry with the given id from whichever queue it
// is still sitting in and fails its correlator handle with CodeCancelled.
// It is a no-op if the entry has already completed or been drained by an
// Invalidate call.
func (p *Processor) cancelEntry(id uint16) {
	p.mu.Lock()
	found := false
	for i, e := range p.queued {
		if e.id == id {
			p.queued = append(p.queued[:i:i], p.queued[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		for i, e := range p.inFlight {
			if e.id == id {
				p.inFlight = append(p.inFlight[:i:i], p.inFlight[i+1:]...)
				found = true
				break
			}
		}
	}
	p.mu.Unlock()

	if found {
		p.correlator.Fail(p.ch, id, linkerr.New(linkerr.CodeCancelled, "code cancelled"))
	}
}

// RefreshBufferSpace updates the local mirror of the firmware's
// advertised free-buffer-bytes for this channel. Called on every
// ObjectModel "state response" update.
func (p *Processor) RefreshBufferSpace(n int) {
	p.mu.Lock()
	p.bufferSpace = n
	p.mu.Unlock()
}

// Pause / Resume gate NextPacket without touching the queues, used when
// the channel's firmware-side stack depth or a Trigger/AutoPause
// condition means no new codes should be emitted, independent of the Job
// Executor's own pause state.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// NextPacket pulls the next queued code that fits within budget bytes
// and the channel's buffer-space mirror, encodes it, moves it to
// in-flight, and returns the wire packet. It returns ok=false if there
// is nothing eligible to send this cycle.
func (p *Processor) NextPacket(budget int) (pkt []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused || len(p.queued) == 0 {
		return nil, false
	}

	next := p.queued[0]
	if next.encodedLen > p.bufferSpace {
		return nil, false
	}
	if wire.PacketHeaderSize+wire.Padded4(next.encodedLen) > budget {
		return nil, false
	}

	p.queued = p.queued[1:]
	p.bufferSpace -= next.encodedLen
	p.inFlight = append(p.inFlight, next)

	body := wire.EncodeCode(next.code)
	return wire.EncodePacket(wire.ReqCode, next.id, 0, body), true
}

// HasOutstanding reports whether any code is still queued or in
// flight, used by Flush to know whether the channel is idle.
func (p *Processor) HasOutstanding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued) > 0 || len(p.inFlight) > 0
}

// OnReply applies one CodeReply to the in-flight entry with the given
// id. push accumulates content onto the code's result; a non-push
// (final) reply fulfils the entry's completion and removes it from
// in-flight, unless the entry's macroPending flag is set, in which case
// the Final reply is swallowed into accum and the entry stays in flight
// until the macro it opened reaches EOF (see CompleteMacroPending).
func (p *Processor) OnReply(id uint16, line *code.ResultLine, final bool) {
	p.mu.Lock()
	idx := -1
	for i, e := range p.inFlight {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	e := p.inFlight[idx]
	if line != nil {
		e.accum = append(e.accum, *line)
	}

	if !final || e.macroPending {
		p.mu.Unlock()
		return
	}

	p.inFlight = append(p.inFlight[:idx], p.inFlight[idx+1:]...)
	result := e.accum
	p.mu.Unlock()

	p.correlator.Complete(p.ch, id, result)
}

// OnMacroRequest marks the in-flight entry with the given id (the code
// that asked the firmware to run a macro) as macro-pending, and opens
// the macro on this channel's stack. If open fails and reportMissing is
// set the caller should report FileError back on the code's result;
// OnMacroRequest itself only performs the open and bookkeeping.
func (p *Processor) OnMacroRequest(openingID uint16, filename string, flags macro.Flags) error {
	p.mu.Lock()
	var opening *code.Code
	for _, e := range p.inFlight {
		if e.id == openingID {
			e.macroPending = true
			opening = e.code
			break
		}
	}
	p.sourcingMacro = true
	p.mu.Unlock()

	return p.macros.Push(p.ch, filename, opening, flags)
}

// StartSystemMacro opens filename on this channel's macro stack without
// pinning any in-flight code to its completion, used for system-initiated
// macros such as config.g that the firmware requests with no opening code.
func (p *Processor) StartSystemMacro(filename string, flags macro.Flags) error {
	p.mu.Lock()
	p.sourcingMacro = true
	p.mu.Unlock()
	return p.macros.Push(p.ch, filename, nil, flags)
}

// NeedsMacroPump reports whether this channel is sourcing codes from an
// open macro frame and its queue has run dry, meaning the router should
// call PumpMacro before asking for the next packet.
func (p *Processor) NeedsMacroPump() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sourcingMacro && len(p.queued) == 0
}

// PumpMacro reads the next available code from this channel's open
// macro frame (if any) and queues it ahead of plain codes. It returns
// false once the macro stack is empty, at which point it also releases
// any entry whose macroPending flag was waiting on this macro's EOF: on
// macro EOF, popping the frame lets a code whose macro-pending was set
// complete.
func (p *Processor) PumpMacro() (bool, error) {
	c, err := p.macros.ReadNext(p.ch)
	if err != nil {
		return true, err
	}
	if c == nil {
		p.releaseMacroPending()
		p.mu.Lock()
		p.sourcingMacro = p.macros.Depth(p.ch) > 0
		p.mu.Unlock()
		return false, nil
	}
	if _, err := p.Queue(c); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Processor) releaseMacroPending() {
	p.mu.Lock()
	var toComplete []*entry
	remaining := p.inFlight[:0:0]
	for _, e := range p.inFlight {
		if e.macroPending && p.macros.Depth(p.ch) == 0 {
			toComplete = append(toComplete, e)
			continue
		}
		remaining = append(remaining, e)
	}
	p.inFlight = remaining
	p.mu.Unlock()

	for _, e := range toComplete {
		p.correlator.Complete(p.ch, e.id, e.accum)
	}
}

// Invalidate drains every queued and in-flight code on this channel with
// a CodeCancelled error, moving them to the Cancelled state.
func (p *Processor) Invalidate() {
	p.mu.Lock()
	p.queued = nil
	p.inFlight = nil
	p.mu.Unlock()
	p.correlator.Invalidate(p.ch)
}

// Flush blocks (via repeated HasOutstanding polling by the caller, the
// Job Executor already parks on a condition variable elsewhere) is not
// implemented here; FlushChannel's IPC semantics are: drain queued and
// in-flight work to completion, which the caller observes by waiting on
// the handles it already holds. Flush exists only to give the IPC
// surface a single place to ask "is this channel idle right now".
func (p *Processor) Flush() error {
	if p.HasOutstanding() {
		return linkerr.New(linkerr.Busy, fmt.Sprintf("channel %s has outstanding codes", p.ch))
	}
	return nil
}

// Channel returns which logical channel this processor serves.
func (p *Processor) Channel() code.Channel { return p.ch }

// QueueDepth and BufferSpace back the diagnostics surface.
func (p *Processor) QueueDepth() (queued, inFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued), len(p.inFlight)
}

func (p *Processor) BufferSpace() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferSpace
}
