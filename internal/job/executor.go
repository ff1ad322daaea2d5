// Package job implements the Job Executor (C4): the state machine that
// owns the selected job file, reads codes from it, pipelines them into the
// File channel's Channel Processor bounded by BufferedPrintCodes, and
// tracks pause/cancel/abort transitions.
//
// Executor is an instantiable struct owned by its caller rather than a
// singleton, so a process could in principle run more than one.
package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/channel"
	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/gcode"
	"github.com/amken3d/sbclinkd/internal/linkerr"
)

// BufferedPrintCodes is the default depth of the executor's read-ahead
// pipeline.
const BufferedPrintCodes = 8

// Phase is the Job Executor's state.
type Phase uint8

const (
	Idle Phase = iota
	Selected
	Running
	Paused
	Cancelling
	Aborting
	Finished
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Selected:
		return "Selected"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Cancelling:
		return "Cancelling"
	case Aborting:
		return "Aborting"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

type task struct {
	c *code.Code
	h *correlator.Handle
}

// Executor is an instantiable per-job-slot state machine. Each Executor
// drives exactly one File channel's Channel Processor.
type Executor struct {
	log  zerolog.Logger
	proc *channel.Processor

	mu   sync.Mutex
	cond *sync.Cond

	phase             Phase
	filename          string
	totalLength       int64
	nextFilePosition  int64 // advances only as codes complete; committed as the resume offset
	readPosition      int64 // advances as codes are read from the file, ahead of nextFilePosition
	pausePosition     *int64
	pauseReason       byte
	isSimulating      bool
	lastFileCancelled bool

	pauseRequested bool
	aborting       bool

	file    *os.File
	scanner *bufio.Scanner
	eof     bool

	cancel context.CancelFunc

	bufferedPrintCodes int
}

// New builds an Executor driving proc. bufferedPrintCodes sets the depth
// of the read-ahead pipeline; zero or negative falls back to
// BufferedPrintCodes.
func New(log zerolog.Logger, proc *channel.Processor, bufferedPrintCodes int) *Executor {
	if bufferedPrintCodes <= 0 {
		bufferedPrintCodes = BufferedPrintCodes
	}
	e := &Executor{
		log:                log.With().Str("component", "job").Logger(),
		proc:               proc,
		bufferedPrintCodes: bufferedPrintCodes,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Phase returns the executor's current phase.
func (e *Executor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// SelectFile opens filename as the pending job. If a job is already
// Running or Paused it is cancelled first and the call blocks until it
// reaches Finished. A select during Cancelling or Aborting is rejected
// with Busy.
func (e *Executor) SelectFile(filename string, simulating bool) error {
	e.mu.Lock()
	for {
		switch e.phase {
		case Cancelling, Aborting:
			e.mu.Unlock()
			return linkerr.New(linkerr.Busy, "a file selection is already being cancelled")
		case Running, Paused:
			e.requestCancelLocked()
			for e.phase != Finished {
				e.cond.Wait()
			}
			continue
		default:
		}
		break
	}
	e.mu.Unlock()

	f, err := os.Open(filename)
	if err != nil {
		return linkerr.Wrap(linkerr.FileError, fmt.Sprintf("opening job file %q", filename), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return linkerr.Wrap(linkerr.FileError, fmt.Sprintf("stating job file %q", filename), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.filename = filename
	e.totalLength = info.Size()
	e.nextFilePosition = 0
	e.readPosition = 0
	e.pausePosition = nil
	e.pauseReason = 0
	e.isSimulating = simulating
	e.lastFileCancelled = false
	e.pauseRequested = false
	e.aborting = false
	e.eof = false
	e.file = f
	e.scanner = bufio.NewScanner(f)
	e.phase = Selected
	return nil
}

// StartPrint transitions Selected -> Running and begins the read/dispatch
// loop on its own goroutine.
func (e *Executor) StartPrint() error {
	e.mu.Lock()
	if e.phase != Selected {
		e.mu.Unlock()
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("StartPrint requires Selected, got %s", e.phase))
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.phase = Running
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// Pause requests a client-initiated pause. If pos is nil the eventual
// resume offset is the executor's own running position at the time the
// pause takes effect.
func (e *Executor) Pause(pos *int64, reason byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Running {
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("Pause requires Running, got %s", e.phase))
	}
	e.pausePosition = pos
	e.pauseReason = reason
	e.pauseRequested = true
	return nil
}

// OnPrintPaused applies a firmware-initiated PrintPaused event. If the
// executor is already Paused, a later report only overrides the committed
// pausePosition when its offset is less than or equal to the current
// one, so the most conservative (earliest) position wins.
func (e *Executor) OnPrintPaused(offset int64, reason byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == Paused {
		if e.pausePosition == nil || offset <= *e.pausePosition {
			e.pausePosition = &offset
			e.pauseReason = reason
		}
		return
	}
	if e.phase != Running {
		return
	}
	e.pausePosition = &offset
	e.pauseReason = reason
	e.pauseRequested = true
}

// Resume transitions Paused -> Running and wakes the read/dispatch loop.
// If a pausePosition was committed, either explicitly or via a firmware
// PrintPaused report, the job file is seeked back to it and the File
// channel is invalidated so any codes the read-ahead pipeline queued past
// that point are dropped rather than sent.
func (e *Executor) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Paused {
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("Resume requires Paused, got %s", e.phase))
	}
	if e.pausePosition != nil {
		if err := e.seekLocked(*e.pausePosition); err != nil {
			return err
		}
		e.pausePosition = nil
		e.proc.Invalidate()
	}
	e.pauseRequested = false
	e.phase = Running
	e.cond.Broadcast()
	return nil
}

// Cancel transitions Running or Paused to Cancelling and invalidates the
// File channel so every in-flight and queued code fails with CodeCancelled.
func (e *Executor) Cancel() error {
	e.mu.Lock()
	if e.phase != Running && e.phase != Paused {
		e.mu.Unlock()
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("Cancel requires Running or Paused, got %s", e.phase))
	}
	e.requestCancelLocked()
	e.mu.Unlock()
	return nil
}

// Abort behaves like Cancel but marks the termination as an abort rather
// than a cancel. OnAbortFile (the router's JobController callback) reaches
// the same path when the firmware reports AbortAll on the File channel.
func (e *Executor) Abort() error {
	e.mu.Lock()
	if e.phase != Running && e.phase != Paused {
		e.mu.Unlock()
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("Abort requires Running or Paused, got %s", e.phase))
	}
	e.aborting = true
	e.requestCancelLocked()
	e.mu.Unlock()
	return nil
}

// OnAbortFile implements router.JobController: the firmware discarded the
// File channel's current code with abortAll set.
func (e *Executor) OnAbortFile() {
	e.mu.Lock()
	if e.phase != Running && e.phase != Paused {
		e.mu.Unlock()
		return
	}
	e.aborting = true
	e.requestCancelLocked()
	e.mu.Unlock()
}

// requestCancelLocked must be called with mu held. It flips phase to
// Cancelling/Aborting, cancels the run context, invalidates the File
// channel so any code the run loop is blocked waiting on resolves with
// CodeCancelled, and wakes a paused loop.
func (e *Executor) requestCancelLocked() {
	if e.aborting {
		e.phase = Aborting
	} else {
		e.phase = Cancelling
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.proc.Invalidate()
	e.cond.Broadcast()
}

// GetFilePosition returns the executor's current running position.
func (e *Executor) GetFilePosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextFilePosition
}

// SetFilePosition seeks the job file to pos. Only valid while Selected or
// Paused, since Running actively advances the position itself.
func (e *Executor) SetFilePosition(pos int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Selected && e.phase != Paused {
		return linkerr.New(linkerr.InvalidArgument, fmt.Sprintf("SetFilePosition requires Selected or Paused, got %s", e.phase))
	}
	return e.seekLocked(pos)
}

// seekLocked seeks the job file to pos and resets the scanner and position
// bookkeeping to match. Callers must hold mu.
func (e *Executor) seekLocked(pos int64) error {
	if e.file == nil {
		return linkerr.New(linkerr.InvalidArgument, "no job file selected")
	}
	if _, err := e.file.Seek(pos, 0); err != nil {
		return linkerr.Wrap(linkerr.FileError, "seeking job file", err)
	}
	e.scanner = bufio.NewScanner(e.file)
	e.nextFilePosition = pos
	e.readPosition = pos
	e.eof = false
	return nil
}

// LastFileCancelled reports whether the most recently finished job ended
// via Cancel/Abort rather than running to EOF.
func (e *Executor) LastFileCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFileCancelled
}

// run is the read/dispatch loop, started by StartPrint on its own
// goroutine. It holds mu only for short critical sections;
// correlator.Handle.Wait calls happen unlocked.
func (e *Executor) run(ctx context.Context) {
	var tasks []task

	finish := func(cancelled bool) {
		e.mu.Lock()
		if e.file != nil {
			e.file.Close()
			e.file = nil
		}
		e.lastFileCancelled = cancelled
		e.phase = Finished
		e.cond.Broadcast()
		e.mu.Unlock()
	}

	for {
		e.mu.Lock()
		phase := e.phase
		e.mu.Unlock()

		if phase == Cancelling || phase == Aborting {
			e.drainCancelled(tasks)
			finish(true)
			return
		}

		// Step 1: top up the read-ahead pipeline.
		for len(tasks) < e.bufferedPrintCodes {
			e.mu.Lock()
			paused := e.pauseRequested
			eof := e.eof
			e.mu.Unlock()
			if paused || eof {
				break
			}

			c, _, _, err := e.readNext()
			if err != nil {
				e.log.Warn().Err(err).Str("file", e.filename).Msg("job file read failed")
				e.mu.Lock()
				e.eof = true
				e.mu.Unlock()
				break
			}
			if c == nil {
				e.mu.Lock()
				e.eof = true
				e.mu.Unlock()
				break
			}

			h, err := e.proc.Queue(c)
			if err != nil {
				e.log.Warn().Err(err).Msg("failed to queue job code")
				continue
			}
			tasks = append(tasks, task{c: c, h: h})
		}

		if len(tasks) == 0 {
			e.mu.Lock()
			eof := e.eof
			e.mu.Unlock()
			if eof {
				finish(false)
				return
			}
			// Nothing buffered and not at EOF means a pause took effect
			// with an empty pipeline; fall through to the pause check.
		} else {
			t := tasks[0]
			tasks = tasks[1:]
			out := t.h.Wait()
			if out.Err != nil {
				var le *linkerr.Error
				if !(errors.As(out.Err, &le) && le.Kind == linkerr.CodeCancelled) {
					e.log.Warn().Err(out.Err).Msg("job code failed")
				}
			} else if out.Result.HasError() {
				e.log.Warn().Interface("result", out.Result).Msg("job code completed with error result")
			}
			e.mu.Lock()
			e.nextFilePosition = t.c.FileOffset + t.c.Length
			e.mu.Unlock()
		}

		e.mu.Lock()
		if e.pauseRequested {
			if e.pausePosition == nil {
				pos := e.nextFilePosition
				e.pausePosition = &pos
			}
			e.phase = Paused
			e.pauseRequested = false
			for e.phase == Paused {
				e.cond.Wait()
			}
			if e.phase == Paused {
				e.mu.Unlock()
				continue
			}
			if e.phase == Running {
				// Resume already seeked the file and invalidated the File
				// channel if a pausePosition was committed; the read-ahead
				// pipeline's remaining tasks now refer to stale positions
				// and must be dropped rather than dispatched.
				stale := tasks
				tasks = nil
				e.mu.Unlock()
				e.drainCancelled(stale)
				continue
			}
		}
		e.mu.Unlock()
	}
}

// drainCancelled waits out every still-pending task's handle. The File
// channel was already invalidated by requestCancelLocked, so each Wait
// resolves immediately with CodeCancelled.
func (e *Executor) drainCancelled(tasks []task) {
	for _, t := range tasks {
		t.h.Wait()
	}
}

// readNext reads and parses the next non-empty, non-comment line from the
// job file, returning its byte offset and length. It returns a nil code at
// EOF.
func (e *Executor) readNext() (*code.Code, int64, int64, error) {
	e.mu.Lock()
	scanner := e.scanner
	offset := e.readPosition
	e.mu.Unlock()

	for {
		if !scanner.Scan() {
			return nil, 0, 0, scanner.Err()
		}
		line := scanner.Text()
		length := int64(len(line) + 1)
		c, err := gcode.ScanLine(line, offset, length, code.File)
		offset += length
		if err != nil {
			return nil, 0, 0, err
		}
		e.mu.Lock()
		e.readPosition = offset
		e.mu.Unlock()
		if c.Type == code.TypeEmpty || c.Type == code.TypeComment {
			continue
		}
		return c, c.FileOffset, c.Length, nil
	}
}
