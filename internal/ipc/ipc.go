// Package ipc is the client-facing operation surface, wrapping the Job
// Executor and Packet Router with the fixed set of commands an IPC
// transport hands off to the core. Every method returns a (result,
// error) pair whose error, when non-nil, is a *linkerr.Error carrying a
// closed (kind, message) pair a client can inspect.
package ipc

import (
	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/diag"
	"github.com/amken3d/sbclinkd/internal/gcode"
	"github.com/amken3d/sbclinkd/internal/job"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/objectmodel"
	"github.com/amken3d/sbclinkd/internal/router"
)

// Core is the single entry point an IPC transport calls into.
type Core struct {
	router *router.Router
	job    *job.Executor
}

func New(r *router.Router, j *job.Executor) *Core {
	return &Core{router: r, job: j}
}

// SelectFile opens filename as the next job, cancelling any job
// currently running.
func (c *Core) SelectFile(filename string, simulating bool) error {
	return c.job.SelectFile(filename, simulating)
}

// StartPrint begins reading and dispatching codes from the selected
// file.
func (c *Core) StartPrint() error {
	return c.job.StartPrint()
}

// Pause requests a pause; pos overrides the resume offset the Job
// Executor would otherwise compute from its own position, exactly as
// firmware's PrintPaused message does.
func (c *Core) Pause(pos *int64, reason byte) error {
	return c.job.Pause(pos, reason)
}

func (c *Core) Resume() error {
	return c.job.Resume()
}

func (c *Core) Cancel() error {
	return c.job.Cancel()
}

func (c *Core) Abort() error {
	return c.job.Abort()
}

func (c *Core) GetFilePosition() int64 {
	return c.job.GetFilePosition()
}

func (c *Core) SetFilePosition(pos int64) error {
	return c.job.SetFilePosition(pos)
}

// FlushChannel reports whether ch currently has no queued or in-flight
// codes.
func (c *Core) FlushChannel(ch code.Channel) error {
	if !ch.Valid() {
		return linkerr.New(linkerr.InvalidArgument, "unknown channel")
	}
	return c.router.Processor(ch).Flush()
}

// SimpleCode parses codeText as a single line and queues it on ch via
// the same path a job's codes take.
func (c *Core) SimpleCode(ch code.Channel, codeText string) (code.Result, error) {
	if !ch.Valid() {
		return nil, linkerr.New(linkerr.InvalidArgument, "unknown channel")
	}
	parsed, err := gcode.ScanLine(codeText, -1, int64(len(codeText)), ch)
	if err != nil {
		return nil, linkerr.Wrap(linkerr.InvalidArgument, "parsing SimpleCode text", err)
	}
	if parsed.Type == code.TypeEmpty || parsed.Type == code.TypeComment {
		return nil, nil
	}
	h, err := c.router.Processor(ch).Queue(parsed)
	if err != nil {
		return nil, err
	}
	out := h.Wait()
	return out.Result, out.Err
}

// ReadObjectModel returns the value at path in the current object
// model, or the whole document if path is empty.
func (c *Core) ReadObjectModel(path string) (objectmodel.Node, error) {
	snap := c.router.Model().Snapshot()
	if path == "" {
		return snap.Document, nil
	}
	return objectmodel.Lookup(snap.Document, path)
}

// SubscribeObjectModel streams object-model snapshots matching filter
// until cancel is called.
func (c *Core) SubscribeObjectModel(filter string) (<-chan objectmodel.Snapshot, func()) {
	return c.router.Model().Subscribe(filter)
}

// GetChannelDiagnostics reports one channel's queue depth and
// buffer-space mirror.
func (c *Core) GetChannelDiagnostics(ch code.Channel) (diag.ChannelStats, error) {
	if !ch.Valid() {
		return diag.ChannelStats{}, linkerr.New(linkerr.InvalidArgument, "unknown channel")
	}
	proc := c.router.Processor(ch)
	queued, inFlight := proc.QueueDepth()
	return diag.ChannelStatsFor(ch, queued, inFlight, proc.BufferSpace()), nil
}

// OpenMacros returns the current macro-stack dump across all channels.
func (c *Core) OpenMacros(macros *macro.Registry) []macro.DumpEntry {
	return macros.Dump()
}

// JobStats is a lightweight read of the Job Executor's current state,
// used by both GetChannelDiagnostics' sibling on the CLI and diag.Collect.
func (c *Core) JobStats() diag.JobStats {
	return diag.JobStats{
		Phase:             c.job.Phase().String(),
		NextFilePosition:  c.job.GetFilePosition(),
		LastFileCancelled: c.job.LastFileCancelled(),
	}
}
