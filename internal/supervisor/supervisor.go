// Package supervisor wires the daemon's components together and owns
// its process lifecycle: startup, the Transfer Engine's dedicated
// goroutine, the diagnostics socket, and graceful shutdown. It is the
// one type that owns a transport, a dispatch table, and the
// connect/close lifecycle around them, tying together the Transfer
// Engine, Packet Router, and Job Executor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/config"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/diag"
	"github.com/amken3d/sbclinkd/internal/ipc"
	"github.com/amken3d/sbclinkd/internal/job"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/objectmodel"
	"github.com/amken3d/sbclinkd/internal/pluginlist"
	"github.com/amken3d/sbclinkd/internal/router"
	"github.com/amken3d/sbclinkd/internal/transfer"
)

// drainPoll is the interval the shutdown drain loop sleeps between
// checks, matching objectmodel.Store.SnapshotTimeout's own bounded-wait
// idiom (no channel or select primitive fits a "poll a plain field"
// wait as cleanly as a short sleep loop).
const drainPoll = 20 * time.Millisecond

// Supervisor owns every long-lived component and the process's exit
// code decision.
type Supervisor struct {
	log zerolog.Logger
	cfg config.Config

	device transfer.Device
	engine *transfer.Engine
	router *router.Router
	job    *job.Executor
	macros *macro.Registry
	core   *ipc.Core

	pluginNames []string

	diagListener net.Listener
}

// New constructs every component and wires them together, but does not
// yet start the Transfer Engine's goroutine; that happens in Run.
func New(log zerolog.Logger, cfg config.Config) (*Supervisor, error) {
	device, err := transfer.OpenSPIDevice(cfg.SPI.Bus, cfg.SPI.ChipSelect, cfg.SPI.SpeedHz)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening SPI device: %w", err)
	}
	lines := transfer.NewSysfsLines(cfg.Handshake.ReadyGPIO, cfg.Handshake.FirmwareReadyGPIO, cfg.Handshake.DirectionGPIO)
	engine := transfer.New(log, device, lines)

	corr := correlator.New()
	macros := macro.NewRegistry()
	model := objectmodel.New()
	rtr := router.New(log, corr, macros, model, nil, cfg.Job.CodeReplyTimeout)

	executor := job.New(log, rtr.Processor(code.File), cfg.Job.BufferedPrintCodes)
	rtr.SetJob(executor)

	core := ipc.New(rtr, executor)

	names, err := pluginlist.Load(cfg.PluginList)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("supervisor: loading plugin list: %w", err)
	}
	log.Info().Strs("plugins", names).Msg("loaded plugin list")

	return &Supervisor{
		log:         log,
		cfg:         cfg,
		device:      device,
		engine:      engine,
		router:      rtr,
		job:         executor,
		macros:      macros,
		core:        core,
		pluginNames: names,
	}, nil
}

// Run starts the Transfer Engine and blocks until a fatal error, an
// unrecoverable link failure, or SIGINT/SIGTERM triggers a graceful
// shutdown. It returns the process exit code: 0 on a clean shutdown, 1
// on a fatal link failure.
func (s *Supervisor) Run(ctx context.Context) int {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	engineErr := make(chan error, 1)
	go func() { engineErr <- s.engine.Run(engineCtx, s.router) }()

	if s.cfg.Diagnostics.SocketPath != "" {
		if err := s.startDiagnosticsSocket(engineCtx); err != nil {
			s.log.Warn().Err(err).Msg("diagnostics socket unavailable")
		}
	}

	select {
	case <-sigCtx.Done():
		s.log.Info().Msg("shutdown signal received, draining in-flight codes")
		s.drain()
		cancelEngine()
		<-engineErr
		s.shutdown()
		return 0

	case err := <-engineErr:
		cancelEngine()
		if err == nil {
			s.shutdown()
			return 0
		}
		var le *linkerr.Error
		if errors.As(err, &le) && le.Kind == linkerr.LinkFailure {
			s.log.Error().Err(err).Msg("fatal link failure, exiting")
			s.shutdown()
			return 1
		}
		s.log.Error().Err(err).Msg("transfer engine exited unexpectedly")
		s.shutdown()
		return 1
	}
}

// drain gives every channel up to the configured code reply timeout to
// empty its queued and in-flight work before shutdown proceeds, best
// effort. The Transfer Engine keeps running while this happens so
// outstanding replies can still arrive.
func (s *Supervisor) drain() {
	timeout := s.cfg.Job.CodeReplyTimeout
	if timeout <= 0 {
		timeout = correlator.DefaultDeadline
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.allChannelsIdle() {
			return
		}
		time.Sleep(drainPoll)
	}
	s.log.Warn().Msg("drain deadline exceeded, shutting down with codes still outstanding")
}

func (s *Supervisor) allChannelsIdle() bool {
	for ch := code.Channel(0); int(ch) < code.NumChannels; ch++ {
		queued, inFlight := s.router.Processor(ch).QueueDepth()
		if queued != 0 || inFlight != 0 {
			return false
		}
	}
	return true
}

// shutdown persists the plugin list and closes the SPI device. Called
// on every exit path so a fatal link failure still leaves the plugin
// list in a consistent state for the next startup. Nothing in this
// daemon changes the running-plugin set, so the file is written back
// unchanged from what was loaded at startup.
func (s *Supervisor) shutdown() {
	if err := pluginlist.Save(s.cfg.PluginList, s.pluginNames); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist plugin list")
	}
	if err := s.device.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close SPI device")
	}
	if s.diagListener != nil {
		s.diagListener.Close()
	}
}

// startDiagnosticsSocket serves one diag.Bundle per connection on a Unix
// domain socket, for the dump-state CLI subcommand. The protocol is a
// one-shot dump on connect, so plain net.Listener framing is enough.
func (s *Supervisor) startDiagnosticsSocket(ctx context.Context) error {
	os.Remove(s.cfg.Diagnostics.SocketPath)
	ln, err := net.Listen("unix", s.cfg.Diagnostics.SocketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s: %w", s.cfg.Diagnostics.SocketPath, err)
	}
	s.diagListener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveDiagnosticsConn(conn)
		}
	}()
	return nil
}

func (s *Supervisor) serveDiagnosticsConn(conn net.Conn) {
	defer conn.Close()

	bundle, err := s.collectDiagnostics()
	if err != nil {
		s.log.Warn().Err(err).Msg("diagnostics collection failed")
		return
	}
	if err := diag.EncodeBundle(conn, bundle); err != nil {
		s.log.Warn().Err(err).Msg("diagnostics encode failed")
	}
}

func (s *Supervisor) collectDiagnostics() (diag.Bundle, error) {
	channels := make([]diag.ChannelStats, 0, code.NumChannels)
	for ch := code.Channel(0); int(ch) < code.NumChannels; ch++ {
		proc := s.router.Processor(ch)
		queued, inFlight := proc.QueueDepth()
		channels = append(channels, diag.ChannelStatsFor(ch, queued, inFlight, proc.BufferSpace()))
	}

	link := s.engine.Stats()
	return diag.Collect(
		s.router.Model(),
		channels,
		s.core.OpenMacros(s.macros),
		diag.LinkStats{
			TotalResyncs:      link.TotalResyncs,
			TotalCRCFailures:  link.TotalCRCFailures,
			LastCycleDuration: link.LastCycleDuration,
		},
		s.core.JobStats(),
		s.cfg.Diagnostics.LockTimeout,
	)
}

// Core exposes the IPC operation surface for an external transport to
// bind to. Unexported field access from outside the package goes
// through this accessor rather than exporting Supervisor's fields
// directly, keeping the wiring above the only place components are
// assembled.
func (s *Supervisor) Core() *ipc.Core { return s.core }
