// Package router implements the Packet Router (C2): it demultiplexes
// inbound packets by request type and channel, and serialises outbound
// packets from per-channel queues under a byte budget, in a fixed
// egress priority order.
package router

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/channel"
	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/objectmodel"
	"github.com/amken3d/sbclinkd/internal/wire"
)

// JobController is the narrow slice of the Job Executor the router needs
// to notify about firmware-initiated file events. Kept as an interface
// here (rather than importing internal/job) so job and router don't
// form an import cycle; the supervisor wires the concrete *job.Executor
// in at startup.
type JobController interface {
	OnAbortFile()
	OnPrintPaused(offset int64, reason byte)
}

// Router owns every Channel Processor, the shared macro registry, and
// the object model store, and is the sole writer of the latter.
type Router struct {
	log zerolog.Logger

	processors map[code.Channel]*channel.Processor
	macros     *macro.Registry
	model      *objectmodel.Store
	job        JobController
}

// New builds a Router with one Channel Processor per logical channel.
// codeReplyTimeout is the deadline each Channel Processor gives a queued
// code before its correlator entry fails with CodeTimeout; zero falls
// back to correlator.DefaultDeadline.
func New(log zerolog.Logger, corr *correlator.Correlator, macros *macro.Registry, model *objectmodel.Store, job JobController, codeReplyTimeout time.Duration) *Router {
	r := &Router{
		log:        log.With().Str("component", "router").Logger(),
		processors: make(map[code.Channel]*channel.Processor),
		macros:     macros,
		model:      model,
		job:        job,
	}
	for ch := code.Channel(0); int(ch) < code.NumChannels; ch++ {
		r.processors[ch] = channel.NewProcessor(ch, corr, macros, codeReplyTimeout)
	}
	return r
}

// Processor returns the Channel Processor for ch.
func (r *Router) Processor(ch code.Channel) *channel.Processor {
	return r.processors[ch]
}

// Model returns the shared object model store.
func (r *Router) Model() *objectmodel.Store { return r.model }

// SetJob attaches the Job Executor as this router's JobController. The
// Job Executor is constructed from one of the router's own Channel
// Processors (the File channel), so it necessarily comes into being
// after New returns; the supervisor closes this cycle by calling SetJob
// once both are built.
func (r *Router) SetJob(job JobController) {
	r.job = job
}

// Ingress applies every packet in a received transfer to the
// appropriate component.
func (r *Router) Ingress(packets []wire.Packet) {
	for _, pkt := range packets {
		if err := r.ingressOne(pkt); err != nil {
			r.log.Warn().Err(err).Uint16("requestType", uint16(pkt.Header.RequestType)).Msg("dropping malformed inbound packet")
		}
	}
}

func (r *Router) ingressOne(pkt wire.Packet) error {
	switch pkt.Header.RequestType {
	case wire.ReqObjectModel:
		return r.handleObjectModel(pkt.Body)
	case wire.ReqCodeReply:
		return r.handleCodeReply(pkt.Header.ID, pkt.Body)
	case wire.ReqCode, wire.ReqGetObjectModel, wire.ReqSetObjectModel, wire.ReqResendPacket, wire.ReqFlush:
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("outbound-only request type %d received as ingress", pkt.Header.RequestType))
	case wire.ReqMacroRequest:
		return r.handleMacroRequest(pkt.Header.ID, pkt.Body)
	case wire.ReqAbortFile:
		return r.handleAbortFile(pkt.Body)
	case wire.ReqPrintPaused:
		return r.handlePrintPaused(pkt.Body)
	case wire.ReqStackEvent:
		return r.handleStackEvent(pkt.Body)
	case wire.ReqMessage, wire.ReqEvaluationResult:
		r.log.Debug().Uint16("requestType", uint16(pkt.Header.RequestType)).Int("len", len(pkt.Body)).Msg("informational packet")
		return nil
	default:
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("unknown request type %d", pkt.Header.RequestType))
	}
}

func (r *Router) handleObjectModel(body []byte) error {
	om, err := wire.DecodeObjectModel(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "ObjectModel packet", err)
	}
	value, err := objectmodel.DecodePatchValue(om.Payload)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "ObjectModel payload", err)
	}
	if err := r.model.ApplyPatch(om.Path, value); err != nil {
		return err
	}
	r.syncBufferSpace()
	return nil
}

// syncBufferSpace mirrors the object model's per-channel bufferSpace
// figures into each Channel Processor's local mirror on every
// ObjectModel update. The document shape is
// {"channels": {"File": {"bufferSpace": N}, ...}}.
func (r *Router) syncBufferSpace() {
	snap := r.model.Snapshot()
	chans, ok := snap.Document["channels"].(map[string]objectmodel.Node)
	if !ok {
		return
	}
	for name, v := range chans {
		obj, ok := v.(map[string]objectmodel.Node)
		if !ok {
			continue
		}
		n, ok := obj["bufferSpace"].(float64)
		if !ok {
			continue
		}
		ch, ok := code.ParseChannel(name)
		if !ok {
			continue
		}
		r.processors[ch].RefreshBufferSpace(int(n))
	}
}

func (r *Router) handleCodeReply(id uint16, body []byte) error {
	cr, err := wire.DecodeCodeReply(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "CodeReply packet", err)
	}
	if !cr.Channel.Valid() {
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("CodeReply for unknown channel %d", cr.Channel))
	}
	proc := r.processors[cr.Channel]
	if cr.Content == "" {
		proc.OnReply(id, nil, cr.Flags.Final)
		return nil
	}
	line := &code.ResultLine{Severity: cr.Severity, Text: cr.Content}
	proc.OnReply(id, line, cr.Flags.Final)
	return nil
}

func (r *Router) handleMacroRequest(_ uint16, body []byte) error {
	mr, err := wire.DecodeMacroRequest(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "MacroRequest packet", err)
	}
	if !mr.Channel.Valid() {
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("MacroRequest for unknown channel %d", mr.Channel))
	}
	proc := r.processors[mr.Channel]

	openingID := mr.OpeningCodeID
	if openingID == wire.NoOpeningCode {
		// System-initiated (e.g. config.g): push directly without an
		// opening code to hold in flight.
		if err := proc.StartSystemMacro(mr.Filename, macro.Flags{IsConfig: true}); err != nil {
			if mr.ReportMissing {
				r.log.Warn().Err(err).Str("file", mr.Filename).Msg("system macro missing")
			}
			return nil
		}
		return nil
	}

	if err := proc.OnMacroRequest(openingID, mr.Filename, macro.Flags{IsNested: true}); err != nil {
		if mr.ReportMissing {
			proc.OnReply(openingID, &code.ResultLine{Severity: code.SeverityError, Text: err.Error()}, true)
		}
		return nil
	}
	return nil
}

func (r *Router) handleAbortFile(body []byte) error {
	ab, err := wire.DecodeAbortFile(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "AbortFile packet", err)
	}
	if !ab.Channel.Valid() {
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("AbortFile for unknown channel %d", ab.Channel))
	}
	proc := r.processors[ab.Channel]
	proc.Invalidate()

	if ab.AbortAll && ab.Channel == code.File && r.job != nil {
		r.job.OnAbortFile()
	}
	return nil
}

func (r *Router) handlePrintPaused(body []byte) error {
	pp, err := wire.DecodePrintPaused(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "PrintPaused packet", err)
	}
	if r.job != nil {
		r.job.OnPrintPaused(pp.Offset, pp.Reason)
	}
	return nil
}

func (r *Router) handleStackEvent(body []byte) error {
	se, err := wire.DecodeStackEvent(body)
	if err != nil {
		return linkerr.Wrap(linkerr.ProtocolViolation, "StackEvent packet", err)
	}
	if !se.Channel.Valid() {
		return linkerr.New(linkerr.ProtocolViolation, fmt.Sprintf("StackEvent for unknown channel %d", se.Channel))
	}
	r.log.Debug().Stringer("channel", se.Channel).Uint16("depth", se.Depth).Msg("firmware stack depth changed")
	return nil
}

// Egress asks every Channel Processor for packets in the fixed priority
// order, stopping once budget bytes have been consumed.
func (r *Router) Egress(budget int) []byte {
	out := make([]byte, 0, budget)
	for _, ch := range code.EgressPriority {
		proc := r.processors[ch]
		for len(out) < budget {
			if proc.NeedsMacroPump() {
				if _, err := proc.PumpMacro(); err != nil {
					r.log.Warn().Err(err).Stringer("channel", ch).Msg("macro pump failed")
					break
				}
			}
			pkt, ok := proc.NextPacket(budget - len(out))
			if !ok {
				break
			}
			out = append(out, pkt...)
		}
	}
	return out
}
