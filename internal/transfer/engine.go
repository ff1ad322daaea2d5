// Package transfer implements the Transfer Engine (C1): the SPI
// full-duplex, framed, CRC-checked packet exchange with the firmware,
// including handshake, header/body exchange, resync on corruption, and
// escalation to a fatal link-lost condition. Sequence tracking, a
// resynchronized/unsynchronized bit, and resync-on-corruption drive a
// fixed-size duplex SPI exchange over golang.org/x/exp/io/spi.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/router"
	"github.com/amken3d/sbclinkd/internal/wire"
)

// pollInterval is how often the handshake step re-checks the
// firmware-ready line while waiting within one handshakeTimeout window.
const pollInterval = 5 * time.Millisecond

// Engine runs the dedicated transfer loop on its own goroutine, presenting
// a blocking exchange() interface to its caller.
type Engine struct {
	log    zerolog.Logger
	device Device
	lines  HandshakeLines

	handshakeTimeout time.Duration
	cycleTime        time.Duration

	seq            uint16
	crcFailures    int
	resyncFailures int

	// Monotonic counters and last-cycle timing, read by the diagnostics
	// surface, since the round-trip bound and link-loss scenario are
	// otherwise unobservable without instrumenting firmware.
	statsMu          sync.Mutex
	totalResyncs     int
	totalCRCFailures int
	lastCycleDuration time.Duration

	// carry holds the exact outbound bytes from a cycle that failed its
	// CRC/version check, to be resent verbatim next cycle: the Transfer
	// Engine, not the Router, remembers them, since the Router already
	// moved their codes out of its queues.
	carry []byte

	// sentLastCycle and pendingResend implement the resend convention:
	// any inbound packet whose header carries a nonzero ResendPacketID
	// is firmware asking for that outbound id to be re-emitted. A zero
	// ResendPacketID means "no resend requested", the same sentinel
	// NextPacket already always uses when building a fresh packet.
	sentLastCycle map[uint16][]byte
	pendingResend []byte
}

// Stats is a read-only snapshot of the engine's link health, backing
// GetChannelDiagnostics' sibling on the diagnostics surface.
type Stats struct {
	TotalResyncs      int
	TotalCRCFailures  int
	LastCycleDuration time.Duration
}

// Stats returns the current link statistics.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		TotalResyncs:      e.totalResyncs,
		TotalCRCFailures:  e.totalCRCFailures,
		LastCycleDuration: e.lastCycleDuration,
	}
}

func New(log zerolog.Logger, device Device, lines HandshakeLines) *Engine {
	return &Engine{
		log:              log.With().Str("component", "transfer").Logger(),
		device:           device,
		lines:            lines,
		handshakeTimeout: 4 * time.Second,
		cycleTime:        10 * time.Millisecond,
	}
}

// Run drives cycles against rtr until ctx is cancelled or the link is
// declared lost. A nil return means ctx was cancelled; a non-nil return
// is always a *linkerr.Error with Kind == linkerr.LinkFailure, the only
// error that unwinds the whole daemon.
func (e *Engine) Run(ctx context.Context, rtr *router.Router) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		outbound := e.nextOutbound(rtr)
		inbound, err := e.exchangeCycle(ctx, outbound)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var le *linkerr.Error
			if errors.As(err, &le) && le.Kind == linkerr.LinkFailure {
				e.log.Error().Err(err).Msg("SPI link lost, resync budget exhausted")
				return le
			}
			e.log.Warn().Err(err).Msg("transfer cycle failed, retrying with same outbound")
			e.carry = outbound
			continue
		}
		e.carry = nil

		packets, perr := wire.DecodePackets(inbound)
		if perr != nil {
			e.log.Warn().Err(perr).Msg("inbound body malformed despite passing CRC")
			continue
		}
		e.collectResends(packets)
		rtr.Ingress(packets)
	}
}

// nextOutbound returns the bytes to send this cycle: a carried-over
// failed cycle's bytes verbatim, or else any pending resends followed
// by freshly pulled egress up to the body-size cap.
func (e *Engine) nextOutbound(rtr *router.Router) []byte {
	if e.carry != nil {
		return e.carry
	}

	out := append([]byte(nil), e.pendingResend...)
	e.pendingResend = nil

	if remaining := wire.BodySizeCap - len(out); remaining > 0 {
		out = append(out, rtr.Egress(remaining)...)
	}

	e.recordSent(out)
	return out
}

// recordSent remembers this cycle's outbound packets by id so a later
// resend request can be honoured without re-asking the Router (which
// would hand back a different, newer packet under the same budget).
func (e *Engine) recordSent(out []byte) {
	pkts, err := wire.DecodePackets(out)
	if err != nil {
		e.sentLastCycle = nil
		return
	}
	m := make(map[uint16][]byte, len(pkts))
	for _, p := range pkts {
		m[p.Header.ID] = wire.EncodePacket(p.Header.RequestType, p.Header.ID, p.Header.ResendPacketID, p.Body)
	}
	e.sentLastCycle = m
}

func (e *Engine) collectResends(packets []wire.Packet) {
	for _, p := range packets {
		if p.Header.ResendPacketID == 0 {
			continue
		}
		raw, ok := e.sentLastCycle[p.Header.ResendPacketID]
		if !ok {
			e.log.Warn().Uint16("id", p.Header.ResendPacketID).Msg("resend requested for a packet this cycle no longer holds")
			continue
		}
		e.pendingResend = append(e.pendingResend, raw...)
	}
}

// exchangeCycle runs one full handshake→header→body cycle and returns
// the inbound body on success. Failures that have not yet escalated to
// a fatal link loss are returned as plain errors; the caller retries the
// same outboundBody.
func (e *Engine) exchangeCycle(ctx context.Context, outboundBody []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		e.statsMu.Lock()
		e.lastCycleDuration = time.Since(start)
		e.statsMu.Unlock()
	}()

	if err := e.handshake(ctx); err != nil {
		return nil, err
	}

	header := &wire.TransferHeader{
		FormatVersion:   wire.FormatVersion,
		ProtocolVersion: wire.ProtocolVersion,
		SequenceNumber:  e.seq,
		DataLength:      uint16(len(outboundBody)),
		ChecksumData:    wire.CRC16(outboundBody),
	}
	headerBuf := header.Encode()
	if err := e.device.Do(headerBuf, 0); err != nil {
		return nil, e.cycleFailed(ctx, fmt.Sprintf("header transfer: %v", err))
	}

	inHeader, ok := wire.DecodeTransferHeader(headerBuf)
	if !ok || inHeader.FormatVersion != wire.FormatVersion {
		return nil, e.cycleFailed(ctx, "header checksum or format version mismatch")
	}

	bodyLen := len(outboundBody)
	if int(inHeader.DataLength) > bodyLen {
		bodyLen = int(inHeader.DataLength)
	}
	bodyBuf := make([]byte, bodyLen)
	copy(bodyBuf, outboundBody)
	if err := e.device.Do(bodyBuf, 0); err != nil {
		return nil, e.cycleFailed(ctx, fmt.Sprintf("body transfer: %v", err))
	}

	inBody := bodyBuf[:inHeader.DataLength]
	if wire.CRC16(inBody) != inHeader.ChecksumData {
		return nil, e.cycleFailed(ctx, "body checksum mismatch")
	}

	e.seq++
	e.crcFailures = 0
	e.resyncFailures = 0
	return inBody, nil
}

// cycleFailed applies the failure-escalation counters: three
// consecutive CRC/version failures trigger resync(); ten consecutive
// resyncs without an intervening successful cycle surface a fatal
// LinkFailure.
func (e *Engine) cycleFailed(ctx context.Context, reason string) error {
	e.crcFailures++
	e.statsMu.Lock()
	e.totalCRCFailures++
	e.statsMu.Unlock()
	if e.crcFailures < 3 {
		return fmt.Errorf("transfer: %s (%d/3 before resync)", reason, e.crcFailures)
	}

	e.crcFailures = 0
	e.resync(ctx)
	e.statsMu.Lock()
	e.totalResyncs++
	e.statsMu.Unlock()
	e.resyncFailures++
	if e.resyncFailures >= 10 {
		return linkerr.New(linkerr.LinkFailure, "SPI resync budget exhausted after 10 consecutive resyncs")
	}
	return fmt.Errorf("transfer: %s, resynced (%d/10 resyncs)", reason, e.resyncFailures)
}

// handshake asserts the SBC-ready line and waits for firmware-ready,
// toggling the shared direction line and retrying on each timeout. It
// returns an error only if asserting the ready line fails or ctx is
// cancelled while waiting.
func (e *Engine) handshake(ctx context.Context) error {
	if err := e.lines.AssertReady(); err != nil {
		return fmt.Errorf("transfer: assert ready: %w", err)
	}
	deadline := time.Now().Add(e.handshakeTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ready, err := e.lines.FirmwareReady()
		if err == nil && ready {
			return nil
		}

		if time.Now().After(deadline) {
			if err := e.lines.ToggleDirection(); err != nil {
				e.log.Warn().Err(err).Msg("toggling transfer-direction line failed")
			}
			deadline = time.Now().Add(e.handshakeTimeout)
			continue
		}
		time.Sleep(pollInterval)
	}
}

// resync holds the SBC-ready line low for at least twice the firmware's
// expected cycle time before the next handshake() call restarts the
// loop.
func (e *Engine) resync(ctx context.Context) {
	if err := e.lines.DeassertReady(); err != nil {
		e.log.Warn().Err(err).Msg("deasserting ready line during resync failed")
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * e.cycleTime):
	}
}
