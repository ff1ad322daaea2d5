package channel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/wire"
)

func newTestProcessor() (*Processor, *correlator.Correlator, *macro.Registry) {
	corr := correlator.New()
	macros := macro.NewRegistry()
	return NewProcessor(code.File, corr, macros, 0), corr, macros
}

func TestQueueAndCompleteHappyPath(t *testing.T) {
	p, _, _ := newTestProcessor()
	p.RefreshBufferSpace(1024)

	c := &code.Code{Type: code.TypeGCode, Major: 1, Minor: -1}
	h, err := p.Queue(c)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	pkt, ok := p.NextPacket(4096)
	if !ok {
		t.Fatalf("expected a packet to be ready")
	}
	hdr, _ := wire.DecodePacketHeader(pkt)
	if hdr.RequestType != wire.ReqCode {
		t.Fatalf("unexpected request type: %v", hdr.RequestType)
	}

	p.OnReply(hdr.ID, nil, true)

	out := h.Wait()
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(out.Result) != 0 {
		t.Errorf("expected empty result, got %v", out.Result)
	}
}

func TestNextPacketRespectsBufferSpace(t *testing.T) {
	p, _, _ := newTestProcessor()
	p.RefreshBufferSpace(5) // smaller than any encoded code

	c := &code.Code{Type: code.TypeGCode, Major: 1, Minor: -1}
	if _, err := p.Queue(c); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	if _, ok := p.NextPacket(4096); ok {
		t.Fatalf("expected NextPacket to refuse emission over buffer-space budget")
	}

	p.RefreshBufferSpace(1024)
	if _, ok := p.NextPacket(4096); !ok {
		t.Fatalf("expected NextPacket to succeed once buffer space is sufficient")
	}
}

func TestMacroOpeningCodeStaysInFlightUntilMacroEOF(t *testing.T) {
	p, _, _ := newTestProcessor()
	p.RefreshBufferSpace(4096)

	dir := t.TempDir()
	macroPath := filepath.Join(dir, "foo.g")
	if err := os.WriteFile(macroPath, []byte("G1 X1\nG1 X2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opening := &code.Code{Type: code.TypeMCode, Major: 98, Minor: -1}
	h, err := p.Queue(opening)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	pkt, ok := p.NextPacket(4096)
	if !ok {
		t.Fatalf("expected opening code packet")
	}
	hdr, _ := wire.DecodePacketHeader(pkt)

	if err := p.OnMacroRequest(hdr.ID, macroPath, macro.Flags{}); err != nil {
		t.Fatalf("OnMacroRequest: %v", err)
	}

	// Firmware's Final reply for the opening code arrives, but since it
	// is macro-pending, completion must not fire yet.
	p.OnReply(hdr.ID, nil, true)

	select {
	case <-h.Done():
		t.Fatalf("opening code completed before macro EOF")
	default:
	}

	// Drain the macro's two codes.
	for i := 0; i < 2; i++ {
		more, err := p.PumpMacro()
		if err != nil {
			t.Fatalf("PumpMacro: %v", err)
		}
		if !more {
			t.Fatalf("expected a macro code on iteration %d", i)
		}
		mpkt, ok := p.NextPacket(4096)
		if !ok {
			t.Fatalf("expected macro code packet on iteration %d", i)
		}
		mhdr, _ := wire.DecodePacketHeader(mpkt)
		p.OnReply(mhdr.ID, nil, true)
	}

	// Macro EOF: PumpMacro returns false and releases the opening code.
	more, err := p.PumpMacro()
	if err != nil {
		t.Fatalf("PumpMacro at EOF: %v", err)
	}
	if more {
		t.Fatalf("expected macro EOF")
	}

	out := h.Wait()
	if out.Err != nil {
		t.Fatalf("opening code failed: %v", out.Err)
	}
}

func TestInvalidateCancelsQueuedAndInFlight(t *testing.T) {
	p, _, _ := newTestProcessor()
	p.RefreshBufferSpace(4096)

	var handles []*correlator.Handle
	for i := 0; i < 3; i++ {
		h, err := p.Queue(&code.Code{Type: code.TypeGCode, Major: i, Minor: -1})
		if err != nil {
			t.Fatalf("Queue: %v", err)
		}
		handles = append(handles, h)
	}
	// Send one so it is in flight, leave the rest queued.
	p.NextPacket(4096)

	p.Invalidate()

	for _, h := range handles {
		out := h.Wait()
		var le *linkerr.Error
		if !errors.As(out.Err, &le) || le.Kind != linkerr.CodeCancelled {
			t.Fatalf("expected CodeCancelled, got %v", out.Err)
		}
	}
}
