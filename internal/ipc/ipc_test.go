package ipc

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/channel"
	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/job"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/objectmodel"
	"github.com/amken3d/sbclinkd/internal/router"
	"github.com/amken3d/sbclinkd/internal/wire"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	log := zerolog.New(io.Discard)
	r := router.New(log, correlator.New(), macro.NewRegistry(), objectmodel.New(), nil, 0)
	j := job.New(log, r.Processor(code.File), 0)
	return New(r, j)
}

func TestSimpleCodeQueuesAndWaitsForReply(t *testing.T) {
	c := newTestCore(t)
	proc := c.router.Processor(code.File)
	proc.RefreshBufferSpace(4096)

	type outcome struct {
		result code.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := c.SimpleCode(code.File, "G28")
		done <- outcome{result, err}
	}()

	pkt, ok := waitForPacket(t, proc)
	if !ok {
		t.Fatalf("expected an outbound packet for the queued code")
	}
	hdr, err := wire.DecodePacketHeader(pkt)
	if err != nil {
		t.Fatalf("DecodePacketHeader: %v", err)
	}

	reply := wire.EncodeCodeReply(wire.CodeReplyBody{Channel: code.File, Severity: code.SeverityInfo, Flags: wire.CodeReplyFlags{Final: true}})
	c.router.Ingress([]wire.Packet{{Header: wire.PacketHeader{RequestType: wire.ReqCodeReply, ID: hdr.ID}, Body: reply}})

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("SimpleCode: %v", out.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("SimpleCode did not return after its reply arrived")
	}
}

// waitForPacket polls NextPacket briefly since the queueing goroutine races
// this test goroutine to move the code from queued to in-flight.
func waitForPacket(t *testing.T, proc *channel.Processor) ([]byte, bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pkt, ok := proc.NextPacket(4096); ok {
			return pkt, true
		}
		time.Sleep(time.Millisecond)
	}
	return nil, false
}

func TestSimpleCodeRejectsUnknownChannel(t *testing.T) {
	c := newTestCore(t)
	_, err := c.SimpleCode(code.Channel(99), "G28")
	if err == nil {
		t.Fatalf("expected an error for an unknown channel")
	}
	var le *linkerr.Error
	if !errors.As(err, &le) || le.Kind != linkerr.InvalidArgument {
		t.Fatalf("expected linkerr.InvalidArgument, got %v", err)
	}
}

func TestSimpleCodeSkipsEmptyAndCommentLines(t *testing.T) {
	c := newTestCore(t)
	c.router.Processor(code.File).RefreshBufferSpace(4096)

	for _, line := range []string{"", "   ", "; a comment"} {
		result, err := c.SimpleCode(code.File, line)
		if err != nil {
			t.Fatalf("SimpleCode(%q): %v", line, err)
		}
		if result != nil {
			t.Fatalf("SimpleCode(%q) = %+v, want nil", line, result)
		}
	}

	queued, inFlight := c.router.Processor(code.File).QueueDepth()
	if queued != 0 || inFlight != 0 {
		t.Fatalf("QueueDepth() = (%d, %d), want (0, 0): empty/comment lines must not be queued", queued, inFlight)
	}
}

func TestFlushChannelRejectsUnknownChannel(t *testing.T) {
	c := newTestCore(t)
	if err := c.FlushChannel(code.Channel(99)); err == nil {
		t.Fatalf("expected an error for an unknown channel")
	}
}

func TestReadObjectModelWholeDocumentAndPath(t *testing.T) {
	c := newTestCore(t)
	if err := c.router.Model().ApplyPatch("", map[string]objectmodel.Node{
		"state": map[string]objectmodel.Node{"status": "idle"},
	}); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	whole, err := c.ReadObjectModel("")
	if err != nil {
		t.Fatalf("ReadObjectModel(\"\"): %v", err)
	}
	doc, ok := whole.(map[string]objectmodel.Node)
	if !ok || doc["state"] == nil {
		t.Fatalf("ReadObjectModel(\"\") = %+v", whole)
	}

	status, err := c.ReadObjectModel("state/status")
	if err != nil {
		t.Fatalf("ReadObjectModel(\"state/status\"): %v", err)
	}
	if status != "idle" {
		t.Fatalf("ReadObjectModel(\"state/status\") = %v, want idle", status)
	}

	if _, err := c.ReadObjectModel("state/missing"); err == nil {
		t.Fatalf("expected an error for a missing path")
	}
}

func TestGetChannelDiagnosticsReportsQueueAndBufferSpace(t *testing.T) {
	c := newTestCore(t)
	proc := c.router.Processor(code.File)
	proc.RefreshBufferSpace(1024)

	stats, err := c.GetChannelDiagnostics(code.File)
	if err != nil {
		t.Fatalf("GetChannelDiagnostics: %v", err)
	}
	if stats.Channel != "File" || stats.BufferSpace != 1024 {
		t.Fatalf("GetChannelDiagnostics() = %+v", stats)
	}

	if _, err := c.GetChannelDiagnostics(code.Channel(99)); err == nil {
		t.Fatalf("expected an error for an unknown channel")
	}
}

func TestJobStatsReflectsExecutorPhase(t *testing.T) {
	c := newTestCore(t)
	stats := c.JobStats()
	if stats.Phase != "Idle" {
		t.Fatalf("JobStats().Phase = %q, want Idle", stats.Phase)
	}
}
