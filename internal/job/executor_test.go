package job

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/amken3d/sbclinkd/internal/channel"
	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/correlator"
	"github.com/amken3d/sbclinkd/internal/linkerr"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/wire"
)

// pumpFirmware simulates a Transfer Engine + firmware that immediately acks
// every outbound code with an empty Final reply, until stop is closed.
func pumpFirmware(t *testing.T, proc *channel.Processor, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			pkt, ok := proc.NextPacket(4096)
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			hdr, _ := wire.DecodePacketHeader(pkt)
			proc.OnReply(hdr.ID, nil, true)
		}
	}()
}

func newTestExecutor() (*Executor, *channel.Processor) {
	log := zerolog.New(io.Discard)
	proc := channel.NewProcessor(code.File, correlator.New(), macro.NewRegistry(), 0)
	proc.RefreshBufferSpace(1 << 20)
	return New(log, proc, 0), proc
}

func writeJobFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.g")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSelectAndRunToFinished(t *testing.T) {
	e, proc := newTestExecutor()
	stop := make(chan struct{})
	defer close(stop)
	pumpFirmware(t, proc, stop)

	path := writeJobFile(t, "G1 X1\nG1 X2\nM400\n")
	if err := e.SelectFile(path, false); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if err := e.StartPrint(); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for e.Phase() != Finished {
		select {
		case <-deadline:
			t.Fatalf("job did not reach Finished, stuck at %s", e.Phase())
		case <-time.After(time.Millisecond):
		}
	}
	if e.LastFileCancelled() {
		t.Errorf("expected LastFileCancelled=false on clean EOF")
	}
}

func TestPauseAndResume(t *testing.T) {
	e, proc := newTestExecutor()
	stop := make(chan struct{})
	defer close(stop)
	pumpFirmware(t, proc, stop)

	path := writeJobFile(t, "G1 X1\nG1 X2\nG1 X3\nG1 X4\n")
	if err := e.SelectFile(path, false); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if err := e.Pause(nil, 1); err == nil {
		t.Fatalf("expected Pause to fail before StartPrint")
	}
	if err := e.StartPrint(); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}
	if err := e.Pause(nil, 7); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for e.Phase() != Paused {
		select {
		case <-deadline:
			t.Fatalf("job did not reach Paused, stuck at %s", e.Phase())
		case <-time.After(time.Millisecond):
		}
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	deadline = time.After(2 * time.Second)
	for e.Phase() != Finished {
		select {
		case <-deadline:
			t.Fatalf("job did not reach Finished after resume, stuck at %s", e.Phase())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCancelMidRun(t *testing.T) {
	e, _ := newTestExecutor()
	// Deliberately do not pump the firmware: codes will sit queued/in
	// flight so Cancel must unblock them via CodeCancelled.
	path := writeJobFile(t, "G1 X1\nG1 X2\nG1 X3\nG1 X4\n")
	if err := e.SelectFile(path, false); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if err := e.StartPrint(); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := e.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for e.Phase() != Finished {
		select {
		case <-deadline:
			t.Fatalf("job did not reach Finished after cancel, stuck at %s", e.Phase())
		case <-time.After(time.Millisecond):
		}
	}
	if !e.LastFileCancelled() {
		t.Errorf("expected LastFileCancelled=true after Cancel")
	}
}

func TestSelectFileRejectsDuringCancelling(t *testing.T) {
	e, _ := newTestExecutor()
	path := writeJobFile(t, "G1 X1\nG1 X2\n")
	if err := e.SelectFile(path, false); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if err := e.StartPrint(); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := e.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	err := e.SelectFile(path, false)
	var le *linkerr.Error
	if !errors.As(err, &le) || le.Kind != linkerr.Busy {
		t.Fatalf("expected Busy rejecting SelectFile during Cancelling, got %v", err)
	}
}

func TestPrintPausedPrecedenceOverridesOnlyWhenOffsetIsNotLarger(t *testing.T) {
	e, proc := newTestExecutor()
	stop := make(chan struct{})
	defer close(stop)
	pumpFirmware(t, proc, stop)

	path := writeJobFile(t, "G1 X1\nG1 X2\nG1 X3\nG1 X4\nG1 X5\n")
	if err := e.SelectFile(path, false); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if err := e.StartPrint(); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}
	e.OnPrintPaused(100, 1)

	deadline := time.After(2 * time.Second)
	for e.Phase() != Paused {
		select {
		case <-deadline:
			t.Fatalf("job did not reach Paused, stuck at %s", e.Phase())
		case <-time.After(time.Millisecond):
		}
	}

	e.OnPrintPaused(200, 2) // larger offset: must not override
	e.mu.Lock()
	got := *e.pausePosition
	e.mu.Unlock()
	if got != 100 {
		t.Errorf("expected pausePosition to stay 100, got %d", got)
	}

	e.OnPrintPaused(50, 3) // smaller offset: must override
	e.mu.Lock()
	got = *e.pausePosition
	e.mu.Unlock()
	if got != 50 {
		t.Errorf("expected pausePosition to become 50, got %d", got)
	}
}
