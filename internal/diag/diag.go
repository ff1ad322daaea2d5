// Package diag builds and persists the diagnostic/support-bundle dump:
// object-model snapshot, per-channel queue/buffer/macro-stack state, and
// Transfer Engine link statistics. A bundle is gzip-compressed JSON so
// it stays human-readable once decompressed.
package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/amken3d/sbclinkd/internal/code"
	"github.com/amken3d/sbclinkd/internal/macro"
	"github.com/amken3d/sbclinkd/internal/objectmodel"
)

// ChannelStats is one channel's slice of GetChannelDiagnostics.
type ChannelStats struct {
	Channel     string `json:"channel"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"inFlight"`
	BufferSpace int    `json:"bufferSpace"`
}

// LinkStats mirrors transfer.Stats without importing the transfer
// package, keeping diag a leaf consumer wired at the supervisor.
type LinkStats struct {
	TotalResyncs      int           `json:"totalResyncs"`
	TotalCRCFailures  int           `json:"totalCRCFailures"`
	LastCycleDuration time.Duration `json:"lastCycleDurationNs"`
}

// JobStats is the Job Executor's externally visible state.
type JobStats struct {
	Phase             string `json:"phase"`
	Filename          string `json:"filename,omitempty"`
	NextFilePosition  int64  `json:"nextFilePosition"`
	LastFileCancelled bool   `json:"lastFileCancelled"`
}

// Bundle is the full diagnostics snapshot, serialised as one JSON
// document before compression.
type Bundle struct {
	Revision    uint64                `json:"revision"`
	Model       map[string]objectmodel.Node `json:"objectModel"`
	Channels    []ChannelStats        `json:"channels"`
	OpenMacros  []macro.DumpEntry     `json:"openMacros"`
	Link        LinkStats             `json:"link"`
	Job         JobStats              `json:"job"`
}

// DefaultLockTimeout is used when Collect is called with a
// non-positive lockTimeout.
const DefaultLockTimeout = 2 * time.Second

// Collect assembles a Bundle. channelStats and openMacros are supplied
// by the caller (the supervisor, which owns the Router and Job
// Executor) rather than diag reaching into them directly, keeping this
// package a pure aggregator with no component dependencies of its own
// beyond the Object Model Store it must lock-with-timeout. If the
// object model's read lock cannot be acquired within lockTimeout,
// Collect fails instead of blocking; lockTimeout <= 0 falls back to
// DefaultLockTimeout.
func Collect(model *objectmodel.Store, channels []ChannelStats, openMacros []macro.DumpEntry, link LinkStats, job JobStats, lockTimeout time.Duration) (Bundle, error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	snap, err := model.SnapshotTimeout(lockTimeout)
	if err != nil {
		return Bundle{}, fmt.Errorf("diag: %w", err)
	}
	return Bundle{
		Revision:   snap.Revision,
		Model:      snap.Document,
		Channels:   channels,
		OpenMacros: openMacros,
		Link:       link,
		Job:        job,
	}, nil
}

// EncodeBundle gzip-compresses b's JSON encoding onto w. Shared by
// WriteBundle and the supervisor's diagnostics socket, which streams the
// same encoding directly to a connection instead of a file.
func EncodeBundle(w io.Writer, b Bundle) error {
	gw := gzip.NewWriter(w)
	if err := json.NewEncoder(gw).Encode(b); err != nil {
		gw.Close()
		return fmt.Errorf("diag: encoding bundle: %w", err)
	}
	return gw.Close()
}

// DecodeBundle reverses EncodeBundle.
func DecodeBundle(r io.Reader) (Bundle, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return Bundle{}, fmt.Errorf("diag: decompressing bundle: %w", err)
	}
	defer gr.Close()

	var b Bundle
	if err := json.NewDecoder(gr).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("diag: decoding bundle: %w", err)
	}
	return b, nil
}

// WriteBundle gzip-compresses b's JSON encoding to path.
func WriteBundle(path string, b Bundle) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("diag: creating %s: %w", path, err)
	}
	defer f.Close()
	return EncodeBundle(f, b)
}

// ReadBundle reverses WriteBundle, reading a bundle back from a file.
func ReadBundle(path string) (Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("diag: opening %s: %w", path, err)
	}
	defer f.Close()
	return DecodeBundle(f)
}

// ChannelStatsFor is a small helper the supervisor uses when building
// the []ChannelStats slice Collect wants, keeping code.Channel's
// String() as the on-disk channel name.
func ChannelStatsFor(ch code.Channel, queued, inFlight, bufferSpace int) ChannelStats {
	return ChannelStats{Channel: ch.String(), Queued: queued, InFlight: inFlight, BufferSpace: bufferSpace}
}
