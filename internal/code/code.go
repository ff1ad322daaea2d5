package code

// Type identifies what kind of unit a Code carries.
type Type uint8

const (
	TypeGCode Type = iota
	TypeMCode
	TypeTCode
	TypeComment
	TypeEmpty
)

// Parameter is one letter/value pair from a code's parameter list. The
// list is ordered because firmware parameter order can be meaningful
// (e.g. repeated letters in a comment-derived code) and because the wire
// encoding in internal/wire preserves submission order.
type Parameter struct {
	Letter byte
	Value  string
}

// CancelFunc cancels the Code it was handed out with, fulfilling its
// completion with a CodeCancelled error if it has not already completed.
type CancelFunc func()

// Code is a single, immutable command unit once handed to a Channel
// Processor. Two Codes are never equal by value identity; callers that
// need to correlate completions use the handle returned by the Channel
// Processor's Queue call, not the Code itself.
type Code struct {
	Type       Type
	Major      int
	Minor      int // -1 if absent
	Parameters []Parameter
	Channel    Channel

	// FileOffset is the byte offset of this code within its source file.
	// It is only meaningful for job-file sources; macro-sourced codes
	// leave it at -1.
	FileOffset int64
	// Length is the number of source bytes (including line terminator)
	// this code was carved from.
	Length int64

	Comment string

	// IsFromMacro is true when this code was read from a macro frame
	// rather than the top-level job file.
	IsFromMacro bool

	// Cancel cancels this code if it has not yet completed, fulfilling
	// its completion with a CodeCancelled error. It is set by the
	// Channel Processor's Queue call; a Code that has not been queued
	// has a nil Cancel.
	Cancel CancelFunc
}

// FromFile reports whether this code carries a meaningful FileOffset.
func (c *Code) FromFile() bool {
	return !c.IsFromMacro && c.FileOffset >= 0
}

// Param returns the value of the given parameter letter and whether it
// was present.
func (c *Code) Param(letter byte) (string, bool) {
	for _, p := range c.Parameters {
		if p.Letter == letter {
			return p.Value, true
		}
	}
	return "", false
}

// Severity is the classification of one line of a Code Result.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// ResultLine is one (severity, text) pair produced by the firmware for a
// Code.
type ResultLine struct {
	Severity Severity
	Text     string
}

// Result is the ordered sequence of ResultLines produced for one Code. A
// nil or empty Result means "success, no output".
type Result []ResultLine

// HasError reports whether any line in the result carries error severity.
func (r Result) HasError() bool {
	for _, l := range r {
		if l.Severity == SeverityError {
			return true
		}
	}
	return false
}
