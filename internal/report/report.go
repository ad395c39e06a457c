// Package report implements the checker's two diagnostic sinks: a fatal
// channel for structural corruption, and a non-fatal channel for features the
// checker recognizes but doesn't validate.
package report

import "fmt"

// FatalError describes a structural violation found while walking a tree.
// It is raised by Fatal via panic and is expected to be recovered exactly
// once, at the boundary between the checker engine and its caller.
type FatalError struct {
	// Subsystem names the component that detected the problem, e.g. "B-tree" or "free space".
	Subsystem string

	// Block, if non-zero, is the physical block number of the offending node.
	Block uint64

	// HasBlock reports whether Block is meaningful (some findings have no single block to blame).
	HasBlock bool

	Message string
}

func (e *FatalError) Error() string {
	if e.HasBlock {
		return fmt.Sprintf("%s: %s (block %d)", e.Subsystem, e.Message, e.Block)
	}
	return fmt.Sprintf("%s: %s", e.Subsystem, e.Message)
}

// Fatal reports an unrecoverable structural inconsistency and aborts the
// current check by panicking with a *FatalError. Callers at the CLI boundary
// recover it, log it, and exit non-zero; tests recover it locally to assert
// on specific conditions.
func Fatal(subsystem string, format string, args ...any) {
	panic(&FatalError{Subsystem: subsystem, Message: fmt.Sprintf(format, args...)})
}

// FatalAtBlock is Fatal with an offending block number attached to the message.
func FatalAtBlock(subsystem string, block uint64, format string, args ...any) {
	panic(&FatalError{Subsystem: subsystem, Block: block, HasBlock: true, Message: fmt.Sprintf(format, args...)})
}

// Unknown is a recognized-but-unsupported feature, collected rather than fatal.
type Unknown struct {
	Feature string
	Context string
}

// Sink accumulates Unknown findings and summary statistics for one checker run.
// It is not safe for concurrent use; the checker is single-threaded by design.
type Sink struct {
	unknown []Unknown
	Stats   Stats
}

// Stats aggregates the per-run counters the footer checker and walker contribute to.
type Stats struct {
	TreesChecked int
	KeyCount     uint64
	NodeCount    uint64
}

// NewSink creates an empty diagnostic sink.
func NewSink() *Sink {
	return &Sink{}
}

// Unsupported records a recognized-but-unimplemented feature without aborting the run.
func (s *Sink) Unsupported(feature, context string) {
	s.unknown = append(s.unknown, Unknown{Feature: feature, Context: context})
}

// UnknownFindings returns every unsupported-feature finding recorded so far.
func (s *Sink) UnknownFindings() []Unknown {
	return s.unknown
}

// Recover turns a panicking *FatalError into a returned error, leaving any other
// panic to propagate. Intended to be called via `defer` wrapped in a closure:
//
//	defer func() { err = report.Recover(recover()) }()
func Recover(r any) error {
	if r == nil {
		return nil
	}
	if fe, ok := r.(*FatalError); ok {
		return fe
	}
	panic(r)
}
