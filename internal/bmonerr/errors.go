// Package bmonerr models the error kinds spec.md §7 distinguishes:
// transient I/O, validation (drop + log, cursor still advances), duplicate
// (log + ignore), and fatal (process exits, supervisor restarts it).
// Grounded on original_source/bmon/models.py's ProcessLineError, which this
// package's Validation kind feeds into as a persisted value rather than a
// panic.
package bmonerr

import "errors"

// Kind classifies an error for the purposes of spec.md §7's handling rules.
type Kind int

const (
	// KindTransient covers file stat, RPC, fast-store, and object-store
	// errors: retried with bounded exponential backoff, then surfaced.
	KindTransient Kind = iota
	// KindValidation covers a field out of range or missing after
	// extraction: the event is dropped and logged, but per spec.md's
	// documented Open Question resolution the cursor still advances
	// (redelivery would dead-letter again).
	KindValidation
	// KindDuplicate covers an already-finalized propagation record or a
	// duplicate mempool-accept for the same host+txid: logged, ignored.
	KindDuplicate
	// KindFatal covers conditions the edge cannot recover from: log file
	// not openable on boot, local queue init failure, unresolvable peer
	// cache inconsistency. The process is expected to crash and be
	// restarted by its supervisor.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the operation it occurred in and
// its spec.md §7 classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable I/O-class failure.
func Transient(op string, err error) *Error { return &Error{Kind: KindTransient, Op: op, Err: err} }

// Validation wraps err as a dropped, logged event; callers must still
// advance the cursor per spec.md §9's Open Question decision.
func Validation(op string, err error) *Error { return &Error{Kind: KindValidation, Op: op, Err: err} }

// Duplicate wraps err as an already-seen condition to be logged and ignored.
func Duplicate(op string, err error) *Error { return &Error{Kind: KindDuplicate, Op: op, Err: err} }

// Fatal wraps err as an unrecoverable condition; callers should log and
// exit the process.
func Fatal(op string, err error) *Error { return &Error{Kind: KindFatal, Op: op, Err: err} }

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, k Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == k
	}
	return false
}

// IsTransient reports whether err is a retryable I/O-class failure.
func IsTransient(err error) bool { return Is(err, KindTransient) }

// IsFatal reports whether err should crash the process.
func IsFatal(err error) bool { return Is(err, KindFatal) }
