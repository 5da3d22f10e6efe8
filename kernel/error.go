package kernel

import "github.com/pkg/errors"

// ErrorKind classifies a kernel error so that callers several layers up can
// decide how to react to it without comparing against every sentinel value.
type ErrorKind uint8

const (
	// KindUnknown is the zero value and is never used by sentinel errors.
	KindUnknown ErrorKind = iota

	// KindOutOfMemory reports frame or heap exhaustion. It is recoverable
	// and surfaced to the caller (e.g. a rejected thread spawn).
	KindOutOfMemory

	// KindAddressInUse reports a mapping request overlapping an existing
	// VMA.
	KindAddressInUse

	// KindNotMapped reports a lookup or unmap of an address that is not
	// covered by any VMA.
	KindNotMapped

	// KindInvalidAccess reports a fault outside any VMA or one violating
	// the VMA permissions. It is fatal to the faulting thread only.
	KindInvalidAccess

	// KindCorruptedSchedulerState reports a violated scheduler invariant.
	// It is fatal to the kernel.
	KindCorruptedSchedulerState

	// KindInvalidArgument reports API misuse such as unaligned lengths or
	// double frees.
	KindInvalidArgument
)

var kindNames = [...]string{
	KindUnknown:                 "unknown",
	KindOutOfMemory:             "out of memory",
	KindAddressInUse:            "address in use",
	KindNotMapped:               "not mapped",
	KindInvalidAccess:           "invalid access",
	KindCorruptedSchedulerState: "corrupted scheduler state",
	KindInvalidArgument:         "invalid argument",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so that the hot paths of
// the allocators never allocate while reporting a failure.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsKind returns true if err, or the error it wraps, is a *Error of the
// requested kind. Wrapped errors are unwrapped with errors.Cause.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}

	kerr, ok := errors.Cause(err).(*Error)
	return ok && kerr != nil && kerr.Kind == kind
}

// KindOf returns the kind of err or KindUnknown if err is not a kernel error.
func KindOf(err error) ErrorKind {
	if kerr, ok := errors.Cause(err).(*Error); ok && kerr != nil {
		return kerr.Kind
	}
	return KindUnknown
}
