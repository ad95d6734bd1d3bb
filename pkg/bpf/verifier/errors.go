package verifier

import (
	"errors"
	"fmt"
)

// Rejection reasons. Every rejection wraps one of these, and where an
// instruction is at fault the Error carries its slot index.
var (
	ErrUninitializedRead   = errors.New("read of uninitialized register or stack slot")
	ErrOutOfBoundsAccess   = errors.New("memory access out of bounds")
	ErrWriteToReadOnly     = errors.New("write to read-only location")
	ErrInvalidRegister     = errors.New("invalid register number")
	ErrDivisionByZero      = errors.New("division by constant zero")
	ErrUnboundedLoop       = errors.New("back edge forms a loop")
	ErrComplexityExceeded  = errors.New("verification state budget exceeded")
	ErrTooManyInstructions = errors.New("program exceeds instruction limit")
	ErrBadHelperArg        = errors.New("helper argument does not satisfy signature")
	ErrUnknownMapID        = errors.New("helper references unknown map id")
)

// Error is a structured rejection. Insn is the offending instruction slot,
// or -1 for program-wide conditions. Reason is one of the sentinels above
// or an error from the helper registry.
type Error struct {
	Insn   int
	Reason error
	Detail string
}

func (e *Error) Error() string {
	if e.Insn < 0 {
		if e.Detail == "" {
			return e.Reason.Error()
		}
		return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
	}
	if e.Detail == "" {
		return fmt.Sprintf("instruction %d: %v", e.Insn, e.Reason)
	}
	return fmt.Sprintf("instruction %d: %v: %s", e.Insn, e.Reason, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

func errAt(insn int, reason error, format string, args ...interface{}) *Error {
	return &Error{Insn: insn, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
