package tabsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady           = errors.New("identity not ready")
	ErrStructural         = errors.New("structural validation failed")
	ErrOwnershipRejected  = errors.New("ownership rejected")
	ErrEmptyWriteRejected = errors.New("empty write rejected")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrTransientWrite     = errors.New("transient write failure")
	ErrLoopDetected       = errors.New("write loop detected")
	ErrQueueReset         = errors.New("write queue reset")
	ErrClosed             = errors.New("engine closed")
	ErrInvalidInput       = errors.New("invalid input")
)

// StructuralError carries the field-level detail of a document that failed
// validation. The write is fatal and never retried.
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("structural validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("structural validation failed: %s: %s", e.Field, e.Reason)
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// LoopError is returned while the write circuit breaker is open. It carries
// the diagnostic context the breaker tripped with.
type LoopError struct {
	PendingWrites   int
	LastTransaction string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("write loop detected: %d pending writes, last transaction %q", e.PendingWrites, e.LastTransaction)
}

func (e *LoopError) Is(target error) bool {
	return target == ErrLoopDetected
}
