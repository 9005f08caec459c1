package admission

import (
	"errors"
	"fmt"
	"time"
)

// ErrAdmissionTimeout matches every *TimeoutError. Callers should treat it as
// "try again later".
var ErrAdmissionTimeout = errors.New("admission timeout")

// TimeoutError is returned by Acquire when no slot became available in time.
type TimeoutError struct {
	Elapsed       time.Duration
	Timeout       time.Duration
	Held          int
	MaxConcurrent int
	MemoryBytes   uint64
	MemoryCeiling uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("admission timeout after %s (timeout %s, %d/%d slots held, memory %d/%d bytes)",
		e.Elapsed.Round(time.Millisecond), e.Timeout, e.Held, e.MaxConcurrent, e.MemoryBytes, e.MemoryCeiling)
}

// Is reports whether target is ErrAdmissionTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrAdmissionTimeout
}
