package objcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is raised (as a panic value) when a table would have
	// to grow past maxTableLen buckets. It signals that a sizing assumption was
	// violated and is not recoverable.
	ErrCapacityExceeded = errors.New("objcache: maximum table capacity exceeded")

	// ErrInvalidBudget is returned when a cache budget is not positive.
	ErrInvalidBudget = errors.New("objcache: budget must be positive")

	// ErrInvalidTTL is returned when a time-to-live is negative.
	ErrInvalidTTL = errors.New("objcache: ttl must not be negative")

	// ErrNilOperation is the reason recorded when a nil Operation reaches a query cache.
	ErrNilOperation = errors.New("objcache: nil operation")
)

// ContractViolation is the panic value for calls that break a component's
// calling protocol, such as finishing a reindex that was never prepared or
// mutating an overlay without an active transaction. These are programming
// errors and are never retried.
type ContractViolation struct {
	Op     string
	Reason string
	cause  error
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("objcache: %s: %s", e.Op, e.Reason)
}

func (e *ContractViolation) Unwrap() error { return e.cause }

func violation(op, reason string) {
	panic(&ContractViolation{Op: op, Reason: reason})
}

func violationErr(op string, cause error) {
	panic(&ContractViolation{Op: op, Reason: cause.Error(), cause: cause})
}
