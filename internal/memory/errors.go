package memory

import (
	"errors"
	"fmt"
)

// TierOperationError wraps any backend-level failure during a tier operation.
type TierOperationError struct {
	Op   string
	Tier Tier
	Err  error
}

func (e *TierOperationError) Error() string {
	return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierOperationError) Unwrap() error { return e.Err }

// OpError builds a TierOperationError from a plain message.
func OpError(tier Tier, op, format string, args ...any) *TierOperationError {
	return &TierOperationError{Op: op, Tier: tier, Err: fmt.Errorf(format, args...)}
}

// ItemNotFoundError distinguishes "missing" from "broken" so callers can
// branch on it with errors.As.
type ItemNotFoundError struct {
	ID   string
	Tier Tier
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %s not found in %s tier", e.ID, e.Tier)
}

// TierInitializationError is fatal at startup: the manager must not proceed
// with a tier that failed to initialize.
type TierInitializationError struct {
	Tier Tier
	Err  error
}

func (e *TierInitializationError) Error() string {
	return fmt.Sprintf("initialize %s tier: %v", e.Tier, e.Err)
}

func (e *TierInitializationError) Unwrap() error { return e.Err }

// ConsolidationStateError reports the one partial state consolidation can
// leave behind: the target write succeeded but the source delete failed, so
// the item temporarily exists in both tiers.
type ConsolidationStateError struct {
	ID     string
	Source Tier
	Target Tier
	Err    error
}

func (e *ConsolidationStateError) Error() string {
	return fmt.Sprintf("consolidate %s: stored in %s but failed to delete from %s: %v",
		e.ID, e.Target, e.Source, e.Err)
}

func (e *ConsolidationStateError) Unwrap() error { return e.Err }

// ErrCycleInProgress is returned when a maintenance cycle is triggered while
// another is still running. Triggers are rejected rather than queued.
var ErrCycleInProgress = errors.New("maintenance cycle already in progress")

// ErrTierNotInitialized guards every tier operation called before Initialize
// or after Shutdown.
var ErrTierNotInitialized = errors.New("tier not initialized")

// IsNotFound reports whether err is (or wraps) an ItemNotFoundError.
func IsNotFound(err error) bool {
	var nf *ItemNotFoundError
	return errors.As(err, &nf)
}
