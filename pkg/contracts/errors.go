package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the governance runtime. Callers classify with
// errors.Is; the API layer maps each kind to a status code.
var (
	// ErrNotFound: a referenced envelope, approval, policy or identity
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion: an optimistic-concurrency write lost its race.
	ErrStaleVersion = errors.New("stale version")

	// ErrInvalidTransition: an envelope status change not allowed by
	// the lifecycle DAG.
	ErrInvalidTransition = errors.New("invalid envelope transition")

	// ErrApprovalAlreadyDecided: a response hit a non-pending approval.
	ErrApprovalAlreadyDecided = errors.New("approval already decided")

	// ErrApprovalExpired: a response hit an expired approval.
	ErrApprovalExpired = errors.New("approval expired")

	// ErrBindingHashMismatch: the responder's binding hash does not
	// match the stored one; the proposal drifted after they saw it.
	ErrBindingHashMismatch = errors.New("binding hash mismatch")

	// ErrForbidden: forbidden behavior, org mismatch, or an approver
	// not authorized for the request.
	ErrForbidden = errors.New("forbidden")

	// ErrLedgerAppend: the audit chain append failed; the triggering
	// state change must not be committed.
	ErrLedgerAppend = errors.New("ledger append failed")

	// ErrStorage: underlying persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrTimeout: a deadline elapsed before the operation completed.
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError reports schema-invalid input with the offending
// field paths.
type ValidationError struct {
	Fields []string
	Detail string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Detail
	}
	return fmt.Sprintf("validation failed on %s: %s", strings.Join(e.Fields, ", "), e.Detail)
}

// NeedsClarificationError is returned when entity resolution is
// ambiguous and the caller must pick from the alternatives before an
// envelope is created.
type NeedsClarificationError struct {
	Question     string
	Alternatives []EntityRef
}

func (e *NeedsClarificationError) Error() string {
	return "needs clarification: " + e.Question
}

// CartridgeError wraps a failure from a cartridge's side effect. The
// envelope still transitions to failed and the failure is audited.
type CartridgeError struct {
	CartridgeID     string
	ActionType      string
	PartialFailures []string
	Err             error
}

func (e *CartridgeError) Error() string {
	return fmt.Sprintf("cartridge %s failed executing %s: %v", e.CartridgeID, e.ActionType, e.Err)
}

func (e *CartridgeError) Unwrap() error { return e.Err }
