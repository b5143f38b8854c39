package ledger

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below match these through errors.Is.
var (
	ErrChainIntegrity = errors.New("chain integrity violation")
	ErrConflict       = errors.New("chain head advanced")
	ErrDuplicate      = errors.New("duplicate receipt")
	ErrEmptyBatch     = errors.New("no unanchored receipts")
	ErrTimeout        = errors.New("operation timed out")
	ErrNotFound       = errors.New("receipt not found")
)

// FaultCode categorizes chain integrity faults.
type FaultCode string

const (
	// FaultHeadConflict: the proposer's expected prev_digest is not the current head.
	// The only retryable fault; the proposer re-reads and re-proposes.
	FaultHeadConflict FaultCode = "HEAD_CONFLICT"

	// FaultPayloadDigest: a stored payload_digest does not match its payload.
	FaultPayloadDigest FaultCode = "PAYLOAD_DIGEST_MISMATCH"

	// FaultLink: a stored prev_digest does not match the preceding receipt.
	FaultLink FaultCode = "LINK_MISMATCH"

	// FaultSequenceGap: receipt ids are not contiguous.
	FaultSequenceGap FaultCode = "SEQUENCE_GAP"

	// FaultMerkleRoot: a batch's stored digests and recomputed digests disagree,
	// or a closed anchor root cannot be reproduced.
	FaultMerkleRoot FaultCode = "MERKLE_ROOT_MISMATCH"

	// FaultInclusion: the receipt's inclusion proof does not reach the anchor root.
	FaultInclusion FaultCode = "INCLUSION_FAILED"

	// FaultAnchorRecord: an anchor receipt is malformed.
	FaultAnchorRecord FaultCode = "ANCHOR_RECORD_INVALID"
)

// ChainIntegrityError reports a broken chain, a tampered receipt, or an
// append whose expected head is stale.
type ChainIntegrityError struct {
	Code FaultCode `json:"code"`

	// ReceiptID is the receipt where the fault was first observed.
	ReceiptID int64 `json:"receipt_id"`

	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (e *ChainIntegrityError) Error() string {
	msg := fmt.Sprintf("%s: %s (receipt=%d)", e.Code, e.Message, e.ReceiptID)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" expected=%s actual=%s", e.Expected, e.Actual)
	}
	return msg
}

// Is matches ErrChainIntegrity for every code and ErrConflict for head conflicts.
func (e *ChainIntegrityError) Is(target error) bool {
	if target == ErrChainIntegrity {
		return true
	}
	return target == ErrConflict && e.Code == FaultHeadConflict
}

// DuplicateError reports an append into an occupied uniqueness scope.
// Idempotent callers may treat it as "already applied".
type DuplicateError struct {
	Type       string
	Key        string
	ExistingID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("DUPLICATE: %s %q already recorded (receipt=%d)", e.Type, e.Key, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// EmptyBatchError is returned by Anchor when nothing is unanchored.
type EmptyBatchError struct {
	AnchoredThrough int64
}

func (e *EmptyBatchError) Error() string {
	return fmt.Sprintf("EMPTY_BATCH: nothing to anchor after receipt %d", e.AnchoredThrough)
}

func (e *EmptyBatchError) Is(target error) bool { return target == ErrEmptyBatch }

// TimeoutError is returned when a retried operation exhausts its attempts or
// its deadline. Callers may retry later.
type TimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TIMEOUT: %s gave up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsChainIntegrityError returns true for any chain fault, including head conflicts.
func IsChainIntegrityError(err error) bool {
	var ce *ChainIntegrityError
	return errors.As(err, &ce)
}

// IsConflict returns true only for head-advance conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDuplicateError returns true if err wraps a *DuplicateError.
func IsDuplicateError(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

// IsEmptyBatchError returns true if err wraps an *EmptyBatchError.
func IsEmptyBatchError(err error) bool {
	var ee *EmptyBatchError
	return errors.As(err, &ee)
}

// IsTimeoutError returns true if err wraps a *TimeoutError.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
