package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainIntegrityError_Is(t *testing.T) {
	head := &ChainIntegrityError{Code: FaultHeadConflict}
	tamper := &ChainIntegrityError{Code: FaultLink, ReceiptID: 4}

	assert.True(t, errors.Is(head, ErrConflict))
	assert.True(t, errors.Is(head, ErrChainIntegrity))
	assert.False(t, errors.Is(tamper, ErrConflict))
	assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", tamper), ErrChainIntegrity))
	assert.True(t, IsChainIntegrityError(fmt.Errorf("wrapped: %w", tamper)))
}

func TestChainIntegrityError_Message(t *testing.T) {
	err := &ChainIntegrityError{Code: FaultLink, ReceiptID: 4, Message: "bad link", Expected: "a", Actual: "b"}
	assert.Equal(t, "LINK_MISMATCH: bad link (receipt=4) expected=a actual=b", err.Error())
}

func TestTypedErrorHelpers(t *testing.T) {
	assert.True(t, IsDuplicateError(fmt.Errorf("x: %w", &DuplicateError{})))
	assert.True(t, errors.Is(&DuplicateError{}, ErrDuplicate))
	assert.True(t, IsEmptyBatchError(&EmptyBatchError{}))
	assert.True(t, IsTimeoutError(&TimeoutError{Op: "append"}))
	assert.False(t, IsTimeoutError(errors.New("other")))
}
