package app

import (
	"context"
	"errors"

	"github.com/northstaraokeystone/gov-os/internal/calibration"
	"github.com/northstaraokeystone/gov-os/internal/config"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Error codes reported for the typed errors of the core packages. Stoprule
// halts report the code of their first violation; chain faults report
// their fault code.
const (
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeTerminalState      = "TERMINAL_STATE"
	CodeProjection         = "PROJECTION_MISMATCH"
	CodeDuplicate          = "DUPLICATE_RECEIPT"
	CodeEmptyBatch         = "EMPTY_BATCH"
	CodeNotFound           = "NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeInsufficientData   = "INSUFFICIENT_DATA"
	CodeThresholdRange     = "THRESHOLD_RANGE"
	CodeInvalidCalibration = "INVALID_CALIBRATION"
	CodeModuleDisabled     = "MODULE_DISABLED"
	CodeCancelled          = "CANCELLED"
	CodeInternal           = "INTERNAL"
)

// ErrorCode classifies err. Nil maps to "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		halt  *stoprule.HaltError
		chain *ledger.ChainIntegrityError
		load  *config.LoadError
	)
	switch {
	case errors.As(err, &halt) && len(halt.Violations) > 0:
		return halt.Violations[0].Code
	case errors.As(err, &chain):
		return string(chain.Code)
	case errors.As(err, &load):
		return load.Code
	case lifecycle.IsTerminalStateError(err):
		return CodeTerminalState
	case lifecycle.IsInvalidTransitionError(err):
		return CodeInvalidTransition
	case lifecycle.IsProjectionError(err):
		return CodeProjection
	case ledger.IsDuplicateError(err):
		return CodeDuplicate
	case ledger.IsEmptyBatchError(err):
		return CodeEmptyBatch
	case errors.Is(err, ledger.ErrNotFound):
		return CodeNotFound
	case ledger.IsTimeoutError(err):
		return CodeTimeout
	case scoring.IsInsufficientDataError(err):
		return CodeInsufficientData
	case calibration.IsRangeError(err):
		return CodeThresholdRange
	case calibration.IsCalibrationError(err):
		return CodeInvalidCalibration
	case errors.Is(err, ErrModuleDisabled):
		return CodeModuleDisabled
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	}
	return CodeInternal
}
