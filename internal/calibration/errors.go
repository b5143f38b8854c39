package calibration

import (
	"errors"
	"fmt"
)

// RangeError reports a threshold outside the open interval (0, 1).
type RangeError struct {
	DomainID string
	Value    float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("THRESHOLD_RANGE: %s threshold %v must be in (0, 1)", e.DomainID, e.Value)
}

// CalibrationError reports a calibrated threshold outside the accepted band.
// The stored threshold is left unchanged.
type CalibrationError struct {
	DomainID string
	Value    float64
	Min, Max float64
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("INVALID_CALIBRATION: %s calibrated to %.4f, outside [%.2f, %.2f]", e.DomainID, e.Value, e.Min, e.Max)
}

// IsRangeError returns true if err wraps a *RangeError.
func IsRangeError(err error) bool {
	var e *RangeError
	return errors.As(err, &e)
}

// IsCalibrationError returns true if err wraps a *CalibrationError.
func IsCalibrationError(err error) bool {
	var e *CalibrationError
	return errors.As(err, &e)
}
