package scoring

import (
	"errors"
	"fmt"
)

// InsufficientDataError is returned only for an empty cohort.
type InsufficientDataError struct {
	Domain string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("INSUFFICIENT_DATA: no receipts to score for domain %q", e.Domain)
}

// IsInsufficientDataError returns true if err wraps an *InsufficientDataError.
func IsInsufficientDataError(err error) bool {
	var e *InsufficientDataError
	return errors.As(err, &e)
}
