package ir

import (
	"errors"
	"fmt"
)

// SerializationError reports a value that has no canonical form
// (NaN, infinities, invalid UTF-8, unsupported Go types).
type SerializationError struct {
	// Path locates the offending value, e.g. "$.milestones[2].amount".
	Path   string
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("SERIALIZATION: %s at %s", e.Reason, e.Path)
}

// IsSerializationError returns true if err wraps a *SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
