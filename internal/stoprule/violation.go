package stoprule

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrHalt is matched by every *HaltError.
var ErrHalt = errors.New("critical stoprule fired")

// Violation is one rule's objection to an event.
type Violation struct {
	Rule     string   `json:"rule"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s/%s: %s", v.Severity, v.Rule, v.Code, v.Reason)
}

// Decision is the aggregated outcome of evaluating every rule.
type Decision struct {
	Violations []Violation `json:"violations"`
	Severity   Severity    `json:"severity"`
}

func newDecision(vs []Violation) Decision {
	slices.SortFunc(vs, func(a, b Violation) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Rule, b.Rule); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	d := Decision{Violations: vs}
	for _, v := range vs {
		d.Severity = max(d.Severity, v.Severity)
	}
	if d.Violations == nil {
		d.Violations = []Violation{}
	}
	return d
}

// Halted reports whether a Critical rule fired.
func (d Decision) Halted() bool { return d.Severity == SeverityCritical }

// At returns the violations of exactly severity s.
func (d Decision) At(s Severity) []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a *HaltError when the decision halts, nil otherwise.
func (d Decision) Err() error {
	if !d.Halted() {
		return nil
	}
	return &HaltError{Violations: d.At(SeverityCritical)}
}

// HaltError reports Critical violations. The operation that raised it
// committed nothing.
type HaltError struct {
	Violations []Violation
}

func (e *HaltError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Code, v.Reason)
	}
	return "CRITICAL_STOPRULE: " + strings.Join(parts, "; ")
}

func (e *HaltError) Is(target error) bool { return target == ErrHalt }

// Has reports whether a violation with the given code is present.
func (e *HaltError) Has(code string) bool {
	return slices.ContainsFunc(e.Violations, func(v Violation) bool { return v.Code == code })
}

// IsHaltError returns true if err wraps a *HaltError.
func IsHaltError(err error) bool {
	var he *HaltError
	return errors.As(err, &he)
}
