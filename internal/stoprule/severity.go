package stoprule

import (
	"fmt"
	"strings"
)

// Severity orders violations. The zero value means no violation.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityDeviation
	SeverityAlert
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityDeviation:
		return "deviation"
	case SeverityAlert:
		return "alert"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity accepts the lower-case names produced by String.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return SeverityNone, nil
	case "deviation":
		return SeverityDeviation, nil
	case "alert":
		return SeverityAlert, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
