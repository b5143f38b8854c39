package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// TraceSnapshot is the golden form of a run.
type TraceSnapshot struct {
	ScenarioName  string       `json:"scenario_name"`
	CriticalFired bool         `json:"critical_fired"`
	Trace         []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot for ir.MarshalCanonical, which only
// handles IR values and plain maps, slices and scalars. Empty fields are
// left out.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":   ev.Step,
			"action": ev.Action,
		}
		setString(m, "entity", ev.Entity)
		setString(m, "receipt_type", ev.ReceiptType)
		setString(m, "from", ev.From)
		setString(m, "to", ev.To)
		setString(m, "verdict", ev.Verdict)
		setString(m, "status", ev.Status)
		setString(m, "severity", ev.Severity)
		setString(m, "error", ev.Error)
		if ev.ReceiptID != 0 {
			m["receipt_id"] = ev.ReceiptID
		}
		if ev.Count != 0 {
			m["count"] = ev.Count
		}
		if len(ev.Alerts) > 0 {
			m["alerts"] = ev.Alerts
		}
		if ev.Critical {
			m["critical"] = true
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name":  s.ScenarioName,
		"critical_fired": s.CriticalFired,
		"trace":          trace,
	}
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

// Snapshot renders a result in its golden form: canonical JSON without a
// trailing newline.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName:  scenarioName,
		CriticalFired: result.CriticalFired,
		Trace:         result.Trace,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
