package harness

// TraceEvent records one executed step. It carries no digests or
// timestamps, so traces compare equal across runs.
type TraceEvent struct {
	Step        int      `json:"step"`
	Action      string   `json:"action"`
	Entity      string   `json:"entity,omitempty"`
	ReceiptID   int64    `json:"receipt_id,omitempty"`
	ReceiptType string   `json:"receipt_type,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	Alerts      []string `json:"alerts,omitempty"`

	// Count is the anchored batch size, the scored cohort size or the
	// number of calibrated domains.
	Count int `json:"count,omitempty"`

	Verdict  string `json:"verdict,omitempty"`
	Status   string `json:"status,omitempty"`
	Severity string `json:"severity,omitempty"`

	// Error is the code of the step's error, if it failed.
	Error string `json:"error,omitempty"`

	// Critical is set when a Critical stoprule halted the step.
	Critical bool `json:"critical,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// CriticalFired is true when any step was halted by a Critical stoprule,
	// expected or not.
	CriticalFired bool `json:"critical_fired"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// States maps every entity the scenario touched to its final state.
	States map[string]string `json:"states,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		States: make(map[string]string),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
