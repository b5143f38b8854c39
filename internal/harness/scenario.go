package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run against a fresh in-memory ledger: contract and
// milestone events, anchoring, scoring, threshold feedback and
// reconciliation, followed by assertions over the trace and final state.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Config is an optional CUE configuration file or package directory,
	// relative to the scenario file. Defaults apply when empty.
	Config string `yaml:"config,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	Contract  string `yaml:"contract,omitempty"`
	Milestone string `yaml:"milestone,omitempty"`

	// Amount and Milestones declare a contract; Milestones splits the
	// amount evenly into M1..Mn.
	Amount     float64        `yaml:"amount,omitempty"`
	Milestones int            `yaml:"milestones,omitempty"`
	Agency     string         `yaml:"agency,omitempty"`
	Vendor     string         `yaml:"vendor,omitempty"`
	Citations  []string       `yaml:"citations,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
	Reason     string         `yaml:"reason,omitempty"`

	// Domain and Prefix select a scoring cohort: receipts whose entity id
	// starts with Prefix.
	Domain string `yaml:"domain,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// Correct and Count report threshold feedback; Threshold sets one.
	Correct   *bool   `yaml:"correct,omitempty"`
	Count     int     `yaml:"count,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`

	// Days moves the clock forward.
	Days float64 `yaml:"days,omitempty"`

	// Repeat runs the step n times, replacing "{i}" in Contract, Milestone
	// and Citations with 1..n.
	Repeat int `yaml:"repeat,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks a step's outcome. Without it the step must succeed.
type Expect struct {
	// Error is the expected error code, e.g. UNVERIFIED_MILESTONE_PAYMENT or
	// INVALID_TRANSITION.
	Error string `yaml:"error,omitempty"`

	// State is the entity state after the step.
	State string `yaml:"state,omitempty"`

	// Verdict is the expected score verdict.
	Verdict string `yaml:"verdict,omitempty"`

	// Alerts are alert codes the step must raise.
	Alerts []string `yaml:"alerts,omitempty"`

	// Severity is the expected variance severity, "" for none.
	Severity *string `yaml:"severity,omitempty"`
}

// Assertion validates the trace or the final ledger.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Action  string   `yaml:"action,omitempty"`
	Entity  string   `yaml:"entity,omitempty"`
	Actions []string `yaml:"actions,omitempty"`
	Count   int      `yaml:"count,omitempty"`

	// State is the expected final state of Entity (final_state).
	State string `yaml:"state,omitempty"`

	// ReceiptType counts receipts of one type (receipt_count).
	ReceiptType string `yaml:"receipt_type,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertReceiptCount  = "receipt_count"
	AssertChainValid    = "chain_valid"
)

// Step actions.
const (
	ActionAnnounce  = "announce"
	ActionRegister  = "register"
	ActionClose     = "close"
	ActionDeliver   = "deliver"
	ActionVerify    = "verify"
	ActionDispute   = "dispute"
	ActionPay       = "pay"
	ActionAnchor    = "anchor"
	ActionScore     = "score"
	ActionCalibrate = "calibrate"
	ActionOutcome   = "outcome"
	ActionThreshold = "threshold"
	ActionReconcile = "reconcile"
	ActionAdvance   = "advance"
)

var contractActions = []string{ActionAnnounce, ActionRegister, ActionClose}

var milestoneActions = []string{ActionDeliver, ActionVerify, ActionDispute, ActionPay}

var domainActions = []string{ActionScore, ActionCalibrate, ActionOutcome, ActionThreshold}

// LoadScenario reads a scenario file. Unknown fields are rejected so typos
// do not silently drop a step's settings.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads a scenario file, resolving its config path
// against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Config != "" && !filepath.IsAbs(s.Config) && basePath != "" {
		s.Config = filepath.Join(basePath, s.Config)
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must be usable as a file name", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i+1, a.Type, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	switch {
	case slices.Contains(contractActions, st.Action):
		if st.Contract == "" {
			return fmt.Errorf("contract is required")
		}
		if st.Milestones < 0 || (st.Milestones > 0 && st.Amount <= 0) {
			return fmt.Errorf("milestones need a positive amount")
		}
	case slices.Contains(milestoneActions, st.Action):
		if st.Contract == "" || st.Milestone == "" {
			return fmt.Errorf("contract and milestone are required")
		}
	case slices.Contains(domainActions, st.Action):
		if st.Domain == "" {
			return fmt.Errorf("domain is required")
		}
		if st.Action == ActionOutcome && st.Correct == nil {
			return fmt.Errorf("correct is required")
		}
	case st.Action == ActionAnchor, st.Action == ActionReconcile:
	case st.Action == ActionAdvance:
		if st.Days <= 0 {
			return fmt.Errorf("days must be positive")
		}
	case st.Action == "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	if st.Repeat < 0 {
		return fmt.Errorf("repeat must not be negative")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("action is required")
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("actions must list at least two actions")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must not be negative")
		}
	case AssertFinalState:
		if a.Entity == "" || a.State == "" {
			return fmt.Errorf("entity and state are required")
		}
	case AssertReceiptCount:
		if a.ReceiptType == "" {
			return fmt.Errorf("receipt_type is required")
		}
	case AssertChainValid:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
