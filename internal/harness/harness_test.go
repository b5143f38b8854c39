package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/config"
)

func mustParse(t *testing.T, content string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	return s
}

func TestRunWithGolden_PaymentGate(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/payment_gate.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.True(t, result.CriticalFired)
	assert.Equal(t, map[string]string{
		"C-1":    "REGISTERED",
		"C-1/M1": "PAID",
		"C-1/M2": "DISPUTED",
	}, result.States)
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/payment_gate.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_CleanScenarioFiresNothingCritical(t *testing.T) {
	s := mustParse(t, `
name: clean
description: "register, deliver, verify, pay"
steps:
  - action: register
    contract: C-7
    amount: 90000
    milestones: 1
    citations: ["doc:award"]
  - action: deliver
    contract: C-7
    milestone: M1
    citations: ["doc:report"]
  - action: verify
    contract: C-7
    milestone: M1
    citations: ["doc:inspection"]
  - action: pay
    contract: C-7
    milestone: M1
    citations: ["doc:invoice"]
    expect:
      state: PAID
assertions:
  - type: trace_contains
    action: pay
    entity: C-7/M1
  - type: receipt_count
    receipt_type: payment
    entity: C-7/M1
    count: 1
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.False(t, result.CriticalFired)
	require.Len(t, result.Trace, 4)
	assert.Equal(t, int64(4), result.Trace[3].ReceiptID)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	s := mustParse(t, `
name: unexpected
description: "payment without verification and without an expectation"
steps:
  - action: register
    contract: C-1
    amount: 100
    milestones: 1
    citations: ["doc:award"]
  - action: pay
    contract: C-1
    milestone: M1
    citations: ["doc:invoice"]
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.True(t, result.CriticalFired)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 2 (pay C-1/M1): unexpected error")
	assert.Contains(t, result.Errors[0], "UNVERIFIED_MILESTONE_PAYMENT")
}

func TestRun_ExpectationMismatch(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "expectations that do not hold"
steps:
  - action: register
    contract: C-1
    amount: 100
    milestones: 1
    citations: ["doc:award"]
    expect:
      error: DUPLICATE_RECEIPT
  - action: register
    contract: C-1
    amount: 100
    milestones: 1
    citations: ["doc:award"]
    expect:
      error: INVALID_AMOUNT
  - action: deliver
    contract: C-1
    milestone: M1
    citations: ["doc:report"]
    expect:
      state: VERIFIED
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected error DUPLICATE_RECEIPT, step succeeded")
	assert.Contains(t, result.Errors[1], "expected error INVALID_AMOUNT, got DUPLICATE_RECEIPT")
	assert.Contains(t, result.Errors[2], "expected state VERIFIED, got DELIVERED")
}

func TestRun_MissingCitationHalts(t *testing.T) {
	s := mustParse(t, `
name: uncited
description: "domain events need evidence"
steps:
  - action: announce
    contract: C-3
    expect:
      error: MISSING_CITATION
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.True(t, result.CriticalFired)
	assert.True(t, result.Trace[0].Critical)
}

func TestRun_AssertionFailure(t *testing.T) {
	s := mustParse(t, `
name: failing_assertions
description: "assertions that do not hold"
steps:
  - action: announce
    contract: C-1
    citations: ["news:1"]
assertions:
  - type: final_state
    entity: C-1
    state: REGISTERED
  - type: trace_order
    actions: [announce, register]
  - type: trace_count
    action: announce
    count: 2
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Assertion failed: final_state")
	assert.Contains(t, result.Errors[0], "Actual: ANNOUNCED")
	assert.Contains(t, result.Errors[0], "[1] announce C-1")
	assert.Contains(t, result.Errors[1], "missing register")
	assert.Contains(t, result.Errors[2], "Actual: 1")
}

func TestRun_ReconcileCriticalVariance(t *testing.T) {
	s := mustParse(t, `
name: lagging_payments
description: "verified work that was not paid"
steps:
  - action: register
    contract: C-1
    amount: 1000000
    milestones: 2
    citations: ["doc:award"]
  - action: deliver
    contract: C-1
    milestone: M{i}
    citations: ["doc:report-{i}"]
    repeat: 2
  - action: verify
    contract: C-1
    milestone: M{i}
    citations: ["doc:inspection-{i}"]
    repeat: 2
  - action: pay
    contract: C-1
    milestone: M1
    citations: ["doc:invoice-1"]
  - action: reconcile
    contract: C-1
    expect:
      severity: critical
assertions:
  - type: receipt_count
    receipt_type: variance
    count: 1
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.False(t, result.CriticalFired)

	require.Len(t, result.Trace, 7)
	assert.Equal(t, "C-1/M2", result.Trace[2].Entity)
	assert.Equal(t, 2, result.Trace[2].Step)
	last := result.Trace[6]
	assert.Equal(t, "variance", last.ReceiptType)
	assert.Equal(t, int64(7), last.ReceiptID)
	assert.Equal(t, "ON_TRACK", last.Status)
}

func TestRun_TemplatedCohortIsFlagged(t *testing.T) {
	s := mustParse(t, `
name: templated
description: "thirty contracts that differ only by id"
steps:
  - action: register
    contract: V-{i}
    amount: 5000
    milestones: 1
    vendor: "Consolidated Facilities Services LLC"
    agency: "Department of Facilities"
    citations: ["doc:award-{i}"]
    repeat: 30
  - action: score
    domain: facilities
    prefix: V-
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	score := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "domain:facilities", score.Entity)
	assert.Equal(t, 30, score.Count)
	assert.Equal(t, "detection", score.ReceiptType)
	assert.Contains(t, []string{"suspect", "fraud"}, score.Verdict)
	assert.NotContains(t, result.States, "domain:facilities")
}

func TestRun_ThresholdFeedback(t *testing.T) {
	s := mustParse(t, `
name: thresholds
description: "operator threshold and outcome feedback"
steps:
  - action: threshold
    domain: defense
    threshold: 0.3
  - action: threshold
    domain: defense
    threshold: 1.5
    expect:
      error: THRESHOLD_RANGE
  - action: outcome
    domain: defense
    correct: true
    count: 4
  - action: score
    domain: defense
    prefix: NOPE-
    expect:
      error: INSUFFICIENT_DATA
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 4, result.Trace[2].Count)
}

func TestRun_DisabledModule(t *testing.T) {
	cfg := config.Default()
	cfg.Modules.Reconcile = false
	s := mustParse(t, `
name: disabled
description: "reconcile switched off"
steps:
  - action: reconcile
    expect:
      error: MODULE_DISABLED
`)
	result, err := Run(context.Background(), s, WithConfig(cfg))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_BadConfigPath(t *testing.T) {
	s := mustParse(t, `
name: bad_config
description: "config that does not exist"
config: /nonexistent/govos.cue
steps:
  - action: anchor
`)
	_, err := Run(context.Background(), s)
	assert.Error(t, err)
}

func TestRun_Cancelled(t *testing.T) {
	s := mustParse(t, "name: x\ndescription: d\nsteps:\n  - action: anchor\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, s)
	assert.True(t, errors.Is(err, context.Canceled))
}
