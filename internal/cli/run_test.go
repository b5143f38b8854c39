package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verifiedPayment = `name: verified_payment
description: "a verified milestone is paid"
steps:
  - action: register
    contract: C-1
    amount: 1000
    milestones: 1
    citations: ["doc:award"]
  - action: deliver
    contract: C-1
    milestone: M1
    citations: ["doc:report"]
  - action: verify
    contract: C-1
    milestone: M1
    citations: ["doc:inspection"]
  - action: pay
    contract: C-1
    milestone: M1
    citations: ["doc:invoice"]
    expect:
      state: PAID
assertions:
  - type: chain_valid
`

const unverifiedPayment = `name: unverified_payment
description: "payment before verification halts"
steps:
  - action: register
    contract: C-1
    amount: 1000
    milestones: 1
    citations: ["doc:award"]
  - action: pay
    contract: C-1
    milestone: M1
    citations: ["doc:invoice"]
    expect:
      error: UNVERIFIED_MILESTONE_PAYMENT
`

const wrongExpectation = `name: wrong_expectation
description: "an expectation that does not hold"
steps:
  - action: register
    contract: C-1
    amount: 1000
    milestones: 1
    citations: ["doc:award"]
    expect:
      state: CLOSED
`

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestRun_Passing(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "verified_payment", verifiedPayment)

	out, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ verified_payment")
	assert.Contains(t, out, "Summary: 1 passed, 0 failed, 1 total")
}

func TestRun_CriticalExitsNonZeroEvenWhenExpected(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "unverified_payment", unverifiedPayment)

	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "critical stoprule fired in 1 scenario(s)")
	assert.Contains(t, out, "[critical stoprule fired]")
}

func TestRun_FailedScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "verified_payment", verifiedPayment)
	writeScenario(t, dir, "wrong_expectation", wrongExpectation)

	out, err := execute(t, "--format", "json", "run", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	result, resp := decodeData[RunResult](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCENARIO_FAILED", resp.Error.Code)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
}

func TestRun_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "verified_payment", verifiedPayment)
	writeScenario(t, dir, "wrong_expectation", wrongExpectation)

	out, err := execute(t, "--format", "json", "run", dir, "--filter", "verified_*")
	require.NoError(t, err)
	result, _ := decodeData[RunResult](t, out)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "verified_payment", result.Scenarios[0].Name)
}

func TestRun_GoldenUpdateAndCompare(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "verified_payment", verifiedPayment)
	golden := filepath.Join(dir, "golden", "verified_payment.golden")

	out, err := execute(t, "run", path, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")
	require.FileExists(t, golden)

	_, err = execute(t, "run", path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0644))
	out, err = execute(t, "run", path)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestRun_ScenarioWithoutDescriptionFails(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "bare", "name: bare\nsteps:\n  - action: anchor\n")

	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ bare.yaml")
	assert.Contains(t, out, "description is required")
}

func TestRun_Errors(t *testing.T) {
	_, err := execute(t, "run", "/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")

	out, err := execute(t, "run", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
