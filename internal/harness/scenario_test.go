package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/payment_gate.yaml")
	require.NoError(t, err)

	assert.Equal(t, "payment_gate", s.Name)
	require.Len(t, s.Steps, 11)
	assert.Equal(t, ActionRegister, s.Steps[0].Action)
	assert.Equal(t, 2, s.Steps[0].Milestones)
	assert.InDelta(t, 1_000_000, s.Steps[0].Amount, 0)
	require.NotNil(t, s.Steps[5].Expect)
	assert.Equal(t, "UNVERIFIED_MILESTONE_PAYMENT", s.Steps[5].Expect.Error)

	sev := s.Steps[10].Expect.Severity
	require.NotNil(t, sev)
	assert.Equal(t, "", *sev)
	assert.Len(t, s.Assertions, 5)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_ResolvesConfigPath(t *testing.T) {
	path := writeScenario(t, `
name: with_config
description: "config next to the scenario"
config: govos.cue
steps:
  - action: anchor
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "govos.cue"), s.Config)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: d\nsteps:\n  - action: anchor\n    contarct: C-1\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "description: d\nsteps:\n  - action: anchor\n",
			wantErr: "name is required",
		},
		{
			name:    "name with separator",
			content: "name: a/b\ndescription: d\nsteps:\n  - action: anchor\n",
			wantErr: "usable as a file name",
		},
		{
			name:    "missing description",
			content: "name: x\nsteps:\n  - action: anchor\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: x\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown action",
			content: "name: x\ndescription: d\nsteps:\n  - action: launder\n",
			wantErr: `unknown action "launder"`,
		},
		{
			name:    "milestone step without milestone",
			content: "name: x\ndescription: d\nsteps:\n  - action: pay\n    contract: C-1\n",
			wantErr: "contract and milestone are required",
		},
		{
			name:    "milestones without amount",
			content: "name: x\ndescription: d\nsteps:\n  - action: register\n    contract: C-1\n    milestones: 2\n",
			wantErr: "positive amount",
		},
		{
			name:    "outcome without correct",
			content: "name: x\ndescription: d\nsteps:\n  - action: outcome\n    domain: defense\n",
			wantErr: "correct is required",
		},
		{
			name:    "advance without days",
			content: "name: x\ndescription: d\nsteps:\n  - action: advance\n",
			wantErr: "days must be positive",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: d\nsteps:\n  - action: anchor\nassertions:\n  - type: vibes\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "trace order needs two actions",
			content: "name: x\ndescription: d\nsteps:\n  - action: anchor\nassertions:\n  - type: trace_order\n    actions: [anchor]\n",
			wantErr: "at least two actions",
		},
		{
			name:    "final state needs a state",
			content: "name: x\ndescription: d\nsteps:\n  - action: anchor\nassertions:\n  - type: final_state\n    entity: C-1\n",
			wantErr: "entity and state are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpand(t *testing.T) {
	st := Step{Action: ActionDeliver, Contract: "V-{i}", Milestone: "M1", Citations: []string{"doc:report-{i}"}, Repeat: 3}
	got := expand(st, 2)
	assert.Equal(t, "V-2", got.Contract)
	assert.Equal(t, "M1", got.Milestone)
	assert.Equal(t, []string{"doc:report-2"}, got.Citations)
	// The template is left untouched.
	assert.Equal(t, []string{"doc:report-{i}"}, st.Citations)
}
