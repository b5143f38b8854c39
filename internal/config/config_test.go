package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

func TestDefault_MatchesPackageDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, stoprule.DefaultKnobs(), cfg.Knobs())
	assert.Equal(t, scoring.DefaultParams(), cfg.ScoringParams("anything"))
	assert.Equal(t, 0.35, cfg.Scoring.DefaultThreshold)
	assert.Equal(t, 16, cfg.Scoring.CalibrationWindow)
	assert.Equal(t, 0, cfg.Ledger.AutoAnchor)
	assert.Empty(t, cfg.Domains)
	assert.Empty(t, cfg.Policies)
	assert.True(t, cfg.Modules.Scoring)
	assert.False(t, cfg.Modules.Policies)
	assert.Equal(t, ledger.RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Timeout:     5 * time.Second,
	}, cfg.RetryPolicy())
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "govos.cue"))
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Ledger.AutoAnchor)
	assert.Equal(t, 0.4, cfg.Scoring.DefaultThreshold)
	assert.Equal(t, []string{"facilities", "health"}, cfg.DomainNames())

	fac := cfg.Domains["facilities"]
	assert.Equal(t, 0.3, fac.Threshold)
	assert.Equal(t, []string{"round_number_amounts"}, fac.Patterns)

	p := cfg.ScoringParams("facilities")
	assert.Equal(t, 30*24*time.Hour, p.HalfLife)
	assert.Equal(t, 10, p.MinCohort)
	assert.Equal(t, 180*24*time.Hour, cfg.ScoringParams("health").HalfLife)
	assert.Equal(t, filepath.Join("testdata", "govos.cue"), cfg.Source)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.cue"), []byte("package govos\n\nledger: auto_anchor: 8\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "domains.cue"), []byte("package govos\n\ndomains: energy: min_cohort: 3\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Ledger.AutoAnchor)
	assert.Equal(t, 3, cfg.Domains["energy"].MinCohort)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"syntax", "ledger: {", ErrCodeParse},
		{"unknown field", "ledger: anchor_every: 5", ErrCodeInvalid},
		{"threshold out of range", "domains: x: threshold: 1.5", ErrCodeInvalid},
		{"wrong type", `retry: max_attempts: "many"`, ErrCodeInvalid},
		{"delays inverted", "retry: {base_delay_ms: 100, max_delay_ms: 10}", ErrCodeInvalid},
		{"severities inverted", "reconcile: {warn_pct: 20, critical_pct: 10}", ErrCodeInvalid},
		{"policies without files", "modules: policies: true", ErrCodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.code, le.Code, le.Error())
		})
	}
}

func TestParse_ErrorsCarryPosition(t *testing.T) {
	_, err := Parse([]byte("ledger: auto_anchor: -1\n"), "neg.cue")
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeInvalid, le.Code)
	assert.Equal(t, "neg.cue", le.Pos.Filename())
	assert.Equal(t, 1, le.Pos.Line())
	assert.Contains(t, le.Error(), "neg.cue:1:")
}

func TestParse_NestedErrorPointsIntoUserFile(t *testing.T) {
	src := "scoring: {\n\tdict_window: 32\n\tsize_k: -4\n}\n"
	_, err := Parse([]byte(src), "nested.cue")
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "nested.cue", le.Pos.Filename())
	assert.Contains(t, le.Error(), "size_k")
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cue"))
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
}

func TestHolder_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govos.cue")
	require.NoError(t, os.WriteFile(path, []byte("ledger: auto_anchor: 1\n"), 0o644))

	h, err := NewHolder(path, nil)
	require.NoError(t, err)
	first := h.Current()
	assert.Equal(t, 1, first.Ledger.AutoAnchor)

	require.NoError(t, os.WriteFile(path, []byte("ledger: auto_anchor: 2\n"), 0o644))
	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Ledger.AutoAnchor)
	assert.Equal(t, 1, first.Ledger.AutoAnchor, "earlier snapshots are unaffected")

	require.NoError(t, os.WriteFile(path, []byte("ledger: {"), 0o644))
	_, err = h.Reload()
	require.Error(t, err)
	assert.Equal(t, 2, h.Current().Ledger.AutoAnchor)
}

func TestHolder_DefaultWithoutPath(t *testing.T) {
	h, err := NewHolder("", nil)
	require.NoError(t, err)
	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, Default().Scoring, cfg.Scoring)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GOVOS_DB", "/var/lib/govos.db")
	t.Setenv("GOVOS_HTTP_ADDR", "")
	t.Setenv("GOVOS_LOG_LEVEL", "debug")
	t.Setenv("GOVOS_CONFIG", "/etc/govos.cue")
	t.Setenv("GOVOS_REDIS_ADDR", "localhost:6379")
	t.Setenv("GOVOS_REDIS_PASSWORD", "")
	t.Setenv("GOVOS_REDIS_DB", "not-a-number")

	env := FromEnv()
	assert.Equal(t, Env{
		DB:         "/var/lib/govos.db",
		HTTPAddr:   ":8080",
		LogLevel:   "debug",
		ConfigPath: "/etc/govos.cue",
		RedisAddr:  "localhost:6379",
	}, env)
	assert.Equal(t, "DEBUG", env.SlogLevel().String())

	t.Setenv("GOVOS_REDIS_DB", "3")
	assert.Equal(t, 3, FromEnv().RedisDB)
}
