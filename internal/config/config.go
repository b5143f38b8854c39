// Package config loads the immutable runtime configuration.
//
// A configuration file is CUE, unified with the embedded schema in
// schema.cue: every field has a default, so an empty file yields Default().
// Load returns a fresh snapshot; nothing mutates a snapshot after it is
// returned, and Holder swaps snapshots atomically on reload.
package config

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

const schemaFile = "schema.cue"

//go:embed schema.cue
var schemaSource string

// Configuration is one loaded snapshot. Treat it as read-only.
type Configuration struct {
	Ledger    Ledger            `json:"ledger"`
	Retry     Retry             `json:"retry"`
	Stoprules Stoprules         `json:"stoprules"`
	Scoring   Scoring           `json:"scoring"`
	Reconcile Reconcile         `json:"reconcile"`
	Domains   map[string]Domain `json:"domains"`
	Modules   Modules           `json:"modules"`
	Policies  []string          `json:"policies"`

	// Source is the file or directory the snapshot was loaded from, "" for
	// Default().
	Source string `json:"-"`
}

type Ledger struct {
	AutoAnchor int `json:"auto_anchor"`
}

type Retry struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
	TimeoutMS   int `json:"timeout_ms"`
}

type Stoprules struct {
	ConfidenceFloor float64 `json:"confidence_floor"`
	CycleMaxLength  int     `json:"cycle_max_length"`
	CascadeFactor   float64 `json:"cascade_factor"`
	CoherenceMin    float64 `json:"coherence_min"`
	ScoreMargin     float64 `json:"score_margin"`
}

type Scoring struct {
	DefaultThreshold  float64 `json:"default_threshold"`
	GoodFitness       float64 `json:"good_fitness"`
	HalfLifeDays      float64 `json:"half_life_days"`
	ConfidenceFloor   float64 `json:"confidence_floor"`
	CounterShareMax   float64 `json:"counter_share_max"`
	FraudFactor       float64 `json:"fraud_factor"`
	FraudConfidence   float64 `json:"fraud_confidence"`
	DictWindow        int     `json:"dict_window"`
	SizeK             int     `json:"size_k"`
	CalibrationWindow int     `json:"calibration_window"`
}

type Reconcile struct {
	WarnPct     float64 `json:"warn_pct"`
	CriticalPct float64 `json:"critical_pct"`
}

// Domain overrides scoring for one domain. Zero Threshold and HalfLifeDays
// mean "use the global value".
type Domain struct {
	Threshold    float64  `json:"threshold,omitempty"`
	HalfLifeDays float64  `json:"half_life_days,omitempty"`
	MinCohort    int      `json:"min_cohort"`
	Patterns     []string `json:"patterns"`
}

type Modules struct {
	Scoring   bool `json:"scoring"`
	Reconcile bool `json:"reconcile"`
	Policies  bool `json:"policies"`
}

// Default returns the schema defaults.
func Default() Configuration {
	cfg, err := build(nil, "")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads a configuration file, or a directory holding one CUE package.
func Load(path string) (Configuration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Configuration{}, &LoadError{Code: ErrCodeRead, Message: err.Error()}
	}
	if info.IsDir() {
		return loadDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, &LoadError{Code: ErrCodeRead, Message: err.Error()}
	}
	return Parse(data, path)
}

// Parse builds a configuration from CUE source. filename labels positions in
// errors.
func Parse(src []byte, filename string) (Configuration, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Configuration{}, fromCUE(ErrCodeParse, err, nil)
	}
	return buildWith(ctx, &v, filename)
}

func loadDir(dir string) (Configuration, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return Configuration{}, &LoadError{Code: ErrCodeRead, Message: "no CUE instances in " + dir}
	}
	inst := instances[0]
	if inst.Err != nil {
		return Configuration{}, fromCUE(ErrCodeParse, inst.Err, nil)
	}
	ctx := cuecontext.New()
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return Configuration{}, fromCUE(ErrCodeParse, err, nil)
	}
	return buildWith(ctx, &v, dir)
}

func build(user *cue.Value, source string) (Configuration, error) {
	return buildWith(cuecontext.New(), user, source)
}

func buildWith(ctx *cue.Context, user *cue.Value, source string) (Configuration, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaFile))
	if err := schema.Err(); err != nil {
		return Configuration{}, fromCUE(ErrCodeParse, err, nil)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))
	if user != nil {
		v = v.Unify(*user)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Configuration{}, fromCUE(ErrCodeInvalid, err, user)
	}

	var cfg Configuration
	if err := v.Decode(&cfg); err != nil {
		return Configuration{}, fromCUE(ErrCodeDecode, err, user)
	}
	if cfg.Domains == nil {
		cfg.Domains = map[string]Domain{}
	}
	cfg.Source = source
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks constraints that span fields.
func (c Configuration) Validate() error {
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf(
			"retry.max_delay_ms %d is below retry.base_delay_ms %d", c.Retry.MaxDelayMS, c.Retry.BaseDelayMS)}
	}
	if c.Reconcile.CriticalPct < c.Reconcile.WarnPct {
		return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf(
			"reconcile.critical_pct %v is below reconcile.warn_pct %v", c.Reconcile.CriticalPct, c.Reconcile.WarnPct)}
	}
	if c.Modules.Policies && len(c.Policies) == 0 {
		return &LoadError{Code: ErrCodeInvalid, Message: "modules.policies is set but no policies are listed"}
	}
	for name, d := range c.Domains {
		if slices.Contains(d.Patterns, "") {
			return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("domains.%s.patterns holds an empty id", name)}
		}
	}
	return nil
}

// DomainNames returns the configured domains in sorted order.
func (c Configuration) DomainNames() []string {
	return slices.Sorted(maps.Keys(c.Domains))
}

func days(d float64) time.Duration {
	return time.Duration(d * float64(24*time.Hour))
}

// ScoringParams returns the scoring parameters for domain.
func (c Configuration) ScoringParams(domain string) scoring.Params {
	p := scoring.Params{
		HalfLife:        days(c.Scoring.HalfLifeDays),
		ConfidenceFloor: c.Scoring.ConfidenceFloor,
		CounterShareMax: c.Scoring.CounterShareMax,
		FraudFactor:     c.Scoring.FraudFactor,
		FraudConfidence: c.Scoring.FraudConfidence,
		DictWindow:      c.Scoring.DictWindow,
		SizeK:           c.Scoring.SizeK,
	}
	if d, ok := c.Domains[domain]; ok {
		if d.HalfLifeDays > 0 {
			p.HalfLife = days(d.HalfLifeDays)
		}
		p.MinCohort = d.MinCohort
	}
	return p
}

// Knobs returns the built-in stoprule parameters.
func (c Configuration) Knobs() stoprule.Knobs {
	return stoprule.Knobs{
		ConfidenceFloor: c.Stoprules.ConfidenceFloor,
		CycleMaxLength:  c.Stoprules.CycleMaxLength,
		CascadeFactor:   c.Stoprules.CascadeFactor,
		CoherenceMin:    c.Stoprules.CoherenceMin,
		ScoreMargin:     c.Stoprules.ScoreMargin,
	}
}

// RetryPolicy returns the append retry policy.
func (c Configuration) RetryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		Timeout:     time.Duration(c.Retry.TimeoutMS) * time.Millisecond,
	}
}
