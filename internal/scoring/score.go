package scoring

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// Verdict is the outcome of scoring a cohort.
type Verdict string

const (
	VerdictLegitimate Verdict = "legitimate"
	VerdictSuspect    Verdict = "suspect"
	VerdictFraud      Verdict = "fraud"
	VerdictAbstain    Verdict = "abstain"
)

// Params tunes scoring.
type Params struct {
	HalfLife time.Duration

	// ConfidenceFloor: below it the verdict is abstain.
	ConfidenceFloor float64

	// CounterShareMax: when a larger freshness-weighted share of receipts
	// contradicts the cohort, the verdict is abstain.
	CounterShareMax float64

	// A cohort is fraud when its ratio is below FraudFactor*threshold and
	// confidence reaches FraudConfidence; otherwise below threshold is suspect.
	FraudFactor     float64
	FraudConfidence float64

	// DictWindow is how many preceding receipts condition a receipt's ratio.
	DictWindow int

	// SizeK damps confidence for small cohorts: size factor n/(n+SizeK).
	SizeK int

	// MinCohort: smaller non-empty cohorts abstain. Zero disables the check.
	MinCohort int
}

// DefaultParams returns the default scoring parameters.
func DefaultParams() Params {
	return Params{
		HalfLife:        DefaultHalfLife,
		ConfidenceFloor: 0.5,
		CounterShareMax: 0.35,
		FraudFactor:     0.5,
		FraudConfidence: 0.7,
		DictWindow:      32,
		SizeK:           5,
	}
}

// PatternMatch is a registry pattern that fired on a cohort.
type PatternMatch struct {
	PatternID string   `json:"pattern_id"`
	Subjects  []string `json:"subjects,omitempty"`
	Reason    string   `json:"reason"`
}

// ScoreResult is the judgement of one cohort.
type ScoreResult struct {
	Domain           string  `json:"domain"`
	CohortSize       int     `json:"cohort_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Threshold        float64 `json:"threshold"`
	Confidence       float64 `json:"confidence"`
	Verdict          Verdict `json:"verdict"`

	// Confidence factors.
	Freshness  float64 `json:"freshness"`
	Separation float64 `json:"separation"`
	SizeFactor float64 `json:"size_factor"`

	CounterShare  float64   `json:"counter_share"`
	ReceiptRatios []float64 `json:"receipt_ratios,omitempty"`

	Subjects   []string       `json:"subjects,omitempty"`
	Patterns   []PatternMatch `json:"patterns,omitempty"`
	Reasons    []string       `json:"reasons,omitempty"`
	ReceiptIDs []int64        `json:"receipt_ids,omitempty"`

	// SnapshotID is the anchor receipt the cohort was read under, 0 if none.
	SnapshotID   int64 `json:"snapshot_id"`
	Conservative bool  `json:"conservative"`
}

// Flagged reports a suspect or fraud verdict.
func (r ScoreResult) Flagged() bool {
	return r.Verdict == VerdictSuspect || r.Verdict == VerdictFraud
}

// cohortScore holds the verdict-independent measurements of a cohort.
type cohortScore struct {
	ratio      float64
	conditions []float64
	freshness  []float64
}

func measure(cohort []ir.Receipt, now time.Time, p Params) (cohortScore, error) {
	docs, err := documents(cohort)
	if err != nil {
		return cohortScore{}, err
	}
	ratio, err := CompressionRatio(bytes.Join(docs, []byte{'\n'}))
	if err != nil {
		return cohortScore{}, err
	}
	cond, err := conditionalRatios(docs, p.DictWindow)
	if err != nil {
		return cohortScore{}, err
	}
	fresh := make([]float64, len(cohort))
	for i, r := range cohort {
		fresh[i] = Freshness(now.Sub(r.Timestamp), p.HalfLife)
	}
	return cohortScore{ratio: ratio, conditions: cond, freshness: fresh}, nil
}

// ScoreCohort scores cohort against threshold as of now. It is pure: the
// same inputs always give the same result.
func ScoreCohort(domain string, cohort []ir.Receipt, threshold float64, now time.Time, p Params) (ScoreResult, error) {
	if len(cohort) == 0 {
		return ScoreResult{}, &InsufficientDataError{Domain: domain}
	}
	m, err := measure(cohort, now, p)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("score %s: %w", domain, err)
	}

	res := ScoreResult{
		Domain:           domain,
		CohortSize:       len(cohort),
		CompressionRatio: m.ratio,
		Threshold:        threshold,
		ReceiptRatios:    m.conditions,
		Subjects:         subjects(cohort),
		ReceiptIDs:       make([]int64, len(cohort)),
	}
	for i, r := range cohort {
		res.ReceiptIDs[i] = r.ID
	}

	// Counter-evidence: receipts whose own ratio sits on the other side of
	// the threshold from the cohort, weighted by freshness.
	below := m.ratio < threshold
	var weight, counter float64
	for i, c := range m.conditions {
		f := m.freshness[i]
		weight += f
		if (c < threshold) != below {
			counter += f
		}
	}
	if weight > 0 {
		res.CounterShare = counter / weight
	}
	res.Freshness = weight / float64(len(cohort))

	margin := threshold * (1 - p.FraudFactor)
	if margin > 0 {
		res.Separation = math.Min(1, math.Abs(m.ratio-threshold)/margin)
	}
	res.SizeFactor = float64(len(cohort)) / float64(len(cohort)+p.SizeK)
	res.Confidence = res.Freshness * res.Separation * res.SizeFactor

	decide(&res, p)
	if len(cohort) < p.MinCohort && res.Verdict != VerdictAbstain {
		res = abstain(res, fmt.Sprintf("cohort of %d below the domain minimum %d", len(cohort), p.MinCohort))
	}
	return res, nil
}

func decide(res *ScoreResult, p Params) {
	switch {
	case res.Confidence < p.ConfidenceFloor:
		res.Verdict = VerdictAbstain
		res.Reasons = append(res.Reasons, fmt.Sprintf("confidence %.2f below floor %.2f", res.Confidence, p.ConfidenceFloor))
	case res.CounterShare > p.CounterShareMax:
		res.Verdict = VerdictAbstain
		res.Reasons = append(res.Reasons, fmt.Sprintf("%.0f%% of the evidence contradicts the cohort", res.CounterShare*100))
	case res.CompressionRatio >= res.Threshold:
		res.Verdict = VerdictLegitimate
	case res.CompressionRatio < res.Threshold*p.FraudFactor && res.Confidence >= p.FraudConfidence:
		res.Verdict = VerdictFraud
		res.Reasons = append(res.Reasons, fmt.Sprintf("ratio %.3f is under %.0f%% of threshold %.3f", res.CompressionRatio, p.FraudFactor*100, res.Threshold))
	default:
		res.Verdict = VerdictSuspect
		res.Reasons = append(res.Reasons, fmt.Sprintf("ratio %.3f below threshold %.3f", res.CompressionRatio, res.Threshold))
	}
}

// Conservative returns res re-judged for weak separation: fraud is reported
// as suspect and a legitimate verdict inside the margin becomes abstain.
func Conservative(res ScoreResult, margin float64) ScoreResult {
	res.Conservative = true
	res.Reasons = slices.Clone(res.Reasons)
	switch res.Verdict {
	case VerdictFraud:
		res.Verdict = VerdictSuspect
		res.Reasons = append(res.Reasons, "conservative scoring: fraud reported as suspect")
	case VerdictLegitimate:
		if math.Abs(res.CompressionRatio-res.Threshold) < margin*res.Threshold {
			res.Verdict = VerdictAbstain
			res.Reasons = append(res.Reasons, "conservative scoring: ratio too close to threshold")
		}
	}
	return res
}

// abstain marks res abstain for reason, keeping its measurements.
func abstain(res ScoreResult, reason string) ScoreResult {
	res.Verdict = VerdictAbstain
	res.Reasons = append(slices.Clone(res.Reasons), reason)
	return res
}

func subjects(cohort []ir.Receipt) []string {
	var out []string
	for _, r := range cohort {
		if r.EntityID != "" && !slices.Contains(out, r.EntityID) {
			out = append(out, r.EntityID)
		}
	}
	return out
}
