package calibration

import (
	"slices"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

// Threshold is the calibration record of one domain.
type Threshold struct {
	DomainID             string    `json:"domain_id"`
	CompressionThreshold float64   `json:"compression_threshold"`
	FitnessScore         float64   `json:"fitness_score"`
	LastCalibratedAt     time.Time `json:"last_calibrated_at"`
	SampleCount          int64     `json:"sample_count"`
	CorrectCount         int64     `json:"correct_count"`
	IncorrectCount       int64     `json:"incorrect_count"`

	// Pruned records stay stored but are not served; see Store.Threshold.
	Pruned bool `json:"pruned"`
}

// Uncertainty is 1 - (c+1)/(n+2) over n reported outcomes of which c were
// correct: 0.5 with no evidence, falling towards 0 as outcomes confirm the
// threshold and rising towards 1 as they refute it.
func (t Threshold) Uncertainty() float64 {
	n := float64(t.CorrectCount + t.IncorrectCount)
	return 1 - (float64(t.CorrectCount)+1)/(n+2)
}

func (t Threshold) row() store.ThresholdRow {
	at := ""
	if !t.LastCalibratedAt.IsZero() {
		at = ir.FormatTimestamp(t.LastCalibratedAt)
	}
	return store.ThresholdRow{
		DomainID:             t.DomainID,
		CompressionThreshold: t.CompressionThreshold,
		FitnessScore:         t.FitnessScore,
		LastCalibratedAt:     at,
		SampleCount:          t.SampleCount,
		CorrectCount:         t.CorrectCount,
		IncorrectCount:       t.IncorrectCount,
		Pruned:               t.Pruned,
	}
}

func fromRow(r store.ThresholdRow) (Threshold, error) {
	t := Threshold{
		DomainID:             r.DomainID,
		CompressionThreshold: r.CompressionThreshold,
		FitnessScore:         r.FitnessScore,
		SampleCount:          r.SampleCount,
		CorrectCount:         r.CorrectCount,
		IncorrectCount:       r.IncorrectCount,
		Pruned:               r.Pruned,
	}
	if r.LastCalibratedAt != "" {
		at, err := ir.ParseTimestamp(r.LastCalibratedAt)
		if err != nil {
			return Threshold{}, err
		}
		t.LastCalibratedAt = at
	}
	return t, nil
}

// Percentile90 returns the 90th percentile of ratios by the nearest-rank
// index int(0.9*n), clamped to the last element. ratios is not modified.
func Percentile90(ratios []float64) float64 {
	if len(ratios) == 0 {
		return 0
	}
	sorted := slices.Clone(ratios)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)) * 0.90)
	return sorted[min(idx, len(sorted)-1)]
}
