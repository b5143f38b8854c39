package calibration

import (
	"context"
	"fmt"
	"slices"
)

// Transfer proposes applying a fit domain's threshold to another domain.
// Proposals are never applied automatically; see Adopt.
type Transfer struct {
	SourceDomain string  `json:"source_domain"`
	TargetDomain string  `json:"target_domain"`
	Threshold    float64 `json:"threshold"`
	Fitness      float64 `json:"fitness"`

	// Weight in [0, 1] is how far Adopt moves the target towards Threshold.
	Weight float64 `json:"weight"`
}

// TransferCandidates proposes every unpruned domain whose fitness exceeds the
// good threshold to each of targets. weight scales the source's confidence
// (1 - uncertainty) by a per-pair transferability in [0, 1]; nil means 1.
func (s *Store) TransferCandidates(targets []string, weight func(source, target string) float64) []Transfer {
	var out []Transfer
	for _, src := range s.All() {
		if src.Pruned || src.FitnessScore <= s.good {
			continue
		}
		for _, target := range targets {
			if target == src.DomainID {
				continue
			}
			w := 1.0
			if weight != nil {
				w = min(1, max(0, weight(src.DomainID, target)))
			}
			if w == 0 {
				continue
			}
			out = append(out, Transfer{
				SourceDomain: src.DomainID,
				TargetDomain: target,
				Threshold:    src.CompressionThreshold,
				Fitness:      src.FitnessScore,
				Weight:       w * (1 - src.Uncertainty()),
			})
		}
	}
	slices.SortStableFunc(out, func(a, b Transfer) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		}
		return 0
	})
	return out
}

// Adopt stages a transfer: the target threshold moves Weight of the way
// towards the proposal's threshold.
func (b *Batch) Adopt(t Transfer) {
	b.stage(func(m map[string]Threshold) (string, error) {
		if t.Weight < 0 || t.Weight > 1 {
			return "", fmt.Errorf("adopt: weight %v outside [0, 1]", t.Weight)
		}
		rec := b.s.record(m, t.TargetDomain)
		v := rec.CompressionThreshold + t.Weight*(t.Threshold-rec.CompressionThreshold)
		if !(v > 0 && v < 1) {
			return t.TargetDomain, &RangeError{DomainID: t.TargetDomain, Value: v}
		}
		rec.CompressionThreshold = v
		m[t.TargetDomain] = rec
		return t.TargetDomain, nil
	})
}

// Adopt applies one transfer immediately.
func (s *Store) Adopt(ctx context.Context, t Transfer) (Threshold, error) {
	b := s.Begin()
	b.Adopt(t)
	return s.commitOne(ctx, b, t.TargetDomain)
}
