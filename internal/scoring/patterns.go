package scoring

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// AnyDomain in Pattern.Domains applies a pattern everywhere.
const AnyDomain = "*"

// Detector inspects a cohort and reports a match, if any.
type Detector func(cohort []ir.Receipt) (PatternMatch, bool)

// Pattern is a tagged fraud pattern.
type Pattern struct {
	ID      string
	Domains []string

	// TransferabilityWeight in [0, 1] is how well the pattern carries over
	// to domains it was not learned in.
	TransferabilityWeight float64

	Detector Detector
}

func (p Pattern) appliesTo(domain string) bool {
	return slices.Contains(p.Domains, AnyDomain) || slices.Contains(p.Domains, domain)
}

// Registry holds patterns by id.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
}

// NewRegistry returns a registry holding patterns.
func NewRegistry(patterns ...Pattern) (*Registry, error) {
	r := &Registry{patterns: make(map[string]Pattern)}
	for _, p := range patterns {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in patterns.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DuplicatePayloads(), RoundNumberAmounts(5, 0.8))
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds p. Ids are unique.
func (r *Registry) Register(p Pattern) error {
	if p.ID == "" || p.Detector == nil {
		return fmt.Errorf("pattern needs an id and a detector")
	}
	if p.TransferabilityWeight < 0 || p.TransferabilityWeight > 1 {
		return fmt.Errorf("pattern %s: transferability weight %v outside [0, 1]", p.ID, p.TransferabilityWeight)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patterns[p.ID]; ok {
		return fmt.Errorf("pattern %s already registered", p.ID)
	}
	p.Domains = slices.Clone(p.Domains)
	r.patterns[p.ID] = p
	return nil
}

// ForDomain returns the patterns that apply to domain, ordered by id.
func (r *Registry) ForDomain(domain string) []Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Pattern
	for _, p := range r.patterns {
		if p.appliesTo(domain) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adopt extends a pattern to domain. Adoption is always explicit.
func (r *Registry) Adopt(patternID, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patterns[patternID]
	if !ok {
		return fmt.Errorf("unknown pattern %q", patternID)
	}
	if !p.appliesTo(domain) {
		p.Domains = append(slices.Clone(p.Domains), domain)
		r.patterns[patternID] = p
	}
	return nil
}

// Transferability is the highest weight among patterns that apply to source
// but not yet to target. It plugs into calibration's transfer proposals.
func (r *Registry) Transferability(source, target string) float64 {
	best := 0.0
	for _, p := range r.ForDomain(source) {
		if !p.appliesTo(target) {
			best = math.Max(best, p.TransferabilityWeight)
		}
	}
	return best
}

// Detect runs every pattern for domain over cohort.
func (r *Registry) Detect(domain string, cohort []ir.Receipt) []PatternMatch {
	var out []PatternMatch
	for _, p := range r.ForDomain(domain) {
		if m, ok := p.Detector(cohort); ok {
			m.PatternID = p.ID
			out = append(out, m)
		}
	}
	return out
}

// Lifecycle bookkeeping fields do not distinguish one receipt from another.
var volatileKeys = []string{ir.KeyEvent, ir.KeyFromState, ir.KeyToState}

// DuplicatePayloads matches receipts of different entities that carry the
// same payload, ignoring lifecycle bookkeeping fields.
func DuplicatePayloads() Pattern {
	return Pattern{
		ID:                    "duplicate_payload",
		Domains:               []string{AnyDomain},
		TransferabilityWeight: 0.9,
		Detector: func(cohort []ir.Receipt) (PatternMatch, bool) {
			seen := make(map[ir.DualDigest]string)
			var dups []string
			for _, r := range cohort {
				p := r.Payload.Clone()
				for _, k := range volatileKeys {
					delete(p, k)
				}
				d, err := ir.Digest(p)
				if err != nil {
					continue
				}
				first, ok := seen[d]
				if !ok {
					seen[d] = r.EntityID
					continue
				}
				if first != r.EntityID {
					for _, e := range []string{first, r.EntityID} {
						if !slices.Contains(dups, e) {
							dups = append(dups, e)
						}
					}
				}
			}
			if len(dups) == 0 {
				return PatternMatch{}, false
			}
			return PatternMatch{Subjects: dups, Reason: fmt.Sprintf("%d entities share identical payloads", len(dups))}, true
		},
	}
}

// RoundNumberAmounts matches cohorts of at least minCount amounts in which
// the share of multiples of 1000 reaches share.
func RoundNumberAmounts(minCount int, share float64) Pattern {
	return Pattern{
		ID:                    "round_number_amounts",
		Domains:               []string{AnyDomain},
		TransferabilityWeight: 0.5,
		Detector: func(cohort []ir.Receipt) (PatternMatch, bool) {
			n, round := 0, 0
			for _, r := range cohort {
				a, ok := r.Payload.Number(stoprule.FieldAmount)
				if !ok || a == 0 {
					continue
				}
				n++
				if math.Mod(a, 1000) == 0 {
					round++
				}
			}
			if n < minCount || float64(round)/float64(n) < share {
				return PatternMatch{}, false
			}
			return PatternMatch{Reason: fmt.Sprintf("%d of %d amounts are round thousands", round, n)}, true
		},
	}
}
