package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func TestDuplicatePayloads(t *testing.T) {
	payloads := varied(4)
	dup := payloads[0].Clone()
	dup[ir.KeyEvent] = ir.IRString("deliver")
	payloads = append(payloads, dup)

	m, ok := DuplicatePayloads().Detector(receipts(payloads, testutil.Epoch))
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"C-1/M1", "C-5/M1"}, m.Subjects)

	_, ok = DuplicatePayloads().Detector(receipts(varied(4), testutil.Epoch))
	assert.False(t, ok)
}

func TestDuplicatePayloads_SameEntityIgnored(t *testing.T) {
	cohort := receipts(templated(1), testutil.Epoch)
	again := cohort[0]
	again.ID = 2
	_, ok := DuplicatePayloads().Detector(append(cohort, again))
	assert.False(t, ok)
}

func TestRoundNumberAmounts(t *testing.T) {
	p := RoundNumberAmounts(5, 0.8)

	m, ok := p.Detector(receipts(templated(5), testutil.Epoch))
	require.True(t, ok)
	assert.Contains(t, m.Reason, "5 of 5")

	_, ok = p.Detector(receipts(templated(4), testutil.Epoch))
	assert.False(t, ok, "too few amounts")

	_, ok = p.Detector(receipts(varied(20), testutil.Epoch))
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	never := func([]ir.Receipt) (PatternMatch, bool) { return PatternMatch{}, false }
	always := func([]ir.Receipt) (PatternMatch, bool) { return PatternMatch{Reason: "always"}, true }

	r, err := NewRegistry(
		Pattern{ID: "split_invoices", Domains: []string{"defense"}, TransferabilityWeight: 0.7, Detector: always},
		Pattern{ID: "late_filing", Domains: []string{"defense", "health"}, TransferabilityWeight: 0.3, Detector: never},
	)
	require.NoError(t, err)

	assert.Error(t, r.Register(Pattern{ID: "split_invoices", Detector: never}), "duplicate id")
	assert.Error(t, r.Register(Pattern{ID: "x", TransferabilityWeight: 1.5, Detector: never}))
	assert.Error(t, r.Register(Pattern{ID: "y"}))

	ids := func(ps []Pattern) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{"late_filing", "split_invoices"}, ids(r.ForDomain("defense")))
	assert.Equal(t, []string{"late_filing"}, ids(r.ForDomain("health")))
	assert.Empty(t, r.ForDomain("energy"))

	assert.InDelta(t, 0.7, r.Transferability("defense", "health"), 1e-12)
	assert.InDelta(t, 0.7, r.Transferability("defense", "energy"), 1e-12)
	assert.Zero(t, r.Transferability("energy", "defense"))

	matches := r.Detect("defense", nil)
	require.Len(t, matches, 1)
	assert.Equal(t, "split_invoices", matches[0].PatternID)
	assert.Empty(t, r.Detect("health", nil))

	require.NoError(t, r.Adopt("split_invoices", "health"))
	assert.Len(t, r.Detect("health", nil), 1)
	assert.Zero(t, r.Transferability("defense", "health"), "nothing left to carry over")
	assert.Error(t, r.Adopt("missing", "health"))
}

func TestDefaultRegistry_AppliesEverywhere(t *testing.T) {
	r := DefaultRegistry()
	assert.Len(t, r.ForDomain("any-domain"), 2)
	matches := r.Detect("any-domain", receipts(templated(10), testutil.Epoch))
	require.Len(t, matches, 1)
	assert.Equal(t, "round_number_amounts", matches[0].PatternID)
}
