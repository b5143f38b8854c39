package explain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"

	"github.com/northstaraokeystone/gov-os/internal/scoring"
)

func TestExplain_Fraud(t *testing.T) {
	res := scoring.ScoreResult{
		Domain:           "facilities",
		CohortSize:       1200,
		CompressionRatio: 0.062,
		Threshold:        0.35,
		Confidence:       0.88,
		Freshness:        0.99,
		Separation:       1,
		SizeFactor:       0.89,
		CounterShare:     0.03,
		Verdict:          scoring.VerdictFraud,
		Patterns:         []scoring.PatternMatch{{PatternID: "round_number_amounts", Reason: "40 of 40 amounts are round thousands"}},
		Reasons:          []string{"ratio 0.062 is under 50% of threshold 0.350"},
		SnapshotID:       41,
	}
	got := Default().Explain(res)
	lines := strings.Split(strings.TrimSpace(got), "\n")

	assert.Equal(t, "The 1,200 records in facilities look mass-produced: they are likely fraudulent.", lines[0])
	assert.Equal(t, "They compress to 6.2% of their size, below the 35.0% expected for this domain.", lines[1])
	assert.Equal(t, "Confidence is 88% (evidence freshness 99%, separation 100%, cohort size 89%).", lines[2])
	assert.Equal(t, "3% of the individual records point the other way.", lines[3])
	assert.Equal(t, `Known pattern "round_number_amounts" matched: 40 of 40 amounts are round thousands.`, lines[4])
	assert.Equal(t, "Note: ratio 0.062 is under 50% of threshold 0.350.", lines[5])
	assert.Equal(t, "Scored as of anchor receipt 41.", lines[6])
	assert.Len(t, lines, 7)
}

func TestHeadline_Verdicts(t *testing.T) {
	e := Default()
	for verdict, want := range map[scoring.Verdict]string{
		scoring.VerdictLegitimate: "vary the way genuine activity does",
		scoring.VerdictSuspect:    "deserve a closer look",
		scoring.VerdictAbstain:    "not enough reliable evidence",
	} {
		got := e.Headline(scoring.ScoreResult{Domain: "d", CohortSize: 3, Verdict: verdict})
		assert.Contains(t, got, want, verdict)
	}
}

func TestExplain_Conservative(t *testing.T) {
	got := Default().Explain(scoring.ScoreResult{Verdict: scoring.VerdictSuspect, Conservative: true, CompressionRatio: 0.4, Threshold: 0.35})
	assert.Contains(t, got, "above the 35.0%")
	assert.Contains(t, got, "reported conservatively")
	assert.NotContains(t, got, "point the other way")
}

func TestExplain_FollowsLanguage(t *testing.T) {
	got := New(language.German).Headline(scoring.ScoreResult{Domain: "d", CohortSize: 1200, Verdict: scoring.VerdictLegitimate})
	assert.Contains(t, got, "1.200")
}
