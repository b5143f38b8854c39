package scoring

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

var scoredAt = testutil.Epoch.Add(time.Hour)

func TestScoreCohort_TemplatedIsFraud(t *testing.T) {
	res, err := ScoreCohort("facilities", receipts(templated(40), testutil.Epoch), 0.35, scoredAt, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, VerdictFraud, res.Verdict, res.Reasons)
	assert.Less(t, res.CompressionRatio, 0.35*0.5)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Less(t, res.CounterShare, 0.35)
	assert.True(t, res.Flagged())
	assert.Len(t, res.Subjects, 40)
	assert.Len(t, res.ReceiptRatios, 40)
	assert.Equal(t, int64(1), res.ReceiptIDs[0])
}

func TestScoreCohort_VariedIsLegitimate(t *testing.T) {
	res, err := ScoreCohort("facilities", receipts(varied(40), testutil.Epoch), 0.35, scoredAt, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, VerdictLegitimate, res.Verdict, res.Reasons)
	assert.Greater(t, res.CompressionRatio, 0.35)
	assert.False(t, res.Flagged())
	assert.Empty(t, res.Reasons)
}

func TestScoreCohort_Deterministic(t *testing.T) {
	cohort := receipts(templated(20), testutil.Epoch)
	a, err := ScoreCohort("d", cohort, 0.35, scoredAt, DefaultParams())
	require.NoError(t, err)
	b, err := ScoreCohort("d", cohort, 0.35, scoredAt, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScoreCohort_EmptyIsInsufficientData(t *testing.T) {
	_, err := ScoreCohort("d", nil, 0.35, scoredAt, DefaultParams())
	require.Error(t, err)
	assert.True(t, IsInsufficientDataError(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_DATA")
}

func TestScoreCohort_SingleReceiptAbstains(t *testing.T) {
	res, err := ScoreCohort("d", receipts(templated(1), testutil.Epoch), 0.35, scoredAt, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstain, res.Verdict)
	assert.InDelta(t, 1.0/6, res.SizeFactor, 1e-9)
	assert.Less(t, res.Confidence, DefaultParams().ConfidenceFloor)
}

func TestScoreCohort_StaleEvidenceAbstains(t *testing.T) {
	cohort := receipts(templated(40), testutil.Epoch)
	res, err := ScoreCohort("d", cohort, 0.35, testutil.Epoch.Add(2*365*24*time.Hour), DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstain, res.Verdict)
	assert.Less(t, res.Freshness, 0.01)
}

func TestScoreCohort_ConfidenceNeverGrowsWithAge(t *testing.T) {
	cohort := receipts(templated(40), testutil.Epoch)
	prev := 2.0
	for _, days := range []int{0, 1, 30, 90, 180, 365} {
		now := testutil.Epoch.Add(time.Duration(days) * 24 * time.Hour)
		res, err := ScoreCohort("d", cohort, 0.35, now, DefaultParams())
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Confidence, prev, "day %d", days)
		prev = res.Confidence
	}

	fresh, err := ScoreCohort("d", cohort, 0.35, testutil.Epoch, DefaultParams())
	require.NoError(t, err)
	aged, err := ScoreCohort("d", cohort, 0.35, testutil.Epoch.Add(DefaultHalfLife), DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, fresh.Confidence/2, aged.Confidence, 0.01)
}

func TestScoreCohort_ContradictingReceiptsAbstain(t *testing.T) {
	// Random memos compress well together but not one by one: against a
	// threshold between the two, most receipts contradict the cohort.
	res, err := ScoreCohort("d", receipts(varied(40), testutil.Epoch), 0.75, scoredAt, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstain, res.Verdict)
	assert.Less(t, res.CompressionRatio, 0.75)
	assert.Greater(t, res.CounterShare, DefaultParams().CounterShareMax)
}

func TestConservative(t *testing.T) {
	fraud := ScoreResult{Verdict: VerdictFraud, CompressionRatio: 0.05, Threshold: 0.35, Reasons: []string{"low"}}
	got := Conservative(fraud, 0.05)
	assert.Equal(t, VerdictSuspect, got.Verdict)
	assert.True(t, got.Conservative)
	assert.Len(t, got.Reasons, 2)
	assert.Len(t, fraud.Reasons, 1, "input is not modified")

	nearLine := ScoreResult{Verdict: VerdictLegitimate, CompressionRatio: 0.36, Threshold: 0.35}
	assert.Equal(t, VerdictAbstain, Conservative(nearLine, 0.05).Verdict)

	wellClear := ScoreResult{Verdict: VerdictLegitimate, CompressionRatio: 0.60, Threshold: 0.35}
	assert.Equal(t, VerdictLegitimate, Conservative(wellClear, 0.05).Verdict)

	suspect := ScoreResult{Verdict: VerdictSuspect, CompressionRatio: 0.30, Threshold: 0.35}
	assert.Equal(t, VerdictSuspect, Conservative(suspect, 0.05).Verdict)
}

func TestFreshness(t *testing.T) {
	assert.Equal(t, 1.0, Freshness(0, DefaultHalfLife))
	assert.Equal(t, 1.0, Freshness(-time.Hour, DefaultHalfLife))
	assert.InDelta(t, 0.5, Freshness(DefaultHalfLife, DefaultHalfLife), 1e-12)
	assert.InDelta(t, 0.25, Freshness(2*DefaultHalfLife, DefaultHalfLife), 1e-12)
	assert.Equal(t, 0.0, Freshness(time.Hour, 0))

	prev := 1.0
	for d := time.Duration(0); d < 400*24*time.Hour; d += 7 * 24 * time.Hour {
		f := Freshness(d, DefaultHalfLife)
		assert.LessOrEqual(t, f, prev)
		prev = f
	}
	assert.InDelta(t, 1.5, AgeDays(36*time.Hour), 1e-12)
}

func TestCompressionRatio(t *testing.T) {
	r, err := CompressionRatio(nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)

	r, err = CompressionRatio(bytes.Repeat([]byte("INV-0001 services "), 200))
	require.NoError(t, err)
	assert.Less(t, r, 0.05)
}

func TestConditionalRatios_UseHistory(t *testing.T) {
	docs := [][]byte{
		[]byte(`{"memo":"monthly maintenance per master agreement schedule B","vendor":"Consolidated"}`),
		[]byte(`{"memo":"monthly maintenance per master agreement schedule B","vendor":"Consolidated"}`),
	}
	ratios, err := conditionalRatios(docs, 32)
	require.NoError(t, err)
	assert.Less(t, ratios[1], ratios[0])

	alone, err := conditionalRatios(docs, 0)
	require.NoError(t, err)
	assert.Equal(t, alone[0], alone[1])
}

func TestScoreCohort_MinCohort(t *testing.T) {
	p := DefaultParams()
	p.MinCohort = 20
	res, err := ScoreCohort("d", receipts(templated(10), testutil.Epoch), 0.35, scoredAt, p)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbstain, res.Verdict)
	assert.Contains(t, res.Reasons[len(res.Reasons)-1], "below the domain minimum 20")

	p.MinCohort = 10
	res, err = ScoreCohort("d", receipts(templated(10), testutil.Epoch), 0.35, scoredAt, p)
	require.NoError(t, err)
	assert.NotEqual(t, VerdictAbstain, res.Verdict)
}
