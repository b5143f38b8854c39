package calibration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/store"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStore_DefaultsForUnknownDomain(t *testing.T) {
	s := New(quiet())
	assert.Equal(t, DefaultThreshold, s.Threshold("medicaid"))
	_, ok := s.Get("medicaid")
	assert.False(t, ok)
	assert.Empty(t, s.All())
}

func TestStore_SetThresholdValidatesRange(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())

	rec, err := s.SetThreshold(ctx, "medicaid", 0.42)
	require.NoError(t, err)
	assert.Equal(t, 0.42, rec.CompressionThreshold)
	assert.Equal(t, 0.42, s.Threshold("medicaid"))

	for _, v := range []float64{0, 1, -0.1, 1.5} {
		_, err := s.SetThreshold(ctx, "medicaid", v)
		require.Error(t, err, v)
		assert.True(t, IsRangeError(err))
	}
	assert.Equal(t, 0.42, s.Threshold("medicaid"), "rejected values leave the record alone")
}

func TestStore_UncertaintyAndFitness(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())

	assert.Equal(t, 0.5, Threshold{}.Uncertainty())

	rec, err := s.ReportOutcome(ctx, "defense", true, 1)
	require.NoError(t, err)
	// 0.5 -> 1 - 2/3
	assert.InDelta(t, 0.5-1.0/3, rec.FitnessScore, 1e-12)
	assert.False(t, rec.Pruned)

	// Fitness is divided by the receipts processed.
	rec, err = s.ReportOutcome(ctx, "defense", true, 10)
	require.NoError(t, err)
	assert.InDelta(t, (0.5-1.0/3)+(1.0/3-0.25)/10, rec.FitnessScore, 1e-12)
	assert.Equal(t, int64(11), rec.SampleCount)
	assert.Equal(t, int64(2), rec.CorrectCount)
}

func TestStore_ReportOutcomesCountsEachDetection(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())

	rec, err := s.ReportOutcomes(ctx, "defense", true, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.CorrectCount)
	assert.Equal(t, int64(3), rec.SampleCount)
	// Drops telescope: 0.5 -> 1 - 4/5.
	assert.InDelta(t, 0.5-0.2, rec.FitnessScore, 1e-12)

	rec, err = s.ReportOutcomes(ctx, "grants", false, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.IncorrectCount, "zero reports one detection")
}

func TestStore_NegativeFitnessPrunes(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())
	_, err := s.SetThreshold(ctx, "grants", 0.6)
	require.NoError(t, err)

	rec, err := s.ReportOutcome(ctx, "grants", false, 1)
	require.NoError(t, err)
	assert.Less(t, rec.FitnessScore, 0.0)
	assert.True(t, rec.Pruned)
	assert.Equal(t, DefaultThreshold, s.Threshold("grants"), "pruned thresholds are not served")

	rec, err = s.Reinstate(ctx, "grants")
	require.NoError(t, err)
	assert.False(t, rec.Pruned)
	assert.Zero(t, rec.FitnessScore)
	assert.Equal(t, 0.6, s.Threshold("grants"))

	_, err = s.Reinstate(ctx, "unknown")
	assert.ErrorContains(t, err, "unknown domain")
}

func TestPercentile90(t *testing.T) {
	ratios := []float64{0.9, 0.1, 0.5, 0.3, 0.2, 0.8, 0.4, 0.7, 0.6, 0.35}
	// sorted: .1 .2 .3 .35 .4 .5 .6 .7 .8 .9; index int(10*0.9) = 9
	assert.Equal(t, 0.9, Percentile90(ratios))
	assert.Equal(t, 0.9, ratios[0], "input is not reordered")
	assert.Equal(t, 0.4, Percentile90([]float64{0.4}))
	assert.Equal(t, 0.0, Percentile90(nil))
	assert.Equal(t, 0.5, Percentile90([]float64{0.1, 0.2, 0.3, 0.4, 0.5}))
}

func TestStore_Calibrate(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewStepClock(testutil.Epoch, time.Hour)
	s := New(quiet(), WithNow(clock.Now))

	rec, err := s.Calibrate(ctx, "medicaid", []float64{0.3, 0.4, 0.5, 0.6})
	require.NoError(t, err)
	assert.Equal(t, 0.6, rec.CompressionThreshold)
	assert.Equal(t, testutil.Epoch, rec.LastCalibratedAt)
	assert.Equal(t, int64(4), rec.SampleCount)

	rec, err = s.Calibrate(ctx, "medicaid", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.6, rec.CompressionThreshold, "empty sample leaves the threshold")

	_, err = s.Calibrate(ctx, "medicaid", []float64{0.97, 0.99})
	require.Error(t, err)
	var ce *CalibrationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0.99, ce.Value)
	assert.Equal(t, 0.6, s.Threshold("medicaid"))
}

func TestBatch_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())
	_, err := s.SetThreshold(ctx, "a", 0.5)
	require.NoError(t, err)

	b := s.Begin()
	b.SetThreshold("a", 0.7)
	b.ReportOutcome("b", true, 3)
	b.SetThreshold("c", 2)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 0.5, s.Threshold("a"), "staged changes are invisible")

	err = b.Commit(ctx)
	require.Error(t, err)
	assert.True(t, IsRangeError(err))
	assert.Equal(t, 0.5, s.Threshold("a"))
	_, ok := s.Get("b")
	assert.False(t, ok)

	assert.ErrorContains(t, b.Commit(ctx), "already committed")
}

func TestBatch_CancelledContextCommitsNothing(t *testing.T) {
	s := New(quiet())
	ctx, cancel := context.WithCancel(context.Background())
	b := s.Begin()
	b.SetThreshold("a", 0.7)
	cancel()
	require.ErrorIs(t, b.Commit(ctx), context.Canceled)
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestBatch_Discard(t *testing.T) {
	s := New(quiet())
	b := s.Begin()
	b.SetThreshold("a", 0.7)
	b.Discard()
	assert.Error(t, b.Commit(context.Background()))
	assert.Empty(t, s.All())
}

type failingPersister struct{ saves int }

func (p *failingPersister) LoadThresholds(context.Context) ([]store.ThresholdRow, error) {
	return nil, nil
}

func (p *failingPersister) SaveThresholds(context.Context, []store.ThresholdRow) error {
	p.saves++
	return errors.New("disk full")
}

func TestBatch_PersistFailureKeepsSnapshot(t *testing.T) {
	p := &failingPersister{}
	s, err := Open(context.Background(), quiet(), WithPersister(p))
	require.NoError(t, err)

	_, err = s.SetThreshold(context.Background(), "a", 0.4)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, p.saves)
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestStore_SQLitePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "govos.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	clock := testutil.NewStepClock(testutil.Epoch, time.Hour)
	s, err := Open(ctx, quiet(), WithPersister(st), WithNow(clock.Now))
	require.NoError(t, err)
	_, err = s.Calibrate(ctx, "medicaid", []float64{0.2, 0.3, 0.45})
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, "medicaid", true, 5)
	require.NoError(t, err)
	_, err = s.ReportOutcome(ctx, "grants", false, 1)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	reopened, err := Open(ctx, quiet(), WithPersister(st))
	require.NoError(t, err)

	assert.Equal(t, s.All(), reopened.All())
	rec, ok := reopened.Get("medicaid")
	require.True(t, ok)
	assert.Equal(t, 0.45, rec.CompressionThreshold)
	assert.True(t, rec.LastCalibratedAt.Equal(testutil.Epoch))
	g, _ := reopened.Get("grants")
	assert.True(t, g.Pruned)
}

func TestStore_ConcurrentOutcomes(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())
	done := make(chan struct{})
	for range 20 {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = s.ReportOutcome(ctx, "a", true, 1)
		}()
	}
	for range 20 {
		<-done
	}
	rec, _ := s.Get("a")
	assert.Equal(t, int64(20), rec.CorrectCount, "no outcome is lost")
}
