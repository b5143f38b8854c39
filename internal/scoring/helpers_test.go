package scoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/calibration"
	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// templated returns payloads that differ only in the invoice number, the
// shape of mass-produced billing.
func templated(n int) []ir.IRObject {
	out := make([]ir.IRObject, n)
	for i := range out {
		out[i] = ir.NewIRObjectFromPairs(
			ir.O("invoice", ir.IRString(fmt.Sprintf("INV-%d", i))),
			ir.O("vendor", ir.IRString("Consolidated Facilities Services LLC")),
			ir.O("amount", ir.IRInt(5000)),
			ir.O("memo", ir.IRString("monthly maintenance per master agreement schedule B")),
			ir.O("category", ir.IRString("services")),
		)
	}
	return out
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// varied returns payloads with random memos and amounts.
func varied(n int) []ir.IRObject {
	rng := rand.New(rand.NewPCG(1, 2))
	out := make([]ir.IRObject, n)
	for i := range out {
		memo := make([]byte, 120)
		for j := range memo {
			memo[j] = alphabet[rng.IntN(len(alphabet))]
		}
		out[i] = ir.NewIRObjectFromPairs(
			ir.O("invoice", ir.IRString(fmt.Sprintf("INV-%d", rng.IntN(1_000_000)))),
			ir.O("amount", ir.IRInt(int64(rng.IntN(900_000)+1_001))),
			ir.O("memo", ir.IRString(string(memo))),
		)
	}
	return out
}

// receipts wraps payloads as milestone receipts one minute apart from start,
// one entity each.
func receipts(payloads []ir.IRObject, start time.Time) []ir.Receipt {
	out := make([]ir.Receipt, len(payloads))
	for i, p := range payloads {
		out[i] = ir.Receipt{
			ID:        int64(i + 1),
			Type:      ir.TypeMilestone,
			EntityID:  fmt.Sprintf("C-%d/M1", i+1),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Payload:   p,
		}
	}
	return out
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.NewMemoryBackend(),
		ledger.WithClock(testutil.NewStepClock(testutil.Epoch, time.Minute)),
		ledger.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return l
}

// appendPayloads appends payloads as milestone receipts, one entity each.
func appendPayloads(t *testing.T, l *ledger.Ledger, prefix string, payloads []ir.IRObject) []ir.Receipt {
	t.Helper()
	out := make([]ir.Receipt, len(payloads))
	for i, p := range payloads {
		r, err := l.Append(context.Background(), ledger.Draft{
			Type:       ir.TypeMilestone,
			EntityID:   fmt.Sprintf("%s-%d/M1", prefix, i+1),
			Payload:    p,
			Citations:  []string{"doc-1"},
			PrevDigest: l.Head().Digest,
		})
		require.NoError(t, err)
		out[i] = r
	}
	return out
}

type fixture struct {
	l          *ledger.Ledger
	thresholds *calibration.Store
	pipeline   *Pipeline
}

func newFixture(t *testing.T, opts ...PipelineOption) fixture {
	t.Helper()
	l := newLedger(t)
	thresholds := calibration.New(calibration.WithLogger(discardLogger()))
	engine := stoprule.NewEngine(
		stoprule.WithRules(stoprule.Builtin(stoprule.DefaultKnobs())...),
		stoprule.WithLogger(discardLogger()),
	)
	opts = append([]PipelineOption{
		WithNow(func() time.Time { return testutil.Epoch.Add(24 * time.Hour) }),
		WithLogger(discardLogger()),
	}, opts...)
	return fixture{l: l, thresholds: thresholds, pipeline: NewPipeline(l, thresholds, engine, opts...)}
}

func ledgerLen(t *testing.T, l *ledger.Ledger) int64 {
	t.Helper()
	n, err := l.Len(context.Background())
	require.NoError(t, err)
	return n
}
