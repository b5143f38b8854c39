package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

// newEngine returns the built-in rule set plus extra.
func newEngine(extra ...stoprule.Rule) *stoprule.Engine {
	rules := append(stoprule.Builtin(stoprule.DefaultKnobs()), extra...)
	return stoprule.NewEngine(stoprule.WithRules(rules...), stoprule.WithLogger(discardLogger()))
}

func quickRetry() ledger.RetryPolicy {
	return ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second}
}

func newTestService(t *testing.T, extra ...stoprule.Rule) (*Service, *ledger.Ledger) {
	t.Helper()
	l := newLedger(t)
	svc, err := NewService(l, newEngine(extra...), testutil.NewFixedIDGenerator("C"),
		WithLogger(discardLogger()),
		WithRetryPolicy(quickRetry()),
	)
	require.NoError(t, err)
	return svc, l
}

var cite = []string{"doc-1"}

// registerContract registers id for 1_000_000 split over two milestones.
func registerContract(t *testing.T, svc *Service, id string) Outcome {
	t.Helper()
	out, err := svc.RegisterContract(context.Background(), ContractSpec{
		ID:         id,
		Amount:     1_000_000,
		Milestones: EvenSplit(1_000_000, 2),
		Citations:  cite,
	})
	require.NoError(t, err)
	return out
}

func ledgerLen(t *testing.T, l *ledger.Ledger) int64 {
	t.Helper()
	n, err := l.Len(context.Background())
	require.NoError(t, err)
	return n
}

func alertRule(event string) stoprule.Rule {
	return stoprule.Func("watch", func(_ context.Context, ev stoprule.Event, _ stoprule.View) ([]stoprule.Violation, error) {
		if ev.Name != event {
			return nil, nil
		}
		return []stoprule.Violation{{Code: "WATCHED", Severity: stoprule.SeverityAlert, Reason: "entity is on a watch list"}}, nil
	})
}

func payloadOf(pairs ...ir.IRPair) ir.IRObject { return ir.NewIRObjectFromPairs(pairs...) }
