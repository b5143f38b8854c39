package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/store"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithClock(testutil.NewStepClock(testutil.Epoch, time.Minute)),
		WithLogger(discardLogger()),
	}
	return append(opts, extra...)
}

// newMemoryLedger returns a ledger over a fresh memory backend, plus the
// backend for tampering.
func newMemoryLedger(t *testing.T, extra ...Option) (*Ledger, *MemoryBackend) {
	t.Helper()
	b := NewMemoryBackend()
	l, err := Open(context.Background(), b, testOptions(extra...)...)
	require.NoError(t, err)
	return l, b
}

// newSQLiteLedger returns a ledger over a file-backed store under t.TempDir().
func newSQLiteLedger(t *testing.T, extra ...Option) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l, err := Open(context.Background(), NewSQLiteBackend(st), testOptions(extra...)...)
	require.NoError(t, err)
	return l, st
}

// appendN appends n milestone receipts against the observed head.
func appendN(t *testing.T, l *Ledger, n int) []ir.Receipt {
	t.Helper()
	out := make([]ir.Receipt, 0, n)
	for i := range n {
		r, err := l.Append(context.Background(), Draft{
			Type:       ir.TypeMilestone,
			EntityID:   "C-1/M1",
			Payload:    ir.IRObject{"seq": ir.IRInt(int64(i)), "note": ir.IRString("delivered")},
			Citations:  []string{"doc-1"},
			PrevDigest: l.Head().Digest,
		})
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

// mutate rewrites a stored receipt in place, bypassing the ledger.
func (b *MemoryBackend) mutate(id int64, fn func(r *ir.Receipt)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.receipts[b.byID[id]])
}

func mustLink(t *testing.T, r ir.Receipt) ir.DualDigest {
	t.Helper()
	d, err := ir.ReceiptDigest(r)
	require.NoError(t, err)
	return d
}
