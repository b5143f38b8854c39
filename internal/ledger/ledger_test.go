package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

func TestAppend_LinksToPreviousHead(t *testing.T) {
	l, _ := newMemoryLedger(t)
	rs := appendN(t, l, 3)

	assert.Equal(t, ir.ZeroDigest, rs[0].PrevDigest, "genesis links to the zero digest")
	assert.Equal(t, mustLink(t, rs[0]), rs[1].PrevDigest)
	assert.Equal(t, mustLink(t, rs[1]), rs[2].PrevDigest)

	head := l.Head()
	assert.Equal(t, int64(3), head.ID)
	assert.Equal(t, mustLink(t, rs[2]), head.Digest)

	for i, r := range rs {
		assert.Equal(t, int64(i+1), r.ID)
		assert.Equal(t, ir.MustDigest(r.Payload), r.PayloadDigest)
	}
}

func TestAppend_StaleHeadIsConflict(t *testing.T) {
	l, _ := newMemoryLedger(t)
	appendN(t, l, 1)

	_, err := l.Append(context.Background(), Draft{
		Type:       ir.TypeMilestone,
		EntityID:   "C-1/M1",
		Payload:    ir.IRObject{},
		Citations:  []string{"doc-1"},
		PrevDigest: ir.ZeroDigest,
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.True(t, IsChainIntegrityError(err))
	assert.True(t, errors.Is(err, ErrChainIntegrity))

	n, err := l.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppend_DuplicateUniqueKey(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	draft := func() Draft {
		return Draft{
			Type:       ir.TypeContract,
			EntityID:   "C-1",
			Payload:    ir.IRObject{"contract_id": ir.IRString("C-1"), "amount": ir.IRInt(1_000_000)},
			Citations:  []string{"award-1"},
			PrevDigest: l.Head().Digest,
			UniqueKey:  "C-1",
		}
	}
	_, err := l.Append(ctx, draft())
	require.NoError(t, err)

	_, err = l.Append(ctx, draft())
	require.Error(t, err)
	assert.True(t, IsDuplicateError(err))
	var de *DuplicateError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int64(1), de.ExistingID)

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rejected duplicate must not change ledger length")

	assert.True(t, IsDuplicateError(l.CheckUnique(ctx, ir.TypeContract, "C-1")))
	assert.NoError(t, l.CheckUnique(ctx, ir.TypeContract, "C-2"))
}

func TestAppend_SerializationError(t *testing.T) {
	l, _ := newMemoryLedger(t)

	_, err := l.Append(context.Background(), Draft{
		Type:       ir.TypeDetection,
		Payload:    ir.IRObject{"ratio": ir.IRFloat(math.NaN())},
		PrevDigest: l.Head().Digest,
	})
	require.Error(t, err)
	assert.True(t, ir.IsSerializationError(err))
	assert.Equal(t, int64(0), l.Head().ID)
}

func TestAppend_RejectsAnchorAndUnknownTypes(t *testing.T) {
	l, _ := newMemoryLedger(t)

	_, err := l.Append(context.Background(), Draft{Type: ir.TypeAnchor, Payload: ir.IRObject{}})
	assert.Error(t, err)

	_, err = l.Append(context.Background(), Draft{Type: "invoice", Payload: ir.IRObject{}})
	assert.Error(t, err)
	assert.Equal(t, int64(0), l.Head().ID)
}

func TestAppend_Timestamps(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	r1, err := l.Append(ctx, Draft{Type: ir.TypeDetection, Payload: ir.IRObject{}, PrevDigest: l.Head().Digest})
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch, r1.Timestamp)

	observed := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	r2, err := l.Append(ctx, Draft{
		Type: ir.TypeDetection, Payload: ir.IRObject{}, PrevDigest: l.Head().Digest, Timestamp: observed,
	})
	require.NoError(t, err)
	assert.Equal(t, observed, r2.Timestamp)
}

func TestAppend_PayloadIsCopied(t *testing.T) {
	l, _ := newMemoryLedger(t)
	payload := ir.IRObject{"k": ir.IRString("v")}

	r, err := l.Append(context.Background(), Draft{Type: ir.TypeDetection, Payload: payload, PrevDigest: l.Head().Digest})
	require.NoError(t, err)

	payload["k"] = ir.IRString("changed")
	got, err := l.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("v"), got.Payload["k"])
}

func TestAppend_ConcurrentProposersRetry(t *testing.T) {
	l, _ := newMemoryLedger(t)
	ctx := context.Background()

	const writers, each = 8, 10
	policy := RetryPolicy{MaxAttempts: 1000, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond, Timeout: 30 * time.Second}

	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				err := Retry(ctx, policy, "append", func(ctx context.Context, _ int) error {
					_, err := l.Append(ctx, Draft{
						Type:       ir.TypeMilestone,
						EntityID:   "C-1/M1",
						Payload:    ir.IRObject{"writer": ir.IRInt(int64(w)), "i": ir.IRInt(int64(i))},
						Citations:  []string{"doc"},
						PrevDigest: l.Head().Digest,
					})
					return err
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*each), n)

	sum, err := l.VerifyAll(ctx, nil)
	require.NoError(t, err)
	assert.True(t, sum.OK())
}

func TestOpen_ReloadsHeadAndAnchors(t *testing.T) {
	l, st := newSQLiteLedger(t)
	ctx := context.Background()

	appendN(t, l, 5)
	info, err := l.Anchor(ctx, 0)
	require.NoError(t, err)
	appendN(t, l, 2)

	reopened, err := Open(ctx, NewSQLiteBackend(st), testOptions()...)
	require.NoError(t, err)

	assert.Equal(t, l.Head(), reopened.Head())
	last, ok := reopened.LastAnchor()
	require.True(t, ok)
	assert.Equal(t, info, last)
	assert.Equal(t, int64(2), reopened.Unanchored())
}

func TestAutoAnchor(t *testing.T) {
	l, _ := newMemoryLedger(t, WithAutoAnchor(4))
	appendN(t, l, 9)

	anchors := l.Anchors()
	require.Len(t, anchors, 2)
	assert.Equal(t, int64(4), anchors[0].Count)
	assert.Equal(t, int64(4), anchors[1].Count)
	assert.Equal(t, int64(1), l.Unanchored())
}

func TestNewMemory(t *testing.T) {
	l := NewMemory(WithLogger(discardLogger()))
	appendN(t, l, 2)
	assert.Equal(t, int64(2), l.Head().ID)
}
