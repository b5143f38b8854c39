package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

const queryPageSize = 256

// Filter selects receipts. Zero fields match everything; the time range is
// half-open [From, To).
type Filter struct {
	Types        []ir.ReceiptType
	EntityID     string
	EntityPrefix string
	From         time.Time
	To           time.Time

	// AfterID skips receipts with id <= AfterID.
	AfterID int64

	// ThroughID stops at receipt ThroughID when it precedes the head.
	ThroughID int64

	// Limit caps the number of receipts yielded. Zero means no cap.
	Limit int
}

// Query returns matching receipts in chain order. The sequence is bounded by
// the head at the time Query is called, so ranging over it again yields the
// same receipts even while appends continue. Pages are read lazily.
func (l *Ledger) Query(ctx context.Context, f Filter) iter.Seq2[ir.Receipt, error] {
	through := l.Head().ID
	if f.ThroughID > 0 && f.ThroughID < through {
		through = f.ThroughID
	}
	return func(yield func(ir.Receipt, error) bool) {
		after := f.AfterID
		yielded := 0
		for after < through {
			page, err := l.backend.Scan(ctx, store.ReceiptFilter{
				Types:        f.Types,
				EntityID:     f.EntityID,
				EntityPrefix: f.EntityPrefix,
				From:         f.From,
				To:           f.To,
				AfterID:      after,
				ThroughID:    through,
				Limit:        queryPageSize,
			})
			if err != nil {
				yield(ir.Receipt{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
				yielded++
				if f.Limit > 0 && yielded == f.Limit {
					return
				}
			}
			if len(page) < queryPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Collect drains a query into a slice.
func (l *Ledger) Collect(ctx context.Context, f Filter) ([]ir.Receipt, error) {
	out := []ir.Receipt{}
	for r, err := range l.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Verified pairs a receipt with its integrity status.
type Verified struct {
	Receipt ir.Receipt
	Report  Report
}

// QueryVerified is Query with a per-receipt integrity report. One Verifier is
// shared across the sequence, so the chain is walked once per iteration.
func (l *Ledger) QueryVerified(ctx context.Context, f Filter) iter.Seq2[Verified, error] {
	q := l.Query(ctx, f)
	return func(yield func(Verified, error) bool) {
		v := l.NewVerifier()
		for r, err := range q {
			if err != nil {
				yield(Verified{}, err)
				return
			}
			rep, err := v.Check(ctx, r)
			if err != nil {
				yield(Verified{}, err)
				return
			}
			if !yield(Verified{Receipt: r, Report: rep}, nil) {
				return
			}
		}
	}
}
