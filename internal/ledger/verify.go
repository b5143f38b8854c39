package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/merkle"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

const verifyPageSize = 256

// Report is the integrity status of one receipt.
type Report struct {
	ReceiptID int64 `json:"receipt_id"`
	OK        bool  `json:"ok"`

	// Anchored is true when a closed batch covers the receipt and its
	// inclusion proof was checked. An uncovered receipt can still be OK.
	// For an anchor receipt AnchorID is its own id and Anchored is false
	// until a later batch covers it.
	Anchored bool  `json:"anchored"`
	AnchorID int64 `json:"anchor_id,omitempty"`

	Fault *ChainIntegrityError `json:"fault,omitempty"`
}

// Err returns the fault as an error, or nil.
func (r Report) Err() error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault
}

// Verifier checks receipts against the chain and its anchors. It memoizes the
// longest verified prefix, so checking receipts in ascending order walks the
// chain once. A Verifier reads the backend as it is now; create a new one to
// observe later changes.
type Verifier struct {
	l *Ledger

	mu      sync.Mutex
	through int64
	last    ir.DualDigest
	fault   *ChainIntegrityError
	batches map[int64]*batchCheck
}

type batchCheck struct {
	info   AnchorInfo
	ids    []int64
	leaves []ir.DualDigest
	fault  *ChainIntegrityError
}

// NewVerifier returns a verifier with an empty memo.
func (l *Ledger) NewVerifier() *Verifier {
	return &Verifier{l: l, batches: make(map[int64]*batchCheck)}
}

// Verify checks one receipt with a fresh Verifier.
func (l *Ledger) Verify(ctx context.Context, id int64) (Report, error) {
	return l.NewVerifier().Verify(ctx, id)
}

// Verify checks that receipt id's payload digest reproduces, that its chain
// links back to genesis, and, when a closed batch covers it, that its
// inclusion proof reaches the batch root. A fault at any receipt fails that
// receipt and every later one. The error is non-nil only when the check could
// not run (missing receipt, backend failure).
func (v *Verifier) Verify(ctx context.Context, id int64) (Report, error) {
	r, err := v.l.backend.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return v.Check(ctx, r)
}

// Check verifies a receipt already read from the ledger.
func (v *Verifier) Check(ctx context.Context, r ir.Receipt) (Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rep := Report{ReceiptID: r.ID}
	if err := v.extend(ctx, r.ID); err != nil {
		return Report{}, err
	}
	if v.fault != nil && v.fault.ReceiptID <= r.ID {
		rep.Fault = v.fault
		return rep, nil
	}

	if r.Type == ir.TypeAnchor {
		info, err := anchorInfoFrom(r)
		if err != nil {
			rep.Fault = &ChainIntegrityError{Code: FaultAnchorRecord, ReceiptID: r.ID, Message: err.Error()}
			return rep, nil
		}
		bc, err := v.batch(ctx, info)
		if err != nil {
			return Report{}, err
		}
		if bc.fault != nil {
			rep.Fault = bc.fault
			return rep, nil
		}
		// The receipt closes its batch; no batch covers it yet.
		rep.OK, rep.AnchorID = true, r.ID
		return rep, nil
	}

	covering, ok := v.l.CoveringAnchor(r.ID)
	if !ok {
		rep.OK = true
		return rep, nil
	}
	rep.Anchored, rep.AnchorID = true, covering.ReceiptID

	// The index is only a pointer; the root is re-read from the anchor receipt.
	ar, err := v.l.backend.Get(ctx, covering.ReceiptID)
	if err != nil {
		return Report{}, err
	}
	if fault := checkPayload(ar); fault != nil {
		fault.Code = FaultAnchorRecord
		fault.ReceiptID = r.ID
		fault.Message = fmt.Sprintf("covering anchor %d: %s", ar.ID, fault.Message)
		rep.Fault = fault
		return rep, nil
	}
	info, err := anchorInfoFrom(ar)
	if err != nil {
		rep.Fault = &ChainIntegrityError{Code: FaultAnchorRecord, ReceiptID: r.ID, Message: err.Error()}
		return rep, nil
	}
	bc, err := v.batch(ctx, info)
	if err != nil {
		return Report{}, err
	}

	idx := slices.Index(bc.ids, r.ID)
	if idx < 0 {
		rep.Fault = &ChainIntegrityError{
			Code:      FaultInclusion,
			ReceiptID: r.ID,
			Message:   fmt.Sprintf("receipt missing from batch of anchor %d", info.ReceiptID),
		}
		return rep, nil
	}
	path, err := merkle.InclusionProof(bc.leaves, idx)
	if err != nil {
		return Report{}, fmt.Errorf("verify %d: %w", r.ID, err)
	}
	ok, err = merkle.VerifyInclusionProof(bc.leaves[idx], idx, len(bc.leaves), path, info.Root)
	if err != nil {
		return Report{}, fmt.Errorf("verify %d: %w", r.ID, err)
	}
	if !ok {
		rep.Fault = &ChainIntegrityError{
			Code:      FaultInclusion,
			ReceiptID: r.ID,
			Message:   fmt.Sprintf("inclusion proof does not reach root of anchor %d", info.ReceiptID),
			Expected:  info.Root.String(),
		}
		return rep, nil
	}
	rep.OK = true
	return rep, nil
}

// extend walks the chain from the memoized prefix through id.
func (v *Verifier) extend(ctx context.Context, id int64) error {
	for v.fault == nil && v.through < id {
		page, err := v.l.backend.Scan(ctx, store.ReceiptFilter{
			AfterID:   v.through,
			ThroughID: id,
			Limit:     verifyPageSize,
		})
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if len(page) == 0 {
			v.fault = &ChainIntegrityError{
				Code:      FaultSequenceGap,
				ReceiptID: v.through + 1,
				Message:   "chain ends before the requested receipt",
			}
			return nil
		}
		for _, r := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if fault := v.step(r); fault != nil {
				v.fault = fault
				return nil
			}
		}
	}
	return nil
}

func (v *Verifier) step(r ir.Receipt) *ChainIntegrityError {
	if r.ID != v.through+1 {
		return &ChainIntegrityError{
			Code:      FaultSequenceGap,
			ReceiptID: r.ID,
			Message:   fmt.Sprintf("expected receipt %d", v.through+1),
		}
	}
	if fault := checkPayload(r); fault != nil {
		return fault
	}
	if r.PrevDigest != v.last {
		return &ChainIntegrityError{
			Code:      FaultLink,
			ReceiptID: r.ID,
			Message:   "prev_digest does not match the preceding receipt",
			Expected:  v.last.String(),
			Actual:    r.PrevDigest.String(),
		}
	}
	link, err := ir.ReceiptDigest(r)
	if err != nil {
		return &ChainIntegrityError{Code: FaultLink, ReceiptID: r.ID, Message: err.Error()}
	}
	v.through, v.last = r.ID, link
	return nil
}

func checkPayload(r ir.Receipt) *ChainIntegrityError {
	d, err := ir.Digest(r.Payload)
	if err != nil {
		return &ChainIntegrityError{Code: FaultPayloadDigest, ReceiptID: r.ID, Message: err.Error()}
	}
	if d != r.PayloadDigest {
		return &ChainIntegrityError{
			Code:      FaultPayloadDigest,
			ReceiptID: r.ID,
			Message:   "payload does not reproduce its stored digest",
			Expected:  d.String(),
			Actual:    r.PayloadDigest.String(),
		}
	}
	return nil
}

// batch loads and checks a closed batch once per verifier. Leaves are the
// recomputed link digests of the members, so a member whose stored digest was
// rewritten does not hide its siblings' inclusion.
func (v *Verifier) batch(ctx context.Context, info AnchorInfo) (*batchCheck, error) {
	if bc, ok := v.batches[info.ReceiptID]; ok {
		return bc, nil
	}
	rs, err := v.l.backend.Scan(ctx, store.ReceiptFilter{AfterID: info.FirstID - 1, ThroughID: info.LastID})
	if err != nil {
		return nil, fmt.Errorf("verify anchor %d: %w", info.ReceiptID, err)
	}
	members := batchMembers(rs)
	bc := &batchCheck{info: info, ids: make([]int64, len(members))}
	for i, m := range members {
		bc.ids[i] = m.ID
	}
	_, bc.leaves, err = leaves(members)
	if err != nil {
		return nil, fmt.Errorf("verify anchor %d: %w", info.ReceiptID, err)
	}

	if int64(len(members)) != info.Count {
		bc.fault = &ChainIntegrityError{
			Code:      FaultAnchorRecord,
			ReceiptID: info.ReceiptID,
			Message:   fmt.Sprintf("anchor records %d receipts, batch holds %d", info.Count, len(members)),
		}
	} else {
		root, err := merkle.Root(bc.leaves)
		if err != nil && !errors.Is(err, merkle.ErrEmptyTree) {
			return nil, fmt.Errorf("verify anchor %d: %w", info.ReceiptID, err)
		}
		if root != info.Root {
			bc.fault = &ChainIntegrityError{
				Code:      FaultMerkleRoot,
				ReceiptID: info.ReceiptID,
				Message:   "batch no longer reproduces its anchored root",
				Expected:  info.Root.String(),
				Actual:    root.String(),
			}
		}
	}
	v.batches[info.ReceiptID] = bc
	return bc, nil
}

// Summary aggregates a full-ledger verification.
type Summary struct {
	Total    int64 `json:"total"`
	Verified int64 `json:"verified"`
	Anchored int64 `json:"anchored"`
	Failed   int64 `json:"failed"`

	// FirstFault is the earliest fault observed, if any.
	FirstFault *ChainIntegrityError `json:"first_fault,omitempty"`
}

// OK reports whether every receipt verified.
func (s Summary) OK() bool { return s.Failed == 0 }

// VerifyAll checks every receipt through the current head in one pass. When
// each is non-nil it receives every report in chain order.
func (l *Ledger) VerifyAll(ctx context.Context, each func(Report)) (Summary, error) {
	var sum Summary
	v := l.NewVerifier()
	for r, err := range l.Query(ctx, Filter{}) {
		if err != nil {
			return sum, err
		}
		rep, err := v.Check(ctx, r)
		if err != nil {
			return sum, err
		}
		sum.Total++
		switch {
		case rep.OK:
			sum.Verified++
			if rep.Anchored {
				sum.Anchored++
			}
		default:
			sum.Failed++
			if sum.FirstFault == nil {
				sum.FirstFault = rep.Fault
			}
		}
		if each != nil {
			each(rep)
		}
	}
	return sum, nil
}
