package ledger

import (
	"context"
	"fmt"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/merkle"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

// AnchorInfo describes one closed batch.
type AnchorInfo struct {
	ReceiptID int64         `json:"receipt_id"`
	Root      ir.DualDigest `json:"merkle_root"`
	FirstID   int64         `json:"first_id"`
	LastID    int64         `json:"last_id"`
	Count     int64         `json:"receipt_count"`
}

// Covers reports whether receipt id falls in the batch's id range.
func (a AnchorInfo) Covers(id int64) bool {
	return id >= a.FirstID && id <= a.LastID
}

func anchorInfoFrom(r ir.Receipt) (AnchorInfo, error) {
	root, err := ir.ParseDualDigest(r.Payload.String(ir.KeyMerkleRoot))
	if err != nil {
		return AnchorInfo{}, fmt.Errorf("anchor %d: %w", r.ID, err)
	}
	count, ok1 := r.Payload.Int(ir.KeyReceiptCount)
	first, ok2 := r.Payload.Int(ir.KeyFirstID)
	last, ok3 := r.Payload.Int(ir.KeyLastID)
	if !ok1 || !ok2 || !ok3 || count <= 0 || first <= 0 || last < first || last >= r.ID {
		return AnchorInfo{}, fmt.Errorf("anchor %d: malformed batch bounds", r.ID)
	}
	return AnchorInfo{ReceiptID: r.ID, Root: root, FirstID: first, LastID: last, Count: count}, nil
}

// batchMembers returns the receipts a batch commits to: every non-anchor
// receipt in the id range, in chain order.
func batchMembers(rs []ir.Receipt) []ir.Receipt {
	out := make([]ir.Receipt, 0, len(rs))
	for _, r := range rs {
		if r.Type != ir.TypeAnchor {
			out = append(out, r)
		}
	}
	return out
}

// leaves computes the Merkle leaves of members twice: from their stored
// payload digests and from digests recomputed from their payloads.
func leaves(members []ir.Receipt) (stored, recomputed []ir.DualDigest, err error) {
	stored = make([]ir.DualDigest, len(members))
	recomputed = make([]ir.DualDigest, len(members))
	for i, r := range members {
		if stored[i], err = ir.ReceiptDigest(r); err != nil {
			return nil, nil, err
		}
		rc, rerr := r.Recomputed()
		if rerr != nil {
			return nil, nil, rerr
		}
		if recomputed[i], err = ir.ReceiptDigest(rc); err != nil {
			return nil, nil, err
		}
	}
	return stored, recomputed, nil
}

// LastAnchor returns the most recent closed batch.
func (l *Ledger) LastAnchor() (AnchorInfo, bool) {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	if len(l.anchors) == 0 {
		return AnchorInfo{}, false
	}
	return l.anchors[len(l.anchors)-1], true
}

// Anchors returns every closed batch in chain order.
func (l *Ledger) Anchors() []AnchorInfo {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	return append([]AnchorInfo(nil), l.anchors...)
}

// CoveringAnchor returns the batch whose range contains id.
func (l *Ledger) CoveringAnchor(id int64) (AnchorInfo, bool) {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	for i := len(l.anchors) - 1; i >= 0; i-- {
		if l.anchors[i].Covers(id) {
			return l.anchors[i], true
		}
		if l.anchors[i].LastID < id {
			break
		}
	}
	return AnchorInfo{}, false
}

func (l *Ledger) anchoredThrough() int64 {
	a, ok := l.LastAnchor()
	if !ok {
		return 0
	}
	return a.LastID
}

// Anchor closes the open batch: up to batchSize unanchored receipts (all of
// them when batchSize <= 0). The batch is fixed under the anchor lock and
// hashed outside it; receipts appended meanwhile belong to the next batch.
// The Merkle root over the members' stored link digests must equal the root
// over recomputed digests, otherwise a *ChainIntegrityError with
// FaultMerkleRoot is returned and nothing is appended. If another batch
// closes while this one is hashed, the batch is fixed again.
func (l *Ledger) Anchor(ctx context.Context, batchSize int) (AnchorInfo, error) {
	for {
		b, err := l.fixBatch(ctx, batchSize)
		if err != nil {
			return AnchorInfo{}, err
		}
		root, err := b.root()
		if err != nil {
			return AnchorInfo{}, err
		}
		info, closed, err := l.closeBatch(ctx, b, root)
		if err != nil || closed {
			return info, err
		}
		l.logger.Debug("batch superseded while hashing; refixing", "from", b.from)
		if err := ctx.Err(); err != nil {
			return AnchorInfo{}, err
		}
	}
}

// openBatch is a batch fixed at the anchored position from.
type openBatch struct {
	from    int64
	members []ir.Receipt
}

func (l *Ledger) fixBatch(ctx context.Context, batchSize int) (openBatch, error) {
	l.anchorMu.Lock()
	defer l.anchorMu.Unlock()

	from := l.anchoredThrough()
	rs, err := l.backend.Scan(ctx, store.ReceiptFilter{AfterID: from, ThroughID: l.Head().ID})
	if err != nil {
		return openBatch{}, fmt.Errorf("anchor: %w", err)
	}
	members := batchMembers(rs)
	if len(members) == 0 {
		return openBatch{}, &EmptyBatchError{AnchoredThrough: from}
	}
	if batchSize > 0 && len(members) > batchSize {
		members = members[:batchSize]
	}
	return openBatch{from: from, members: members}, nil
}

// root returns the batch root, failing when stored and recomputed digests
// disagree.
func (b openBatch) root() (ir.DualDigest, error) {
	stored, recomputed, err := leaves(b.members)
	if err != nil {
		return ir.DualDigest{}, fmt.Errorf("anchor: %w", err)
	}
	storedRoot, err := merkle.Root(stored)
	if err != nil {
		return ir.DualDigest{}, fmt.Errorf("anchor: %w", err)
	}
	root, err := merkle.Root(recomputed)
	if err != nil {
		return ir.DualDigest{}, fmt.Errorf("anchor: %w", err)
	}
	if storedRoot != root {
		faulty := b.members[0].ID
		for i := range stored {
			if stored[i] != recomputed[i] {
				faulty = b.members[i].ID
				break
			}
		}
		return ir.DualDigest{}, &ChainIntegrityError{
			Code:      FaultMerkleRoot,
			ReceiptID: faulty,
			Message:   "batch root over stored digests differs from recomputed root",
			Expected:  root.String(),
			Actual:    storedRoot.String(),
		}
	}
	return root, nil
}

// closeBatch appends the anchor receipt for b. closed is false when another
// batch closed after b was fixed.
func (l *Ledger) closeBatch(ctx context.Context, b openBatch, root ir.DualDigest) (AnchorInfo, bool, error) {
	l.anchorMu.Lock()
	defer l.anchorMu.Unlock()

	if l.anchoredThrough() != b.from {
		return AnchorInfo{}, false, nil
	}

	info := AnchorInfo{
		Root:    root,
		FirstID: b.members[0].ID,
		LastID:  b.members[len(b.members)-1].ID,
		Count:   int64(len(b.members)),
	}
	payload := ir.IRObject{
		ir.KeyMerkleRoot:   ir.IRString(root.String()),
		ir.KeyReceiptCount: ir.IRInt(info.Count),
		ir.KeyFirstID:      ir.IRInt(info.FirstID),
		ir.KeyLastID:       ir.IRInt(info.LastID),
	}

	var rec ir.Receipt
	err := Retry(ctx, l.retry, "anchor", func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			l.logger.Debug("retrying anchor append", "attempt", attempt)
		}
		var aerr error
		rec, aerr = l.append(ctx, Draft{Type: ir.TypeAnchor, Payload: payload}, false)
		return aerr
	})
	if err != nil {
		return AnchorInfo{}, false, err
	}
	info.ReceiptID = rec.ID

	l.idxMu.Lock()
	l.anchors = append(l.anchors, info)
	l.idxMu.Unlock()
	l.unanchored.Add(-info.Count)

	l.logger.Info("anchor closed", "receipt", rec.ID, "root", root.String(), "count", info.Count,
		"first", info.FirstID, "last", info.LastID)
	return info, true, nil
}
