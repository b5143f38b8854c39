package stoprule

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// fakeView is an in-memory View over a fixed receipt list.
type fakeView struct {
	head     ledger.Head
	states   map[string]string
	receipts []ir.Receipt
}

func newFakeView() *fakeView {
	return &fakeView{states: map[string]string{}}
}

func (v *fakeView) add(typ ir.ReceiptType, entity string, payload ir.IRObject) *fakeView {
	v.receipts = append(v.receipts, ir.Receipt{
		ID: int64(len(v.receipts) + 1), Type: typ, EntityID: entity, Payload: payload,
	})
	v.head.ID = int64(len(v.receipts))
	return v
}

func (v *fakeView) Head() ledger.Head { return v.head }

func (v *fakeView) EntityState(_ context.Context, id string) (string, error) {
	return v.states[id], nil
}

func (v *fakeView) EntityReceipts(ctx context.Context, id string) ([]ir.Receipt, error) {
	return v.Receipts(ctx, ledger.Filter{EntityID: id})
}

func (v *fakeView) Receipts(_ context.Context, f ledger.Filter) ([]ir.Receipt, error) {
	var out []ir.Receipt
	for _, r := range v.receipts {
		if len(f.Types) > 0 && !slices.Contains(f.Types, r.Type) {
			continue
		}
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		if f.EntityPrefix != "" && !strings.HasPrefix(r.EntityID, f.EntityPrefix) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func quietEngine(rules ...Rule) *Engine {
	return NewEngine(WithRules(rules...), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func registered(v *fakeView, contract string, amount int64, milestones map[string]int64) *fakeView {
	ms := ir.IRArray{}
	ids := make([]string, 0, len(milestones))
	for id := range milestones {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ms = append(ms, ir.IRObject{"id": ir.IRString(id), "amount": ir.IRInt(milestones[id])})
	}
	return v.add(ir.TypeContract, contract, ir.IRObject{
		"contract_id": ir.IRString(contract),
		"amount":      ir.IRInt(amount),
		"milestones":  ms,
	})
}
