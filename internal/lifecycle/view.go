package lifecycle

import (
	"context"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// snapshot is a stoprule.View pinned to one head. Every read is bounded by
// that head, so rules see the chain exactly as the proposer did.
type snapshot struct {
	l         *ledger.Ledger
	head      ledger.Head
	workflows []Definition
}

// NewView returns a stoprule view of l pinned to its current head. Entities
// governed by one of workflows fold from that workflow's initial state.
func NewView(l *ledger.Ledger, workflows ...Definition) stoprule.View {
	return newSnapshot(l, workflows)
}

func newSnapshot(l *ledger.Ledger, workflows []Definition) *snapshot {
	return &snapshot{l: l, head: l.Head(), workflows: workflows}
}

func (s *snapshot) Head() ledger.Head { return s.head }

func (s *snapshot) Receipts(ctx context.Context, f ledger.Filter) ([]ir.Receipt, error) {
	if s.head.ID == 0 || f.AfterID >= s.head.ID {
		return []ir.Receipt{}, nil
	}
	if f.ThroughID == 0 || f.ThroughID > s.head.ID {
		f.ThroughID = s.head.ID
	}
	return s.l.Collect(ctx, f)
}

func (s *snapshot) EntityReceipts(ctx context.Context, entityID string) ([]ir.Receipt, error) {
	return s.Receipts(ctx, ledger.Filter{EntityID: entityID})
}

func (s *snapshot) EntityState(ctx context.Context, entityID string) (string, error) {
	rs, err := s.EntityReceipts(ctx, entityID)
	if err != nil {
		return "", err
	}
	for _, def := range s.workflows {
		if def.governs(entityID) {
			p, err := def.fold(Projection{EntityID: entityID, State: def.Initial}, rs)
			if err != nil {
				return "", err
			}
			return string(p.State), nil
		}
	}
	// Not governed by a known workflow: the latest recorded state wins.
	state := ""
	for _, r := range rs {
		if to := r.Payload.String(ir.KeyToState); to != "" {
			state = to
		}
	}
	return state, nil
}
