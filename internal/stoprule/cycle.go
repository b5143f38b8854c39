package stoprule

import (
	"context"
	"slices"
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// RelationshipCycle raises an alert when the event's from_party -> to_party
// edge closes a cycle of at most maxLen parties over the edges recorded by
// earlier contract and payment receipts (A pays B pays C pays A).
func RelationshipCycle(maxLen int) Rule {
	return Func("relationship_cycle", func(ctx context.Context, ev Event, view View) ([]Violation, error) {
		from, to := ev.Payload.String(FieldFromParty), ev.Payload.String(FieldToParty)
		if from == "" || to == "" {
			return nil, nil
		}
		if from == to {
			return violation(SeverityAlert, CodeRelationshipCycle, "party %s transacts with itself", from), nil
		}

		rs, err := view.Receipts(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeContract, ir.TypePayment}})
		if err != nil {
			return nil, err
		}
		edges := make(map[string][]string)
		for _, r := range rs {
			a, b := r.Payload.String(FieldFromParty), r.Payload.String(FieldToParty)
			if a != "" && b != "" && !slices.Contains(edges[a], b) {
				edges[a] = append(edges[a], b)
			}
		}

		path := shortestPath(edges, to, from, maxLen-1)
		if path == nil {
			return nil, nil
		}
		cycle := append([]string{from}, path...)
		return violation(SeverityAlert, CodeRelationshipCycle,
			"cycle of %d parties: %s", len(cycle)-1, strings.Join(cycle, " -> ")), nil
	})
}

// shortestPath returns the nodes of the shortest path src..dst using at most
// maxHops edges, or nil. Neighbours are visited in sorted order so the
// reported path is deterministic.
func shortestPath(edges map[string][]string, src, dst string, maxHops int) []string {
	if maxHops < 1 {
		return nil
	}
	prev := map[string]string{src: ""}
	frontier := []string{src}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, n := range frontier {
			neighbours := slices.Clone(edges[n])
			slices.Sort(neighbours)
			for _, m := range neighbours {
				if _, seen := prev[m]; seen {
					continue
				}
				prev[m] = n
				if m == dst {
					var path []string
					for at := dst; at != ""; at = prev[at] {
						path = append(path, at)
					}
					slices.Reverse(path)
					return path
				}
				next = append(next, m)
			}
		}
		frontier = next
	}
	return nil
}
