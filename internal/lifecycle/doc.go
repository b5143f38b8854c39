// Package lifecycle runs finite-state workflows whose every transition is a
// receipt in the ledger.
//
// An entity's state is never stored on its own: it is the fold of the
// entity's transition receipts in chain order. Caches may hold a projection
// of that fold, but a projection must always equal a full replay.
//
// A transition commits only if the stoprule engine accepts it. Proposals are
// optimistic: a proposal computed against a stale head is re-read and
// re-proposed under a bounded retry policy.
package lifecycle
