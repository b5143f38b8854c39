// Package stoprule evaluates named invariants over a proposed event and a
// read-only view of the ledger.
//
// Rules are independent predicates: every installed rule runs for every
// event, order does not affect the outcome, and the highest severity present
// decides what the caller does:
//   - Critical: reject and halt, nothing is appended
//   - Alert: accept, append a companion alert receipt, mark for review
//   - Deviation: accept, fall back to conservative analysis or request evidence
//
// The payment rule (a payment requires a VERIFIED milestone) is installed in
// every Engine and cannot be removed or shadowed.
package stoprule
