// Package harness runs scripted scenarios against a fresh in-memory gov-os
// system and checks the outcome.
//
// # Scenario Format
//
//	name: payment_gate
//	description: "Payment is released only for a verified milestone"
//	config: govos.cue          # optional, relative to the scenario file
//	steps:
//	  - action: register
//	    contract: C-1
//	    amount: 1000000
//	    milestones: 2          # split evenly into M1, M2
//	    citations: ["doc:award"]
//	  - action: pay
//	    contract: C-1
//	    milestone: M2
//	    citations: ["doc:invoice"]
//	    expect:
//	      error: UNVERIFIED_MILESTONE_PAYMENT
//	assertions:
//	  - type: final_state
//	    entity: C-1/M2
//	    state: PENDING
//
// Actions are announce, register, close, deliver, verify, dispute, pay,
// anchor, score, calibrate, outcome, threshold, reconcile and advance. A
// step with repeat: n runs n times with "{i}" in its ids and citations
// replaced by the repetition number.
//
// Assertion types are trace_contains, trace_order, trace_count,
// final_state, receipt_count and chain_valid.
//
// # Deterministic Runs
//
// Receipts are stamped by testutil.StepClock starting at testutil.Epoch and
// generated contract ids come from testutil.FixedIDGenerator, so receipt
// ids and the trace repeat exactly. Traces omit digests and timestamps and
// are compared with golden files by RunWithGolden.
//
// A step halted by a Critical stoprule sets Result.CriticalFired even when
// the scenario expected the halt; command-line runs exit non-zero on it.
package harness
