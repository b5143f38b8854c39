package stoprule

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// VerifiedState is the milestone state a payment requires.
const VerifiedState = "VERIFIED"

// Violation codes of the built-in rules.
const (
	CodeChainHead              = "CHAIN_HEAD_MISMATCH"
	CodeMissingCitation        = "MISSING_CITATION"
	CodeProofFailed            = "EXTERNAL_PROOF_FAILED"
	CodeConfidenceFloor        = "CONFIDENCE_BELOW_FLOOR"
	CodeUnverifiedPayment      = "UNVERIFIED_MILESTONE_PAYMENT"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeUnknownContract        = "UNKNOWN_CONTRACT"
	CodeUnknownMilestone       = "UNKNOWN_MILESTONE"
	CodeAnomalyFlagged         = "ANOMALY_FLAGGED"
	CodeRelationshipCycle      = "RELATIONSHIP_CYCLE"
	CodeCascadeBound           = "CASCADE_BOUND_EXCEEDED"
	CodeLowCoherence           = "LOW_EVIDENCE_COHERENCE"
	CodeInsufficientSeparation = "INSUFFICIENT_SEPARATION"
)

// Payload fields the built-in rules read.
const (
	FieldAmount           = "amount"
	FieldMilestones       = "milestones"
	FieldID               = "id"
	FieldProofValid       = "proof_valid"
	FieldProofRequired    = "proof_required"
	FieldConfidence       = "confidence"
	FieldVerdict          = "verdict"
	FieldSubjects         = "subjects"
	FieldFromParty        = "from_party"
	FieldToParty          = "to_party"
	FieldCoherence        = "coherence"
	FieldCompressionRatio = "compression_ratio"
	FieldThreshold        = "threshold"
)

// ContractOf returns the contract part of a milestone entity id ("C-1/M2" is
// milestone M2 of contract C-1). Other ids are returned unchanged.
func ContractOf(entityID string) string {
	c, _, _ := strings.Cut(entityID, "/")
	return c
}

// MilestoneOf returns the milestone part of an entity id, or "".
func MilestoneOf(entityID string) string {
	_, m, _ := strings.Cut(entityID, "/")
	return m
}

func violation(sev Severity, code, format string, args ...any) []Violation {
	return []Violation{{Code: code, Severity: sev, Reason: fmt.Sprintf(format, args...)}}
}

// PaymentRequiresVerified rejects any payment receipt for a milestone whose
// current state is not exactly VERIFIED. Installed in every Engine.
func PaymentRequiresVerified() Rule {
	return Func("payment_requires_verified", func(ctx context.Context, ev Event, view View) ([]Violation, error) {
		if ev.ReceiptType != ir.TypePayment {
			return nil, nil
		}
		state, err := view.EntityState(ctx, ev.EntityID)
		if err != nil {
			return nil, err
		}
		if state != VerifiedState {
			if state == "" {
				state = "NONE"
			}
			return violation(SeverityCritical, CodeUnverifiedPayment,
				"milestone %s is %s, payment requires %s", ev.EntityID, state, VerifiedState), nil
		}
		return nil, nil
	})
}

// ChainHead rejects events proposed against a head other than the view's.
func ChainHead() Rule {
	return Func("chain_head", func(_ context.Context, ev Event, view View) ([]Violation, error) {
		head := view.Head()
		if ev.PrevDigest != head.Digest {
			return violation(SeverityCritical, CodeChainHead,
				"event proposed against %s, head %d is %s", ev.PrevDigest, head.ID, head.Digest), nil
		}
		return nil, nil
	})
}

// CitationRequired rejects domain events without evidentiary citations.
// Derived receipts (anchors, detections, alerts...) are exempt.
func CitationRequired() Rule {
	return Func("citation_required", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		if ev.ReceiptType.Derived() {
			return nil, nil
		}
		if !slices.ContainsFunc(ev.Citations, func(c string) bool { return strings.TrimSpace(c) != "" }) {
			return violation(SeverityCritical, CodeMissingCitation,
				"%s event for %s cites no evidence", ev.ReceiptType, ev.EntityID), nil
		}
		return nil, nil
	})
}

// ExternalProof rejects events whose attached proof failed verification
// upstream, or that require a proof and carry none.
func ExternalProof() Rule {
	return Func("external_proof", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		valid, present := ev.Payload.Bool(FieldProofValid)
		if present && !valid {
			return violation(SeverityCritical, CodeProofFailed, "external proof for %s is invalid", ev.EntityID), nil
		}
		if required, _ := ev.Payload.Bool(FieldProofRequired); required && !present {
			return violation(SeverityCritical, CodeProofFailed, "external proof for %s is required but missing", ev.EntityID), nil
		}
		return nil, nil
	})
}

// ConfidenceFloor rejects findings asserted with confidence below floor.
// Abstentions are exempt: low confidence is what they report.
func ConfidenceFloor(floor float64) Rule {
	return Func("confidence_floor", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		c, ok := ev.Payload.Number(FieldConfidence)
		if !ok || ev.Payload.String(FieldVerdict) == "abstain" {
			return nil, nil
		}
		if c < floor {
			return violation(SeverityCritical, CodeConfidenceFloor,
				"confidence %.3f below hard floor %.3f", c, floor), nil
		}
		return nil, nil
	})
}

// ContractAmounts requires a positive contract amount and, when milestones
// are declared, positive milestone amounts with unique ids that sum to it.
func ContractAmounts() Rule {
	return Func("contract_amounts", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		if ev.ReceiptType != ir.TypeContract {
			return nil, nil
		}
		milestones, hasMilestones := ev.Payload.Array(FieldMilestones)
		total, hasAmount := ev.Payload.Number(FieldAmount)
		if !hasAmount {
			if hasMilestones {
				return violation(SeverityCritical, CodeInvalidAmount, "milestones declared without a contract amount"), nil
			}
			return nil, nil
		}
		if total <= 0 {
			return violation(SeverityCritical, CodeInvalidAmount, "contract amount %v must be positive", total), nil
		}
		if !hasMilestones {
			return nil, nil
		}

		sum := 0.0
		seen := make(map[string]bool, len(milestones))
		for i, m := range milestones {
			obj, ok := m.(ir.IRObject)
			if !ok {
				return violation(SeverityCritical, CodeInvalidAmount, "milestone %d is not an object", i), nil
			}
			id := obj.String(FieldID)
			if id == "" || seen[id] {
				return violation(SeverityCritical, CodeInvalidAmount, "milestone %d has a missing or repeated id %q", i, id), nil
			}
			seen[id] = true
			amt, ok := obj.Number(FieldAmount)
			if !ok || amt <= 0 {
				return violation(SeverityCritical, CodeInvalidAmount, "milestone %s amount must be positive", id), nil
			}
			sum += amt
		}
		if math.Abs(sum-total) > 0.005 {
			return violation(SeverityCritical, CodeInvalidAmount,
				"milestones sum to %v, contract amount is %v", sum, total), nil
		}
		return nil, nil
	})
}

// DeclaredMilestones returns the milestones of the latest registration of
// contractID, or ok=false when the contract was never registered with any.
func DeclaredMilestones(ctx context.Context, view View, contractID string) (ir.IRArray, bool, error) {
	rs, err := view.Receipts(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeContract}, EntityID: contractID})
	if err != nil {
		return nil, false, err
	}
	for i := len(rs) - 1; i >= 0; i-- {
		if ms, ok := rs[i].Payload.Array(FieldMilestones); ok {
			return ms, true, nil
		}
	}
	return nil, false, nil
}

// MilestoneAmount returns the declared amount of milestone id.
func MilestoneAmount(milestones ir.IRArray, id string) (float64, bool) {
	for _, m := range milestones {
		obj, ok := m.(ir.IRObject)
		if ok && obj.String(FieldID) == id {
			return obj.Number(FieldAmount)
		}
	}
	return 0, false
}

// KnownMilestone rejects milestone and payment events for contracts that were
// never registered or milestones the registration did not declare.
func KnownMilestone() Rule {
	return Func("known_milestone", func(ctx context.Context, ev Event, view View) ([]Violation, error) {
		if ev.ReceiptType != ir.TypeMilestone && ev.ReceiptType != ir.TypePayment {
			return nil, nil
		}
		contract, milestone := ContractOf(ev.EntityID), MilestoneOf(ev.EntityID)
		declared, ok, err := DeclaredMilestones(ctx, view, contract)
		if err != nil {
			return nil, err
		}
		if !ok {
			return violation(SeverityCritical, CodeUnknownContract, "contract %s is not registered", contract), nil
		}
		if _, ok := MilestoneAmount(declared, milestone); !ok {
			return violation(SeverityCritical, CodeUnknownMilestone,
				"contract %s declares no milestone %q", contract, milestone), nil
		}
		return nil, nil
	})
}

// AnomalyFlagged raises an alert when the latest detection covering the
// event's entity or its contract found it suspect or fraudulent.
func AnomalyFlagged() Rule {
	return Func("anomaly_flagged", func(ctx context.Context, ev Event, view View) ([]Violation, error) {
		if ev.ReceiptType.Derived() {
			return nil, nil
		}
		detections, err := view.Receipts(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeDetection}})
		if err != nil {
			return nil, err
		}
		contract := ContractOf(ev.EntityID)
		for i := len(detections) - 1; i >= 0; i-- {
			d := detections[i]
			subjects := d.Payload.Strings(FieldSubjects)
			if !slices.Contains(subjects, ev.EntityID) && !slices.Contains(subjects, contract) {
				continue
			}
			switch verdict := d.Payload.String(FieldVerdict); verdict {
			case "suspect", "fraud":
				return violation(SeverityAlert, CodeAnomalyFlagged,
					"detection %d judged %s %s", d.ID, contract, verdict), nil
			}
			return nil, nil
		}
		return nil, nil
	})
}

// CascadeBound raises an alert when a payment exceeds factor times the mean
// of the contract's earlier payments.
func CascadeBound(factor float64) Rule {
	return Func("cascade_bound", func(ctx context.Context, ev Event, view View) ([]Violation, error) {
		if ev.ReceiptType != ir.TypePayment {
			return nil, nil
		}
		amount, ok := ev.Payload.Number(FieldAmount)
		if !ok {
			return nil, nil
		}
		prior, err := view.Receipts(ctx, ledger.Filter{
			Types:        []ir.ReceiptType{ir.TypePayment},
			EntityPrefix: ContractOf(ev.EntityID) + "/",
		})
		if err != nil {
			return nil, err
		}
		sum, n := 0.0, 0
		for _, p := range prior {
			if a, ok := p.Payload.Number(FieldAmount); ok {
				sum += a
				n++
			}
		}
		if n == 0 {
			return nil, nil
		}
		mean := sum / float64(n)
		if amount > factor*mean {
			return violation(SeverityAlert, CodeCascadeBound,
				"payment %v exceeds %.1fx the mean prior payment %.2f", amount, factor, mean), nil
		}
		return nil, nil
	})
}

// EvidenceCoherence asks for more evidence when the upstream coherence score
// is below minimum or the same citation is given twice.
func EvidenceCoherence(minimum float64) Rule {
	return Func("evidence_coherence", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		if c, ok := ev.Payload.Number(FieldCoherence); ok && c < minimum {
			return violation(SeverityDeviation, CodeLowCoherence, "evidence coherence %.2f below %.2f", c, minimum), nil
		}
		seen := make(map[string]bool, len(ev.Citations))
		for _, c := range ev.Citations {
			if seen[c] {
				return violation(SeverityDeviation, CodeLowCoherence, "citation %q given more than once", c), nil
			}
			seen[c] = true
		}
		return nil, nil
	})
}

// ScoreMargin flags detections whose ratio sits within margin (relative) of
// the threshold: the cohorts are not separated enough to be decisive.
func ScoreMargin(margin float64) Rule {
	return Func("score_margin", func(_ context.Context, ev Event, _ View) ([]Violation, error) {
		if ev.ReceiptType != ir.TypeDetection {
			return nil, nil
		}
		ratio, ok1 := ev.Payload.Number(FieldCompressionRatio)
		thr, ok2 := ev.Payload.Number(FieldThreshold)
		if !ok1 || !ok2 || thr <= 0 {
			return nil, nil
		}
		if math.Abs(ratio-thr) < margin*thr {
			return violation(SeverityDeviation, CodeInsufficientSeparation,
				"ratio %.4f within %.0f%% of threshold %.4f", ratio, margin*100, thr), nil
		}
		return nil, nil
	})
}

// Knobs parameterizes the built-in rules.
type Knobs struct {
	ConfidenceFloor float64
	CycleMaxLength  int
	CascadeFactor   float64
	CoherenceMin    float64
	ScoreMargin     float64
}

// DefaultKnobs returns the built-in rule parameters.
func DefaultKnobs() Knobs {
	return Knobs{
		ConfidenceFloor: 0.2,
		CycleMaxLength:  5,
		CascadeFactor:   3,
		CoherenceMin:    0.5,
		ScoreMargin:     0.05,
	}
}

// Builtin returns every built-in rule except the mandatory ones, which the
// Engine installs itself.
func Builtin(k Knobs) []Rule {
	return []Rule{
		ChainHead(),
		CitationRequired(),
		ExternalProof(),
		ConfidenceFloor(k.ConfidenceFloor),
		ContractAmounts(),
		KnownMilestone(),
		AnomalyFlagged(),
		RelationshipCycle(k.CycleMaxLength),
		CascadeBound(k.CascadeFactor),
		EvidenceCoherence(k.CoherenceMin),
		ScoreMargin(k.ScoreMargin),
	}
}
