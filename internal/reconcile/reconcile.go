// Package reconcile compares what each contract has paid with what its
// verified progress says it should have paid, and records variance
// receipts when the two drift apart.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Variance receipt fields.
const (
	FieldExpected  = "expected_spend"
	FieldActual    = "actual_spend"
	FieldVariance  = "variance_pct"
	FieldThreshold = "threshold_pct"
	FieldSeverity  = "severity"
	FieldProgress  = "milestone_progress"
)

// Severity of a variance.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Status summarizes a contract's payments against its milestones.
type Status string

const (
	StatusOnTrack  Status = "ON_TRACK"
	StatusOverpaid Status = "OVERPAID"
	StatusDisputed Status = "DISPUTED"
)

// Thresholds are fractions: 0.05 is 5%.
type Thresholds struct {
	Warn     float64
	Critical float64
}

// DefaultThresholds flags drift over 5% and calls drift over 15% critical.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.05, Critical: 0.15}
}

// ContractReport is the reconciliation of one contract.
type ContractReport struct {
	ContractID string  `json:"contract_id"`
	Amount     float64 `json:"amount"`

	// Progress is the share of milestones verified or paid.
	Progress float64 `json:"milestone_progress"`
	Expected float64 `json:"expected_spend"`
	Actual   float64 `json:"actual_spend"`

	// Variance is (actual - expected) / expected, 0 when nothing is expected.
	Variance float64 `json:"variance"`
	Severity string  `json:"severity,omitempty"`
	Status   Status  `json:"status"`

	AmountVerified float64 `json:"amount_verified"`
	Discrepancy    float64 `json:"discrepancy"`

	Milestones map[lifecycle.State]int `json:"milestones"`

	// ReceiptID is the variance receipt written for this check, 0 if none.
	ReceiptID int64 `json:"receipt_id,omitempty"`
}

// Flagged reports a variance beyond the warning threshold.
func (r ContractReport) Flagged() bool { return r.Severity != "" }

// Report is the reconciliation of every contract.
type Report struct {
	TotalContracts int              `json:"total_contracts"`
	OverThreshold  int              `json:"contracts_over_threshold"`
	Contracts      []ContractReport `json:"contracts"`
}

// Reconciler checks contracts managed by a lifecycle service.
type Reconciler struct {
	svc        *lifecycle.Service
	thresholds Thresholds
	retry      ledger.RetryPolicy
	logger     *slog.Logger
}

type Option func(*Reconciler)

func WithThresholds(t Thresholds) Option {
	return func(r *Reconciler) { r.thresholds = t }
}

func WithRetryPolicy(p ledger.RetryPolicy) Option {
	return func(r *Reconciler) { r.retry = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func New(svc *lifecycle.Service, opts ...Option) *Reconciler {
	r := &Reconciler{
		svc:        svc,
		thresholds: DefaultThresholds(),
		retry:      ledger.DefaultRetryPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckVariance reconciles one contract and appends a variance receipt when
// |variance| exceeds the warning threshold.
func (r *Reconciler) CheckVariance(ctx context.Context, contractID string) (ContractReport, error) {
	rep, err := r.measure(ctx, contractID)
	if err != nil {
		return ContractReport{}, err
	}
	abs := math.Abs(rep.Variance)
	if abs <= r.thresholds.Warn {
		return rep, nil
	}
	rep.Severity = SeverityWarning
	if abs > r.thresholds.Critical {
		rep.Severity = SeverityCritical
	}

	payload := ir.NewIRObjectFromPairs(
		ir.O(lifecycle.FieldContractID, ir.IRString(contractID)),
		ir.O(FieldExpected, ir.IRFloat(rep.Expected)),
		ir.O(FieldActual, ir.IRFloat(rep.Actual)),
		ir.O(FieldVariance, ir.IRFloat(rep.Variance)),
		ir.O(FieldThreshold, ir.IRFloat(r.thresholds.Warn)),
		ir.O(FieldSeverity, ir.IRString(rep.Severity)),
		ir.O(FieldProgress, ir.IRFloat(rep.Progress)),
	)
	l := r.svc.Ledger()
	var receipt ir.Receipt
	err = ledger.Retry(ctx, r.retry, "record variance", func(ctx context.Context, _ int) error {
		var err error
		receipt, err = l.Append(ctx, ledger.Draft{
			Type:       ir.TypeVariance,
			EntityID:   contractID,
			Payload:    payload,
			PrevDigest: l.Head().Digest,
		})
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("record variance for %s: %w", contractID, err)
	}
	rep.ReceiptID = receipt.ID
	r.logger.Warn("contract variance", "contract", contractID, "variance", rep.Variance,
		"severity", rep.Severity, "receipt", receipt.ID)
	return rep, nil
}

func (r *Reconciler) measure(ctx context.Context, contractID string) (ContractReport, error) {
	l := r.svc.Ledger()
	contracts, err := l.Collect(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeContract}, EntityID: contractID})
	if err != nil {
		return ContractReport{}, err
	}
	if len(contracts) == 0 {
		return ContractReport{}, fmt.Errorf("reconcile: unknown contract %q", contractID)
	}
	rep := ContractReport{ContractID: contractID, Status: StatusOnTrack, Milestones: map[lifecycle.State]int{}}
	for _, c := range slices.Backward(contracts) {
		if a, ok := c.Payload.Number(stoprule.FieldAmount); ok {
			rep.Amount = a
			break
		}
	}

	milestones, err := r.svc.Milestones(ctx, contractID)
	if err != nil {
		return ContractReport{}, err
	}
	done := 0
	for _, m := range milestones {
		rep.Milestones[m.State]++
		switch m.State {
		case lifecycle.MilestoneVerified, lifecycle.MilestonePaid:
			done++
			rep.AmountVerified += m.Amount
		case lifecycle.MilestoneDisputed:
			rep.Status = StatusDisputed
		}
	}
	if len(milestones) > 0 {
		rep.Progress = float64(done) / float64(len(milestones))
	}

	payments, err := l.Collect(ctx, ledger.Filter{
		Types:        []ir.ReceiptType{ir.TypePayment},
		EntityPrefix: contractID + "/",
	})
	if err != nil {
		return ContractReport{}, err
	}
	for _, p := range payments {
		if a, ok := p.Payload.Number(stoprule.FieldAmount); ok {
			rep.Actual += a
		}
	}

	rep.Expected = rep.Amount * rep.Progress
	if rep.Expected > 0 {
		rep.Variance = (rep.Actual - rep.Expected) / rep.Expected
	}
	if rep.Actual > rep.AmountVerified {
		rep.Discrepancy = rep.Actual - rep.AmountVerified
		if rep.Status == StatusOnTrack {
			rep.Status = StatusOverpaid
		}
	}
	return rep, nil
}

// Contracts returns the ids of every contract on the ledger in first-seen
// order.
func (r *Reconciler) Contracts(ctx context.Context) ([]string, error) {
	var ids []string
	seen := map[string]bool{}
	for rc, err := range r.svc.Ledger().Query(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeContract}}) {
		if err != nil {
			return nil, err
		}
		if !seen[rc.EntityID] {
			seen[rc.EntityID] = true
			ids = append(ids, rc.EntityID)
		}
	}
	return ids, nil
}

// Report reconciles every contract that declares milestones.
func (r *Reconciler) Report(ctx context.Context) (Report, error) {
	ids, err := r.Contracts(ctx)
	if err != nil {
		return Report{}, err
	}
	var out Report
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ms, err := r.svc.Milestones(ctx, id)
		if err != nil || len(ms) == 0 {
			// Announced contracts have nothing to reconcile yet.
			continue
		}
		rep, err := r.CheckVariance(ctx, id)
		if err != nil {
			return out, err
		}
		out.Contracts = append(out.Contracts, rep)
		if rep.Flagged() {
			out.OverThreshold++
		}
	}
	out.TotalContracts = len(out.Contracts)
	r.logger.Info("reconciliation complete", "contracts", out.TotalContracts, "over_threshold", out.OverThreshold)
	return out, nil
}
