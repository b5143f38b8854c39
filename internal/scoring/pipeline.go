package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/calibration"
	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Detection and calibration receipt fields.
const (
	FieldDomain       = "domain"
	FieldCohortSize   = "cohort_size"
	FieldCounterShare = "counter_share"
	FieldSnapshotID   = "snapshot_id"
	FieldConservative = "conservative"
	FieldReasons      = "reasons"
	FieldPatterns     = "patterns"
	FieldDetectionID  = "detection_id"
	FieldFitness      = "fitness_score"
	FieldSampleCount  = "sample_count"
)

// DomainEntity is the entity id detection receipts of a domain are filed under.
func DomainEntity(domain string) string { return "domain:" + domain }

// DefaultCohortTypes are scored when a segment names no types.
var DefaultCohortTypes = []ir.ReceiptType{ir.TypeContract, ir.TypeMilestone, ir.TypePayment}

// Pipeline scores ledger segments and records the results.
type Pipeline struct {
	ledger     *ledger.Ledger
	thresholds *calibration.Store
	engine     *stoprule.Engine
	registry   *Registry
	params     Params
	paramsFor  func(domain string) Params
	margin     float64
	window     int
	now        func() time.Time
	retry      ledger.RetryPolicy
	logger     *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithParams sets scoring parameters.
func WithParams(p Params) PipelineOption {
	return func(pl *Pipeline) { pl.params = p }
}

// WithDomainParams sets per-domain parameters. It overrides WithParams.
func WithDomainParams(fn func(domain string) Params) PipelineOption {
	return func(pl *Pipeline) { pl.paramsFor = fn }
}

// WithRegistry sets the pattern registry. Default: DefaultRegistry().
func WithRegistry(r *Registry) PipelineOption {
	return func(pl *Pipeline) { pl.registry = r }
}

// WithMargin sets the relative margin used by conservative scoring.
func WithMargin(m float64) PipelineOption {
	return func(pl *Pipeline) { pl.margin = m }
}

// WithCalibrationWindow sets how many receipts form one calibration sample.
func WithCalibrationWindow(n int) PipelineOption {
	return func(pl *Pipeline) { pl.window = n }
}

// WithNow sets the clock freshness is measured against.
func WithNow(now func() time.Time) PipelineOption {
	return func(pl *Pipeline) { pl.now = now }
}

// WithRetryPolicy sets the retry policy for appends.
func WithRetryPolicy(r ledger.RetryPolicy) PipelineOption {
	return func(pl *Pipeline) { pl.retry = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(pl *Pipeline) { pl.logger = logger }
}

// NewPipeline returns a pipeline over l. engine judges detection receipts
// before they are recorded.
func NewPipeline(l *ledger.Ledger, thresholds *calibration.Store, engine *stoprule.Engine, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		ledger:     l,
		thresholds: thresholds,
		engine:     engine,
		params:     DefaultParams(),
		margin:     stoprule.DefaultKnobs().ScoreMargin,
		window:     16,
		now:        func() time.Time { return time.Now().UTC() },
		retry:      ledger.DefaultRetryPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = DefaultRegistry()
	}
	return p
}

// Params returns the parameters used for domain.
func (p *Pipeline) Params(domain string) Params {
	if p.paramsFor != nil {
		return p.paramsFor(domain)
	}
	return p.params
}

// Registry returns the pattern registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Score judges cohort with the domain's current threshold. Receipts are
// verified against the chain first; any failure makes the verdict abstain.
func (p *Pipeline) Score(ctx context.Context, domain string, cohort []ir.Receipt) (ScoreResult, error) {
	res, err := ScoreCohort(domain, cohort, p.thresholds.Threshold(domain), p.now(), p.Params(domain))
	if err != nil {
		return ScoreResult{}, err
	}
	res.Patterns = p.registry.Detect(domain, cohort)
	if len(res.Patterns) > 0 && res.Verdict == VerdictLegitimate {
		res.Verdict = VerdictSuspect
		for _, m := range res.Patterns {
			res.Reasons = append(res.Reasons, "pattern "+m.PatternID+": "+m.Reason)
		}
	}

	fault, err := p.verifyCohort(ctx, cohort)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("score %s: %w", domain, err)
	}
	if fault != "" {
		res = abstain(res, fault)
	}
	if res.Verdict == VerdictAbstain {
		p.logger.Info("abstain verdict", "domain", domain, "cohort", len(cohort), "reasons", res.Reasons)
	}
	return res, nil
}

// verifyCohort checks each receipt against the chain and against the copy the
// ledger holds. It returns a description of the first failure, or "".
func (p *Pipeline) verifyCohort(ctx context.Context, cohort []ir.Receipt) (string, error) {
	v := p.ledger.NewVerifier()
	for _, r := range cohort {
		rep, err := v.Check(ctx, r)
		if err != nil {
			return "", err
		}
		if !rep.OK {
			return fmt.Sprintf("receipt %d failed verification: %s", r.ID, rep.Fault.Code), nil
		}
		stored, err := p.ledger.Get(ctx, r.ID)
		if err != nil {
			return "", err
		}
		got, err := ir.Digest(r.Payload)
		if err != nil {
			return "", err
		}
		if got != stored.PayloadDigest {
			return fmt.Sprintf("receipt %d differs from the ledger copy", r.ID), nil
		}
	}
	return "", nil
}

// Segment selects the receipts of one domain.
type Segment struct {
	Domain string
	Filter ledger.Filter

	// Reference segments are known templated activity: a pass calibrates
	// the domain's threshold from them instead of scoring them.
	Reference bool
}

// snapshot returns the receipts of seg as of the anchor in effect now. With
// no anchor the head is used.
func (p *Pipeline) snapshot(ctx context.Context, seg Segment) ([]ir.Receipt, int64, error) {
	f := seg.Filter
	if len(f.Types) == 0 {
		f.Types = DefaultCohortTypes
	}
	through, snapshotID := p.ledger.Head().ID, int64(0)
	if a, ok := p.ledger.LastAnchor(); ok {
		through, snapshotID = a.LastID, a.ReceiptID
	}
	if f.ThroughID == 0 || f.ThroughID > through {
		f.ThroughID = through
	}
	if through == 0 {
		return nil, snapshotID, nil
	}
	rs, err := p.ledger.Collect(ctx, f)
	return rs, snapshotID, err
}

// ScoreSegment scores a segment as of the anchor in effect when it starts.
// Receipts appended meanwhile are not seen.
func (p *Pipeline) ScoreSegment(ctx context.Context, seg Segment) (ScoreResult, error) {
	cohort, snapshotID, err := p.snapshot(ctx, seg)
	if err != nil {
		return ScoreResult{}, err
	}
	res, err := p.Score(ctx, seg.Domain, cohort)
	if err != nil {
		return ScoreResult{}, err
	}
	res.SnapshotID = snapshotID
	return res, nil
}

// Recorded is what Record appended.
type Recorded struct {
	Result    ScoreResult
	Detection ir.Receipt
	Anomaly   *ir.Receipt
}

func detectionPayload(res ScoreResult) ir.IRObject {
	reasons := ir.StringArray(res.Reasons...)
	patterns := make(ir.IRArray, len(res.Patterns))
	for i, m := range res.Patterns {
		patterns[i] = ir.NewIRObjectFromPairs(
			ir.O("pattern_id", ir.IRString(m.PatternID)),
			ir.O("reason", ir.IRString(m.Reason)),
			ir.O(stoprule.FieldSubjects, ir.StringArray(m.Subjects...)),
		)
	}
	return ir.NewIRObjectFromPairs(
		ir.O(FieldDomain, ir.IRString(res.Domain)),
		ir.O(stoprule.FieldVerdict, ir.IRString(res.Verdict)),
		ir.O(stoprule.FieldCompressionRatio, ir.IRFloat(res.CompressionRatio)),
		ir.O(stoprule.FieldThreshold, ir.IRFloat(res.Threshold)),
		ir.O(stoprule.FieldConfidence, ir.IRFloat(res.Confidence)),
		ir.O(stoprule.FieldSubjects, ir.StringArray(res.Subjects...)),
		ir.O(FieldCohortSize, ir.IRInt(int64(res.CohortSize))),
		ir.O(FieldCounterShare, ir.IRFloat(res.CounterShare)),
		ir.O(FieldSnapshotID, ir.IRInt(res.SnapshotID)),
		ir.O(FieldConservative, ir.IRBool(res.Conservative)),
		ir.O(FieldReasons, reasons),
		ir.O(FieldPatterns, patterns),
	)
}

func receiptCitations(res ScoreResult) []string {
	out := make([]string, len(res.ReceiptIDs))
	for i, id := range res.ReceiptIDs {
		out[i] = fmt.Sprintf("receipt:%d", id)
	}
	return out
}

// Record appends a detection receipt for res, and an anomaly receipt when
// the verdict is suspect or fraud. The detection passes the stoprules first:
// a Deviation re-judges res conservatively, a Critical violation records
// nothing.
func (p *Pipeline) Record(ctx context.Context, res ScoreResult) (Recorded, error) {
	var out Recorded
	err := ledger.Retry(ctx, p.retry, "record detection", func(ctx context.Context, _ int) error {
		cur := res
		view := lifecycle.NewView(p.ledger, lifecycle.ContractWorkflow(), lifecycle.MilestoneWorkflow())
		ev := stoprule.Event{
			EntityID:    DomainEntity(cur.Domain),
			Name:        "score",
			ReceiptType: ir.TypeDetection,
			Payload:     detectionPayload(cur),
			Citations:   receiptCitations(cur),
			PrevDigest:  view.Head().Digest,
		}
		decision, err := p.engine.Evaluate(ctx, ev, view)
		if err != nil {
			return err
		}
		if err := decision.Err(); err != nil {
			return err
		}
		if len(decision.At(stoprule.SeverityDeviation)) > 0 && !cur.Conservative {
			cur = Conservative(cur, p.margin)
			ev.Payload = detectionPayload(cur)
		}
		r, err := p.ledger.Append(ctx, ledger.Draft{
			Type:       ir.TypeDetection,
			EntityID:   ev.EntityID,
			Payload:    ev.Payload,
			Citations:  ev.Citations,
			PrevDigest: ev.PrevDigest,
		})
		if err != nil {
			return err
		}
		out = Recorded{Result: cur, Detection: r}
		return nil
	})
	if err != nil {
		return Recorded{}, err
	}

	if out.Result.Flagged() {
		payload := ir.NewIRObjectFromPairs(
			ir.O(FieldDetectionID, ir.IRInt(out.Detection.ID)),
			ir.O(FieldDomain, ir.IRString(out.Result.Domain)),
			ir.O(stoprule.FieldVerdict, ir.IRString(out.Result.Verdict)),
			ir.O(stoprule.FieldSubjects, ir.StringArray(out.Result.Subjects...)),
		)
		var anomaly ir.Receipt
		err := ledger.Retry(ctx, p.retry, "record anomaly", func(ctx context.Context, _ int) error {
			var err error
			anomaly, err = p.ledger.Append(ctx, ledger.Draft{
				Type:       ir.TypeAnomaly,
				EntityID:   DomainEntity(out.Result.Domain),
				Payload:    payload,
				Citations:  []string{fmt.Sprintf("receipt:%d", out.Detection.ID)},
				PrevDigest: p.ledger.Head().Digest,
			})
			return err
		})
		if err != nil {
			return out, fmt.Errorf("record anomaly for detection %d: %w", out.Detection.ID, err)
		}
		out.Anomaly = &anomaly
		p.logger.Warn("anomaly recorded", "domain", out.Result.Domain, "verdict", out.Result.Verdict, "receipt", anomaly.ID)
	}
	return out, nil
}

// WindowRatios splits cohort into consecutive windows of size receipts and
// returns each window's compression ratio. A trailing window shorter than
// half the size is merged into the previous one.
func WindowRatios(cohort []ir.Receipt, size int) ([]float64, error) {
	if size <= 0 {
		size = len(cohort)
	}
	var bounds [][2]int
	for start := 0; start < len(cohort); start += size {
		end := min(start+size, len(cohort))
		if end-start < size/2 && len(bounds) > 0 {
			bounds[len(bounds)-1][1] = end
			break
		}
		bounds = append(bounds, [2]int{start, end})
	}
	out := make([]float64, 0, len(bounds))
	for _, b := range bounds {
		docs, err := documents(cohort[b[0]:b[1]])
		if err != nil {
			return nil, err
		}
		var joined []byte
		for i, d := range docs {
			if i > 0 {
				joined = append(joined, '\n')
			}
			joined = append(joined, d...)
		}
		r, err := CompressionRatio(joined)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PassResult summarizes a pass.
type PassResult struct {
	Recorded   []Recorded
	Calibrated []calibration.Threshold
	Skipped    []string
}

// Pass scores every non-reference segment and calibrates every reference
// one. Detections are recorded as the pass goes; threshold changes are staged
// and committed in one batch at the end, so a cancelled or failed pass leaves
// the calibration store untouched. Empty segments are skipped.
func (p *Pipeline) Pass(ctx context.Context, segments []Segment) (PassResult, error) {
	var out PassResult
	batch := p.thresholds.Begin()
	var calibrated []string

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			batch.Discard()
			return out, err
		}
		if seg.Reference {
			cohort, _, err := p.snapshot(ctx, seg)
			if err != nil {
				batch.Discard()
				return out, err
			}
			ratios, err := WindowRatios(cohort, p.window)
			if err != nil {
				batch.Discard()
				return out, err
			}
			if len(ratios) == 0 {
				out.Skipped = append(out.Skipped, seg.Domain)
				continue
			}
			batch.Calibrate(seg.Domain, ratios)
			calibrated = append(calibrated, seg.Domain)
			continue
		}

		res, err := p.ScoreSegment(ctx, seg)
		if IsInsufficientDataError(err) {
			out.Skipped = append(out.Skipped, seg.Domain)
			continue
		}
		if err != nil {
			batch.Discard()
			return out, err
		}
		rec, err := p.Record(ctx, res)
		if err != nil {
			batch.Discard()
			return out, err
		}
		out.Recorded = append(out.Recorded, rec)
	}

	if err := batch.Commit(ctx); err != nil {
		return out, err
	}
	for _, d := range calibrated {
		t, _ := p.thresholds.Get(d)
		out.Calibrated = append(out.Calibrated, t)
		if _, err := p.recordCalibration(ctx, t); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (p *Pipeline) recordCalibration(ctx context.Context, t calibration.Threshold) (ir.Receipt, error) {
	payload := ir.NewIRObjectFromPairs(
		ir.O(FieldDomain, ir.IRString(t.DomainID)),
		ir.O(stoprule.FieldThreshold, ir.IRFloat(t.CompressionThreshold)),
		ir.O(FieldFitness, ir.IRFloat(t.FitnessScore)),
		ir.O(FieldSampleCount, ir.IRInt(t.SampleCount)),
	)
	var r ir.Receipt
	err := ledger.Retry(ctx, p.retry, "record calibration", func(ctx context.Context, _ int) error {
		var err error
		r, err = p.ledger.Append(ctx, ledger.Draft{
			Type:       ir.TypeCalibration,
			EntityID:   DomainEntity(t.DomainID),
			Payload:    payload,
			PrevDigest: p.ledger.Head().Digest,
		})
		return err
	})
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("record calibration %s: %w", t.DomainID, err)
	}
	return r, nil
}
