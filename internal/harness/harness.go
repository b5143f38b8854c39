package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/config"
	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

// Harness executes one scenario against a fresh in-memory system with a
// step clock and fixed contract ids.
type Harness struct {
	sys      *app.System
	clock    *testutil.StepClock
	logger   *slog.Logger
	entities []string
}

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
	config *config.Configuration
}

// WithLogger routes system logs to logger. Runs are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runConfig) { c.logger = logger }
}

// WithConfig overrides the scenario's configuration.
func WithConfig(cfg config.Configuration) Option {
	return func(c *runConfig) { c.config = &cfg }
}

// Run executes scenario and returns its result. The error is non-nil only
// when the run could not start; step failures and failed assertions are
// reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	rc := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&rc)
	}

	cfg := config.Default()
	switch {
	case rc.config != nil:
		cfg = *rc.config
	case scenario.Config != "":
		loaded, err := config.Load(scenario.Config)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		cfg = loaded
	}

	clock := testutil.NewStepClock(testutil.Epoch, time.Minute)
	sys, err := app.Open(ctx, cfg, app.Options{
		Backend: ledger.NewMemoryBackend(),
		Clock:   clock,
		Now:     clock.Peek,
		IDs:     testutil.NewFixedIDGenerator("C"),
		Logger:  rc.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	defer sys.Close()

	h := &Harness{sys: sys, clock: clock, logger: rc.logger}
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := max(step.Repeat, 1)
		for rep := 1; rep <= n; rep++ {
			st := step
			if step.Repeat > 0 {
				st = expand(step, rep)
			}
			h.runStep(ctx, result, i+1, st)
		}
	}

	for _, entity := range h.entities {
		state, err := sys.Service.State(ctx, entity)
		if err != nil {
			result.AddError(fmt.Sprintf("final state of %s: %v", entity, err))
			continue
		}
		result.States[entity] = string(state)
	}

	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// expand substitutes the repetition number for "{i}".
func expand(st Step, rep int) Step {
	n := strconv.Itoa(rep)
	st.Contract = strings.ReplaceAll(st.Contract, "{i}", n)
	st.Milestone = strings.ReplaceAll(st.Milestone, "{i}", n)
	if len(st.Citations) > 0 {
		cites := make([]string, len(st.Citations))
		for i, c := range st.Citations {
			cites[i] = strings.ReplaceAll(c, "{i}", n)
		}
		st.Citations = cites
	}
	return st
}

func (h *Harness) runStep(ctx context.Context, result *Result, idx int, st Step) {
	ev, err := h.exec(ctx, st)
	ev.Step, ev.Action = idx, st.Action
	if err != nil {
		ev.Error = app.ErrorCode(err)
		if stoprule.IsHaltError(err) {
			ev.Critical = true
			result.CriticalFired = true
		}
	}
	if ev.Entity != "" && !slices.Contains(h.entities, ev.Entity) && !strings.HasPrefix(ev.Entity, "domain:") {
		h.entities = append(h.entities, ev.Entity)
	}
	result.Trace = append(result.Trace, ev)

	label := fmt.Sprintf("step %d (%s %s)", idx, st.Action, ev.Entity)
	for _, msg := range h.check(ctx, st, ev, err) {
		result.AddError(label + ": " + msg)
	}
}

// check compares a step's outcome with its expectation.
func (h *Harness) check(ctx context.Context, st Step, ev TraceEvent, err error) []string {
	exp := st.Expect
	var problems []string
	switch {
	case exp == nil || exp.Error == "":
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
	case err == nil:
		problems = append(problems, fmt.Sprintf("expected error %s, step succeeded", exp.Error))
	case !errorMatches(err, ev.Error, exp.Error):
		problems = append(problems, fmt.Sprintf("expected error %s, got %s: %v", exp.Error, ev.Error, err))
	}
	if exp == nil {
		return problems
	}

	if exp.State != "" {
		state, serr := h.sys.Service.State(ctx, ev.Entity)
		switch {
		case serr != nil:
			problems = append(problems, fmt.Sprintf("state: %v", serr))
		case string(state) != exp.State:
			problems = append(problems, fmt.Sprintf("expected state %s, got %s", exp.State, state))
		}
	}
	if exp.Verdict != "" && ev.Verdict != exp.Verdict {
		problems = append(problems, fmt.Sprintf("expected verdict %s, got %q", exp.Verdict, ev.Verdict))
	}
	for _, code := range exp.Alerts {
		if !slices.Contains(ev.Alerts, code) {
			problems = append(problems, fmt.Sprintf("expected alert %s, got %v", code, ev.Alerts))
		}
	}
	if exp.Severity != nil && ev.Severity != *exp.Severity {
		problems = append(problems, fmt.Sprintf("expected severity %q, got %q", *exp.Severity, ev.Severity))
	}
	return problems
}

// errorMatches accepts any violation of a halt, not only the first.
func errorMatches(err error, code, want string) bool {
	if code == want {
		return true
	}
	var halt *stoprule.HaltError
	if errors.As(err, &halt) {
		return halt.Has(want)
	}
	return false
}

func (h *Harness) exec(ctx context.Context, st Step) (TraceEvent, error) {
	if slices.Contains(contractActions, st.Action) || slices.Contains(milestoneActions, st.Action) {
		return h.transition(ctx, st)
	}
	switch st.Action {
	case ActionAnchor:
		info, err := h.sys.Ledger.Anchor(ctx, st.Count)
		if err != nil {
			return TraceEvent{}, err
		}
		return TraceEvent{ReceiptID: info.ReceiptID, ReceiptType: string(ir.TypeAnchor), Count: int(info.Count)}, nil

	case ActionScore:
		return h.score(ctx, st)

	case ActionCalibrate:
		ev := TraceEvent{Entity: scoring.DomainEntity(st.Domain)}
		p, err := h.sys.Pipeline()
		if err != nil {
			return ev, err
		}
		out, err := p.Pass(ctx, []scoring.Segment{{
			Domain:    st.Domain,
			Filter:    ledger.Filter{EntityPrefix: st.Prefix},
			Reference: true,
		}})
		if err != nil {
			return ev, err
		}
		ev.Count = len(out.Calibrated)
		return ev, nil

	case ActionOutcome:
		_, err := h.sys.Thresholds.ReportOutcomes(ctx, st.Domain, *st.Correct, st.Count)
		return TraceEvent{Entity: scoring.DomainEntity(st.Domain), Count: max(st.Count, 1)}, err

	case ActionThreshold:
		_, err := h.sys.Thresholds.SetThreshold(ctx, st.Domain, st.Threshold)
		return TraceEvent{Entity: scoring.DomainEntity(st.Domain)}, err

	case ActionReconcile:
		return h.reconcile(ctx, st)

	case ActionAdvance:
		h.clock.Advance(time.Duration(st.Days * float64(24*time.Hour)))
		return TraceEvent{}, nil
	}
	return TraceEvent{}, fmt.Errorf("unknown action %q", st.Action)
}

// transition runs a contract or milestone workflow event.
func (h *Harness) transition(ctx context.Context, st Step) (TraceEvent, error) {
	svc := h.sys.Service
	entity := st.Contract
	if st.Milestone != "" {
		entity = lifecycle.MilestoneEntity(st.Contract, st.Milestone)
	}
	attrs, err := attributes(st.Attributes)
	if err != nil {
		return TraceEvent{Entity: entity}, err
	}

	var out lifecycle.Outcome
	switch st.Action {
	case ActionAnnounce, ActionRegister:
		spec := lifecycle.ContractSpec{
			ID:         st.Contract,
			Amount:     st.Amount,
			Agency:     st.Agency,
			Vendor:     st.Vendor,
			Citations:  st.Citations,
			Attributes: attrs,
		}
		if st.Milestones > 0 {
			spec.Milestones = lifecycle.EvenSplit(st.Amount, st.Milestones)
		}
		if st.Action == ActionAnnounce {
			out, err = svc.AnnounceContract(ctx, spec)
		} else {
			out, err = svc.RegisterContract(ctx, spec)
		}
	case ActionClose:
		out, err = svc.CloseContract(ctx, st.Contract, st.Citations)
	case ActionDeliver:
		out, err = svc.SubmitDeliverable(ctx, st.Contract, st.Milestone, st.Citations, attrs)
	case ActionVerify:
		out, err = svc.VerifyMilestone(ctx, st.Contract, st.Milestone, st.Citations, attrs)
	case ActionDispute:
		out, err = svc.DisputeMilestone(ctx, st.Contract, st.Milestone, st.Reason, st.Citations)
	case ActionPay:
		out, err = svc.ReleasePayment(ctx, st.Contract, st.Milestone, st.Citations)
	}

	ev := TraceEvent{Entity: entity}
	if err != nil {
		return ev, err
	}
	ev.ReceiptID = out.Receipt.ID
	ev.ReceiptType = string(out.Receipt.Type)
	ev.From = string(out.From)
	ev.To = string(out.To)
	for _, a := range out.Alerts {
		ev.Alerts = append(ev.Alerts, a.Payload.String(lifecycle.FieldCode))
	}
	return ev, nil
}

func (h *Harness) score(ctx context.Context, st Step) (TraceEvent, error) {
	ev := TraceEvent{Entity: scoring.DomainEntity(st.Domain)}
	p, err := h.sys.Pipeline()
	if err != nil {
		return ev, err
	}
	res, err := p.ScoreSegment(ctx, scoring.Segment{
		Domain: st.Domain,
		Filter: ledger.Filter{EntityPrefix: st.Prefix},
	})
	if err != nil {
		return ev, err
	}
	rec, err := p.Record(ctx, res)
	if err != nil {
		return ev, err
	}
	ev.ReceiptID = rec.Detection.ID
	ev.ReceiptType = string(rec.Detection.Type)
	ev.Count = rec.Result.CohortSize
	ev.Verdict = string(rec.Result.Verdict)
	return ev, nil
}

func (h *Harness) reconcile(ctx context.Context, st Step) (TraceEvent, error) {
	r, err := h.sys.Reconciler()
	if err != nil {
		return TraceEvent{Entity: st.Contract}, err
	}
	if st.Contract == "" {
		rep, err := r.Report(ctx)
		if err != nil {
			return TraceEvent{}, err
		}
		return TraceEvent{Count: rep.OverThreshold}, nil
	}
	rep, err := r.CheckVariance(ctx, st.Contract)
	ev := TraceEvent{Entity: st.Contract}
	if err != nil {
		return ev, err
	}
	ev.Status = string(rep.Status)
	ev.Severity = rep.Severity
	if rep.ReceiptID != 0 {
		ev.ReceiptID = rep.ReceiptID
		ev.ReceiptType = string(ir.TypeVariance)
	}
	return ev, nil
}

func attributes(m map[string]any) (ir.IRObject, error) {
	if len(m) == 0 {
		return nil, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("attributes: expected an object, got %T", v)
	}
	return obj, nil
}
