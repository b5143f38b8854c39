package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Alert receipt payload fields.
const (
	FieldRule      = "rule"
	FieldCode      = "code"
	FieldSeverity  = "severity"
	FieldReason    = "reason"
	FieldReceiptID = "receipt_id"
)

// Proposal is an event proposed for an entity.
type Proposal struct {
	EntityID  string
	Event     string
	Payload   ir.IRObject
	Citations []string

	// Timestamp records the event after the fact. Zero uses the ledger clock.
	Timestamp time.Time
}

// Outcome describes a committed transition.
type Outcome struct {
	Receipt  ir.Receipt
	From     State
	To       State
	Decision stoprule.Decision

	// Alerts are the companion receipts written for Alert violations.
	Alerts []ir.Receipt

	// EvidenceRequested is set when a Deviation fired: the transition
	// committed, but the entity needs more evidence before it is relied on.
	EvidenceRequested bool

	Attempts int
}

// Machine runs one workflow over a ledger.
type Machine struct {
	def       Definition
	ledger    *ledger.Ledger
	engine    *stoprule.Engine
	cache     ProjectionCache
	retry     ledger.RetryPolicy
	logger    *slog.Logger
	workflows []Definition
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithCache sets the projection cache. Default: a MemoryCache.
func WithCache(c ProjectionCache) MachineOption {
	return func(m *Machine) { m.cache = c }
}

// WithRetryPolicy bounds re-proposals after head conflicts.
func WithRetryPolicy(p ledger.RetryPolicy) MachineOption {
	return func(m *Machine) { m.retry = p }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// WithWorkflows makes other workflows' states visible to stoprules, so a
// rule evaluated here can read the state of an entity governed elsewhere.
func WithWorkflows(defs ...Definition) MachineOption {
	return func(m *Machine) { m.workflows = append(m.workflows, defs...) }
}

// NewMachine validates def and returns a machine for it.
func NewMachine(l *ledger.Ledger, engine *stoprule.Engine, def Definition, opts ...MachineOption) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		def:    def,
		ledger: l,
		engine: engine,
		retry:  ledger.DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewMemoryCache()
	}
	m.workflows = append([]Definition{def}, m.workflows...)
	return m, nil
}

// Definition returns the machine's workflow.
func (m *Machine) Definition() Definition { return m.def }

// Propose folds the entity's state, checks the event against the table and
// the stoprules, and appends the transition receipt. A proposal that loses a
// race for the head is re-read and re-proposed under the retry policy.
//
// Critical violations return a *stoprule.HaltError and nothing is written.
// An event with no table entry still runs through the stoprules first, so a
// Critical invariant is reported in preference to *InvalidTransitionError.
func (m *Machine) Propose(ctx context.Context, p Proposal) (Outcome, error) {
	if p.EntityID == "" || p.Event == "" {
		return Outcome{}, fmt.Errorf("propose: entity id and event are required")
	}
	if !m.def.governs(p.EntityID) {
		return Outcome{}, fmt.Errorf("propose: workflow %s does not govern %q", m.def.Name, p.EntityID)
	}

	var (
		out  Outcome
		prev Projection
	)
	err := ledger.Retry(ctx, m.retry, "propose "+p.Event, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			m.logger.Debug("re-proposing after head conflict", "entity", p.EntityID, "event", p.Event, "attempt", attempt)
		}
		var err error
		out, prev, err = m.attempt(ctx, p)
		out.Attempts = attempt
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	// The receipt directly follows prev's head, so prev plus the receipt is
	// the projection at the receipt.
	if next, err := m.def.fold(prev, []ir.Receipt{out.Receipt}); err == nil {
		if next.Digest, err = ir.ReceiptDigest(out.Receipt); err == nil {
			m.store(ctx, next)
		}
	}

	alerts, err := m.raiseAlerts(ctx, out.Receipt, out.Decision.At(stoprule.SeverityAlert))
	out.Alerts = alerts
	if len(alerts) > 0 {
		if _, perr := m.Projection(ctx, p.EntityID); perr != nil {
			m.logger.Warn("projection refresh failed", "entity", p.EntityID, "error", perr)
		}
	}
	return out, err
}

func (m *Machine) attempt(ctx context.Context, p Proposal) (Outcome, Projection, error) {
	view := newSnapshot(m.ledger, m.workflows)
	proj, err := m.project(ctx, view, p.EntityID)
	if err != nil {
		return Outcome{}, Projection{}, err
	}
	state := proj.State

	if m.def.Terminal(state) {
		return Outcome{}, proj, &TerminalStateError{Workflow: m.def.Name, EntityID: p.EntityID, State: state, Event: p.Event}
	}
	tmpl, known := m.def.eventTemplate(p.Event)
	if !known {
		return Outcome{}, proj, &InvalidTransitionError{Workflow: m.def.Name, EntityID: p.EntityID, State: state, Event: p.Event}
	}
	key := m.def.uniqueKey(p.Event, p.EntityID, p.Payload)
	if key != "" {
		if err := m.ledger.CheckUnique(ctx, tmpl.ReceiptType, key); err != nil {
			return Outcome{}, proj, err
		}
	}

	t, ok := m.def.Lookup(state, p.Event)
	payload := p.Payload.Clone()
	if payload == nil {
		payload = ir.IRObject{}
	}
	payload[ir.KeyEvent] = ir.IRString(p.Event)
	payload[ir.KeyFromState] = ir.IRString(state)
	delete(payload, ir.KeyToState)
	if ok {
		payload[ir.KeyToState] = ir.IRString(t.To)
	}

	ev := stoprule.Event{
		EntityID:    p.EntityID,
		Name:        p.Event,
		ReceiptType: tmpl.ReceiptType,
		Payload:     payload,
		Citations:   p.Citations,
		PrevDigest:  view.head.Digest,
	}
	decision, err := m.engine.Evaluate(ctx, ev, view)
	if err != nil {
		return Outcome{}, proj, err
	}
	if err := decision.Err(); err != nil {
		return Outcome{Decision: decision}, proj, err
	}
	if !ok {
		return Outcome{Decision: decision}, proj, &InvalidTransitionError{Workflow: m.def.Name, EntityID: p.EntityID, State: state, Event: p.Event}
	}

	r, err := m.ledger.Append(ctx, ledger.Draft{
		Type:       t.ReceiptType,
		EntityID:   p.EntityID,
		Payload:    payload,
		Citations:  p.Citations,
		PrevDigest: view.head.Digest,
		UniqueKey:  key,
		Timestamp:  p.Timestamp,
	})
	if err != nil {
		return Outcome{}, proj, err
	}
	out := Outcome{
		Receipt:           r,
		From:              state,
		To:                t.To,
		Decision:          decision,
		EvidenceRequested: len(decision.At(stoprule.SeverityDeviation)) > 0,
	}
	if out.EvidenceRequested {
		m.logger.Info("evidence requested", "entity", p.EntityID, "event", p.Event, "receipt", r.ID)
	}
	return out, proj, nil
}

// raiseAlerts writes one alert receipt per Alert violation of trigger.
func (m *Machine) raiseAlerts(ctx context.Context, trigger ir.Receipt, vs []stoprule.Violation) ([]ir.Receipt, error) {
	var out []ir.Receipt
	for _, v := range vs {
		payload := ir.NewIRObjectFromPairs(
			ir.O(FieldRule, ir.IRString(v.Rule)),
			ir.O(FieldCode, ir.IRString(v.Code)),
			ir.O(FieldSeverity, ir.IRString(v.Severity.String())),
			ir.O(FieldReason, ir.IRString(v.Reason)),
			ir.O(FieldReceiptID, ir.IRInt(trigger.ID)),
		)
		var r ir.Receipt
		err := ledger.Retry(ctx, m.retry, "alert", func(ctx context.Context, _ int) error {
			var err error
			r, err = m.ledger.Append(ctx, ledger.Draft{
				Type:       ir.TypeAlert,
				EntityID:   trigger.EntityID,
				Payload:    payload,
				Citations:  []string{fmt.Sprintf("receipt:%d", trigger.ID)},
				PrevDigest: m.ledger.Head().Digest,
			})
			return err
		})
		if err != nil {
			return out, fmt.Errorf("alert for receipt %d: %w", trigger.ID, err)
		}
		m.logger.Warn("alert emitted", "entity", trigger.EntityID, "code", v.Code, "receipt", r.ID, "trigger", trigger.ID)
		out = append(out, r)
	}
	return out, nil
}

// project folds entityID at view's head, resuming from the cache when it
// holds an earlier projection of this chain.
func (m *Machine) project(ctx context.Context, view *snapshot, entityID string) (Projection, error) {
	start := Projection{EntityID: entityID, State: m.def.Initial}
	cached, ok, err := m.cache.Get(ctx, entityID)
	switch {
	case err != nil:
		m.logger.Warn("projection cache read failed", "entity", entityID, "error", err)
	case ok:
		same, err := m.sameChain(ctx, view, cached)
		if err != nil {
			return Projection{}, err
		}
		if !same {
			m.logger.Warn("projection cache entry belongs to another chain; replaying",
				"entity", entityID, "through", cached.Through)
			if err := m.cache.Delete(ctx, entityID); err != nil {
				m.logger.Warn("projection cache delete failed", "entity", entityID, "error", err)
			}
			break
		}
		if cached.Through == view.head.ID {
			return cached, nil
		}
		start = cached
	}

	rs, err := view.Receipts(ctx, ledger.Filter{EntityID: entityID, AfterID: start.Through})
	if err != nil {
		return Projection{}, err
	}
	p, err := m.def.fold(start, rs)
	if err != nil {
		return Projection{}, err
	}
	p.Through, p.Digest = view.head.ID, view.head.Digest
	return p, nil
}

// sameChain reports whether p was folded from the chain view sees: its
// position is within the head and the link digest recorded there matches.
func (m *Machine) sameChain(ctx context.Context, view *snapshot, p Projection) (bool, error) {
	if p.Through > view.head.ID {
		return false, nil
	}
	d, err := m.digestAt(ctx, view.head, p.Through)
	if err != nil {
		return false, err
	}
	return d == p.Digest, nil
}

// digestAt returns the link digest of receipt id, ZeroDigest for id 0.
func (m *Machine) digestAt(ctx context.Context, head ledger.Head, id int64) (ir.DualDigest, error) {
	switch id {
	case 0:
		return ir.ZeroDigest, nil
	case head.ID:
		return head.Digest, nil
	}
	r, err := m.ledger.Get(ctx, id)
	if err != nil {
		return ir.DualDigest{}, fmt.Errorf("projection digest at %d: %w", id, err)
	}
	return ir.ReceiptDigest(r)
}

func (m *Machine) store(ctx context.Context, p Projection) {
	if err := m.cache.Put(ctx, p); err != nil {
		m.logger.Warn("projection cache write failed", "entity", p.EntityID, "error", err)
	}
}

// Projection returns the entity's projection at the current head.
func (m *Machine) Projection(ctx context.Context, entityID string) (Projection, error) {
	p, err := m.project(ctx, newSnapshot(m.ledger, m.workflows), entityID)
	if err != nil {
		return Projection{}, err
	}
	m.store(ctx, p)
	return p, nil
}

// State returns the entity's current state.
func (m *Machine) State(ctx context.Context, entityID string) (State, error) {
	p, err := m.Projection(ctx, entityID)
	return p.State, err
}

// UnderReview reports whether an alert receipt names the entity.
func (m *Machine) UnderReview(ctx context.Context, entityID string) (bool, error) {
	p, err := m.Projection(ctx, entityID)
	return p.Review, err
}

// Replay folds the entity from genesis through receipt through, ignoring the
// cache. Zero means the current head.
func (m *Machine) Replay(ctx context.Context, entityID string, through int64) (Projection, error) {
	view := newSnapshot(m.ledger, m.workflows)
	if through > 0 && through < view.head.ID {
		d, err := m.digestAt(ctx, view.head, through)
		if err != nil {
			return Projection{}, err
		}
		view.head = ledger.Head{ID: through, Digest: d}
	}
	rs, err := view.Receipts(ctx, ledger.Filter{EntityID: entityID})
	if err != nil {
		return Projection{}, err
	}
	p, err := m.def.fold(Projection{EntityID: entityID, State: m.def.Initial}, rs)
	if err != nil {
		return Projection{}, err
	}
	p.Through, p.Digest = view.head.ID, view.head.Digest
	return p, nil
}

// CheckProjection compares the cached projection with a full replay at the
// same chain position. A disagreement, including a projection folded from
// another chain, is a *ProjectionError.
func (m *Machine) CheckProjection(ctx context.Context, entityID string) error {
	cached, ok, err := m.cache.Get(ctx, entityID)
	if err != nil || !ok {
		return err
	}
	if cached.Through > m.ledger.Head().ID {
		return &ProjectionError{EntityID: entityID, ReceiptID: cached.Through, Actual: cached.State}
	}
	replayed, err := m.Replay(ctx, entityID, cached.Through)
	if err != nil {
		return err
	}
	if replayed.Digest != cached.Digest || replayed.State != cached.State || replayed.Review != cached.Review {
		return &ProjectionError{EntityID: entityID, ReceiptID: cached.Through, Expected: replayed.State, Actual: cached.State}
	}
	return nil
}

// Entities lists the entities this workflow governs that have receipts, in
// order of first appearance.
func (m *Machine) Entities(ctx context.Context) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for r, err := range m.ledger.Query(ctx, ledger.Filter{}) {
		if err != nil {
			return nil, err
		}
		if r.EntityID == "" || seen[r.EntityID] || !m.def.governs(r.EntityID) {
			continue
		}
		if r.Payload.String(ir.KeyToState) == "" {
			continue
		}
		seen[r.EntityID] = true
		out = append(out, r.EntityID)
	}
	return out, nil
}

// Rebuild discards every cached projection of this workflow and replays each
// entity from the ledger. It returns the number of entities rebuilt.
func (m *Machine) Rebuild(ctx context.Context) (int, error) {
	entities, err := m.Entities(ctx)
	if err != nil {
		return 0, err
	}
	through := m.ledger.Head().ID
	for _, id := range entities {
		p, err := m.Replay(ctx, id, through)
		if err != nil {
			return 0, err
		}
		if err := m.cache.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", id, err)
		}
		if err := m.cache.Put(ctx, p); err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", id, err)
		}
	}
	m.logger.Info("projections rebuilt", "workflow", m.def.Name, "entities", len(entities))
	return len(entities), nil
}
