package stoprule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// Event is a proposed ledger entry as the rules see it.
type Event struct {
	EntityID    string
	Name        string // workflow event, e.g. "register" or "pay"
	ReceiptType ir.ReceiptType
	Payload     ir.IRObject
	Citations   []string

	// PrevDigest is the head the proposer observed.
	PrevDigest ir.DualDigest
}

// View is the read-only ledger state rules evaluate against. Implementations
// must not change between the calls made for one evaluation.
type View interface {
	// Head is the chain head the view was taken at.
	Head() ledger.Head

	// EntityState is the entity's current workflow state, "" when it has none.
	EntityState(ctx context.Context, entityID string) (string, error)

	// EntityReceipts returns the entity's receipts in chain order.
	EntityReceipts(ctx context.Context, entityID string) ([]ir.Receipt, error)

	// Receipts returns receipts matching f in chain order.
	Receipts(ctx context.Context, f ledger.Filter) ([]ir.Receipt, error)
}

// Rule is a named invariant. Check must not mutate anything; it returns the
// violations the event causes, or an error when it cannot decide.
type Rule interface {
	Name() string
	Check(ctx context.Context, ev Event, view View) ([]Violation, error)
}

type funcRule struct {
	name string
	fn   func(ctx context.Context, ev Event, view View) ([]Violation, error)
}

func (r funcRule) Name() string { return r.name }

func (r funcRule) Check(ctx context.Context, ev Event, view View) ([]Violation, error) {
	return r.fn(ctx, ev, view)
}

// Func adapts a function to a Rule.
func Func(name string, fn func(ctx context.Context, ev Event, view View) ([]Violation, error)) Rule {
	return funcRule{name: name, fn: fn}
}

// Engine evaluates an installed rule set.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules installs rules in addition to the mandatory ones. A rule named
// like a mandatory rule is ignored.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) { e.rules = append(e.rules, rules...) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine returns an engine with the mandatory rules plus any installed ones.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	mandatory := []Rule{PaymentRequiresVerified()}
	reserved := make(map[string]bool, len(mandatory))
	for _, r := range mandatory {
		reserved[r.Name()] = true
	}
	rules := mandatory
	for _, r := range e.rules {
		if reserved[r.Name()] {
			e.logger.Warn("ignoring rule that shadows a mandatory rule", "rule", r.Name())
			continue
		}
		rules = append(rules, r)
	}
	e.rules = rules
	return e
}

// Rules returns the names of installed rules, mandatory ones first.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs every rule against ev. A rule error aborts evaluation, since
// an undecided invariant cannot be treated as satisfied.
func (e *Engine) Evaluate(ctx context.Context, ev Event, view View) (Decision, error) {
	var all []Violation
	for _, r := range e.rules {
		vs, err := r.Check(ctx, ev, view)
		if err != nil {
			return Decision{}, fmt.Errorf("stoprule %s: %w", r.Name(), err)
		}
		for _, v := range vs {
			if v.Rule == "" {
				v.Rule = r.Name()
			}
			all = append(all, v)
		}
	}

	d := newDecision(all)
	if d.Halted() {
		e.logger.Warn("stoprule halt", "entity", ev.EntityID, "event", ev.Name, "violations", len(d.Violations))
	}
	return d, nil
}
