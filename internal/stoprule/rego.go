package stoprule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// RegoQuery is the query a policy module must answer: a set of objects
// {code, severity, reason}.
const RegoQuery = "data.govos.stoprules.violations"

// RegoRule evaluates a Rego policy as a stoprule. The policy receives
//
//	input.event        {entity_id, name, receipt_type, payload, citations}
//	input.entity_state current workflow state of the event's entity
//	input.head_id      chain head id of the view
type RegoRule struct {
	name  string
	query rego.PreparedEvalQuery
}

type regoViolation struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// NewRegoRule compiles inline modules (file name to source).
func NewRegoRule(ctx context.Context, name string, modules map[string]string) (*RegoRule, error) {
	opts := []func(*rego.Rego){rego.Query(RegoQuery), rego.StrictBuiltinErrors(true)}
	for file, src := range modules {
		opts = append(opts, rego.Module(file, src))
	}
	return prepareRego(ctx, name, opts)
}

// LoadRegoRule compiles the policy files or directories at paths.
func LoadRegoRule(ctx context.Context, name string, paths []string) (*RegoRule, error) {
	opts := []func(*rego.Rego){
		rego.Query(RegoQuery),
		rego.StrictBuiltinErrors(true),
		rego.Load(paths, nil),
	}
	return prepareRego(ctx, name, opts)
}

func prepareRego(ctx context.Context, name string, opts []func(*rego.Rego)) (*RegoRule, error) {
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego rule %s: %w", name, err)
	}
	return &RegoRule{name: name, query: prepared}, nil
}

func (r *RegoRule) Name() string { return r.name }

func (r *RegoRule) Check(ctx context.Context, ev Event, view View) ([]Violation, error) {
	state, err := view.EntityState(ctx, ev.EntityID)
	if err != nil {
		return nil, err
	}
	citations := ev.Citations
	if citations == nil {
		citations = []string{}
	}
	input := map[string]any{
		"event": map[string]any{
			"entity_id":    ev.EntityID,
			"name":         ev.Name,
			"receipt_type": string(ev.ReceiptType),
			"payload":      ir.ToAny(ev.Payload),
			"citations":    citations,
		},
		"entity_state": state,
		"head_id":      view.Head().ID,
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	// An undefined result means the policy defines no violations.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	var decoded []regoViolation
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode policy result: %w", err)
	}

	out := make([]Violation, 0, len(decoded))
	for _, d := range decoded {
		sev, err := ParseSeverity(d.Severity)
		if err != nil {
			return nil, fmt.Errorf("policy violation %s: %w", d.Code, err)
		}
		if sev == SeverityNone {
			continue
		}
		out = append(out, Violation{Rule: r.name, Code: d.Code, Severity: sev, Reason: d.Reason})
	}
	return out, nil
}
