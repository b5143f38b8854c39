package lifecycle

import (
	"fmt"
	"slices"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// State is a workflow state.
type State string

// StateNone is the state of an entity with no receipts in workflows that
// start outside the table.
const StateNone State = "NONE"

// Transition is one table entry: (From, Event) -> To.
type Transition struct {
	From        State
	Event       string
	To          State
	ReceiptType ir.ReceiptType

	// UniqueKey scopes the receipt for duplicate detection. Nil means the
	// transition is not uniqueness-scoped.
	UniqueKey func(entityID string, payload ir.IRObject) string
}

// Definition is a workflow: its states, initial state and transition table.
type Definition struct {
	Name        string
	States      []State
	Initial     State
	Transitions []Transition

	// Governs reports whether an entity id belongs to this workflow.
	Governs func(entityID string) bool
}

// Validate checks the table references only declared states, has no
// duplicate (From, Event) entries, and every event maps to one receipt type.
func (d Definition) Validate() error {
	if !slices.Contains(d.States, d.Initial) {
		return fmt.Errorf("workflow %s: initial state %s not declared", d.Name, d.Initial)
	}
	seen := make(map[[2]string]bool)
	types := make(map[string]ir.ReceiptType)
	for _, t := range d.Transitions {
		if !slices.Contains(d.States, t.From) || !slices.Contains(d.States, t.To) {
			return fmt.Errorf("workflow %s: transition %s -%s-> %s uses an undeclared state", d.Name, t.From, t.Event, t.To)
		}
		key := [2]string{string(t.From), t.Event}
		if seen[key] {
			return fmt.Errorf("workflow %s: duplicate transition from %s on %s", d.Name, t.From, t.Event)
		}
		seen[key] = true
		if !t.ReceiptType.Valid() {
			return fmt.Errorf("workflow %s: event %s has invalid receipt type %q", d.Name, t.Event, t.ReceiptType)
		}
		if prev, ok := types[t.Event]; ok && prev != t.ReceiptType {
			return fmt.Errorf("workflow %s: event %s maps to both %s and %s", d.Name, t.Event, prev, t.ReceiptType)
		}
		types[t.Event] = t.ReceiptType
	}
	return nil
}

// Lookup returns the transition for (from, event).
func (d Definition) Lookup(from State, event string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.Event == event {
			return t, true
		}
	}
	return Transition{}, false
}

// Terminal reports whether s has no outgoing transitions.
func (d Definition) Terminal(s State) bool {
	return !slices.ContainsFunc(d.Transitions, func(t Transition) bool { return t.From == s })
}

// Events returns every event name in table order.
func (d Definition) Events() []string {
	var out []string
	for _, t := range d.Transitions {
		if !slices.Contains(out, t.Event) {
			out = append(out, t.Event)
		}
	}
	return out
}

// eventTemplate returns any transition for event, used for the receipt type
// and uniqueness scope of the event independent of the current state.
func (d Definition) eventTemplate(event string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.Event == event {
			return t, true
		}
	}
	return Transition{}, false
}

func (d Definition) uniqueKey(event, entityID string, payload ir.IRObject) string {
	for _, t := range d.Transitions {
		if t.Event == event && t.UniqueKey != nil {
			return t.UniqueKey(entityID, payload)
		}
	}
	return ""
}

func (d Definition) governs(entityID string) bool {
	return d.Governs == nil || d.Governs(entityID)
}
