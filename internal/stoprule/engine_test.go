package stoprule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

func fixed(name string, vs ...Violation) Rule {
	return Func(name, func(context.Context, Event, View) ([]Violation, error) { return vs, nil })
}

func TestEngine_MandatoryRuleAlwaysInstalled(t *testing.T) {
	e := quietEngine()
	assert.Equal(t, []string{"payment_requires_verified"}, e.Rules())

	shadow := fixed("payment_requires_verified")
	e = quietEngine(shadow, fixed("other"))
	assert.Equal(t, []string{"payment_requires_verified", "other"}, e.Rules(), "a shadowing rule is ignored")
}

func TestEngine_UnverifiedPaymentHalts(t *testing.T) {
	view := newFakeView()
	view.states["C-1/M2"] = "PENDING"

	d, err := quietEngine().Evaluate(context.Background(), Event{
		EntityID: "C-1/M2", Name: "pay", ReceiptType: ir.TypePayment,
	}, view)
	require.NoError(t, err)
	assert.True(t, d.Halted())

	err = d.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHalt))
	var he *HaltError
	require.True(t, errors.As(err, &he))
	assert.True(t, he.Has(CodeUnverifiedPayment))
}

func TestEngine_VerifiedPaymentPasses(t *testing.T) {
	view := newFakeView()
	view.states["C-1/M1"] = VerifiedState

	d, err := quietEngine().Evaluate(context.Background(), Event{EntityID: "C-1/M1", ReceiptType: ir.TypePayment}, view)
	require.NoError(t, err)
	assert.False(t, d.Halted())
	assert.Equal(t, SeverityNone, d.Severity)
	assert.NotNil(t, d.Violations)
	assert.NoError(t, d.Err())
}

func TestEngine_MaxSeverityWinsAndOrderIsIrrelevant(t *testing.T) {
	dev := Violation{Code: "D", Severity: SeverityDeviation}
	alert := Violation{Code: "A", Severity: SeverityAlert}
	rules := []Rule{fixed("r1", dev), fixed("r2", alert), fixed("r3")}
	reversed := []Rule{rules[2], rules[1], rules[0]}

	view := newFakeView()
	ev := Event{EntityID: "C-1", ReceiptType: ir.TypeContract}

	d1, err := quietEngine(rules...).Evaluate(context.Background(), ev, view)
	require.NoError(t, err)
	d2, err := quietEngine(reversed...).Evaluate(context.Background(), ev, view)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, SeverityAlert, d1.Severity)
	assert.False(t, d1.Halted())
	require.Len(t, d1.Violations, 2)
	assert.Equal(t, "A", d1.Violations[0].Code, "highest severity first")
	assert.Equal(t, "r2", d1.Violations[0].Rule, "rule name filled in by the engine")
	assert.Len(t, d1.At(SeverityDeviation), 1)
}

func TestEngine_RuleErrorAborts(t *testing.T) {
	boom := Func("boom", func(context.Context, Event, View) ([]Violation, error) {
		return nil, errors.New("view unavailable")
	})
	_, err := quietEngine(boom).Evaluate(context.Background(), Event{}, newFakeView())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stoprule boom")
}

func TestSeverity_TextRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityNone, SeverityDeviation, SeverityAlert, SeverityCritical} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Severity
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	_, err := ParseSeverity("fatal")
	assert.Error(t, err)
	assert.True(t, SeverityCritical > SeverityAlert && SeverityAlert > SeverityDeviation)
}
