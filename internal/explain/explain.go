// Package explain renders scoring results as plain language.
package explain

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/northstaraokeystone/gov-os/internal/scoring"
)

// Explainer formats results for one language.
type Explainer struct {
	p *message.Printer
}

// New returns an explainer for tag. Numbers follow the tag's conventions.
func New(tag language.Tag) *Explainer {
	return &Explainer{p: message.NewPrinter(tag)}
}

// Default explains in English.
func Default() *Explainer { return New(language.English) }

// Headline is the one-sentence verdict.
func (e *Explainer) Headline(res scoring.ScoreResult) string {
	n := res.CohortSize
	switch res.Verdict {
	case scoring.VerdictFraud:
		return e.p.Sprintf("The %d records in %s look mass-produced: they are likely fraudulent.", n, res.Domain)
	case scoring.VerdictSuspect:
		return e.p.Sprintf("The %d records in %s are more uniform than usual and deserve a closer look.", n, res.Domain)
	case scoring.VerdictLegitimate:
		return e.p.Sprintf("The %d records in %s vary the way genuine activity does.", n, res.Domain)
	default:
		return e.p.Sprintf("There is not enough reliable evidence to judge the %d records in %s.", n, res.Domain)
	}
}

// Explain returns the headline followed by the measurements and reasons
// behind it, one sentence per line.
func (e *Explainer) Explain(res scoring.ScoreResult) string {
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(e.Headline(res))
	relation := "above"
	if res.CompressionRatio < res.Threshold {
		relation = "below"
	}
	line(e.p.Sprintf("They compress to %.1f%% of their size, %s the %.1f%% expected for this domain.",
		res.CompressionRatio*100, relation, res.Threshold*100))
	line(e.p.Sprintf("Confidence is %.0f%% (evidence freshness %.0f%%, separation %.0f%%, cohort size %.0f%%).",
		res.Confidence*100, res.Freshness*100, res.Separation*100, res.SizeFactor*100))
	if res.CounterShare > 0 {
		line(e.p.Sprintf("%.0f%% of the individual records point the other way.", res.CounterShare*100))
	}
	for _, m := range res.Patterns {
		line(e.p.Sprintf("Known pattern %q matched: %s.", m.PatternID, m.Reason))
	}
	for _, r := range res.Reasons {
		line("Note: " + r + ".")
	}
	if res.Conservative {
		line("The result was reported conservatively because the evidence is not clearly separated.")
	}
	if res.SnapshotID > 0 {
		line(e.p.Sprintf("Scored as of anchor receipt %d.", res.SnapshotID))
	}
	return b.String()
}
