// Package calibration keeps per-domain compression thresholds and their
// fitness, updated from reported outcomes.
//
// Reads are lock-free against an immutable snapshot. Every change is staged
// in a Batch and becomes visible, and durable when a persister is attached,
// only when the whole batch commits.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/store"
)

// Defaults.
const (
	DefaultThreshold   = 0.35
	DefaultGoodFitness = 0.1
	CalibrationMin     = 0.10
	CalibrationMax     = 0.95
)

// Persister stores threshold rows. *store.Store implements it.
type Persister interface {
	LoadThresholds(ctx context.Context) ([]store.ThresholdRow, error)
	SaveThresholds(ctx context.Context, rows []store.ThresholdRow) error
}

// Store holds the current threshold snapshot.
type Store struct {
	mu   sync.Mutex // serializes commits
	snap atomic.Pointer[map[string]Threshold]

	persist          Persister
	defaultThreshold float64
	good             float64
	now              func() time.Time
	logger           *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes commits durable. Open loads existing rows from it.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithDefaultThreshold sets the threshold served for unknown or pruned domains.
func WithDefaultThreshold(v float64) Option {
	return func(s *Store) { s.defaultThreshold = v }
}

// WithGoodFitness sets the fitness above which a domain's threshold is
// proposed to other domains.
func WithGoodFitness(v float64) Option {
	return func(s *Store) { s.good = v }
}

// WithNow sets the time source for calibration timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		defaultThreshold: DefaultThreshold,
		good:             DefaultGoodFitness,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := map[string]Threshold{}
	s.snap.Store(&empty)
	return s
}

// Open returns a store loaded from its persister.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := New(opts...)
	if s.persist == nil {
		return s, nil
	}
	rows, err := s.persist.LoadThresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("open calibration store: %w", err)
	}
	m := make(map[string]Threshold, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, fmt.Errorf("open calibration store: %s: %w", r.DomainID, err)
		}
		m[t.DomainID] = t
	}
	s.snap.Store(&m)
	return s, nil
}

func (s *Store) current() map[string]Threshold { return *s.snap.Load() }

// Get returns the domain's record, pruned or not.
func (s *Store) Get(domain string) (Threshold, bool) {
	t, ok := s.current()[domain]
	return t, ok
}

// Threshold returns the compression threshold served for domain: the stored
// one, or the default when the domain is unknown or pruned.
func (s *Store) Threshold(domain string) float64 {
	t, ok := s.Get(domain)
	if !ok || t.Pruned {
		return s.defaultThreshold
	}
	return t.CompressionThreshold
}

// DefaultThreshold returns the threshold served for unknown domains.
func (s *Store) DefaultThreshold() float64 { return s.defaultThreshold }

// GoodFitness returns the transfer threshold.
func (s *Store) GoodFitness() float64 { return s.good }

// All returns every record ordered by domain.
func (s *Store) All() []Threshold {
	m := s.current()
	out := make([]Threshold, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}

// SetThreshold sets a domain's threshold directly.
func (s *Store) SetThreshold(ctx context.Context, domain string, v float64) (Threshold, error) {
	b := s.Begin()
	b.SetThreshold(domain, v)
	return s.commitOne(ctx, b, domain)
}

// ReportOutcome records whether a verdict in domain proved correct after
// processing n receipts. See Batch.ReportOutcome.
func (s *Store) ReportOutcome(ctx context.Context, domain string, correct bool, n int) (Threshold, error) {
	b := s.Begin()
	b.ReportOutcome(domain, correct, n)
	return s.commitOne(ctx, b, domain)
}

// ReportOutcomes records detections separate outcomes of one receipt each,
// all committed together.
func (s *Store) ReportOutcomes(ctx context.Context, domain string, correct bool, detections int) (Threshold, error) {
	b := s.Begin()
	for range max(detections, 1) {
		b.ReportOutcome(domain, correct, 1)
	}
	return s.commitOne(ctx, b, domain)
}

// Calibrate sets the domain's threshold from observed ratios.
// See Batch.Calibrate.
func (s *Store) Calibrate(ctx context.Context, domain string, ratios []float64) (Threshold, error) {
	b := s.Begin()
	b.Calibrate(domain, ratios)
	return s.commitOne(ctx, b, domain)
}

// Reinstate clears a domain's pruned flag and resets its fitness.
func (s *Store) Reinstate(ctx context.Context, domain string) (Threshold, error) {
	b := s.Begin()
	b.Reinstate(domain)
	return s.commitOne(ctx, b, domain)
}

func (s *Store) commitOne(ctx context.Context, b *Batch, domain string) (Threshold, error) {
	if err := b.Commit(ctx); err != nil {
		return Threshold{}, err
	}
	t, _ := s.Get(domain)
	return t, nil
}

// Begin starts a batch against the store.
func (s *Store) Begin() *Batch {
	return &Batch{s: s}
}

// Batch stages changes. Operations are validated and applied to a private
// copy of the latest snapshot at Commit; the first failure discards them all.
type Batch struct {
	s    *Store
	ops  []func(m map[string]Threshold) (string, error)
	done bool
}

func (b *Batch) stage(op func(m map[string]Threshold) (string, error)) {
	b.ops = append(b.ops, op)
}

// Len returns the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

func (s *Store) record(m map[string]Threshold, domain string) Threshold {
	if t, ok := m[domain]; ok {
		return t
	}
	return Threshold{DomainID: domain, CompressionThreshold: s.defaultThreshold}
}

// SetThreshold stages a direct threshold change. v must be in (0, 1).
func (b *Batch) SetThreshold(domain string, v float64) {
	b.stage(func(m map[string]Threshold) (string, error) {
		if !(v > 0 && v < 1) || math.IsNaN(v) {
			return domain, &RangeError{DomainID: domain, Value: v}
		}
		t := b.s.record(m, domain)
		t.CompressionThreshold = v
		m[domain] = t
		return domain, nil
	})
}

// ReportOutcome stages an outcome. Fitness grows by the drop in uncertainty
// the outcome causes, divided by the receipts processed (at least 1). A
// domain whose fitness falls below zero is pruned.
func (b *Batch) ReportOutcome(domain string, correct bool, n int) {
	b.stage(func(m map[string]Threshold) (string, error) {
		t := b.s.record(m, domain)
		before := t.Uncertainty()
		if correct {
			t.CorrectCount++
		} else {
			t.IncorrectCount++
		}
		after := t.Uncertainty()
		t.FitnessScore += (before - after) / float64(max(1, n))
		t.SampleCount += int64(max(0, n))
		if t.FitnessScore < 0 && !t.Pruned {
			t.Pruned = true
			b.s.logger.Warn("threshold pruned", "domain", domain, "fitness", t.FitnessScore)
		}
		m[domain] = t
		return domain, nil
	})
}

// Calibrate stages a threshold set to the 90th percentile of ratios. An empty
// sample leaves the record unchanged. A percentile outside
// [CalibrationMin, CalibrationMax] fails with *CalibrationError.
func (b *Batch) Calibrate(domain string, ratios []float64) {
	b.stage(func(m map[string]Threshold) (string, error) {
		if len(ratios) == 0 {
			return "", nil
		}
		p := Percentile90(ratios)
		if p < CalibrationMin || p > CalibrationMax {
			return domain, &CalibrationError{DomainID: domain, Value: p, Min: CalibrationMin, Max: CalibrationMax}
		}
		t := b.s.record(m, domain)
		t.CompressionThreshold = p
		t.LastCalibratedAt = b.s.now().UTC()
		t.SampleCount += int64(len(ratios))
		m[domain] = t
		return domain, nil
	})
}

// Reinstate stages clearing the pruned flag; fitness restarts at zero.
func (b *Batch) Reinstate(domain string) {
	b.stage(func(m map[string]Threshold) (string, error) {
		t, ok := m[domain]
		if !ok {
			return "", fmt.Errorf("reinstate: unknown domain %q", domain)
		}
		t.Pruned = false
		t.FitnessScore = 0
		m[domain] = t
		return domain, nil
	})
}

// Commit applies every staged operation atomically. On error nothing is
// visible and nothing is persisted. A batch commits at most once.
func (b *Batch) Commit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("calibration batch already committed or discarded")
	}
	b.done = true
	if len(b.ops) == 0 {
		return nil
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := maps.Clone(s.current())
	changed := make(map[string]bool)
	for _, op := range b.ops {
		domain, err := op(next)
		if err != nil {
			return err
		}
		if domain != "" {
			changed[domain] = true
		}
	}

	if s.persist != nil {
		rows := make([]store.ThresholdRow, 0, len(changed))
		for _, d := range slices.Sorted(maps.Keys(changed)) {
			rows = append(rows, next[d].row())
		}
		if err := s.persist.SaveThresholds(ctx, rows); err != nil {
			return fmt.Errorf("commit calibration: %w", err)
		}
	}
	s.snap.Store(&next)
	s.logger.Info("calibration committed", "operations", len(b.ops), "domains", len(changed))
	return nil
}

// Discard drops the staged operations.
func (b *Batch) Discard() {
	b.ops = nil
	b.done = true
}
