// Package app wires a configuration into a running gov-os instance: the
// ledger and its backend, the stoprule engine, the contract workflows, the
// threshold store, the scoring pipeline and the reconciler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/calibration"
	"github.com/northstaraokeystone/gov-os/internal/config"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/reconcile"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

// ErrModuleDisabled is returned by accessors of modules the configuration
// switched off.
var ErrModuleDisabled = errors.New("module disabled by configuration")

// Options select the backend and the deterministic hooks.
type Options struct {
	// DBPath is the SQLite database opened when Backend is nil.
	DBPath string

	// Backend overrides the SQLite backend. Thresholds are then kept in
	// memory only.
	Backend ledger.Backend

	// Redis caches workflow projections when RedisAddr is set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cache is a shared projection cache used when RedisAddr is empty.
	Cache lifecycle.ProjectionCache

	// Clock stamps receipts. Nil uses the system clock.
	Clock ledger.Clock

	// Now is the scoring and calibration reference time. Nil uses the
	// wall clock.
	Now func() time.Time

	// IDs generates contract ids. Nil uses UUIDv7.
	IDs lifecycle.IDGenerator

	Logger *slog.Logger
}

// System is a wired instance. Close releases the backend and the cache.
type System struct {
	Config     config.Configuration
	Store      *store.Store
	Ledger     *ledger.Ledger
	Engine     *stoprule.Engine
	Service    *lifecycle.Service
	Thresholds *calibration.Store
	Registry   *scoring.Registry

	pipeline   *scoring.Pipeline
	reconciler *reconcile.Reconciler

	logger  *slog.Logger
	closers []func() error
}

// Open builds a System from cfg. On error everything opened so far is
// closed again.
func Open(ctx context.Context, cfg config.Configuration, opts Options) (_ *System, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	sys := &System{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = sys.Close()
		}
	}()

	backend := opts.Backend
	if backend == nil {
		if opts.DBPath == "" {
			return nil, errors.New("app: a database path or a backend is required")
		}
		st, err := store.Open(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sys.Store = st
		sys.closers = append(sys.closers, st.Close)
		backend = ledger.NewSQLiteBackend(st)
	}

	retry := cfg.RetryPolicy()
	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithAutoAnchor(cfg.Ledger.AutoAnchor),
		ledger.WithRetryPolicy(retry),
	}
	if opts.Clock != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithClock(opts.Clock))
	}
	sys.Ledger, err = ledger.Open(ctx, backend, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	rules := stoprule.Builtin(cfg.Knobs())
	if cfg.Modules.Policies {
		policy, err := stoprule.LoadRegoRule(ctx, "policies", cfg.Policies)
		if err != nil {
			return nil, err
		}
		rules = append(rules, policy)
	}
	sys.Engine = stoprule.NewEngine(stoprule.WithRules(rules...), stoprule.WithLogger(logger))

	machineOpts := []lifecycle.MachineOption{
		lifecycle.WithRetryPolicy(retry),
		lifecycle.WithLogger(logger),
	}
	cache := opts.Cache
	if opts.RedisAddr != "" {
		rc, err := lifecycle.NewRedisCache(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		sys.closers = append(sys.closers, rc.Close)
		cache = rc
	}
	if cache != nil {
		machineOpts = append(machineOpts, lifecycle.WithCache(cache))
	}
	sys.Service, err = lifecycle.NewService(sys.Ledger, sys.Engine, opts.IDs, machineOpts...)
	if err != nil {
		return nil, err
	}
	// A shared cache may hold projections of an earlier or different chain.
	if cache != nil {
		n, err := sys.Service.Rebuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("rebuild projections: %w", err)
		}
		logger.Info("projection cache rebuilt", "entities", n)
	}

	calOpts := []calibration.Option{
		calibration.WithDefaultThreshold(cfg.Scoring.DefaultThreshold),
		calibration.WithGoodFitness(cfg.Scoring.GoodFitness),
		calibration.WithNow(now),
		calibration.WithLogger(logger),
	}
	if sys.Store != nil {
		calOpts = append(calOpts, calibration.WithPersister(sys.Store))
	}
	sys.Thresholds, err = calibration.Open(ctx, calOpts...)
	if err != nil {
		return nil, err
	}
	if err := seedThresholds(ctx, sys.Thresholds, cfg); err != nil {
		return nil, err
	}

	sys.Registry = scoring.DefaultRegistry()
	for _, name := range cfg.DomainNames() {
		for _, id := range cfg.Domains[name].Patterns {
			if err := sys.Registry.Adopt(id, name); err != nil {
				return nil, fmt.Errorf("domain %s: %w", name, err)
			}
		}
	}

	if cfg.Modules.Scoring {
		sys.pipeline = scoring.NewPipeline(sys.Ledger, sys.Thresholds, sys.Engine,
			scoring.WithDomainParams(cfg.ScoringParams),
			scoring.WithRegistry(sys.Registry),
			scoring.WithMargin(cfg.Stoprules.ScoreMargin),
			scoring.WithCalibrationWindow(cfg.Scoring.CalibrationWindow),
			scoring.WithNow(now),
			scoring.WithRetryPolicy(retry),
			scoring.WithLogger(logger),
		)
	}
	if cfg.Modules.Reconcile {
		sys.reconciler = reconcile.New(sys.Service,
			reconcile.WithThresholds(reconcile.Thresholds{
				Warn:     cfg.Reconcile.WarnPct / 100,
				Critical: cfg.Reconcile.CriticalPct / 100,
			}),
			reconcile.WithRetryPolicy(retry),
			reconcile.WithLogger(logger),
		)
	}

	logger.Debug("system ready",
		"head", sys.Ledger.Head().ID,
		"rules", len(rules),
		"domains", len(cfg.Domains),
	)
	return sys, nil
}

// seedThresholds installs configured domain thresholds the store does not
// hold yet. A persisted threshold always wins over the configuration.
func seedThresholds(ctx context.Context, s *calibration.Store, cfg config.Configuration) error {
	b := s.Begin()
	for _, name := range cfg.DomainNames() {
		d := cfg.Domains[name]
		if d.Threshold == 0 {
			continue
		}
		if _, ok := s.Get(name); ok {
			continue
		}
		b.SetThreshold(name, d.Threshold)
	}
	if b.Len() == 0 {
		b.Discard()
		return nil
	}
	return b.Commit(ctx)
}

// Pipeline returns the scoring pipeline.
func (s *System) Pipeline() (*scoring.Pipeline, error) {
	if s.pipeline == nil {
		return nil, fmt.Errorf("scoring: %w", ErrModuleDisabled)
	}
	return s.pipeline, nil
}

// Reconciler returns the spend reconciler.
func (s *System) Reconciler() (*reconcile.Reconciler, error) {
	if s.reconciler == nil {
		return nil, fmt.Errorf("reconcile: %w", ErrModuleDisabled)
	}
	return s.reconciler, nil
}

// Close releases resources in reverse order of acquisition.
func (s *System) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
