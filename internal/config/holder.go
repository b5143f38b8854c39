package config

import (
	"log/slog"
	"sync/atomic"
)

// Holder serves the current snapshot and replaces it on Reload.
type Holder struct {
	path   string
	cur    atomic.Pointer[Configuration]
	logger *slog.Logger
}

// NewHolder loads path, or uses Default() when path is empty.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{path: path, logger: logger}
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	h.cur.Store(&cfg)
	return h, nil
}

// Current returns the snapshot in effect.
func (h *Holder) Current() Configuration { return *h.cur.Load() }

// Reload loads a new snapshot. On error the current snapshot stays in
// effect.
func (h *Holder) Reload() (Configuration, error) {
	if h.path == "" {
		return h.Current(), nil
	}
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error("config reload failed", "path", h.path, "error", err)
		return h.Current(), err
	}
	h.cur.Store(&cfg)
	h.logger.Info("config reloaded", "path", h.path, "domains", len(cfg.Domains))
	return cfg, nil
}
