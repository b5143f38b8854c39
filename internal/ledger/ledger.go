// Package ledger implements the append-only, hash-chained receipt ledger.
//
// Every receipt stores the link digest of its predecessor. Appends are
// optimistic: the proposer states the head it expects, and a stale
// expectation fails with a head conflict rather than being silently rebased.
// Closed batches are anchored by Merkle roots recorded as anchor receipts.
//
// Thread-safety model:
//   - Append and Anchor: serialized by the ledger (single writer per chain)
//   - Head, Get, Query, Verify: lock-free reads over immutable receipts
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

// Clock supplies receipt timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Draft is a receipt proposed for append.
type Draft struct {
	Type      ir.ReceiptType
	EntityID  string
	Payload   ir.IRObject
	Citations []string

	// PrevDigest is the head the proposer observed. It must equal the
	// current head's link digest at append time.
	PrevDigest ir.DualDigest

	// UniqueKey places the receipt in a uniqueness scope for its type.
	// Empty means unscoped.
	UniqueKey string

	// Timestamp overrides the ledger clock, for events recorded after the fact.
	Timestamp time.Time
}

// Head describes the current end of the chain.
type Head struct {
	ID     int64
	Digest ir.DualDigest
}

// Ledger is the receipt ledger over a Backend.
type Ledger struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger

	autoAnchor int
	retry      RetryPolicy

	mu   sync.Mutex // serializes appends
	head atomic.Pointer[Head]

	anchorMu   sync.Mutex // serializes batch closure
	idxMu      sync.RWMutex
	anchors    []AnchorInfo
	unanchored atomic.Int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the timestamp source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithAutoAnchor anchors automatically once n receipts are unanchored.
// Zero disables automatic anchoring.
func WithAutoAnchor(n int) Option {
	return func(l *Ledger) { l.autoAnchor = n }
}

// WithRetryPolicy sets the policy used for internal appends (anchor receipts).
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// Open loads the chain head and anchor index from backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		backend: backend,
		clock:   SystemClock{},
		logger:  slog.Default(),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.reloadHead(ctx); err != nil {
		return nil, err
	}

	anchors, err := backend.Scan(ctx, store.ReceiptFilter{Types: []ir.ReceiptType{ir.TypeAnchor}})
	if err != nil {
		return nil, fmt.Errorf("open ledger: load anchors: %w", err)
	}
	for _, a := range anchors {
		info, err := anchorInfoFrom(a)
		if err != nil {
			// A malformed anchor is reported by Verify, not fatal to opening.
			l.logger.Warn("skipping malformed anchor", "receipt", a.ID, "error", err)
			continue
		}
		l.anchors = append(l.anchors, info)
	}

	open, err := backend.Scan(ctx, store.ReceiptFilter{AfterID: l.anchoredThrough()})
	if err != nil {
		return nil, fmt.Errorf("open ledger: count unanchored: %w", err)
	}
	l.unanchored.Store(int64(len(batchMembers(open))))

	return l, nil
}

// NewMemory opens a ledger over a fresh MemoryBackend.
func NewMemory(opts ...Option) *Ledger {
	l, err := Open(context.Background(), NewMemoryBackend(), opts...)
	if err != nil {
		// An empty memory backend cannot fail to open.
		panic(err)
	}
	return l
}

func (l *Ledger) reloadHead(ctx context.Context) error {
	r, ok, err := l.backend.Head(ctx)
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	if !ok {
		l.head.Store(&Head{})
		return nil
	}
	d, err := ir.ReceiptDigest(r)
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	l.head.Store(&Head{ID: r.ID, Digest: d})
	return nil
}

// Head returns the current chain head. The zero Head (ID 0, ZeroDigest) means empty.
func (l *Ledger) Head() Head {
	return *l.head.Load()
}

// Len returns the number of stored receipts.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	return l.backend.Count(ctx)
}

// Get returns the receipt with the given id.
func (l *Ledger) Get(ctx context.Context, id int64) (ir.Receipt, error) {
	return l.backend.Get(ctx, id)
}

// CheckUnique reports whether (typ, key) is already recorded.
func (l *Ledger) CheckUnique(ctx context.Context, typ ir.ReceiptType, key string) error {
	id, ok, err := l.backend.LookupUnique(ctx, typ, key)
	if err != nil {
		return fmt.Errorf("check unique: %w", err)
	}
	if ok {
		return &DuplicateError{Type: string(typ), Key: key, ExistingID: id}
	}
	return nil
}

// Append validates and records d. It fails with a head conflict when
// d.PrevDigest is not the current head, with *DuplicateError when d's
// uniqueness scope is taken, and with *ir.SerializationError when the payload
// has no canonical form. Nothing is stored on failure.
func (l *Ledger) Append(ctx context.Context, d Draft) (ir.Receipt, error) {
	if d.Type == ir.TypeAnchor {
		return ir.Receipt{}, fmt.Errorf("append: anchor receipts are written by Anchor")
	}
	r, err := l.append(ctx, d, true)
	if err != nil {
		return ir.Receipt{}, err
	}
	l.unanchored.Add(1)
	l.maybeAutoAnchor(ctx)
	return r, nil
}

func (l *Ledger) append(ctx context.Context, d Draft, checkPrev bool) (ir.Receipt, error) {
	if !d.Type.Valid() {
		return ir.Receipt{}, fmt.Errorf("append: unknown receipt type %q", d.Type)
	}
	payload := d.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	payloadDigest, err := ir.Digest(payload)
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("append: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.Head()
	if checkPrev && d.PrevDigest != head.Digest {
		return ir.Receipt{}, &ChainIntegrityError{
			Code:      FaultHeadConflict,
			ReceiptID: head.ID,
			Message:   "expected head is stale; re-read and re-propose",
			Expected:  head.Digest.String(),
			Actual:    d.PrevDigest.String(),
		}
	}

	if d.UniqueKey != "" {
		if err := l.CheckUnique(ctx, d.Type, d.UniqueKey); err != nil {
			return ir.Receipt{}, err
		}
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = l.clock.Now()
	}
	r := ir.Receipt{
		ID:            head.ID + 1,
		Type:          d.Type,
		EntityID:      d.EntityID,
		Timestamp:     ts.UTC(),
		Payload:       payload.Clone(),
		PayloadDigest: payloadDigest,
		PrevDigest:    head.Digest,
		Citations:     append([]string{}, d.Citations...),
	}
	link, err := ir.ReceiptDigest(r)
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("append: %w", err)
	}

	if err := l.backend.Append(ctx, r, d.UniqueKey); err != nil {
		switch {
		case errors.Is(err, store.ErrUniqueViolation):
			id, _, _ := l.backend.LookupUnique(ctx, d.Type, d.UniqueKey)
			return ir.Receipt{}, &DuplicateError{Type: string(d.Type), Key: d.UniqueKey, ExistingID: id}
		case errors.Is(err, store.ErrSequenceTaken):
			// Another writer extended the chain underneath us.
			if rerr := l.reloadHead(ctx); rerr != nil {
				l.logger.Error("reload head after conflict", "error", rerr)
			}
			return ir.Receipt{}, &ChainIntegrityError{
				Code:      FaultHeadConflict,
				ReceiptID: r.ID,
				Message:   "receipt id taken by another writer",
			}
		}
		return ir.Receipt{}, fmt.Errorf("append: %w", err)
	}

	l.head.Store(&Head{ID: r.ID, Digest: link})
	l.logger.Debug("receipt appended", "id", r.ID, "type", r.Type, "entity", r.EntityID)
	return r, nil
}

// Unanchored returns how many receipts await a batch.
func (l *Ledger) Unanchored() int64 {
	return l.unanchored.Load()
}

func (l *Ledger) maybeAutoAnchor(ctx context.Context) {
	if l.autoAnchor <= 0 || l.Unanchored() < int64(l.autoAnchor) {
		return
	}
	if _, err := l.Anchor(ctx, l.autoAnchor); err != nil && !IsEmptyBatchError(err) {
		l.logger.Error("automatic anchor failed", "error", err)
	}
}
