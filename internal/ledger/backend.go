package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/store"
)

// Backend persists receipts. Implementations store what they are given and
// never check digests; integrity is verified by the Ledger.
type Backend interface {
	// Append stores r. It returns an error wrapping store.ErrUniqueViolation
	// when (r.Type, uniqueKey) is taken and store.ErrSequenceTaken when r.ID is.
	Append(ctx context.Context, r ir.Receipt, uniqueKey string) error
	Get(ctx context.Context, id int64) (ir.Receipt, error)
	Head(ctx context.Context) (ir.Receipt, bool, error)
	Scan(ctx context.Context, f store.ReceiptFilter) ([]ir.Receipt, error)
	LookupUnique(ctx context.Context, typ ir.ReceiptType, key string) (int64, bool, error)
	Count(ctx context.Context) (int64, error)
}

// SQLiteBackend adapts *store.Store to Backend.
type SQLiteBackend struct {
	st *store.Store
}

// NewSQLiteBackend wraps an open store.
func NewSQLiteBackend(st *store.Store) *SQLiteBackend {
	return &SQLiteBackend{st: st}
}

func (b *SQLiteBackend) Append(ctx context.Context, r ir.Receipt, uniqueKey string) error {
	return b.st.AppendReceipt(ctx, r, uniqueKey)
}

func (b *SQLiteBackend) Get(ctx context.Context, id int64) (ir.Receipt, error) {
	r, err := b.st.ReadReceipt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Receipt{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r, err
}

func (b *SQLiteBackend) Head(ctx context.Context) (ir.Receipt, bool, error) {
	return b.st.ReadHead(ctx)
}

func (b *SQLiteBackend) Scan(ctx context.Context, f store.ReceiptFilter) ([]ir.Receipt, error) {
	return b.st.ReadReceipts(ctx, f)
}

func (b *SQLiteBackend) LookupUnique(ctx context.Context, typ ir.ReceiptType, key string) (int64, bool, error) {
	return b.st.LookupUnique(ctx, typ, key)
}

func (b *SQLiteBackend) Count(ctx context.Context) (int64, error) {
	return b.st.CountReceipts(ctx)
}

// MemoryBackend keeps receipts in process memory. It backs tests, scenario
// runs and verification of exported JSONL ledgers.
type MemoryBackend struct {
	mu       sync.RWMutex
	receipts []ir.Receipt
	byID     map[int64]int
	unique   map[string]int64
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:   make(map[int64]int),
		unique: make(map[string]int64),
	}
}

func uniqueSlot(typ ir.ReceiptType, key string) string {
	return string(typ) + "\x00" + key
}

func (b *MemoryBackend) Append(_ context.Context, r ir.Receipt, uniqueKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[r.ID]; ok {
		return fmt.Errorf("memory append %d: %w", r.ID, store.ErrSequenceTaken)
	}
	if uniqueKey != "" {
		slot := uniqueSlot(r.Type, uniqueKey)
		if _, ok := b.unique[slot]; ok {
			return fmt.Errorf("memory append %d: %w", r.ID, store.ErrUniqueViolation)
		}
		b.unique[slot] = r.ID
	}
	b.byID[r.ID] = len(b.receipts)
	b.receipts = append(b.receipts, r.Clone())
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id int64) (ir.Receipt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, ok := b.byID[id]
	if !ok {
		return ir.Receipt{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return b.receipts[idx].Clone(), nil
}

func (b *MemoryBackend) Head(_ context.Context) (ir.Receipt, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.receipts) == 0 {
		return ir.Receipt{}, false, nil
	}
	return b.receipts[len(b.receipts)-1].Clone(), true, nil
}

func (b *MemoryBackend) Scan(_ context.Context, f store.ReceiptFilter) ([]ir.Receipt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []ir.Receipt{}
	for _, r := range b.receipts {
		if !matches(r, f) {
			continue
		}
		out = append(out, r.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (b *MemoryBackend) LookupUnique(_ context.Context, typ ir.ReceiptType, key string) (int64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.unique[uniqueSlot(typ, key)]
	return id, ok, nil
}

func (b *MemoryBackend) Count(context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.receipts)), nil
}

func matches(r ir.Receipt, f store.ReceiptFilter) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, r.Type) {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.EntityPrefix != "" && !strings.HasPrefix(r.EntityID, f.EntityPrefix) {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	if f.AfterID > 0 && r.ID <= f.AfterID {
		return false
	}
	if f.ThroughID > 0 && r.ID > f.ThroughID {
		return false
	}
	return true
}

// UniqueKeyFunc derives the uniqueness key of an imported receipt, or "" when
// the receipt is not uniqueness-scoped.
type UniqueKeyFunc func(r ir.Receipt) string

// LoadJSONL reads a persisted ledger export into a MemoryBackend. Stored
// digests are kept exactly as written so that Verify can judge them.
func LoadJSONL(r io.Reader, keyFn UniqueKeyFunc) (*MemoryBackend, error) {
	b := NewMemoryBackend()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line, last := 0, int64(0)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec ir.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		receipt, err := rec.Receipt()
		if err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		if receipt.ID <= last {
			return nil, fmt.Errorf("jsonl line %d: receipt %d out of order after receipt %d", line, receipt.ID, last)
		}
		last = receipt.ID
		key := ""
		if keyFn != nil {
			key = keyFn(receipt)
		}
		if err := b.Append(context.Background(), receipt, key); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonl read: %w", err)
	}
	return b, nil
}
