package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// createTestStore creates a new file-backed store under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestReceipt builds a receipt with a correct payload digest. Chain
// linkage is not computed; the store does not check it.
func createTestReceipt(id int64, typ ir.ReceiptType, entity string, payload ir.IRObject) ir.Receipt {
	return ir.Receipt{
		ID:            id,
		Type:          typ,
		EntityID:      entity,
		Timestamp:     testEpoch.Add(time.Duration(id) * time.Minute),
		Payload:       payload,
		PayloadDigest: ir.MustDigest(payload),
		PrevDigest:    ir.ZeroDigest,
		Citations:     []string{"doc-" + entity},
	}
}
