package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

func seedReceipts(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	seed := []struct {
		typ    ir.ReceiptType
		entity string
	}{
		{ir.TypeContract, "C-1"},
		{ir.TypeMilestone, "C-1/M1"},
		{ir.TypeMilestone, "C-1/M2"},
		{ir.TypePayment, "C-1/M1"},
		{ir.TypeContract, "C-2"},
		{ir.TypeMilestone, "C-2/M1"},
	}
	for i, sd := range seed {
		r := createTestReceipt(int64(i+1), sd.typ, sd.entity, ir.IRObject{"n": ir.IRInt(int64(i))})
		require.NoError(t, s.AppendReceipt(ctx, r, ""))
	}
}

func ids(rs []ir.Receipt) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestReadReceipts_Filters(t *testing.T) {
	s := createTestStore(t)
	seedReceipts(t, s)
	ctx := context.Background()

	tests := []struct {
		name     string
		filter   ReceiptFilter
		expected []int64
	}{
		{"all", ReceiptFilter{}, []int64{1, 2, 3, 4, 5, 6}},
		{"by type", ReceiptFilter{Types: []ir.ReceiptType{ir.TypeContract}}, []int64{1, 5}},
		{"by two types", ReceiptFilter{Types: []ir.ReceiptType{ir.TypeContract, ir.TypePayment}}, []int64{1, 4, 5}},
		{"by entity", ReceiptFilter{EntityID: "C-1/M1"}, []int64{2, 4}},
		{"by prefix", ReceiptFilter{EntityPrefix: "C-1/"}, []int64{2, 3, 4}},
		{"after id", ReceiptFilter{AfterID: 4}, []int64{5, 6}},
		{"through id", ReceiptFilter{ThroughID: 2}, []int64{1, 2}},
		{"limit", ReceiptFilter{Limit: 2, AfterID: 1}, []int64{2, 3}},
		{"time range", ReceiptFilter{
			From: testEpoch.Add(2 * time.Minute),
			To:   testEpoch.Add(4 * time.Minute),
		}, []int64{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadReceipts(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids(got))
		})
	}
}

func TestReadReceipts_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadReceipts(context.Background(), ReceiptFilter{EntityID: "none"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestReadHead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ReadHead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	seedReceipts(t, s)
	head, ok, err := s.ReadHead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(6), head.ID)
}

func TestReadReceipt_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadReceipt(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLookupUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendReceipt(ctx, createTestReceipt(1, ir.TypeContract, "C-9", ir.IRObject{}), "C-9"))

	id, ok, err := s.LookupUnique(ctx, ir.TypeContract, "C-9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok, err = s.LookupUnique(ctx, ir.TypeContract, "C-10")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadReceipt_SeesOutOfBandChanges(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedReceipts(t, s)

	other := ir.MustDigest(ir.IRObject{"tampered": ir.IRBool(true)})
	_, err := s.DB().Exec(`UPDATE receipts SET payload_digest = ? WHERE id = 3`, other.String())
	require.NoError(t, err)

	got, err := s.ReadReceipt(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, other, got.PayloadDigest)
}
