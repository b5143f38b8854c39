package ir

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestDeterminism(t *testing.T) {
	payload := IRObject{
		"contract_id": IRString("C-1"),
		"amount":      IRInt(1_000_000),
	}
	reordered := IRObject{
		"amount":      IRInt(1_000_000),
		"contract_id": IRString("C-1"),
	}

	d1, err := Digest(payload)
	require.NoError(t, err)
	d2, err := Digest(reordered)
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "digest must not depend on map iteration order")
	assert.NotEqual(t, d1.SHA256, d1.BLAKE3, "halves are independent hashes")
}

func TestDigestChangesWithPayload(t *testing.T) {
	d1 := MustDigest(IRObject{"amount": IRInt(1)})
	d2 := MustDigest(IRObject{"amount": IRInt(2)})
	d3 := MustDigest(IRObject{"amount": IRString("1")})

	assert.NotEqual(t, d1, d2)
	assert.NotEqual(t, d1, d3)
}

func TestDigestRejectsInvalidUTF8(t *testing.T) {
	_, err := Digest(IRObject{"k": IRString("\xff")})
	require.Error(t, err)
	assert.True(t, IsSerializationError(err))
	_, err = Digest(IRObject{"k": IRString("\xfe")})
	require.Error(t, err, "distinct invalid bytes must not share a digest")
}

func TestDigestIntegralFloatMatchesInt(t *testing.T) {
	assert.Equal(t,
		MustDigest(IRObject{"amount": IRInt(500)}),
		MustDigest(IRObject{"amount": IRFloat(500)}),
	)
}

func TestDigestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, DigestBytes(DomainPayload, data), DigestBytes(DomainReceipt, data))
}

func TestDualDigestStringRoundTrip(t *testing.T) {
	d := MustDigest(IRObject{"x": IRBool(true)})

	s := d.String()
	parts := strings.Split(s, ":")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 64)
	assert.Len(t, parts[1], 64)

	parsed, err := ParseDualDigest(s)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	fromBytes, err := DigestFromBytes(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d, fromBytes)
}

func TestParseDualDigestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", strings.Repeat("a", 128)},
		{"bad hex", "zz:" + strings.Repeat("0", 64)},
		{"short half", "00:" + strings.Repeat("0", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDualDigest(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestZeroDigest(t *testing.T) {
	assert.True(t, ZeroDigest.IsZero())
	assert.Equal(t, strings.Repeat("0", 64)+":"+strings.Repeat("0", 64), ZeroDigest.String())
}

func TestReceiptDigestCoversLinkFields(t *testing.T) {
	base := Receipt{
		ID:            3,
		Type:          TypeMilestone,
		EntityID:      "C-1/M1",
		Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:       IRObject{"event": IRString("deliver")},
		PayloadDigest: MustDigest(IRObject{"event": IRString("deliver")}),
		PrevDigest:    ZeroDigest,
		Citations:     []string{"doc-1"},
	}
	d0, err := ReceiptDigest(base)
	require.NoError(t, err)

	mutations := map[string]func(r *Receipt){
		"id":        func(r *Receipt) { r.ID = 4 },
		"type":      func(r *Receipt) { r.Type = TypePayment },
		"entity":    func(r *Receipt) { r.EntityID = "C-1/M2" },
		"timestamp": func(r *Receipt) { r.Timestamp = r.Timestamp.Add(time.Second) },
		"prev":      func(r *Receipt) { r.PrevDigest = MustDigest(IRObject{}) },
		"citations": func(r *Receipt) { r.Citations = []string{"doc-2"} },
		"payload":   func(r *Receipt) { r.PayloadDigest = MustDigest(IRObject{}) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := base.Clone()
			mutate(&r)
			d, err := ReceiptDigest(r)
			require.NoError(t, err)
			assert.NotEqual(t, d0, d)
		})
	}
}
