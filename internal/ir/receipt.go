package ir

import (
	"fmt"
	"slices"
	"time"
)

// ReceiptType classifies a receipt.
type ReceiptType string

const (
	TypeContract    ReceiptType = "contract"
	TypeMilestone   ReceiptType = "milestone"
	TypePayment     ReceiptType = "payment"
	TypeDetection   ReceiptType = "detection"
	TypeAnomaly     ReceiptType = "anomaly"
	TypeAnchor      ReceiptType = "anchor"
	TypeAlert       ReceiptType = "alert"
	TypeVariance    ReceiptType = "variance"
	TypeCalibration ReceiptType = "calibration"
)

// ReceiptTypes lists every known receipt type.
var ReceiptTypes = []ReceiptType{
	TypeContract, TypeMilestone, TypePayment, TypeDetection, TypeAnomaly,
	TypeAnchor, TypeAlert, TypeVariance, TypeCalibration,
}

// Valid reports whether t is a known receipt type.
func (t ReceiptType) Valid() bool {
	return slices.Contains(ReceiptTypes, t)
}

// Derived reports whether receipts of this type are produced by the system
// itself rather than recorded from a domain event. Only derived receipts may
// carry an empty citation list.
func (t ReceiptType) Derived() bool {
	switch t {
	case TypeAnchor, TypeDetection, TypeAnomaly, TypeAlert, TypeVariance, TypeCalibration:
		return true
	}
	return false
}

// Payload keys shared across packages.
const (
	KeyMerkleRoot   = "merkle_root"
	KeyReceiptCount = "receipt_count"
	KeyFirstID      = "first_id"
	KeyLastID       = "last_id"
	KeyEvent        = "event"
	KeyFromState    = "from_state"
	KeyToState      = "to_state"
	KeyCorrects     = "corrects"
)

// Receipt is an immutable, hash-linked record of one event.
type Receipt struct {
	ID            int64
	Type          ReceiptType
	EntityID      string
	Timestamp     time.Time
	Payload       IRObject
	PayloadDigest DualDigest
	PrevDigest    DualDigest
	Citations     []string
}

// FormatTimestamp is the canonical timestamp encoding used in digests and records.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a FormatTimestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ReceiptDigest is the link digest of a receipt: the value its successor
// stores as prev_digest. It covers the stored payload digest, not the payload.
func ReceiptDigest(r Receipt) (DualDigest, error) {
	citations := make(IRArray, len(r.Citations))
	for i, c := range r.Citations {
		citations[i] = IRString(c)
	}
	obj := IRObject{
		"id":             IRInt(r.ID),
		"type":           IRString(r.Type),
		"entity_id":      IRString(r.EntityID),
		"timestamp":      IRString(FormatTimestamp(r.Timestamp)),
		"payload_digest": IRString(r.PayloadDigest.String()),
		"prev_digest":    IRString(r.PrevDigest.String()),
		"citations":      citations,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return DualDigest{}, fmt.Errorf("receipt digest %d: %w", r.ID, err)
	}
	return DigestBytes(DomainReceipt, canonical), nil
}

// Recomputed returns a copy of r whose PayloadDigest is recomputed from its
// payload. Comparing ReceiptDigest of r and of r.Recomputed() detects a stored
// digest that no longer matches the payload.
func (r Receipt) Recomputed() (Receipt, error) {
	d, err := Digest(r.Payload)
	if err != nil {
		return Receipt{}, err
	}
	out := r
	out.PayloadDigest = d
	return out, nil
}

// Clone returns a deep copy.
func (r Receipt) Clone() Receipt {
	out := r
	out.Payload = r.Payload.Clone()
	out.Citations = slices.Clone(r.Citations)
	return out
}

// Record is the persisted, line-oriented form of a receipt.
type Record struct {
	ID            int64    `json:"id"`
	Type          string   `json:"type"`
	Timestamp     string   `json:"timestamp"`
	EntityID      string   `json:"entity_id"`
	Payload       IRObject `json:"payload"`
	PayloadDigest string   `json:"payload_digest"`
	PrevDigest    string   `json:"prev_digest"`
	Citations     []string `json:"citations"`
	MerkleRoot    string   `json:"merkle_root,omitempty"`
	ReceiptCount  int64    `json:"receipt_count,omitempty"`
}

// ToRecord converts a receipt to its persisted form.
func (r Receipt) ToRecord() Record {
	rec := Record{
		ID:            r.ID,
		Type:          string(r.Type),
		Timestamp:     FormatTimestamp(r.Timestamp),
		EntityID:      r.EntityID,
		Payload:       r.Payload,
		PayloadDigest: r.PayloadDigest.String(),
		PrevDigest:    r.PrevDigest.String(),
		Citations:     r.Citations,
	}
	if rec.Citations == nil {
		rec.Citations = []string{}
	}
	if r.Type == TypeAnchor {
		rec.MerkleRoot = r.Payload.String(KeyMerkleRoot)
		rec.ReceiptCount, _ = r.Payload.Int(KeyReceiptCount)
	}
	return rec
}

// Receipt converts a persisted record back into a receipt. Stored digests are
// taken as-is; verification is the ledger's job.
func (rec Record) Receipt() (Receipt, error) {
	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return Receipt{}, fmt.Errorf("record %d timestamp: %w", rec.ID, err)
	}
	pd, err := ParseDualDigest(rec.PayloadDigest)
	if err != nil {
		return Receipt{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	prev, err := ParseDualDigest(rec.PrevDigest)
	if err != nil {
		return Receipt{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	payload := rec.Payload
	if payload == nil {
		payload = IRObject{}
	}
	return Receipt{
		ID:            rec.ID,
		Type:          ReceiptType(rec.Type),
		EntityID:      rec.EntityID,
		Timestamp:     ts,
		Payload:       payload,
		PayloadDigest: pd,
		PrevDigest:    prev,
		Citations:     rec.Citations,
	}, nil
}
