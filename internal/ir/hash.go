package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Domain prefixes for content digests. The version suffix allows algorithm migration.
const (
	DomainPayload = "govos/payload/v1"
	DomainReceipt = "govos/receipt/v1"
)

// DigestSize is the byte length of each half of a DualDigest.
const DigestSize = 32

// DualDigest is a pair of independent digests over the same bytes. Both halves
// must match for two digests to be equal.
type DualDigest struct {
	SHA256 [DigestSize]byte
	BLAKE3 [DigestSize]byte
}

// ZeroDigest is the prev_digest of the genesis receipt.
var ZeroDigest DualDigest

// String renders the digest as "<sha256hex>:<blake3hex>".
func (d DualDigest) String() string {
	return hex.EncodeToString(d.SHA256[:]) + ":" + hex.EncodeToString(d.BLAKE3[:])
}

// IsZero reports whether d is the genesis digest.
func (d DualDigest) IsZero() bool {
	return d == ZeroDigest
}

// Bytes returns the 64-byte concatenation used as a Merkle leaf.
func (d DualDigest) Bytes() []byte {
	out := make([]byte, 0, 2*DigestSize)
	out = append(out, d.SHA256[:]...)
	return append(out, d.BLAKE3[:]...)
}

// DigestFromBytes is the inverse of Bytes.
func DigestFromBytes(b []byte) (DualDigest, error) {
	var d DualDigest
	if len(b) != 2*DigestSize {
		return d, fmt.Errorf("dual digest: expected %d bytes, got %d", 2*DigestSize, len(b))
	}
	copy(d.SHA256[:], b[:DigestSize])
	copy(d.BLAKE3[:], b[DigestSize:])
	return d, nil
}

// ParseDualDigest parses the "<sha256hex>:<blake3hex>" form.
func ParseDualDigest(s string) (DualDigest, error) {
	var d DualDigest
	left, right, ok := strings.Cut(s, ":")
	if !ok {
		return d, fmt.Errorf("dual digest %q: missing separator", s)
	}
	if err := decodeHalf(left, d.SHA256[:]); err != nil {
		return d, fmt.Errorf("dual digest sha256: %w", err)
	}
	if err := decodeHalf(right, d.BLAKE3[:]); err != nil {
		return d, fmt.Errorf("dual digest blake3: %w", err)
	}
	return d, nil
}

func decodeHalf(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != DigestSize {
		return fmt.Errorf("expected %d bytes, got %d", DigestSize, len(b))
	}
	copy(dst, b)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d DualDigest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DualDigest) UnmarshalText(text []byte) error {
	parsed, err := ParseDualDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DigestBytes computes the dual digest of data under a domain prefix.
// Format per half: H(domain || 0x00 || data).
func DigestBytes(domain string, data []byte) DualDigest {
	var d DualDigest

	sh := sha256.New()
	sh.Write([]byte(domain))
	sh.Write([]byte{0x00})
	sh.Write(data)
	copy(d.SHA256[:], sh.Sum(nil))

	bh := blake3.New(DigestSize, nil)
	bh.Write([]byte(domain))
	bh.Write([]byte{0x00})
	bh.Write(data)
	copy(d.BLAKE3[:], bh.Sum(nil))

	return d
}

// Digest computes the payload digest of a receipt payload. It is a pure
// function of the payload's canonical serialization.
func Digest(payload IRObject) (DualDigest, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return DualDigest{}, fmt.Errorf("digest: %w", err)
	}
	return DigestBytes(DomainPayload, canonical), nil
}

// MustDigest is like Digest but panics on error. For tests and literals only.
func MustDigest(payload IRObject) DualDigest {
	d, err := Digest(payload)
	if err != nil {
		panic(err)
	}
	return d
}
