package node

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit descriptor identity derived from the canonical
// key "protocol:address:port:secret". Name, transport, TLS, source and
// priority do not participate, so the same server published by two sources
// under different names collapses to one fingerprint.
type Fingerprint [16]byte

// Zero is the zero-value Fingerprint.
var Zero Fingerprint

// FingerprintOf computes the fingerprint for the identity fields.
func FingerprintOf(protocol Protocol, address string, port int, secret string) Fingerprint {
	key := make([]byte, 0, len(protocol)+len(address)+len(secret)+8)
	key = append(key, protocol...)
	key = append(key, ':')
	key = append(key, address...)
	key = append(key, ':')
	key = strconv.AppendInt(key, int64(port), 10)
	key = append(key, ':')
	key = append(key, secret...)
	return hashBytes(key)
}

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return f.Hex()
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Zero
}

// MarshalText encodes the fingerprint as hex so it can key JSON maps.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

// UnmarshalText decodes a hex fingerprint.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseHex decodes a 32-character hex string into a Fingerprint.
func ParseHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("node.ParseHex: %w", err)
	}
	if len(b) != 16 {
		return Zero, fmt.Errorf("node.ParseHex: expected 16 bytes, got %d", len(b))
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}

// hashBytes computes xxh3-128 of the given bytes and returns it as a Fingerprint.
func hashBytes(data []byte) Fingerprint {
	h128 := xxh3.Hash128(data)
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:8], h128.Lo)
	binary.LittleEndian.PutUint64(f[8:], h128.Hi)
	return f
}
