package node

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFingerprint_Deterministic(t *testing.T) {
	d := Descriptor{Protocol: ProtocolVLESS, Address: "a.example.com", Port: 443, Secret: "uuid-1"}
	f1 := d.Fingerprint()
	f2 := d.Fingerprint()
	if f1 != f2 {
		t.Fatalf("same input produced different fingerprints: %s vs %s", f1.Hex(), f2.Hex())
	}
	if f1.IsZero() {
		t.Fatal("fingerprint should not be zero for valid input")
	}
}

func TestFingerprint_IgnoresNonIdentityFields(t *testing.T) {
	a := Descriptor{Protocol: ProtocolTrojan, Address: "1.2.3.4", Port: 443, Secret: "pw", Name: "first", Source: "s1", Priority: 0}
	b := Descriptor{
		Protocol: ProtocolTrojan, Address: "1.2.3.4", Port: 443, Secret: "pw",
		Name: "second", Source: "s2", Priority: 7,
		Transport: Transport{Network: "ws", Path: "/x"},
		TLS:       TLS{Enabled: true, SNI: "cdn.example.com"},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("name/source/priority/transport should not affect fingerprint: %s vs %s",
			a.Fingerprint().Hex(), b.Fingerprint().Hex())
	}
}

func TestFingerprint_DifferentIdentities(t *testing.T) {
	base := Descriptor{Protocol: ProtocolVMess, Address: "1.2.3.4", Port: 443, Secret: "id"}
	variants := map[string]Descriptor{
		"protocol": {Protocol: ProtocolVLESS, Address: "1.2.3.4", Port: 443, Secret: "id"},
		"address":  {Protocol: ProtocolVMess, Address: "5.6.7.8", Port: 443, Secret: "id"},
		"port":     {Protocol: ProtocolVMess, Address: "1.2.3.4", Port: 8443, Secret: "id"},
		"secret":   {Protocol: ProtocolVMess, Address: "1.2.3.4", Port: 443, Secret: "other"},
	}
	for field, v := range variants {
		if v.Fingerprint() == base.Fingerprint() {
			t.Fatalf("changing %s should change the fingerprint", field)
		}
	}
}

func TestFingerprint_FieldBoundariesDoNotCollide(t *testing.T) {
	// "1.2.3.4" port 44 secret "3x" vs "1.2.3.4" port 443 secret "x"
	a := FingerprintOf(ProtocolTrojan, "1.2.3.4", 44, "3x")
	b := FingerprintOf(ProtocolTrojan, "1.2.3.4", 443, "x")
	if a == b {
		t.Fatal("distinct identities must not collide")
	}
}

func TestHexRoundTrip(t *testing.T) {
	original := FingerprintOf(ProtocolShadowsocks, "example.com", 8388, "aes-256-gcm:pw")

	hexStr := original.Hex()
	if len(hexStr) != 32 {
		t.Fatalf("hex string should be 32 chars, got %d: %s", len(hexStr), hexStr)
	}
	parsed, err := ParseHex(hexStr)
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if parsed != original {
		t.Fatalf("round trip mismatch: %s vs %s", parsed.Hex(), original.Hex())
	}
}

func TestParseHex_Invalid(t *testing.T) {
	if _, err := ParseHex("zz"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParseHex("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestFingerprint_TextMarshal(t *testing.T) {
	f := FingerprintOf(ProtocolVMess, "h", 1, "s")
	text, err := f.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var back Fingerprint
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != f {
		t.Fatalf("text round trip mismatch: %s vs %s", back, f)
	}
}

func TestFingerprint_StableProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("fingerprint depends only on identity fields", prop.ForAll(
		func(addr, secret, nameA, nameB string, port int, prioA, prioB int) bool {
			a := Descriptor{Protocol: ProtocolVLESS, Address: addr, Port: port, Secret: secret, Name: nameA, Priority: prioA}
			b := Descriptor{Protocol: ProtocolVLESS, Address: addr, Port: port, Secret: secret, Name: nameB, Priority: prioB}
			return a.Fingerprint() == b.Fingerprint()
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(1, 65535),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))
	properties.TestingRun(t)
}

func TestDescriptorDefaults(t *testing.T) {
	d := Descriptor{Address: "example.com", Port: 8443}
	if d.Network() != "tcp" {
		t.Fatalf("Network() = %q, want tcp", d.Network())
	}
	if d.DisplayName() != "example.com:8443" {
		t.Fatalf("DisplayName() = %q", d.DisplayName())
	}
	if !d.HasEndpoint() {
		t.Fatal("HasEndpoint() should be true")
	}
	if (Descriptor{Address: "x"}).HasEndpoint() {
		t.Fatal("zero port should not be a usable endpoint")
	}
}
