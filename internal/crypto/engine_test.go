package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	keyHex, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	e := NewEngine(HexKeySource(keyHex))
	if err := e.Ready(); err != nil {
		t.Fatalf("engine not ready: %v", err)
	}
	return e
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := testEngine(t)
	for _, plaintext := range []string{
		"555-123-4567",
		"Jane Q. Patient",
		"a",
		`{"mrn":"000123","dob":"1984-06-02"}`,
		strings.Repeat("x", 4096),
	} {
		env, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", plaintext, err)
		}
		if env == plaintext {
			t.Error("envelope should differ from plaintext")
		}
		got, err := e.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEnvelopeFormat(t *testing.T) {
	e := testEngine(t)
	env, err := e.Encrypt("secret value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	parts := strings.Split(env, ":")
	if len(parts) != 4 {
		t.Fatalf("expected 4 colon-separated fields, got %d", len(parts))
	}
	if parts[0] != EnvelopeVersion {
		t.Errorf("version = %q, want %q", parts[0], EnvelopeVersion)
	}
	if len(parts[1]) != nonceSize*2 {
		t.Errorf("nonce hex length = %d, want %d", len(parts[1]), nonceSize*2)
	}
	if len(parts[2]) != tagSize*2 {
		t.Errorf("tag hex length = %d, want %d", len(parts[2]), tagSize*2)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	e := testEngine(t)
	a, _ := e.Encrypt("same plaintext")
	b, _ := e.Encrypt("same plaintext")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ (fresh nonce)")
	}
}

func TestEmptyInputPropagation(t *testing.T) {
	e := testEngine(t)
	if env, err := e.Encrypt(""); err != nil || env != "" {
		t.Errorf("Encrypt(\"\") = (%q, %v), want (\"\", nil)", env, err)
	}
	if pt, err := e.Decrypt(""); err != nil || pt != "" {
		t.Errorf("Decrypt(\"\") = (%q, %v), want (\"\", nil)", pt, err)
	}
	if h, err := e.SearchHash(""); err != nil || h != "" {
		t.Errorf("SearchHash(\"\") = (%q, %v), want (\"\", nil)", h, err)
	}
}

// flipHexChar flips one hex character of a string.
func flipHexChar(s string, i int) string {
	b := []byte(s)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return string(b)
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	e := testEngine(t)
	env, err := e.Encrypt("do not alter")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	parts := strings.Split(env, ":")

	// Flip a character in the tag, then in the payload.
	for name, idx := range map[string]int{"tag": 2, "payload": 3} {
		mutated := make([]string, 4)
		copy(mutated, parts)
		mutated[idx] = flipHexChar(mutated[idx], 0)
		_, err := e.Decrypt(strings.Join(mutated, ":"))
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("tampered %s: got %v, want ErrAuthenticationFailed", name, err)
		}
	}
}

func TestDecryptRejectsMalformedEnvelopes(t *testing.T) {
	e := testEngine(t)
	cases := []string{
		"not an envelope",
		"v1:deadbeef",
		"v1:zz:zz:zz",
		"v2:000000000000000000000000:00000000000000000000000000000000:00",
		"v1:00:00000000000000000000000000000000:00", // short nonce
		"v1:000000000000000000000000:00:00",         // short tag
		"v1:a:b:c:d",
	}
	for _, env := range cases {
		_, err := e.Decrypt(env)
		if !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("Decrypt(%q): got %v, want ErrInvalidEnvelope", env, err)
		}
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	e1 := testEngine(t)
	e2 := testEngine(t)
	env, _ := e1.Encrypt("keyed to engine one")
	_, err := e2.Decrypt(env)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("wrong key: got %v, want ErrAuthenticationFailed", err)
	}
}

func TestSearchHashDeterminism(t *testing.T) {
	e := testEngine(t)
	a, err := e.SearchHash("555-123-4567")
	if err != nil {
		t.Fatalf("SearchHash failed: %v", err)
	}
	b, _ := e.SearchHash("555-123-4567")
	if a != b {
		t.Error("search hash must be deterministic")
	}
	if c, _ := e.SearchHash("  555-123-4567 "); c != a {
		t.Error("whitespace must not change the search hash")
	}
	upper, _ := e.SearchHash("Foo ")
	lower, _ := e.SearchHash("foo")
	if upper != lower {
		t.Error("case must not change the search hash")
	}
	if x, _ := e.SearchHash("different"); x == a {
		t.Error("different values must hash differently")
	}
}

func TestSearchHashDiffersAcrossDeployments(t *testing.T) {
	e1 := testEngine(t)
	e2 := testEngine(t)
	a, _ := e1.SearchHash("ssn 123-45-6789")
	b, _ := e2.SearchHash("ssn 123-45-6789")
	if a == b {
		t.Error("search hashes under different master keys should differ")
	}
}

func TestKeyNotConfigured(t *testing.T) {
	cases := map[string]string{
		"missing":      "",
		"not hex":      "zz" + strings.Repeat("00", 31),
		"wrong length": "deadbeef",
	}
	for name, keyHex := range cases {
		e := NewEngine(HexKeySource(keyHex))
		if err := e.Ready(); !errors.Is(err, ErrKeyNotConfigured) {
			t.Errorf("%s key: Ready() = %v, want ErrKeyNotConfigured", name, err)
		}
		if _, err := e.Encrypt("x"); !errors.Is(err, ErrKeyNotConfigured) {
			t.Errorf("%s key: Encrypt should refuse to operate, got %v", name, err)
		}
	}
}

func TestGenerateMasterKey(t *testing.T) {
	a, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	b, _ := GenerateMasterKey()
	if a == b {
		t.Error("two generated keys should not be equal")
	}
}
