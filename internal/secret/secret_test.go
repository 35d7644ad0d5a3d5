package secret

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	key, err := RandomMasterKey()
	if err != nil {
		t.Fatalf("RandomMasterKey: %v", err)
	}
	kr, err := NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func cheapArgon() Argon2Params {
	return Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func TestArgon2HashVerify(t *testing.T) {
	h := NewArgon2Hasher(cheapArgon())
	encoded, err := h.Hash("Xy7-secret-Code")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Fatalf("unexpected PHC string %q", encoded)
	}
	again, _ := h.Hash("Xy7-secret-Code")
	if again == encoded {
		t.Fatal("salt must make hashes differ")
	}
	ok, err := h.Verify("Xy7-secret-Code", encoded)
	if err != nil || !ok {
		t.Fatalf("Verify correct: ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("wrong", encoded)
	if err != nil || ok {
		t.Fatalf("Verify wrong: ok=%v err=%v", ok, err)
	}
	if _, err := h.Verify("x", "$bcrypt$nope"); err == nil {
		t.Fatal("expected malformed hash error")
	}
}

func TestBcryptHasher(t *testing.T) {
	h, err := NewHasher("bcrypt", Argon2Params{}, 4)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	encoded, err := h.Hash("Abc12345")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if ok, _ := h.Verify("Abc12345", encoded); !ok {
		t.Fatal("expected match")
	}
	if ok, _ := h.Verify("Abc12346", encoded); ok {
		t.Fatal("expected mismatch")
	}
	if _, err := NewHasher("md5", Argon2Params{}, 0); err == nil {
		t.Fatal("expected unknown algorithm error")
	}
}

func TestSignerIsDeterministicAndPurposeBound(t *testing.T) {
	kr := testKeyring(t)
	a, _ := kr.Signer("code-signature")
	b, _ := kr.Signer("other")

	s1 := a.Sign([]byte("ABCdef123"))
	s2 := a.Sign([]byte("ABCdef123"))
	if !bytes.Equal(s1, s2) {
		t.Fatal("signatures must be deterministic")
	}
	if bytes.Equal(s1, b.Sign([]byte("ABCdef123"))) {
		t.Fatal("purposes must yield different keys")
	}
	if !a.Verify([]byte("ABCdef123"), s1) || a.Verify([]byte("ABCdef124"), s1) {
		t.Fatal("verify mismatch")
	}
	if len(SignHex(a, "x")) != 64 {
		t.Fatal("expected hex sha256 length")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	kr := testKeyring(t)
	s, err := kr.Sealer("metadata")
	if err != nil {
		t.Fatalf("Sealer: %v", err)
	}
	ct, err := s.Seal([]byte(`{"note":"vip"}`), []byte("code-1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := s.Open(ct, []byte("code-1"))
	if err != nil || string(pt) != `{"note":"vip"}` {
		t.Fatalf("Open: %q %v", pt, err)
	}
	if _, err := s.Open(ct, []byte("code-2")); err == nil {
		t.Fatal("additional data must be authenticated")
	}
	if _, err := s.Open(ct[:5], nil); err != ErrCiphertextSize {
		t.Fatalf("expected ErrCiphertextSize, got %v", err)
	}
}

func TestParseMasterKey(t *testing.T) {
	key, _ := RandomMasterKey()
	parsed, err := ParseMasterKey(" " + hex.EncodeToString(key) + "\n")
	if err != nil || !bytes.Equal(parsed, key) {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if _, err := ParseMasterKey("abcd"); err != ErrShortKey {
		t.Fatalf("expected ErrShortKey, got %v", err)
	}
	if _, err := NewKeyring([]byte("short")); err != ErrShortKey {
		t.Fatalf("expected ErrShortKey, got %v", err)
	}
}

func TestEqualString(t *testing.T) {
	if !EqualString("abc", "abc") || EqualString("abc", "abd") || EqualString("abc", "ab") {
		t.Fatal("EqualString mismatch")
	}
}
