package crypto

import (
	"bytes"
	"testing"
)

func TestSigner_Integrity(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	msg := []byte("lease:intent-1")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := Verify(signer.PublicKeyHex(), sig, msg)
	if err != nil || !ok {
		t.Fatalf("valid signature rejected: ok=%v err=%v", ok, err)
	}

	ok, _ = Verify(signer.PublicKeyHex(), sig, []byte("lease:intent-2"))
	if ok {
		t.Error("Tampered message accepted")
	}

	if _, err := VerifyWith(signer.PublicKey(), "", msg); err == nil {
		t.Error("missing signature should error")
	}
}

func TestKeyRing_VerifyKey(t *testing.T) {
	kr := NewKeyRing()
	alice, _ := NewEd25519Signer("alice")
	if err := kr.RegisterSigner(alice, "human"); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := []byte("payload")
	sig, _ := alice.Sign(msg)

	ok, err := kr.VerifyKey("alice", msg, sig)
	if err != nil || !ok {
		t.Fatalf("expected valid, got ok=%v err=%v", ok, err)
	}

	rk, found := kr.Lookup("alice")
	if !found || rk.Role != "human" {
		t.Fatalf("lookup returned %+v %v", rk, found)
	}

	kr.RevokeKey("alice")
	if _, err := kr.VerifyKey("alice", msg, sig); err == nil {
		t.Error("revoked key should not verify")
	}
}

func TestKeyRing_RejectsBadKey(t *testing.T) {
	kr := NewKeyRing()
	if err := kr.Register("x", "agent", []byte{1, 2, 3}); err == nil {
		t.Error("short key accepted")
	}
	if err := kr.RegisterHex("x", "agent", "zz"); err == nil {
		t.Error("bad hex accepted")
	}
}

func TestCanonicalMarshal_SortsKeys(t *testing.T) {
	a, err := CanonicalMarshal(map[string]any{"b": 1, "a": "x<y"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte(`{"a":"x<y","b":1}`)
	if !bytes.Equal(a, want) {
		t.Errorf("got %s want %s", a, want)
	}
}

func TestDeriveSigner_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	s1, err := DeriveSigner(seed, "issuer-a")
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := DeriveSigner(seed, "issuer-a")
	s3, _ := DeriveSigner(seed, "issuer-b")

	if !bytes.Equal(s1.PublicKey(), s2.PublicKey()) {
		t.Error("same label should derive same key")
	}
	if bytes.Equal(s1.PublicKey(), s3.PublicKey()) {
		t.Error("different labels should derive different keys")
	}
	if _, err := DeriveSigner([]byte("short"), "x"); err == nil {
		t.Error("short seed accepted")
	}
}
