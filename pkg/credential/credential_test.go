package credential

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if a.SigningPublicKey.Equal(b.SigningPublicKey) {
		t.Errorf("two Generate() calls produced the same signing key")
	}
}

func TestSignVerify(t *testing.T) {
	c, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	sd := c.SignData([]byte("payload"))
	if !sd.Verify(c.SigningPublicKey) {
		t.Errorf("SignedData failed to verify against its own signer")
	}

	other, _ := Generate()
	if sd.Verify(other.SigningPublicKey) {
		t.Errorf("SignedData verified against an unrelated key")
	}
}

func TestSharedSecretSymmetric(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()

	s1, err := a.SharedSecret(b.KeyAgreementPublicKey)
	if err != nil {
		t.Fatalf("SharedSecret error: %v", err)
	}
	s2, err := b.SharedSecret(a.KeyAgreementPublicKey)
	if err != nil {
		t.Fatalf("SharedSecret error: %v", err)
	}
	if s1 != s2 {
		t.Errorf("X25519 shared secrets are not symmetric")
	}
}

func TestPMIDSignerChainValid(t *testing.T) {
	pmid, anpmid, err := NewPMID()
	if err != nil {
		t.Fatalf("NewPMID() error: %v", err)
	}
	if !pmid.Valid() {
		t.Errorf("freshly generated PMID did not validate against its ANPMID signer")
	}
	if !anpmid.SigningPublicKey.Equal(pmid.Signer) {
		t.Errorf("PMID.Signer does not match the ANPMID's public key")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cred.json")
	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	if !loaded.SigningPublicKey.Equal(c.SigningPublicKey) {
		t.Errorf("loaded credential signing key mismatch")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credential file mode = %v, want 0600", info.Mode().Perm())
	}
}
