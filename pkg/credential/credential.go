// Package credential implements the PMID/ANPMID/MAID identity credentials
// (GLOSSARY) used throughout the chunk storage pipeline and the
// supervisor's client/child authentication, adapted from the teacher's
// dual Ed25519/X25519 identity shape (pkg/identity/identity.go) with the
// honeytag/handle naming layer dropped — this spec has no human-readable
// naming system.
package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Credential is a signing keypair plus an X25519 key-agreement keypair.
// PMID, ANPMID, and MAID are all instances of this shape; the GLOSSARY
// distinguishes them by role, not by structure.
type Credential struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`
}

// Generate creates a fresh credential with new Ed25519 and X25519 key
// pairs.
func Generate() (*Credential, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("credential: generate ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("credential: generate x25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	return &Credential{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}, nil
}

// Sign signs data with the credential's Ed25519 private key.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.SigningPrivateKey, data)
}

// Verify checks a signature over data against this credential's public
// key.
func (c *Credential) Verify(data, signature []byte) bool {
	return ed25519.Verify(c.SigningPublicKey, data, signature)
}

// SharedSecret derives a shared X25519 secret with peerPublic.
func (c *Credential) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(c.KeyAgreementPrivateKey[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("credential: x25519: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// SignedData is the (data, signature) tuple referenced throughout §3/§4.D
// for SignaturePacket, ModifiableByOwner, and AppendableByAll chunk
// content and for ownership proofs.
type SignedData struct {
	Data      []byte `cbor:"data" json:"data"`
	Signature []byte `cbor:"signature" json:"signature"`
}

// SignData produces a SignedData over data using credential c.
func (c *Credential) SignData(data []byte) SignedData {
	return SignedData{Data: data, Signature: c.Sign(data)}
}

// Verify checks that sd.Signature is a valid signature over sd.Data by
// publicKey.
func (sd SignedData) Verify(publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, sd.Data, sd.Signature)
}

// PMID is the persistent identity credential a vault uses to authenticate
// to the storage network (GLOSSARY).
type PMID struct {
	Credential
	// Signer is the ANPMID public key that countersigned this PMID's
	// public key, per the source's PMID/ANPMID pairing.
	Signer ed25519.PublicKey `json:"signer"`
	// SignerProof is the ANPMID's signature over the PMID's public key.
	SignerProof []byte `json:"signer_proof"`
}

// ANPMID is the signer credential that in turn signs a PMID (GLOSSARY).
type ANPMID struct {
	Credential
}

// NewPMID generates a fresh PMID/ANPMID pair: the ANPMID signs the new
// PMID's public signing key, establishing the signer chain the supervisor
// persists as `pmid_and_signer` (§4.G).
func NewPMID() (*PMID, *ANPMID, error) {
	anpmidCred, err := Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("credential: generate ANPMID: %w", err)
	}
	pmidCred, err := Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("credential: generate PMID: %w", err)
	}
	anpmid := &ANPMID{Credential: *anpmidCred}
	pmid := &PMID{
		Credential:  *pmidCred,
		Signer:      anpmid.SigningPublicKey,
		SignerProof: anpmid.Sign(pmidCred.SigningPublicKey),
	}
	return pmid, anpmid, nil
}

// Valid reports whether the ANPMID's proof over the PMID public key
// verifies.
func (p *PMID) Valid() bool {
	return ed25519.Verify(p.Signer, p.SigningPublicKey, p.SignerProof)
}

// MAID is the client identity credential used to authenticate to the
// supervisor (GLOSSARY).
type MAID struct {
	Credential
}

// NewMAID generates a fresh MAID credential.
func NewMAID() (*MAID, error) {
	cred, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("credential: generate MAID: %w", err)
	}
	return &MAID{Credential: *cred}, nil
}

// SaveToFile persists a credential as JSON with restricted permissions,
// mirroring the teacher's identity.SaveToFile.
func (c *Credential) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("credential: create directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("credential: write file: %w", err)
	}
	return nil
}

// LoadFromFile loads a credential previously written by SaveToFile.
func LoadFromFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: read file: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("credential: unmarshal: %w", err)
	}
	return &c, nil
}
