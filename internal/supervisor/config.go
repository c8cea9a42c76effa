// Package supervisor implements the vault supervisor (§4.G): config file
// persistence, the loopback protocol, and the StartVault/TakeOwnership/
// ListVaults/RemoveVault lifecycle operations.
package supervisor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
)

// VaultInfo is one configured vault's persisted record (§3/§6). PmidCipher
// is the AES-256-CBC(PKCS7) ciphertext of the CBOR-encoded PMID+ANPMID pair;
// it is opaque to everything except EncryptPMID/DecryptPMID.
type VaultInfo struct {
	Label          string `cbor:"label"`
	VaultDir       string `cbor:"vault_dir"`
	MaxDiskUsage   uint64 `cbor:"max_disk_usage"`
	Owner          string `cbor:"owner,omitempty"`
	RequestedToRun bool   `cbor:"requested_to_run"`
	PmidCipher     []byte `cbor:"pmid_cipher"`
}

// Config is the whole-file, CBOR-encoded config record (§6's
// VaultManagerConfig). The AES key/IV are plaintext per-installation
// material generated once and never rewritten (§5's shared-resource
// policy).
type Config struct {
	mu sync.Mutex

	AESKey [32]byte    `cbor:"aes_key"`
	AESIV  [16]byte    `cbor:"aes_iv"`
	Vaults []VaultInfo `cbor:"vaults"`
}

// configOnDisk is Config's plain-data twin: cbor can't marshal a struct
// holding a sync.Mutex, and Config's exported fields alone are enough to
// round-trip.
type configOnDisk struct {
	AESKey [32]byte    `cbor:"aes_key"`
	AESIV  [16]byte    `cbor:"aes_iv"`
	Vaults []VaultInfo `cbor:"vaults"`
}

// LoadOrCreateConfig reads path, or generates a fresh AES key/IV and an
// empty vault list if path does not exist yet (§4.G).
func LoadOrCreateConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		if _, err := rand.Read(cfg.AESKey[:]); err != nil {
			return nil, fmt.Errorf("supervisor: generate AES key: %w", err)
		}
		if _, err := rand.Read(cfg.AESIV[:]); err != nil {
			return nil, fmt.Errorf("supervisor: generate AES IV: %w", err)
		}
		if err := cfg.SaveTo(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("supervisor: read config: %w", err)
	}

	var disk configOnDisk
	if err := cborcanon.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("supervisor: parse config: %w", err)
	}
	return &Config{AESKey: disk.AESKey, AESIV: disk.AESIV, Vaults: disk.Vaults}, nil
}

// SaveTo writes the config to path as a whole-file atomic write-then-rename
// (§4.G).
func (c *Config) SaveTo(path string) error {
	c.mu.Lock()
	disk := configOnDisk{AESKey: c.AESKey, AESIV: c.AESIV, Vaults: append([]VaultInfo(nil), c.Vaults...)}
	c.mu.Unlock()

	data, err := cborcanon.Marshal(&disk)
	if err != nil {
		return fmt.Errorf("supervisor: marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("supervisor: create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("supervisor: write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("supervisor: rename config into place: %w", err)
	}
	return nil
}

// Find returns the vault record for label, if configured.
func (c *Config) Find(label string) (VaultInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.Vaults {
		if v.Label == label {
			return v, true
		}
	}
	return VaultInfo{}, false
}

// Upsert inserts or replaces the record matching info.Label.
func (c *Config) Upsert(info VaultInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.Vaults {
		if v.Label == info.Label {
			c.Vaults[i] = info
			return
		}
	}
	c.Vaults = append(c.Vaults, info)
}

// Remove deletes label's record, reporting whether it existed.
func (c *Config) Remove(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.Vaults {
		if v.Label == label {
			c.Vaults = append(c.Vaults[:i], c.Vaults[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a snapshot of every configured vault.
func (c *Config) All() []VaultInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]VaultInfo(nil), c.Vaults...)
}

// EncryptPMID AES-256-CBC(PKCS7)-encrypts plaintext under the config's
// never-rotated key/IV (§6).
func (c *Config) EncryptPMID(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("supervisor: new AES cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.AESIV[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptPMID reverses EncryptPMID.
func (c *Config) DecryptPMID(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("supervisor: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(c.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("supervisor: new AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.AESIV[:]).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("supervisor: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("supervisor: invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}
