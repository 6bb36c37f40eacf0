// Package tenantcrypto protects third-party provider credentials at rest.
// Each tenant's symmetric key is derived on demand from a single root
// secret, so no tenant key is ever persisted, and every ciphertext is bound
// to its (tenant, user, provider) tuple through the GCM associated data.
package tenantcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/strydr/strydr-auth/internal/oautherr"
)

const (
	// RootSecretLength is the required byte length of the root secret.
	RootSecretLength = 32

	derivedKeyLength = 32
	nonceLength      = 12

	// derivationSalt versions the key derivation. Changing it is a root
	// rotation: every stored credential must be re-encrypted.
	derivationSalt = "strydr-tenant-key-v1"
)

// Bundle is one sealed credential. The GCM tag is carried inside
// Ciphertext; the associated data is reconstructed from the requested
// tuple at open time.
type Bundle struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// RootSecret is the injected root encryption secret. It is loaded once at
// process start and passed explicitly into the Cipher; rotation happens
// through an explicit re-encryption migration, never in place.
type RootSecret struct {
	key [RootSecretLength]byte
}

// RootSecretFromBase64 decodes a base64 standard-encoded 32-byte secret.
func RootSecretFromBase64(encoded string) (*RootSecret, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[RootSecretFromBase64] invalid base64 encoding")
	}
	return RootSecretFromBytes(raw)
}

// RootSecretFromBytes wraps raw key bytes, enforcing the exact length.
func RootSecretFromBytes(raw []byte) (*RootSecret, error) {
	if len(raw) != RootSecretLength {
		return nil, errors.Errorf("[RootSecretFromBytes] root secret must be exactly %d bytes, got %d", RootSecretLength, len(raw))
	}
	var rs RootSecret
	copy(rs.key[:], raw)
	return &rs, nil
}

// GenerateRootSecret creates a random root secret. Intended for development
// and for preparing a rotation target.
func GenerateRootSecret() (*RootSecret, error) {
	var rs RootSecret
	if _, err := rand.Read(rs.key[:]); err != nil {
		return nil, errors.Wrap(err, "[GenerateRootSecret] rand.Read")
	}
	return &rs, nil
}

// Base64 returns the standard-encoded secret for operator handover.
func (rs *RootSecret) Base64() string {
	return base64.StdEncoding.EncodeToString(rs.key[:])
}

// Cipher performs tenant-scoped authenticated encryption.
type Cipher struct {
	root *RootSecret
}

func NewCipher(root *RootSecret) (*Cipher, error) {
	if root == nil {
		return nil, errors.New("[NewCipher] root secret is required")
	}
	return &Cipher{root: root}, nil
}

// DeriveKey produces the tenant's symmetric key: a deterministic one-way
// HKDF-SHA256 expansion of the root secret over the tenant id.
func (c *Cipher) DeriveKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("[Cipher.DeriveKey] tenantID is required")
	}
	reader := hkdf.New(sha256.New, c.root.key[:], []byte(derivationSalt), []byte(tenantID))
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.Wrap(err, "[Cipher.DeriveKey] hkdf read")
	}
	return key, nil
}

// Encrypt seals plaintext under the tenant's derived key, binding the
// associated data to the exact (tenant, user, provider) tuple.
func (c *Cipher) Encrypt(tenantID, userID, provider string, plaintext []byte) (*Bundle, error) {
	gcm, err := c.gcmForTenant(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[Cipher.Encrypt] rand.Read")
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, associatedData(tenantID, userID, provider))
	return &Bundle{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens a bundle. Any mismatch in the bound tuple, a foreign
// tenant's key or a tampered ciphertext fails closed with
// EncryptionIntegrityFailure; garbage is never returned.
func (c *Cipher) Decrypt(tenantID, userID, provider string, bundle *Bundle) ([]byte, error) {
	if bundle == nil || len(bundle.Nonce) != nonceLength {
		return nil, oautherr.ErrEncryptionIntegrity
	}
	gcm, err := c.gcmForTenant(tenantID)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, bundle.Nonce, bundle.Ciphertext, associatedData(tenantID, userID, provider))
	if err != nil {
		return nil, oautherr.ErrEncryptionIntegrity
	}
	return plaintext, nil
}

// ReEncrypt opens a bundle under this cipher and seals it under target.
// Used by the root-secret rotation migration; the old root secret may only
// be discarded once every stored credential has been re-encrypted.
func (c *Cipher) ReEncrypt(target *Cipher, tenantID, userID, provider string, bundle *Bundle) (*Bundle, error) {
	plaintext, err := c.Decrypt(tenantID, userID, provider, bundle)
	if err != nil {
		return nil, err
	}
	return target.Encrypt(tenantID, userID, provider, plaintext)
}

func (c *Cipher) gcmForTenant(tenantID string) (cipher.AEAD, error) {
	key, err := c.DeriveKey(tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "[Cipher] aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "[Cipher] cipher.NewGCM")
	}
	return gcm, nil
}

func associatedData(tenantID, userID, provider string) []byte {
	// Length-prefixed fields so ("ab","c") can never collide with ("a","bc").
	out := make([]byte, 0, len(tenantID)+len(userID)+len(provider)+6)
	for _, field := range []string{tenantID, userID, provider} {
		out = binary.AppendUvarint(out, uint64(len(field)))
		out = append(out, field...)
	}
	return out
}
