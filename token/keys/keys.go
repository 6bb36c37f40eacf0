package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT algorithm (string value used in JWKs and headers)
const RS256 = "RS256"

const rsaKeyBits = 2048

// KeyPair is one signing keypair in the rotation ring. Key material is
// append-only: a pair is generated, later retired, and only pruned once its
// grace window plus the maximum access-token lifetime has elapsed.
type KeyPair struct {
	KID        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	RetiredAt  *time.Time
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`           // Key type (RSA)
	Use string `json:"use,omitempty"` // sig or enc
	Kid string `json:"kid,omitempty"` // Key ID
	Alg string `json:"alg,omitempty"` // Algorithm
	N   string `json:"n,omitempty"`   // Modulus
	E   string `json:"e,omitempty"`   // Exponent
}

// GenerateKeyPair generates a new RSA-2048 key pair for RS256 signing.
func GenerateKeyPair(kid string, createdAt time.Time) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{
		KID:        kid,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  createdAt,
	}, nil
}

// SigningMethod returns the JWT signing method for this key pair.
func (kp *KeyPair) SigningMethod() jwt.SigningMethod {
	return jwt.SigningMethodRS256
}

// Retired reports whether the key has been rotated out of active signing.
func (kp *KeyPair) Retired() bool {
	return kp.RetiredAt != nil
}

// InGrace reports whether the key may still verify tokens at time now:
// either still active, or retired less than grace ago.
func (kp *KeyPair) InGrace(now time.Time, grace time.Duration) bool {
	if kp.RetiredAt == nil {
		return true
	}
	return now.Before(kp.RetiredAt.Add(grace))
}

// ExportPublicKeyPEM exports the public key as PEM.
func (kp *KeyPair) ExportPublicKeyPEM() (string, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})

	return string(pubKeyPEM), nil
}

// ExportPrivateKeyPEM exports the RSA private key as PEM.
func (kp *KeyPair) ExportPrivateKeyPEM() (string, error) {
	privateKeyBytes := x509.MarshalPKCS1PrivateKey(kp.PrivateKey)
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	return string(privateKeyPEM), nil
}

// ToJWK converts the key pair's public key to JWK format.
func (kp *KeyPair) ToJWK() JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kp.KID,
		Alg: RS256,
		N:   base64.RawURLEncoding.EncodeToString(kp.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(kp.PublicKey.E)).Bytes()),
	}
}

// LoadKeyPairFromPEM reconstructs a key pair from its stored PEM private key.
func LoadKeyPairFromPEM(kid, privateKeyPEM string, createdAt time.Time, retiredAt *time.Time) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block for key %s", kid)
	}

	privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key %s: %w", kid, err)
	}

	return &KeyPair{
		KID:        kid,
		PrivateKey: privKey,
		PublicKey:  &privKey.PublicKey,
		CreatedAt:  createdAt,
		RetiredAt:  retiredAt,
	}, nil
}
