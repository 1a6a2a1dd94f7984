package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/pbkdf2"

	"equation_consensus/pkg/data"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	keyLength       = 32

	tokenIssuer = "equation_consensus"
)

// ErrTokenAuthDisabled is returned by token operations when no JWT
// passphrase was configured
var ErrTokenAuthDisabled = errors.New("token authentication not configured")

// KeyPair represents a cryptographic key pair
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Algorithm  string
	Created    time.Time
}

// Token represents an authentication token
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    jwt.Claims
}

// CryptoManager manages verdict signing and API token operations
type CryptoManager struct {
	activeKeyPair *KeyPair
	jwtSecret     []byte
}

// NewCryptoManager creates a crypto manager. The JWT secret is derived
// from the configured passphrase so the raw passphrase never signs
// tokens. An empty passphrase leaves token operations disabled; verdict
// signing and verification work either way.
func NewCryptoManager(keyPair *KeyPair, jwtPassphrase string) (*CryptoManager, error) {
	if keyPair == nil {
		return nil, fmt.Errorf("key pair is required")
	}

	cm := &CryptoManager{activeKeyPair: keyPair}
	if jwtPassphrase != "" {
		salt := sha256.Sum256(keyPair.PublicKey)
		cm.jwtSecret = DeriveKey([]byte(jwtPassphrase), salt[:])
	}
	return cm, nil
}

// GenerateKeyPair creates a new cryptographic key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// LoadOrCreateKeyPair reads the key pair from keyFile, generating and
// persisting a fresh one when the file does not exist yet.
func LoadOrCreateKeyPair(keyFile string) (*KeyPair, error) {
	raw, err := os.ReadFile(keyFile)
	if err == nil {
		seed, decErr := hex.DecodeString(string(raw))
		if decErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s is corrupt", keyFile)
		}
		privateKey := ed25519.NewKeyFromSeed(seed)
		return &KeyPair{
			PublicKey:  privateKey.Public().(ed25519.PublicKey),
			PrivateKey: privateKey,
			Algorithm:  "Ed25519",
			Created:    time.Now(),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(keyFile), 0o700); mkErr != nil {
		return nil, fmt.Errorf("creating key directory: %w", mkErr)
	}
	encoded := hex.EncodeToString(keyPair.PrivateKey.Seed())
	if wrErr := os.WriteFile(keyFile, []byte(encoded), 0o600); wrErr != nil {
		return nil, fmt.Errorf("persisting key file: %w", wrErr)
	}
	return keyPair, nil
}

// Sign creates a digital signature for data
func (cm *CryptoManager) Sign(payload []byte) ([]byte, error) {
	if len(cm.activeKeyPair.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key not available")
	}

	return ed25519.Sign(cm.activeKeyPair.PrivateKey, payload), nil
}

// Verify checks a digital signature
func (cm *CryptoManager) Verify(payload, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, payload, signature)
}

// SignVerdict attaches a signature over the verdict's canonical bytes
func (cm *CryptoManager) SignVerdict(v *data.Verdict) error {
	signature, err := cm.Sign(v.SigningBytes())
	if err != nil {
		return fmt.Errorf("signing verdict %s: %w", v.ID, err)
	}
	v.Signature = signature
	return nil
}

// VerifyVerdict checks the verdict's signature against the given public key
func (cm *CryptoManager) VerifyVerdict(v *data.Verdict, publicKey ed25519.PublicKey) bool {
	if len(v.Signature) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, v.SigningBytes(), v.Signature)
}

// PublicKey returns the active signing public key
func (cm *CryptoManager) PublicKey() ed25519.PublicKey {
	return cm.activeKeyPair.PublicKey
}

// ExportPublicKey exports the public key in base64 form
func (cm *CryptoManager) ExportPublicKey() string {
	return base64.StdEncoding.EncodeToString(cm.activeKeyPair.PublicKey)
}

// GenerateToken creates a new JWT token for the given subject
func (cm *CryptoManager) GenerateToken(subject string, duration time.Duration) (*Token, error) {
	if len(cm.jwtSecret) == 0 {
		return nil, ErrTokenAuthDisabled
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(cm.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Token{
		Value:     signedToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(duration),
		Claims:    claims,
	}, nil
}

// ValidateToken validates a JWT token
func (cm *CryptoManager) ValidateToken(tokenString string) (jwt.Claims, error) {
	if len(cm.jwtSecret) == 0 {
		return nil, ErrTokenAuthDisabled
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cm.jwtSecret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token.Claims, nil
}

// HashData creates a cryptographic hash of data
func (cm *CryptoManager) HashData(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// DeriveKey derives a key from a passphrase
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, pbkdfIterations, keyLength, sha256.New)
}
