// Package crypto seals wallet credentials at rest, signs CLOB orders with
// EIP-712, and produces the HMAC headers used by the CLOB API and the geo
// relay.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	DefaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	sealVersion       = 1
)

type sealedJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts small secrets with AES-256-GCM under a key derived from a
// passphrase with PBKDF2. Each Sealer draws one random salt at construction;
// derived keys are cached per salt so opening many records costs one
// derivation.
type Sealer struct {
	password   []byte
	iterations int
	salt       []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewSealer creates a Sealer. iterations <= 0 selects DefaultIterations.
func NewSealer(password string, iterations int) (*Sealer, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return &Sealer{
		password:   []byte(password),
		iterations: iterations,
		salt:       salt,
		aeads:      make(map[string]cipher.AEAD),
	}, nil
}

// Seal encrypts plaintext and returns a self-describing JSON blob.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := s.aead(s.salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return json.Marshal(sealedJSON{
		Version:    sealVersion,
		Salt:       base64.StdEncoding.EncodeToString(s.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	})
}

// Open decrypts a blob produced by any Sealer sharing this password.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	var stored sealedJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed blob: %w", err)
	}
	if stored.Version != sealVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aeads[string(salt)]; ok {
		return a, nil
	}
	key := pbkdf2.Key(s.password, salt, s.iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	s.aeads[string(salt)] = gcm
	return gcm, nil
}

// KeyConfig says where a wallet's private key is read from when it is
// imported into the credential vault.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x. It wins when set.
	RawPrivateKey string
	// EncryptedKeyPath is a file holding a sealed hex key.
	EncryptedKeyPath string
	KeyPassword      string
}

// LoadKey resolves a hex private key (without 0x) from cfg.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		return normalizeKeyHex(cfg.RawPrivateKey)
	}
	if cfg.EncryptedKeyPath == "" {
		return "", errors.New("crypto: no private key source configured")
	}
	blob, err := os.ReadFile(cfg.EncryptedKeyPath)
	if err != nil {
		return "", fmt.Errorf("crypto: reading encrypted key file: %w", err)
	}
	s, err := NewSealer(cfg.KeyPassword, 0)
	if err != nil {
		return "", err
	}
	plain, err := s.Open(blob)
	if err != nil {
		return "", err
	}
	return normalizeKeyHex(string(plain))
}

func normalizeKeyHex(k string) (string, error) {
	k = strings.TrimPrefix(strings.TrimSpace(k), "0x")
	raw, err := hex.DecodeString(k)
	if err != nil {
		return "", fmt.Errorf("crypto: private key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(raw))
	}
	return k, nil
}
