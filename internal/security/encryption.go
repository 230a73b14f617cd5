package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// kdfSaltPrefix versions the key derivation. Changing it orphans every
// existing trial record.
const kdfSaltPrefix = "trialguard/kdf/v1|"

// ErrDecrypt is returned when an envelope fails authentication under the
// current keys.
var ErrDecrypt = errors.New("envelope authentication failed")

// ErrKeysCleared is returned by operations on keys after Clear.
var ErrKeysCleared = errors.New("keys have been cleared")

// EncryptionConfig defines key derivation and AEAD parameters
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter, power of two
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Master key length in bytes
	NonceSize    int // 96-bit nonce for GCM
}

// DefaultEncryptionConfig returns the production key derivation parameters
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN <= 1 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 {
		return errors.New("SCryptR must be at least 1")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// TrialKeys holds the encryption and MAC keys derived from a fingerprint.
// Keys live only in memory. Methods are safe for concurrent use, including
// Clear.
type TrialKeys struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	encKey  []byte
	macKey  []byte
	cleared bool
}

// DeriveKeys derives the storage keys for one application on one machine:
// scrypt over the fingerprint with an application-bound salt, then HKDF
// expansion into separate encryption and MAC keys.
func DeriveKeys(fingerprint, appName string, config *EncryptionConfig) (*TrialKeys, error) {
	if fingerprint == "" {
		return nil, errors.New("fingerprint cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	salt := sha256.Sum256([]byte(kdfSaltPrefix + appName))
	master, err := scrypt.Key([]byte(fingerprint), salt[:], config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clearBytes(master)

	expand := hkdf.New(sha256.New, master, salt[:], []byte("trialguard/keys/v1"))
	encKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(expand, encKey); err != nil {
		return nil, fmt.Errorf("failed to expand encryption key: %w", err)
	}
	if _, err := io.ReadFull(expand, macKey); err != nil {
		clearBytes(encKey)
		return nil, fmt.Errorf("failed to expand mac key: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		clearBytes(encKey)
		clearBytes(macKey)
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, config.NonceSize)
	if err != nil {
		clearBytes(encKey)
		clearBytes(macKey)
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &TrialKeys{aead: aead, encKey: encKey, macKey: macKey}, nil
}

// Seal encrypts plaintext into nonce || ciphertext || tag.
func (k *TrialKeys) Seal(plaintext, additionalData []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.cleared {
		return nil, ErrKeysCleared
	}

	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open authenticates and decrypts an envelope produced by Seal. Any
// authentication failure, including truncation, returns ErrDecrypt.
func (k *TrialKeys) Open(envelope, additionalData []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.cleared {
		return nil, ErrKeysCleared
	}

	ns := k.aead.NonceSize()
	if len(envelope) < ns+k.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := k.aead.Open(nil, envelope[:ns], envelope[ns:], additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// MAC returns HMAC-SHA256 of data under the MAC key, or nil once the keys
// are cleared.
func (k *TrialKeys) MAC(data []byte) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.cleared {
		return nil
	}
	mac := hmac.New(sha256.New, k.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyMAC reports whether sum is the MAC of data.
func (k *TrialKeys) VerifyMAC(data, sum []byte) bool {
	expected := k.MAC(data)
	return expected != nil && hmac.Equal(expected, sum)
}

// Clear wipes key material. The keys are unusable afterwards.
func (k *TrialKeys) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cleared {
		return
	}
	clearBytes(k.encKey)
	clearBytes(k.macKey)
	k.aead = nil
	k.cleared = true
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
