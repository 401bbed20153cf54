package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KeyUsage selects the domain and iteration count for password derivation.
type KeyUsage string

const (
	// UsageVerification derives a key for password verification (100k iterations).
	UsageVerification KeyUsage = "verification"
	// UsageEncryption derives a key for at-rest encryption (150k iterations).
	UsageEncryption KeyUsage = "encryption"
)

const (
	// VerificationIterations is the PBKDF2 iteration count for verification keys.
	VerificationIterations = 100000
	// EncryptionIterations is the PBKDF2 iteration count for encryption keys.
	EncryptionIterations = 150000
	// PasswordSaltSize is the size of a freshly generated salt.
	PasswordSaltSize = 32
)

// DerivedPassword carries the derivation salt and a hash of the derived key.
// The key itself is never returned; the hash is enough to verify a password
// without persisting either the password or the raw key.
type DerivedPassword struct {
	Salt string `json:"salt"`    // base64
	Hash string `json:"keyHash"` // hex SHA-256 of the derived key bytes
}

// PasswordEnvelope is a JSON payload encrypted under a password-derived key.
type PasswordEnvelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// DeriveKeyFromPassword derives a symmetric key from a password with
// PBKDF2-SHA256. When saltB64 is empty a fresh 32-byte salt is generated.
//
// Before derivation the usage tag is XOR-mixed cyclically into a copy of the
// salt, so verification and encryption keys never coincide for the same raw
// salt. The schedule is load-bearing for existing at-rest data and must not
// change.
func DeriveKeyFromPassword(password string, saltB64 string, usage KeyUsage) (*DerivedPassword, error) {
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}

	salt, err := loadOrGeneratePasswordSalt(saltB64)
	if err != nil {
		return nil, err
	}

	key, err := deriveRawKey(password, salt, usage)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(key)
	return &DerivedPassword{
		Salt: base64.StdEncoding.EncodeToString(salt),
		Hash: hex.EncodeToString(sum[:]),
	}, nil
}

// EncryptWithPassword JSON-encodes v and encrypts it with AES-256-GCM under
// an encryption-usage key derived from the password and salt.
func EncryptWithPassword(v interface{}, password string, saltB64 string) (*PasswordEnvelope, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}

	key, err := deriveRawKey(password, salt, UsageEncryption)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &PasswordEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// DecryptWithPassword reverses EncryptWithPassword, unmarshaling the
// recovered JSON into out. A wrong password or tampered payload fails
// authentication.
func DecryptWithPassword(envelope *PasswordEnvelope, password string, saltB64 string, out interface{}) error {
	if envelope == nil {
		return errors.New("nil envelope")
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("invalid salt encoding: %w", err)
	}

	key, err := deriveRawKey(password, salt, UsageEncryption)
	if err != nil {
		return err
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return ErrDecryptFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return ErrDecryptFailed
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecryptFailed
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func deriveRawKey(password string, salt []byte, usage KeyUsage) ([]byte, error) {
	iterations, err := usageIterations(usage)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), mixUsageTag(salt, usage), iterations, 32, sha256.New), nil
}

func usageIterations(usage KeyUsage) (int, error) {
	switch usage {
	case UsageVerification:
		return VerificationIterations, nil
	case UsageEncryption:
		return EncryptionIterations, nil
	default:
		return 0, fmt.Errorf("unknown key usage %q", usage)
	}
}

// mixUsageTag XORs the usage tag cyclically into a copy of the salt. The
// original salt bytes are left untouched.
func mixUsageTag(salt []byte, usage KeyUsage) []byte {
	tag := []byte(usage)
	mixed := make([]byte, len(salt))
	copy(mixed, salt)
	for i := range mixed {
		mixed[i] ^= tag[i%len(tag)]
	}
	return mixed
}

func loadOrGeneratePasswordSalt(saltB64 string) ([]byte, error) {
	if saltB64 == "" {
		salt := make([]byte, PasswordSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		return salt, nil
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	if len(salt) == 0 {
		return nil, errors.New("empty salt")
	}
	return salt, nil
}
