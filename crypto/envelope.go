package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// EnvelopeAlgorithm tags the envelope format: ephemeral P-256 ECDH with
// AES-256-GCM.
const EnvelopeAlgorithm = "ECDH-P256-AES256GCM"

// NonceSize is the AES-GCM nonce size in bytes.
const NonceSize = 12

// MaxMessageSize limits plaintext size (1MB) to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// ErrDecryptFailed is returned when an envelope fails authenticated
// decryption. This is an integrity guarantee, not a retryable condition.
var ErrDecryptFailed = errors.New("decryption failed: envelope tampered or key mismatch")

// Envelope is an encrypted message payload. All binary values are base64
// encoded with the standard alphabet; EphemeralPublicKey wraps the sender's
// single-use key in its JWK form.
type Envelope struct {
	Ciphertext         string `json:"ciphertext"`
	Nonce              string `json:"nonce"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	Algorithm          string `json:"algorithm"`
}

// Encrypt encrypts plaintext for the holder of the recipient exchange key.
//
// A fresh ephemeral key pair is generated per call and discarded after the
// Diffie-Hellman agreement, giving forward secrecy per message. The 32-byte
// shared secret is used directly as the AES-256-GCM key and never leaves this
// function.
func Encrypt(plaintext []byte, recipient PublicKeyJWK) (*Envelope, error) {
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	recipientKey, err := ImportExchangeKey(recipient)
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeral.ECDH(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	ephemeralJWK, err := json.Marshal(exchangePublicJWK(ephemeral.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode ephemeral key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Encrypt",
		"plaintext_bytes": len(plaintext),
	}).Debug("Message encrypted")

	return &Envelope{
		Ciphertext:         base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:              base64.StdEncoding.EncodeToString(nonce),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeralJWK),
		Algorithm:          EnvelopeAlgorithm,
	}, nil
}

// Decrypt opens an envelope with the local exchange private key. Any
// tampering with the ciphertext, nonce, or ephemeral key makes authentication
// fail and the envelope is rejected.
func Decrypt(envelope *Envelope, exchangeKey *ecdh.PrivateKey) ([]byte, error) {
	if envelope == nil {
		return nil, errors.New("nil envelope")
	}
	// Envelopes arrive from untrusted peers, so a missing tag is rejected
	// the same as a wrong one.
	if envelope.Algorithm != EnvelopeAlgorithm {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", envelope.Algorithm)
	}

	ephemeralJWK, err := ParseExchangeKey(envelope.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	ephemeralKey, err := ImportExchangeKey(*ephemeralJWK)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	sharedSecret, err := exchangeKey.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
		}).Warn("Envelope failed authentication")
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
