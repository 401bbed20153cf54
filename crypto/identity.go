// Package crypto implements the key and identity primitives for peerlink.
//
// This package handles identity generation, per-message envelope encryption,
// password-based key derivation, and the shareable invite-key format. All
// wire-facing binary values are base64 encoded; hashes are hex encoded.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("User ID:", id.UserID)
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// IdentityVersion is the current identity format version.
const IdentityVersion = 1

// UserIDLength is the length of a hex-encoded user ID (512-bit hash).
const UserIDLength = 128

// ErrMalformedKey is returned when peer-supplied key material cannot be parsed.
var ErrMalformedKey = errors.New("malformed public key")

// PublicKeyJWK is the portable representation of a P-256 public key.
// Coordinates are base64url encoded without padding.
type PublicKeyJWK struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Identity holds a local user's long-term key material and derived user ID.
//
// The signing pair is reserved for future use; nothing is signed with it yet,
// but it is the sole input to the user ID derivation, so it must be stable
// across sessions.
type Identity struct {
	UserID      string
	SigningKey  *ecdsa.PrivateKey
	ExchangeKey *ecdh.PrivateKey
	Version     int
	CreatedAt   time.Time
}

// KeyMaterial is the JSON-serializable export of an Identity, suitable for
// password-encrypted persistence.
type KeyMaterial struct {
	UserID             string       `json:"userId"`
	SigningPublicKey   PublicKeyJWK `json:"signingPublicKey"`
	SigningPrivateKey  string       `json:"signingPrivateKey"`
	ExchangePublicKey  PublicKeyJWK `json:"exchangePublicKey"`
	ExchangePrivateKey string       `json:"exchangePrivateKey"`
	Version            int          `json:"version"`
	CreatedAt          time.Time    `json:"createdAt"`
}

// GenerateIdentity creates a new identity: a P-256 signing pair, a P-256
// Diffie-Hellman exchange pair, and the user ID derived from the signing
// public key.
func GenerateIdentity() (*Identity, error) {
	logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
	}).Info("Generating new identity")

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	exchangeKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	userID, err := DeriveUserID(signingPublicJWK(&signingKey.PublicKey))
	if err != nil {
		return nil, err
	}

	identity := &Identity{
		UserID:      userID,
		SigningKey:  signingKey,
		ExchangeKey: exchangeKey,
		Version:     IdentityVersion,
		CreatedAt:   time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
		"user_id":  userID[:8], // Log prefix only for privacy
		"version":  identity.Version,
	}).Info("Identity generated successfully")

	return identity, nil
}

// DeriveUserID computes the user ID for a signing public key: the hex-encoded
// SHA-512 of the key's canonical JWK encoding. Identical key material always
// yields the identical ID.
func DeriveUserID(signingPublic PublicKeyJWK) (string, error) {
	canonical, err := json.Marshal(signingPublic)
	if err != nil {
		return "", fmt.Errorf("failed to encode signing key: %w", err)
	}
	sum := sha512.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ExchangePublicJWK returns the identity's exchange public key in portable form.
func (id *Identity) ExchangePublicJWK() PublicKeyJWK {
	return exchangePublicJWK(id.ExchangeKey.PublicKey())
}

// SigningPublicJWK returns the identity's signing public key in portable form.
func (id *Identity) SigningPublicJWK() PublicKeyJWK {
	return signingPublicJWK(&id.SigningKey.PublicKey)
}

// Export converts the identity into its JSON-serializable key material.
func (id *Identity) Export() *KeyMaterial {
	return &KeyMaterial{
		UserID:             id.UserID,
		SigningPublicKey:   id.SigningPublicJWK(),
		SigningPrivateKey:  base64.RawURLEncoding.EncodeToString(id.SigningKey.D.Bytes()),
		ExchangePublicKey:  id.ExchangePublicJWK(),
		ExchangePrivateKey: base64.RawURLEncoding.EncodeToString(id.ExchangeKey.Bytes()),
		Version:            id.Version,
		CreatedAt:          id.CreatedAt,
	}
}

// ImportIdentity reconstructs an Identity from exported key material and
// verifies that the stored user ID still matches the signing key.
func ImportIdentity(material *KeyMaterial) (*Identity, error) {
	if material == nil {
		return nil, errors.New("nil key material")
	}

	signingKey, err := importSigningKey(material)
	if err != nil {
		return nil, err
	}

	exchangeRaw, err := base64.RawURLEncoding.DecodeString(material.ExchangePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange private key encoding: %w", err)
	}
	exchangeKey, err := ecdh.P256().NewPrivateKey(exchangeRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange private key: %w", err)
	}

	userID, err := DeriveUserID(signingPublicJWK(&signingKey.PublicKey))
	if err != nil {
		return nil, err
	}
	if material.UserID != "" && material.UserID != userID {
		return nil, errors.New("user ID does not match signing key")
	}

	return &Identity{
		UserID:      userID,
		SigningKey:  signingKey,
		ExchangeKey: exchangeKey,
		Version:     material.Version,
		CreatedAt:   material.CreatedAt,
	}, nil
}

func importSigningKey(material *KeyMaterial) (*ecdsa.PrivateKey, error) {
	d, err := base64.RawURLEncoding.DecodeString(material.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing private key encoding: %w", err)
	}
	x, y, err := decodeJWKPoint(material.SigningPublicKey)
	if err != nil {
		return nil, err
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         new(big.Int).SetBytes(d),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, ErrMalformedKey
	}
	return key, nil
}

// ImportExchangeKey converts a portable public key into a usable P-256 key.
func ImportExchangeKey(jwk PublicKeyJWK) (*ecdh.PublicKey, error) {
	x, y, err := decodeJWKPoint(jwk)
	if err != nil {
		return nil, err
	}

	// Uncompressed point: 0x04 || X || Y, coordinates padded to 32 bytes.
	point := make([]byte, 65)
	point[0] = 4
	x.FillBytes(point[1:33])
	y.FillBytes(point[33:65])

	key, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return key, nil
}

// ParseExchangeKey parses a peer-supplied exchange public key. The payload is
// tried as JSON first, then as base64-wrapped JSON; if both fail the key is
// rejected as malformed.
func ParseExchangeKey(payload string) (*PublicKeyJWK, error) {
	if payload == "" {
		return nil, ErrMalformedKey
	}

	var jwk PublicKeyJWK
	if err := json.Unmarshal([]byte(payload), &jwk); err == nil {
		if err := validateJWK(jwk); err != nil {
			return nil, err
		}
		return &jwk, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ParseExchangeKey",
			"error":    err,
		}).Warn("Public key payload is neither JSON nor base64")
		return nil, ErrMalformedKey
	}
	if err := json.Unmarshal(decoded, &jwk); err != nil {
		return nil, ErrMalformedKey
	}
	if err := validateJWK(jwk); err != nil {
		return nil, err
	}
	return &jwk, nil
}

func validateJWK(jwk PublicKeyJWK) error {
	if jwk.Kty != "EC" || jwk.Crv != "P-256" || jwk.X == "" || jwk.Y == "" {
		return ErrMalformedKey
	}
	if _, err := ImportExchangeKey(jwk); err != nil {
		return err
	}
	return nil
}

func decodeJWKPoint(jwk PublicKeyJWK) (*big.Int, *big.Int, error) {
	xb, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, nil, ErrMalformedKey
	}
	yb, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, nil, ErrMalformedKey
	}
	if len(xb) == 0 || len(xb) > 32 || len(yb) == 0 || len(yb) > 32 {
		return nil, nil, ErrMalformedKey
	}
	return new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb), nil
}

func signingPublicJWK(pub *ecdsa.PublicKey) PublicKeyJWK {
	return pointJWK(pub.X, pub.Y)
}

func exchangePublicJWK(pub *ecdh.PublicKey) PublicKeyJWK {
	raw := pub.Bytes() // uncompressed point
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return pointJWK(x, y)
}

func pointJWK(x, y *big.Int) PublicKeyJWK {
	var xb, yb [32]byte
	x.FillBytes(xb[:])
	y.FillBytes(yb[:])
	return PublicKeyJWK{
		Crv: "P-256",
		Kty: "EC",
		X:   base64.RawURLEncoding.EncodeToString(xb[:]),
		Y:   base64.RawURLEncoding.EncodeToString(yb[:]),
	}
}
