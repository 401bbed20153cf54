package worker

import (
	"context"
	"errors"

	"github.com/opd-ai/peerlink/crypto"
)

// ErrNoIdentity is returned from operations that need a loaded identity.
var ErrNoIdentity = errors.New("no identity loaded")

// Service exposes the crypto API through the worker. Long-term private key
// material is held only here; the rest of the application sees serialized
// payloads, public keys, and the user ID.
type Service struct {
	worker   *Worker
	identity *crypto.Identity
}

// NewService creates a Service backed by a fresh worker.
func NewService() *Service {
	return &Service{worker: New()}
}

// GenerateIdentity creates and retains a new identity, returning its public
// material only.
func (s *Service) GenerateIdentity(ctx context.Context) (string, crypto.PublicKeyJWK, error) {
	value, err := s.worker.Do(ctx, "generateIdentity", func() (interface{}, error) {
		return crypto.GenerateIdentity()
	})
	if err != nil {
		return "", crypto.PublicKeyJWK{}, err
	}
	identity := value.(*crypto.Identity)
	s.identity = identity
	return identity.UserID, identity.ExchangePublicJWK(), nil
}

// LoadIdentity imports previously exported key material and retains it.
func (s *Service) LoadIdentity(ctx context.Context, material *crypto.KeyMaterial) error {
	value, err := s.worker.Do(ctx, "importIdentity", func() (interface{}, error) {
		return crypto.ImportIdentity(material)
	})
	if err != nil {
		return err
	}
	s.identity = value.(*crypto.Identity)
	return nil
}

// UserID returns the loaded identity's user ID, or empty when none is loaded.
func (s *Service) UserID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

// ExchangePublicKey returns the loaded identity's exchange public key.
func (s *Service) ExchangePublicKey() (crypto.PublicKeyJWK, error) {
	if s.identity == nil {
		return crypto.PublicKeyJWK{}, ErrNoIdentity
	}
	return s.identity.ExchangePublicJWK(), nil
}

// ExportIdentity returns the loaded identity's serializable key material for
// password-encrypted persistence.
func (s *Service) ExportIdentity(ctx context.Context) (*crypto.KeyMaterial, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	value, err := s.worker.Do(ctx, "exportIdentity", func() (interface{}, error) {
		return s.identity.Export(), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*crypto.KeyMaterial), nil
}

// Encrypt seals plaintext for a recipient exchange key.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, recipient crypto.PublicKeyJWK) (*crypto.Envelope, error) {
	value, err := s.worker.Do(ctx, "encrypt", func() (interface{}, error) {
		return crypto.Encrypt(plaintext, recipient)
	})
	if err != nil {
		return nil, err
	}
	return value.(*crypto.Envelope), nil
}

// Decrypt opens an envelope with the loaded identity's exchange private key.
func (s *Service) Decrypt(ctx context.Context, envelope *crypto.Envelope) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	value, err := s.worker.Do(ctx, "decrypt", func() (interface{}, error) {
		return crypto.Decrypt(envelope, s.identity.ExchangeKey)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// DeriveKeyFromPassword runs the password KDF on the worker.
func (s *Service) DeriveKeyFromPassword(ctx context.Context, password, saltB64 string, usage crypto.KeyUsage) (*crypto.DerivedPassword, error) {
	value, err := s.worker.Do(ctx, "deriveKeyFromPassword", func() (interface{}, error) {
		return crypto.DeriveKeyFromPassword(password, saltB64, usage)
	})
	if err != nil {
		return nil, err
	}
	return value.(*crypto.DerivedPassword), nil
}

// EncryptWithPassword seals a JSON-serializable value under a password.
func (s *Service) EncryptWithPassword(ctx context.Context, v interface{}, password, saltB64 string) (*crypto.PasswordEnvelope, error) {
	value, err := s.worker.Do(ctx, "encryptWithPassword", func() (interface{}, error) {
		return crypto.EncryptWithPassword(v, password, saltB64)
	})
	if err != nil {
		return nil, err
	}
	return value.(*crypto.PasswordEnvelope), nil
}

// DecryptWithPassword opens a password envelope into out.
func (s *Service) DecryptWithPassword(ctx context.Context, envelope *crypto.PasswordEnvelope, password, saltB64 string, out interface{}) error {
	_, err := s.worker.Do(ctx, "decryptWithPassword", func() (interface{}, error) {
		return nil, crypto.DecryptWithPassword(envelope, password, saltB64, out)
	})
	return err
}

// Close stops the underlying worker and fails pending requests.
func (s *Service) Close() {
	s.worker.Close()
}
