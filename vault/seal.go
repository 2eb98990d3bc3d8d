package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	minMasterKeyLength = 16
	sealInfo           = "dte-potato/vault/passphrase/v1"
)

// sealer encrypts passphrases at rest with XChaCha20-Poly1305 under a key
// derived from the master secret.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) < minMasterKeyLength {
		return nil, ErrWeakMasterKey
	}
	h := hkdf.New(sha256.New, masterKey, nil, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive sealing key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	return &sealer{aead: aead}, nil
}

// seal returns nonce||ciphertext. The identity id is bound as associated
// data, so a sealed passphrase cannot be moved to another row.
func (s *sealer) seal(plaintext []byte, identityID string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(identityID)), nil
}

func (s *sealer) open(sealed []byte, identityID string) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrSealCorrupted
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(identityID))
	if err != nil {
		return nil, ErrSealCorrupted
	}
	return plaintext, nil
}
