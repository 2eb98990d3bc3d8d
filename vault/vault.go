// Package vault stores issuer signing identities (PKCS#12 blobs) with their
// passphrases sealed at rest, and unlocks them on demand.
package vault

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/LdDl/dte-potato/utils"
	"github.com/ddulesov/gogost/gost34112012256"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"software.sslmate.com/src/go-pkcs12"
)

// Sentinel errors
var (
	ErrNoValidCertificate = fmt.Errorf("no valid signing certificate")
	ErrWrongPassphrase    = fmt.Errorf("wrong PKCS#12 passphrase")
	ErrInvalidIdentity    = fmt.Errorf("invalid PKCS#12 identity")
	ErrUnsupportedKey     = fmt.Errorf("unsupported private key type (RSA required)")
	ErrKeyMismatch        = fmt.Errorf("private key does not match certificate")
	ErrCertificateExpired = fmt.Errorf("certificate is expired or not yet valid")
	ErrAlreadyRegistered  = fmt.Errorf("certificate already registered for issuer")
	ErrKeyReleased        = fmt.Errorf("signing key already released")
	ErrWeakMasterKey      = fmt.Errorf("vault master key is too short")
	ErrSealCorrupted      = fmt.Errorf("sealed passphrase cannot be opened")
)

// SigningIdentity is a registered PKCS#12 identity. Blob and passphrase are
// never serialized to API responses.
type SigningIdentity struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	IssuerID         string    `gorm:"size:16;not null;index;uniqueIndex:idx_identity_fingerprint,priority:1" json:"issuer_id"`
	Blob             []byte    `gorm:"not null" json:"-"`
	SealedPassphrase []byte    `gorm:"not null" json:"-"`
	Fingerprint      string    `gorm:"size:64;not null;uniqueIndex:idx_identity_fingerprint,priority:2" json:"fingerprint"`
	Subject          string    `json:"subject"`
	SerialNumber     string    `json:"serial_number"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `gorm:"index" json:"not_after"`
	CreatedAt        time.Time `json:"created_at"`
}

func (SigningIdentity) TableName() string {
	return "signing_identities"
}

// Migrate creates or updates the vault tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SigningIdentity{})
}

// Vault manages signing identities
type Vault struct {
	db     *gorm.DB
	sealer *sealer
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Vault
type Option func(*Vault)

// WithClock overrides the clock used for validity checks
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New creates a vault. The master key seals passphrases and must be kept
// outside the database.
func New(db *gorm.DB, masterKey []byte, logger *zap.Logger, opts ...Option) (*Vault, error) {
	s, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Vault{
		db:     db,
		sealer: s,
		logger: logger.With(zap.String("component", "vault")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Register validates the PKCS#12 blob with its passphrase and stores it.
func (v *Vault) Register(ctx context.Context, issuerID string, blob []byte, passphrase string) (*SigningIdentity, error) {
	issuer, err := utils.NormalizeRUT(issuerID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidIdentity, err.Error())
	}

	// 1. Decode and check the key pair
	key, cert, _, err := decodeIdentity(blob, passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	// 2. Reject certificates outside their validity window
	now := v.now()
	if now.Before(cert.NotBefore) || !now.Before(cert.NotAfter) {
		return nil, errors.Wrapf(ErrCertificateExpired, "valid %s to %s",
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	// 3. Fingerprint and duplicate check
	fingerprint := Fingerprint(cert)
	var count int64
	err = v.db.WithContext(ctx).Model(&SigningIdentity{}).
		Where("issuer_id = ? AND fingerprint = ?", issuer, fingerprint).
		Count(&count).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up identity")
	}
	if count > 0 {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "fingerprint %s", fingerprint)
	}

	// 4. Seal the passphrase bound to the new row id
	id := uuid.NewString()
	sealed, err := v.sealer.seal([]byte(passphrase), id)
	if err != nil {
		return nil, err
	}

	identity := &SigningIdentity{
		ID:               id,
		IssuerID:         issuer,
		Blob:             append([]byte(nil), blob...),
		SealedPassphrase: sealed,
		Fingerprint:      fingerprint,
		Subject:          cert.Subject.String(),
		SerialNumber:     cert.SerialNumber.String(),
		NotBefore:        cert.NotBefore.UTC(),
		NotAfter:         cert.NotAfter.UTC(),
		CreatedAt:        now.UTC(),
	}
	if err := v.db.WithContext(ctx).Create(identity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Wrapf(ErrAlreadyRegistered, "fingerprint %s", fingerprint)
		}
		return nil, errors.Wrap(err, "failed to store identity")
	}

	v.logger.Info("signing identity registered",
		zap.String("issuer_id", issuer),
		zap.String("identity_id", id),
		zap.String("fingerprint", fingerprint),
		zap.Time("not_after", identity.NotAfter),
	)
	return identity, nil
}

// GetSigningKey unlocks the most recently registered identity of the issuer
// that has not expired. Identities that fail to unlock are skipped. The
// caller must Release the key.
func (v *Vault) GetSigningKey(ctx context.Context, issuerID string) (*SigningKey, error) {
	issuer, err := utils.NormalizeRUT(issuerID)
	if err != nil {
		return nil, errors.Wrap(ErrNoValidCertificate, err.Error())
	}
	now := v.now()

	var identities []SigningIdentity
	err = v.db.WithContext(ctx).
		Where("issuer_id = ? AND not_after > ?", issuer, now.UTC()).
		Order("created_at desc").Order("not_after desc").
		Find(&identities).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load identities")
	}

	for i := range identities {
		identity := &identities[i]
		if now.Before(identity.NotBefore) {
			continue
		}
		key, err := v.unlock(identity, now)
		if err != nil {
			v.logger.Warn("skipping signing identity",
				zap.String("issuer_id", issuer),
				zap.String("identity_id", identity.ID),
				zap.Error(err),
			)
			continue
		}
		return key, nil
	}
	return nil, errors.Wrapf(ErrNoValidCertificate, "issuer %s", issuer)
}

func (v *Vault) unlock(identity *SigningIdentity, now time.Time) (*SigningKey, error) {
	passphrase, err := v.sealer.open(identity.SealedPassphrase, identity.ID)
	if err != nil {
		return nil, err
	}
	defer clear(passphrase)

	key, cert, chain, err := decodeIdentity(identity.Blob, string(passphrase))
	if err != nil {
		return nil, err
	}
	if now.Before(cert.NotBefore) || !now.Before(cert.NotAfter) {
		zeroKey(key)
		return nil, ErrCertificateExpired
	}

	ders := make([][]byte, 0, len(chain)+1)
	ders = append(ders, cert.Raw)
	for _, c := range chain {
		ders = append(ders, c.Raw)
	}
	return &SigningKey{
		IdentityID:  identity.ID,
		Fingerprint: identity.Fingerprint,
		Certificate: cert,
		key:         key,
		chain:       ders,
	}, nil
}

// List returns identity metadata of an issuer, newest first. An empty issuer
// lists every identity.
func (v *Vault) List(ctx context.Context, issuerID string) ([]SigningIdentity, error) {
	q := v.db.WithContext(ctx).
		Select("id", "issuer_id", "fingerprint", "subject", "serial_number", "not_before", "not_after", "created_at")
	if issuerID != "" {
		issuer, err := utils.NormalizeRUT(issuerID)
		if err != nil {
			return nil, err
		}
		q = q.Where("issuer_id = ?", issuer)
	}
	var identities []SigningIdentity
	if err := q.Order("created_at desc").Find(&identities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list identities")
	}
	return identities, nil
}

// decodeIdentity unpacks a PKCS#12 blob and requires an RSA key that matches
// the leaf certificate.
func decodeIdentity(blob []byte, passphrase string) (*rsa.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	priv, cert, chain, err := pkcs12.DecodeChain(blob, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, nil, nil, ErrWrongPassphrase
		}
		return nil, nil, nil, errors.Wrap(ErrInvalidIdentity, err.Error())
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, nil, errors.Wrapf(ErrUnsupportedKey, "got %T", priv)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !key.PublicKey.Equal(pub) {
		zeroKey(key)
		return nil, nil, nil, ErrKeyMismatch
	}
	return key, cert, chain, nil
}

// Fingerprint is the hex Streebog-256 digest of the DER certificate
func Fingerprint(cert *x509.Certificate) string {
	h := gost34112012256.New()
	h.Write(cert.Raw)
	return hex.EncodeToString(h.Sum(nil))
}

// SigningKey is an unlocked identity. It satisfies the key store interfaces
// of the XML signer.
type SigningKey struct {
	IdentityID  string
	Fingerprint string
	Certificate *x509.Certificate

	mu    sync.Mutex
	key   *rsa.PrivateKey
	chain [][]byte
}

// PrivateKey returns the RSA key, or nil after Release
func (k *SigningKey) PrivateKey() *rsa.PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.key
}

// GetKeyPair implements dsig.X509KeyStore
func (k *SigningKey) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		return nil, nil, ErrKeyReleased
	}
	return k.key, k.Certificate.Raw, nil
}

// GetChain implements dsig.X509ChainStore, leaf first
func (k *SigningKey) GetChain() ([][]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		return nil, ErrKeyReleased
	}
	return k.chain, nil
}

// Matches reports whether der is this key's certificate
func (k *SigningKey) Matches(der []byte) bool {
	return bytes.Equal(k.Certificate.Raw, der)
}

// Release wipes the private exponents. Safe to call more than once.
func (k *SigningKey) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		return
	}
	zeroKey(k.key)
	k.key = nil
}

func zeroKey(key *rsa.PrivateKey) {
	if key == nil {
		return
	}
	zeroInt(key.D)
	for _, p := range key.Primes {
		zeroInt(p)
	}
	zeroInt(key.Precomputed.Dp)
	zeroInt(key.Precomputed.Dq)
	zeroInt(key.Precomputed.Qinv)
}

func zeroInt(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}
