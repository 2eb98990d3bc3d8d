package issuer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/LdDl/dte-potato/caf"
	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/signer"
	"github.com/LdDl/dte-potato/storage"
	"github.com/LdDl/dte-potato/vault"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	testIssuer     = "76192083-9"
	testPassphrase = "papas-fritas"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func testNow() time.Time {
	return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
}

type testEnv struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	vault     *vault.Vault
	service   *Service
	authority *rsa.PrivateKey
}

func createTestEnv(t *testing.T, opts ...Option) *testEnv {
	db, err := storage.OpenMemory(nil)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, ledger.Migrate, vault.Migrate))
	t.Cleanup(func() { storage.Close(db) })

	l := ledger.New(db, nil, ledger.WithClock(testNow))
	v, err := vault.New(db, testMasterKey, nil, vault.WithClock(testNow))
	require.NoError(t, err)

	authority, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	opts = append([]Option{WithClock(testNow)}, opts...)
	return &testEnv{
		db:        db,
		ledger:    l,
		vault:     v,
		service:   New(l, v, nil, opts...),
		authority: authority,
	}
}

func (e *testEnv) registerCertificate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "COMERCIAL POTATO SPA", SerialNumber: testIssuer},
		NotBefore:    testNow().AddDate(0, -1, 0),
		NotAfter:     testNow().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	blob, err := pkcs12.Modern.Encode(key, cert, nil, testPassphrase)
	require.NoError(t, err)

	_, err = e.vault.Register(context.Background(), testIssuer, blob, testPassphrase)
	require.NoError(t, err)
}

func (e *testEnv) authorizationFile(t *testing.T, docType dte.DocumentType, start, end int64, authorizedAt time.Time) []byte {
	data, err := caf.Issue(caf.Grant{
		IssuerRUT:    testIssuer,
		IssuerName:   "COMERCIAL POTATO SPA",
		DocumentType: docType,
		Start:        start,
		End:          end,
		AuthorizedAt: authorizedAt,
		KeyID:        100,
	}, e.authority)
	require.NoError(t, err)
	return data
}

func (e *testEnv) importRange(t *testing.T, docType dte.DocumentType, start, end int64) *ledger.FolioRange {
	r, err := e.service.ImportAuthorizedRange(context.Background(),
		e.authorizationFile(t, docType, start, end, testNow().AddDate(0, 0, -10)), ImportOptions{})
	require.NoError(t, err)
	return r
}

func testRequest(docType dte.DocumentType) Request {
	req := Request{
		DocumentType: int(docType),
		IssuerID:     testIssuer,
		Header: dte.Header{
			EmissionDate: testNow(),
			Issuer: dte.Party{
				Name: "Comercial Potato SpA", Activity: "Venta al por menor",
				Address: "Av. Providencia 1234", Commune: "Providencia",
			},
			Receiver: &dte.Party{
				RUT: "12345678-5", Name: "Cliente Ltda", Activity: "Servicios",
				Address: "Calle Falsa 123", Commune: "Santiago",
			},
		},
		Lines: []dte.Line{{
			Name: "Papas", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(100000),
		}},
	}
	if docType.IsCorrection() {
		req.References = []dte.Reference{{
			DocumentType: dte.Factura.ReferenceCode(), Folio: 1, Date: testNow().AddDate(0, 0, -1),
			Reason: dte.ReasonFixAmounts, Text: "Corrige montos",
		}}
	}
	return req
}

// go test -timeout 60s -run ^TestIssueDocumentRoundTrip$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentRoundTrip(t *testing.T) {
	env := createTestEnv(t)
	env.registerCertificate(t)
	ctx := context.Background()

	for _, docType := range dte.DocumentTypes() {
		r := env.importRange(t, docType, 1000, 1099)

		res, err := env.service.IssueDocument(ctx, testRequest(docType))
		require.NoError(t, err, "type %d", docType)
		assert.Equal(t, int64(1000), res.Folio)
		assert.Equal(t, r.ID, res.RangeID)
		assert.Equal(t, 1, res.Attempts)

		v, err := signer.Verify(res.Signed)
		require.NoError(t, err, "type %d", docType)
		assert.Equal(t, res.Totals.Total, v.Stamp.Fields.Total)
		assert.Equal(t, int64(1000), v.Stamp.Fields.Folio)
		assert.Equal(t, docType, v.Stamp.Fields.Type)

		stored, err := env.ledger.Document(ctx, res.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, res.Signed, stored.Content)
	}
}

// go test -timeout 60s -run ^TestIssueDocumentTotals$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentTotals(t *testing.T) {
	env := createTestEnv(t)
	env.registerCertificate(t)
	env.importRange(t, dte.Factura, 1, 10)
	env.importRange(t, dte.BoletaHonorarios, 1, 10)
	ctx := context.Background()

	res, err := env.service.IssueDocument(ctx, testRequest(dte.Factura))
	require.NoError(t, err)
	assert.Equal(t, int64(100000), res.Totals.Net)
	assert.Equal(t, int64(19000), res.Totals.Tax)
	assert.Equal(t, int64(119000), res.Totals.Total)

	req := testRequest(dte.BoletaHonorarios)
	req.Lines[0].UnitPrice = decimal.NewFromInt(2200000)
	res, err = env.service.IssueDocument(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(220000), res.Totals.Withholding)
	assert.Equal(t, int64(1980000), res.Totals.Liquid)
}

// go test -timeout 30s -run ^TestIssueDocumentValidationKeepsFolio$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentValidationKeepsFolio(t *testing.T) {
	env := createTestEnv(t)
	env.registerCertificate(t)
	env.importRange(t, dte.NotaCredito, 1, 10)
	ctx := context.Background()

	req := testRequest(dte.NotaCredito)
	req.References = nil
	_, err := env.service.IssueDocument(ctx, req)
	require.True(t, errors.Is(err, dte.ErrValidation))
	var verr *dte.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("references"))

	req = testRequest(dte.Factura)
	req.Header.Issuer.RUT = "12345678-5"
	_, err = env.service.IssueDocument(ctx, req)
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("header.issuer.rut"))

	req = testRequest(dte.Factura)
	req.DocumentType = 99
	req.IssuerID = "bogus"
	_, err = env.service.IssueDocument(ctx, req)
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("document_type"))
	assert.True(t, verr.Has("issuer_id"))

	res, err := env.service.IssueDocument(ctx, testRequest(dte.NotaCredito))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Folio, "Rejected requests consume no folio")
}

// go test -timeout 30s -run ^TestIssueDocumentFailures$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentFailures(t *testing.T) {
	env := createTestEnv(t)
	env.importRange(t, dte.Factura, 1, 10)
	ctx := context.Background()

	_, err := env.service.IssueDocument(ctx, testRequest(dte.Factura))
	assert.True(t, errors.Is(err, vault.ErrNoValidCertificate), "got %v", err)

	env.registerCertificate(t)
	_, err = env.service.IssueDocument(ctx, testRequest(dte.Boleta))
	assert.True(t, errors.Is(err, ledger.ErrNoRangeAvailable), "got %v", err)

	res, err := env.service.IssueDocument(ctx, testRequest(dte.Factura))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Folio, "Failed issuance consumed no folio")
}

// go test -timeout 120s -run ^TestIssueBatchConcurrent$ github.com/LdDl/dte-potato/issuer
func TestIssueBatchConcurrent(t *testing.T) {
	env := createTestEnv(t, WithBatchConcurrency(16))
	env.registerCertificate(t)
	env.importRange(t, dte.Boleta, 1, 40)
	env.importRange(t, dte.Boleta, 41, 100)

	const n = 64
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = testRequest(dte.Boleta)
	}
	items := env.service.IssueBatch(context.Background(), reqs)
	require.Len(t, items, n)

	folios := make([]int64, 0, n)
	for i, item := range items {
		require.NoError(t, item.Err, "item %d", i)
		folios = append(folios, item.Result.Folio)
	}
	sort.Slice(folios, func(i, j int) bool { return folios[i] < folios[j] })
	for i, f := range folios {
		assert.Equal(t, int64(i+1), f, "Folios are unique and drawn in order across ranges")
	}
}

// collidingLedger reports a collision for the first collisions finalizations
type collidingLedger struct {
	FolioLedger
	auth       dte.Authorization
	collisions int

	mu        sync.Mutex
	next      int64
	finalized int
	released  int
}

func (c *collidingLedger) Claim(_ context.Context, t dte.DocumentType, issuer string) (ledger.Claim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return ledger.Claim{RangeID: "r1", DocumentType: t, IssuerID: issuer, Folio: c.next, Authorization: c.auth}, nil
}

func (c *collidingLedger) Release(ledger.Claim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *collidingLedger) Finalize(context.Context, ledger.Claim, ledger.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized++
	if c.finalized <= c.collisions {
		return ledger.ErrFolioCollision
	}
	return nil
}

// go test -timeout 60s -run ^TestIssueDocumentRetriesCollisions$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentRetriesCollisions(t *testing.T) {
	env := createTestEnv(t)
	env.registerCertificate(t)
	d, err := caf.Parse(env.authorizationFile(t, dte.Factura, 1, 100, testNow()))
	require.NoError(t, err)
	auth := dte.Authorization{RangeID: "r1", Start: 1, End: 100, CAF: d.CAF}

	fake := &collidingLedger{auth: auth, collisions: 3}
	s := New(fake, env.vault, nil, WithClock(testNow), WithMaxClaimAttempts(5))
	res, err := s.IssueDocument(context.Background(), testRequest(dte.Factura))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, int64(4), res.Folio)
	assert.Equal(t, 3, fake.released, "Every collided claim is released")

	fake = &collidingLedger{auth: auth, collisions: 100}
	s = New(fake, env.vault, nil, WithClock(testNow), WithMaxClaimAttempts(5))
	_, err = s.IssueDocument(context.Background(), testRequest(dte.Factura))
	assert.True(t, errors.Is(err, ErrTooManyCollisions))
	assert.Equal(t, 5, fake.finalized)
	assert.Equal(t, 5, fake.released)
}

// countingKeys records every key it unlocks
type countingKeys struct {
	KeyProvider
	keys []*vault.SigningKey
}

func (c *countingKeys) GetSigningKey(ctx context.Context, issuerID string) (*vault.SigningKey, error) {
	key, err := c.KeyProvider.GetSigningKey(ctx, issuerID)
	if err == nil {
		c.keys = append(c.keys, key)
	}
	return key, err
}

// go test -timeout 60s -run ^TestIssueDocumentUnlocksKeyPerAttempt$ github.com/LdDl/dte-potato/issuer
func TestIssueDocumentUnlocksKeyPerAttempt(t *testing.T) {
	env := createTestEnv(t)
	env.registerCertificate(t)
	d, err := caf.Parse(env.authorizationFile(t, dte.Factura, 1, 100, testNow()))
	require.NoError(t, err)
	auth := dte.Authorization{RangeID: "r1", Start: 1, End: 100, CAF: d.CAF}

	for _, collisions := range []int{0, 2, 100} {
		keys := &countingKeys{KeyProvider: env.vault}
		fake := &collidingLedger{auth: auth, collisions: collisions}
		s := New(fake, keys, nil, WithClock(testNow), WithMaxClaimAttempts(4))
		_, err := s.IssueDocument(context.Background(), testRequest(dte.Factura))
		if collisions < 4 {
			require.NoError(t, err)
		} else {
			require.True(t, errors.Is(err, ErrTooManyCollisions))
		}

		assert.Len(t, keys.keys, fake.finalized, "One unlock per attempt with %d collisions", collisions)
		for i, key := range keys.keys {
			_, _, err := key.GetKeyPair()
			assert.True(t, errors.Is(err, vault.ErrKeyReleased), "Key %d of %d collisions is released", i, collisions)
		}
	}
}

// go test -timeout 30s -run ^TestImportAuthorizedRange$ github.com/LdDl/dte-potato/issuer
func TestImportAuthorizedRange(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()
	authorizedAt := testNow().AddDate(0, -1, 0)

	factura, err := env.service.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Factura, 1, 50, authorizedAt), ImportOptions{})
	require.NoError(t, err)
	require.NotNil(t, factura.ExpiresAt)
	// FA carries the date only, so validity counts from midnight
	authorizedDay := time.Date(authorizedAt.Year(), authorizedAt.Month(), authorizedAt.Day(), 0, 0, 0, 0, time.UTC)
	assert.True(t, factura.ExpiresAt.Equal(authorizedDay.AddDate(0, 6, 0)), "got %s", factura.ExpiresAt)
	assert.False(t, factura.ExpiresAt.Equal(authorizedAt.AddDate(0, 6, 0)), "Time of day is not part of the authorization")
	assert.Equal(t, int64(100), factura.KeyID)

	boleta, err := env.service.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Boleta, 1, 50, authorizedAt), ImportOptions{})
	require.NoError(t, err)
	assert.Nil(t, boleta.ExpiresAt, "Receipt ranges never expire")

	override := testNow().Add(time.Hour)
	custom, err := env.service.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.NotaDebito, 1, 50, authorizedAt), ImportOptions{ExpiresAt: &override})
	require.NoError(t, err)
	assert.True(t, custom.ExpiresAt.Equal(override))

	_, err = env.service.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Factura, 40, 60, authorizedAt), ImportOptions{})
	assert.True(t, errors.Is(err, ledger.ErrRangeOverlap))

	_, err = env.service.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Factura, 100, 150, testNow().AddDate(0, -7, 0)), ImportOptions{})
	assert.True(t, errors.Is(err, ledger.ErrRangeExpired))

	_, err = env.service.ImportAuthorizedRange(ctx, []byte("<potato/>"), ImportOptions{})
	assert.True(t, errors.Is(err, caf.ErrMalformed))
}

// go test -timeout 30s -run ^TestImportChecksAuthority$ github.com/LdDl/dte-potato/issuer
func TestImportChecksAuthority(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()
	data := env.authorizationFile(t, dte.Factura, 1, 50, testNow())

	trusted := New(env.ledger, env.vault, nil, WithClock(testNow),
		WithAuthorityKeys(map[int64]*rsa.PublicKey{100: &env.authority.PublicKey}))
	_, err := trusted.ImportAuthorizedRange(ctx, data, ImportOptions{})
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	wrongKey := New(env.ledger, env.vault, nil, WithClock(testNow),
		WithAuthorityKeys(map[int64]*rsa.PublicKey{100: &other.PublicKey}))
	_, err = wrongKey.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Factura, 51, 60, testNow()), ImportOptions{})
	assert.True(t, errors.Is(err, caf.ErrAuthoritySignature))

	unknown := New(env.ledger, env.vault, nil, WithClock(testNow),
		WithAuthorityKeys(map[int64]*rsa.PublicKey{7: &env.authority.PublicKey}))
	_, err = unknown.ImportAuthorizedRange(ctx, env.authorizationFile(t, dte.Factura, 61, 70, testNow()), ImportOptions{})
	assert.True(t, errors.Is(err, ErrUnknownAuthorityKey))
}
