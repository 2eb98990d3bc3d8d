package signer

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/stamp"
	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCAF = `<CAF version="1.0"><DA><RE>76192083-9</RE><RS>COMERCIAL POTATO SPA</RS><TD>33</TD><RNG><D>1</D><H>100</H></RNG><FA>2024-01-10</FA><IDK>100</IDK></DA><FRMA algoritmo="SHA1withRSA">AQID</FRMA></CAF>`

type testKeyStore struct {
	key   *rsa.PrivateKey
	cert  []byte
	chain [][]byte
}

func (ks *testKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return ks.key, ks.cert, nil
}

func (ks *testKeyStore) GetChain() ([][]byte, error) {
	if ks.chain != nil {
		return ks.chain, nil
	}
	return [][]byte{ks.cert}, nil
}

func createTestKeyStore(t *testing.T) *testKeyStore {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "Failed to generate key")

	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "COMERCIAL POTATO SPA", SerialNumber: "76192083-9"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err, "Failed to create certificate")
	return &testKeyStore{key: key, cert: der}
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC)
}

func createStampedDraft(t *testing.T, ks *testKeyStore, docType dte.DocumentType) *dte.Draft {
	header := dte.Header{
		EmissionDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Issuer: dte.Party{
			RUT: "76192083-9", Name: "Comercial Potato SpA", Activity: "Venta al por menor",
			Address: "Av. Providencia 1234", Commune: "Providencia",
		},
		Receiver: &dte.Party{
			RUT: "12345678-5", Name: "Cliente Ltda", Activity: "Servicios",
			Address: "Calle Falsa 123", Commune: "Santiago",
		},
	}
	var refs []dte.Reference
	if docType.IsCorrection() {
		refs = []dte.Reference{{
			DocumentType: dte.Factura.ReferenceCode(), Folio: 3, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Reason: dte.ReasonFixAmounts, Text: "Corrige montos",
		}}
	}
	draft, err := dte.NewAssembler().Assemble(docType, 11, header, []dte.Line{{
		Name: "Papas", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1000),
	}}, refs)
	require.NoError(t, err)

	draft = draft.WithAuthorization(dte.Authorization{RangeID: "r1", Start: 1, End: 100, CAF: []byte(testCAF)})
	st, err := stamp.NewGenerator(fixedClock).Stamp(draft, ks.key)
	require.NoError(t, err)
	return draft.WithStamp(st)
}

// go test -timeout 60s -run ^TestSignVerifyRoundTrip$ github.com/LdDl/dte-potato/signer
func TestSignVerifyRoundTrip(t *testing.T) {
	ks := createTestKeyStore(t)
	s := New(fixedClock)

	for _, docType := range dte.DocumentTypes() {
		draft := createStampedDraft(t, ks, docType)

		signed, err := s.Sign(draft, ks)
		require.NoError(t, err, "type %d", docType)

		v, err := Verify(signed)
		require.NoError(t, err, "type %d", docType)
		assert.Equal(t, draft.ID(), v.DocumentID)
		assert.Equal(t, "COMERCIAL POTATO SPA", v.Certificate.Subject.CommonName)
		assert.Equal(t, int64(11), v.Stamp.Fields.Folio)
		assert.Equal(t, draft.Totals.Total, v.Stamp.Fields.Total)
	}
}

// go test -timeout 30s -run ^TestSignedLayout$ github.com/LdDl/dte-potato/signer
func TestSignedLayout(t *testing.T) {
	ks := createTestKeyStore(t)
	signed, err := New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	root := doc.Root()
	require.Equal(t, "DTE", root.Tag)
	assert.Equal(t, dte.Namespace, root.SelectAttrValue("xmlns", ""))

	children := root.ChildElements()
	require.Len(t, children, 2)
	assert.Equal(t, "Documento", children[0].Tag)
	assert.Equal(t, "Signature", children[1].Tag, "Signature is a sibling of Documento")

	sig := children[1]
	assert.Equal(t, "#F11T33", sig.FindElement("./SignedInfo/Reference").SelectAttrValue("URI", ""))
	assert.NotNil(t, sig.FindElement("./KeyInfo/KeyValue/RSAKeyValue/Modulus"))
	assert.NotNil(t, sig.FindElement("./KeyInfo/X509Data/X509Certificate"))
	assert.NotNil(t, children[0].FindElement("./TED/DD/CAF/DA"))
	assert.Equal(t, "2024-03-15T10:30:45", children[0].FindElement("./TmstFirma").Text())
}

// go test -timeout 30s -run ^TestVerifyDetectsTampering$ github.com/LdDl/dte-potato/signer
func TestVerifyDetectsTampering(t *testing.T) {
	ks := createTestKeyStore(t)
	signed, err := New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)

	cases := map[string][2]string{
		"total":         {"<MntTotal>1190</MntTotal>", "<MntTotal>1191</MntTotal>"},
		"issuer name":   {"<RznSoc>Comercial Potato SpA</RznSoc>", "<RznSoc>Comercial Potato SpB</RznSoc>"},
		"stamp amount":  {"<MNT>1190</MNT>", "<MNT>1191</MNT>"},
		"reference uri": {`URI="#F11T33"`, `URI="#F12T33"`},
		"root version":  {`<DTE version="1.0"`, `<DTE version="1.1"`},
		"declaration":   {`<?xml version="1.0" encoding="UTF-8"?>`, `<?xml version="1.0" encoding="UTF-9"?>`},
	}
	for name, c := range cases {
		tampered := bytes.Replace(signed, []byte(c[0]), []byte(c[1]), 1)
		require.NotEqual(t, signed, tampered, "%s: replacement must apply", name)

		_, err := Verify(tampered)
		assert.True(t, errors.Is(err, ErrVerificationFailed), "%s: expected failure, got %v", name, err)
	}
}

// go test -timeout 120s -run ^TestVerifyRejectsEveryByteFlip$ github.com/LdDl/dte-potato/signer
func TestVerifyRejectsEveryByteFlip(t *testing.T) {
	ks := createTestKeyStore(t)
	signed, err := New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)
	_, err = Verify(signed)
	require.NoError(t, err)

	accepted := 0
	for i := range signed {
		flipped := bytes.Clone(signed)
		flipped[i] ^= 0x01
		if _, err := Verify(flipped); err == nil {
			accepted++
			t.Errorf("byte %d (%q) flipped still verifies: ...%s...", i, signed[i], surrounding(signed, i))
		}
	}
	assert.Zero(t, accepted)
}

func surrounding(data []byte, i int) []byte {
	from, to := max(i-24, 0), min(i+24, len(data))
	return data[from:to]
}

// go test -timeout 30s -run ^TestVerifyForeignKeyInfo$ github.com/LdDl/dte-potato/signer
func TestVerifyForeignKeyInfo(t *testing.T) {
	ks := createTestKeyStore(t)
	other := createTestKeyStore(t)
	signed, err := New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	keyInfo := doc.Root().FindElement("./Signature/KeyInfo")

	// 1. KeyValue of another key
	modulus := keyInfo.FindElement("./KeyValue/RSAKeyValue/Modulus")
	original := modulus.Text()
	modulus.SetText(encodeBigEndian(other.key.PublicKey.N.Bytes()))
	forged, err := doc.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(forged)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
	modulus.SetText(original)

	// 2. Certificate of another key
	certificate := keyInfo.FindElement("./X509Data/X509Certificate")
	certificate.SetText(encodeBigEndian(other.cert))
	forged, err = doc.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(forged)
	assert.True(t, errors.Is(err, ErrVerificationFailed))

	// 3. Extra root attribute
	doc = etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	doc.Root().CreateAttr("extra", "1")
	forged, err = doc.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(forged)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
}

// go test -timeout 30s -run ^TestVerifyCertificateChain$ github.com/LdDl/dte-potato/signer
func TestVerifyCertificateChain(t *testing.T) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "POTATO CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "COMERCIAL POTATO SPA", SerialNumber: "76192083-9"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	// 1. Leaf followed by its CA verifies
	ks := &testKeyStore{key: key, cert: leafDER, chain: [][]byte{leafDER, caDER}}
	signed, err := New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)
	v, err := Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "COMERCIAL POTATO SPA", v.Certificate.Subject.CommonName)

	// 2. A chain that stops at a CA-issued certificate does not
	ks.chain = [][]byte{leafDER}
	signed, err = New(fixedClock).Sign(createStampedDraft(t, ks, dte.Factura), ks)
	require.NoError(t, err)
	_, err = Verify(signed)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
}

// go test -timeout 30s -run ^TestSignFailsLoudly$ github.com/LdDl/dte-potato/signer
func TestSignFailsLoudly(t *testing.T) {
	ks := createTestKeyStore(t)
	draft := createStampedDraft(t, ks, dte.Factura)

	_, err := New(fixedClock).Sign(draft, nil)
	assert.True(t, errors.Is(err, ErrSigningFailed))

	unstamped := *draft
	unstamped.Stamp = nil
	_, err = New(fixedClock).Sign(&unstamped, ks)
	assert.True(t, errors.Is(err, ErrSigningFailed))
}
