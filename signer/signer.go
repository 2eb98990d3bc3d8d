// Package signer wraps stamped documents in an XML digital signature
// (RSA-SHA1, inclusive C14N 1.0) carrying the signing certificate.
package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/beevik/etree"
	"github.com/pkg/errors"
	dsig "github.com/russellhaering/goxmldsig"
)

// Sentinel errors
var (
	ErrSigningFailed      = fmt.Errorf("failed to sign document")
	ErrVerificationFailed = fmt.Errorf("document signature verification failed")
)

const (
	xmlDeclaration  = `version="1.0" encoding="UTF-8"`
	envelopeVersion = "1.0"
)

// KeyStore provides the issuer's key pair and certificate chain
type KeyStore interface {
	dsig.X509KeyStore
	dsig.X509ChainStore
}

// Signer produces the final signed artifact. The zero value uses time.Now.
type Signer struct {
	Now func() time.Time
}

// New creates a signer with the given clock; nil means time.Now.
func New(now func() time.Time) *Signer {
	return &Signer{Now: now}
}

func (s *Signer) now() time.Time {
	if s == nil || s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Sign renders the stamped draft and signs the whole Documento. The stamp is
// covered by the signature; the signature element is appended as a sibling
// of Documento under DTE.
func (s *Signer) Sign(draft *dte.Draft, keys KeyStore) ([]byte, error) {
	if keys == nil {
		return nil, errors.Wrap(ErrSigningFailed, "no signing key")
	}
	if draft.Stamp == nil {
		return nil, errors.Wrap(ErrSigningFailed, dte.ErrNotStamped.Error())
	}

	// 1. Render the document tree
	documento, err := draft.Element(s.now())
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", xmlDeclaration)
	root := doc.CreateElement("DTE")
	root.CreateAttr("version", envelopeVersion)
	root.CreateAttr("xmlns", dte.Namespace)
	root.AddChild(documento)

	// 2. Set up the signing context
	ctx := dsig.NewDefaultSigningContext(keys)
	ctx.Prefix = ""
	ctx.IdAttribute = "ID"
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}

	// 3. Digest Documento in place, sign SignedInfo
	sig, err := ctx.ConstructSignature(documento, false)
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	if err := addKeyValue(sig, keys); err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	root.AddChild(sig)

	// 4. Serialize without indentation, so the bytes verify as produced
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}
	return out, nil
}

// addKeyValue prepends the RSA KeyValue to KeyInfo, ahead of X509Data.
// KeyInfo is outside SignedInfo, so this does not affect the signature.
func addKeyValue(sig *etree.Element, keys KeyStore) error {
	key, _, err := keys.GetKeyPair()
	if err != nil {
		return err
	}
	keyInfo := sig.SelectElement(dsig.KeyInfoTag)
	if keyInfo == nil {
		return errors.New("signature has no KeyInfo")
	}
	keyValue := etree.NewElement("KeyValue")
	rsaValue := keyValue.CreateElement("RSAKeyValue")
	rsaValue.CreateElement("Modulus").SetText(encodeBigEndian(key.PublicKey.N.Bytes()))
	rsaValue.CreateElement("Exponent").SetText(encodeBigEndian(exponentBytes(key.PublicKey.E)))
	keyInfo.InsertChildAt(0, keyValue)
	return nil
}

// Verification is the outcome of a successful Verify
type Verification struct {
	DocumentID  string
	Certificate *x509.Certificate
	Stamp       dte.Stamp
}

// publicKey of the embedded certificate
func (v *Verification) publicKey() (*rsa.PublicKey, error) {
	pub, ok := v.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrVerificationFailed, "unsupported key type %T", v.Certificate.PublicKey)
	}
	return pub, nil
}
