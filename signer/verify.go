package signer

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/stamp"
	"github.com/beevik/etree"
	"github.com/pkg/errors"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

// Verify checks a signed document the way a third party would: the envelope
// shape, the digest of Documento, the signature over SignedInfo with the
// embedded certificate, the certificate chain and KeyValue, and the
// electronic stamp with the same key.
func Verify(data []byte) (*Verification, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}

	// 1. Envelope: declaration, DTE root and its two children
	documento, sig, err := envelope(doc)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	signedInfo := sig.SelectElement(dsig.SignedInfoTag)
	if signedInfo == nil {
		return nil, errors.Wrap(ErrVerificationFailed, "missing SignedInfo")
	}

	// 2. Algorithms
	c14n := dsig.MakeC14N10RecCanonicalizer()
	if alg := attrOf(signedInfo, dsig.CanonicalizationMethodTag); alg != string(c14n.Algorithm()) {
		return nil, errors.Wrapf(ErrVerificationFailed, "canonicalization: %s", alg)
	}
	if alg := attrOf(signedInfo, dsig.SignatureMethodTag); alg != dsig.RSASHA1SignatureMethod {
		return nil, errors.Wrapf(ErrVerificationFailed, "signature method: %s", alg)
	}

	// 3. Reference digest
	id := documento.SelectAttrValue("ID", "")
	ref := signedInfo.SelectElement(dsig.ReferenceTag)
	if ref == nil || ref.SelectAttrValue("URI", "") != "#"+id {
		return nil, errors.Wrapf(ErrVerificationFailed, "reference does not point at %s", id)
	}
	canonical, err := c14n.Canonicalize(documento)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	expected, err := decodeText(ref.SelectElement(dsig.DigestValueTag))
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, "digest value: "+err.Error())
	}
	digest := sha1.Sum(canonical)
	if !bytes.Equal(digest[:], expected) {
		return nil, errors.Wrap(ErrVerificationFailed, "digest mismatch")
	}

	// 4. Certificate chain and KeyValue
	keyInfo := sig.SelectElement(dsig.KeyInfoTag)
	if keyInfo == nil {
		return nil, errors.Wrap(ErrVerificationFailed, "missing KeyInfo")
	}
	cert, err := certificateChain(keyInfo)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	v := &Verification{DocumentID: id, Certificate: cert}
	pub, err := v.publicKey()
	if err != nil {
		return nil, err
	}
	if err := checkKeyValue(keyInfo, pub); err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}

	// 5. SignedInfo, canonicalized with the namespaces in scope at its location
	nsCtx, err := etreeutils.NSBuildParentContext(signedInfo)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	detached, err := etreeutils.NSDetatch(nsCtx, signedInfo)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	signedInfoC14N, err := c14n.Canonicalize(detached)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	signature, err := decodeText(sig.SelectElement(dsig.SignatureValueTag))
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, "signature value: "+err.Error())
	}
	siDigest := sha1.Sum(signedInfoC14N)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, siDigest[:], signature); err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}

	// 6. Electronic stamp
	st, err := stamp.VerifyElement(documento.SelectElement("TED"), pub)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationFailed, err.Error())
	}
	v.Stamp = st
	return v, nil
}

// envelope accepts exactly the layout Sign produces: the XML declaration,
// then a DTE root with version and namespace holding Documento and
// Signature. Only whitespace may appear between them.
func envelope(doc *etree.Document) (*etree.Element, *etree.Element, error) {
	var root *etree.Element
	declared := false
	for _, tok := range doc.Child {
		switch t := tok.(type) {
		case *etree.ProcInst:
			if declared || root != nil || t.Target != "xml" || strings.TrimSpace(t.Inst) != xmlDeclaration {
				return nil, nil, errors.Errorf("unexpected processing instruction <?%s %s?>", t.Target, t.Inst)
			}
			declared = true
		case *etree.Element:
			if root != nil {
				return nil, nil, errors.New("more than one root element")
			}
			root = t
		case *etree.CharData:
			if !t.IsWhitespace() {
				return nil, nil, errors.New("text outside the root element")
			}
		default:
			return nil, nil, errors.Errorf("unexpected %T outside the root element", tok)
		}
	}
	if !declared {
		return nil, nil, errors.New("missing XML declaration")
	}
	if root == nil || root.Space != "" || root.Tag != "DTE" {
		return nil, nil, errors.New("no DTE root")
	}

	if len(root.Attr) != 2 ||
		root.SelectAttrValue("version", "") != envelopeVersion ||
		root.SelectAttrValue("xmlns", "") != dte.Namespace {
		return nil, nil, errors.New("unexpected DTE root attributes")
	}
	for _, a := range root.Attr {
		if a.Space != "" {
			return nil, nil, errors.Errorf("unexpected DTE root attribute %s:%s", a.Space, a.Key)
		}
	}

	var children []*etree.Element
	for _, tok := range root.Child {
		switch t := tok.(type) {
		case *etree.Element:
			children = append(children, t)
		case *etree.CharData:
			if !t.IsWhitespace() {
				return nil, nil, errors.New("text inside DTE")
			}
		default:
			return nil, nil, errors.Errorf("unexpected %T inside DTE", tok)
		}
	}
	if len(children) != 2 || children[0].Tag != "Documento" || children[1].Tag != dsig.SignatureTag {
		return nil, nil, errors.New("DTE must hold Documento followed by Signature")
	}
	return children[0], children[1], nil
}

// certificateChain parses X509Data leaf first. Each certificate must be
// signed by the next one and the last must be self-signed, so no byte of
// the embedded certificates can change unnoticed.
func certificateChain(keyInfo *etree.Element) (*x509.Certificate, error) {
	data := keyInfo.SelectElement("X509Data")
	if data == nil {
		return nil, errors.New("missing X509Data")
	}
	elements := data.SelectElements("X509Certificate")
	if len(elements) == 0 {
		return nil, errors.New("missing X509Certificate")
	}
	chain := make([]*x509.Certificate, 0, len(elements))
	for i, el := range elements {
		der, err := decodeText(el)
		if err != nil {
			return nil, errors.Wrapf(err, "certificate %d", i)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Wrapf(err, "certificate %d", i)
		}
		chain = append(chain, cert)
	}

	for i, cert := range chain {
		issuer := cert
		if i+1 < len(chain) {
			issuer = chain[i+1]
		} else if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			return nil, errors.Errorf("certificate chain ends at %q, not a self-signed certificate", cert.Subject.CommonName)
		}
		if err := issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return nil, errors.Wrapf(err, "certificate %d signature", i)
		}
	}
	return chain[0], nil
}

// checkKeyValue requires RSAKeyValue to be the certificate key
func checkKeyValue(keyInfo *etree.Element, pub *rsa.PublicKey) error {
	rsaValue := keyInfo.FindElement("./KeyValue/RSAKeyValue")
	if rsaValue == nil {
		return errors.New("missing RSAKeyValue")
	}
	modulus, err := decodeText(rsaValue.SelectElement("Modulus"))
	if err != nil {
		return errors.Wrap(err, "modulus")
	}
	exponent, err := decodeText(rsaValue.SelectElement("Exponent"))
	if err != nil {
		return errors.Wrap(err, "exponent")
	}
	if !bytes.Equal(modulus, pub.N.Bytes()) || !bytes.Equal(exponent, exponentBytes(pub.E)) {
		return errors.New("KeyValue does not match the certificate")
	}
	return nil
}

func attrOf(parent *etree.Element, tag string) string {
	el := parent.SelectElement(tag)
	if el == nil {
		return ""
	}
	return el.SelectAttrValue(dsig.AlgorithmAttr, "")
}

// decodeText reads base64 content. Line breaks are allowed, unused padding
// bits are not.
func decodeText(el *etree.Element) ([]byte, error) {
	if el == nil {
		return nil, errors.New("element missing")
	}
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, el.Text())
	return base64.StdEncoding.Strict().DecodeString(clean)
}

func encodeBigEndian(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func exponentBytes(e int) []byte {
	return big.NewInt(int64(e)).Bytes()
}
