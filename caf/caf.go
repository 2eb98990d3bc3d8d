// Package caf parses folio authorization files (CAF) issued by the tax
// authority and verifies the authority signature over the granted range.
package caf

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/stamp"
	"github.com/LdDl/dte-potato/utils"
	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Sentinel errors
var (
	ErrMalformed          = fmt.Errorf("malformed authorization file")
	ErrAuthoritySignature = fmt.Errorf("authority signature verification failed")
)

// Validity of ranges for non-receipt document types
const defaultValidityMonths = 6

// Descriptor is a parsed authorization file. The private stamping key an
// authority may ship alongside (RSASK) is never retained.
type Descriptor struct {
	IssuerRUT    string
	IssuerName   string
	DocumentType dte.DocumentType
	Start        int64
	End          int64
	AuthorizedAt time.Time
	// IDK, the authority key that signed the range
	KeyID int64
	// RSAPK, the public half of the stamping key granted with the range
	PublicKey *rsa.PublicKey
	// FRMA over DA
	Signature []byte
	// Compact CAF element, embedded verbatim in every stamp
	CAF []byte

	da []byte
}

// Parse decodes an AUTORIZACION document or a bare CAF element.
func Parse(data []byte) (*Descriptor, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.Wrap(ErrMalformed, "empty document")
	}
	cafEl := root
	if root.Tag != "CAF" {
		cafEl = root.SelectElement("CAF")
	}
	if cafEl == nil {
		return nil, errors.Wrap(ErrMalformed, "no CAF element")
	}
	da := cafEl.SelectElement("DA")
	if da == nil {
		return nil, errors.Wrap(ErrMalformed, "no DA element")
	}

	var d Descriptor
	var err error
	text := func(path string) string {
		if el := da.FindElement(path); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}

	if d.IssuerRUT, err = utils.NormalizeRUT(text("RE")); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	d.IssuerName = text("RS")

	td, err := strconv.Atoi(text("TD"))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "TD: %q", text("TD"))
	}
	if d.DocumentType, err = dte.ParseDocumentType(td); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if d.Start, err = strconv.ParseInt(text("RNG/D"), 10, 64); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "RNG/D: %q", text("RNG/D"))
	}
	if d.End, err = strconv.ParseInt(text("RNG/H"), 10, 64); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "RNG/H: %q", text("RNG/H"))
	}
	if d.AuthorizedAt, err = time.Parse(dte.DateLayout, text("FA")); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "FA: %q", text("FA"))
	}
	if idk := text("IDK"); idk != "" {
		if d.KeyID, err = strconv.ParseInt(idk, 10, 64); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "IDK: %q", idk)
		}
	}
	if m, e := text("RSAPK/M"), text("RSAPK/E"); m != "" && e != "" {
		if d.PublicKey, err = decodePublicKey(m, e); err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
	}

	if frma := cafEl.SelectElement("FRMA"); frma != nil {
		if d.Signature, err = base64.StdEncoding.DecodeString(strings.TrimSpace(frma.Text())); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "FRMA: %s", err)
		}
	}

	if d.da, err = stamp.CanonicalElement(da); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if d.CAF, err = stamp.CanonicalElement(cafEl); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return &d, nil
}

// VerifyAuthority checks FRMA, the authority's SHA1withRSA signature over DA.
func (d *Descriptor) VerifyAuthority(pub *rsa.PublicKey) error {
	if len(d.Signature) == 0 {
		return errors.Wrap(ErrAuthoritySignature, "no FRMA")
	}
	digest := sha1.Sum(d.da)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], d.Signature); err != nil {
		return errors.Wrap(ErrAuthoritySignature, err.Error())
	}
	return nil
}

// ExpiresAt applies the validity policy: receipts never expire, other
// document types expire six months after authorization.
func (d *Descriptor) ExpiresAt() time.Time {
	return ExpiryFor(d.DocumentType, d.AuthorizedAt)
}

// ExpiryFor returns the expiry of a range of type t authorized at; zero means
// no expiry.
func ExpiryFor(t dte.DocumentType, authorizedAt time.Time) time.Time {
	if t.IsBoleta() {
		return time.Time{}
	}
	return authorizedAt.AddDate(0, defaultValidityMonths, 0)
}

func decodePublicKey(m, e string) (*rsa.PublicKey, error) {
	mb, err := base64.StdEncoding.DecodeString(m)
	if err != nil {
		return nil, errors.Wrap(err, "RSAPK/M")
	}
	eb, err := base64.StdEncoding.DecodeString(e)
	if err != nil {
		return nil, errors.Wrap(err, "RSAPK/E")
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 || exp.Int64() < 3 {
		return nil, errors.New("RSAPK/E out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(mb), E: int(exp.Int64())}, nil
}
