// Package stamp computes the electronic stamp (TED) of a document: a compact
// signed digest over a canonical subset of header and total fields.
package stamp

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/utils"
	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Sentinel errors
var (
	ErrStampFailed  = fmt.Errorf("failed to stamp document")
	ErrInvalidStamp = fmt.Errorf("electronic stamp verification failed")
	ErrMalformedTED = fmt.Errorf("malformed TED element")
)

// Fixed-width limits of free text fields inside DD
const (
	maxReceiverName = 40
	maxFirstItem    = 40
)

// Generator stamps drafts. The zero value uses time.Now.
type Generator struct {
	Now func() time.Time
}

// NewGenerator creates a generator with the given clock; nil means time.Now.
func NewGenerator(now func() time.Time) *Generator {
	return &Generator{Now: now}
}

func (g *Generator) now() time.Time {
	if g == nil || g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// FieldsOf extracts the stamped field set from a draft.
func FieldsOf(draft *dte.Draft) (dte.StampFields, error) {
	if draft.Authorization == nil || len(draft.Authorization.CAF) == 0 {
		return dte.StampFields{}, errors.Wrap(ErrStampFailed, "draft has no authorized range")
	}
	receiver := draft.Receiver()
	return dte.StampFields{
		IssuerRUT:    draft.Header.Issuer.RUT,
		Type:         draft.Type,
		Folio:        draft.Folio,
		EmissionDate: draft.Header.EmissionDate,
		ReceiverRUT:  receiver.RUT,
		ReceiverName: utils.Truncate(receiver.Name, maxReceiverName),
		Total:        draft.Totals.Total,
		FirstItem:    utils.Truncate(draft.FirstItem(), maxFirstItem),
		CAF:          draft.Authorization.CAF,
	}, nil
}

// Stamp computes the stamp of draft with the issuer's private key. The
// returned stamp is embedded with draft.WithStamp before the whole document
// is signed.
func (g *Generator) Stamp(draft *dte.Draft, key *rsa.PrivateKey) (dte.Stamp, error) {
	if key == nil {
		return dte.Stamp{}, errors.Wrap(ErrStampFailed, "no signing key")
	}

	// 1. Extract the stamped field set
	fields, err := FieldsOf(draft)
	if err != nil {
		return dte.Stamp{}, err
	}

	// 2. Canonicalize DD
	ts := g.now().Truncate(time.Second)
	canonical, err := Canonicalize(fields, ts)
	if err != nil {
		return dte.Stamp{}, errors.Wrap(ErrStampFailed, err.Error())
	}

	// 3. Digest and sign
	digest := sha1.Sum(canonical)
	signature, err := rsa.SignPKCS1v15(nil, key, crypto.SHA1, digest[:])
	if err != nil {
		return dte.Stamp{}, errors.Wrap(ErrStampFailed, err.Error())
	}

	return dte.Stamp{
		Fields:    fields,
		Timestamp: ts,
		Canonical: canonical,
		Signature: signature,
	}, nil
}

// Canonicalize serializes the DD element: fixed field order, canonical
// escaping, no whitespace between elements.
func Canonicalize(f dte.StampFields, ts time.Time) ([]byte, error) {
	caf := etree.NewDocument()
	if err := caf.ReadFromBytes(f.CAF); err != nil {
		return nil, errors.Wrap(err, "failed to parse CAF")
	}
	if caf.Root() == nil || caf.Root().Tag != "CAF" {
		return nil, errors.New("authorized range is not a CAF element")
	}
	caf.Unindent()

	dd := etree.NewElement("DD")
	dd.CreateElement("RE").SetText(f.IssuerRUT)
	dd.CreateElement("TD").SetText(strconv.Itoa(int(f.Type)))
	dd.CreateElement("F").SetText(strconv.FormatInt(f.Folio, 10))
	dd.CreateElement("FE").SetText(f.EmissionDate.Format(dte.DateLayout))
	dd.CreateElement("RR").SetText(f.ReceiverRUT)
	dd.CreateElement("RSR").SetText(f.ReceiverName)
	dd.CreateElement("MNT").SetText(strconv.FormatInt(f.Total, 10))
	dd.CreateElement("IT1").SetText(f.FirstItem)
	dd.AddChild(caf.Root())
	dd.CreateElement("TSTED").SetText(ts.Format(dte.TimestampLayout))

	return canonicalBytes(dd)
}

// CanonicalElement re-serializes a DD element found inside a document the
// same way Canonicalize does.
func CanonicalElement(dd *etree.Element) ([]byte, error) {
	c := dd.Copy()
	stripWhitespace(c)
	return canonicalBytes(c)
}

func canonicalBytes(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.WriteSettings = etree.WriteSettings{
		CanonicalEndTags: true,
		CanonicalText:    true,
		CanonicalAttrVal: true,
	}
	doc.SetRoot(el)
	b, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// stripWhitespace drops whitespace-only text between child elements
func stripWhitespace(el *etree.Element) {
	if len(el.ChildElements()) == 0 {
		return
	}
	for i := len(el.Child) - 1; i >= 0; i-- {
		if cd, ok := el.Child[i].(*etree.CharData); ok && cd.IsWhitespace() {
			el.RemoveChildAt(i)
		}
	}
	for _, c := range el.ChildElements() {
		stripWhitespace(c)
	}
}

// Verify checks the stamp signature against the issuer's public key.
func Verify(s dte.Stamp, pub *rsa.PublicKey) error {
	if pub == nil {
		return errors.Wrap(ErrInvalidStamp, "no public key")
	}
	digest := sha1.Sum(s.Canonical)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], s.Signature); err != nil {
		return errors.Wrap(ErrInvalidStamp, err.Error())
	}
	return nil
}

// VerifyElement checks a TED element taken from a document and returns the
// decoded stamp.
func VerifyElement(ted *etree.Element, pub *rsa.PublicKey) (dte.Stamp, error) {
	s, err := ParseElement(ted)
	if err != nil {
		return dte.Stamp{}, err
	}
	return s, Verify(s, pub)
}

// ParseElement decodes a TED element.
func ParseElement(ted *etree.Element) (dte.Stamp, error) {
	if ted == nil || ted.Tag != "TED" {
		return dte.Stamp{}, ErrMalformedTED
	}
	dd := ted.SelectElement("DD")
	frmt := ted.SelectElement("FRMT")
	if dd == nil || frmt == nil {
		return dte.Stamp{}, errors.Wrap(ErrMalformedTED, "missing DD or FRMT")
	}
	if alg := frmt.SelectAttrValue("algoritmo", ""); alg != dte.StampAlgorithm {
		return dte.Stamp{}, errors.Wrapf(ErrMalformedTED, "algorithm: %s", alg)
	}
	signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(frmt.Text()))
	if err != nil {
		return dte.Stamp{}, errors.Wrap(ErrMalformedTED, err.Error())
	}
	canonical, err := CanonicalElement(dd)
	if err != nil {
		return dte.Stamp{}, errors.Wrap(ErrMalformedTED, err.Error())
	}
	fields, ts, err := parseFields(dd)
	if err != nil {
		return dte.Stamp{}, err
	}
	return dte.Stamp{Fields: fields, Timestamp: ts, Canonical: canonical, Signature: signature}, nil
}

func parseFields(dd *etree.Element) (dte.StampFields, time.Time, error) {
	text := func(tag string) string {
		if el := dd.SelectElement(tag); el != nil {
			return el.Text()
		}
		return ""
	}
	var f dte.StampFields
	td, err := strconv.Atoi(text("TD"))
	if err != nil {
		return f, time.Time{}, errors.Wrapf(ErrMalformedTED, "TD: %q", text("TD"))
	}
	folio, err := strconv.ParseInt(text("F"), 10, 64)
	if err != nil {
		return f, time.Time{}, errors.Wrapf(ErrMalformedTED, "F: %q", text("F"))
	}
	total, err := strconv.ParseInt(text("MNT"), 10, 64)
	if err != nil {
		return f, time.Time{}, errors.Wrapf(ErrMalformedTED, "MNT: %q", text("MNT"))
	}
	fe, err := time.Parse(dte.DateLayout, text("FE"))
	if err != nil {
		return f, time.Time{}, errors.Wrapf(ErrMalformedTED, "FE: %q", text("FE"))
	}
	ts, err := time.Parse(dte.TimestampLayout, text("TSTED"))
	if err != nil {
		return f, time.Time{}, errors.Wrapf(ErrMalformedTED, "TSTED: %q", text("TSTED"))
	}
	var caf []byte
	if el := dd.SelectElement("CAF"); el != nil {
		if caf, err = CanonicalElement(el); err != nil {
			return f, time.Time{}, errors.Wrap(ErrMalformedTED, err.Error())
		}
	}
	f = dte.StampFields{
		IssuerRUT:    text("RE"),
		Type:         dte.DocumentType(td),
		Folio:        folio,
		EmissionDate: fe,
		ReceiverRUT:  text("RR"),
		ReceiverName: text("RSR"),
		Total:        total,
		FirstItem:    text("IT1"),
		CAF:          caf,
	}
	return f, ts, nil
}
