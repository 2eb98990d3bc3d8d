package caf

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"math/big"
	"strconv"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/stamp"
	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Grant describes a range to authorize. Used to produce authorization files
// for certification and development environments.
type Grant struct {
	IssuerRUT    string
	IssuerName   string
	DocumentType dte.DocumentType
	Start        int64
	End          int64
	AuthorizedAt time.Time
	KeyID        int64
	// Stamping public key published in RSAPK; the authority key when nil
	StampKey *rsa.PublicKey
}

// Issue builds an AUTORIZACION document for g signed with the authority key.
func Issue(g Grant, authority *rsa.PrivateKey) ([]byte, error) {
	if authority == nil {
		return nil, errors.New("no authority key")
	}
	pub := g.StampKey
	if pub == nil {
		pub = &authority.PublicKey
	}

	cafEl := etree.NewElement("CAF")
	cafEl.CreateAttr("version", "1.0")
	da := cafEl.CreateElement("DA")
	da.CreateElement("RE").SetText(g.IssuerRUT)
	da.CreateElement("RS").SetText(g.IssuerName)
	da.CreateElement("TD").SetText(strconv.Itoa(int(g.DocumentType)))
	rng := da.CreateElement("RNG")
	rng.CreateElement("D").SetText(strconv.FormatInt(g.Start, 10))
	rng.CreateElement("H").SetText(strconv.FormatInt(g.End, 10))
	da.CreateElement("FA").SetText(g.AuthorizedAt.Format(dte.DateLayout))
	rsapk := da.CreateElement("RSAPK")
	rsapk.CreateElement("M").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	rsapk.CreateElement("E").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	da.CreateElement("IDK").SetText(strconv.FormatInt(g.KeyID, 10))

	daBytes, err := stamp.CanonicalElement(da)
	if err != nil {
		return nil, err
	}
	digest := sha1.Sum(daBytes)
	signature, err := rsa.SignPKCS1v15(nil, authority, crypto.SHA1, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign DA")
	}
	frma := cafEl.CreateElement("FRMA")
	frma.CreateAttr("algoritmo", dte.StampAlgorithm)
	frma.SetText(base64.StdEncoding.EncodeToString(signature))

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	root := doc.CreateElement("AUTORIZACION")
	root.AddChild(cafEl)
	doc.Indent(2)
	return doc.WriteToBytes()
}
