package caf

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strconv"

	"github.com/pkg/errors"
)

// ParseAuthorityKeys decodes PEM public keys indexed by IDK. Both PKIX
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") blocks are accepted, as well
// as a certificate of the authority.
func ParseAuthorityKeys(keys map[string]string) (map[int64]*rsa.PublicKey, error) {
	parsed := make(map[int64]*rsa.PublicKey, len(keys))
	for idk, text := range keys {
		id, err := strconv.ParseInt(idk, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "authority key id %q", idk)
		}
		pub, err := parseAuthorityKey([]byte(text))
		if err != nil {
			return nil, errors.Wrapf(err, "authority key %d", id)
		}
		parsed[id] = pub
	}
	return parsed, nil
}

func parseAuthorityKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Errorf("unsupported key type %T", pub)
		}
		return rsaPub, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Errorf("unsupported key type %T", cert.PublicKey)
		}
		return rsaPub, nil
	default:
		return nil, errors.Errorf("unexpected PEM block %q", block.Type)
	}
}
