// Package dte assembles electronic tax documents (DTE): header, detail lines,
// totals and references, for the closed set of supported document types.
package dte

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DocumentType is the authority code of a supported document type
type DocumentType int

const (
	Factura          DocumentType = 33
	FacturaExenta    DocumentType = 34
	Boleta           DocumentType = 39
	BoletaExenta     DocumentType = 41
	NotaDebito       DocumentType = 56
	NotaCredito      DocumentType = 61
	BoletaHonorarios DocumentType = 90
)

type treatmentKind int

const (
	treatmentStandard treatmentKind = iota + 1
	treatmentExempt
	treatmentWithholding
)

type typeSpec struct {
	name string
	kind treatmentKind
	// Receiver may be omitted, the final consumer tax id is used instead
	anonymous bool
	// Receiver must carry activity and address, not only tax id and name
	fullReceiver bool
	// At least one reference block is mandatory
	correction bool
}

var documentTypes = map[DocumentType]typeSpec{
	Factura:          {name: "factura electrónica", kind: treatmentStandard, fullReceiver: true},
	FacturaExenta:    {name: "factura no afecta o exenta electrónica", kind: treatmentExempt, fullReceiver: true},
	Boleta:           {name: "boleta electrónica", kind: treatmentStandard, anonymous: true},
	BoletaExenta:     {name: "boleta exenta electrónica", kind: treatmentExempt, anonymous: true},
	NotaDebito:       {name: "nota de débito electrónica", kind: treatmentStandard, fullReceiver: true, correction: true},
	NotaCredito:      {name: "nota de crédito electrónica", kind: treatmentStandard, fullReceiver: true, correction: true},
	BoletaHonorarios: {name: "boleta de honorarios electrónica", kind: treatmentWithholding},
}

// DocumentTypes returns every supported type in ascending code order.
func DocumentTypes() []DocumentType {
	return []DocumentType{Factura, FacturaExenta, Boleta, BoletaExenta, NotaDebito, NotaCredito, BoletaHonorarios}
}

// ParseDocumentType maps an external integer code onto the closed type set.
func ParseDocumentType(code int) (DocumentType, error) {
	t := DocumentType(code)
	if _, ok := documentTypes[t]; !ok {
		return 0, errors.Wrapf(ErrUnknownDocumentType, "code: %d", code)
	}
	return t, nil
}

// Valid reports whether t is one of the supported types.
func (t DocumentType) Valid() bool {
	_, ok := documentTypes[t]
	return ok
}

func (t DocumentType) String() string {
	if s, ok := documentTypes[t]; ok {
		return s.name
	}
	return fmt.Sprintf("document type %d", int(t))
}

// Code returns the integer code used on the wire.
func (t DocumentType) Code() int {
	return int(t)
}

// ReferenceCode returns t as the TpoDocRef of a reference block.
func (t DocumentType) ReferenceCode() ReferenceCode {
	return ReferenceCode(strconv.Itoa(int(t)))
}

// AllowsAnonymous reports whether the receiver may be omitted.
func (t DocumentType) AllowsAnonymous() bool {
	return documentTypes[t].anonymous
}

// IsCorrection reports whether the type corrects another document and so
// requires references.
func (t DocumentType) IsCorrection() bool {
	return documentTypes[t].correction
}

// IsBoleta reports whether the type is a retail receipt.
func (t DocumentType) IsBoleta() bool {
	return t == Boleta || t == BoletaExenta
}

// TaxTreatment computes document totals from the priced lines. The set of
// implementations is closed: StandardTax and ExemptWithholding.
type TaxTreatment interface {
	Totals(lines []LineItem) Totals
	sealed()
}

// StandardTax applies a proportional value-added tax over the net amount.
type StandardTax struct {
	// Percentage, e.g. 19
	Rate decimal.Decimal
}

func (StandardTax) sealed() {}

// Totals implements TaxTreatment. Lines flagged exempt add to the exempt
// amount and are not taxed.
func (s StandardTax) Totals(lines []LineItem) Totals {
	var net, exempt int64
	for _, l := range lines {
		if l.Exempt {
			exempt += l.Amount
			continue
		}
		net += l.Amount
	}
	tax := percentOf(net, s.Rate)
	return Totals{
		Net:     net,
		Exempt:  exempt,
		TaxRate: s.Rate,
		Tax:     tax,
		Total:   net + exempt + tax,
	}
}

// ExemptWithholding carries no value-added tax. A non-zero Rate withholds
// that percentage of the gross amount at source.
type ExemptWithholding struct {
	// Percentage, e.g. 10
	Rate decimal.Decimal
}

func (ExemptWithholding) sealed() {}

// Totals implements TaxTreatment.
func (w ExemptWithholding) Totals(lines []LineItem) Totals {
	var gross int64
	for _, l := range lines {
		gross += l.Amount
	}
	withheld := percentOf(gross, w.Rate)
	return Totals{
		Exempt:          gross,
		Gross:           gross,
		WithholdingRate: w.Rate,
		Withholding:     withheld,
		Liquid:          gross - withheld,
		Total:           gross,
	}
}

// percentOf returns round(amount × pct / 100), half away from zero.
func percentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ReferenceCode is the TpoDocRef of a reference: the code of a document type,
// or a free code of up to three characters such as "SET".
type ReferenceCode string

// ReferenceSet cites a certification test set instead of a document
const ReferenceSet ReferenceCode = "SET"

const maxReferenceCode = 3

// DocumentType returns the type a numeric code stands for. Free codes and
// numbers written with leading zeros report false.
func (c ReferenceCode) DocumentType() (DocumentType, bool) {
	n, err := strconv.Atoi(string(c))
	if err != nil || n <= 0 || strconv.Itoa(n) != string(c) {
		return 0, false
	}
	return DocumentType(n), true
}

func (c ReferenceCode) valid() bool {
	if c == "" || len(c) > maxReferenceCode {
		return false
	}
	for _, r := range string(c) {
		if r > unicode.MaxASCII || !(unicode.IsDigit(r) || unicode.IsUpper(r)) {
			return false
		}
	}
	return true
}

// MarshalJSON writes numeric codes as numbers and free codes as strings
func (c ReferenceCode) MarshalJSON() ([]byte, error) {
	if _, ok := c.DocumentType(); ok {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}

// UnmarshalJSON accepts 33, "33" and "SET"
func (c *ReferenceCode) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = ReferenceCode(text)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "reference document type must be a number or a string")
	}
	*c = ReferenceCode(strconv.FormatInt(n, 10))
	return nil
}
