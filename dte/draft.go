package dte

import (
	"fmt"
	"time"

	"github.com/LdDl/dte-potato/utils"
	"github.com/shopspring/decimal"
)

// PaymentMethod is the FmaPago code
type PaymentMethod int

const (
	PaymentUnspecified PaymentMethod = 0
	PaymentCash        PaymentMethod = 1
	PaymentCredit      PaymentMethod = 2
	PaymentFree        PaymentMethod = 3
)

// ReferenceReason is the CodRef code of a correction
type ReferenceReason int

const (
	ReasonNone       ReferenceReason = 0
	ReasonAnnul      ReferenceReason = 1
	ReasonFixText    ReferenceReason = 2
	ReasonFixAmounts ReferenceReason = 3
)

const (
	maxLines          = 60
	maxReferences     = 40
	finalConsumerName = "CONSUMIDOR FINAL"
)

// Party is an issuer or receiver identity
type Party struct {
	RUT          string `json:"rut"`
	Name         string `json:"name"`
	Activity     string `json:"activity,omitempty"`
	ActivityCode int    `json:"activity_code,omitempty"`
	Address      string `json:"address,omitempty"`
	Commune      string `json:"commune,omitempty"`
	City         string `json:"city,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Header holds the document-level fields supplied by the caller
type Header struct {
	EmissionDate  time.Time     `json:"emission_date"`
	DueDate       time.Time     `json:"due_date,omitempty"`
	Issuer        Party         `json:"issuer"`
	Receiver      *Party        `json:"receiver,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	// Overrides the configured withholding percentage of honoraria receipts
	WithholdingRate decimal.NullDecimal `json:"withholding_rate,omitempty"`
}

// Line is one detail line as supplied by the caller. Either DiscountPct or
// DiscountAmount may be set, not both.
type Line struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit,omitempty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountPct    decimal.Decimal `json:"discount_pct,omitempty"`
	DiscountAmount int64           `json:"discount_amount,omitempty"`
	Exempt         bool            `json:"exempt,omitempty"`
}

// LineItem is a priced line inside a draft
type LineItem struct {
	Line
	Number int
	// Discount in pesos, either fixed or derived from DiscountPct
	Discount int64
	Amount   int64
}

// Reference cites another document
type Reference struct {
	DocumentType ReferenceCode   `json:"document_type"`
	Folio        int64           `json:"folio"`
	Date         time.Time       `json:"date"`
	Reason       ReferenceReason `json:"reason,omitempty"`
	Text         string          `json:"text,omitempty"`
}

// Totals of a document. Net/Tax apply to standard documents,
// Gross/Withholding/Liquid to exempt documents with withholding.
type Totals struct {
	Net             int64           `json:"net"`
	Exempt          int64           `json:"exempt"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Tax             int64           `json:"tax"`
	Gross           int64           `json:"gross"`
	WithholdingRate decimal.Decimal `json:"withholding_rate"`
	Withholding     int64           `json:"withholding"`
	Liquid          int64           `json:"liquid"`
	Total           int64           `json:"total"`
}

// Authorization references the authorized folio range a folio was drawn from
type Authorization struct {
	RangeID string
	Start   int64
	End     int64
	KeyID   int64
	// Compact CAF element as granted by the authority
	CAF []byte
}

// StampFields is the minimal field set covered by the electronic stamp
type StampFields struct {
	IssuerRUT    string
	Type         DocumentType
	Folio        int64
	EmissionDate time.Time
	ReceiverRUT  string
	ReceiverName string
	Total        int64
	FirstItem    string
	CAF          []byte
}

// Stamp is the electronic stamp (TED) of a document
type Stamp struct {
	Fields    StampFields
	Timestamp time.Time
	// Canonical DD bytes the signature was computed over
	Canonical []byte
	Signature []byte
}

// Draft is an unsigned document. Stages never modify a draft in place:
// WithAuthorization and WithStamp return copies.
type Draft struct {
	Type          DocumentType
	Folio         int64
	Header        Header
	Lines         []LineItem
	Totals        Totals
	References    []Reference
	Authorization *Authorization
	Stamp         *Stamp
}

// ID is the XML identifier of the Documento element.
func (d *Draft) ID() string {
	return fmt.Sprintf("F%dT%d", d.Folio, d.Type)
}

// Receiver returns the receiver, resolved to the final consumer when omitted.
func (d *Draft) Receiver() Party {
	if d.Header.Receiver == nil {
		return Party{RUT: utils.FinalConsumerRUT, Name: finalConsumerName}
	}
	return *d.Header.Receiver
}

// FirstItem is the name of the first detail line.
func (d *Draft) FirstItem() string {
	if len(d.Lines) == 0 {
		return ""
	}
	return d.Lines[0].Name
}

// WithFolio returns a copy numbered with folio. Totals do not depend on the
// folio, so a draft can be validated before one is claimed.
func (d *Draft) WithFolio(folio int64) *Draft {
	c := d.clone()
	c.Folio = folio
	return c
}

// WithAuthorization returns a copy bound to the authorized range.
func (d *Draft) WithAuthorization(a Authorization) *Draft {
	c := d.clone()
	a.CAF = append([]byte(nil), a.CAF...)
	c.Authorization = &a
	return c
}

// WithStamp returns a copy carrying the electronic stamp.
func (d *Draft) WithStamp(s Stamp) *Draft {
	c := d.clone()
	s.Canonical = append([]byte(nil), s.Canonical...)
	s.Signature = append([]byte(nil), s.Signature...)
	c.Stamp = &s
	return c
}

func (d *Draft) clone() *Draft {
	c := *d
	c.Lines = append([]LineItem(nil), d.Lines...)
	c.References = append([]Reference(nil), d.References...)
	if d.Header.Receiver != nil {
		r := *d.Header.Receiver
		c.Header.Receiver = &r
	}
	if d.Authorization != nil {
		a := *d.Authorization
		c.Authorization = &a
	}
	if d.Stamp != nil {
		s := *d.Stamp
		c.Stamp = &s
	}
	return &c
}
