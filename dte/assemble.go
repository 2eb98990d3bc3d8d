package dte

import (
	"strconv"
	"strings"
	"time"

	"github.com/LdDl/dte-potato/utils"
	"github.com/shopspring/decimal"
)

// Default rates, in percent
var (
	DefaultVATRate              = decimal.NewFromInt(19)
	DefaultHonorariaWithholding = decimal.NewFromInt(10)
)

var hundred = decimal.NewFromInt(100)

// Assembler builds drafts from caller input. It is stateless apart from its
// configuration and safe for concurrent use.
type Assembler struct {
	vatRate     decimal.Decimal
	withholding decimal.Decimal
	now         func() time.Time
}

// Option configures an Assembler
type Option func(*Assembler)

// WithVATRate sets the value-added tax percentage of standard documents.
func WithVATRate(pct decimal.Decimal) Option {
	return func(a *Assembler) { a.vatRate = pct }
}

// WithHonorariaWithholding sets the default withholding percentage of
// honoraria receipts.
func WithHonorariaWithholding(pct decimal.Decimal) Option {
	return func(a *Assembler) { a.withholding = pct }
}

// WithClock sets the clock used to default the emission date.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler with the default rates.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		vatRate:     DefaultVATRate,
		withholding: DefaultHonorariaWithholding,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Treatment returns the total-computation strategy of t. The header may
// override the withholding percentage.
func (a *Assembler) Treatment(t DocumentType, h Header) TaxTreatment {
	switch documentTypes[t].kind {
	case treatmentStandard:
		return StandardTax{Rate: a.vatRate}
	case treatmentWithholding:
		if h.WithholdingRate.Valid {
			return ExemptWithholding{Rate: h.WithholdingRate.Decimal}
		}
		return ExemptWithholding{Rate: a.withholding}
	default:
		return ExemptWithholding{Rate: decimal.Zero}
	}
}

// Assemble validates caller input and produces a priced draft for folio.
// Every problem is reported at once in a *ValidationError.
func (a *Assembler) Assemble(t DocumentType, folio int64, header Header, lines []Line, refs []Reference) (*Draft, error) {
	v := &validator{}
	spec, ok := documentTypes[t]
	if !ok {
		v.add("document_type", "unsupported document type %d", int(t))
		return nil, v.err()
	}
	if folio <= 0 {
		v.add("folio", "must be positive")
	}

	if header.EmissionDate.IsZero() {
		header.EmissionDate = a.now()
	}
	header.EmissionDate = dateOnly(header.EmissionDate)
	if !header.DueDate.IsZero() {
		header.DueDate = dateOnly(header.DueDate)
		if header.DueDate.Before(header.EmissionDate) {
			v.add("header.due_date", "must not precede the emission date")
		}
	}
	if header.PaymentMethod < PaymentUnspecified || header.PaymentMethod > PaymentFree {
		v.add("header.payment_method", "unknown payment method %d", int(header.PaymentMethod))
	}

	header.Issuer = validateIssuer(v, header.Issuer)
	header.Receiver = validateReceiver(v, t, spec, header.Receiver)

	if header.WithholdingRate.Valid {
		if spec.kind != treatmentWithholding {
			v.add("header.withholding_rate", "only applies to %s", BoletaHonorarios)
		} else if header.WithholdingRate.Decimal.IsNegative() || header.WithholdingRate.Decimal.GreaterThanOrEqual(hundred) {
			v.add("header.withholding_rate", "must be in [0, 100)")
		}
	}

	items := priceLines(v, lines)
	validateReferences(v, t, spec, header.EmissionDate, refs)

	if err := v.err(); err != nil {
		return nil, err
	}

	return &Draft{
		Type:       t,
		Folio:      folio,
		Header:     header,
		Lines:      items,
		Totals:     a.Treatment(t, header).Totals(items),
		References: append([]Reference(nil), refs...),
	}, nil
}

func validateIssuer(v *validator, p Party) Party {
	if rut, err := utils.NormalizeRUT(p.RUT); err != nil {
		v.add("header.issuer.rut", "invalid tax id %q", p.RUT)
	} else {
		p.RUT = rut
	}
	if strings.TrimSpace(p.Name) == "" {
		v.add("header.issuer.name", "is required")
	}
	if strings.TrimSpace(p.Activity) == "" {
		v.add("header.issuer.activity", "is required")
	}
	if strings.TrimSpace(p.Address) == "" {
		v.add("header.issuer.address", "is required")
	}
	if strings.TrimSpace(p.Commune) == "" {
		v.add("header.issuer.commune", "is required")
	}
	return p
}

func validateReceiver(v *validator, t DocumentType, spec typeSpec, p *Party) *Party {
	if p == nil {
		if spec.anonymous {
			return &Party{RUT: utils.FinalConsumerRUT, Name: finalConsumerName}
		}
		v.add("header.receiver", "is required for %s", t)
		return nil
	}
	r := *p
	if rut, err := utils.NormalizeRUT(r.RUT); err != nil {
		v.add("header.receiver.rut", "invalid tax id %q", r.RUT)
	} else {
		r.RUT = rut
	}
	if strings.TrimSpace(r.Name) == "" {
		if r.RUT == utils.FinalConsumerRUT && spec.anonymous {
			r.Name = finalConsumerName
		} else {
			v.add("header.receiver.name", "is required")
		}
	}
	if spec.fullReceiver {
		if strings.TrimSpace(r.Activity) == "" {
			v.add("header.receiver.activity", "is required for %s", t)
		}
		if strings.TrimSpace(r.Address) == "" {
			v.add("header.receiver.address", "is required for %s", t)
		}
		if strings.TrimSpace(r.Commune) == "" {
			v.add("header.receiver.commune", "is required for %s", t)
		}
	}
	return &r
}

// priceLines computes discount and amount of every line:
// amount = round(quantity × price) − discount.
func priceLines(v *validator, lines []Line) []LineItem {
	if len(lines) == 0 {
		v.add("lines", "at least one line is required")
		return nil
	}
	if len(lines) > maxLines {
		v.add("lines", "at most %d lines are allowed, got %d", maxLines, len(lines))
	}
	items := make([]LineItem, 0, len(lines))
	for i, l := range lines {
		field := func(name string) string { return "lines[" + strconv.Itoa(i) + "]." + name }
		valid := true
		if strings.TrimSpace(l.Name) == "" {
			v.add(field("name"), "is required")
		}
		if !l.Quantity.IsPositive() {
			v.add(field("quantity"), "must be positive")
			valid = false
		}
		if l.UnitPrice.IsNegative() {
			v.add(field("unit_price"), "must not be negative")
			valid = false
		}
		if !l.DiscountPct.IsZero() && l.DiscountAmount != 0 {
			v.add(field("discount"), "percentage and fixed discount are mutually exclusive")
			valid = false
		}
		if l.DiscountPct.IsNegative() || l.DiscountPct.GreaterThan(hundred) {
			v.add(field("discount_pct"), "must be in [0, 100]")
			valid = false
		}
		if l.DiscountAmount < 0 {
			v.add(field("discount_amount"), "must not be negative")
			valid = false
		}
		if !valid {
			continue
		}

		raw := l.Quantity.Mul(l.UnitPrice)
		gross := raw.Round(0).IntPart()
		discount := l.DiscountAmount
		if !l.DiscountPct.IsZero() {
			discount = raw.Mul(l.DiscountPct).Div(hundred).Round(0).IntPart()
		}
		if discount > gross {
			v.add(field("discount_amount"), "discount %d exceeds line amount %d", discount, gross)
			continue
		}
		items = append(items, LineItem{
			Line:     l,
			Number:   i + 1,
			Discount: discount,
			Amount:   gross - discount,
		})
	}
	return items
}

func validateReferences(v *validator, t DocumentType, spec typeSpec, emitted time.Time, refs []Reference) {
	if spec.correction && len(refs) == 0 {
		v.add("references", "at least one reference is required for %s", t)
		return
	}
	if len(refs) > maxReferences {
		v.add("references", "at most %d references are allowed, got %d", maxReferences, len(refs))
	}
	for i, r := range refs {
		field := func(name string) string { return "references[" + strconv.Itoa(i) + "]." + name }
		cited, numeric := r.DocumentType.DocumentType()
		switch {
		case r.DocumentType == "":
			v.add(field("document_type"), "is required")
		case !r.DocumentType.valid():
			v.add(field("document_type"), "must be a document type or a code of up to %d upper case characters, got %q", maxReferenceCode, string(r.DocumentType))
		case spec.correction && (!numeric || !cited.Valid()):
			v.add(field("document_type"), "a correction must cite a supported document type, got %q", string(r.DocumentType))
		}
		if r.Folio <= 0 {
			v.add(field("folio"), "is required")
		}
		if r.Date.IsZero() {
			v.add(field("date"), "is required")
		} else if dateOnly(r.Date).After(emitted) {
			v.add(field("date"), "must not be after the emission date")
		}
		switch {
		case spec.correction && (r.Reason < ReasonAnnul || r.Reason > ReasonFixAmounts):
			v.add(field("reason"), "must be 1 (annul), 2 (fix text) or 3 (fix amounts)")
		case !spec.correction && (r.Reason < ReasonNone || r.Reason > ReasonFixAmounts):
			v.add(field("reason"), "unknown reason code %d", int(r.Reason))
		}
		if len([]rune(r.Text)) > 90 {
			v.add(field("text"), "must be at most 90 characters")
		}
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
