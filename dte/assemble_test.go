package dte

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer() Party {
	return Party{
		RUT:          "76.192.083-9",
		Name:         "Comercial Potato SpA",
		Activity:     "Venta al por menor",
		ActivityCode: 472000,
		Address:      "Av. Providencia 1234",
		Commune:      "Providencia",
	}
}

func testReceiver() *Party {
	return &Party{
		RUT:      "12345678-5",
		Name:     "Cliente Ltda",
		Activity: "Servicios",
		Address:  "Calle Falsa 123",
		Commune:  "Santiago",
	}
}

func testHeader() Header {
	return Header{
		EmissionDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Issuer:       testIssuer(),
		Receiver:     testReceiver(),
	}
}

func testAssembler() *Assembler {
	return NewAssembler(WithClock(func() time.Time {
		return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	}))
}

func line(name string, qty, price int64) Line {
	return Line{Name: name, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(price)}
}

// go test -timeout 30s -run ^TestDocumentTypesHaveTreatment$ github.com/LdDl/dte-potato/dte
func TestDocumentTypesHaveTreatment(t *testing.T) {
	a := testAssembler()
	require.Len(t, DocumentTypes(), len(documentTypes), "Every declared type must be listed")
	for _, dt := range DocumentTypes() {
		assert.True(t, dt.Valid(), "Type %d should be valid", dt)
		assert.NotNil(t, a.Treatment(dt, Header{}), "Type %d should have a tax treatment", dt)
		parsed, err := ParseDocumentType(dt.Code())
		require.NoError(t, err)
		assert.Equal(t, dt, parsed)
	}

	_, err := ParseDocumentType(52)
	assert.True(t, errors.Is(err, ErrUnknownDocumentType))
}

// go test -timeout 30s -run ^TestStandardTaxTotals$ github.com/LdDl/dte-potato/dte
func TestStandardTaxTotals(t *testing.T) {
	draft, err := testAssembler().Assemble(Factura, 1, testHeader(), []Line{
		line("Servicio de consultoría", 1, 100000),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(100000), draft.Totals.Net)
	assert.Equal(t, int64(19000), draft.Totals.Tax)
	assert.Equal(t, int64(119000), draft.Totals.Total)
	assert.True(t, draft.Totals.TaxRate.Equal(decimal.NewFromInt(19)))
}

// go test -timeout 30s -run ^TestStandardTaxWithDiscountsAndExemptLines$ github.com/LdDl/dte-potato/dte
func TestStandardTaxWithDiscountsAndExemptLines(t *testing.T) {
	pct := line("Caja de papas", 3, 10000)
	pct.DiscountPct = decimal.NewFromInt(10)

	fixed := line("Saco de papas", 2, 25000)
	fixed.DiscountAmount = 5000

	fractional := Line{
		Name:      "Papas a granel",
		Quantity:  decimal.RequireFromString("1.5"),
		UnitPrice: decimal.RequireFromString("999"),
	}

	exempt := line("Flete", 1, 7000)
	exempt.Exempt = true

	draft, err := testAssembler().Assemble(Factura, 10, testHeader(), []Line{pct, fixed, fractional, exempt}, nil)
	require.NoError(t, err)
	require.Len(t, draft.Lines, 4)

	assert.Equal(t, int64(3000), draft.Lines[0].Discount)
	assert.Equal(t, int64(27000), draft.Lines[0].Amount)
	assert.Equal(t, int64(45000), draft.Lines[1].Amount)
	// 1.5 × 999 = 1498.5, rounded half away from zero
	assert.Equal(t, int64(1499), draft.Lines[2].Amount)
	assert.Equal(t, 4, draft.Lines[3].Number)

	net := int64(27000 + 45000 + 1499)
	assert.Equal(t, net, draft.Totals.Net)
	assert.Equal(t, int64(7000), draft.Totals.Exempt)
	assert.Equal(t, int64(13965), draft.Totals.Tax, "round(73499 × 0.19) = round(13964.81)")
	assert.Equal(t, net+7000+13965, draft.Totals.Total)
}

// go test -timeout 30s -run ^TestWithholdingTotals$ github.com/LdDl/dte-potato/dte
func TestWithholdingTotals(t *testing.T) {
	draft, err := testAssembler().Assemble(BoletaHonorarios, 7, testHeader(), []Line{
		line("Honorarios asesoría", 1, 2200000),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2200000), draft.Totals.Gross)
	assert.Equal(t, int64(220000), draft.Totals.Withholding)
	assert.Equal(t, int64(1980000), draft.Totals.Liquid)
	assert.Equal(t, int64(0), draft.Totals.Tax, "Withholding documents carry no value-added tax")

	h := testHeader()
	h.WithholdingRate = decimal.NewNullDecimal(decimal.RequireFromString("13.75"))
	draft, err = testAssembler().Assemble(BoletaHonorarios, 8, h, []Line{
		line("Honorarios asesoría", 1, 2200000),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(302500), draft.Totals.Withholding)
	assert.Equal(t, int64(1897500), draft.Totals.Liquid)
}

// go test -timeout 30s -run ^TestExemptTotals$ github.com/LdDl/dte-potato/dte
func TestExemptTotals(t *testing.T) {
	draft, err := testAssembler().Assemble(FacturaExenta, 3, testHeader(), []Line{
		line("Curso de capacitación", 2, 50000),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), draft.Totals.Exempt)
	assert.Equal(t, int64(0), draft.Totals.Tax)
	assert.Equal(t, int64(0), draft.Totals.Withholding)
	assert.Equal(t, int64(100000), draft.Totals.Total)
}

// go test -timeout 30s -run ^TestCorrectionRequiresReferences$ github.com/LdDl/dte-potato/dte
func TestCorrectionRequiresReferences(t *testing.T) {
	_, err := testAssembler().Assemble(NotaCredito, 5, testHeader(), []Line{line("Devolución", 1, 1000)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("references"), "Missing references must be named: %v", verr.Fields)

	_, err = testAssembler().Assemble(NotaCredito, 5, testHeader(), []Line{line("Devolución", 1, 1000)}, []Reference{
		{DocumentType: "33", Folio: 120, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Reason: ReasonFixAmounts, Text: "Descuento"},
	})
	assert.NoError(t, err)
}

// go test -timeout 30s -run ^TestValidationCollectsAllErrors$ github.com/LdDl/dte-potato/dte
func TestValidationCollectsAllErrors(t *testing.T) {
	h := Header{Issuer: Party{RUT: "76192083-1"}}
	bad := Line{Name: "", Quantity: decimal.Zero, UnitPrice: decimal.NewFromInt(-1)}

	_, err := testAssembler().Assemble(NotaDebito, 0, h, []Line{bad}, []Reference{{DocumentType: "33"}})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	for _, field := range []string{
		"folio",
		"header.issuer.rut",
		"header.issuer.name",
		"header.issuer.activity",
		"header.receiver",
		"lines[0].name",
		"lines[0].quantity",
		"lines[0].unit_price",
		"references[0].folio",
		"references[0].date",
		"references[0].reason",
	} {
		assert.True(t, verr.Has(field), "Expected %s to be flagged, got %v", field, verr.Fields)
	}
}

// go test -timeout 30s -run ^TestAnonymousReceiver$ github.com/LdDl/dte-potato/dte
func TestAnonymousReceiver(t *testing.T) {
	h := testHeader()
	h.Receiver = nil

	draft, err := testAssembler().Assemble(Boleta, 1, h, []Line{line("Papas fritas", 1, 1190)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "66666666-6", draft.Receiver().RUT)

	_, err = testAssembler().Assemble(Factura, 1, h, []Line{line("Papas fritas", 1, 1190)}, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("header.receiver"))
}

// go test -timeout 30s -run ^TestDiscountRules$ github.com/LdDl/dte-potato/dte
func TestDiscountRules(t *testing.T) {
	both := line("Papas", 1, 1000)
	both.DiscountPct = decimal.NewFromInt(5)
	both.DiscountAmount = 10

	tooMuch := line("Papas", 1, 1000)
	tooMuch.DiscountAmount = 1001

	_, err := testAssembler().Assemble(Factura, 1, testHeader(), []Line{both, tooMuch}, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("lines[0].discount"))
	assert.True(t, verr.Has("lines[1].discount_amount"))
}

// go test -timeout 30s -run ^TestDraftIsImmutable$ github.com/LdDl/dte-potato/dte
func TestDraftIsImmutable(t *testing.T) {
	draft, err := testAssembler().Assemble(Factura, 42, testHeader(), []Line{line("Papas", 1, 1000)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "F42T33", draft.ID())
	assert.Equal(t, "76192083-9", draft.Header.Issuer.RUT, "Tax ids are normalized")

	authorized := draft.WithAuthorization(Authorization{RangeID: "r1", Start: 1, End: 100, CAF: []byte("<CAF/>")})
	assert.Nil(t, draft.Authorization)
	require.NotNil(t, authorized.Authorization)

	stamped := authorized.WithStamp(Stamp{Canonical: []byte("<DD/>")})
	assert.Nil(t, authorized.Stamp)
	require.NotNil(t, stamped.Stamp)

	stamped.Lines[0].Name = "changed"
	assert.Equal(t, "Papas", draft.Lines[0].Name)
}

// go test -timeout 30s -run ^TestElementRequiresStamp$ github.com/LdDl/dte-potato/dte
func TestElementRequiresStamp(t *testing.T) {
	draft, err := testAssembler().Assemble(Factura, 1, testHeader(), []Line{line("Papas", 1, 1000)}, nil)
	require.NoError(t, err)

	_, err = draft.Element(time.Now())
	assert.True(t, errors.Is(err, ErrNotStamped))

	stamped := draft.WithStamp(Stamp{Canonical: []byte("<DD><RE>76192083-9</RE></DD>"), Signature: []byte{1, 2, 3}})
	el, err := stamped.Element(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "F1T33", el.SelectAttrValue("ID", ""))
	assert.Equal(t, "33", el.FindElement("./Encabezado/IdDoc/TipoDTE").Text())
	assert.Equal(t, "1190", el.FindElement("./Encabezado/Totales/MntTotal").Text())
	assert.Equal(t, "76192083-9", el.FindElement("./TED/DD/RE").Text())
	assert.Equal(t, "AQID", el.FindElement("./TED/FRMT").Text())
	assert.Equal(t, "2024-03-15T10:30:00", el.FindElement("./TmstFirma").Text())
}

// go test -timeout 30s -run ^TestReferenceCodes$ github.com/LdDl/dte-potato/dte
func TestReferenceCodes(t *testing.T) {
	set := Reference{DocumentType: ReferenceSet, Folio: 1, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Text: "CASO 4067-1"}

	// 1. A free code is carried as is
	draft, err := testAssembler().Assemble(Factura, 1, testHeader(), []Line{line("Papas", 1, 1000)}, []Reference{set})
	require.NoError(t, err)
	stamped := draft.WithStamp(Stamp{Canonical: []byte("<DD><RE>76192083-9</RE></DD>"), Signature: []byte{1, 2, 3}})
	el, err := stamped.Element(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "SET", el.FindElement("./Referencia/TpoDocRef").Text())
	assert.Equal(t, "CASO 4067-1", el.FindElement("./Referencia/RazonRef").Text())

	// 2. A correction must cite a supported document
	set.Reason = ReasonFixAmounts
	_, err = testAssembler().Assemble(NotaCredito, 1, testHeader(), []Line{line("Papas", 1, 1000)}, []Reference{set})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has("references[0].document_type"))

	// 3. Malformed codes
	for _, code := range []ReferenceCode{"set", "SETS", "3 3"} {
		ref := Reference{DocumentType: code, Folio: 1, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
		_, err = testAssembler().Assemble(Factura, 1, testHeader(), []Line{line("Papas", 1, 1000)}, []Reference{ref})
		require.True(t, errors.As(err, &verr), "code %q", code)
		assert.True(t, verr.Has("references[0].document_type"), "code %q", code)
	}

	// 4. Numeric and free codes both decode from JSON
	var refs []Reference
	require.NoError(t, json.Unmarshal([]byte(`[{"document_type":33},{"document_type":"61"},{"document_type":"SET"}]`), &refs))
	require.Len(t, refs, 3)
	cited, ok := refs[0].DocumentType.DocumentType()
	assert.True(t, ok)
	assert.Equal(t, Factura, cited)
	assert.Equal(t, NotaCredito.ReferenceCode(), refs[1].DocumentType)
	assert.Equal(t, ReferenceSet, refs[2].DocumentType)
	_, ok = refs[2].DocumentType.DocumentType()
	assert.False(t, ok)

	out, err := json.Marshal(refs[0].DocumentType)
	require.NoError(t, err)
	assert.Equal(t, "33", string(out))
	out, err = json.Marshal(refs[2].DocumentType)
	require.NoError(t, err)
	assert.Equal(t, `"SET"`, string(out))
}
