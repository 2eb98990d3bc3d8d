package dte

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Namespace of the DTE schema
const Namespace = "http://www.sii.cl/SiiDte"

// Date and timestamp layouts of the wire format
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02T15:04:05"
)

// StampAlgorithm is the FRMT algorithm attribute
const StampAlgorithm = "SHA1withRSA"

// Element renders the Documento element. The stamp must be present; signedAt
// becomes TmstFirma.
func (d *Draft) Element(signedAt time.Time) (*etree.Element, error) {
	if d.Stamp == nil {
		return nil, ErrNotStamped
	}

	doc := etree.NewElement("Documento")
	doc.CreateAttr("ID", d.ID())

	encabezado := doc.CreateElement("Encabezado")
	d.renderIdDoc(encabezado.CreateElement("IdDoc"))
	renderEmisor(encabezado.CreateElement("Emisor"), d.Header.Issuer)
	renderReceptor(encabezado.CreateElement("Receptor"), d.Receiver())
	d.renderTotales(encabezado.CreateElement("Totales"))

	for _, l := range d.Lines {
		renderDetalle(doc.CreateElement("Detalle"), l)
	}
	for i, r := range d.References {
		renderReferencia(doc.CreateElement("Referencia"), i+1, r)
	}

	ted, err := d.Stamp.Element()
	if err != nil {
		return nil, err
	}
	doc.AddChild(ted)

	doc.CreateElement("TmstFirma").SetText(signedAt.Format(TimestampLayout))
	return doc, nil
}

// Element renders the TED element from the canonical DD bytes, so the bytes
// the stamp signature covers are exactly what the document carries.
func (s *Stamp) Element() (*etree.Element, error) {
	dd := etree.NewDocument()
	if err := dd.ReadFromBytes(s.Canonical); err != nil {
		return nil, errors.Wrap(err, "failed to parse stamp data")
	}
	if dd.Root() == nil {
		return nil, errors.New("stamp data is empty")
	}

	ted := etree.NewElement("TED")
	ted.CreateAttr("version", "1.0")
	ted.AddChild(dd.Root())
	frmt := ted.CreateElement("FRMT")
	frmt.CreateAttr("algoritmo", StampAlgorithm)
	frmt.SetText(base64.StdEncoding.EncodeToString(s.Signature))
	return ted, nil
}

func (d *Draft) renderIdDoc(el *etree.Element) {
	el.CreateElement("TipoDTE").SetText(strconv.Itoa(int(d.Type)))
	el.CreateElement("Folio").SetText(strconv.FormatInt(d.Folio, 10))
	el.CreateElement("FchEmis").SetText(d.Header.EmissionDate.Format(DateLayout))
	if d.Type.IsBoleta() {
		// Sales and services
		el.CreateElement("IndServicio").SetText("3")
	}
	if d.Header.PaymentMethod != PaymentUnspecified {
		el.CreateElement("FmaPago").SetText(strconv.Itoa(int(d.Header.PaymentMethod)))
	}
	if !d.Header.DueDate.IsZero() {
		el.CreateElement("FchVenc").SetText(d.Header.DueDate.Format(DateLayout))
	}
}

func renderEmisor(el *etree.Element, p Party) {
	el.CreateElement("RUTEmisor").SetText(p.RUT)
	el.CreateElement("RznSoc").SetText(p.Name)
	el.CreateElement("GiroEmis").SetText(p.Activity)
	if p.ActivityCode > 0 {
		el.CreateElement("Acteco").SetText(strconv.Itoa(p.ActivityCode))
	}
	el.CreateElement("DirOrigen").SetText(p.Address)
	el.CreateElement("CmnaOrigen").SetText(p.Commune)
	optional(el, "CiudadOrigen", p.City)
}

func renderReceptor(el *etree.Element, p Party) {
	el.CreateElement("RUTRecep").SetText(p.RUT)
	el.CreateElement("RznSocRecep").SetText(p.Name)
	optional(el, "GiroRecep", p.Activity)
	optional(el, "CorreoRecep", p.Email)
	optional(el, "DirRecep", p.Address)
	optional(el, "CmnaRecep", p.Commune)
	optional(el, "CiudadRecep", p.City)
}

func (d *Draft) renderTotales(el *etree.Element) {
	t := d.Totals
	switch documentTypes[d.Type].kind {
	case treatmentStandard:
		if t.Net > 0 {
			el.CreateElement("MntNeto").SetText(money(t.Net))
		}
		if t.Exempt > 0 {
			el.CreateElement("MntExe").SetText(money(t.Exempt))
		}
		el.CreateElement("TasaIVA").SetText(t.TaxRate.String())
		el.CreateElement("IVA").SetText(money(t.Tax))
		el.CreateElement("MntTotal").SetText(money(t.Total))
	default:
		el.CreateElement("MntExe").SetText(money(t.Exempt))
		el.CreateElement("MntTotal").SetText(money(t.Total))
		if t.Withholding > 0 {
			reten := el.CreateElement("ImptoReten")
			// Second category income withholding
			reten.CreateElement("TipoImp").SetText("15")
			reten.CreateElement("TasaImp").SetText(t.WithholdingRate.String())
			reten.CreateElement("MontoImp").SetText(money(t.Withholding))
			el.CreateElement("VlrPagar").SetText(money(t.Liquid))
		}
	}
}

func renderDetalle(el *etree.Element, l LineItem) {
	el.CreateElement("NroLinDet").SetText(strconv.Itoa(l.Number))
	if l.Exempt {
		el.CreateElement("IndExe").SetText("1")
	}
	el.CreateElement("NmbItem").SetText(l.Name)
	optional(el, "DscItem", l.Description)
	el.CreateElement("QtyItem").SetText(l.Quantity.String())
	optional(el, "UnmdItem", l.Unit)
	el.CreateElement("PrcItem").SetText(l.UnitPrice.String())
	if !l.DiscountPct.IsZero() {
		el.CreateElement("DescuentoPct").SetText(l.DiscountPct.String())
	}
	if l.Discount > 0 {
		el.CreateElement("DescuentoMonto").SetText(money(l.Discount))
	}
	el.CreateElement("MontoItem").SetText(money(l.Amount))
}

func renderReferencia(el *etree.Element, n int, r Reference) {
	el.CreateElement("NroLinRef").SetText(strconv.Itoa(n))
	el.CreateElement("TpoDocRef").SetText(string(r.DocumentType))
	el.CreateElement("FolioRef").SetText(strconv.FormatInt(r.Folio, 10))
	el.CreateElement("FchRef").SetText(r.Date.Format(DateLayout))
	if r.Reason != ReasonNone {
		el.CreateElement("CodRef").SetText(strconv.Itoa(int(r.Reason)))
	}
	optional(el, "RazonRef", r.Text)
}

func optional(el *etree.Element, tag, value string) {
	if value != "" {
		el.CreateElement(tag).SetText(value)
	}
}

func money(v int64) string {
	return strconv.FormatInt(v, 10)
}
