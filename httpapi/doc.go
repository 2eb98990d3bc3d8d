// Package httpapi exposes document issuance, folio range management and
// certificate registration over HTTP.
//
// @title DTE Potato Issuance API
// @version 1.0
// @description HTTP API for issuing signed Chilean electronic tax documents (DTE).
// @description
// @description Supports:
// @description - Facturas, boletas, guías de despacho, notas de crédito y débito
// @description - Folio allocation from authorized ranges (CAF)
// @description - Electronic stamp (TED) and XML-DSig enveloped signature (RSA-SHA1)
// @description - PKCS#12 certificate registration
//
// @contact.name API Support
// @contact.url https://github.com/LdDl/dte-potato
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /
// @schemes http https
//
// @tag.name Health
// @tag.description Health check endpoints
//
// @tag.name Documents
// @tag.description Issue and fetch signed documents
//
// @tag.name Ranges
// @tag.description Import and inspect authorized folio ranges
//
// @tag.name Certificates
// @tag.description Register signing certificates
package httpapi
