package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/LdDl/dte-potato/caf"
	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/issuer"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/utils"
	"github.com/LdDl/dte-potato/vault"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HealthResponse is the JSON response for /health
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

// DocumentResponse is the JSON response for an issued document
type DocumentResponse struct {
	DocumentID   string     `json:"document_id"`
	DocumentType int        `json:"document_type" example:"33"`
	Folio        int64      `json:"folio" example:"1042"`
	RangeID      string     `json:"range_id"`
	Totals       dte.Totals `json:"totals"`
	Attempts     int        `json:"attempts" example:"1"`
	// Signed DTE XML, present when requested with ?include=xml
	SignedXML string `json:"signed_xml,omitempty"`
}

// BatchRequest is the JSON request for /api/v1/documents/batch
type BatchRequest struct {
	Documents []issuer.Request `json:"documents"`
}

// BatchItemResponse is the outcome of one batch entry
type BatchItemResponse struct {
	Index    int               `json:"index"`
	Status   int               `json:"status"`
	Document *DocumentResponse `json:"document,omitempty"`
	Error    *ErrorResponse    `json:"error,omitempty"`
}

// BatchResponse is the JSON response for /api/v1/documents/batch
type BatchResponse struct {
	Issued int                 `json:"issued"`
	Failed int                 `json:"failed"`
	Items  []BatchItemResponse `json:"items"`
}

// ArchiveItemResponse is the outcome of one authorization file of an archive
type ArchiveItemResponse struct {
	Filename string             `json:"filename"`
	Status   int                `json:"status"`
	Range    *ledger.FolioRange `json:"range,omitempty"`
	Error    *ErrorResponse     `json:"error,omitempty"`
}

// VerifyResponse is the JSON response for /api/v1/verify
type VerifyResponse struct {
	Valid        bool       `json:"valid"`
	DocumentID   string     `json:"document_id,omitempty" example:"F1042T33"`
	DocumentType int        `json:"document_type,omitempty"`
	Folio        int64      `json:"folio,omitempty"`
	IssuerID     string     `json:"issuer_id,omitempty"`
	Total        int64      `json:"total,omitempty"`
	Subject      string     `json:"certificate_subject,omitempty"`
	StampedAt    *time.Time `json:"stamped_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ErrorResponse is the JSON error response
type ErrorResponse struct {
	Error  string           `json:"error"`
	Fields []dte.FieldError `json:"fields,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("request error", zap.Int("status", status), zap.String("message", message))
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeFailure maps a domain error onto its status code
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, body := s.failure(err)
	s.writeJSON(w, status, body)
}

func (s *Server) failure(err error) (int, ErrorResponse) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	body := ErrorResponse{Error: err.Error()}
	var verr *dte.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	return status, body
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dte.ErrValidation),
		errors.Is(err, dte.ErrUnknownDocumentType),
		errors.Is(err, utils.ErrInvalidRUT),
		errors.Is(err, caf.ErrMalformed),
		errors.Is(err, caf.ErrAuthoritySignature),
		errors.Is(err, issuer.ErrUnknownAuthorityKey),
		errors.Is(err, ledger.ErrInvalidRange),
		errors.Is(err, ledger.ErrRangeExpired),
		errors.Is(err, vault.ErrWrongPassphrase),
		errors.Is(err, vault.ErrInvalidIdentity),
		errors.Is(err, vault.ErrUnsupportedKey),
		errors.Is(err, vault.ErrKeyMismatch),
		errors.Is(err, vault.ErrCertificateExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrRangeNotFound),
		errors.Is(err, ledger.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNoRangeAvailable),
		errors.Is(err, ledger.ErrRangeOverlap),
		errors.Is(err, ledger.ErrRangeNotExhausted),
		errors.Is(err, vault.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, vault.ErrNoValidCertificate):
		return http.StatusPreconditionFailed
	case errors.Is(err, issuer.ErrTooManyCollisions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
