package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/issuer"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// parseExpiry reads the optional expires_at override: RFC 3339 or a date
func parseExpiry(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// HandleImportRange Import one authorization file
// @Summary Import an authorized folio range
// @Description Parses an authorization file (CAF XML) and stores its folio range
// @Tags Ranges
// @Accept xml
// @Produce json
// @Param expires_at query string false "Expiry override (RFC 3339 or YYYY-MM-DD)"
// @Param request body string true "Authorization file"
// @Success 201 {object} ledger.FolioRange
// @Failure 400 {object} httpapi.ErrorResponse
// @Failure 409 {object} httpapi.ErrorResponse "Range overlaps an existing range"
// @Failure 422 {object} httpapi.ErrorResponse "Malformed, invalid or expired authorization"
// @Router /api/v1/ranges [POST]
func (s *Server) HandleImportRange(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := parseExpiry(r.URL.Query().Get("expires_at"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid expires_at: "+err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	fr, err := s.issuer.ImportAuthorizedRange(r.Context(), data, issuer.ImportOptions{ExpiresAt: expiresAt})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/ranges/"+fr.ID)
	s.writeJSON(w, http.StatusCreated, fr)
}

// HandleImportArchive Import every authorization file of an archive
// @Summary Import authorized folio ranges from an archive
// @Description Imports each .xml file of a .zip or .tar.gz archive. Files succeed or fail on their own.
// @Tags Ranges
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Archive with authorization files (.zip or .tar.gz)"
// @Success 200 {array} httpapi.ArchiveItemResponse
// @Failure 400 {object} httpapi.ErrorResponse
// @Router /api/v1/ranges/archive [POST]
func (s *Server) HandleImportArchive(w http.ResponseWriter, r *http.Request) {
	// Limit request size
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	// Get file
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to get file: "+err.Error())
		return
	}
	defer file.Close()

	s.logger.Info("received archive import",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
	)

	entries, err := readArchive(file, header.Filename, header.Size)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read archive: "+err.Error())
		return
	}

	items := make([]ArchiveItemResponse, 0, len(entries))
	for _, entry := range entries {
		fr, err := s.issuer.ImportAuthorizedRange(r.Context(), entry.Data, issuer.ImportOptions{})
		if err != nil {
			status, body := s.failure(err)
			items = append(items, ArchiveItemResponse{Filename: entry.Name, Status: status, Error: &body})
			continue
		}
		items = append(items, ArchiveItemResponse{Filename: entry.Name, Status: http.StatusCreated, Range: fr})
	}
	s.writeJSON(w, http.StatusOK, items)
}

// HandleListRanges List authorized folio ranges
// @Summary List folio ranges
// @Tags Ranges
// @Produce json
// @Param type query int false "Document type code"
// @Param issuer query string false "Issuer RUT"
// @Success 200 {array} ledger.FolioRange
// @Failure 400 {object} httpapi.ErrorResponse
// @Router /api/v1/ranges [GET]
func (s *Server) HandleListRanges(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var docType dte.DocumentType
	if v := query.Get("type"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid type: "+v)
			return
		}
		if docType, err = dte.ParseDocumentType(code); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	issuerID := query.Get("issuer")
	if issuerID != "" && !utils.ValidRUT(issuerID) {
		s.writeError(w, http.StatusBadRequest, "invalid issuer: "+issuerID)
		return
	}

	ranges, err := s.ledger.Ranges(r.Context(), docType, issuerID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if ranges == nil {
		ranges = []ledger.FolioRange{}
	}
	s.writeJSON(w, http.StatusOK, ranges)
}

// HandleGetRange Fetch one folio range
// @Summary Get a folio range
// @Tags Ranges
// @Produce json
// @Param id path string true "Range ID"
// @Success 200 {object} ledger.FolioRange
// @Failure 404 {object} httpapi.ErrorResponse
// @Router /api/v1/ranges/{id} [GET]
func (s *Server) HandleGetRange(w http.ResponseWriter, r *http.Request) {
	fr, err := s.ledger.Range(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fr)
}

// HandleExhaustRange Mark a range exhausted
// @Summary Mark a folio range exhausted
// @Description Succeeds only when every folio of the range is used
// @Tags Ranges
// @Param id path string true "Range ID"
// @Success 204
// @Failure 404 {object} httpapi.ErrorResponse
// @Failure 409 {object} httpapi.ErrorResponse "Range still has free folios"
// @Router /api/v1/ranges/{id}/exhaust [POST]
func (s *Server) HandleExhaustRange(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Exhaust(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
