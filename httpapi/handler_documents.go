package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/LdDl/dte-potato/issuer"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxBatchSize bounds the documents of one batch request
const maxBatchSize = 500

func documentResponse(res *issuer.Result, includeXML bool) *DocumentResponse {
	resp := &DocumentResponse{
		DocumentID:   res.DocumentID,
		DocumentType: res.DocumentType,
		Folio:        res.Folio,
		RangeID:      res.RangeID,
		Totals:       res.Totals,
		Attempts:     res.Attempts,
	}
	if includeXML {
		resp.SignedXML = string(res.Signed)
	}
	return resp
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// HandleIssueDocument Issue one document
// @Summary Issue a document
// @Description Claims a folio, computes totals, stamps and signs the document
// @Tags Documents
// @Accept json
// @Produce json
// @Param include query string false "xml to embed the signed document"
// @Param request body issuer.Request true "Document request"
// @Success 201 {object} httpapi.DocumentResponse
// @Failure 400 {object} httpapi.ErrorResponse
// @Failure 409 {object} httpapi.ErrorResponse "No folio available"
// @Failure 412 {object} httpapi.ErrorResponse "No valid certificate"
// @Failure 422 {object} httpapi.ErrorResponse "Validation failed"
// @Failure 500 {object} httpapi.ErrorResponse
// @Router /api/v1/documents [POST]
func (s *Server) HandleIssueDocument(w http.ResponseWriter, r *http.Request) {
	var req issuer.Request
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.issuer.IssueDocument(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/documents/"+res.DocumentID)
	s.writeJSON(w, http.StatusCreated, documentResponse(res, r.URL.Query().Get("include") == "xml"))
}

// HandleIssueBatch Issue several documents
// @Summary Issue a batch of documents
// @Description Issues documents concurrently. Each item succeeds or fails on its own.
// @Tags Documents
// @Accept json
// @Produce json
// @Param request body httpapi.BatchRequest true "Document requests"
// @Success 200 {object} httpapi.BatchResponse
// @Failure 400 {object} httpapi.ErrorResponse
// @Router /api/v1/documents/batch [POST]
func (s *Server) HandleIssueBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		s.writeError(w, http.StatusBadRequest, "documents is empty")
		return
	}
	if len(req.Documents) > maxBatchSize {
		s.writeError(w, http.StatusBadRequest, "too many documents in one batch")
		return
	}

	items := s.issuer.IssueBatch(r.Context(), req.Documents)
	resp := BatchResponse{Items: make([]BatchItemResponse, len(items))}
	for i, item := range items {
		if item.Err != nil {
			status, body := s.failure(item.Err)
			resp.Items[i] = BatchItemResponse{Index: i, Status: status, Error: &body}
			resp.Failed++
			continue
		}
		resp.Items[i] = BatchItemResponse{Index: i, Status: http.StatusCreated, Document: documentResponse(item.Result, false)}
		resp.Issued++
	}
	s.logger.Info("batch issued", zap.Int("issued", resp.Issued), zap.Int("failed", resp.Failed))
	s.writeJSON(w, http.StatusOK, resp)
}

// HandleGetDocument Fetch a signed document
// @Summary Get a signed document
// @Description Returns the signed XML exactly as it was emitted
// @Tags Documents
// @Produce xml
// @Param id path string true "Document ID"
// @Success 200 {string} string "Signed DTE XML"
// @Failure 404 {object} httpapi.ErrorResponse
// @Router /api/v1/documents/{id} [GET]
func (s *Server) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ledger.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("X-Document-Digest", doc.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Content)
}
