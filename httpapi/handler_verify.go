package httpapi

import (
	"io"
	"net/http"

	"github.com/LdDl/dte-potato/signer"
)

// HandleVerify Verify a signed document
// @Summary Verify a signed document
// @Description Checks the XML signature and the electronic stamp with the embedded certificate
// @Tags Documents
// @Accept xml
// @Produce json
// @Param request body string true "Signed DTE XML"
// @Success 200 {object} httpapi.VerifyResponse
// @Failure 400 {object} httpapi.ErrorResponse
// @Failure 422 {object} httpapi.VerifyResponse "Verification failed"
// @Router /api/v1/verify [POST]
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	v, err := signer.Verify(data)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, VerifyResponse{Valid: false, Error: err.Error()})
		return
	}
	stampedAt := v.Stamp.Timestamp
	s.writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:        true,
		DocumentID:   v.DocumentID,
		DocumentType: v.Stamp.Fields.Type.Code(),
		Folio:        v.Stamp.Fields.Folio,
		IssuerID:     v.Stamp.Fields.IssuerRUT,
		Total:        v.Stamp.Fields.Total,
		Subject:      v.Certificate.Subject.CommonName,
		StampedAt:    &stampedAt,
	})
}
