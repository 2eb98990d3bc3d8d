package httpapi

import (
	"io"
	"net/http"

	"github.com/LdDl/dte-potato/utils"
	"github.com/LdDl/dte-potato/vault"
	"go.uber.org/zap"
)

// HandleRegisterCertificate Register a PKCS#12 identity
// @Summary Register a signing certificate
// @Description Stores a PKCS#12 identity for an issuer. The passphrase is kept sealed.
// @Tags Certificates
// @Accept multipart/form-data
// @Produce json
// @Param issuer_id formData string true "Issuer RUT"
// @Param passphrase formData string false "PKCS#12 passphrase"
// @Param file formData file true "PKCS#12 file (.p12 or .pfx)"
// @Success 201 {object} vault.SigningIdentity
// @Failure 400 {object} httpapi.ErrorResponse
// @Failure 409 {object} httpapi.ErrorResponse "Already registered"
// @Failure 422 {object} httpapi.ErrorResponse "Wrong passphrase or unusable identity"
// @Router /api/v1/certificates [POST]
func (s *Server) HandleRegisterCertificate(w http.ResponseWriter, r *http.Request) {
	// Limit request size
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	issuerID := r.FormValue("issuer_id")
	if issuerID == "" {
		s.writeError(w, http.StatusBadRequest, "issuer_id is required")
		return
	}
	passphrase := r.FormValue("passphrase")

	// Get file
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to get file: "+err.Error())
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read file: "+err.Error())
		return
	}

	s.logger.Info("received certificate",
		zap.String("issuer_id", issuerID),
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
	)

	identity, err := s.certificates.Register(r.Context(), issuerID, blob, passphrase)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, identity)
}

// HandleListCertificates List registered identities
// @Summary List signing certificates
// @Tags Certificates
// @Produce json
// @Param issuer query string false "Issuer RUT"
// @Success 200 {array} vault.SigningIdentity
// @Failure 400 {object} httpapi.ErrorResponse
// @Router /api/v1/certificates [GET]
func (s *Server) HandleListCertificates(w http.ResponseWriter, r *http.Request) {
	issuerID := r.URL.Query().Get("issuer")
	if issuerID != "" && !utils.ValidRUT(issuerID) {
		s.writeError(w, http.StatusBadRequest, "invalid issuer: "+issuerID)
		return
	}
	identities, err := s.certificates.List(r.Context(), issuerID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if identities == nil {
		identities = []vault.SigningIdentity{}
	}
	s.writeJSON(w, http.StatusOK, identities)
}
