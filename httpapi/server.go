package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/issuer"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/vault"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes bounds JSON and XML request bodies
	DefaultMaxBodyBytes = 2 << 20
	// maxUploadSize bounds multipart uploads
	maxUploadSize = 10 << 20 // 10 MB
)

// Issuer is the issuance pipeline
type Issuer interface {
	IssueDocument(ctx context.Context, req issuer.Request) (*issuer.Result, error)
	IssueBatch(ctx context.Context, reqs []issuer.Request) []issuer.BatchItem
	ImportAuthorizedRange(ctx context.Context, data []byte, opts issuer.ImportOptions) (*ledger.FolioRange, error)
}

// Ledger exposes the read side of the folio ledger
type Ledger interface {
	Range(ctx context.Context, id string) (*ledger.FolioRange, error)
	Ranges(ctx context.Context, documentType dte.DocumentType, issuerID string) ([]ledger.FolioRange, error)
	Exhaust(ctx context.Context, rangeID string) error
	Document(ctx context.Context, id string) (*ledger.IssuedDocument, error)
}

// Certificates is the certificate vault
type Certificates interface {
	Register(ctx context.Context, issuerID string, blob []byte, passphrase string) (*vault.SigningIdentity, error)
	List(ctx context.Context, issuerID string) ([]vault.SigningIdentity, error)
}

// Server holds the handlers' dependencies
type Server struct {
	issuer       Issuer
	ledger       Ledger
	certificates Certificates
	logger       *zap.Logger
	maxBodyBytes int64
}

// Option configures a Server
type Option func(*Server)

// WithMaxBodyBytes bounds JSON and XML request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewServer creates handlers over the given services
func NewServer(iss Issuer, l Ledger, certs Certificates, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		issuer:       iss,
		ledger:       l,
		certificates: certs,
		logger:       logger.With(zap.String("component", "httpapi")),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})

	r.Get("/health", s.HandleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/documents", s.HandleIssueDocument)
		api.Post("/documents/batch", s.HandleIssueBatch)
		api.Get("/documents/{id}", s.HandleGetDocument)

		api.Post("/ranges", s.HandleImportRange)
		api.Post("/ranges/archive", s.HandleImportArchive)
		api.Get("/ranges", s.HandleListRanges)
		api.Get("/ranges/{id}", s.HandleGetRange)
		api.Post("/ranges/{id}/exhaust", s.HandleExhaustRange)

		api.Post("/certificates", s.HandleRegisterCertificate)
		api.Get("/certificates", s.HandleListCertificates)

		api.Post("/verify", s.HandleVerify)
	})
	return r
}

// logRequest writes one access log line per request
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP Request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", r.RemoteAddr),
		)
	})
}
