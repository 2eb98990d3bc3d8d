// Package issuer runs the issuance pipeline: claim a folio, assemble, stamp,
// sign and finalize. It also imports authorized ranges.
package issuer

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/LdDl/dte-potato/caf"
	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/signer"
	"github.com/LdDl/dte-potato/stamp"
	"github.com/LdDl/dte-potato/utils"
	"github.com/LdDl/dte-potato/vault"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors
var (
	ErrTooManyCollisions   = fmt.Errorf("folio collisions exceeded retry limit")
	ErrUnknownAuthorityKey = fmt.Errorf("authorization signed by an unknown authority key")
)

const (
	DefaultMaxClaimAttempts = 8
	DefaultBatchConcurrency = 8
)

// FolioLedger is the subset of the ledger the pipeline depends on
type FolioLedger interface {
	Claim(ctx context.Context, documentType dte.DocumentType, issuerID string) (ledger.Claim, error)
	Release(claim ledger.Claim)
	Finalize(ctx context.Context, claim ledger.Claim, doc ledger.Document) error
	Import(ctx context.Context, req ledger.ImportRequest) (*ledger.FolioRange, error)
}

// KeyProvider hands out unlocked signing keys
type KeyProvider interface {
	GetSigningKey(ctx context.Context, issuerID string) (*vault.SigningKey, error)
}

// Request is one document to issue
type Request struct {
	DocumentType int             `json:"document_type"`
	IssuerID     string          `json:"issuer_id"`
	Header       dte.Header      `json:"header"`
	Lines        []dte.Line      `json:"lines"`
	References   []dte.Reference `json:"references,omitempty"`
}

// Result describes an issued document
type Result struct {
	DocumentID   string     `json:"document_id"`
	DocumentType int        `json:"document_type"`
	Folio        int64      `json:"folio"`
	RangeID      string     `json:"range_id"`
	Totals       dte.Totals `json:"totals"`
	Attempts     int        `json:"attempts"`
	Signed       []byte     `json:"-"`
}

// ImportOptions adjust ImportAuthorizedRange
type ImportOptions struct {
	// Overrides the validity policy of the document type
	ExpiresAt *time.Time
}

// Service is the issuance entry point
type Service struct {
	ledger    FolioLedger
	keys      KeyProvider
	assembler *dte.Assembler
	stamps    *stamp.Generator
	signer    *signer.Signer
	logger    *zap.Logger
	now       func() time.Time

	maxAttempts      int
	batchConcurrency int
	authorityKeys    map[int64]*rsa.PublicKey
}

// Option configures a Service
type Option func(*Service)

// WithAssembler replaces the default assembler (19% VAT, 10% withholding)
func WithAssembler(a *dte.Assembler) Option {
	return func(s *Service) {
		s.assembler = a
	}
}

// WithClock sets the clock of stamps, signatures and import checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxClaimAttempts bounds Claim+Finalize retries on collisions
func WithMaxClaimAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBatchConcurrency bounds the parallelism of IssueBatch
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

// WithAuthorityKeys enables authority signature checks on import. Keys are
// indexed by IDK.
func WithAuthorityKeys(keys map[int64]*rsa.PublicKey) Option {
	return func(s *Service) {
		s.authorityKeys = keys
	}
}

// New wires the pipeline
func New(l FolioLedger, keys KeyProvider, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		ledger:           l,
		keys:             keys,
		logger:           logger.With(zap.String("component", "issuer")),
		now:              time.Now,
		maxAttempts:      DefaultMaxClaimAttempts,
		batchConcurrency: DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.assembler == nil {
		s.assembler = dte.NewAssembler(dte.WithClock(s.now))
	}
	s.stamps = stamp.NewGenerator(s.now)
	s.signer = signer.New(s.now)
	return s
}

// IssueDocument validates the request, then claims a folio and produces the
// signed document. Collisions are retried; any other failure releases the
// claim and is returned as is.
func (s *Service) IssueDocument(ctx context.Context, req Request) (*Result, error) {
	// 1. Validate before touching keys or folios
	draft, issuer, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	// 2. Unlock the signing key before the first claim, so a missing
	// certificate never consumes a folio
	key, err := s.keys.GetSigningKey(ctx, issuer)
	if err != nil {
		return nil, err
	}
	defer func() {
		if key != nil {
			key.Release()
		}
	}()

	// 3. Claim, stamp, sign, finalize. Every attempt holds its own unlocked key.
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if key == nil {
			next, err := s.keys.GetSigningKey(ctx, issuer)
			if err != nil {
				return nil, err
			}
			key = next
		}
		claim, err := s.ledger.Claim(ctx, draft.Type, issuer)
		if err != nil {
			return nil, err
		}
		result, err := s.issueClaimed(ctx, draft, claim, key)
		key.Release()
		key = nil
		if err == nil {
			result.Attempts = attempt
			s.logger.Info("document issued",
				zap.String("document_id", result.DocumentID),
				zap.String("issuer_id", issuer),
				zap.Int("document_type", result.DocumentType),
				zap.Int64("folio", result.Folio),
				zap.Int("attempt", attempt),
			)
			return result, nil
		}
		s.ledger.Release(claim)
		if !errors.Is(err, ledger.ErrFolioCollision) {
			return nil, err
		}
		s.logger.Debug("retrying after folio collision",
			zap.Int64("folio", claim.Folio),
			zap.Int("attempt", attempt),
		)
	}
	return nil, errors.Wrapf(ErrTooManyCollisions, "%d attempts", s.maxAttempts)
}

// prepare resolves the issuer and assembles a draft numbered with a
// placeholder folio.
func (s *Service) prepare(req Request) (*dte.Draft, string, error) {
	var fields []dte.FieldError
	docType, err := dte.ParseDocumentType(req.DocumentType)
	if err != nil {
		fields = append(fields, dte.FieldError{Field: "document_type", Message: err.Error()})
	}
	issuer, err := utils.NormalizeRUT(req.IssuerID)
	if err != nil {
		fields = append(fields, dte.FieldError{Field: "issuer_id", Message: err.Error()})
	}

	header := req.Header
	if issuer != "" {
		if header.Issuer.RUT == "" {
			header.Issuer.RUT = issuer
		} else if rut, err := utils.NormalizeRUT(header.Issuer.RUT); err == nil && rut != issuer {
			fields = append(fields, dte.FieldError{Field: "header.issuer.rut", Message: "does not match issuer_id"})
		}
	}
	if len(fields) > 0 {
		return nil, "", &dte.ValidationError{Fields: fields}
	}

	draft, err := s.assembler.Assemble(docType, 1, header, req.Lines, req.References)
	if err != nil {
		return nil, "", err
	}
	return draft, issuer, nil
}

func (s *Service) issueClaimed(ctx context.Context, draft *dte.Draft, claim ledger.Claim, key *vault.SigningKey) (*Result, error) {
	d := draft.WithFolio(claim.Folio).WithAuthorization(claim.Authorization)

	st, err := s.stamps.Stamp(d, key.PrivateKey())
	if err != nil {
		return nil, err
	}
	d = d.WithStamp(st)

	signed, err := s.signer.Sign(d, key)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	err = s.ledger.Finalize(ctx, claim, ledger.Document{ID: id, Total: d.Totals.Total, Content: signed})
	if err != nil {
		return nil, err
	}
	return &Result{
		DocumentID:   id,
		DocumentType: int(d.Type),
		Folio:        d.Folio,
		RangeID:      claim.RangeID,
		Totals:       d.Totals,
		Signed:       signed,
	}, nil
}

// BatchItem is the outcome of one request of a batch
type BatchItem struct {
	Result *Result
	Err    error
}

// IssueBatch issues requests concurrently. Items fail independently; the
// returned slice is index-aligned with reqs.
func (s *Service) IssueBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			res, err := s.IssueDocument(ctx, reqs[i])
			items[i] = BatchItem{Result: res, Err: err}
			return nil
		})
	}
	g.Wait()
	return items
}

// ImportAuthorizedRange parses an authorization file, checks the authority
// signature when keys are configured and stores the range.
func (s *Service) ImportAuthorizedRange(ctx context.Context, data []byte, opts ImportOptions) (*ledger.FolioRange, error) {
	d, err := caf.Parse(data)
	if err != nil {
		return nil, err
	}

	if len(s.authorityKeys) > 0 {
		pub, ok := s.authorityKeys[d.KeyID]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownAuthorityKey, "IDK %d", d.KeyID)
		}
		if err := d.VerifyAuthority(pub); err != nil {
			return nil, err
		}
	}

	expiresAt := opts.ExpiresAt
	if expiresAt == nil {
		if policy := d.ExpiresAt(); !policy.IsZero() {
			expiresAt = &policy
		}
	}
	return s.ledger.Import(ctx, ledger.ImportRequest{
		DocumentType: d.DocumentType,
		IssuerID:     d.IssuerRUT,
		Start:        d.Start,
		End:          d.End,
		AuthorizedAt: d.AuthorizedAt,
		ExpiresAt:    expiresAt,
		KeyID:        d.KeyID,
		CAF:          d.CAF,
	})
}
