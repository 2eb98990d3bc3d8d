// Package ledger allocates folios from authorized ranges so that no folio is
// ever issued twice, across goroutines and across processes sharing the
// database.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sentinel errors
var (
	ErrNoRangeAvailable  = fmt.Errorf("no authorized folio range available")
	ErrFolioCollision    = fmt.Errorf("folio already used")
	ErrFolioOutOfRange   = fmt.Errorf("folio outside authorized range")
	ErrRangeNotFound     = fmt.Errorf("folio range not found")
	ErrRangeNotExhausted = fmt.Errorf("folio range still has free folios")
	ErrInvalidRange      = fmt.Errorf("invalid folio range")
	ErrRangeExpired      = fmt.Errorf("folio range expired")
	ErrRangeOverlap      = fmt.Errorf("folio range overlaps an existing range")
	ErrDocumentNotFound  = fmt.Errorf("document not found")
)

const (
	DefaultReservationTTL = 2 * time.Minute
	defaultPageSize       = 256
	uniqueViolationCode   = "23505"
)

// Claim is a tentative folio reservation. It becomes permanent only through
// Finalize; Release gives it back.
type Claim struct {
	RangeID       string
	DocumentType  dte.DocumentType
	IssuerID      string
	Folio         int64
	Authorization dte.Authorization
	LeaseUntil    time.Time
}

// Document is the signed artifact recorded by Finalize
type Document struct {
	ID      string
	Total   int64
	Content []byte
}

// ImportRequest describes a newly authorized range
type ImportRequest struct {
	DocumentType dte.DocumentType
	IssuerID     string
	Start        int64
	End          int64
	AuthorizedAt time.Time
	// Nil means the range never expires
	ExpiresAt *time.Time
	KeyID     int64
	CAF       []byte
}

type folioKey struct {
	rangeID string
	folio   int64
}

// Ledger is safe for concurrent use. Several Ledger instances (processes) may
// share one database: reservations are local hints, the primary key of
// used_folios is the only serialization point.
type Ledger struct {
	db       *gorm.DB
	logger   *zap.Logger
	now      func() time.Time
	leaseTTL time.Duration
	pageSize int

	mu      sync.Mutex
	pending map[folioKey]time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the clock used for expiry and leases
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithReservationTTL sets how long an unfinalized claim blocks its folio
func WithReservationTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.leaseTTL = ttl
		}
	}
}

// WithPageSize sets how many folios are scanned per query
func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// New creates a ledger over db. Tables must exist (see Migrate).
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		db:       db,
		logger:   logger.With(zap.String("component", "ledger")),
		now:      time.Now,
		leaseTTL: DefaultReservationTTL,
		pageSize: defaultPageSize,
		pending:  make(map[folioKey]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Claim reserves the lowest free folio of the oldest usable range for the
// document type and issuer.
func (l *Ledger) Claim(ctx context.Context, documentType dte.DocumentType, issuerID string) (Claim, error) {
	if !documentType.Valid() {
		return Claim{}, errors.Wrapf(dte.ErrUnknownDocumentType, "code %d", documentType)
	}
	issuer, err := utils.NormalizeRUT(issuerID)
	if err != nil {
		return Claim{}, err
	}
	now := l.now()
	l.pruneExpired(now)

	var ranges []FolioRange
	err = l.db.WithContext(ctx).
		Where("issuer_id = ? AND document_type = ? AND status = ?", issuer, int(documentType), StatusActive).
		Order("range_start asc").
		Find(&ranges).Error
	if err != nil {
		return Claim{}, errors.Wrap(err, "failed to load ranges")
	}

	for i := range ranges {
		r := &ranges[i]
		if r.expired(now) {
			l.setStatus(ctx, r, StatusExpired)
			continue
		}
		folio, found, err := l.reserveNext(ctx, r, now)
		if err != nil {
			return Claim{}, err
		}
		if !found {
			continue
		}
		l.logger.Debug("folio claimed",
			zap.String("range_id", r.ID),
			zap.Int("document_type", r.DocumentType),
			zap.Int64("folio", folio),
		)
		return Claim{
			RangeID:       r.ID,
			DocumentType:  documentType,
			IssuerID:      issuer,
			Folio:         folio,
			Authorization: r.authorization(),
			LeaseUntil:    now.Add(l.leaseTTL),
		}, nil
	}
	return Claim{}, errors.Wrapf(ErrNoRangeAvailable, "type %d issuer %s", documentType, issuer)
}

// reserveNext scans the range page by page from the cursor. A range with no
// unused folio is marked exhausted; a range whose unused folios are all
// reserved by in-flight claims is skipped without changing its status.
func (l *Ledger) reserveNext(ctx context.Context, r *FolioRange, now time.Time) (int64, bool, error) {
	var firstUnused int64
	for from := r.Cursor; from <= r.RangeEnd; from += int64(l.pageSize) {
		to := min(from+int64(l.pageSize)-1, r.RangeEnd)
		used, err := l.usedBetween(ctx, r.ID, from, to)
		if err != nil {
			return 0, false, err
		}
		for folio := from; folio <= to; folio++ {
			if used[folio] {
				continue
			}
			if firstUnused == 0 {
				firstUnused = folio
			}
			if l.reserve(folioKey{rangeID: r.ID, folio: folio}, now) {
				l.advanceCursor(ctx, r, firstUnused)
				return folio, true, nil
			}
		}
	}
	if firstUnused == 0 {
		l.setStatus(ctx, r, StatusExhausted)
		return 0, false, nil
	}
	l.advanceCursor(ctx, r, firstUnused)
	return 0, false, nil
}

func (l *Ledger) usedBetween(ctx context.Context, rangeID string, from, to int64) (map[int64]bool, error) {
	var folios []int64
	err := l.db.WithContext(ctx).Model(&UsedFolio{}).
		Where("range_id = ? AND folio BETWEEN ? AND ?", rangeID, from, to).
		Pluck("folio", &folios).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load used folios")
	}
	used := make(map[int64]bool, len(folios))
	for _, f := range folios {
		used[f] = true
	}
	return used, nil
}

func (l *Ledger) reserve(key folioKey, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.pending[key]; ok && now.Before(until) {
		return false
	}
	l.pending[key] = now.Add(l.leaseTTL)
	return true
}

func (l *Ledger) pruneExpired(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, until := range l.pending {
		if !now.Before(until) {
			delete(l.pending, key)
		}
	}
}

// advanceCursor moves the cursor forward only. Failures are logged: the
// cursor is a scan hint and a stale value costs one extra page read.
func (l *Ledger) advanceCursor(ctx context.Context, r *FolioRange, cursor int64) {
	if cursor <= r.Cursor {
		return
	}
	err := l.db.WithContext(ctx).Model(&FolioRange{}).
		Where("id = ? AND cursor < ?", r.ID, cursor).
		Update("cursor", cursor).Error
	if err != nil {
		l.logger.Warn("failed to advance cursor", zap.String("range_id", r.ID), zap.Error(err))
		return
	}
	r.Cursor = cursor
}

func (l *Ledger) setStatus(ctx context.Context, r *FolioRange, status RangeStatus) {
	updates := map[string]interface{}{"status": status}
	if status == StatusExhausted {
		updates["cursor"] = r.RangeEnd + 1
	}
	err := l.db.WithContext(ctx).Model(&FolioRange{}).
		Where("id = ? AND status = ?", r.ID, StatusActive).
		Updates(updates).Error
	if err != nil {
		l.logger.Warn("failed to update range status",
			zap.String("range_id", r.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	r.Status = status
	l.logger.Info("folio range closed",
		zap.String("range_id", r.ID),
		zap.Int("document_type", r.DocumentType),
		zap.String("status", string(status)),
	)
}

// Release drops the reservation of an aborted claim. The folio becomes
// claimable again immediately.
func (l *Ledger) Release(claim Claim) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, folioKey{rangeID: claim.RangeID, folio: claim.Folio})
}

// Finalize records the folio as used together with the signed document, in
// one transaction. A concurrent or earlier use of the same folio fails with
// ErrFolioCollision and nothing is written.
func (l *Ledger) Finalize(ctx context.Context, claim Claim, doc Document) error {
	defer l.Release(claim)
	if doc.ID == "" || len(doc.Content) == 0 {
		return errors.New("document id and content are required")
	}
	digest := sha256.Sum256(doc.Content)
	now := l.now().UTC()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. The range must exist and contain the folio
		var r FolioRange
		if err := tx.Where("id = ?", claim.RangeID).Take(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrRangeNotFound, "range %s", claim.RangeID)
			}
			return errors.Wrap(err, "failed to load range")
		}
		if !r.Contains(claim.Folio) {
			return errors.Wrapf(ErrFolioOutOfRange, "folio %d not in [%d, %d]", claim.Folio, r.RangeStart, r.RangeEnd)
		}

		// 2. Consume the folio; the primary key rejects a second use
		used := UsedFolio{RangeID: r.ID, Folio: claim.Folio, DocumentID: doc.ID, UsedAt: now}
		if err := tx.Create(&used).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrFolioCollision, "folio %d of range %s", claim.Folio, r.ID)
			}
			return errors.Wrap(err, "failed to record used folio")
		}

		// 3. Store the artifact
		issued := IssuedDocument{
			ID:           doc.ID,
			DocumentType: r.DocumentType,
			IssuerID:     r.IssuerID,
			Folio:        claim.Folio,
			RangeID:      r.ID,
			Total:        doc.Total,
			Digest:       hex.EncodeToString(digest[:]),
			Content:      doc.Content,
			CreatedAt:    now,
		}
		if err := tx.Create(&issued).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrFolioCollision, "document %d/%d already issued", r.DocumentType, claim.Folio)
			}
			return errors.Wrap(err, "failed to store document")
		}

		// 4. Step the cursor past a folio consumed in order
		return tx.Model(&FolioRange{}).
			Where("id = ? AND cursor = ?", r.ID, claim.Folio).
			Update("cursor", claim.Folio+1).Error
	})
	if err != nil {
		if errors.Is(err, ErrFolioCollision) {
			l.logger.Warn("folio collision",
				zap.String("range_id", claim.RangeID),
				zap.Int64("folio", claim.Folio),
			)
		}
		return err
	}
	l.logger.Info("folio finalized",
		zap.String("range_id", claim.RangeID),
		zap.Int64("folio", claim.Folio),
		zap.String("document_id", doc.ID),
	)
	return nil
}

// Exhaust marks a range exhausted after checking that no folio is free.
func (l *Ledger) Exhaust(ctx context.Context, rangeID string) error {
	r, err := l.Range(ctx, rangeID)
	if err != nil {
		return err
	}
	if r.Status == StatusExhausted {
		return nil
	}

	var count int64
	err = l.db.WithContext(ctx).Model(&UsedFolio{}).
		Where("range_id = ? AND folio BETWEEN ? AND ?", r.ID, r.RangeStart, r.RangeEnd).
		Count(&count).Error
	if err != nil {
		return errors.Wrap(err, "failed to count used folios")
	}
	if free := r.Size() - count; free > 0 {
		return errors.Wrapf(ErrRangeNotExhausted, "%d of %d folios free", free, r.Size())
	}

	err = l.db.WithContext(ctx).Model(&FolioRange{}).
		Where("id = ?", r.ID).
		Updates(map[string]interface{}{"status": StatusExhausted, "cursor": r.RangeEnd + 1}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark range exhausted")
	}
	l.logger.Info("folio range exhausted", zap.String("range_id", r.ID))
	return nil
}

// Import stores a newly authorized range after validating it against the
// ranges already known for the same document type and issuer.
func (l *Ledger) Import(ctx context.Context, req ImportRequest) (*FolioRange, error) {
	// 1. Shape of the range
	if !req.DocumentType.Valid() {
		return nil, errors.Wrapf(ErrInvalidRange, "unknown document type %d", req.DocumentType)
	}
	issuer, err := utils.NormalizeRUT(req.IssuerID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRange, err.Error())
	}
	if req.Start < 1 || req.Start > req.End {
		return nil, errors.Wrapf(ErrInvalidRange, "bounds [%d, %d]", req.Start, req.End)
	}
	if len(req.CAF) == 0 {
		return nil, errors.Wrap(ErrInvalidRange, "authorization element is empty")
	}

	// 2. Expiry
	now := l.now()
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		return nil, errors.Wrapf(ErrRangeExpired, "expired at %s", req.ExpiresAt.Format(time.RFC3339))
	}

	r := &FolioRange{
		ID:           uuid.NewString(),
		DocumentType: int(req.DocumentType),
		IssuerID:     issuer,
		RangeStart:   req.Start,
		RangeEnd:     req.End,
		Cursor:       req.Start,
		AuthorizedAt: req.AuthorizedAt.UTC(),
		Status:       StatusActive,
		KeyID:        req.KeyID,
		CAF:          append([]byte(nil), req.CAF...),
	}
	if req.ExpiresAt != nil {
		expiresAt := req.ExpiresAt.UTC()
		r.ExpiresAt = &expiresAt
	}

	// 3. Overlap check and insert
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FolioRange
		err := tx.Where("issuer_id = ? AND document_type = ? AND range_start <= ? AND range_end >= ?",
			issuer, r.DocumentType, r.RangeEnd, r.RangeStart).
			Take(&existing).Error
		if err == nil {
			return errors.Wrapf(ErrRangeOverlap, "[%d, %d] intersects range %s [%d, %d]",
				r.RangeStart, r.RangeEnd, existing.ID, existing.RangeStart, existing.RangeEnd)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "failed to check overlap")
		}
		return tx.Create(r).Error
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("folio range imported",
		zap.String("range_id", r.ID),
		zap.String("issuer_id", issuer),
		zap.Int("document_type", r.DocumentType),
		zap.Int64("range_start", r.RangeStart),
		zap.Int64("range_end", r.RangeEnd),
	)
	return r, nil
}

// Range loads one range by id
func (l *Ledger) Range(ctx context.Context, id string) (*FolioRange, error) {
	var r FolioRange
	if err := l.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrRangeNotFound, "range %s", id)
		}
		return nil, errors.Wrap(err, "failed to load range")
	}
	return &r, nil
}

// Ranges lists ranges ordered by type and start. Zero type or empty issuer
// match everything.
func (l *Ledger) Ranges(ctx context.Context, documentType dte.DocumentType, issuerID string) ([]FolioRange, error) {
	q := l.db.WithContext(ctx).Omit("caf")
	if documentType != 0 {
		q = q.Where("document_type = ?", int(documentType))
	}
	if issuerID != "" {
		issuer, err := utils.NormalizeRUT(issuerID)
		if err != nil {
			return nil, err
		}
		q = q.Where("issuer_id = ?", issuer)
	}
	var ranges []FolioRange
	if err := q.Order("issuer_id, document_type, range_start").Find(&ranges).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list ranges")
	}
	return ranges, nil
}

// Document loads an issued document by id
func (l *Ledger) Document(ctx context.Context, id string) (*IssuedDocument, error) {
	var doc IssuedDocument
	if err := l.db.WithContext(ctx).Where("id = ?", id).Take(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrDocumentNotFound, "document %s", id)
		}
		return nil, errors.Wrap(err, "failed to load document")
	}
	return &doc, nil
}

// isUniqueViolation recognizes duplicate keys from any supported driver
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
