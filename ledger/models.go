package ledger

import (
	"time"

	"github.com/LdDl/dte-potato/dte"
	"gorm.io/gorm"
)

// RangeStatus is the lifecycle state of an authorized range
type RangeStatus string

const (
	StatusActive    RangeStatus = "active"
	StatusExhausted RangeStatus = "exhausted"
	StatusExpired   RangeStatus = "expired"
)

// FolioRange is an authorized folio range (CAF). Cursor is a lower bound of
// the first unused folio: every folio below it is used.
type FolioRange struct {
	ID           string      `gorm:"primaryKey;size:36" json:"id"`
	DocumentType int         `gorm:"not null;index:idx_range_lookup,priority:2" json:"document_type"`
	IssuerID     string      `gorm:"size:16;not null;index:idx_range_lookup,priority:1" json:"issuer_id"`
	RangeStart   int64       `gorm:"not null" json:"range_start"`
	RangeEnd     int64       `gorm:"not null" json:"range_end"`
	Cursor       int64       `gorm:"not null" json:"cursor"`
	AuthorizedAt time.Time   `json:"authorized_at"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Status       RangeStatus `gorm:"size:16;not null;index" json:"status"`
	KeyID        int64       `json:"key_id"`
	CAF          []byte      `gorm:"not null" json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (FolioRange) TableName() string {
	return "folio_ranges"
}

// Size is the number of folios the range authorizes
func (r *FolioRange) Size() int64 {
	return r.RangeEnd - r.RangeStart + 1
}

// Remaining is an upper bound of the folios still available
func (r *FolioRange) Remaining() int64 {
	if r.Status != StatusActive || r.Cursor > r.RangeEnd {
		return 0
	}
	return r.RangeEnd - r.Cursor + 1
}

// Contains reports whether folio lies inside the range
func (r *FolioRange) Contains(folio int64) bool {
	return folio >= r.RangeStart && folio <= r.RangeEnd
}

func (r *FolioRange) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func (r *FolioRange) authorization() dte.Authorization {
	return dte.Authorization{
		RangeID: r.ID,
		Start:   r.RangeStart,
		End:     r.RangeEnd,
		KeyID:   r.KeyID,
		CAF:     r.CAF,
	}
}

// UsedFolio records a consumed folio. Rows are never updated or deleted; the
// composite primary key is what makes a folio single-use.
type UsedFolio struct {
	RangeID    string    `gorm:"primaryKey;size:36;autoIncrement:false"`
	Folio      int64     `gorm:"primaryKey;autoIncrement:false"`
	DocumentID string    `gorm:"size:36;not null;uniqueIndex"`
	UsedAt     time.Time `gorm:"not null"`
}

func (UsedFolio) TableName() string {
	return "used_folios"
}

// IssuedDocument is a signed document as emitted
type IssuedDocument struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	DocumentType int       `gorm:"not null;uniqueIndex:idx_document_folio,priority:2" json:"document_type"`
	IssuerID     string    `gorm:"size:16;not null;uniqueIndex:idx_document_folio,priority:1" json:"issuer_id"`
	Folio        int64     `gorm:"not null;uniqueIndex:idx_document_folio,priority:3" json:"folio"`
	RangeID      string    `gorm:"size:36;not null;index" json:"range_id"`
	Total        int64     `json:"total"`
	Digest       string    `gorm:"size:64;not null" json:"digest"`
	Content      []byte    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (IssuedDocument) TableName() string {
	return "issued_documents"
}

// Migrate creates or updates the ledger tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&FolioRange{}, &UsedFolio{}, &IssuedDocument{})
}
