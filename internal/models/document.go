package models

import (
	"fmt"
	"time"
)

// ColorMode is the export color space of a document.
type ColorMode string

const (
	ColorModeRGB  ColorMode = "RGB"
	ColorModeCMYK ColorMode = "CMYK"
)

// Document describes a stored source artifact. ExportVersion increments
// whenever the materialized export becomes stale.
type Document struct {
	ID            string    `bson:"id" json:"id"`
	Title         string    `bson:"title" json:"title"`
	BlobKey       string    `bson:"blobKey" json:"blobKey"`
	MIME          string    `bson:"mime" json:"mime"`
	ColorMode     ColorMode `bson:"colorMode" json:"colorMode"`
	ExportVersion int       `bson:"exportVersion" json:"exportVersion"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
}

// ExportCacheKey is the KV key under which a materialized export is
// cached. Bumping ExportVersion moves the key, invalidating the cache.
func (d *Document) ExportCacheKey(mode ColorMode) string {
	return fmt.Sprintf("final_pdf:%s:%d:%s", d.ID, d.ExportVersion, mode)
}

// ExportBlobKey is the blob key of the materialized export for the
// current version and color mode.
func (d *Document) ExportBlobKey(mode ColorMode) string {
	return fmt.Sprintf("documents/export/%s/%d/%s.pdf", d.ID, d.ExportVersion, mode)
}

// DocumentAccess is a user's grant against a document. It is never
// deleted; revocation is a flag. PrintsUsed is the single canonical
// consumption counter; UsedPrints is a legacy field kept read-only and
// only consulted when backfilling the cache counter.
type DocumentAccess struct {
	DocumentID  string     `bson:"documentId" json:"documentId"`
	UserID      string     `bson:"userId" json:"userId"`
	PrintQuota  int        `bson:"printQuota" json:"printQuota"`
	PrintsUsed  int        `bson:"printsUsed" json:"printsUsed"`
	UsedPrints  int        `bson:"usedPrints,omitempty" json:"usedPrints,omitempty"`
	Revoked     bool       `bson:"revoked" json:"revoked"`
	LastPrintAt *time.Time `bson:"lastPrintAt,omitempty" json:"lastPrintAt,omitempty"`
	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// Remaining computes the prints left on the grant, treating the legacy
// counter as a floor on consumption.
func (a *DocumentAccess) Remaining() int {
	used := a.PrintsUsed
	if a.UsedPrints > used {
		used = a.UsedPrints
	}
	remaining := a.PrintQuota - used
	if remaining < 0 {
		return 0
	}
	return remaining
}
