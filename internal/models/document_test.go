package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocument_ExportKeys(t *testing.T) {
	doc := &Document{ID: "doc-7", ExportVersion: 3}

	assert.Equal(t, "final_pdf:doc-7:3:CMYK", doc.ExportCacheKey(ColorModeCMYK))
	assert.Equal(t, "documents/export/doc-7/3/RGB.pdf", doc.ExportBlobKey(ColorModeRGB))

	// A version bump moves both keys.
	doc.ExportVersion++
	assert.Equal(t, "final_pdf:doc-7:4:RGB", doc.ExportCacheKey(ColorModeRGB))
}

func TestDocumentAccess_Remaining(t *testing.T) {
	tests := []struct {
		name string
		acc  DocumentAccess
		want int
	}{
		{"simple", DocumentAccess{PrintQuota: 10, PrintsUsed: 3}, 7},
		{"legacy floor wins", DocumentAccess{PrintQuota: 10, PrintsUsed: 3, UsedPrints: 6}, 4},
		{"canonical wins", DocumentAccess{PrintQuota: 10, PrintsUsed: 8, UsedPrints: 2}, 2},
		{"overdrawn clamps", DocumentAccess{PrintQuota: 5, PrintsUsed: 9}, 0},
		{"exhausted", DocumentAccess{PrintQuota: 4, PrintsUsed: 4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.acc.Remaining())
		})
	}
}
