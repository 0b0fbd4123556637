package interfaces

import (
	"context"

	"github.com/ternarybob/vectorpress/internal/models"
)

// LayoutEngine is the deterministic vector layout transformation:
// (metadata, source page) -> single-page A4 PDF bytes. Identical
// metadata and source bytes produce byte-equivalent page content.
type LayoutEngine interface {
	RenderPage(ctx context.Context, meta *models.VectorMetadata, pageIndex int) ([]byte, error)
}
