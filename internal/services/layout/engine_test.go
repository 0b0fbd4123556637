package layout

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/models"
	"github.com/ternarybob/vectorpress/internal/storage/memory"
)

// fakeConverter turns any normalized SVG into a fixed one-page PDF.
type fakeConverter struct {
	calls int
}

func (c *fakeConverter) Convert(ctx context.Context, svg []byte) ([]byte, error) {
	c.calls++
	return sourcePDF(nil), nil
}

// sourcePDF builds a real A4 source page with some visible content.
func sourcePDF(t *testing.T) []byte {
	if t != nil {
		t.Helper()
	}
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 24)
	pdf.Text(100, 200, "TICKET MASTER")
	pdf.SetLineWidth(2)
	pdf.Rect(72, 72, 400, 300, "D")
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		if t != nil {
			t.Fatal(err)
		}
		panic(err)
	}
	return buf.Bytes()
}

func engineMeta() *models.VectorMetadata {
	return &models.VectorMetadata{
		SourcePDFKey: "documents/source/tickets.pdf",
		TicketCrop: models.TicketCrop{
			XRatio: 0.1, YRatio: 0.1, WidthRatio: 0.6, HeightRatio: 0.4,
		},
		Layout: models.LayoutSpec{
			PageSize:      "A4",
			TotalPages:    3,
			RepeatPerPage: 2,
			SlotSpacingPt: 10,
		},
		Series: []models.Series{{
			ID:        "s1",
			Prefix:    "TK-",
			PadLength: 6,
			Start:     1,
			Step:      1,
			FontSize:  10,
			Slots:     []models.SeriesSlot{{XRatio: 0.5, YRatio: 0.1}},
		}},
	}
}

func newTestEngine(t *testing.T) (*Engine, *memory.BlobStore, *fakeConverter) {
	t.Helper()
	blobs := memory.NewBlobStore()
	docs := memory.NewDocumentStore()
	conv := &fakeConverter{}
	return NewEngine(blobs, docs, conv, arbor.NewLogger()), blobs, conv
}

func TestRenderPage_PDFSource(t *testing.T) {
	engine, blobs, _ := newTestEngine(t)
	ctx := context.Background()
	meta := engineMeta()
	require.NoError(t, blobs.Put(ctx, meta.SourcePDFKey, sourcePDF(t), "application/pdf"))

	out, err := engine.RenderPage(ctx, meta, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.NotEmpty(t, out)
}

func TestRenderPage_SVGSource(t *testing.T) {
	engine, blobs, conv := newTestEngine(t)
	ctx := context.Background()
	meta := engineMeta()
	svg := []byte(`<svg viewBox="0 0 100 100"><rect x="10" y="10" width="80" height="80"/></svg>`)
	require.NoError(t, blobs.Put(ctx, meta.SourcePDFKey, svg, "image/svg+xml"))

	out, err := engine.RenderPage(ctx, meta, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	require.Equal(t, 1, conv.calls)

	// The second page reuses the converted source from the content cache.
	_, err = engine.RenderPage(ctx, meta, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.calls)
}

func TestRenderPage_PageIndexBounds(t *testing.T) {
	engine, blobs, _ := newTestEngine(t)
	ctx := context.Background()
	meta := engineMeta()
	require.NoError(t, blobs.Put(ctx, meta.SourcePDFKey, sourcePDF(t), "application/pdf"))

	for _, idx := range []int{-1, 3} {
		_, err := engine.RenderPage(ctx, meta, idx)
		require.Error(t, err, "index %d", idx)
		assert.True(t, models.IsKind(err, models.KindBadRequest))
	}
}

func TestRenderPage_SourceMissing(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.RenderPage(context.Background(), engineMeta(), 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestRenderPage_SourceNeitherPDFNorSVG(t *testing.T) {
	engine, blobs, _ := newTestEngine(t)
	ctx := context.Background()
	meta := engineMeta()
	require.NoError(t, blobs.Put(ctx, meta.SourcePDFKey, []byte("plain text"), "text/plain"))

	_, err := engine.RenderPage(ctx, meta, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestRenderPage_DocumentReference(t *testing.T) {
	ctx := context.Background()
	blobs := memory.NewBlobStore()
	docs := memory.NewDocumentStore()
	engine := NewEngine(blobs, docs, &fakeConverter{}, arbor.NewLogger())

	require.NoError(t, docs.Create(ctx, &models.Document{
		ID:      "doc-42",
		BlobKey: "documents/source/master.pdf",
	}))
	require.NoError(t, blobs.Put(ctx, "documents/source/master.pdf", sourcePDF(t), "application/pdf"))

	meta := engineMeta()
	meta.SourcePDFKey = "document:doc-42"
	out, err := engine.RenderPage(ctx, meta, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	t.Run("unknown document", func(t *testing.T) {
		meta := engineMeta()
		meta.SourcePDFKey = "document:missing"
		_, err := engine.RenderPage(ctx, meta, 0)
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.KindNotFound))
	})
}

func TestRenderPage_CropPageIndexBeyondSource(t *testing.T) {
	engine, blobs, _ := newTestEngine(t)
	ctx := context.Background()
	meta := engineMeta()
	meta.TicketCrop.PageIndex = 5
	require.NoError(t, blobs.Put(ctx, meta.SourcePDFKey, sourcePDF(t), "application/pdf"))

	_, err := engine.RenderPage(ctx, meta, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}
