package layout

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdftypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
	svgsvc "github.com/ternarybob/vectorpress/internal/services/svg"
)

var pdfHeader = []byte("%PDF-")

// Engine renders single A4 pages from vector metadata. It is safe for
// concurrent use; per-render state lives in a temp directory.
type Engine struct {
	blobs     interfaces.BlobStorage
	docs      interfaces.DocumentStorage
	converter interfaces.SVGConverter
	logger    arbor.ILogger

	convCache *Cache[[]byte]
	pathCache *Cache[[]svgsvc.Path]
	conf      *model.Configuration
}

var _ interfaces.LayoutEngine = (*Engine)(nil)

// NewEngine creates the layout engine.
func NewEngine(blobs interfaces.BlobStorage, docs interfaces.DocumentStorage, converter interfaces.SVGConverter, logger arbor.ILogger) *Engine {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Engine{
		blobs:     blobs,
		docs:      docs,
		converter: converter,
		logger:    logger,
		convCache: NewCache[[]byte](16),
		pathCache: NewCache[[]svgsvc.Path](64),
		conf:      conf,
	}
}

// RenderPage produces the pageIndex-th output page: source page
// cropped, tiled into slots, then stamped with the overlay. Identical
// metadata and source bytes yield byte-equivalent page content.
func (e *Engine) RenderPage(ctx context.Context, meta *models.VectorMetadata, pageIndex int) ([]byte, error) {
	if pageIndex < 0 || pageIndex >= meta.Layout.TotalPages {
		return nil, models.Errorf(models.KindBadRequest, "page index %d outside [0,%d)", pageIndex, meta.Layout.TotalPages)
	}

	start := time.Now()
	source, err := e.resolveSource(ctx, meta)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "vectorpress-render-*")
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "render workspace", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(srcPath, source, 0o600); err != nil {
		return nil, models.WrapError(models.KindInternal, "write source", err)
	}

	crop, err := e.cropBox(srcPath, meta.TicketCrop)
	if err != nil {
		return nil, err
	}

	croppedPath := filepath.Join(dir, "cropped.pdf")
	if err := e.cropSource(srcPath, croppedPath, dir, meta.TicketCrop.PageIndex, crop); err != nil {
		return nil, err
	}

	slots := BuildSlots(meta.Layout.RepeatPerPage, meta.Layout.SlotSpacingPt)
	contents := make([]ContentBox, len(slots))
	for i, slot := range slots {
		contents[i] = FitContent(slot, crop.W, crop.H)
	}

	pagePath, err := e.composePage(dir, croppedPath, contents)
	if err != nil {
		return nil, err
	}

	if len(meta.Series) > 0 || len(meta.Watermarks) > 0 {
		overlay, err := e.buildOverlay(meta, pageIndex, contents, crop.W, crop.H)
		if err != nil {
			return nil, err
		}
		overlayPath := filepath.Join(dir, "overlay.pdf")
		if err := os.WriteFile(overlayPath, overlay, 0o600); err != nil {
			return nil, models.WrapError(models.KindInternal, "write overlay", err)
		}
		stamped := filepath.Join(dir, "page-final.pdf")
		if err := e.stampPDF(pagePath, stamped, overlayPath, "pos:bl, off:0 0, scale:1 abs, rot:0"); err != nil {
			return nil, err
		}
		pagePath = stamped
	}

	out, err := os.ReadFile(pagePath)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "read rendered page", err)
	}
	if !bytes.HasPrefix(out, pdfHeader) {
		return nil, models.NewError(models.KindBadPDFHeader, "rendered page is not a PDF")
	}

	e.logger.Debug().
		Int("page_index", pageIndex).
		Int("slots", len(slots)).
		Int("size", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Rendered page")
	return out, nil
}

// resolveSource loads the source bytes, following a document:{id}
// reference to its blob, and converts SVG sources to PDF through the
// content-addressed conversion cache.
func (e *Engine) resolveSource(ctx context.Context, meta *models.VectorMetadata) ([]byte, error) {
	key := meta.SourcePDFKey
	if id := meta.SourceDocumentID(); id != "" {
		doc, err := e.docs.Get(ctx, id)
		if err != nil {
			if err == interfaces.ErrNotFound {
				return nil, models.Errorf(models.KindNotFound, "document %s not found", id)
			}
			return nil, err
		}
		key = doc.BlobKey
	}

	raw, err := e.blobs.Get(ctx, key)
	if err != nil {
		if err == interfaces.ErrBlobNotFound {
			return nil, models.Errorf(models.KindNotFound, "source %s not found", key)
		}
		return nil, err
	}

	if bytes.HasPrefix(raw, pdfHeader) {
		return raw, nil
	}
	if bytes.Contains(raw, []byte("<svg")) {
		return e.convertSVG(ctx, raw)
	}
	return nil, models.Errorf(models.KindValidation, "source %s is neither PDF nor SVG", key)
}

func (e *Engine) convertSVG(ctx context.Context, raw []byte) ([]byte, error) {
	key := ContentKey(raw)
	if pdf, ok := e.convCache.Get(key); ok {
		return pdf, nil
	}
	normalized, err := svgsvc.Normalize(raw, A4Width, A4Height)
	if err != nil {
		return nil, err
	}
	pdf, err := e.converter.Convert(ctx, normalized)
	if err != nil {
		return nil, err
	}
	e.convCache.Put(key, pdf)
	return pdf, nil
}

// sanitizedPaths sanitizes watermark SVG through the content-addressed
// path cache.
func (e *Engine) sanitizedPaths(raw string) ([]svgsvc.Path, error) {
	key := ContentKey([]byte(raw))
	if p, ok := e.pathCache.Get(key); ok {
		return p, nil
	}
	p, err := svgsvc.SanitizeWatermark(raw)
	if err != nil {
		return nil, err
	}
	e.pathCache.Put(key, p)
	return p, nil
}

// cropBox reads the source page dimensions and resolves the crop
// window, clamping it to the page.
func (e *Engine) cropBox(srcPath string, tc models.TicketCrop) (CropBox, error) {
	dims, err := api.PageDimsFile(srcPath)
	if err != nil {
		return CropBox{}, models.WrapError(models.KindInternal, "read page dimensions", err)
	}
	if tc.PageIndex >= len(dims) {
		return CropBox{}, models.Errorf(models.KindValidation, "crop pageIndex %d exceeds source page count %d", tc.PageIndex, len(dims))
	}
	dim := dims[tc.PageIndex]

	crop := ResolveCrop(tc, dim.Width, dim.Height)
	if crop.X+crop.W > dim.Width {
		crop.W = Round3(dim.Width - crop.X)
	}
	if crop.Y+crop.H > dim.Height {
		crop.H = Round3(dim.Height - crop.Y)
	}
	if crop.W <= 0 || crop.H <= 0 {
		return CropBox{}, models.NewError(models.KindValidation, "crop window is empty")
	}
	return crop, nil
}

// cropSource extracts the crop page and applies the crop box.
func (e *Engine) cropSource(srcPath, outPath, dir string, cropPage int, crop CropBox) error {
	trimmed := filepath.Join(dir, "trimmed.pdf")
	pages := []string{strconv.Itoa(cropPage + 1)}
	if err := api.TrimFile(srcPath, trimmed, pages, e.conf); err != nil {
		return models.WrapError(models.KindInternal, "extract source page", err)
	}

	llx, lly, urx, ury := crop.Rect()
	box := &model.Box{Rect: pdftypes.NewRectangle(llx, lly, urx, ury)}
	if err := api.CropFile(trimmed, outPath, nil, box, e.conf); err != nil {
		return models.WrapError(models.KindInternal, "apply crop box", err)
	}
	return nil
}

// composePage stamps one scaled copy of the cropped source into every
// slot of a blank A4 page.
func (e *Engine) composePage(dir, croppedPath string, contents []ContentBox) (string, error) {
	base := filepath.Join(dir, "page-0.pdf")
	if err := writeBlankA4(base); err != nil {
		return "", err
	}

	cur := base
	for i, content := range contents {
		next := filepath.Join(dir, fmt.Sprintf("page-%d.pdf", i+1))
		// Stamp scale factors cap at 1; an undersized crop renders at
		// native size inside its slot.
		scale := content.Scale
		if scale > 1 {
			scale = 1
		}
		desc := fmt.Sprintf("pos:bl, off:%.3f %.3f, scale:%.6f abs, rot:0",
			content.Left, content.Bottom, scale)
		if err := e.stampPDF(cur, next, croppedPath, desc); err != nil {
			return "", err
		}
		cur = next
	}
	return cur, nil
}

// stampPDF overlays stampPath onto every page of inPath.
func (e *Engine) stampPDF(inPath, outPath, stampPath, desc string) error {
	wm, err := api.PDFWatermark(stampPath, desc, true, false, pdftypes.POINTS)
	if err != nil {
		return models.WrapError(models.KindInternal, "build stamp", err)
	}
	if err := api.AddWatermarksFile(inPath, outPath, nil, wm, e.conf); err != nil {
		return models.WrapError(models.KindInternal, "apply stamp", err)
	}
	return nil
}

func writeBlankA4(path string) error {
	pdf := newOverlayPDF()
	f, err := os.Create(path)
	if err != nil {
		return models.WrapError(models.KindInternal, "create base page", err)
	}
	defer f.Close()
	if err := pdf.Output(f); err != nil {
		return models.WrapError(models.KindInternal, "write base page", err)
	}
	return nil
}
