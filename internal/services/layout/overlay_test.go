package layout

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vectorpress/internal/models"
)

func overlayMeta() *models.VectorMetadata {
	return &models.VectorMetadata{
		SourcePDFKey: "documents/source/tickets.pdf",
		TicketCrop: models.TicketCrop{
			XRatio: 0, YRatio: 0, WidthRatio: 1, HeightRatio: 0.5,
		},
		Layout: models.LayoutSpec{
			PageSize:      "A4",
			TotalPages:    5,
			RepeatPerPage: 4,
			SlotSpacingPt: 10,
		},
		Series: []models.Series{{
			ID:        "s1",
			Prefix:    "TK-",
			PadLength: 6,
			Start:     1,
			Step:      1,
			FontSize:  10,
			Color:     "#cc0000",
			Slots:     []models.SeriesSlot{{XRatio: 0.5, YRatio: 0.1}},
		}},
		Watermarks: []models.Watermark{
			{
				ID:         "w-text",
				Type:       models.WatermarkText,
				Opacity:    0.4,
				Rotate:     45,
				Position:   models.Position{X: 0.5, Y: 0.5},
				RelativeTo: models.RelativeToObject,
				Text:       &models.TextWatermark{Value: "VOID", FontSize: 24},
			},
			{
				ID:       "w-svg",
				Type:     models.WatermarkSVG,
				Opacity:  1,
				Position: models.Position{X: 50, Y: 100},
				SVG: &models.SVGWatermark{
					SVGPath: `<svg viewBox="0 0 10 10"><path d="M 0 0 L 10 10" stroke="#000000" fill="none"/></svg>`,
					Scale:   2,
				},
			},
		},
	}
}

func overlayContents(meta *models.VectorMetadata, cropW, cropH float64) []ContentBox {
	slots := BuildSlots(meta.Layout.RepeatPerPage, meta.Layout.SlotSpacingPt)
	contents := make([]ContentBox, len(slots))
	for i, slot := range slots {
		contents[i] = FitContent(slot, cropW, cropH)
	}
	return contents
}

func TestBuildOverlay_Deterministic(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)
	meta := overlayMeta()
	contents := overlayContents(meta, 595.28, 420.945)

	a, err := engine.buildOverlay(meta, 2, contents, 595.28, 420.945)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(a, []byte("%PDF-")))

	b, err := engine.buildOverlay(meta, 2, contents, 595.28, 420.945)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical inputs must serialize identically")
}

func TestBuildOverlay_PageIndexChangesSerials(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)
	meta := overlayMeta()
	meta.Watermarks = nil
	contents := overlayContents(meta, 595.28, 420.945)

	p0, err := engine.buildOverlay(meta, 0, contents, 595.28, 420.945)
	require.NoError(t, err)
	p1, err := engine.buildOverlay(meta, 1, contents, 595.28, 420.945)
	require.NoError(t, err)
	assert.NotEqual(t, p0, p1)
}

func TestBuildOverlay_PerLetterSeries(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)
	meta := overlayMeta()
	meta.Watermarks = nil
	meta.Series[0].LetterFontSizes = []float64{14, 12, 10}
	meta.Series[0].LetterOffsets = []float64{0, 2, 4}
	contents := overlayContents(meta, 595.28, 420.945)

	out, err := engine.buildOverlay(meta, 0, contents, 595.28, 420.945)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestBuildOverlay_RejectsBadWatermarkSVG(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)
	meta := overlayMeta()
	meta.Watermarks = []models.Watermark{{
		ID:       "w-bad",
		Type:     models.WatermarkSVG,
		Opacity:  1,
		Position: models.Position{X: 0, Y: 0},
		SVG:      &models.SVGWatermark{SVGPath: `<svg viewBox="0 0 1 1"><g/></svg>`},
	}}
	contents := overlayContents(meta, 595.28, 420.945)

	_, err := engine.buildOverlay(meta, 0, contents, 595.28, 420.945)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestNormalizeFont(t *testing.T) {
	assert.Equal(t, "Helvetica", normalizeFont(""))
	assert.Equal(t, "Helvetica", normalizeFont("Arial"))
	assert.Equal(t, "Times", normalizeFont("Times New Roman"))
	assert.Equal(t, "Courier", normalizeFont("monospace"))
	assert.Equal(t, "Helvetica", normalizeFont("Comic Sans"))
}

func TestApplyPathStyle(t *testing.T) {
	pdf := newOverlayPDF()
	assert.Equal(t, "B", applyPathStyle(pdf, map[string]string{"fill": "#ff0000", "stroke": "#000000"}, 1).mode)
	assert.Equal(t, "F", applyPathStyle(pdf, map[string]string{"fill": "#ff0000"}, 1).mode)
	assert.Equal(t, "D", applyPathStyle(pdf, map[string]string{"fill": "none", "stroke": "black", "stroke-width": "2pt"}, 1).mode)
	assert.Equal(t, "", applyPathStyle(pdf, map[string]string{"fill": "none"}, 1).mode)
	// Unset fill paints black, matching the SVG default.
	assert.Equal(t, "F", applyPathStyle(pdf, map[string]string{}, 1).mode)
}

func TestApplyPathStyle_Opacities(t *testing.T) {
	pdf := newOverlayPDF()

	st := applyPathStyle(pdf, map[string]string{
		"fill":           "#ff0000",
		"stroke":         "#000000",
		"opacity":        "0.5",
		"fill-opacity":   "0.8",
		"stroke-opacity": "0.25",
	}, 1)
	assert.Equal(t, "B", st.mode)
	assert.InDelta(t, 0.4, st.fillAlpha, 1e-9)
	assert.InDelta(t, 0.125, st.strokeAlpha, 1e-9)

	// Absent opacity attributes paint fully opaque.
	st = applyPathStyle(pdf, map[string]string{"fill": "#ff0000"}, 1)
	assert.Equal(t, 1.0, st.fillAlpha)
	assert.Equal(t, 1.0, st.strokeAlpha)
}

func TestDashPattern(t *testing.T) {
	assert.Equal(t, []float64{4, 2}, dashPattern("4,2", 1))
	assert.Equal(t, []float64{8, 4}, dashPattern("4 2", 2))
	assert.Empty(t, dashPattern("none", 1))
	assert.Empty(t, dashPattern("", 1))
	assert.Empty(t, dashPattern("4,-2", 1))
}

func TestLineStyles(t *testing.T) {
	assert.Equal(t, "butt", lineCapStyle(""))
	assert.Equal(t, "round", lineCapStyle("round"))
	assert.Equal(t, "square", lineCapStyle("square"))
	assert.Equal(t, "miter", lineJoinStyle(""))
	assert.Equal(t, "round", lineJoinStyle("round"))
	assert.Equal(t, "bevel", lineJoinStyle("bevel"))
}

func TestBuildOverlay_StrokeAttributesAffectOutput(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)
	meta := overlayMeta()
	contents := overlayContents(meta, 595.28, 420.945)

	solid, err := engine.buildOverlay(meta, 0, contents, 595.28, 420.945)
	require.NoError(t, err)

	meta.Watermarks[1].SVG.SVGPath = `<svg viewBox="0 0 10 10"><path d="M 0 0 L 10 10" stroke="#000000" fill="none" stroke-dasharray="2,1" stroke-linecap="round" stroke-opacity="0.5"/></svg>`
	styled, err := engine.buildOverlay(meta, 0, contents, 595.28, 420.945)
	require.NoError(t, err)

	assert.NotEqual(t, solid, styled)
}

func TestParsePt(t *testing.T) {
	assert.Equal(t, 2.0, parsePt("2"))
	assert.Equal(t, 2.5, parsePt("2.5pt"))
	assert.Equal(t, 3.0, parsePt("3px"))
	assert.Equal(t, 0.0, parsePt("abc"))
}
