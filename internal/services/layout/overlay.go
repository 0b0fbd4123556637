package layout

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ternarybob/vectorpress/internal/models"
	svgsvc "github.com/ternarybob/vectorpress/internal/services/svg"
)

// Fixed document dates keep produced pages byte-stable for identical
// inputs.
var fixedPDFDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// normalizeFont maps requested font families onto the core fonts every
// PDF viewer carries.
func normalizeFont(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "helvetica", "arial", "sans-serif":
		return "Helvetica"
	case "times", "times-roman", "times new roman", "serif":
		return "Times"
	case "courier", "monospace":
		return "Courier"
	default:
		return "Helvetica"
	}
}

func newOverlayPDF() *fpdf.Fpdf {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetCreationDate(fixedPDFDate)
	pdf.SetModificationDate(fixedPDFDate)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	return pdf
}

// buildOverlay renders one page's serial numbers and watermarks onto a
// transparent-background A4 page.
func (e *Engine) buildOverlay(meta *models.VectorMetadata, pageIndex int, contents []ContentBox, objW, objH float64) ([]byte, error) {
	pdf := newOverlayPDF()

	for _, s := range meta.Series {
		drawSeries(pdf, s, meta.Layout.RepeatPerPage, pageIndex, contents, objW, objH)
	}
	for _, w := range meta.Watermarks {
		if err := e.drawWatermark(pdf, w, contents); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, models.WrapError(models.KindInternal, "overlay serialization", err)
	}
	return buf.Bytes(), nil
}

// drawSeries places one serial value per slot. The addressed line is
// the glyph top, so the baseline shifts down by the scaled ascent.
func drawSeries(pdf *fpdf.Fpdf, s models.Series, repeat, pageIndex int, contents []ContentBox, objW, objH float64) {
	family := normalizeFont(s.Font)
	c := ParseColor(s.Color)
	pdf.SetTextColor(c.R, c.G, c.B)

	for i, content := range contents {
		pdf.SetFont(family, "", s.FontSize*content.Scale)
		desc := pdf.GetFontDesc("", "")
		ascent := float64(desc.Ascent) / 1000 * s.FontSize

		slot := seriesSlotFor(s, i)
		value := SeriesValue(s, repeat, pageIndex, i)
		x, y := seriesBaseline(slot, content, objW, objH, ascent)
		yTop := Round3(A4Height - y)

		if len(s.LetterFontSizes) == 0 && len(s.LetterOffsets) == 0 {
			pdf.Text(x, yTop, value)
			continue
		}
		drawLetterSeries(pdf, s, value, family, content.Scale, x, yTop)
	}
}

// drawLetterSeries renders a value glyph by glyph with per-letter sizes
// and vertical offsets. Offsets are positive-up in object units.
func drawLetterSeries(pdf *fpdf.Fpdf, s models.Series, value, family string, scale, x, yTop float64) {
	cursor := x
	for idx, r := range []rune(value) {
		size := s.FontSize
		if idx < len(s.LetterFontSizes) && s.LetterFontSizes[idx] > 0 {
			size = s.LetterFontSizes[idx]
		}
		var offset float64
		if idx < len(s.LetterOffsets) {
			offset = s.LetterOffsets[idx]
		}
		pdf.SetFont(family, "", size*scale)
		pdf.Text(Round3(cursor), Round3(yTop-offset*scale), string(r))
		cursor += pdf.GetStringWidth(string(r))
	}
}

// drawWatermark stamps one watermark: replicated into every slot's
// content box when relative to the object, once at absolute page
// coordinates otherwise.
func (e *Engine) drawWatermark(pdf *fpdf.Fpdf, w models.Watermark, contents []ContentBox) error {
	if w.RelativeTo == models.RelativeToObject {
		for _, content := range contents {
			x := Round3(content.Left + w.Position.X*content.W)
			yTop := Round3(A4Height - content.Top() + w.Position.Y*content.H)
			if err := e.drawWatermarkAt(pdf, w, x, yTop, content.Scale); err != nil {
				return err
			}
		}
		return nil
	}
	// Absolute coordinates are bottom-up page points.
	return e.drawWatermarkAt(pdf, w, Round3(w.Position.X), Round3(A4Height-w.Position.Y), 1)
}

func (e *Engine) drawWatermarkAt(pdf *fpdf.Fpdf, w models.Watermark, x, yTop, scale float64) error {
	pdf.SetAlpha(w.Opacity, "Normal")
	defer pdf.SetAlpha(1, "Normal")

	pdf.TransformBegin()
	defer pdf.TransformEnd()
	if w.Rotate != 0 {
		// Positive rotation is clockwise, matching the top-down input
		// coordinate convention.
		pdf.TransformRotate(-w.Rotate, x, yTop)
	}

	switch w.Type {
	case models.WatermarkText:
		c := ParseColor(w.Text.Color)
		pdf.SetTextColor(c.R, c.G, c.B)
		pdf.SetFont(normalizeFont(w.Text.FontFamily), "", w.Text.FontSize*scale)
		pdf.Text(x, yTop, w.Text.Value)
		return nil
	case models.WatermarkSVG:
		paths, err := e.sanitizedPaths(w.SVG.SVGPath)
		if err != nil {
			return err
		}
		svgScale := w.SVG.Scale
		if svgScale <= 0 {
			svgScale = 1
		}
		return drawSVGPaths(pdf, paths, x, yTop, svgScale*scale, w.Opacity)
	default:
		return models.Errorf(models.KindValidation, "unknown watermark type %q", w.Type)
	}
}

// drawSVGPaths replays sanitized path primitives at (offX, offY). SVG
// and page overlay coordinates are both top-down, so points map
// directly. baseAlpha is the watermark opacity; path opacities compound
// with it.
func drawSVGPaths(pdf *fpdf.Fpdf, paths []svgsvc.Path, offX, offY, scale, baseAlpha float64) error {
	for _, p := range paths {
		ops, err := ParsePathData(p.D)
		if err != nil {
			return err
		}

		style := applyPathStyle(pdf, p.Attrs, scale)
		if style.mode == "" {
			continue
		}

		tr := func(px, py float64) (float64, float64) {
			return Round3(offX + px*scale), Round3(offY + py*scale)
		}
		paint := func(mode string, alpha float64) {
			pdf.SetAlpha(baseAlpha*alpha, "Normal")
			for _, op := range ops {
				switch op.Cmd {
				case 'M':
					x, y := tr(op.Pts[0], op.Pts[1])
					pdf.MoveTo(x, y)
				case 'L':
					x, y := tr(op.Pts[0], op.Pts[1])
					pdf.LineTo(x, y)
				case 'C':
					x1, y1 := tr(op.Pts[0], op.Pts[1])
					x2, y2 := tr(op.Pts[2], op.Pts[3])
					x, y := tr(op.Pts[4], op.Pts[5])
					pdf.CurveBezierCubicTo(x1, y1, x2, y2, x, y)
				case 'Q':
					cx, cy := tr(op.Pts[0], op.Pts[1])
					x, y := tr(op.Pts[2], op.Pts[3])
					pdf.CurveTo(cx, cy, x, y)
				case 'Z':
					pdf.ClosePath()
				}
			}
			pdf.DrawPath(mode)
		}

		switch {
		case style.mode == "B" && style.fillAlpha != style.strokeAlpha:
			// Distinct opacities need separate paints, fill first.
			paint("F", style.fillAlpha)
			paint("D", style.strokeAlpha)
		case style.mode == "B" || style.mode == "F":
			paint(style.mode, style.fillAlpha)
		default:
			paint("D", style.strokeAlpha)
		}
	}
	pdf.SetAlpha(baseAlpha, "Normal")
	return nil
}

// pathStyle is the resolved paint state of one sanitized path.
type pathStyle struct {
	mode        string // "B", "F", "D" or "" for a non-painting path
	fillAlpha   float64
	strokeAlpha float64
}

// applyPathStyle configures fill/stroke state from sanitized attributes
// and returns the resolved paint mode and opacities. Fill is painted
// before stroke.
func applyPathStyle(pdf *fpdf.Fpdf, attrs map[string]string, scale float64) pathStyle {
	fill := attrs["fill"]
	stroke := attrs["stroke"]
	hasFill := fill != "none"
	hasStroke := stroke != "" && stroke != "none"

	groupAlpha := parseAlpha(attrs["opacity"])
	st := pathStyle{
		fillAlpha:   groupAlpha * parseAlpha(attrs["fill-opacity"]),
		strokeAlpha: groupAlpha * parseAlpha(attrs["stroke-opacity"]),
	}

	if hasFill {
		c := ParseColor(fill)
		pdf.SetFillColor(c.R, c.G, c.B)
	}
	if hasStroke {
		c := ParseColor(stroke)
		pdf.SetDrawColor(c.R, c.G, c.B)
		width := 1.0
		if wv := attrs["stroke-width"]; wv != "" {
			if v := parsePt(wv); v > 0 {
				width = v
			}
		}
		pdf.SetLineWidth(Round3(width * scale))
		pdf.SetLineCapStyle(lineCapStyle(attrs["stroke-linecap"]))
		pdf.SetLineJoinStyle(lineJoinStyle(attrs["stroke-linejoin"]))
		pdf.SetDashPattern(dashPattern(attrs["stroke-dasharray"], scale), Round3(parsePt(attrs["stroke-dashoffset"])*scale))
	}

	switch {
	case hasFill && hasStroke:
		st.mode = "B"
	case hasFill:
		st.mode = "F"
	case hasStroke:
		st.mode = "D"
	}
	return st
}

func parseAlpha(s string) float64 {
	if s == "" {
		return 1
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 1
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func lineCapStyle(s string) string {
	switch strings.TrimSpace(s) {
	case "round":
		return "round"
	case "square":
		return "square"
	default:
		return "butt"
	}
}

func lineJoinStyle(s string) string {
	switch strings.TrimSpace(s) {
	case "round":
		return "round"
	case "bevel":
		return "bevel"
	default:
		return "miter"
	}
}

// dashPattern parses a stroke-dasharray into page-unit dash lengths.
// Empty or "none" clears any previous pattern.
func dashPattern(s string, scale float64) []float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return []float64{}
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	dashes := make([]float64, 0, len(fields))
	for _, f := range fields {
		v := parsePt(f)
		if v < 0 {
			return []float64{}
		}
		dashes = append(dashes, Round3(v*scale))
	}
	return dashes
}

func parsePt(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	s = strings.TrimSuffix(s, "pt")
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' && c != '-' {
			s = s[:i]
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
