package models

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Default enqueue-time bounds. Overridable through configuration.
const (
	DefaultMaxPages     = 700
	DefaultMaxSeriesEnd = 1_000_000_000
)

var colorPattern = regexp.MustCompile(`^(#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})|rgb\(\s*\d{1,3}\s*,\s*\d{1,3}\s*,\s*\d{1,3}\s*\)|[a-zA-Z]+)$`)

var validate = validator.New()

// VectorMetadata is the declarative render specification: crop a region
// of the source, repeat it in slots on A4 pages, stamp watermarks and
// arithmetically progressing serial numbers over it.
type VectorMetadata struct {
	SourcePDFKey string      `json:"sourcePdfKey" bson:"sourcePdfKey" validate:"required"`
	DocumentID   string      `json:"documentId,omitempty" bson:"documentId,omitempty"`
	ColorMode    string      `json:"colorMode,omitempty" bson:"colorMode,omitempty" validate:"omitempty,oneof=RGB CMYK"`
	TicketCrop   TicketCrop  `json:"ticketCrop" bson:"ticketCrop"`
	Layout       LayoutSpec  `json:"layout" bson:"layout"`
	Series       []Series    `json:"series,omitempty" bson:"series,omitempty" validate:"omitempty,dive"`
	Watermarks   []Watermark `json:"watermarks,omitempty" bson:"watermarks,omitempty"`
}

// TicketCrop selects a region of the source page. Ratios are against
// the source page, not against A4.
type TicketCrop struct {
	PageIndex   int     `json:"pageIndex" bson:"pageIndex" validate:"gte=0"`
	XRatio      float64 `json:"xRatio" bson:"xRatio" validate:"gte=0,lte=1"`
	YRatio      float64 `json:"yRatio" bson:"yRatio" validate:"gte=0,lte=1"`
	WidthRatio  float64 `json:"widthRatio" bson:"widthRatio" validate:"gt=0,lte=1"`
	HeightRatio float64 `json:"heightRatio" bson:"heightRatio" validate:"gt=0,lte=1"`
}

// LayoutSpec controls page tiling.
type LayoutSpec struct {
	PageSize      string  `json:"pageSize" bson:"pageSize" validate:"oneof=A4"`
	TotalPages    int     `json:"totalPages" bson:"totalPages" validate:"gte=1,lte=100000"`
	RepeatPerPage int     `json:"repeatPerPage" bson:"repeatPerPage" validate:"gte=1,lte=16"`
	SlotSpacingPt float64 `json:"slotSpacingPt,omitempty" bson:"slotSpacingPt,omitempty" validate:"gte=0"`
}

// SeriesSlot positions one series value inside the object bounding box.
type SeriesSlot struct {
	XRatio float64 `json:"xRatio" bson:"xRatio"`
	YRatio float64 `json:"yRatio" bson:"yRatio"`
}

// Series is an arithmetic-progression overlay rendered as a zero-padded,
// prefixed string.
type Series struct {
	ID              string       `json:"id" bson:"id"`
	Prefix          string       `json:"prefix,omitempty" bson:"prefix,omitempty"`
	PadLength       int          `json:"padLength,omitempty" bson:"padLength,omitempty" validate:"gte=0"`
	Start           int64        `json:"start" bson:"start"`
	Step            int64        `json:"step" bson:"step" validate:"gte=1"`
	Font            string       `json:"font,omitempty" bson:"font,omitempty"`
	FontSize        float64      `json:"fontSize" bson:"fontSize" validate:"gte=6,lte=72"`
	Color           string       `json:"color,omitempty" bson:"color,omitempty"`
	Slots           []SeriesSlot `json:"slots" bson:"slots" validate:"min=1"`
	LetterFontSizes []float64    `json:"letterFontSizes,omitempty" bson:"letterFontSizes,omitempty"`
	LetterOffsets   []float64    `json:"letterOffsets,omitempty" bson:"letterOffsets,omitempty"`
}

// Position is a watermark anchor. When RelativeTo is "object" the values
// are top-down ratios inside the slot content box; otherwise absolute
// points on the page.
type Position struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// WatermarkType discriminates the watermark union.
type WatermarkType string

const (
	WatermarkText WatermarkType = "text"
	WatermarkSVG  WatermarkType = "svg"
)

// RelativeToObject replicates a watermark per slot, positioned inside
// the slot's content box.
const RelativeToObject = "object"

// TextWatermark is the text variant payload.
type TextWatermark struct {
	Value      string  `json:"value" bson:"value"`
	FontFamily string  `json:"fontFamily,omitempty" bson:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize" bson:"fontSize"`
	Color      string  `json:"color,omitempty" bson:"color,omitempty"`
}

// SVGWatermark is the path-only SVG variant payload.
type SVGWatermark struct {
	SVGPath string  `json:"svgPath" bson:"svgPath"`
	Scale   float64 `json:"scale,omitempty" bson:"scale,omitempty"`
}

// Watermark is a tagged union over text and SVG overlays. Exactly one
// of Text or SVG is set, matching Type.
type Watermark struct {
	ID         string        `json:"id" bson:"id"`
	Type       WatermarkType `json:"type" bson:"type"`
	Opacity    float64       `json:"opacity" bson:"opacity"`
	Rotate     float64       `json:"rotate,omitempty" bson:"rotate,omitempty"`
	Position   Position      `json:"position" bson:"position"`
	RelativeTo string        `json:"relativeTo,omitempty" bson:"relativeTo,omitempty"`
	Text       *TextWatermark
	SVG        *SVGWatermark
}

// watermarkWire is the flat JSON shape of the union.
type watermarkWire struct {
	ID         string        `json:"id"`
	Type       WatermarkType `json:"type"`
	Opacity    float64       `json:"opacity"`
	Rotate     float64       `json:"rotate,omitempty"`
	Position   Position      `json:"position"`
	RelativeTo *string       `json:"relativeTo"`
	Value      string        `json:"value,omitempty"`
	FontFamily string        `json:"fontFamily,omitempty"`
	FontSize   float64       `json:"fontSize,omitempty"`
	Color      string        `json:"color,omitempty"`
	SVGPath    string        `json:"svgPath,omitempty"`
	Scale      float64       `json:"scale,omitempty"`
}

// UnmarshalJSON parses the flat wire shape into the typed union.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	var wire watermarkWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	w.ID = wire.ID
	w.Type = wire.Type
	w.Opacity = wire.Opacity
	w.Rotate = wire.Rotate
	w.Position = wire.Position
	if wire.RelativeTo != nil {
		w.RelativeTo = *wire.RelativeTo
	}
	switch wire.Type {
	case WatermarkText:
		w.Text = &TextWatermark{
			Value:      wire.Value,
			FontFamily: wire.FontFamily,
			FontSize:   wire.FontSize,
			Color:      wire.Color,
		}
	case WatermarkSVG:
		w.SVG = &SVGWatermark{SVGPath: wire.SVGPath, Scale: wire.Scale}
	default:
		return fmt.Errorf("unknown watermark type %q", wire.Type)
	}
	return nil
}

// MarshalJSON renders the union back to the flat wire shape.
func (w Watermark) MarshalJSON() ([]byte, error) {
	wire := watermarkWire{
		ID:       w.ID,
		Type:     w.Type,
		Opacity:  w.Opacity,
		Rotate:   w.Rotate,
		Position: w.Position,
	}
	if w.RelativeTo != "" {
		wire.RelativeTo = &w.RelativeTo
	}
	if w.Text != nil {
		wire.Value = w.Text.Value
		wire.FontFamily = w.Text.FontFamily
		wire.FontSize = w.Text.FontSize
		wire.Color = w.Text.Color
	}
	if w.SVG != nil {
		wire.SVGPath = w.SVG.SVGPath
		wire.Scale = w.SVG.Scale
	}
	return json.Marshal(wire)
}

// LockDocumentID is the document identity used for render-lock scoping:
// the explicit override when present, the source key otherwise.
func (m *VectorMetadata) LockDocumentID() string {
	if m.DocumentID != "" {
		return m.DocumentID
	}
	return m.SourcePDFKey
}

// SourceDocumentID returns the document id when the source key uses the
// document:{id} form, and "" otherwise.
func (m *VectorMetadata) SourceDocumentID() string {
	if strings.HasPrefix(m.SourcePDFKey, "document:") {
		return strings.TrimPrefix(m.SourcePDFKey, "document:")
	}
	return ""
}

// SeriesEnd computes the final value of a series over the whole job.
func (m *VectorMetadata) SeriesEnd(s Series) int64 {
	n := int64(m.Layout.TotalPages)*int64(m.Layout.RepeatPerPage) - 1
	return s.Start + n*s.Step
}

// Validate checks the schema-level shape shared with pre-admission.
// It returns a single VALIDATION-kind error carrying all violations.
func (m *VectorMetadata) Validate() error {
	var problems []string

	if err := validate.Struct(m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				problems = append(problems, fmt.Sprintf("%s fails %s", ve.Namespace(), ve.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for i, s := range m.Series {
		if n := len(s.Slots); n != 1 && n != m.Layout.RepeatPerPage {
			problems = append(problems, fmt.Sprintf("series[%d].slots length must be 1 or repeatPerPage", i))
		}
		if s.Color != "" && !colorPattern.MatchString(s.Color) {
			problems = append(problems, fmt.Sprintf("series[%d].color is not a valid color", i))
		}
	}

	for i, w := range m.Watermarks {
		if w.Opacity < 0 || w.Opacity > 1 {
			problems = append(problems, fmt.Sprintf("watermarks[%d].opacity must be in [0,1]", i))
		}
		if !isFinite(w.Position.X) || !isFinite(w.Position.Y) {
			problems = append(problems, fmt.Sprintf("watermarks[%d].position must be finite", i))
		}
		if !isFinite(w.Rotate) {
			problems = append(problems, fmt.Sprintf("watermarks[%d].rotate must be numeric", i))
		}
		switch w.Type {
		case WatermarkText:
			if w.Text == nil || w.Text.Value == "" {
				problems = append(problems, fmt.Sprintf("watermarks[%d].value is required for text watermarks", i))
			}
			if w.Text != nil && w.Text.Color != "" && !colorPattern.MatchString(w.Text.Color) {
				problems = append(problems, fmt.Sprintf("watermarks[%d].color is not a valid color", i))
			}
		case WatermarkSVG:
			if w.SVG == nil || w.SVG.SVGPath == "" {
				problems = append(problems, fmt.Sprintf("watermarks[%d].svgPath is required for svg watermarks", i))
			}
		default:
			problems = append(problems, fmt.Sprintf("watermarks[%d].type must be text or svg", i))
		}
	}

	if len(problems) > 0 {
		return NewError(KindValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateForEnqueue applies the additional admission-time bounds on top
// of the schema validation.
func (m *VectorMetadata) ValidateForEnqueue(maxPages int, maxSeriesEnd int64) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if maxSeriesEnd <= 0 {
		maxSeriesEnd = DefaultMaxSeriesEnd
	}

	var problems []string
	if m.Layout.TotalPages > maxPages {
		problems = append(problems, fmt.Sprintf("layout.totalPages exceeds maximum of %d", maxPages))
	}
	for i, s := range m.Series {
		if end := m.SeriesEnd(s); end > maxSeriesEnd {
			problems = append(problems, fmt.Sprintf("series[%d] end %d exceeds maximum of %d", i, end, maxSeriesEnd))
		}
	}
	if len(problems) > 0 {
		return NewError(KindValidation, strings.Join(problems, "; "))
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
