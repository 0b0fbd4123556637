// Package layout implements the deterministic vector layout engine:
// a pure transformation from (metadata, source page) to a single A4 PDF
// page with pixel-stable placement of cropped content, watermarks and
// serial numbers.
package layout

import (
	"math"

	"github.com/ternarybob/vectorpress/internal/models"
)

// A4 page geometry in points. Fixed for every produced page.
const (
	A4Width    = 595.28
	A4Height   = 841.89
	SafeMargin = 28.35
)

// Round3 snaps an output coordinate to 3 decimals, the stable grid all
// placement math lands on.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Slot is one rectangular sub-area of the A4 page where a cropped copy
// of the source is placed. Origin is bottom-left in page points.
type Slot struct {
	X, Y, W, H float64
}

// ContentBox is the sub-rectangle inside a slot actually occupied by
// the cropped source after aspect-preserving scaling.
type ContentBox struct {
	Left   float64
	Bottom float64
	W      float64
	H      float64
	Scale  float64
}

// Top returns the content box's top edge in page points.
func (c ContentBox) Top() float64 {
	return c.Bottom + c.H
}

// CropBox is the crop window in source points.
type CropBox struct {
	X, Y, W, H float64 // X/Y measured top-down from the source page origin
	SrcW, SrcH float64
}

// ResolveCrop converts crop ratios to source points.
func ResolveCrop(crop models.TicketCrop, srcW, srcH float64) CropBox {
	return CropBox{
		X:    Round3(crop.XRatio * srcW),
		Y:    Round3(crop.YRatio * srcH),
		W:    Round3(crop.WidthRatio * srcW),
		H:    Round3(crop.HeightRatio * srcH),
		SrcW: srcW,
		SrcH: srcH,
	}
}

// Rect returns the PDF clipping rectangle (llx, lly, urx, ury) of the
// crop, flipping the top-down Y into the bottom-up PDF space.
func (c CropBox) Rect() (llx, lly, urx, ury float64) {
	return c.X, Round3(c.SrcH - c.Y - c.H), Round3(c.X + c.W), Round3(c.SrcH - c.Y)
}

// BuildSlots tiles the usable vertical area into repeat slots separated
// by spacing points. Spacing collapses to zero when it would leave no
// usable height.
func BuildSlots(repeat int, spacing float64) []Slot {
	usable := A4Height - 2*SafeMargin
	if float64(repeat-1)*spacing >= usable {
		spacing = 0
	}
	slotH := (usable - float64(repeat-1)*spacing) / float64(repeat)
	slotW := A4Width - 2*SafeMargin

	slots := make([]Slot, repeat)
	for i := 0; i < repeat; i++ {
		slots[i] = Slot{
			X: SafeMargin,
			Y: Round3(SafeMargin + float64(i)*(slotH+spacing)),
			W: slotW,
			H: Round3(slotH),
		}
	}
	return slots
}

// FitContent scales the crop into the slot preserving aspect ratio and
// top-aligns it.
func FitContent(slot Slot, cropW, cropH float64) ContentBox {
	scale := slot.W / cropW
	if s := slot.H / cropH; s < scale {
		scale = s
	}
	w := cropW * scale
	h := cropH * scale
	return ContentBox{
		Left:   Round3(slot.X),
		Bottom: Round3(slot.Y + (slot.H - h)),
		W:      Round3(w),
		H:      Round3(h),
		Scale:  scale,
	}
}
