package layout

import (
	"strconv"
	"strings"

	"github.com/ternarybob/vectorpress/internal/models"
)

// SeriesValue renders the serial string for one slot instance. Slot
// instances are numbered page-major: instance = pageIndex*repeat +
// slotIndex.
func SeriesValue(s models.Series, repeat, pageIndex, slotIndex int) string {
	n := s.Start + int64(pageIndex*repeat+slotIndex)*s.Step
	digits := strconv.FormatInt(n, 10)
	if pad := s.PadLength - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return s.Prefix + digits
}

// seriesSlotFor picks the relative position spec for a slot index.
// A single-entry slot list applies to every slot.
func seriesSlotFor(s models.Series, slotIndex int) models.SeriesSlot {
	if len(s.Slots) == 1 {
		return s.Slots[0]
	}
	return s.Slots[slotIndex%len(s.Slots)]
}

// seriesBaseline computes the draw origin of a series value in page
// points (bottom-up). The x/y ratios address the unscaled object box
// top-down; the ascent correction keeps the glyph top at the addressed
// line rather than the baseline.
func seriesBaseline(slot models.SeriesSlot, content ContentBox, objW, objH, ascent float64) (x, y float64) {
	x = Round3(content.Left + slot.XRatio*objW*content.Scale)
	y = Round3(content.Top() - (slot.YRatio*objH+ascent)*content.Scale)
	return x, y
}
