// Package svg canonicalizes SVG sources before conversion and
// sanitizes watermark SVG down to path-only primitives.
package svg

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/vectorpress/internal/models"
)

// NormalizedRootID marks the wrapper group injected around the source
// children during canonicalization.
const NormalizedRootID = "A4_NORMALIZED_ROOT"

var (
	openTagPattern  = regexp.MustCompile(`(?is)<svg\b[^>]*>`)
	viewBoxPattern  = regexp.MustCompile(`(?i)viewBox\s*=\s*["']([^"']+)["']`)
	widthPattern    = regexp.MustCompile(`(?i)\bwidth\s*=\s*["']([0-9.]+)(pt)?["']`)
	heightPattern   = regexp.MustCompile(`(?i)\bheight\s*=\s*["']([0-9.]+)(pt)?["']`)
	closeTagPattern = regexp.MustCompile(`(?i)</svg\s*>`)

	// Any match is fatal: these constructs can reference external
	// content or execute script.
	forbiddenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script\b`),
		regexp.MustCompile(`(?i)<foreignObject\b`),
		regexp.MustCompile(`(?i)<image\b`),
		regexp.MustCompile(`(?i)<use\b`),
		regexp.MustCompile(`(?i)\bxlink:href\s*=`),
		regexp.MustCompile(`(?i)\bhref\s*=`),
		regexp.MustCompile(`(?i)url\s*\(`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)data:`),
		regexp.MustCompile(`(?i)\son[a-z]+\s*=`),
	}
)

// ViewBox is the parsed source coordinate window.
type ViewBox struct {
	X, Y, W, H float64
}

// Normalize canonicalizes raw SVG for the external converter targeting
// a pageW x pageH point page: forbidden constructs are rejected, the
// open tag is rewritten, strokes are made non-scaling, and all children
// are wrapped in a centering transform group.
func Normalize(raw []byte, pageW, pageH float64) ([]byte, error) {
	src := string(raw)

	for _, p := range forbiddenPatterns {
		if loc := p.FindStringIndex(src); loc != nil {
			return nil, models.Errorf(models.KindValidation, "svg contains forbidden construct %q", p.String())
		}
	}

	openLoc := openTagPattern.FindStringIndex(src)
	if openLoc == nil {
		return nil, models.NewError(models.KindValidation, "svg open tag not found")
	}
	openTag := src[openLoc[0]:openLoc[1]]

	vb, err := extractViewBox(openTag)
	if err != nil {
		return nil, err
	}

	closeLoc := closeTagPattern.FindStringIndex(src)
	if closeLoc == nil || closeLoc[0] < openLoc[1] {
		return nil, models.NewError(models.KindValidation, "svg close tag not found")
	}
	children := src[openLoc[1]:closeLoc[0]]

	// Centering transform into the target page.
	scale := pageW / vb.W
	if s := pageH / vb.H; s < scale {
		scale = s
	}
	tx := -vb.X*scale + (pageW-vb.W*scale)/2
	ty := -vb.Y*scale + (pageH-vb.H*scale)/2

	var sb strings.Builder
	fmt.Fprintf(&sb,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %s %s" width="%spt" height="%spt">`,
		num(pageW), num(pageH), num(pageW), num(pageH))
	sb.WriteString(`<style>*{vector-effect:non-scaling-stroke;}</style>`)
	fmt.Fprintf(&sb, `<g id="%s" transform="translate(%s %s) scale(%s)">`,
		NormalizedRootID, num(tx), num(ty), num(scale))
	sb.WriteString(children)
	sb.WriteString(`</g></svg>`)

	return []byte(sb.String()), nil
}

// extractViewBox parses the viewBox, deriving it from width/height
// attributes when absent. Only raw numbers or pt units are accepted.
func extractViewBox(openTag string) (*ViewBox, error) {
	if m := viewBoxPattern.FindStringSubmatch(openTag); m != nil {
		fields := strings.Fields(strings.ReplaceAll(m[1], ",", " "))
		if len(fields) != 4 {
			return nil, models.NewError(models.KindValidation, "svg viewBox is malformed")
		}
		var vals [4]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, models.NewError(models.KindValidation, "svg viewBox is malformed")
			}
			vals[i] = v
		}
		if vals[2] <= 0 || vals[3] <= 0 {
			return nil, models.NewError(models.KindValidation, "svg viewBox has non-positive size")
		}
		return &ViewBox{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
	}

	wm := widthPattern.FindStringSubmatch(openTag)
	hm := heightPattern.FindStringSubmatch(openTag)
	if wm == nil || hm == nil {
		return nil, models.NewError(models.KindValidation, "svg is missing viewBox and width/height")
	}
	w, _ := strconv.ParseFloat(wm[1], 64)
	h, _ := strconv.ParseFloat(hm[1], 64)
	if w <= 0 || h <= 0 {
		return nil, models.NewError(models.KindValidation, "svg has non-positive dimensions")
	}
	return &ViewBox{W: w, H: h}, nil
}

// num formats a point value with the stable 3-decimal snapping used
// across the layout engine.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
