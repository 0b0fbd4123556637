package svg

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/vectorpress/internal/models"
)

// Attributes a sanitized path may carry. Everything else is dropped.
var allowedPathAttrs = map[string]bool{
	"d":                 true,
	"fill":              true,
	"fill-opacity":      true,
	"stroke":            true,
	"stroke-opacity":    true,
	"stroke-width":      true,
	"stroke-linecap":    true,
	"stroke-linejoin":   true,
	"stroke-dasharray":  true,
	"stroke-dashoffset": true,
	"opacity":           true,
}

var cssRulePattern = regexp.MustCompile(`\.([\w-]+)\s*\{([^}]*)\}`)

// Path is one sanitized drawing primitive: a path string plus its
// allowed presentation attributes.
type Path struct {
	D     string
	Attrs map[string]string
}

// kappa is the cubic Bezier circle approximation constant.
const kappa = 0.5522847498307936

// SanitizeWatermark reduces watermark SVG to path-equivalent
// primitives. Basic shapes are converted to path data; CSS classes are
// inlined into element attributes; anything referencing external
// content is fatal.
func SanitizeWatermark(raw string) ([]Path, error) {
	for _, p := range forbiddenPatterns {
		if p.MatchString(raw) {
			return nil, models.Errorf(models.KindValidation, "watermark svg contains forbidden construct %q", p.String())
		}
	}

	classes := parseCSSClasses(raw)

	decoder := xml.NewDecoder(strings.NewReader(raw))
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose

	var paths []Path
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		attrs := attrMap(start)
		applyClasses(attrs, classes)

		var d string
		switch start.Name.Local {
		case "path":
			d = attrs["d"]
		case "rect":
			d = rectPath(attrs)
		case "circle":
			d = ellipsePath(f(attrs["cx"]), f(attrs["cy"]), f(attrs["r"]), f(attrs["r"]))
		case "ellipse":
			d = ellipsePath(f(attrs["cx"]), f(attrs["cy"]), f(attrs["rx"]), f(attrs["ry"]))
		case "line":
			d = fmt.Sprintf("M %s %s L %s %s", n(attrs["x1"]), n(attrs["y1"]), n(attrs["x2"]), n(attrs["y2"]))
		case "polyline":
			d = polyPath(attrs["points"], false)
		case "polygon":
			d = polyPath(attrs["points"], true)
		default:
			continue
		}
		if d == "" {
			continue
		}

		kept := map[string]string{"d": d}
		for k, v := range attrs {
			if k != "d" && allowedPathAttrs[k] {
				kept[k] = v
			}
		}
		paths = append(paths, Path{D: d, Attrs: kept})
	}

	if len(paths) == 0 {
		return nil, models.NewError(models.KindValidation, "watermark svg contains no drawable primitives")
	}
	return paths, nil
}

func attrMap(start xml.StartElement) map[string]string {
	attrs := make(map[string]string, len(start.Attr))
	for _, a := range start.Attr {
		attrs[a.Name.Local] = a.Value
	}
	return attrs
}

// parseCSSClasses extracts allowed declarations from <style> blocks.
func parseCSSClasses(raw string) map[string]map[string]string {
	classes := make(map[string]map[string]string)
	for _, rule := range cssRulePattern.FindAllStringSubmatch(raw, -1) {
		decls := make(map[string]string)
		for _, decl := range strings.Split(rule[2], ";") {
			parts := strings.SplitN(decl, ":", 2)
			if len(parts) != 2 {
				continue
			}
			prop := strings.TrimSpace(parts[0])
			if allowedPathAttrs[prop] {
				decls[prop] = strings.TrimSpace(parts[1])
			}
		}
		if len(decls) > 0 {
			classes[rule[1]] = decls
		}
	}
	return classes
}

// applyClasses inlines matching class declarations; explicit element
// attributes win over class values.
func applyClasses(attrs map[string]string, classes map[string]map[string]string) {
	for _, cls := range strings.Fields(attrs["class"]) {
		for prop, val := range classes[cls] {
			if _, set := attrs[prop]; !set {
				attrs[prop] = val
			}
		}
	}
}

func rectPath(attrs map[string]string) string {
	x, y := f(attrs["x"]), f(attrs["y"])
	w, h := f(attrs["width"]), f(attrs["height"])
	if w <= 0 || h <= 0 {
		return ""
	}
	return fmt.Sprintf("M %s %s H %s V %s H %s Z",
		num(x), num(y), num(x+w), num(y+h), num(x))
}

// ellipsePath approximates an ellipse with four cubic Bezier segments.
func ellipsePath(cx, cy, rx, ry float64) string {
	if rx <= 0 || ry <= 0 {
		return ""
	}
	ox, oy := rx*kappa, ry*kappa
	return fmt.Sprintf(
		"M %s %s C %s %s %s %s %s %s C %s %s %s %s %s %s C %s %s %s %s %s %s C %s %s %s %s %s %s Z",
		num(cx-rx), num(cy),
		num(cx-rx), num(cy-oy), num(cx-ox), num(cy-ry), num(cx), num(cy-ry),
		num(cx+ox), num(cy-ry), num(cx+rx), num(cy-oy), num(cx+rx), num(cy),
		num(cx+rx), num(cy+oy), num(cx+ox), num(cy+ry), num(cx), num(cy+ry),
		num(cx-ox), num(cy+ry), num(cx-rx), num(cy+oy), num(cx-rx), num(cy),
	)
}

func polyPath(points string, closed bool) string {
	fields := strings.FieldsFunc(points, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if len(fields) < 4 || len(fields)%2 != 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(fields); i += 2 {
		cmd := "L"
		if i == 0 {
			cmd = "M"
		}
		fmt.Fprintf(&sb, "%s %s %s ", cmd, n(fields[i]), n(fields[i+1]))
	}
	s := strings.TrimSpace(sb.String())
	if closed {
		s += " Z"
	}
	return s
}

func f(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func n(s string) string {
	return num(f(s))
}
