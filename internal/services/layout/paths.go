package layout

import (
	"strconv"
	"strings"

	"github.com/ternarybob/vectorpress/internal/models"
)

// PathOp is one absolute drawing instruction decoded from SVG path
// data.
type PathOp struct {
	Cmd byte // 'M', 'L', 'C', 'Q' or 'Z'
	Pts [6]float64
}

// ParsePathData decodes an SVG path "d" string into absolute move /
// line / cubic / quadratic / close instructions. Relative commands are
// resolved, shorthand commands (H, V, S, T) are expanded, and elliptic
// arcs are flattened to lines.
func ParsePathData(d string) ([]PathOp, error) {
	lex := &pathLexer{src: d}

	var (
		ops           []PathOp
		cx, cy        float64 // current point
		sx, sy        float64 // subpath start
		lcx, lcy      float64 // last cubic control
		lqx, lqy      float64 // last quadratic control
		prev          byte
		haveCubicCtrl bool
		haveQuadCtrl  bool
	)

	emit := func(cmd byte, pts ...float64) {
		var op PathOp
		op.Cmd = cmd
		copy(op.Pts[:], pts)
		ops = append(ops, op)
	}

	for {
		cmd, ok := lex.command(prev)
		if !ok {
			break
		}
		rel := cmd >= 'a'
		upper := cmd &^ 0x20

		if upper != 'C' && upper != 'S' {
			haveCubicCtrl = false
		}
		if upper != 'Q' && upper != 'T' {
			haveQuadCtrl = false
		}

		switch upper {
		case 'M':
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = cx+x, cy+y
			}
			cx, cy, sx, sy = x, y, x, y
			emit('M', x, y)
			// Subsequent pairs of a moveto are implicit linetos.
			if rel {
				prev = 'l'
			} else {
				prev = 'L'
			}
			continue
		case 'L':
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = cx+x, cy+y
			}
			cx, cy = x, y
			emit('L', x, y)
		case 'H':
			x, err := lex.number()
			if err != nil {
				return nil, err
			}
			if rel {
				x += cx
			}
			cx = x
			emit('L', cx, cy)
		case 'V':
			y, err := lex.number()
			if err != nil {
				return nil, err
			}
			if rel {
				y += cy
			}
			cy = y
			emit('L', cx, cy)
		case 'C':
			x1, y1, err := lex.pair()
			if err != nil {
				return nil, err
			}
			x2, y2, err := lex.pair()
			if err != nil {
				return nil, err
			}
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x1, y1, x2, y2, x, y = cx+x1, cy+y1, cx+x2, cy+y2, cx+x, cy+y
			}
			emit('C', x1, y1, x2, y2, x, y)
			lcx, lcy, haveCubicCtrl = x2, y2, true
			cx, cy = x, y
		case 'S':
			x2, y2, err := lex.pair()
			if err != nil {
				return nil, err
			}
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x2, y2, x, y = cx+x2, cy+y2, cx+x, cy+y
			}
			x1, y1 := cx, cy
			if haveCubicCtrl {
				x1, y1 = 2*cx-lcx, 2*cy-lcy
			}
			emit('C', x1, y1, x2, y2, x, y)
			lcx, lcy, haveCubicCtrl = x2, y2, true
			cx, cy = x, y
		case 'Q':
			x1, y1, err := lex.pair()
			if err != nil {
				return nil, err
			}
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x1, y1, x, y = cx+x1, cy+y1, cx+x, cy+y
			}
			emit('Q', x1, y1, x, y)
			lqx, lqy, haveQuadCtrl = x1, y1, true
			cx, cy = x, y
		case 'T':
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = cx+x, cy+y
			}
			x1, y1 := cx, cy
			if haveQuadCtrl {
				x1, y1 = 2*cx-lqx, 2*cy-lqy
			}
			emit('Q', x1, y1, x, y)
			lqx, lqy, haveQuadCtrl = x1, y1, true
			cx, cy = x, y
		case 'A':
			// Arc flags and radii are consumed and the arc flattened to a
			// straight line to the endpoint. Good enough for stamp-grade
			// watermark shapes.
			for i := 0; i < 5; i++ {
				if _, err := lex.number(); err != nil {
					return nil, err
				}
			}
			x, y, err := lex.pair()
			if err != nil {
				return nil, err
			}
			if rel {
				x, y = cx+x, cy+y
			}
			cx, cy = x, y
			emit('L', x, y)
		case 'Z':
			cx, cy = sx, sy
			emit('Z')
		default:
			return nil, models.Errorf(models.KindValidation, "svg path contains unsupported command %q", string(cmd))
		}
		prev = cmd
	}

	if len(ops) == 0 {
		return nil, models.NewError(models.KindValidation, "svg path data is empty")
	}
	return ops, nil
}

// pathLexer walks path data, treating commas and whitespace as
// separators and repeating the previous command when a number appears
// in command position.
type pathLexer struct {
	src string
	pos int
}

func (l *pathLexer) skip() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == ',' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		return
	}
}

func (l *pathLexer) command(prev byte) (byte, bool) {
	l.skip()
	if l.pos >= len(l.src) {
		return 0, false
	}
	c := l.src[l.pos]
	if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
		l.pos++
		return c, true
	}
	// Number in command position repeats the previous command.
	if prev == 0 {
		return 0, false
	}
	return prev, true
}

func (l *pathLexer) number() (float64, error) {
	l.skip()
	start := l.pos
	if l.pos < len(l.src) && (l.src[l.pos] == '-' || l.src[l.pos] == '+') {
		l.pos++
	}
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		if (c == 'e' || c == 'E') && l.pos > start {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '-' || l.src[l.pos] == '+') {
				l.pos++
			}
			continue
		}
		break
	}
	if l.pos == start {
		return 0, models.Errorf(models.KindValidation, "svg path data malformed at offset %d", l.pos)
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(l.src[start:l.pos], "+"), 64)
	if err != nil {
		return 0, models.WrapError(models.KindValidation, "svg path number", err)
	}
	return v, nil
}

func (l *pathLexer) pair() (float64, float64, error) {
	x, err := l.number()
	if err != nil {
		return 0, 0, err
	}
	y, err := l.number()
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
