package layout

import (
	"strconv"
	"strings"
)

// RGB is a resolved draw color.
type RGB struct {
	R, G, B int
}

var namedColors = map[string]RGB{
	"black":   {0, 0, 0},
	"white":   {255, 255, 255},
	"red":     {255, 0, 0},
	"green":   {0, 128, 0},
	"blue":    {0, 0, 255},
	"yellow":  {255, 255, 0},
	"cyan":    {0, 255, 255},
	"magenta": {255, 0, 255},
	"gray":    {128, 128, 128},
	"grey":    {128, 128, 128},
	"orange":  {255, 165, 0},
	"purple":  {128, 0, 128},
	"navy":    {0, 0, 128},
	"silver":  {192, 192, 192},
	"maroon":  {128, 0, 0},
	"olive":   {128, 128, 0},
	"teal":    {0, 128, 128},
}

// ParseColor resolves #hex, rgb(r,g,b) and a small named palette.
// Unknown values fall back to black, the same default an empty color
// gets.
func ParseColor(s string) RGB {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "":
		return RGB{}
	case strings.HasPrefix(s, "#"):
		return parseHex(s[1:])
	case strings.HasPrefix(s, "rgb(") && strings.HasSuffix(s, ")"):
		return parseRGBFunc(s[4 : len(s)-1])
	}
	if c, ok := namedColors[s]; ok {
		return c
	}
	return RGB{}
}

func parseHex(h string) RGB {
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return RGB{}
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return RGB{}
	}
	return RGB{R: int(v >> 16), G: int(v >> 8 & 0xff), B: int(v & 0xff)}
}

func parseRGBFunc(body string) RGB {
	parts := strings.Split(body, ",")
	if len(parts) != 3 {
		return RGB{}
	}
	clamp := func(s string) int {
		v, _ := strconv.Atoi(strings.TrimSpace(s))
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return v
	}
	return RGB{R: clamp(parts[0]), G: clamp(parts[1]), B: clamp(parts[2])}
}
