package interfaces

import "context"

// SVGConverter is the external rasterizer-free SVG->PDF converter,
// treated as a pure function from normalized SVG bytes to PDF bytes.
type SVGConverter interface {
	Convert(ctx context.Context, svg []byte) ([]byte, error)
}
