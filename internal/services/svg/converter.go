package svg

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
)

// pdfHeader is the magic every produced artifact must carry.
var pdfHeader = []byte("%PDF-")

// Converter invokes the external rasterizer-free SVG->PDF converter as
// a child process. It is deterministic for a given input.
type Converter struct {
	binary  string
	timeout time.Duration
	logger  arbor.ILogger
}

var _ interfaces.SVGConverter = (*Converter)(nil)

// NewConverter wraps the configured converter binary (rsvg-convert by
// default).
func NewConverter(binary string, timeout time.Duration, logger arbor.ILogger) *Converter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Converter{binary: binary, timeout: timeout, logger: logger}
}

// Convert turns normalized SVG bytes into PDF bytes.
func (c *Converter) Convert(ctx context.Context, svg []byte) ([]byte, error) {
	if _, err := exec.LookPath(c.binary); err != nil {
		return nil, models.Errorf(models.KindConverterMissing, "svg converter %q not found", c.binary)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, "-f", "pdf")
	cmd.Stdin = bytes.NewReader(svg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		c.logger.Error().
			Err(err).
			Str("stderr", stderr.String()).
			Msg("SVG converter failed")
		return nil, models.WrapError(models.KindInternal, "svg conversion failed", err)
	}

	out := stdout.Bytes()
	if !bytes.HasPrefix(out, pdfHeader) {
		return nil, models.NewError(models.KindBadPDFHeader, "svg converter produced non-PDF output")
	}

	c.logger.Debug().
		Int("svg_size", len(svg)).
		Int("pdf_size", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Converted SVG to PDF")
	return out, nil
}
