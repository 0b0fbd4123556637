package svg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vectorpress/internal/models"
)

const (
	pageW = 595.28
	pageH = 841.89
)

func TestNormalize_WrapsChildren(t *testing.T) {
	raw := []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 200"><rect x="1" y="2" width="3" height="4"/></svg>`)

	out, err := Normalize(raw, pageW, pageH)
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, `viewBox="0 0 595.28 841.89"`)
	assert.Contains(t, s, `width="595.28pt" height="841.89pt"`)
	assert.Contains(t, s, `<style>*{vector-effect:non-scaling-stroke;}</style>`)
	assert.Contains(t, s, `id="`+NormalizedRootID+`"`)
	assert.Contains(t, s, `<rect x="1" y="2" width="3" height="4"/>`)

	// 841.89/200 constrains: scale 4.209, horizontally centered.
	assert.Contains(t, s, `scale(4.209)`)
	assert.True(t, strings.HasPrefix(s, "<svg "), "rewritten open tag")
	assert.True(t, strings.HasSuffix(s, "</g></svg>"))
}

func TestNormalize_DerivesViewBoxFromDimensions(t *testing.T) {
	raw := []byte(`<svg width="100pt" height="50pt"><path d="M 0 0 L 10 10"/></svg>`)
	out, err := Normalize(raw, pageW, pageH)
	require.NoError(t, err)
	assert.Contains(t, string(out), NormalizedRootID)
}

func TestNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"script element", `<svg viewBox="0 0 1 1"><script>alert(1)</script></svg>`},
		{"foreignObject", `<svg viewBox="0 0 1 1"><foreignObject/></svg>`},
		{"image element", `<svg viewBox="0 0 1 1"><image/></svg>`},
		{"use element", `<svg viewBox="0 0 1 1"><use/></svg>`},
		{"href attribute", `<svg viewBox="0 0 1 1"><a href="http://x"/></svg>`},
		{"css url reference", `<svg viewBox="0 0 1 1"><rect style="fill:url(#g)"/></svg>`},
		{"event handler", `<svg viewBox="0 0 1 1"><rect onclick="x()"/></svg>`},
		{"data uri", `<svg viewBox="0 0 1 1"><rect fill="data:image/png;base64,x"/></svg>`},
		{"missing viewBox and dimensions", `<svg><rect/></svg>`},
		{"malformed viewBox", `<svg viewBox="0 0 abc 1"><rect/></svg>`},
		{"zero size viewBox", `<svg viewBox="0 0 0 10"><rect/></svg>`},
		{"no svg tag", `<div>not svg</div>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.raw), pageW, pageH)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.KindValidation))
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := []byte(`<svg viewBox="10 20 100 50"><path d="M 0 0 L 5 5"/></svg>`)
	a, err := Normalize(raw, pageW, pageH)
	require.NoError(t, err)
	b, err := Normalize(raw, pageW, pageH)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
