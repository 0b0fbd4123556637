package svg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeWatermark_PathPassthrough(t *testing.T) {
	paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><path d="M 0 0 L 10 10" fill="#ff0000" stroke-width="2" class="x" transform="rotate(45)"/></svg>`)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.Equal(t, "M 0 0 L 10 10", paths[0].D)
	assert.Equal(t, "#ff0000", paths[0].Attrs["fill"])
	assert.Equal(t, "2", paths[0].Attrs["stroke-width"])
	// Non-allowlisted attributes are dropped.
	assert.NotContains(t, paths[0].Attrs, "transform")
	assert.NotContains(t, paths[0].Attrs, "class")
}

func TestSanitizeWatermark_ShapeConversion(t *testing.T) {
	t.Run("rect", func(t *testing.T) {
		paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><rect x="1" y="2" width="3" height="4"/></svg>`)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, "M 1 2 H 4 V 6 H 1 Z", paths[0].D)
	})

	t.Run("circle becomes four cubics", func(t *testing.T) {
		paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><circle cx="5" cy="5" r="2"/></svg>`)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 4, strings.Count(paths[0].D, "C "))
		assert.True(t, strings.HasSuffix(paths[0].D, "Z"))
	})

	t.Run("line", func(t *testing.T) {
		paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><line x1="0" y1="0" x2="5" y2="5"/></svg>`)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, "M 0 0 L 5 5", paths[0].D)
	})

	t.Run("polygon closes", func(t *testing.T) {
		paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><polygon points="0,0 10,0 5,8"/></svg>`)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.True(t, strings.HasSuffix(paths[0].D, "Z"))
	})

	t.Run("polyline stays open", func(t *testing.T) {
		paths, err := SanitizeWatermark(`<svg viewBox="0 0 10 10"><polyline points="0,0 10,0 5,8"/></svg>`)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.False(t, strings.HasSuffix(paths[0].D, "Z"))
	})
}

func TestSanitizeWatermark_InlinesCSSClasses(t *testing.T) {
	raw := `<svg viewBox="0 0 10 10">
		<style>.warn { fill: #cc0000; stroke-width: 3; color: red; }</style>
		<path class="warn" d="M 0 0 L 1 1" stroke-width="1"/>
	</svg>`

	paths, err := SanitizeWatermark(raw)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.Equal(t, "#cc0000", paths[0].Attrs["fill"])
	// Element attributes win over class declarations.
	assert.Equal(t, "1", paths[0].Attrs["stroke-width"])
	// Non-allowlisted declarations never survive.
	assert.NotContains(t, paths[0].Attrs, "color")
}

func TestSanitizeWatermark_Rejections(t *testing.T) {
	t.Run("forbidden construct", func(t *testing.T) {
		_, err := SanitizeWatermark(`<svg viewBox="0 0 1 1"><use xlink:href="#x"/></svg>`)
		assert.Error(t, err)
	})

	t.Run("no drawable primitives", func(t *testing.T) {
		_, err := SanitizeWatermark(`<svg viewBox="0 0 1 1"><g></g></svg>`)
		assert.Error(t, err)
	})

	t.Run("degenerate shapes are skipped", func(t *testing.T) {
		_, err := SanitizeWatermark(`<svg viewBox="0 0 1 1"><rect width="0" height="5"/><circle r="0"/></svg>`)
		assert.Error(t, err)
	})
}
