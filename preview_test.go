package contour

import (
	"bytes"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-contour/vector/memory"
)

func TestWritePreview(t *testing.T) {
	driver := memory.NewDriver()
	linesLayer, pointsLayer := newTestLayers(t, driver, []testLine{
		{elev: 10, flatCoords: []float64{0, 0, 30, 0}},
		{elev: 20, flatCoords: []float64{0, 10, 30, 10}},
	})
	sampler, err := NewSampler()
	assert.NoError(t, err)
	_, err = sampler.Sample(t.Context(), linesLayer, pointsLayer)
	assert.NoError(t, err)

	for _, tc := range []struct {
		format string
		prefix string
	}{
		{format: "png", prefix: "\x89PNG\r\n\x1a\n"},
		{format: "svg", prefix: "<?xml"},
	} {
		t.Run(tc.format, func(t *testing.T) {
			buffer := &bytes.Buffer{}
			assert.NoError(t, WritePreview(t.Context(), buffer, tc.format, linesLayer, pointsLayer))
			assert.HasPrefix(t, buffer.String(), tc.prefix)
		})
	}

	t.Run("empty", func(t *testing.T) {
		linesLayer, _ := newTestLayers(t, memory.NewDriver(), nil)
		buffer := &bytes.Buffer{}
		assert.NoError(t, WritePreview(t.Context(), buffer, "png", linesLayer, nil))
		assert.NotZero(t, buffer.Len())
	})

	t.Run("unknown_format", func(t *testing.T) {
		assert.Error(t, WritePreview(t.Context(), &bytes.Buffer{}, "bmp", linesLayer, nil))
	})
}
