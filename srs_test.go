package contour

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSpatialReference(t *testing.T) {
	s, err := NewSpatialReference(" EPSG:3035\n")
	assert.NoError(t, err)
	assert.True(t, s.Known())
	assert.Equal(t, "EPSG:3035", s.Definition())
	assert.Equal(t, "", s.WKT())
	s.Destroy()
	s.Destroy()

	unknown, err := NewSpatialReference("")
	assert.NoError(t, err)
	assert.False(t, unknown.Known())
	unknown.Destroy()

	_, err = NewSpatialReference("EPSG:0")
	assert.Error(t, err)
}

func TestIsWKT(t *testing.T) {
	assert.True(t, isWKT(laeaWKT))
	assert.False(t, isWKT("EPSG:3035"))
	assert.False(t, isWKT("+proj=longlat +datum=WGS84"))
}

func TestTransformer(t *testing.T) {
	transformer, err := NewTransformer("EPSG:4326", "EPSG:3035")
	assert.NoError(t, err)
	defer transformer.Destroy()

	// The natural origin of EPSG:3035 maps to its false easting and
	// northing.
	flatCoords := []float64{10, 52, 10, 52}
	assert.NoError(t, transformer.TransformFlatCoords(flatCoords))
	assertApproxEqual(t, []float64{4321000, 3210000, 4321000, 3210000}, flatCoords, 1e-3)
}
