package contour

import (
	"errors"
	"math"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
)

func TestGeoTransform(t *testing.T) {
	for _, tc := range []struct {
		name      string
		transform GeoTransform
		col, row  float64
		expectedX float64
		expectedY float64
	}{
		{
			name:      "identity",
			transform: IdentityGeoTransform,
			col:       1.5,
			row:       2.5,
			expectedX: 1.5,
			expectedY: 2.5,
		},
		{
			name:      "north_up",
			transform: NewNorthUpGeoTransform(1000, 2000, 25, 25),
			col:       2,
			row:       4,
			expectedX: 1050,
			expectedY: 1900,
		},
		{
			name:      "rotated",
			transform: GeoTransform{100, 0, 10, 200, 10, 0},
			col:       1,
			row:       2,
			expectedX: 120,
			expectedY: 210,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x, y := tc.transform.Apply(tc.col, tc.row)
			assert.Equal(t, tc.expectedX, x)
			assert.Equal(t, tc.expectedY, y)

			inverse, ok := tc.transform.Invert()
			assert.True(t, ok)
			col, row := inverse.Apply(x, y)
			assertApproxEqual(t, []float64{tc.col, tc.row}, []float64{col, row}, 1e-9)
		})
	}

	_, ok := GeoTransform{0, 1, 0, 0, 2, 0}.Invert()
	assert.False(t, ok)

	sizeX, sizeY := NewNorthUpGeoTransform(0, 0, 25, 30).PixelSize()
	assert.Equal(t, 25.0, sizeX)
	assert.Equal(t, 30.0, sizeY)
}

func TestNewGrid(t *testing.T) {
	_, err := NewGrid(0, 1, nil)
	assert.Error(t, err)
	_, err = NewGrid(2, 2, []float64{1, 2, 3})
	assert.Error(t, err)

	grid, err := NewGrid(3, 2, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	assert.NoError(t, err)
	assert.Equal(t, 6.0, grid.At(2, 1))
	assert.Equal(t, IdentityGeoTransform, grid.Transform)
	x, y := grid.CellCenter(2, 1)
	assert.Equal(t, 2.5, x)
	assert.Equal(t, 1.5, y)
}

func TestGridRange(t *testing.T) {
	for _, tc := range []struct {
		name        string
		samples     []float64
		noData      float64
		hasNoData   bool
		expectedMin float64
		expectedMax float64
		expectedOK  bool
	}{
		{
			name:        "simple",
			samples:     []float64{3, 1, 4, 1},
			expectedMin: 1,
			expectedMax: 4,
			expectedOK:  true,
		},
		{
			name:        "nan",
			samples:     []float64{math.NaN(), 2, 7, math.NaN()},
			expectedMin: 2,
			expectedMax: 7,
			expectedOK:  true,
		},
		{
			name:        "no_data",
			samples:     []float64{-9999, 2, 7, -9999},
			noData:      -9999,
			hasNoData:   true,
			expectedMin: 2,
			expectedMax: 7,
			expectedOK:  true,
		},
		{
			name:        "negative",
			samples:     []float64{math.NaN(), -5, -12, math.NaN()},
			expectedMin: -12,
			expectedMax: -5,
			expectedOK:  true,
		},
		{
			name:      "all_no_data",
			samples:   []float64{0, 0, math.NaN(), 0},
			hasNoData: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grid, err := NewGrid(2, 2, tc.samples)
			assert.NoError(t, err)
			grid.NoData = tc.noData
			grid.HasNoData = tc.hasNoData
			minValue, maxValue, ok := grid.Range()
			assert.Equal(t, tc.expectedOK, ok)
			assert.Equal(t, tc.expectedMin, minValue)
			assert.Equal(t, tc.expectedMax, maxValue)
		})
	}
}

func TestOpenGrid(t *testing.T) {
	fsys := fstest.MapFS{
		"dem.asc": &fstest.MapFile{
			Data: []byte("ncols 2\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2\n"),
		},
		"dem.xyz": &fstest.MapFile{},
	}

	grid, err := OpenGrid(t.Context(), fsys, "dem.asc")
	assert.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, grid.Samples)

	_, err = OpenGrid(t.Context(), fsys, "dem.xyz")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))

	_, err = OpenGrid(t.Context(), fsys, "missing.tif")
	assert.Error(t, err)
}
