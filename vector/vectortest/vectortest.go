// Package vectortest implements support for testing vector drivers.
package vectortest

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour/vector"
)

// A SpatialReference is a fixed vector.SpatialReference.
type SpatialReference struct {
	Def    string
	WKTDef string
}

func (s SpatialReference) Definition() string { return s.Def }
func (s SpatialReference) WKT() string        { return s.WKTDef }

// A testFeature is a feature with values keyed by field name.
type testFeature struct {
	flatCoords []float64
	values     map[string]int
}

// TestDriver creates a line dataset at linesPath and a point dataset at
// pointsPath with driver, re-opens them, and checks that the features read
// back match the features written.
func TestDriver(t *testing.T, driver vector.Driver, linesPath, pointsPath string) {
	t.Helper()
	srs := SpatialReference{Def: "EPSG:3035"}

	lines := []testFeature{
		{flatCoords: []float64{0, 0, 10, 0, 10, 10}, values: map[string]int{"ID": 0, "ELEV": 10}},
		{flatCoords: []float64{1.5, 2.5, 3.5, 4.5}, values: map[string]int{"ID": 1, "ELEV": -20}},
		{flatCoords: []float64{5, 5, 6, 5, 6, 6, 5, 5}, values: map[string]int{"ID": 2, "ELEV": 1234567}},
	}
	points := []testFeature{
		{flatCoords: []float64{0, 0}, values: map[string]int{"ELEV": 10}},
		{flatCoords: []float64{-1.25, 1e6}, values: map[string]int{"ELEV": -20}},
	}

	t.Run("lines", func(t *testing.T) {
		writeLayer(t, driver, linesPath, "contour", vector.GeometryTypeLineString, srs, []string{"ID", "ELEV"}, lines)
		readLayer(t, driver, linesPath, "contour", vector.GeometryTypeLineString, []string{"ID", "ELEV"}, lines)
	})

	t.Run("points", func(t *testing.T) {
		writeLayer(t, driver, pointsPath, "point", vector.GeometryTypePoint, srs, []string{"ELEV"}, points)
		readLayer(t, driver, pointsPath, "point", vector.GeometryTypePoint, []string{"ELEV"}, points)
	})
}

func newGeometry(geometryType vector.GeometryType, flatCoords []float64) geom.T {
	switch geometryType {
	case vector.GeometryTypePoint:
		return geom.NewPointFlat(geom.XY, flatCoords)
	default:
		return geom.NewLineStringFlat(geom.XY, flatCoords)
	}
}

func writeLayer(t *testing.T, driver vector.Driver, path, name string, geometryType vector.GeometryType, srs vector.SpatialReference, fields []string, features []testFeature) {
	t.Helper()
	dataset, err := driver.Create(path)
	assert.NoError(t, err)

	layer, err := dataset.CreateLayer(name, geometryType, srs)
	assert.NoError(t, err)
	assert.Equal(t, geometryType, layer.GeometryType())

	for i, field := range fields {
		index, err := layer.CreateField(field)
		assert.NoError(t, err)
		assert.Equal(t, i, index)
	}
	_, err = layer.CreateField(fields[0])
	assert.IsError(t, err, vector.ErrFieldExists)
	assert.Equal(t, fields, layer.Fields())

	for _, feature := range features {
		values := make(map[int]int)
		for field, value := range feature.values {
			index, ok := layer.FieldIndex(field)
			assert.True(t, ok)
			values[index] = value
		}
		assert.NoError(t, layer.CreateFeature(t.Context(), newGeometry(geometryType, feature.flatCoords), values))
	}

	var wrongGeometry geom.T = geom.NewPointFlat(geom.XY, []float64{0, 0})
	if geometryType == vector.GeometryTypePoint {
		wrongGeometry = geom.NewLineStringFlat(geom.XY, []float64{0, 0, 1, 1})
	}
	assert.IsError(t, layer.CreateFeature(t.Context(), wrongGeometry, nil), vector.ErrGeometryType)
	assert.IsError(t, layer.CreateFeature(t.Context(), newGeometry(geometryType, features[0].flatCoords), map[int]int{len(fields): 1}), vector.ErrFieldNotFound)

	assert.NoError(t, dataset.Close())
}

func readLayer(t *testing.T, driver vector.Driver, path, name string, geometryType vector.GeometryType, fields []string, expected []testFeature) {
	t.Helper()
	dataset, err := driver.Open(path)
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	layer, err := vector.FindLayer(dataset, name)
	assert.NoError(t, err)
	assert.Equal(t, geometryType, layer.GeometryType())
	assert.Equal(t, fields, layer.Fields())
	_, ok := layer.FieldIndex("MISSING")
	assert.False(t, ok)

	var actual []testFeature
	for feature, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		assert.Equal(t, geometryType, vector.GeometryTypeOf(feature.Geometry))
		values := make(map[string]int)
		for field, value := range feature.Values {
			values[layer.Fields()[field]] = value
		}
		actual = append(actual, testFeature{
			flatCoords: feature.Geometry.FlatCoords(),
			values:     values,
		})
	}
	assert.Equal(t, expected, actual)
}

// TestAbort checks that aborting a dataset created at path with driver
// leaves nothing to open, and that a finalized dataset at path can be
// removed.
func TestAbort(t *testing.T, driver vector.Driver, path string) {
	t.Helper()
	srs := SpatialReference{Def: "EPSG:3035"}
	line := testFeature{flatCoords: []float64{0, 0, 10, 0}, values: map[string]int{"ELEV": 10}}

	dataset, err := driver.Create(path)
	assert.NoError(t, err)
	layer, err := dataset.CreateLayer("contour", vector.GeometryTypeLineString, srs)
	assert.NoError(t, err)
	index, err := layer.CreateField("ELEV")
	assert.NoError(t, err)
	assert.NoError(t, layer.CreateFeature(t.Context(), newGeometry(vector.GeometryTypeLineString, line.flatCoords), map[int]int{index: 10}))
	assert.NoError(t, dataset.Abort())
	assert.NoError(t, dataset.Abort())
	_, err = driver.Open(path)
	assert.Error(t, err)

	writeLayer(t, driver, path, "contour", vector.GeometryTypeLineString, srs, []string{"ELEV"}, []testFeature{line})
	readLayer(t, driver, path, "contour", vector.GeometryTypeLineString, []string{"ELEV"}, []testFeature{line})
	assert.NoError(t, driver.Remove(path))
	_, err = driver.Open(path)
	assert.Error(t, err)
	assert.NoError(t, driver.Remove(path))
}
