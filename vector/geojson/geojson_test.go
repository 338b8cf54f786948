package geojson_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-contour/vector"
	"github.com/twpayne/go-contour/vector/geojson"
	"github.com/twpayne/go-contour/vector/vectortest"
)

func TestDriverAbort(t *testing.T) {
	vectortest.TestAbort(t, geojson.NewDriver(), filepath.Join(t.TempDir(), "abort.geojson"))
}

func TestDriver(t *testing.T) {
	dir := t.TempDir()
	linesPath := filepath.Join(dir, "lines.geojson")
	vectortest.TestDriver(t, geojson.NewDriver(), linesPath, filepath.Join(dir, "points.geojson"))

	data, err := os.ReadFile(linesPath)
	assert.NoError(t, err)
	var fc struct {
		Type string `json:"type"`
		Name string `json:"name"`
		CRS  struct {
			Type       string            `json:"type"`
			Properties map[string]string `json:"properties"`
		} `json:"crs"`
		Features []json.RawMessage `json:"features"`
	}
	assert.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Equal(t, "contour", fc.Name)
	assert.Equal(t, "name", fc.CRS.Type)
	assert.Equal(t, map[string]string{"name": "urn:ogc:def:crs:EPSG::3035"}, fc.CRS.Properties)
	assert.Equal(t, 3, len(fc.Features))

	dirEntries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(dirEntries))
}

func TestEmptyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.geojson")
	driver := geojson.NewDriver()
	dataset, err := driver.Create(path)
	assert.NoError(t, err)
	_, err = dataset.CreateLayer("point", vector.GeometryTypePoint, vectortest.SpatialReference{Def: "+proj=longlat"})
	assert.NoError(t, err)
	assert.NoError(t, dataset.Close())

	dataset, err = driver.Open(path)
	assert.NoError(t, err)
	layer, err := dataset.Layer("point")
	assert.NoError(t, err)
	assert.Equal(t, vector.GeometryTypePoint, layer.GeometryType())
	for _, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		t.Fatal("unexpected feature")
	}
	assert.NoError(t, dataset.Close())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "point.geojson")
	assert.NoError(t, os.WriteFile(path, []byte(`{"type":"Point","coordinates":[0,0]}`), 0o666))
	_, err := geojson.NewDriver().Open(path)
	assert.Error(t, err)

	_, err = geojson.NewDriver().Open(filepath.Join(dir, "missing.geojson"))
	assert.Error(t, err)
}
