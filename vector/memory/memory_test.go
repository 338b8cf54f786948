package memory_test

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour/vector"
	"github.com/twpayne/go-contour/vector/memory"
	"github.com/twpayne/go-contour/vector/vectortest"
)

func TestDriverAbort(t *testing.T) {
	vectortest.TestAbort(t, memory.NewDriver(), "abort.mem")
}

func TestDriver(t *testing.T) {
	driver := memory.NewDriver()
	vectortest.TestDriver(t, driver, "lines.mem", "points.mem")

	srs, ok := driver.SRS("lines.mem", "contour")
	assert.True(t, ok)
	assert.Equal(t, "EPSG:3035", srs)

	_, err := driver.Open("missing.mem")
	assert.Error(t, err)
}

func TestFeatureHook(t *testing.T) {
	errRejected := errors.New("rejected")
	driver := memory.NewDriver(memory.WithFeatureHook(func(layer string, g geom.T, values map[int]int) error {
		if values[0] < 0 {
			return errRejected
		}
		return nil
	}))

	dataset, err := driver.Create("points.mem")
	assert.NoError(t, err)
	layer, err := dataset.CreateLayer("point", vector.GeometryTypePoint, nil)
	assert.NoError(t, err)
	_, err = layer.CreateField("ELEV")
	assert.NoError(t, err)

	point := geom.NewPointFlat(geom.XY, []float64{1, 2})
	assert.NoError(t, layer.CreateFeature(t.Context(), point, map[int]int{0: 1}))
	assert.IsError(t, layer.CreateFeature(t.Context(), point, map[int]int{0: -1}), errRejected)
	assert.NoError(t, dataset.Close())

	assert.IsError(t, layer.CreateFeature(t.Context(), point, map[int]int{0: 1}), vector.ErrClosed)

	dataset, err = driver.Open("points.mem")
	assert.NoError(t, err)
	layer, err = dataset.Layer("point")
	assert.NoError(t, err)
	count := 0
	for feature, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		assert.Equal(t, map[int]int{0: 1}, feature.Values)
		count++
	}
	assert.Equal(t, 1, count)
}
