package contour_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour"
	"github.com/twpayne/go-contour/vector"
	"github.com/twpayne/go-contour/vector/geojson"
	"github.com/twpayne/go-contour/vector/memory"
	"github.com/twpayne/go-contour/vector/shapefile"
	"github.com/twpayne/go-contour/vector/sqlite"
)

// newTestHill returns a grid with a single round hill of height 100 in the
// middle.
func newTestHill(t *testing.T) *contour.Grid {
	t.Helper()
	const size = 21
	samples := make([]float64, 0, size*size)
	for r := range size {
		for c := range size {
			d := math.Hypot(float64(c-size/2), float64(r-size/2))
			samples = append(samples, max(0, 100-10*d))
		}
	}
	grid, err := contour.NewGrid(size, size, samples)
	assert.NoError(t, err)
	grid.Transform = contour.NewNorthUpGeoTransform(4321000, 3210000, 25, 25)
	grid.SRS = "EPSG:3035"
	return grid
}

type testFeatures struct {
	count int
	elevs map[int]int
}

func readTestFeatures(t *testing.T, driver vector.Driver, path, layerName string, geometryType vector.GeometryType) testFeatures {
	t.Helper()
	dataset, err := driver.Open(path)
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()
	layer, err := vector.FindLayer(dataset, layerName)
	assert.NoError(t, err)
	assert.Equal(t, geometryType, layer.GeometryType())
	elevIndex, ok := layer.FieldIndex(contour.ElevFieldName)
	assert.True(t, ok)
	features := testFeatures{
		elevs: make(map[int]int),
	}
	for feature, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		assert.Equal(t, geometryType, vector.GeometryTypeOf(feature.Geometry))
		elev, ok := feature.Int(elevIndex)
		assert.True(t, ok)
		features.count++
		features.elevs[elev]++
	}
	return features
}

func TestPipelineDrivers(t *testing.T) {
	registry := vector.NewRegistry(
		shapefile.NewDriver(),
		geojson.NewDriver(),
		sqlite.NewDriver(),
	)
	for _, tc := range []struct {
		name       string
		linesPath  string
		pointsPath string
	}{
		{
			name:       "shapefile",
			linesPath:  "lines.shp",
			pointsPath: "points.shp",
		},
		{
			name:       "shapefile_directory",
			linesPath:  "lines",
			pointsPath: "points",
		},
		{
			name:       "geojson",
			linesPath:  "lines.geojson",
			pointsPath: "points.geojson",
		},
		{
			name:       "sqlite",
			linesPath:  "lines.sqlite",
			pointsPath: "points.sqlite",
		},
		{
			name:       "mixed",
			linesPath:  "lines.sqlite",
			pointsPath: "points.geojson",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			linesPath := filepath.Join(dir, tc.linesPath)
			pointsPath := filepath.Join(dir, tc.pointsPath)

			pipeline, err := contour.NewPipeline(registry, contour.WithInterval(20), contour.WithStep(25))
			assert.NoError(t, err)
			result, err := pipeline.Run(t.Context(), newTestHill(t), linesPath, pointsPath)
			assert.NoError(t, err)
			assert.Equal(t, 4, result.Lines)
			assert.NotZero(t, result.Points)
			assert.Equal(t, 0, result.FailedWrites)
			assert.NotEqual(t, "", result.RunID)

			linesDriver, err := registry.DriverForPath(linesPath)
			assert.NoError(t, err)
			lines := readTestFeatures(t, linesDriver, linesPath, contour.DefaultLinesLayerName, vector.GeometryTypeLineString)
			assert.Equal(t, result.Lines, lines.count)
			// The level 100 line degenerates to the summit and is dropped.
			assert.Equal(t, map[int]int{20: 1, 40: 1, 60: 1, 80: 1}, lines.elevs)

			pointsDriver, err := registry.DriverForPath(pointsPath)
			assert.NoError(t, err)
			points := readTestFeatures(t, pointsDriver, pointsPath, contour.DefaultPointsLayerName, vector.GeometryTypePoint)
			assert.Equal(t, result.Points, points.count)
			for elev := range points.elevs {
				_, ok := lines.elevs[elev]
				assert.True(t, ok, "elev=%d", elev)
			}
		})
	}
}

func TestPipelineMemory(t *testing.T) {
	driver := memory.NewDriver()
	registry := vector.NewRegistry(driver)
	pipeline, err := contour.NewPipeline(registry,
		contour.WithFixedLevels(50),
		contour.WithStep(1e6),
		contour.WithLayerNames("isolines", "samples"),
	)
	assert.NoError(t, err)
	result, err := pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
	assert.NoError(t, err)
	assert.Equal(t, &contour.Result{
		RunID:      result.RunID,
		Lines:      1,
		Points:     1,
		LinesPath:  "lines.mem",
		PointsPath: "points.mem",
	}, result)

	srs, ok := driver.SRS("lines.mem", "isolines")
	assert.True(t, ok)
	assert.Equal(t, "EPSG:3035", srs)
	srs, ok = driver.SRS("points.mem", "samples")
	assert.True(t, ok)
	assert.Equal(t, "EPSG:3035", srs)

	// The single sample is the first vertex of the line.
	lines, err := driver.Open("lines.mem")
	assert.NoError(t, err)
	linesLayer, err := lines.Layer("isolines")
	assert.NoError(t, err)
	points, err := driver.Open("points.mem")
	assert.NoError(t, err)
	pointsLayer, err := points.Layer("samples")
	assert.NoError(t, err)
	var lineStrings []*geom.LineString
	for feature, err := range linesLayer.Features(t.Context()) {
		assert.NoError(t, err)
		lineStrings = append(lineStrings, feature.Geometry.(*geom.LineString))
		assert.Equal(t, map[int]int{0: 0, 1: 50}, feature.Values)
	}
	var pointGeoms []*geom.Point
	for feature, err := range pointsLayer.Features(t.Context()) {
		assert.NoError(t, err)
		pointGeoms = append(pointGeoms, feature.Geometry.(*geom.Point))
		assert.Equal(t, map[int]int{0: 50}, feature.Values)
	}
	assert.Equal(t, 1, len(lineStrings))
	assert.Equal(t, 1, len(pointGeoms))
	assert.Equal(t, lineStrings[0].Coord(0), pointGeoms[0].Coords())

	// The hill's 50 contour is a closed ring.
	assert.Equal(t, lineStrings[0].Coord(0), lineStrings[0].Coord(lineStrings[0].NumCoords()-1))
}

func TestPipelinePartialWrite(t *testing.T) {
	errRejected := errors.New("rejected")
	driver := memory.NewDriver(memory.WithFeatureHook(func(layer string, g geom.T, values map[int]int) error {
		if layer == contour.DefaultLinesLayerName && values[1] == 60 {
			return errRejected
		}
		return nil
	}))
	pipeline, err := contour.NewPipeline(vector.NewRegistry(driver), contour.WithInterval(20))
	assert.NoError(t, err)
	result, err := pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
	assert.IsError(t, err, contour.ErrPartialWrite)
	assert.Equal(t, contour.StageWrite, contour.StageOf(err))
	var writeErr *contour.WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, &contour.WriteError{Layer: contour.DefaultLinesLayerName, Failed: 1}, writeErr)
	assert.Equal(t, 3, result.Lines)
	assert.Equal(t, 1, result.FailedWrites)
	assert.NotZero(t, result.Points)

	features := readTestFeatures(t, driver, "lines.mem", contour.DefaultLinesLayerName, vector.GeometryTypeLineString)
	assert.Equal(t, map[int]int{20: 1, 40: 1, 80: 1}, features.elevs)
	points := readTestFeatures(t, driver, "points.mem", contour.DefaultPointsLayerName, vector.GeometryTypePoint)
	assert.Equal(t, 0, points.elevs[60])
}

func TestPipelineErrors(t *testing.T) {
	t.Run("invalid_interval", func(t *testing.T) {
		_, err := contour.NewPipeline(vector.NewRegistry(), contour.WithInterval(0))
		assert.IsError(t, err, contour.ErrInvalidInterval)
		assert.Equal(t, contour.StageSetup, contour.StageOf(err))
	})

	t.Run("invalid_step", func(t *testing.T) {
		_, err := contour.NewPipeline(vector.NewRegistry(), contour.WithStep(-1))
		assert.IsError(t, err, contour.ErrInvalidStep)
		assert.Equal(t, contour.StageSetup, contour.StageOf(err))
	})

	t.Run("unknown_driver", func(t *testing.T) {
		pipeline, err := contour.NewPipeline(vector.NewRegistry(memory.NewDriver()))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), newTestHill(t), "lines.xyz", "points.mem")
		assert.IsError(t, err, vector.ErrUnknownDriver)
		assert.Equal(t, contour.StageSetup, contour.StageOf(err))
	})

	t.Run("unknown_format", func(t *testing.T) {
		pipeline, err := contour.NewPipeline(vector.NewRegistry(memory.NewDriver()), contour.WithFormat("GPKG"))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
		assert.IsError(t, err, vector.ErrUnknownDriver)
	})

	t.Run("reproject_without_srs", func(t *testing.T) {
		grid := newTestHill(t)
		grid.SRS = ""
		pipeline, err := contour.NewPipeline(vector.NewRegistry(memory.NewDriver()), contour.WithTargetSRS("EPSG:4326"))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), grid, "lines.mem", "points.mem")
		assert.Equal(t, contour.StageSetup, contour.StageOf(err))
	})

	t.Run("too_many_levels", func(t *testing.T) {
		driver := memory.NewDriver()
		pipeline, err := contour.NewPipeline(vector.NewRegistry(driver), contour.WithInterval(1), contour.WithMaxLevels(10))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
		assert.IsError(t, err, contour.ErrTooManyLevels)
		assert.Equal(t, contour.StageGeneration, contour.StageOf(err))
		_, err = driver.Open("lines.mem")
		assert.Error(t, err)
		_, err = driver.Open("points.mem")
		assert.Error(t, err)
	})

	t.Run("too_many_levels_geojson", func(t *testing.T) {
		dir := t.TempDir()
		pipeline, err := contour.NewPipeline(vector.NewRegistry(geojson.NewDriver()), contour.WithInterval(1), contour.WithMaxLevels(10))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), newTestHill(t), filepath.Join(dir, "lines.geojson"), filepath.Join(dir, "points.geojson"))
		assert.IsError(t, err, contour.ErrTooManyLevels)
		dirEntries, err := os.ReadDir(dir)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(dirEntries))
	})

	t.Run("too_many_samples", func(t *testing.T) {
		for _, driver := range []vector.Driver{
			geojson.NewDriver(),
			shapefile.NewDriver(),
			sqlite.NewDriver(),
		} {
			t.Run(driver.Name(), func(t *testing.T) {
				dir := t.TempDir()
				ext := driver.Extensions()[0]
				pipeline, err := contour.NewPipeline(vector.NewRegistry(driver), contour.WithStep(1), contour.WithMaxSamples(10))
				assert.NoError(t, err)
				_, err = pipeline.Run(t.Context(), newTestHill(t), filepath.Join(dir, "lines"+ext), filepath.Join(dir, "points"+ext))
				assert.IsError(t, err, contour.ErrTooManySamples)
				assert.Equal(t, contour.StageGeneration, contour.StageOf(err))
				dirEntries, err := os.ReadDir(dir)
				assert.NoError(t, err)
				assert.Equal(t, 0, len(dirEntries))
			})
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		pipeline, err := contour.NewPipeline(vector.NewRegistry(memory.NewDriver()))
		assert.NoError(t, err)
		_, err = pipeline.Run(ctx, newTestHill(t), "lines.mem", "points.mem")
		assert.IsError(t, err, context.Canceled)
		assert.Equal(t, contour.StageGeneration, contour.StageOf(err))
	})
}

func TestPipelineTargetSRS(t *testing.T) {
	driver := memory.NewDriver()
	pipeline, err := contour.NewPipeline(vector.NewRegistry(driver),
		contour.WithFixedLevels(50),
		contour.WithStep(0.001),
		contour.WithTargetSRS("EPSG:4326"),
	)
	assert.NoError(t, err)
	result, err := pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Lines)
	assert.NotZero(t, result.Points)

	srs, ok := driver.SRS("points.mem", contour.DefaultPointsLayerName)
	assert.True(t, ok)
	assert.Equal(t, "EPSG:4326", srs)

	// The hill is just south east of the origin of the projection.
	dataset, err := driver.Open("points.mem")
	assert.NoError(t, err)
	layer, err := dataset.Layer(contour.DefaultPointsLayerName)
	assert.NoError(t, err)
	for feature, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		point := feature.Geometry.(*geom.Point)
		assert.True(t, 10 < point.X() && point.X() < 10.01, "x=%g", point.X())
		assert.True(t, 51.99 < point.Y() && point.Y() < 52, "y=%g", point.Y())
	}
}

func TestPipelineLogger(t *testing.T) {
	buffer := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buffer, nil))
	pipeline, err := contour.NewPipeline(vector.NewRegistry(memory.NewDriver()), contour.WithLogger(logger))
	assert.NoError(t, err)
	result, err := pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
	assert.NoError(t, err)
	assert.Contains(t, buffer.String(), "run="+result.RunID)
	assert.Contains(t, buffer.String(), "msg=\"wrote points\"")
}

func TestPipelineDeterministic(t *testing.T) {
	type point struct {
		x, y float64
		elev int
	}
	var expected []point
	for _, concurrency := range []int{1, 3, 8} {
		driver := memory.NewDriver()
		pipeline, err := contour.NewPipeline(vector.NewRegistry(driver), contour.WithConcurrency(concurrency), contour.WithStep(7))
		assert.NoError(t, err)
		_, err = pipeline.Run(t.Context(), newTestHill(t), "lines.mem", "points.mem")
		assert.NoError(t, err)

		dataset, err := driver.Open("points.mem")
		assert.NoError(t, err)
		layer, err := dataset.Layer(contour.DefaultPointsLayerName)
		assert.NoError(t, err)
		var actual []point
		for feature, err := range layer.Features(t.Context()) {
			assert.NoError(t, err)
			g := feature.Geometry.(*geom.Point)
			actual = append(actual, point{x: g.X(), y: g.Y(), elev: feature.Values[0]})
		}
		if expected == nil {
			expected = actual
			continue
		}
		assert.True(t, slices.Equal(expected, actual))
	}
}
