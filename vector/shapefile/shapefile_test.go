package shapefile_test

import (
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour/vector"
	"github.com/twpayne/go-contour/vector/shapefile"
	"github.com/twpayne/go-contour/vector/vectortest"
)

const testWKT = `PROJCS["ETRS89_ETRS_LAEA",GEOGCS["GCS_ETRS_1989",DATUM["D_ETRS_1989",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Azimuthal_Equal_Area"],PARAMETER["false_easting",4321000.0],PARAMETER["false_northing",3210000.0],PARAMETER["central_meridian",10.0],PARAMETER["latitude_of_origin",52.0],UNIT["Meter",1.0]]`

func TestDriverAbort(t *testing.T) {
	dir := t.TempDir()
	vectortest.TestAbort(t, shapefile.NewDriver(), filepath.Join(dir, "abort.shp"))
	vectortest.TestAbort(t, shapefile.NewDriver(), filepath.Join(dir, "abort"))
	dirEntries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(dirEntries))
}

func TestDriverSingleFile(t *testing.T) {
	dir := t.TempDir()
	vectortest.TestDriver(t, shapefile.NewDriver(), filepath.Join(dir, "lines.shp"), filepath.Join(dir, "points.shp"))
	for _, name := range []string{"lines.shp", "lines.shx", "lines.dbf", "points.shp", "points.shx", "points.dbf"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestDriverDirectory(t *testing.T) {
	dir := t.TempDir()
	vectortest.TestDriver(t, shapefile.NewDriver(), filepath.Join(dir, "lines"), filepath.Join(dir, "points"))
	_, err := os.Stat(filepath.Join(dir, "lines", "contour.shp"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "points", "point.dbf"))
	assert.NoError(t, err)
}

func TestPRJ(t *testing.T) {
	for _, tc := range []struct {
		name           string
		srs            vector.SpatialReference
		expectedPrefix string
		expectedLog    string
	}{
		{
			name:           "wkt",
			srs:            vectortest.SpatialReference{Def: testWKT, WKTDef: testWKT},
			expectedPrefix: testWKT,
		},
		{
			name:           "epsg",
			srs:            vectortest.SpatialReference{Def: "EPSG:3035"},
			expectedPrefix: `PROJCS["ETRS_1989_LAEA",`,
		},
		{
			name:           "epsg_geographic",
			srs:            vectortest.SpatialReference{Def: "epsg:4326"},
			expectedPrefix: `GEOGCS["GCS_WGS_1984",`,
		},
		{
			name:        "epsg_unknown",
			srs:         vectortest.SpatialReference{Def: "EPSG:32633"},
			expectedLog: "spatial reference not written",
		},
		{
			name: "none",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			buffer := &bytes.Buffer{}
			driver := shapefile.NewDriver(shapefile.WithLogger(slog.New(slog.NewTextHandler(buffer, nil))))
			dataset, err := driver.Create(filepath.Join(dir, "lines.shp"))
			assert.NoError(t, err)
			_, err = dataset.CreateLayer("contour", vector.GeometryTypeLineString, tc.srs)
			assert.NoError(t, err)
			_, err = dataset.CreateLayer("other", vector.GeometryTypeLineString, nil)
			assert.IsError(t, err, vector.ErrLayerExists)
			assert.NoError(t, dataset.Close())

			prj, err := os.ReadFile(filepath.Join(dir, "lines.prj"))
			if tc.expectedPrefix == "" {
				assert.IsError(t, err, fs.ErrNotExist)
			} else {
				assert.NoError(t, err)
				assert.HasPrefix(t, string(prj), tc.expectedPrefix)
			}
			if tc.expectedLog == "" {
				assert.Equal(t, "", buffer.String())
			} else {
				assert.Contains(t, buffer.String(), tc.expectedLog)
			}
		})
	}
}

func TestCreateFeatureValidation(t *testing.T) {
	dir := t.TempDir()
	driver := shapefile.NewDriver()
	dataset, err := driver.Create(filepath.Join(dir, "points.shp"))
	assert.NoError(t, err)
	layer, err := dataset.CreateLayer("point", vector.GeometryTypePoint, nil)
	assert.NoError(t, err)
	_, err = layer.CreateField("ELEVATION_M")
	assert.Error(t, err)
	elevIndex, err := layer.CreateField("ELEV")
	assert.NoError(t, err)

	point := geom.NewPointFlat(geom.XY, []float64{1, 2})
	assert.IsError(t, layer.CreateFeature(t.Context(), point, map[int]int{elevIndex: -12345678901}), vector.ErrValueOutOfRange)
	assert.NoError(t, layer.CreateFeature(t.Context(), point, map[int]int{elevIndex: 7}))
	_, err = layer.CreateField("ID")
	assert.IsError(t, err, vector.ErrFieldsLocked)
	assert.NoError(t, dataset.Close())

	dataset, err = driver.Open(filepath.Join(dir, "points.shp"))
	assert.NoError(t, err)
	defer dataset.Close()
	layer, err = dataset.Layer("points")
	assert.NoError(t, err)
	var values []map[int]int
	for feature, err := range layer.Features(t.Context()) {
		assert.NoError(t, err)
		values = append(values, feature.Values)
	}
	assert.Equal(t, []map[int]int{{0: 7}}, values)
	assert.IsError(t, layer.CreateFeature(t.Context(), point, nil), vector.ErrReadOnly)
}
