package contour

import (
	"fmt"
	"io/fs"
	"slices"
)

// NewEUDEM returns a GeoTIFFTileSet for the EU-DEM v1.1 tiles in fsys.
func NewEUDEM(fsys fs.FS, options ...GeoTIFFTileSetOption) (*GeoTIFFTileSet, error) {
	return NewGeoTIFFTileSet(slices.Concat(
		[]GeoTIFFTileSetOption{
			WithFS(fsys),
			WithSRID(3035),
			WithScale(25, 25),
			WithTileCoordFunc(euDEMTileCoord),
			WithTileFilenameFunc(euDEMTileFilename),
		},
		options,
	)...)
}

// euDEMTileCoord returns the EU-DEM tile containing coord. Tiles are
// 1000km square and named by their south west corner in units of 100km.
func euDEMTileCoord(coord Coord) (TileCoord, bool) {
	if coord.X < 0 || coord.Y < 0 {
		return TileCoord{}, false
	}
	return TileCoord{
		C: 10 * (coord.X / 1000000),
		R: 10 * (coord.Y / 1000000),
	}, true
}

func euDEMTileFilename(tileCoord TileCoord) string {
	return fmt.Sprintf("eu_dem_v11_E%02dN%02d.TIF", tileCoord.C, tileCoord.R)
}
