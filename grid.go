package contour

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path"
	"strings"
)

// A GeoTransform maps cell coordinates to world coordinates. It uses the
// same six coefficients as GDAL:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
//
// where (col, row) = (0, 0) is the top left corner of the top left cell.
type GeoTransform [6]float64

// IdentityGeoTransform maps cell coordinates to themselves.
var IdentityGeoTransform = GeoTransform{0, 1, 0, 0, 0, 1}

// NewNorthUpGeoTransform returns a GeoTransform for a north-up grid whose top
// left corner is at (originX, originY) and whose cells are sizeX by sizeY.
func NewNorthUpGeoTransform(originX, originY, sizeX, sizeY float64) GeoTransform {
	return GeoTransform{originX, sizeX, 0, originY, 0, -sizeY}
}

// Apply returns the world coordinate of the cell coordinate (col, row).
func (gt GeoTransform) Apply(col, row float64) (float64, float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// Invert returns the GeoTransform that maps world coordinates back to cell
// coordinates. ok is false if gt is degenerate.
func (gt GeoTransform) Invert() (inverse GeoTransform, ok bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, false
	}
	inverse[1] = gt[5] / det
	inverse[2] = -gt[2] / det
	inverse[4] = -gt[4] / det
	inverse[5] = gt[1] / det
	inverse[0] = -inverse[1]*gt[0] - inverse[2]*gt[3]
	inverse[3] = -inverse[4]*gt[0] - inverse[5]*gt[3]
	return inverse, true
}

// PixelSize returns the absolute size of a cell along each axis.
func (gt GeoTransform) PixelSize() (float64, float64) {
	return math.Hypot(gt[1], gt[4]), math.Hypot(gt[2], gt[5])
}

// A Grid is a two-dimensional field of elevation samples.
type Grid struct {
	Width     int
	Height    int
	Samples   []float64 // Row-major, row 0 is the top row.
	Transform GeoTransform
	NoData    float64
	HasNoData bool
	SRS       string // EPSG:nnnn or WKT, empty if unknown.
}

// NewGrid returns a new Grid of width by height samples with an identity
// transform.
func NewGrid(width, height int, samples []float64) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%dx%d: invalid grid size", width, height)
	}
	if len(samples) != width*height {
		return nil, fmt.Errorf("got %d samples, expected %d", len(samples), width*height)
	}
	return &Grid{
		Width:     width,
		Height:    height,
		Samples:   samples,
		Transform: IdentityGeoTransform,
	}, nil
}

// At returns the sample at (c, r).
func (g *Grid) At(c, r int) float64 {
	return g.Samples[r*g.Width+c]
}

// IsNoData returns whether v is a missing sample.
func (g *Grid) IsNoData(v float64) bool {
	return math.IsNaN(v) || g.HasNoData && v == g.NoData
}

// CellCenter returns the world coordinate of the center of cell (c, r).
func (g *Grid) CellCenter(c, r int) (float64, float64) {
	return g.Transform.Apply(float64(c)+0.5, float64(r)+0.5)
}

// Range returns the minimum and maximum valid samples. ok is false if the
// grid contains no valid samples.
func (g *Grid) Range() (minValue, maxValue float64, ok bool) {
	for _, v := range g.Samples {
		switch {
		case g.IsNoData(v):
		case !ok:
			minValue, maxValue, ok = v, v, true
		default:
			minValue = min(minValue, v)
			maxValue = max(maxValue, v)
		}
	}
	return minValue, maxValue, ok
}

// OpenGrid reads the grid in the file name in fsys. The format is chosen by
// the file extension.
func OpenGrid(ctx context.Context, fsys fs.FS, name string) (*Grid, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".tif", ".tiff":
		geoTIFF, err := NewGeoTIFF(fsys, name)
		if err != nil {
			return nil, err
		}
		defer geoTIFF.Close()
		return geoTIFF.Grid(ctx)
	case ".asc":
		return ReadESRIASCIIGrid(fsys, name)
	default:
		return nil, fmt.Errorf("%s: %w: unknown raster format %q", name, errors.ErrUnsupported, ext)
	}
}
