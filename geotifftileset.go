package contour

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// A TileCoordFunc returns the tile coordinate for a coordinate.
type TileCoordFunc func(Coord) (TileCoord, bool)

// A TileFilenameFunc returns the tile filename for a tile coordinate.
type TileFilenameFunc func(TileCoord) string

// A GeoTIFFTileSet is a raster made of GeoTIFF tiles sharing a CRS and a
// cell size.
type GeoTIFFTileSet struct {
	mutex            sync.Mutex
	fsys             fs.FS
	srid             int
	tileCoordFunc    TileCoordFunc
	tileFilenameFunc TileFilenameFunc
	canaryFilename   string
	missingTiles     sync.Map
	geoTIFFOptions   []GeoTIFFOption
	cacheSize        int
	scaleX           int
	scaleY           int
	geoTIFFCache     *lru.Cache[TileCoord, *GeoTIFF]
}

// A GeoTIFFTileSetOption sets an option on a GeoTIFFTileSet.
type GeoTIFFTileSetOption func(*GeoTIFFTileSet)

// NewGeoTIFFTileSet returns a new GeoTIFFTileSet with the given options.
func NewGeoTIFFTileSet(options ...GeoTIFFTileSetOption) (*GeoTIFFTileSet, error) {
	s := &GeoTIFFTileSet{
		cacheSize: 32,
	}
	for _, option := range options {
		option(s)
	}

	if s.fsys == nil || s.tileCoordFunc == nil || s.tileFilenameFunc == nil {
		return nil, errors.New("tile set requires a filesystem, a tile coord func, and a tile filename func")
	}
	if s.scaleX <= 0 || s.scaleY <= 0 {
		return nil, fmt.Errorf("%dx%d: invalid scale", s.scaleX, s.scaleY)
	}
	if s.canaryFilename != "" {
		if _, err := fs.Stat(s.fsys, s.canaryFilename); err != nil {
			return nil, err
		}
	}

	var err error
	s.geoTIFFCache, err = lru.NewWithEvict(s.cacheSize, func(key TileCoord, value *GeoTIFF) {
		if value != nil {
			_ = value.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func WithCacheSize(cacheSize int) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.cacheSize = cacheSize
	}
}

// WithCanaryFilename sets a file that must exist in the tile set's
// filesystem, to catch misconfigured paths early.
func WithCanaryFilename(canaryFilename string) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.canaryFilename = canaryFilename
	}
}

func WithFS(fsys fs.FS) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.fsys = fsys
	}
}

func WithGeoTIFFOptions(geoTIFFOptions ...GeoTIFFOption) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.geoTIFFOptions = geoTIFFOptions
	}
}

func WithTileCoordFunc(tileCoordFunc TileCoordFunc) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.tileCoordFunc = tileCoordFunc
	}
}

func WithSRID(srid int) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.srid = srid
	}
}

func WithScale(scaleX, scaleY int) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.scaleX = scaleX
		s.scaleY = scaleY
	}
}

func WithTileFilenameFunc(tileFilenameFunc TileFilenameFunc) GeoTIFFTileSetOption {
	return func(s *GeoTIFFTileSet) {
		s.tileFilenameFunc = tileFilenameFunc
	}
}

// Close closes all open tiles.
func (s *GeoTIFFTileSet) Close() error {
	s.geoTIFFCache.Purge()
	return nil
}

// Samples returns the samples at coords. Missing samples are represented by
// NaNs.
func (s *GeoTIFFTileSet) Samples(ctx context.Context, coords []Coord) ([]float64, error) {
	samples := make([]float64, len(coords))

	// Group indexes by tile coord.
	type groupStruct struct {
		coords  []Coord
		indexes []int
	}
	groupsByTileCoord := make(map[TileCoord]*groupStruct)
	for index, coord := range coords {
		tileCoord, ok := s.tileCoordFunc(coord)
		if !ok {
			samples[index] = math.NaN()
			continue
		}
		group, ok := groupsByTileCoord[tileCoord]
		if !ok {
			group = &groupStruct{}
			groupsByTileCoord[tileCoord] = group
		}
		group.coords = append(group.coords, coord)
		group.indexes = append(group.indexes, index)
	}

	// Populate samples one tile at a time.
	for tileCoord, group := range groupsByTileCoord {
		tile, err := s.getTileCached(tileCoord)
		if err != nil {
			return nil, err
		}
		if tile == nil {
			for _, index := range group.indexes {
				samples[index] = math.NaN()
			}
			continue
		}
		localSamples, err := tile.Samples(ctx, group.coords)
		if err != nil {
			return nil, err
		}
		for localIndex, index := range group.indexes {
			samples[index] = localSamples[localIndex]
		}
	}

	return samples, nil
}

// Grid returns a Grid covering bounds at s's scale. bounds are expanded
// outwards to whole cells. Samples are bilinearly interpolated, so bounds
// aligned to the tile grid return the stored samples unchanged.
func (s *GeoTIFFTileSet) Grid(ctx context.Context, bounds Bounds) (*Grid, error) {
	if bounds.Empty() {
		return nil, fmt.Errorf("%v: empty bounds", bounds)
	}
	scaleX, scaleY := float64(s.scaleX), float64(s.scaleY)
	minX := scaleX * math.Floor(bounds.MinX/scaleX)
	maxY := scaleY * math.Ceil(bounds.MaxY/scaleY)
	width := int(math.Ceil((bounds.MaxX - minX) / scaleX))
	height := int(math.Ceil((maxY - bounds.MinY) / scaleY))

	coords := make([][]float64, 0, width*height)
	for r := range height {
		for c := range width {
			coords = append(coords, []float64{minX + float64(c)*scaleX, maxY - float64(r)*scaleY})
		}
	}
	samples, err := InterpolateBilinear(ctx, s, coords)
	if err != nil {
		return nil, err
	}

	grid, err := NewGrid(width, height, samples)
	if err != nil {
		return nil, err
	}
	grid.Transform = NewNorthUpGeoTransform(minX, maxY, scaleX, scaleY)
	grid.SRS = s.SRS()
	return grid, nil
}

// SRID returns s's SRID.
func (s *GeoTIFFTileSet) SRID() int {
	return s.srid
}

// SRS returns s's CRS definition.
func (s *GeoTIFFTileSet) SRS() string {
	if s.srid == 0 {
		return ""
	}
	return fmt.Sprintf("EPSG:%d", s.srid)
}

// Scale returns s's scale.
func (s *GeoTIFFTileSet) Scale() (int, int) {
	return s.scaleX, s.scaleY
}

// getTile returns the tile at the given tile coordinate.
func (s *GeoTIFFTileSet) getTile(tileCoord TileCoord) (*GeoTIFF, error) {
	filename := s.tileFilenameFunc(tileCoord)
	switch geoTIFF, err := NewGeoTIFF(s.fsys, filename, s.geoTIFFOptions...); {
	case errors.Is(err, fs.ErrNotExist):
		s.missingTiles.Store(tileCoord, struct{}{})
		missingTileCacheMisses.Inc()
		return nil, nil
	case err != nil:
		return nil, err
	default:
		return geoTIFF, nil
	}
}

// getTileCached returns the tile at the give tile coordinate, using the cache
// if possible.
func (s *GeoTIFFTileSet) getTileCached(tileCoord TileCoord) (*GeoTIFF, error) {
	if _, ok := s.missingTiles.Load(tileCoord); ok {
		missingTileCacheHits.Inc()
		return nil, nil
	}

	if tile, ok := s.geoTIFFCache.Get(tileCoord); ok {
		globalTileCacheHits.Inc()
		return tile, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.missingTiles.Load(tileCoord); ok {
		missingTileCacheHits.Inc()
		return nil, nil
	}

	if tile, ok := s.geoTIFFCache.Get(tileCoord); ok {
		globalTileCacheHits.Inc()
		return tile, nil
	}

	globalTileCacheMisses.Inc()

	tile, err := s.getTile(tileCoord)
	if err != nil || tile == nil {
		return nil, err
	}

	if eviction := s.geoTIFFCache.Add(tileCoord, tile); eviction {
		globalTileCacheEvictions.Inc()
	}

	return tile, nil
}
