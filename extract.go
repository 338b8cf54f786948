package contour

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"

	"github.com/twpayne/go-contour/vector"
)

// A Line is a contour line.
type Line struct {
	ID     int
	Level  float64
	Elev   int
	Coords []float64 // Flat XY coordinates in the grid's CRS.
}

// Stats counts the features written to a layer.
type Stats struct {
	Written int
	Failed  int
}

// An Extractor extracts contour lines from grids using marching squares.
type Extractor struct {
	options
}

// A segment is part of a contour line crossing a single cell. Its ends are
// identified by the grid edges they lie on.
type segment struct {
	keys   [2]uint64
	points [2][2]float64
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) (*Extractor, error) {
	return newExtractor(newOptions(opts))
}

func newExtractor(o options) (*Extractor, error) {
	if len(o.fixedLevels) == 0 {
		if !(o.interval > 0) || math.IsInf(o.interval, 1) {
			return nil, fmt.Errorf("%g: %w", o.interval, ErrInvalidInterval)
		}
		if math.IsNaN(o.base) || math.IsInf(o.base, 0) {
			return nil, fmt.Errorf("%g: invalid base", o.base)
		}
	}
	for _, level := range o.fixedLevels {
		if math.IsNaN(level) || math.IsInf(level, 0) {
			return nil, fmt.Errorf("%g: invalid fixed level", level)
		}
	}
	o.fixedLevels = slices.Compact(slices.Sorted(slices.Values(o.fixedLevels)))
	return &Extractor{
		options: o,
	}, nil
}

// Levels returns the contour levels L with minValue < L <= maxValue in
// ascending order.
func (e *Extractor) Levels(minValue, maxValue float64) ([]float64, error) {
	if len(e.fixedLevels) > 0 {
		start := sort.Search(len(e.fixedLevels), func(i int) bool {
			return e.fixedLevels[i] > minValue
		})
		end := sort.Search(len(e.fixedLevels), func(i int) bool {
			return e.fixedLevels[i] > maxValue
		})
		if start >= end {
			return nil, nil
		}
		if end-start > e.maxLevels {
			return nil, fmt.Errorf("%d levels: %w", end-start, ErrTooManyLevels)
		}
		return slices.Clone(e.fixedLevels[start:end]), nil
	}

	if !(minValue < maxValue) {
		return nil, nil
	}
	kMin := math.Floor((minValue - e.base) / e.interval)
	kMax := math.Floor((maxValue - e.base) / e.interval)
	if !(kMax-kMin <= float64(e.maxLevels)+1) {
		return nil, fmt.Errorf("%g levels: %w", kMax-kMin, ErrTooManyLevels)
	}
	// Far from base consecutive k may not be representable, so iterate over
	// a count and drop repeated levels.
	var levels []float64
	for i := range int(kMax-kMin) + 2 {
		// Levels are computed by multiplication so that rounding errors do
		// not accumulate.
		level := e.base + (kMin+float64(i))*e.interval
		if minValue < level && level <= maxValue && (len(levels) == 0 || level > levels[len(levels)-1]) {
			levels = append(levels, level)
		}
	}
	if len(levels) > e.maxLevels {
		return nil, fmt.Errorf("%d levels: %w", len(levels), ErrTooManyLevels)
	}
	return levels, nil
}

// Lines returns the contour lines of grid, ordered by level and then by the
// position of their first segment in row-major order. Coordinates are in the
// grid's CRS.
func (e *Extractor) Lines(ctx context.Context, grid *Grid) ([]*Line, error) {
	minValue, maxValue, ok := grid.Range()
	if !ok {
		e.logger.InfoContext(ctx, ErrNoLevels.Error(), "reason", "no valid samples")
		return nil, nil
	}
	levels, err := e.Levels(minValue, maxValue)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		e.logger.InfoContext(ctx, ErrNoLevels.Error(), "min", minValue, "max", maxValue)
		return nil, nil
	}
	e.logger.DebugContext(ctx, "extracting", "levels", len(levels), "min", minValue, "max", maxValue)

	segmentsByLevel, err := e.segments(ctx, grid, levels)
	if err != nil {
		return nil, err
	}

	var lines []*Line
	for i, level := range levels {
		for _, coords := range stitch(segmentsByLevel[i]) {
			for j := 0; j < len(coords); j += 2 {
				coords[j], coords[j+1] = grid.Transform.Apply(coords[j]+0.5, coords[j+1]+0.5)
			}
			lines = append(lines, &Line{
				ID:     len(lines),
				Level:  level,
				Elev:   int(level),
				Coords: coords,
			})
		}
	}
	return lines, nil
}

// Extract writes the contour lines of grid to layer, which must have ID and
// ELEV fields. If transformer is not nil then coordinates are transformed
// before they are written. Features that cannot be written are logged and
// skipped. IDs are assigned densely to the features written.
func (e *Extractor) Extract(ctx context.Context, grid *Grid, layer vector.Layer, transformer *Transformer) (*Stats, error) {
	if _, _, err := lineFieldIndexes(layer); err != nil {
		return nil, err
	}
	lines, err := e.Lines(ctx, grid)
	if err != nil {
		return nil, err
	}
	if err := transformLines(ctx, lines, transformer); err != nil {
		return nil, err
	}
	return e.WriteLines(ctx, lines, layer)
}

// WriteLines writes lines to layer, which must have ID and ELEV fields.
// Features that cannot be written are logged and skipped. IDs are assigned
// densely to the features written.
func (e *Extractor) WriteLines(ctx context.Context, lines []*Line, layer vector.Layer) (*Stats, error) {
	idIndex, elevIndex, err := lineFieldIndexes(layer)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		values := map[int]int{
			idIndex:   stats.Written,
			elevIndex: line.Elev,
		}
		if err := layer.CreateFeature(ctx, geom.NewLineStringFlat(geom.XY, line.Coords), values); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return stats, err
			}
			e.logger.WarnContext(ctx, "cannot write line", "layer", layer.Name(), "level", line.Level, "err", err)
			featureWriteFailures.WithLabelValues(layer.Name()).Inc()
			stats.Failed++
			continue
		}
		featuresWritten.WithLabelValues(layer.Name()).Inc()
		stats.Written++
	}
	return stats, nil
}

func lineFieldIndexes(layer vector.Layer) (idIndex, elevIndex int, err error) {
	idIndex, ok := layer.FieldIndex(IDFieldName)
	if !ok {
		return 0, 0, fmt.Errorf("%s: %s: %w", layer.Name(), IDFieldName, vector.ErrFieldNotFound)
	}
	elevIndex, ok = layer.FieldIndex(ElevFieldName)
	if !ok {
		return 0, 0, fmt.Errorf("%s: %s: %w", layer.Name(), ElevFieldName, vector.ErrFieldNotFound)
	}
	return idIndex, elevIndex, nil
}

// transformLines transforms the coordinates of lines in place. A nil
// transformer leaves them unchanged.
func transformLines(ctx context.Context, lines []*Line, transformer *Transformer) error {
	if transformer == nil {
		return nil
	}
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := transformer.TransformFlatCoords(line.Coords); err != nil {
			return fmt.Errorf("line %d: %w", line.ID, err)
		}
	}
	return nil
}

// segments returns the segments of each level. Rows are scanned in bands
// concurrently and the bands are concatenated in order, so the result is the
// same as a serial scan.
func (e *Extractor) segments(ctx context.Context, grid *Grid, levels []float64) ([][]segment, error) {
	rows, cols := grid.Height-1, grid.Width-1
	if rows < 1 || cols < 1 {
		return make([][]segment, len(levels)), nil
	}

	bandCount := min(e.concurrency, rows)
	bands := make([][][]segment, bandCount)
	g, ctx := errgroup.WithContext(ctx)
	for i := range bandCount {
		startRow, endRow := i*rows/bandCount, (i+1)*rows/bandCount
		g.Go(func() error {
			band, err := scanRows(ctx, grid, levels, startRow, endRow)
			bands[i] = band
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	cellsScanned.Add(float64(rows * cols))

	segmentsByLevel := make([][]segment, len(levels))
	for _, band := range bands {
		for i := range levels {
			segmentsByLevel[i] = append(segmentsByLevel[i], band[i]...)
		}
	}
	return segmentsByLevel, nil
}

// scanRows returns the segments of each level in the cells of rows startRow
// to endRow.
func scanRows(ctx context.Context, grid *Grid, levels []float64, startRow, endRow int) ([][]segment, error) {
	segmentsByLevel := make([][]segment, len(levels))
	for r := startRow; r < endRow; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := range grid.Width - 1 {
			values := [4]float64{
				grid.At(c, r),
				grid.At(c+1, r),
				grid.At(c+1, r+1),
				grid.At(c, r+1),
			}
			if slices.ContainsFunc(values[:], grid.IsNoData) {
				continue
			}
			lo := min(values[0], values[1], values[2], values[3])
			hi := max(values[0], values[1], values[2], values[3])
			start := sort.Search(len(levels), func(i int) bool {
				return levels[i] > lo
			})
			for i := start; i < len(levels) && levels[i] <= hi; i++ {
				segmentsByLevel[i] = appendCellSegments(segmentsByLevel[i], c, r, values, levels[i])
			}
		}
	}
	return segmentsByLevel, nil
}

// Cell edges. Edge i joins corner i and corner (i+1)%4, where corners are
// ordered top left, top right, bottom right, bottom left.
const (
	edgeTop = iota
	edgeRight
	edgeBottom
	edgeLeft
)

// appendCellSegments appends the segments of level in cell (c, r) with corner
// values to segments.
func appendCellSegments(segments []segment, c, r int, values [4]float64, level float64) []segment {
	var above [4]bool
	for i, value := range values {
		above[i] = value >= level
	}

	var edges []int
	for edge := edgeTop; edge <= edgeLeft; edge++ {
		if above[edge] != above[(edge+1)%4] {
			edges = append(edges, edge)
		}
	}

	newSegment := func(edge0, edge1 int) segment {
		key0, point0 := cellEdgeCrossing(c, r, values, level, edge0)
		key1, point1 := cellEdgeCrossing(c, r, values, level, edge1)
		return segment{
			keys:   [2]uint64{key0, key1},
			points: [2][2]float64{point0, point1},
		}
	}

	switch len(edges) {
	case 2:
		return append(segments, newSegment(edges[0], edges[1]))
	case 4:
		// Saddle. The mean of the corners decides whether the top left and
		// bottom right corners are connected.
		mean := (values[0] + values[1] + values[2] + values[3]) / 4
		if (mean >= level) == above[0] {
			return append(segments, newSegment(edgeTop, edgeRight), newSegment(edgeBottom, edgeLeft))
		}
		return append(segments, newSegment(edgeLeft, edgeTop), newSegment(edgeRight, edgeBottom))
	default:
		return segments
	}
}

// cellEdgeCrossing returns the key of edge of cell (c, r) and the point in
// sample coordinates where level crosses it. Horizontal edges are always
// interpolated from left to right and vertical edges from top to bottom so
// that neighboring cells compute identical points.
func cellEdgeCrossing(c, r int, values [4]float64, level float64, edge int) (uint64, [2]float64) {
	t := func(from, to float64) float64 {
		return (level - from) / (to - from)
	}
	x, y := float64(c), float64(r)
	switch edge {
	case edgeTop:
		return edgeKey(false, c, r), [2]float64{x + t(values[0], values[1]), y}
	case edgeRight:
		return edgeKey(true, c+1, r), [2]float64{x + 1, y + t(values[1], values[2])}
	case edgeBottom:
		return edgeKey(false, c, r+1), [2]float64{x + t(values[3], values[2]), y + 1}
	default:
		return edgeKey(true, c, r), [2]float64{x, y + t(values[0], values[3])}
	}
}

// edgeKey returns a key identifying the horizontal edge to the right of
// sample (c, r) or the vertical edge below it.
func edgeKey(vertical bool, c, r int) uint64 {
	key := uint64(r)<<32 | uint64(c)
	if vertical {
		key |= 1 << 63
	}
	return key
}

// stitch joins segments that share edges into maximal polylines. Closed
// rings repeat their first point. Consecutive duplicate points are removed
// and polylines with fewer than two distinct points are dropped.
func stitch(segments []segment) [][]float64 {
	ends := make(map[uint64][]int, 2*len(segments))
	points := make(map[uint64][2]float64, 2*len(segments))
	for i, s := range segments {
		for j, key := range s.keys {
			ends[key] = append(ends[key], i)
			points[key] = s.points[j]
		}
	}

	visited := make([]bool, len(segments))
	next := func(key uint64) (uint64, bool) {
		for _, i := range ends[key] {
			if visited[i] {
				continue
			}
			visited[i] = true
			s := segments[i]
			if s.keys[0] == key {
				return s.keys[1], true
			}
			return s.keys[0], true
		}
		return 0, false
	}

	var lines [][]float64
	for i, s := range segments {
		if visited[i] {
			continue
		}
		visited[i] = true

		keys := []uint64{s.keys[0], s.keys[1]}
		for key, ok := next(s.keys[1]); ok; key, ok = next(key) {
			keys = append(keys, key)
		}
		if keys[len(keys)-1] != keys[0] {
			var backward []uint64
			for key, ok := next(s.keys[0]); ok; key, ok = next(key) {
				backward = append(backward, key)
			}
			slices.Reverse(backward)
			keys = append(backward, keys...)
		}

		coords := make([]float64, 0, 2*len(keys))
		for _, key := range keys {
			point := points[key]
			if n := len(coords); n >= 2 && coords[n-2] == point[0] && coords[n-1] == point[1] {
				continue
			}
			coords = append(coords, point[0], point[1])
		}
		if len(coords) < 4 {
			continue
		}
		lines = append(lines, coords)
	}
	return lines
}
