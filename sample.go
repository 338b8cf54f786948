package contour

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/twpayne/go-contour/vector"
)

// sampleTolerance is the relative tolerance within which a sample offset is
// considered to lie on a line.
const sampleTolerance = 1e-9

// sampleBatchSize is the number of lines sampled concurrently before their
// points are written.
const sampleBatchSize = 256

// A Sampler samples points at fixed distances along lines.
type Sampler struct {
	options
}

// NewSampler returns a new Sampler.
func NewSampler(opts ...Option) (*Sampler, error) {
	return newSampler(newOptions(opts))
}

func newSampler(o options) (*Sampler, error) {
	if !(o.step > 0) || math.IsInf(o.step, 1) {
		return nil, fmt.Errorf("%g: %w", o.step, ErrInvalidStep)
	}
	return &Sampler{
		options: o,
	}, nil
}

// SampleFlatCoords returns the flat XY coordinates of the samples along the
// line with flat XY coordinates flatCoords. Samples are at offsets k*step for
// k = 0, 1, ... while within the length of the line. A line of zero length
// has a single sample at its first coordinate. Lines with non-finite
// coordinates return ErrNonFiniteLine and lines that would have more than the
// maximum number of samples return ErrTooManySamples.
func (s *Sampler) SampleFlatCoords(flatCoords []float64) ([]float64, error) {
	n := len(flatCoords) / 2
	if n == 0 {
		return nil, nil
	}

	segmentLengths := make([]float64, n-1)
	for i := range segmentLengths {
		segmentLengths[i] = math.Hypot(flatCoords[2*i+2]-flatCoords[2*i], flatCoords[2*i+3]-flatCoords[2*i+1])
	}
	length := floats.Sum(segmentLengths)
	// NaN and infinite coordinates make length NaN or infinite. The first
	// coordinate is checked separately for single point lines.
	if !(length < math.Inf(1)) || !(math.Abs(flatCoords[0]) < math.Inf(1)) || !(math.Abs(flatCoords[1]) < math.Inf(1)) {
		return nil, ErrNonFiniteLine
	}
	if length == 0 {
		return []float64{flatCoords[0], flatCoords[1]}, nil
	}

	maxOffset := length * (1 + sampleTolerance)
	count := math.Floor(maxOffset/s.step) + 1
	if !(count <= float64(s.maxSamples)) {
		return nil, fmt.Errorf("%g samples: %w", count, ErrTooManySamples)
	}
	samples := make([]float64, 0, 2*int(count)+2)
	segmentIndex, segmentStart := 0, 0.0
	lastOffset := 0.0
	for k := range int(count) {
		offset := float64(k) * s.step
		if offset > maxOffset {
			break
		}
		lastOffset = offset
		for segmentIndex < len(segmentLengths)-1 && segmentStart+segmentLengths[segmentIndex] < offset {
			segmentStart += segmentLengths[segmentIndex]
			segmentIndex++
		}
		t := 0.0
		if segmentLength := segmentLengths[segmentIndex]; segmentLength > 0 {
			t = min(max((offset-segmentStart)/segmentLength, 0), 1)
		}
		x0, y0 := flatCoords[2*segmentIndex], flatCoords[2*segmentIndex+1]
		x1, y1 := flatCoords[2*segmentIndex+2], flatCoords[2*segmentIndex+3]
		samples = append(samples, x0+t*(x1-x0), y0+t*(y1-y0))
	}

	if s.includeEndpoint && length-lastOffset > length*sampleTolerance {
		samples = append(samples, flatCoords[2*n-2], flatCoords[2*n-1])
	}
	return samples, nil
}

// A sampledLine is a line and its samples.
type sampledLine struct {
	fid        int64
	elev       int
	flatCoords []float64
	samples    []float64
	err        error
}

// Sample writes samples of every line in lines to points. Both layers must
// have an ELEV field. Each point inherits the ELEV of its line. Points are
// written in the order that lines are read, whatever the concurrency. Points
// that cannot be written and lines with non-finite coordinates are logged and
// skipped.
func (s *Sampler) Sample(ctx context.Context, lines, points vector.Layer) (*Stats, error) {
	linesElevIndex, ok := lines.FieldIndex(ElevFieldName)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", lines.Name(), ElevFieldName, vector.ErrFieldNotFound)
	}
	pointsElevIndex, ok := points.FieldIndex(ElevFieldName)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", points.Name(), ElevFieldName, vector.ErrFieldNotFound)
	}

	stats := &Stats{}
	batch := make([]*sampledLine, 0, sampleBatchSize)
	for feature, err := range lines.Features(ctx) {
		if err != nil {
			return stats, err
		}
		lineString, ok := feature.Geometry.(*geom.LineString)
		if !ok {
			return stats, fmt.Errorf("%s: feature %d: %T: %w", lines.Name(), feature.FID, feature.Geometry, vector.ErrGeometryType)
		}
		elev, ok := feature.Int(linesElevIndex)
		if !ok {
			return stats, fmt.Errorf("%s: feature %d: %s: %w", lines.Name(), feature.FID, ElevFieldName, vector.ErrFieldNotFound)
		}
		batch = append(batch, &sampledLine{
			fid:        feature.FID,
			elev:       elev,
			flatCoords: lineString.FlatCoords(),
		})
		if len(batch) == sampleBatchSize {
			if err := s.writeBatch(ctx, batch, points, pointsElevIndex, stats); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}
	}
	if err := s.writeBatch(ctx, batch, points, pointsElevIndex, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// writeBatch samples the lines in batch concurrently and then writes their
// points in order.
func (s *Sampler) writeBatch(ctx context.Context, batch []*sampledLine, points vector.Layer, elevIndex int, stats *Stats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, line := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples, err := s.SampleFlatCoords(line.flatCoords)
			switch {
			case errors.Is(err, ErrNonFiniteLine):
				line.err = err
			case err != nil:
				return fmt.Errorf("line %d: %w", line.fid, err)
			default:
				line.samples = samples
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, line := range batch {
		if line.err != nil {
			s.logger.WarnContext(ctx, "cannot sample line", "layer", points.Name(), "line", line.fid, "err", line.err)
			featureWriteFailures.WithLabelValues(points.Name()).Inc()
			stats.Failed++
			continue
		}
		for i := 0; i < len(line.samples); i += 2 {
			point := geom.NewPointFlat(geom.XY, line.samples[i:i+2:i+2])
			values := map[int]int{
				elevIndex: line.elev,
			}
			if err := points.CreateFeature(ctx, point, values); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					return err
				}
				s.logger.WarnContext(ctx, "cannot write point", "layer", points.Name(), "line", line.fid, "err", err)
				featureWriteFailures.WithLabelValues(points.Name()).Inc()
				stats.Failed++
				continue
			}
			featuresWritten.WithLabelValues(points.Name()).Inc()
			stats.Written++
		}
	}
	return nil
}
