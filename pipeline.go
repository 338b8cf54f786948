package contour

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/twpayne/go-contour/vector"
)

var errNoSourceSRS = errors.New("grid has no SRS")

// A Pipeline extracts contour lines from a grid into a line dataset and then
// samples points along them into a point dataset.
type Pipeline struct {
	registry *vector.Registry
	options  options
}

// A Result summarizes a run.
type Result struct {
	RunID        string
	Lines        int
	Points       int
	FailedWrites int
	LinesPath    string
	PointsPath   string
}

// NewPipeline returns a new Pipeline that creates datasets with the drivers
// in registry.
func NewPipeline(registry *vector.Registry, opts ...Option) (*Pipeline, error) {
	o := newOptions(opts)
	if _, err := newExtractor(o); err != nil {
		return nil, stageError(StageSetup, "new extractor", err)
	}
	if _, err := newSampler(o); err != nil {
		return nil, stageError(StageSetup, "new sampler", err)
	}
	return &Pipeline{
		registry: registry,
		options:  o,
	}, nil
}

// Run extracts the contour lines of grid to linesPath, closes it, reopens it,
// and writes sample points along every line to pointsPath. Errors are
// *Errors identifying the stage that failed. If some features could not be
// written then Run returns both a Result and an error wrapping
// ErrPartialWrite.
func (p *Pipeline) Run(ctx context.Context, grid *Grid, linesPath, pointsPath string) (*Result, error) {
	runID := uuid.NewString()
	o := p.options
	o.logger = o.logger.With(slog.String("run", runID))
	logger := o.logger

	extractor, err := newExtractor(o)
	if err != nil {
		return nil, stageError(StageSetup, "new extractor", err)
	}
	sampler, err := newSampler(o)
	if err != nil {
		return nil, stageError(StageSetup, "new sampler", err)
	}
	linesDriver, err := p.driver(linesPath)
	if err != nil {
		return nil, stageError(StageSetup, "lines driver", err)
	}
	pointsDriver, err := p.driver(pointsPath)
	if err != nil {
		return nil, stageError(StageSetup, "points driver", err)
	}

	srsDefinition := grid.SRS
	var transformer *Transformer
	if o.targetSRS != "" {
		if grid.SRS == "" {
			return nil, stageError(StageSetup, "reproject", errNoSourceSRS)
		}
		transformer, err = NewTransformer(grid.SRS, o.targetSRS)
		if err != nil {
			return nil, stageError(StageSetup, "reproject", err)
		}
		defer transformer.Destroy()
		srsDefinition = o.targetSRS
	}
	srs, err := NewSpatialReference(srsDefinition)
	if err != nil {
		return nil, stageError(StageSetup, "spatial reference", err)
	}
	defer srs.Destroy()
	if !srs.Known() {
		logger.WarnContext(ctx, "unknown spatial reference")
	}

	// Lines are extracted and reprojected before the line dataset is created
	// so that generation errors leave no output.
	logger.InfoContext(ctx, "extracting lines", "width", grid.Width, "height", grid.Height)
	lines, err := extractor.Lines(ctx, grid)
	if err != nil {
		return nil, stageError(StageGeneration, "extract", err)
	}
	if err := transformLines(ctx, lines, transformer); err != nil {
		return nil, stageError(StageGeneration, "reproject", err)
	}

	logger.InfoContext(ctx, "writing lines", "lines", len(lines), "path", linesPath, "driver", linesDriver.Name())
	linesStats, err := p.writeLines(ctx, logger, extractor, lines, linesDriver, linesPath, srs)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "wrote lines", "written", linesStats.Written, "failed", linesStats.Failed)

	logger.InfoContext(ctx, "sampling points", "path", pointsPath, "driver", pointsDriver.Name(), "step", o.step)
	pointsStats, err := p.writePoints(ctx, logger, sampler, linesDriver, linesPath, pointsDriver, pointsPath, srs)
	if err != nil {
		if StageOf(err) != StageWrite {
			if removeErr := linesDriver.Remove(linesPath); removeErr != nil {
				logger.WarnContext(ctx, "cannot remove lines", "path", linesPath, "err", removeErr)
			}
		}
		return nil, err
	}
	logger.InfoContext(ctx, "wrote points", "written", pointsStats.Written, "failed", pointsStats.Failed)

	result := &Result{
		RunID:        runID,
		Lines:        linesStats.Written,
		Points:       pointsStats.Written,
		FailedWrites: linesStats.Failed + pointsStats.Failed,
		LinesPath:    linesPath,
		PointsPath:   pointsPath,
	}

	var writeErrs []error
	if linesStats.Failed > 0 {
		writeErrs = append(writeErrs, &WriteError{Layer: o.linesLayerName, Failed: linesStats.Failed})
	}
	if pointsStats.Failed > 0 {
		writeErrs = append(writeErrs, &WriteError{Layer: o.pointsLayerName, Failed: pointsStats.Failed})
	}
	if len(writeErrs) > 0 {
		return result, stageError(StageWrite, "write features", errors.Join(writeErrs...))
	}
	return result, nil
}

func (p *Pipeline) driver(path string) (vector.Driver, error) {
	if p.options.format != "" {
		return p.registry.Driver(p.options.format)
	}
	return p.registry.DriverForPath(path)
}

// writeLines creates the line dataset at path and writes lines to it. The
// dataset is closed before writeLines returns, or aborted if writeLines
// fails.
func (p *Pipeline) writeLines(ctx context.Context, logger *slog.Logger, extractor *Extractor, lines []*Line, driver vector.Driver, path string, srs *SpatialReference) (_ *Stats, err error) {
	dataset, err := driver.Create(path)
	if err != nil {
		return nil, stageError(StageSetup, "create lines", err)
	}
	defer finishDataset(ctx, logger, dataset, "close lines", &err)

	layer, err := dataset.CreateLayer(p.options.linesLayerName, vector.GeometryTypeLineString, srs)
	if err != nil {
		return nil, stageError(StageSetup, "create lines layer", err)
	}
	for _, name := range []string{IDFieldName, ElevFieldName} {
		if _, err := layer.CreateField(name); err != nil {
			return nil, stageError(StageSetup, "create lines field", err)
		}
	}

	stats, err := extractor.WriteLines(ctx, lines, layer)
	if err != nil {
		return nil, stageError(StageGeneration, "write lines", err)
	}
	return stats, nil
}

// writePoints reopens the line dataset at linesPath, creates the point
// dataset at pointsPath, and samples every line into it. Both datasets are
// closed before writePoints returns. The point dataset is aborted if
// writePoints fails.
func (p *Pipeline) writePoints(ctx context.Context, logger *slog.Logger, sampler *Sampler, linesDriver vector.Driver, linesPath string, pointsDriver vector.Driver, pointsPath string, srs *SpatialReference) (_ *Stats, err error) {
	linesDataset, err := linesDriver.Open(linesPath)
	if err != nil {
		return nil, stageError(StageSetup, "open lines", err)
	}
	defer func() {
		if closeErr := linesDataset.Close(); closeErr != nil && err == nil {
			err = stageError(StageWrite, "close lines", closeErr)
		}
	}()
	linesLayer, err := vector.FindLayer(linesDataset, p.options.linesLayerName)
	if err != nil {
		return nil, stageError(StageSetup, "open lines layer", err)
	}

	pointsDataset, err := pointsDriver.Create(pointsPath)
	if err != nil {
		return nil, stageError(StageSetup, "create points", err)
	}
	defer finishDataset(ctx, logger, pointsDataset, "close points", &err)
	pointsLayer, err := pointsDataset.CreateLayer(p.options.pointsLayerName, vector.GeometryTypePoint, srs)
	if err != nil {
		return nil, stageError(StageSetup, "create points layer", err)
	}
	if _, err := pointsLayer.CreateField(ElevFieldName); err != nil {
		return nil, stageError(StageSetup, "create points field", err)
	}

	stats, err := sampler.Sample(ctx, linesLayer, pointsLayer)
	if err != nil {
		return nil, stageError(StageGeneration, "sample", fmt.Errorf("%s: %w", linesPath, err))
	}
	return stats, nil
}

// finishDataset closes dataset if *err is nil and aborts it otherwise. A
// close error is stored in *err.
func finishDataset(ctx context.Context, logger *slog.Logger, dataset vector.Dataset, op string, err *error) {
	if *err != nil {
		if abortErr := dataset.Abort(); abortErr != nil {
			logger.WarnContext(ctx, "cannot discard dataset", "err", abortErr)
		}
		return
	}
	if closeErr := dataset.Close(); closeErr != nil {
		*err = stageError(StageWrite, op, closeErr)
	}
}
