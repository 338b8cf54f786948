// Command contour-points extracts contour lines from a DEM and samples
// points at regular distances along them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/twpayne/go-contour"
	"github.com/twpayne/go-contour/vector"
	"github.com/twpayne/go-contour/vector/geojson"
	"github.com/twpayne/go-contour/vector/memory"
	"github.com/twpayne/go-contour/vector/shapefile"
	"github.com/twpayne/go-contour/vector/sqlite"
)

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitInput
	exitSetup
	exitGeneration
	exitWrite
)

const euDEMCanaryFilename = "eu_dem_v11_E40N30.TIF"

var errUsage = errors.New("usage")

type config struct {
	interval        float64
	base            float64
	fixedLevels     []float64
	step            float64
	includeEndpoint bool
	concurrency     int
	targetSRS       string
	format          string
	euDEMPath       string
	bbox            *contour.Bounds
	preview         string
	metricsTextfile string
	logLevel        slog.Level
	args            []string
}

func parseConfig(args []string, stderr io.Writer) (*config, error) {
	c := &config{}
	flagSet := flag.NewFlagSet("contour-points", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "usage: contour-points [flags] input lines-output points-output")
		fmt.Fprintln(stderr, "       contour-points [flags] -bbox minx,miny,maxx,maxy lines-output points-output")
		flagSet.PrintDefaults()
	}
	flagSet.Float64Var(&c.interval, "interval", contour.DefaultInterval, "contour interval")
	flagSet.Float64Var(&c.base, "base", 0, "base relative to which contour intervals are applied")
	flagSet.Func("fl", "comma-separated fixed contour levels", func(value string) error {
		levels, err := parseFloats(value, 0)
		if err != nil {
			return err
		}
		c.fixedLevels = append(c.fixedLevels, levels...)
		return nil
	})
	flagSet.Float64Var(&c.step, "step", contour.DefaultStep, "distance between sample points")
	flagSet.BoolVar(&c.includeEndpoint, "endpoint", false, "sample the last vertex of every line")
	flagSet.IntVar(&c.concurrency, "concurrency", runtime.GOMAXPROCS(0), "concurrency")
	flagSet.StringVar(&c.targetSRS, "t_srs", "", "target CRS of the outputs")
	flagSet.StringVar(&c.format, "format", "", "output driver, detected from the file extension if empty")
	flagSet.StringVar(&c.euDEMPath, "eu_dem-path", os.Getenv("EU_DEM_PATH"), "path to EU DEM data")
	flagSet.Func("bbox", "bounds minx,miny,maxx,maxy in EPSG:3035 to read from EU DEM data", func(value string) error {
		values, err := parseFloats(value, 4)
		if err != nil {
			return err
		}
		c.bbox = &contour.Bounds{MinX: values[0], MinY: values[1], MaxX: values[2], MaxY: values[3]}
		if c.bbox.Empty() {
			return fmt.Errorf("%s: empty bounds", value)
		}
		return nil
	})
	flagSet.StringVar(&c.preview, "preview", "", "write a preview image to this file")
	flagSet.StringVar(&c.metricsTextfile, "metrics-textfile", "", "write metrics to this file")
	flagSet.TextVar(&c.logLevel, "log-level", slog.LevelInfo, "log level")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	c.args = flagSet.Args()
	switch {
	case c.bbox == nil && len(c.args) != 3:
		flagSet.Usage()
		return nil, errUsage
	case c.bbox != nil && len(c.args) != 2:
		flagSet.Usage()
		return nil, errUsage
	case c.bbox != nil && c.euDEMPath == "":
		return nil, fmt.Errorf("%w: -bbox requires -eu_dem-path or EU_DEM_PATH", errUsage)
	}
	return c, nil
}

// parseFloats parses comma-separated floats. If n is non-zero then exactly n
// values are required.
func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Split(s, ",")
	if n != 0 && len(fields) != n {
		return nil, fmt.Errorf("%s: expected %d values", s, n)
	}
	values := make([]float64, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func newRegistry(logger *slog.Logger) *vector.Registry {
	return vector.NewRegistry(
		shapefile.NewDriver(shapefile.WithLogger(logger)),
		geojson.NewDriver(),
		sqlite.NewDriver(),
		memory.NewDriver(),
	)
}

func openGrid(ctx context.Context, c *config) (*contour.Grid, error) {
	if c.bbox != nil {
		euDEM, err := contour.NewEUDEM(os.DirFS(c.euDEMPath), contour.WithCanaryFilename(euDEMCanaryFilename))
		if err != nil {
			return nil, err
		}
		defer euDEM.Close()
		return euDEM.Grid(ctx, *c.bbox)
	}
	name := c.args[0]
	return contour.OpenGrid(ctx, os.DirFS(filepath.Dir(name)), filepath.Base(name))
}

func writePreview(ctx context.Context, registry *vector.Registry, c *config, linesPath, pointsPath string) (err error) {
	open := func(path, layerName string) (vector.Dataset, vector.Layer, error) {
		driver, err := registry.DriverForPath(path)
		if c.format != "" {
			driver, err = registry.Driver(c.format)
		}
		if err != nil {
			return nil, nil, err
		}
		dataset, err := driver.Open(path)
		if err != nil {
			return nil, nil, err
		}
		layer, err := vector.FindLayer(dataset, layerName)
		if err != nil {
			return nil, nil, errors.Join(err, dataset.Close())
		}
		return dataset, layer, nil
	}

	linesDataset, linesLayer, err := open(linesPath, contour.DefaultLinesLayerName)
	if err != nil {
		return err
	}
	defer linesDataset.Close()
	pointsDataset, pointsLayer, err := open(pointsPath, contour.DefaultPointsLayerName)
	if err != nil {
		return err
	}
	defer pointsDataset.Close()

	file, err := os.Create(c.preview)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(c.preview)), ".")
	return contour.WritePreview(ctx, file, format, linesLayer, pointsLayer)
}

// exitCode returns the exit code for err.
func exitCode(err error) int {
	switch contour.StageOf(err) {
	case contour.StageInput:
		return exitInput
	case contour.StageSetup:
		return exitSetup
	case contour.StageWrite:
		return exitWrite
	default:
		return exitGeneration
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	c, err := parseConfig(args, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case err != nil:
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: c.logLevel,
	}))

	if c.metricsTextfile != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(c.metricsTextfile, prometheus.DefaultGatherer); err != nil {
				logger.Error("cannot write metrics", "path", c.metricsTextfile, "err", err)
			}
		}()
	}

	linesPath, pointsPath := c.args[len(c.args)-2], c.args[len(c.args)-1]

	grid, err := openGrid(ctx, c)
	if err != nil {
		logger.Error("cannot read input", "err", err)
		return exitInput
	}

	options := []contour.Option{
		contour.WithInterval(c.interval),
		contour.WithBase(c.base),
		contour.WithStep(c.step),
		contour.WithIncludeEndpoint(c.includeEndpoint),
		contour.WithConcurrency(c.concurrency),
		contour.WithTargetSRS(c.targetSRS),
		contour.WithFormat(c.format),
		contour.WithLogger(logger),
	}
	if len(c.fixedLevels) > 0 {
		options = append(options, contour.WithFixedLevels(c.fixedLevels...))
	}
	registry := newRegistry(logger)
	pipeline, err := contour.NewPipeline(registry, options...)
	if err != nil {
		logger.Error("invalid options", "err", err)
		return exitCode(err)
	}

	result, err := pipeline.Run(ctx, grid, linesPath, pointsPath)
	if err != nil && result == nil {
		logger.Error("failed", "stage", contour.StageOf(err), "err", err)
		return exitCode(err)
	}
	logger.Info("done", "run", result.RunID, "lines", result.Lines, "points", result.Points, "failed", result.FailedWrites)

	if c.preview != "" {
		if err := writePreview(ctx, registry, c, linesPath, pointsPath); err != nil {
			logger.Error("cannot write preview", "path", c.preview, "err", err)
			return exitWrite
		}
	}

	if err != nil {
		logger.Error("failed", "stage", contour.StageOf(err), "err", err)
		return exitCode(err)
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
