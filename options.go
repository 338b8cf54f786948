package contour

import (
	"log/slog"
	"runtime"
	"slices"
)

// Default values.
const (
	DefaultInterval   = 10
	DefaultStep       = 10
	DefaultMaxLevels  = 100000
	DefaultMaxSamples = 1000000

	DefaultLinesLayerName  = "contour"
	DefaultPointsLayerName = "point"

	IDFieldName   = "ID"
	ElevFieldName = "ELEV"
)

// An Option sets an option on an Extractor, a Sampler, or a Pipeline. Each
// uses only the options that apply to it.
type Option func(*options)

type options struct {
	interval        float64
	base            float64
	fixedLevels     []float64
	maxLevels       int
	step            float64
	maxSamples      int
	includeEndpoint bool
	concurrency     int
	targetSRS       string
	format          string
	linesLayerName  string
	pointsLayerName string
	logger          *slog.Logger
}

// WithInterval sets the contour interval.
func WithInterval(interval float64) Option {
	return func(o *options) {
		o.interval = interval
	}
}

// WithBase sets the level relative to which contours are generated.
func WithBase(base float64) Option {
	return func(o *options) {
		o.base = base
	}
}

// WithFixedLevels sets explicit contour levels. If set, the interval and
// base are ignored.
func WithFixedLevels(levels ...float64) Option {
	return func(o *options) {
		o.fixedLevels = slices.Clone(levels)
	}
}

// WithMaxLevels sets the maximum number of contour levels.
func WithMaxLevels(maxLevels int) Option {
	return func(o *options) {
		o.maxLevels = maxLevels
	}
}

// WithStep sets the distance between sample points.
func WithStep(step float64) Option {
	return func(o *options) {
		o.step = step
	}
}

// WithMaxSamples sets the maximum number of samples along a single line.
func WithMaxSamples(maxSamples int) Option {
	return func(o *options) {
		o.maxSamples = maxSamples
	}
}

// WithIncludeEndpoint sets whether the last vertex of each line is sampled
// when it does not fall on a multiple of the step.
func WithIncludeEndpoint(includeEndpoint bool) Option {
	return func(o *options) {
		o.includeEndpoint = includeEndpoint
	}
}

// WithConcurrency sets the number of goroutines used for extraction and
// sampling.
func WithConcurrency(concurrency int) Option {
	return func(o *options) {
		o.concurrency = concurrency
	}
}

// WithTargetSRS sets the CRS that output coordinates are reprojected to.
func WithTargetSRS(definition string) Option {
	return func(o *options) {
		o.targetSRS = definition
	}
}

// WithFormat sets the name of the vector driver used for both outputs,
// overriding detection by file extension.
func WithFormat(format string) Option {
	return func(o *options) {
		o.format = format
	}
}

// WithLayerNames sets the names of the line and point layers.
func WithLayerNames(linesLayerName, pointsLayerName string) Option {
	return func(o *options) {
		o.linesLayerName = linesLayerName
		o.pointsLayerName = pointsLayerName
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{
		interval:        DefaultInterval,
		maxLevels:       DefaultMaxLevels,
		step:            DefaultStep,
		maxSamples:      DefaultMaxSamples,
		concurrency:     runtime.GOMAXPROCS(0),
		linesLayerName:  DefaultLinesLayerName,
		pointsLayerName: DefaultPointsLayerName,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.concurrency = max(o.concurrency, 1)
	return o
}
