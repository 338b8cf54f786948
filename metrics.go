package contour

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missingTileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_missing_tile_cache_hits_total",
		Help: "Number of lookups of tiles known to be missing.",
	})
	missingTileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_missing_tile_cache_misses_total",
		Help: "Number of lookups of tiles not known to be missing.",
	})
	globalTileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_global_tile_cache_hits_total",
		Help: "Number of tile cache hits.",
	})
	globalTileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_global_tile_cache_misses_total",
		Help: "Number of tile cache misses.",
	})
	globalTileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_global_tile_cache_evictions_total",
		Help: "Number of tiles evicted from the tile cache.",
	})

	cellsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contour_cells_scanned_total",
		Help: "Number of grid cells scanned for contour crossings.",
	})
	featuresWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contour_features_written_total",
		Help: "Number of features written, by layer.",
	}, []string{"layer"})
	featureWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contour_feature_write_failures_total",
		Help: "Number of features that could not be written, by layer.",
	}, []string{"layer"})
)
