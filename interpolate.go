package contour

import (
	"context"
	"math"
)

// InterpolateBilinear returns the bilinearly interpolated value of raster at
// each of coords. Samples with zero weight are ignored, so a coordinate on
// a sample returns that sample even if its neighbours are missing.
func InterpolateBilinear(ctx context.Context, raster Raster, coords [][]float64) ([]float64, error) {
	scaleX, scaleY := raster.Scale()
	rasterCoords := make([]Coord, 4*len(coords))
	for i, coord := range coords {
		x0 := scaleX * int(math.Floor(coord[0]/float64(scaleX)))
		y0 := scaleY * int(math.Floor(coord[1]/float64(scaleY)))
		x1 := x0 + scaleX
		y1 := y0 + scaleY
		rasterCoords[4*i+0] = Coord{X: x0, Y: y0}
		rasterCoords[4*i+1] = Coord{X: x1, Y: y0}
		rasterCoords[4*i+2] = Coord{X: x0, Y: y1}
		rasterCoords[4*i+3] = Coord{X: x1, Y: y1}
	}
	samples, err := raster.Samples(ctx, rasterCoords)
	if err != nil {
		return nil, err
	}
	result := make([]float64, len(coords))
	for i, coord := range coords {
		x0 := float64(rasterCoords[4*i].X)
		y0 := float64(rasterCoords[4*i].Y)
		dx := (coord[0] - x0) / float64(scaleX)
		dy := (coord[1] - y0) / float64(scaleY)
		result[i] = 0 +
			weighted(samples[4*i+0], (1-dx)*(1-dy)) +
			weighted(samples[4*i+1], dx*(1-dy)) +
			weighted(samples[4*i+2], (1-dx)*dy) +
			weighted(samples[4*i+3], dx*dy)
	}
	return result, nil
}

func weighted(sample, weight float64) float64 {
	if weight == 0 {
		return 0
	}
	return sample * weight
}
