package contour

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/twpayne/go-geom"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/twpayne/go-contour/vector"
)

// Preview dimensions.
const (
	PreviewWidth  = 8 * vg.Inch
	PreviewHeight = 8 * vg.Inch
)

type previewLine struct {
	elev float64
	xys  plotter.XYs
}

// WritePreview renders the contour lines in lines, colored by elevation, and
// the sample points in points to w. format is any format supported by
// gonum.org/v1/plot, for example png or svg. points may be nil.
func WritePreview(ctx context.Context, w io.Writer, format string, lines, points vector.Layer) error {
	elevIndex, ok := lines.FieldIndex(ElevFieldName)
	if !ok {
		return fmt.Errorf("%s: %s: %w", lines.Name(), ElevFieldName, vector.ErrFieldNotFound)
	}

	var previewLines []previewLine
	minElev, maxElev := math.Inf(1), math.Inf(-1)
	for feature, err := range lines.Features(ctx) {
		if err != nil {
			return err
		}
		lineString, ok := feature.Geometry.(*geom.LineString)
		if !ok {
			continue
		}
		elev, _ := feature.Int(elevIndex)
		previewLines = append(previewLines, previewLine{
			elev: float64(elev),
			xys:  flatCoordsXYs(lineString.FlatCoords()),
		})
		minElev = min(minElev, float64(elev))
		maxElev = max(maxElev, float64(elev))
	}

	p := plot.New()
	p.Title.Text = lines.Name()
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	if len(previewLines) > 0 {
		colorMap := moreland.SmoothBlueRed()
		colorMap.SetMin(minElev)
		colorMap.SetMax(max(maxElev, minElev+1))
		for _, previewLine := range previewLines {
			line, err := plotter.NewLine(previewLine.xys)
			if err != nil {
				return err
			}
			line.Width = vg.Points(1)
			if line.Color, err = colorMap.At(previewLine.elev); err != nil {
				return err
			}
			p.Add(line)
		}
	}

	if points != nil {
		var xys plotter.XYs
		for feature, err := range points.Features(ctx) {
			if err != nil {
				return err
			}
			if point, ok := feature.Geometry.(*geom.Point); ok {
				xys = append(xys, plotter.XY{X: point.X(), Y: point.Y()})
			}
		}
		if len(xys) > 0 {
			scatter, err := plotter.NewScatter(xys)
			if err != nil {
				return err
			}
			scatter.GlyphStyle.Shape = draw.CircleGlyph{}
			scatter.GlyphStyle.Radius = vg.Points(1)
			p.Add(scatter)
		}
	}

	writerTo, err := p.WriterTo(PreviewWidth, PreviewHeight, format)
	if err != nil {
		return err
	}
	_, err = writerTo.WriteTo(w)
	return err
}

func flatCoordsXYs(flatCoords []float64) plotter.XYs {
	xys := make(plotter.XYs, len(flatCoords)/2)
	for i := range xys {
		xys[i] = plotter.XY{X: flatCoords[2*i], Y: flatCoords[2*i+1]}
	}
	return xys
}
