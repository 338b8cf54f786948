package contour

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"strconv"
	"strings"
)

// ReadESRIASCIIGrid reads the ESRI ASCII grid name from fsys. If a .prj
// sidecar exists its contents are used as the grid's SRS.
func ReadESRIASCIIGrid(fsys fs.FS, name string) (*Grid, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	grid, err := ParseESRIASCIIGrid(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	prjName := strings.TrimSuffix(name, path.Ext(name)) + ".prj"
	switch prj, err := fs.ReadFile(fsys, prjName); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		grid.SRS = strings.TrimSpace(string(prj))
	}

	return grid, nil
}

// ParseESRIASCIIGrid parses an ESRI ASCII grid from r.
func ParseESRIASCIIGrid(r io.Reader) (*Grid, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)

	header := make(map[string]float64)
	var firstValue string
	for scanner.Scan() {
		key := strings.ToLower(scanner.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			firstValue = key
			break
		}
		if !scanner.Scan() {
			break
		}
		value, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: invalid header value %q", key, errParse, scanner.Text())
		}
		header[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	width, height := int(header["ncols"]), int(header["nrows"])
	cellSize, ok := header["cellsize"]
	if !ok || cellSize <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid cellsize", errParse)
	}
	var originX, originY float64
	switch xllCorner, ok := header["xllcorner"]; {
	case ok:
		originX = xllCorner
	default:
		xllCenter, ok := header["xllcenter"]
		if !ok {
			return nil, fmt.Errorf("%w: missing xllcorner or xllcenter", errParse)
		}
		originX = xllCenter - cellSize/2
	}
	switch yllCorner, ok := header["yllcorner"]; {
	case ok:
		originY = yllCorner + float64(height)*cellSize
	default:
		yllCenter, ok := header["yllcenter"]
		if !ok {
			return nil, fmt.Errorf("%w: missing yllcorner or yllcenter", errParse)
		}
		originY = yllCenter - cellSize/2 + float64(height)*cellSize
	}

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%dx%d: %w: invalid grid size", width, height, errParse)
	}
	samples := make([]float64, 0, width*height)
	if firstValue != "" {
		value, _ := strconv.ParseFloat(firstValue, 64)
		samples = append(samples, value)
	}
	for len(samples) < width*height && scanner.Scan() {
		value, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w: %q", len(samples), errParse, scanner.Text())
		}
		samples = append(samples, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	grid, err := NewGrid(width, height, samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errParse, err)
	}
	grid.Transform = NewNorthUpGeoTransform(originX, originY, cellSize, cellSize)
	if noData, ok := header["nodata_value"]; ok {
		grid.NoData = noData
		grid.HasNoData = true
	}
	return grid, nil
}

// WriteESRIASCII writes g to w as an ESRI ASCII grid. g must be north up
// with square cells.
func (g *Grid) WriteESRIASCII(w io.Writer) error {
	sizeX, sizeY := g.Transform.PixelSize()
	if g.Transform[2] != 0 || g.Transform[4] != 0 || g.Transform[5] >= 0 || sizeX != sizeY {
		return fmt.Errorf("%w: grid is not north up with square cells", errors.ErrUnsupported)
	}
	noData := -9999.0
	if g.HasNoData {
		noData = g.NoData
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ncols %d\n", g.Width)
	fmt.Fprintf(bw, "nrows %d\n", g.Height)
	fmt.Fprintf(bw, "xllcorner %s\n", formatFloat(g.Transform[0]))
	fmt.Fprintf(bw, "yllcorner %s\n", formatFloat(g.Transform[3]+float64(g.Height)*g.Transform[5]))
	fmt.Fprintf(bw, "cellsize %s\n", formatFloat(sizeX))
	fmt.Fprintf(bw, "NODATA_value %s\n", formatFloat(noData))
	for r := range g.Height {
		for c := range g.Width {
			if c != 0 {
				bw.WriteByte(' ')
			}
			value := g.At(c, r)
			if math.IsNaN(value) {
				value = noData
			}
			bw.WriteString(formatFloat(value))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
