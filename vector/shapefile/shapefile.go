// Package shapefile implements a vector driver for ESRI Shapefiles using
// github.com/jonas-p/go-shp.
//
// A path ending in .shp is a dataset with a single layer named after the
// file. Any other path is a directory holding one shapefile per layer.
package shapefile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour/vector"
)

// fieldWidth is the width of integer DBF fields.
const fieldWidth = 10

// layerFileExtensions are the extensions of the files that make up a layer.
// go-shp v0.1.1 omits the dot before the DBF extension.
var layerFileExtensions = []string{".shp", ".shx", ".dbf", "dbf", ".prj"}

// A Driver is an ESRI Shapefile driver.
type Driver struct {
	logger *slog.Logger
}

// A DriverOption sets an option on a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger used to report spatial references that cannot
// be written to .prj files.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

type dataset struct {
	driver     *Driver
	path       string
	singleFile bool
	createdDir bool
	layers     []*layer
	readOnly   bool
	closed     bool
}

type layer struct {
	dataset      *dataset
	name         string
	filename     string
	geometryType vector.GeometryType
	srs          vector.SpatialReference
	fields       []string
	writer       *shp.Writer
	fieldsSet    bool
	readOnly     bool
}

// NewDriver returns a new Driver.
func NewDriver(options ...DriverOption) *Driver {
	d := &Driver{
		logger: slog.Default(),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

func (d *Driver) Name() string {
	return "ESRI Shapefile"
}

func (d *Driver) Extensions() []string {
	return []string{".shp", ""}
}

func (d *Driver) Create(path string) (vector.Dataset, error) {
	ds := &dataset{
		driver:     d,
		path:       path,
		singleFile: isSHP(path),
	}
	dir := path
	if ds.singleFile {
		dir = filepath.Dir(path)
	} else if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		ds.createdDir = true
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	return ds, nil
}

func (d *Driver) Open(path string) (vector.Dataset, error) {
	ds := &dataset{
		driver:     d,
		path:       path,
		singleFile: isSHP(path),
		readOnly:   true,
	}
	filenames, err := layerFilenames(path)
	if err != nil {
		return nil, err
	}
	for _, filename := range filenames {
		l, err := openLayer(filename)
		if err != nil {
			return nil, err
		}
		ds.layers = append(ds.layers, l)
	}
	return ds, nil
}

// Remove removes the shapefiles at path. A directory is removed only if it is
// empty afterwards.
func (d *Driver) Remove(path string) error {
	filenames, err := layerFilenames(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	var errs []error
	for _, filename := range filenames {
		errs = append(errs, removeLayerFiles(filename))
	}
	if !isSHP(path) {
		errs = append(errs, removeEmptyDir(path))
	}
	return errors.Join(errs...)
}

func (ds *dataset) CreateLayer(name string, geometryType vector.GeometryType, srs vector.SpatialReference) (vector.Layer, error) {
	if ds.closed {
		return nil, vector.ErrClosed
	}
	var shapeType shp.ShapeType
	switch geometryType {
	case vector.GeometryTypePoint:
		shapeType = shp.POINT
	case vector.GeometryTypeLineString:
		shapeType = shp.POLYLINE
	default:
		return nil, fmt.Errorf("%s: %w", geometryType, errors.ErrUnsupported)
	}

	filename := filepath.Join(ds.path, name+".shp")
	if ds.singleFile {
		if len(ds.layers) != 0 {
			return nil, fmt.Errorf("%s: %w: single file dataset", name, vector.ErrLayerExists)
		}
		filename = ds.path
	}
	if slices.ContainsFunc(ds.layers, func(l *layer) bool { return l.filename == filename }) {
		return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerExists)
	}

	writer, err := shp.Create(filename, shapeType)
	if err != nil {
		return nil, err
	}
	l := &layer{
		dataset:      ds,
		name:         layerName(filename),
		filename:     filename,
		geometryType: geometryType,
		srs:          srs,
		writer:       writer,
	}
	ds.layers = append(ds.layers, l)
	return l, nil
}

func (ds *dataset) Layer(name string) (vector.Layer, error) {
	for _, l := range ds.layers {
		if l.name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerNotFound)
}

func (ds *dataset) LayerNames() []string {
	names := make([]string, 0, len(ds.layers))
	for _, l := range ds.layers {
		names = append(names, l.name)
	}
	return names
}

func (ds *dataset) Close() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	var errs []error
	for _, l := range ds.layers {
		errs = append(errs, l.close())
	}
	return errors.Join(errs...)
}

// Abort closes the layers of ds and removes their files.
func (ds *dataset) Abort() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	if ds.readOnly {
		return nil
	}
	var errs []error
	for _, l := range ds.layers {
		if l.writer != nil {
			l.writer.Close()
			l.writer = nil
		}
		errs = append(errs, removeLayerFiles(l.filename))
	}
	if ds.createdDir {
		errs = append(errs, removeEmptyDir(ds.path))
	}
	return errors.Join(errs...)
}

func openLayer(filename string) (*layer, error) {
	reader, err := shp.Open(filename)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var geometryType vector.GeometryType
	switch reader.GeometryType {
	case shp.POINT:
		geometryType = vector.GeometryTypePoint
	case shp.POLYLINE:
		geometryType = vector.GeometryTypeLineString
	default:
		return nil, fmt.Errorf("%s: shape type %d: %w", filename, reader.GeometryType, errors.ErrUnsupported)
	}

	l := &layer{
		name:         layerName(filename),
		filename:     filename,
		geometryType: geometryType,
		fieldsSet:    true,
		readOnly:     true,
	}
	for _, field := range reader.Fields() {
		l.fields = append(l.fields, field.String())
	}
	return l, nil
}

func (l *layer) Name() string {
	return l.name
}

func (l *layer) GeometryType() vector.GeometryType {
	return l.geometryType
}

// CreateField creates an integer field. DBF field names are limited to ten
// bytes and all fields must be created before the first feature.
func (l *layer) CreateField(name string) (int, error) {
	switch {
	case l.readOnly:
		return 0, vector.ErrReadOnly
	case l.fieldsSet:
		return 0, vector.ErrFieldsLocked
	case len(name) == 0 || len(name) > 10:
		return 0, fmt.Errorf("%q: invalid DBF field name", name)
	case slices.Contains(l.fields, name):
		return 0, fmt.Errorf("%s: %w", name, vector.ErrFieldExists)
	}
	l.fields = append(l.fields, name)
	return len(l.fields) - 1, nil
}

func (l *layer) FieldIndex(name string) (int, bool) {
	return vector.FieldIndex(l.fields, name)
}

func (l *layer) Fields() []string {
	return slices.Clone(l.fields)
}

// CreateFeature appends a feature. Values are validated before the shape is
// written so that a rejected feature leaves no record behind.
func (l *layer) CreateFeature(ctx context.Context, g geom.T, values map[int]int) error {
	if l.readOnly || l.writer == nil {
		return vector.ErrReadOnly
	}
	if err := vector.CheckFeature(l.geometryType, l.fields, g, values); err != nil {
		return err
	}
	for index, value := range values {
		if len(strconv.Itoa(value)) > fieldWidth {
			return fmt.Errorf("%s: %d: %w", l.fields[index], value, vector.ErrValueOutOfRange)
		}
	}
	shape, err := toShape(g)
	if err != nil {
		return err
	}
	if err := l.setFields(); err != nil {
		return err
	}
	row := int(l.writer.Write(shape))
	for index := range l.fields {
		value, ok := values[index]
		if !ok {
			continue
		}
		if err := l.writer.WriteAttribute(row, index, value); err != nil {
			return err
		}
	}
	return nil
}

func (l *layer) Features(ctx context.Context) iter.Seq2[*vector.Feature, error] {
	return func(yield func(*vector.Feature, error) bool) {
		if !l.readOnly {
			yield(nil, fmt.Errorf("%s: features can only be read after the dataset is closed", l.name))
			return
		}
		reader, err := shp.Open(l.filename)
		if err != nil {
			yield(nil, err)
			return
		}
		defer reader.Close()

		for reader.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			row, shape := reader.Shape()
			g, err := fromShape(shape)
			if err != nil {
				yield(nil, fmt.Errorf("%s: feature %d: %w", l.name, row, err))
				return
			}
			values := make(map[int]int, len(l.fields))
			for index := range l.fields {
				s := strings.TrimRight(reader.ReadAttribute(row, index), "\x00 ")
				if s == "" {
					continue
				}
				value, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil {
					yield(nil, fmt.Errorf("%s: feature %d: field %s: %w", l.name, row, l.fields[index], err))
					return
				}
				values[index] = value
			}
			if !yield(&vector.Feature{FID: int64(row), Geometry: g, Values: values}, nil) {
				return
			}
		}
		if err := reader.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (l *layer) setFields() error {
	if l.fieldsSet {
		return nil
	}
	fields := make([]shp.Field, 0, len(l.fields))
	for _, name := range l.fields {
		fields = append(fields, shp.NumberField(name, fieldWidth))
	}
	if err := l.writer.SetFields(fields); err != nil {
		return err
	}
	l.fieldsSet = true
	return nil
}

func (l *layer) close() error {
	if l.writer == nil {
		return nil
	}
	if err := l.setFields(); err != nil {
		return err
	}
	l.writer.Close()
	l.writer = nil
	l.readOnly = true

	base := strings.TrimSuffix(l.filename, filepath.Ext(l.filename))
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	switch wkt, ok := prjWKT(l.srs); {
	case !ok:
		l.dataset.driver.logger.Warn("spatial reference not written", "layer", l.name, "srs", l.srs.Definition())
	case wkt != "":
		if err := os.WriteFile(base+".prj", []byte(wkt), 0o666); err != nil {
			return err
		}
	}
	return nil
}

func toShape(g geom.T) (shp.Shape, error) {
	switch g := g.(type) {
	case *geom.Point:
		return &shp.Point{X: g.X(), Y: g.Y()}, nil
	case *geom.LineString:
		points := make([]shp.Point, 0, g.NumCoords())
		for i := range g.NumCoords() {
			coord := g.Coord(i)
			points = append(points, shp.Point{X: coord.X(), Y: coord.Y()})
		}
		return shp.NewPolyLine([][]shp.Point{points}), nil
	default:
		return nil, fmt.Errorf("%T: %w", g, errors.ErrUnsupported)
	}
}

func fromShape(shape shp.Shape) (geom.T, error) {
	switch shape := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{shape.X, shape.Y}), nil
	case *shp.PolyLine:
		if shape.NumParts != 1 {
			return nil, fmt.Errorf("polyline with %d parts: %w", shape.NumParts, errors.ErrUnsupported)
		}
		flatCoords := make([]float64, 0, 2*len(shape.Points))
		for _, point := range shape.Points {
			flatCoords = append(flatCoords, point.X, point.Y)
		}
		return geom.NewLineStringFlat(geom.XY, flatCoords), nil
	default:
		return nil, fmt.Errorf("%T: %w", shape, errors.ErrUnsupported)
	}
}

// layerFilenames returns the .shp files of the dataset at path.
func layerFilenames(path string) ([]string, error) {
	if isSHP(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var filenames []string
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() && isSHP(dirEntry.Name()) {
			filenames = append(filenames, filepath.Join(path, dirEntry.Name()))
		}
	}
	return filenames, nil
}

func removeLayerFiles(filename string) error {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	var errs []error
	for _, ext := range layerFileExtensions {
		if err := os.Remove(base + ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func removeEmptyDir(dir string) error {
	dirEntries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(dirEntries) != 0:
		return nil
	}
	return os.Remove(dir)
}

func isSHP(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".shp")
}

func layerName(filename string) string {
	return strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
}
