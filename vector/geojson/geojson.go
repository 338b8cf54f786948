// Package geojson implements a vector driver for GeoJSON files using
// github.com/twpayne/go-geom/encoding/geojson.
//
// A GeoJSON dataset holds a single layer. The file is written atomically
// when the dataset is closed.
package geojson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/twpayne/go-contour/vector"
)

var epsgRx = regexp.MustCompile(`(?i)^EPSG:(\d+)$`)

// A Driver is a GeoJSON driver.
type Driver struct{}

// featureCollection is a GeoJSON FeatureCollection with the foreign members
// needed to restore a layer.
type featureCollection struct {
	Type         string             `json:"type"`
	Name         string             `json:"name,omitempty"`
	CRS          *geojson.CRS       `json:"crs,omitempty"`
	GeometryType string             `json:"geometryType,omitempty"`
	Fields       []string           `json:"fields,omitempty"`
	Features     []*geojson.Feature `json:"features"`
}

type dataset struct {
	path   string
	layer  *layer
	dirty  bool
	closed bool
}

type layer struct {
	dataset      *dataset
	name         string
	geometryType vector.GeometryType
	crs          *geojson.CRS
	fields       []string
	features     []*geojson.Feature
}

// NewDriver returns a new Driver.
func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "GeoJSON"
}

func (d *Driver) Extensions() []string {
	return []string{".geojson", ".json"}
}

func (d *Driver) Create(path string) (vector.Dataset, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, err
	}
	return &dataset{
		path:  path,
		dirty: true,
	}, nil
}

func (d *Driver) Open(path string) (vector.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%s: %w", path, geojson.ErrUnsupportedType(fc.Type))
	}
	ds := &dataset{
		path: path,
	}
	l := &layer{
		dataset:  ds,
		name:     fc.Name,
		crs:      fc.CRS,
		fields:   fc.Fields,
		features: fc.Features,
	}
	if l.name == "" {
		l.name = layerName(path)
	}
	if fc.GeometryType != "" {
		l.geometryType, err = vector.ParseGeometryType(fc.GeometryType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else if len(fc.Features) != 0 {
		l.geometryType = vector.GeometryTypeOf(fc.Features[0].Geometry)
	}
	ds.layer = l
	return ds, nil
}

func (d *Driver) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (ds *dataset) CreateLayer(name string, geometryType vector.GeometryType, srs vector.SpatialReference) (vector.Layer, error) {
	if ds.closed {
		return nil, vector.ErrClosed
	}
	if ds.layer != nil {
		return nil, fmt.Errorf("%s: %w: single layer dataset", name, vector.ErrLayerExists)
	}
	if geometryType == vector.GeometryTypeUnknown {
		return nil, fmt.Errorf("%s: %w", geometryType, errors.ErrUnsupported)
	}
	ds.layer = &layer{
		dataset:      ds,
		name:         name,
		geometryType: geometryType,
	}
	if srs != nil {
		ds.layer.crs = namedCRS(srs.Definition())
	}
	ds.dirty = true
	return ds.layer, nil
}

func (ds *dataset) Layer(name string) (vector.Layer, error) {
	if ds.layer == nil || ds.layer.name != name {
		return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerNotFound)
	}
	return ds.layer, nil
}

func (ds *dataset) LayerNames() []string {
	if ds.layer == nil {
		return nil
	}
	return []string{ds.layer.name}
}

// Abort discards ds without writing it.
func (ds *dataset) Abort() error {
	ds.closed = true
	return nil
}

// Close writes ds to a temporary file in the same directory and renames it
// over ds's path.
func (ds *dataset) Close() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	if !ds.dirty {
		return nil
	}

	fc := featureCollection{
		Type:     "FeatureCollection",
		Features: []*geojson.Feature{},
	}
	if l := ds.layer; l != nil {
		fc.Name = l.name
		fc.CRS = l.crs
		fc.GeometryType = l.geometryType.String()
		fc.Fields = l.fields
		if l.features != nil {
			fc.Features = l.features
		}
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(ds.path), ".tmp-*")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, ds.path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}

func (l *layer) Name() string {
	return l.name
}

func (l *layer) GeometryType() vector.GeometryType {
	return l.geometryType
}

func (l *layer) CreateField(name string) (int, error) {
	if l.dataset.closed {
		return 0, vector.ErrClosed
	}
	if slices.Contains(l.fields, name) {
		return 0, fmt.Errorf("%s: %w", name, vector.ErrFieldExists)
	}
	l.fields = append(l.fields, name)
	l.dataset.dirty = true
	return len(l.fields) - 1, nil
}

func (l *layer) FieldIndex(name string) (int, bool) {
	return vector.FieldIndex(l.fields, name)
}

func (l *layer) Fields() []string {
	return slices.Clone(l.fields)
}

func (l *layer) CreateFeature(ctx context.Context, g geom.T, values map[int]int) error {
	if l.dataset.closed {
		return vector.ErrClosed
	}
	if err := vector.CheckFeature(l.geometryType, l.fields, g, values); err != nil {
		return err
	}
	if _, err := geojson.Encode(g); err != nil {
		return err
	}
	properties := make(map[string]any, len(values))
	for index, value := range values {
		properties[l.fields[index]] = value
	}
	l.features = append(l.features, &geojson.Feature{
		ID:         strconv.Itoa(len(l.features)),
		Geometry:   g,
		Properties: properties,
	})
	l.dataset.dirty = true
	return nil
}

func (l *layer) Features(ctx context.Context) iter.Seq2[*vector.Feature, error] {
	return func(yield func(*vector.Feature, error) bool) {
		for i, feature := range l.features {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			values := make(map[int]int, len(feature.Properties))
			for name, property := range feature.Properties {
				index, ok := l.FieldIndex(name)
				if !ok {
					continue
				}
				value, err := intValue(property)
				if err != nil {
					yield(nil, fmt.Errorf("%s: feature %d: field %s: %w", l.name, i, name, err))
					return
				}
				values[index] = value
			}
			if !yield(&vector.Feature{FID: int64(i), Geometry: feature.Geometry, Values: values}, nil) {
				return
			}
		}
	}
}

// intValue converts a decoded JSON number to an int.
func intValue(property any) (int, error) {
	switch property := property.(type) {
	case float64:
		if property != math.Trunc(property) || math.Abs(property) > math.MaxInt32 {
			return 0, fmt.Errorf("%v: %w", property, vector.ErrValueOutOfRange)
		}
		return int(property), nil
	case int:
		return property, nil
	default:
		return 0, fmt.Errorf("%T: not a number", property)
	}
}

// namedCRS returns the legacy named CRS member for definition. Only EPSG
// codes are representable.
func namedCRS(definition string) *geojson.CRS {
	match := epsgRx.FindStringSubmatch(definition)
	if match == nil {
		return nil
	}
	return &geojson.CRS{
		Type: "name",
		Properties: map[string]any{
			"name": "urn:ogc:def:crs:EPSG::" + match[1],
		},
	}
}

func layerName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
