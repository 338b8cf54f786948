// Package vector defines the vector dataset abstraction that contour lines
// and sample points are written to, and a registry of drivers.
package vector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/twpayne/go-geom"
)

var (
	ErrFieldExists     = errors.New("field already exists")
	ErrFieldNotFound   = errors.New("field not found")
	ErrGeometryType    = errors.New("geometry type mismatch")
	ErrLayerExists     = errors.New("layer already exists")
	ErrLayerNotFound   = errors.New("layer not found")
	ErrReadOnly        = errors.New("layer is read only")
	ErrClosed          = errors.New("dataset closed")
	ErrUnknownDriver   = errors.New("unknown driver")
	ErrFieldsLocked    = errors.New("fields cannot be created after features")
	ErrValueOutOfRange = errors.New("value out of range")
)

// A GeometryType is the type of the geometries in a layer.
type GeometryType int

const (
	GeometryTypeUnknown GeometryType = iota
	GeometryTypePoint
	GeometryTypeLineString
)

func (t GeometryType) String() string {
	switch t {
	case GeometryTypePoint:
		return "Point"
	case GeometryTypeLineString:
		return "LineString"
	default:
		return "Unknown"
	}
}

// ParseGeometryType parses s as returned by GeometryType.String.
func ParseGeometryType(s string) (GeometryType, error) {
	switch s {
	case "Point":
		return GeometryTypePoint, nil
	case "LineString":
		return GeometryTypeLineString, nil
	default:
		return GeometryTypeUnknown, fmt.Errorf("%s: unknown geometry type", s)
	}
}

// GeometryTypeOf returns the GeometryType of g.
func GeometryTypeOf(g geom.T) GeometryType {
	switch g.(type) {
	case *geom.Point:
		return GeometryTypePoint
	case *geom.LineString:
		return GeometryTypeLineString
	default:
		return GeometryTypeUnknown
	}
}

// A SpatialReference describes the CRS of a layer.
type SpatialReference interface {
	Definition() string
	WKT() string
}

// A Feature is a geometry with integer attributes keyed by field index.
type Feature struct {
	FID      int64
	Geometry geom.T
	Values   map[int]int
}

// Int returns the value of the field at index.
func (f *Feature) Int(index int) (int, bool) {
	value, ok := f.Values[index]
	return value, ok
}

// A Layer is a collection of features of a single geometry type with a
// common set of integer fields.
type Layer interface {
	Name() string
	GeometryType() GeometryType
	CreateField(name string) (int, error)
	FieldIndex(name string) (int, bool)
	Fields() []string
	CreateFeature(ctx context.Context, g geom.T, values map[int]int) error
	Features(ctx context.Context) iter.Seq2[*Feature, error]
}

// A Dataset is a named collection of layers. Close finalizes a dataset.
// Abort discards a dataset returned by Driver.Create so that nothing is left
// at its path. Aborting a dataset returned by Driver.Open is the same as
// closing it.
type Dataset interface {
	CreateLayer(name string, geometryType GeometryType, srs SpatialReference) (Layer, error)
	Layer(name string) (Layer, error)
	LayerNames() []string
	Close() error
	Abort() error
}

// A Driver creates and opens datasets of one format. Remove removes a
// finalized dataset. Removing a dataset that does not exist is not an error.
type Driver interface {
	Name() string
	Extensions() []string
	Create(path string) (Dataset, error)
	Open(path string) (Dataset, error)
	Remove(path string) error
}

// FindLayer returns the layer called name in dataset. Single layer datasets
// whose layer name is derived from their path, like shapefiles, return their
// only layer.
func FindLayer(dataset Dataset, name string) (Layer, error) {
	layer, err := dataset.Layer(name)
	switch layerNames := dataset.LayerNames(); {
	case err == nil:
		return layer, nil
	case errors.Is(err, ErrLayerNotFound) && len(layerNames) == 1:
		return dataset.Layer(layerNames[0])
	default:
		return nil, err
	}
}

// CheckFeature returns an error if a feature with geometry g and values
// cannot be appended to a layer of geometryType with fields.
func CheckFeature(geometryType GeometryType, fields []string, g geom.T, values map[int]int) error {
	if actual := GeometryTypeOf(g); actual != geometryType {
		return fmt.Errorf("%w: got %s, expected %s", ErrGeometryType, actual, geometryType)
	}
	for index := range values {
		if index < 0 || index >= len(fields) {
			return fmt.Errorf("field %d: %w", index, ErrFieldNotFound)
		}
	}
	return nil
}

// FieldIndex returns the index of name in fields.
func FieldIndex(fields []string, name string) (int, bool) {
	index := slices.Index(fields, name)
	return index, index >= 0
}
