// Package memory implements an in-memory vector driver. Datasets persist
// in the driver across Close and Open, so a Driver can stand in for a
// filesystem in tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/twpayne/go-geom"

	"github.com/twpayne/go-contour/vector"
)

// A FeatureHook is called before each feature is appended. If it returns an
// error the feature is not appended.
type FeatureHook func(layer string, g geom.T, values map[int]int) error

// A Driver is an in-memory vector driver.
type Driver struct {
	mutex       sync.Mutex
	datasets    map[string]*datasetState
	featureHook FeatureHook
}

// A DriverOption sets an option on a Driver.
type DriverOption func(*Driver)

// WithFeatureHook sets a hook called before each feature is appended.
func WithFeatureHook(featureHook FeatureHook) DriverOption {
	return func(d *Driver) {
		d.featureHook = featureHook
	}
}

type datasetState struct {
	mutex  sync.Mutex
	layers []*layerState
}

type layerState struct {
	name         string
	geometryType vector.GeometryType
	srs          string
	fields       []string
	features     []*vector.Feature
}

type dataset struct {
	driver  *Driver
	path    string
	data    *datasetState
	created bool
	closed  bool
}

type layer struct {
	dataset *dataset
	data    *layerState
}

// NewDriver returns a new Driver.
func NewDriver(options ...DriverOption) *Driver {
	d := &Driver{
		datasets: make(map[string]*datasetState),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

func (d *Driver) Name() string {
	return "Memory"
}

func (d *Driver) Extensions() []string {
	return []string{".mem"}
}

// Create creates a new dataset at path, replacing any existing dataset.
func (d *Driver) Create(path string) (vector.Dataset, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	data := &datasetState{}
	d.datasets[path] = data
	return &dataset{
		driver:  d,
		path:    path,
		data:    data,
		created: true,
	}, nil
}

func (d *Driver) Open(path string) (vector.Dataset, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	data, ok := d.datasets[path]
	if !ok {
		return nil, fmt.Errorf("%s: dataset not found", path)
	}
	return &dataset{
		driver: d,
		path:   path,
		data:   data,
	}, nil
}

func (d *Driver) Remove(path string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.datasets, path)
	return nil
}

// SRS returns the SRS definition of the layer name in the dataset at path.
func (d *Driver) SRS(path, name string) (string, bool) {
	d.mutex.Lock()
	data, ok := d.datasets[path]
	d.mutex.Unlock()
	if !ok {
		return "", false
	}
	data.mutex.Lock()
	defer data.mutex.Unlock()
	for _, state := range data.layers {
		if state.name == name {
			return state.srs, true
		}
	}
	return "", false
}

func (ds *dataset) CreateLayer(name string, geometryType vector.GeometryType, srs vector.SpatialReference) (vector.Layer, error) {
	if ds.closed {
		return nil, vector.ErrClosed
	}
	ds.data.mutex.Lock()
	defer ds.data.mutex.Unlock()
	for _, state := range ds.data.layers {
		if state.name == name {
			return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerExists)
		}
	}
	state := &layerState{
		name:         name,
		geometryType: geometryType,
	}
	if srs != nil {
		state.srs = srs.Definition()
	}
	ds.data.layers = append(ds.data.layers, state)
	return &layer{
		dataset: ds,
		data:    state,
	}, nil
}

func (ds *dataset) Layer(name string) (vector.Layer, error) {
	if ds.closed {
		return nil, vector.ErrClosed
	}
	ds.data.mutex.Lock()
	defer ds.data.mutex.Unlock()
	for _, state := range ds.data.layers {
		if state.name == name {
			return &layer{
				dataset: ds,
				data:    state,
			}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerNotFound)
}

func (ds *dataset) LayerNames() []string {
	ds.data.mutex.Lock()
	defer ds.data.mutex.Unlock()
	names := make([]string, 0, len(ds.data.layers))
	for _, state := range ds.data.layers {
		names = append(names, state.name)
	}
	return names
}

func (ds *dataset) Close() error {
	ds.closed = true
	return nil
}

func (ds *dataset) Abort() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	if !ds.created {
		return nil
	}
	ds.driver.mutex.Lock()
	defer ds.driver.mutex.Unlock()
	if ds.driver.datasets[ds.path] == ds.data {
		delete(ds.driver.datasets, ds.path)
	}
	return nil
}

func (l *layer) Name() string {
	return l.data.name
}

func (l *layer) GeometryType() vector.GeometryType {
	return l.data.geometryType
}

func (l *layer) CreateField(name string) (int, error) {
	l.dataset.data.mutex.Lock()
	defer l.dataset.data.mutex.Unlock()
	if slices.Contains(l.data.fields, name) {
		return 0, fmt.Errorf("%s: %w", name, vector.ErrFieldExists)
	}
	l.data.fields = append(l.data.fields, name)
	return len(l.data.fields) - 1, nil
}

func (l *layer) FieldIndex(name string) (int, bool) {
	l.dataset.data.mutex.Lock()
	defer l.dataset.data.mutex.Unlock()
	return vector.FieldIndex(l.data.fields, name)
}

func (l *layer) Fields() []string {
	l.dataset.data.mutex.Lock()
	defer l.dataset.data.mutex.Unlock()
	return slices.Clone(l.data.fields)
}

func (l *layer) CreateFeature(ctx context.Context, g geom.T, values map[int]int) error {
	if l.dataset.closed {
		return vector.ErrClosed
	}
	l.dataset.data.mutex.Lock()
	defer l.dataset.data.mutex.Unlock()
	if err := vector.CheckFeature(l.data.geometryType, l.data.fields, g, values); err != nil {
		return err
	}
	if featureHook := l.dataset.driver.featureHook; featureHook != nil {
		if err := featureHook(l.data.name, g, values); err != nil {
			return err
		}
	}
	l.data.features = append(l.data.features, &vector.Feature{
		FID:      int64(len(l.data.features)),
		Geometry: g,
		Values:   maps.Clone(values),
	})
	return nil
}

func (l *layer) Features(ctx context.Context) iter.Seq2[*vector.Feature, error] {
	return func(yield func(*vector.Feature, error) bool) {
		l.dataset.data.mutex.Lock()
		features := slices.Clone(l.data.features)
		l.dataset.data.mutex.Unlock()
		for _, feature := range features {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(feature, nil) {
				return
			}
		}
	}
}
