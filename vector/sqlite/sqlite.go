// Package sqlite implements a vector driver that stores layers as tables in
// a SQLite database using modernc.org/sqlite. Geometries are stored as WKB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	_ "modernc.org/sqlite"

	"github.com/twpayne/go-contour/vector"
)

var schema = []string{
	`CREATE TABLE vector_layers (
		name TEXT PRIMARY KEY,
		geometry_type TEXT NOT NULL,
		srs TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE vector_fields (
		layer TEXT NOT NULL REFERENCES vector_layers (name),
		field_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (layer, field_index)
	)`,
}

// A Driver is a SQLite driver.
type Driver struct{}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dataset struct {
	path   string
	db     *sql.DB
	tx     *sql.Tx
	layers []*layer
	closed bool
}

type layer struct {
	dataset      *dataset
	name         string
	geometryType vector.GeometryType
	fields       []string
}

// NewDriver returns a new Driver.
func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "SQLite"
}

func (d *Driver) Extensions() []string {
	return []string{".sqlite", ".db"}
}

// Create creates a new database at path, replacing any existing file. All
// writes are committed when the dataset is closed.
func (d *Driver) Create(path string) (vector.Dataset, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = db.Close()
		}
	}()

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	for _, statement := range schema {
		if _, err := tx.Exec(statement); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	ok = true
	return &dataset{
		path: path,
		db:   db,
		tx:   tx,
	}, nil
}

func (d *Driver) Open(path string) (vector.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = db.Close()
		}
	}()

	ds := &dataset{
		path: path,
		db:   db,
	}
	if err := ds.loadLayers(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ok = true
	return ds, nil
}

func (d *Driver) Remove(path string) error {
	return removeDatabase(path)
}

// removeDatabase removes the database at path and its journal.
func removeDatabase(path string) error {
	var errs []error
	for _, name := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (ds *dataset) conn() execQueryer {
	if ds.tx != nil {
		return ds.tx
	}
	return ds.db
}

func (ds *dataset) loadLayers(ctx context.Context) error {
	rows, err := ds.conn().QueryContext(ctx, "SELECT name, geometry_type FROM vector_layers ORDER BY rowid")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name, geometryTypeStr string
		if err := rows.Scan(&name, &geometryTypeStr); err != nil {
			return err
		}
		geometryType, err := vector.ParseGeometryType(geometryTypeStr)
		if err != nil {
			return err
		}
		ds.layers = append(ds.layers, &layer{
			dataset:      ds,
			name:         name,
			geometryType: geometryType,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range ds.layers {
		fieldRows, err := ds.conn().QueryContext(ctx, "SELECT name FROM vector_fields WHERE layer = ? ORDER BY field_index", l.name)
		if err != nil {
			return err
		}
		for fieldRows.Next() {
			var name string
			if err := fieldRows.Scan(&name); err != nil {
				fieldRows.Close()
				return err
			}
			l.fields = append(l.fields, name)
		}
		err = fieldRows.Err()
		fieldRows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (ds *dataset) CreateLayer(name string, geometryType vector.GeometryType, srs vector.SpatialReference) (vector.Layer, error) {
	if ds.closed {
		return nil, vector.ErrClosed
	}
	if geometryType == vector.GeometryTypeUnknown {
		return nil, fmt.Errorf("%s: %w", geometryType, errors.ErrUnsupported)
	}
	if slices.ContainsFunc(ds.layers, func(l *layer) bool { return l.name == name }) {
		return nil, fmt.Errorf("%s: %w", name, vector.ErrLayerExists)
	}
	var definition string
	if srs != nil {
		definition = srs.Definition()
	}
	ctx := context.Background()
	if _, err := ds.conn().ExecContext(ctx, "INSERT INTO vector_layers (name, geometry_type, srs) VALUES (?, ?, ?)", name, geometryType.String(), definition); err != nil {
		return nil, err
	}
	if _, err := ds.conn().ExecContext(ctx, "CREATE TABLE "+quoteIdentifier(name)+" (fid INTEGER PRIMARY KEY AUTOINCREMENT, geom BLOB NOT NULL)"); err != nil {
		return nil, err
	}
	l := &layer{
		dataset:      ds,
		name:         name,
		geometryType: geometryType,
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

// SRS returns the SRS definition stored for the layer name.
func (ds *dataset) SRS(name string) (string, error) {
	var definition string
	err := ds.conn().QueryRowContext(context.Background(), "SELECT srs FROM vector_layers WHERE name = ?", name).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", name, vector.ErrLayerNotFound)
	}
	return definition, err
}

func (ds *dataset) Close() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	var errs []error
	if ds.tx != nil {
		errs = append(errs, ds.tx.Commit())
		ds.tx = nil
	}
	errs = append(errs, ds.db.Close())
	return errors.Join(errs...)
}

// Abort rolls back the writes to ds. A created database is removed.
func (ds *dataset) Abort() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	if ds.tx == nil {
		return ds.db.Close()
	}
	errs := []error{ds.tx.Rollback(), ds.db.Close()}
	ds.tx = nil
	errs = append(errs, removeDatabase(ds.path))
	return errors.Join(errs...)
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
	ctx := context.Background()
	if _, err := l.dataset.conn().ExecContext(ctx, "ALTER TABLE "+quoteIdentifier(l.name)+" ADD COLUMN "+quoteIdentifier(name)+" INTEGER"); err != nil {
		return 0, err
	}
	if _, err := l.dataset.conn().ExecContext(ctx, "INSERT INTO vector_fields (layer, field_index, name) VALUES (?, ?, ?)", l.name, len(l.fields), name); err != nil {
		return 0, err
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

// CreateFeature appends a feature with a single INSERT statement.
func (l *layer) CreateFeature(ctx context.Context, g geom.T, values map[int]int) error {
	if l.dataset.closed {
		return vector.ErrClosed
	}
	if err := vector.CheckFeature(l.geometryType, l.fields, g, values); err != nil {
		return err
	}
	data, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return err
	}

	columns := []string{"geom"}
	placeholders := []string{"?"}
	args := []any{data}
	for index, name := range l.fields {
		value, ok := values[index]
		if !ok {
			continue
		}
		columns = append(columns, quoteIdentifier(name))
		placeholders = append(placeholders, "?")
		args = append(args, value)
	}
	query := "INSERT INTO " + quoteIdentifier(l.name) +
		" (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	_, err = l.dataset.conn().ExecContext(ctx, query, args...)
	return err
}

func (l *layer) Features(ctx context.Context) iter.Seq2[*vector.Feature, error] {
	return func(yield func(*vector.Feature, error) bool) {
		columns := []string{"fid", "geom"}
		for _, name := range l.fields {
			columns = append(columns, quoteIdentifier(name))
		}
		query := "SELECT " + strings.Join(columns, ", ") + " FROM " + quoteIdentifier(l.name) + " ORDER BY fid"
		rows, err := l.dataset.conn().QueryContext(ctx, query)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var fid int64
			var data []byte
			fieldValues := make([]sql.NullInt64, len(l.fields))
			dest := []any{&fid, &data}
			for i := range fieldValues {
				dest = append(dest, &fieldValues[i])
			}
			if err := rows.Scan(dest...); err != nil {
				yield(nil, err)
				return
			}
			g, err := wkb.Unmarshal(data)
			if err != nil {
				yield(nil, fmt.Errorf("%s: feature %d: %w", l.name, fid, err))
				return
			}
			values := make(map[int]int, len(fieldValues))
			for index, fieldValue := range fieldValues {
				if fieldValue.Valid {
					values[index] = int(fieldValue.Int64)
				}
			}
			if !yield(&vector.Feature{FID: fid, Geometry: g, Values: values}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
