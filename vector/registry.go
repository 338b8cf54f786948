package vector

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// A Registry is a set of drivers. Drivers are registered explicitly.
type Registry struct {
	drivers []Driver
}

// NewRegistry returns a new Registry containing drivers. Earlier drivers
// take precedence when matching paths.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{
		drivers: slices.Clone(drivers),
	}
}

// Register adds driver to r.
func (r *Registry) Register(driver Driver) {
	r.drivers = append(r.drivers, driver)
}

// Driver returns the driver called name. Names are case insensitive.
func (r *Registry) Driver(name string) (Driver, error) {
	for _, driver := range r.drivers {
		if strings.EqualFold(driver.Name(), name) {
			return driver, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnknownDriver)
}

// DriverForPath returns the driver for path based on its extension. A path
// without an extension uses the first driver that accepts directories.
func (r *Registry) DriverForPath(path string) (Driver, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, driver := range r.drivers {
		if slices.Contains(driver.Extensions(), ext) {
			return driver, nil
		}
	}
	return nil, fmt.Errorf("%s: %w for extension %q", path, ErrUnknownDriver, ext)
}

// Names returns the names of the registered drivers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for _, driver := range r.drivers {
		names = append(names, driver.Name())
	}
	return names
}
