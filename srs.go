package contour

import (
	"strings"
	"sync"

	"github.com/twpayne/go-proj/v10"
)

// A SpatialReference is a coordinate reference system shared by the line
// and point datasets of a run.
type SpatialReference struct {
	definition string
	mutex      sync.Mutex
	pj         *proj.PJ
}

// NewSpatialReference returns a new SpatialReference for definition, which
// may be an authority code like EPSG:3035, WKT, or a PROJ string. An empty
// definition returns an unknown SpatialReference.
func NewSpatialReference(definition string) (*SpatialReference, error) {
	s := &SpatialReference{
		definition: strings.TrimSpace(definition),
	}
	if s.definition == "" {
		return s, nil
	}
	pj, err := proj.New(s.definition)
	if err != nil {
		return nil, err
	}
	s.pj = pj
	return s, nil
}

// Definition returns s's definition.
func (s *SpatialReference) Definition() string {
	return s.definition
}

// WKT returns s's definition if it is WKT, and the empty string otherwise.
func (s *SpatialReference) WKT() string {
	if isWKT(s.definition) {
		return s.definition
	}
	return ""
}

// Known returns whether s refers to a CRS.
func (s *SpatialReference) Known() bool {
	return s.definition != ""
}

// Destroy releases the resources associated with s. It is safe to call
// Destroy more than once.
func (s *SpatialReference) Destroy() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pj != nil {
		s.pj.Destroy()
		s.pj = nil
	}
}

// A Transformer transforms coordinates between two CRSs. Coordinates are
// always in easting, northing order.
type Transformer struct {
	pj *proj.PJ
}

// NewTransformer returns a new Transformer from source to target.
func NewTransformer(source, target string) (*Transformer, error) {
	pj, err := proj.NewCRSToCRS(source, target, nil)
	if err != nil {
		return nil, err
	}
	defer pj.Destroy()
	normalizedPJ, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, err
	}
	return &Transformer{
		pj: normalizedPJ,
	}, nil
}

// TransformFlatCoords transforms the XY flat coordinates in place.
func (t *Transformer) TransformFlatCoords(flatCoords []float64) error {
	return t.pj.ForwardFlatCoords(flatCoords, 2, -1, -1)
}

// Destroy releases the resources associated with t.
func (t *Transformer) Destroy() {
	t.pj.Destroy()
}

func isWKT(definition string) bool {
	return strings.HasSuffix(definition, "]") && strings.Contains(definition, "[")
}
