package contour

import (
	"errors"
	"fmt"
	"strings"
)

var errParse = errors.New("parse error")

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyGeodeticDatum GeoKey = 2050
	GeoKeyAngularUnits  GeoKey = 2054

	GeoKeyProjectedCRS GeoKey = 3072
	GeoKeyPCSCitation  GeoKey = 3073
	GeoKeyProjection   GeoKey = 3074
	GeoKeyLinearUnits  GeoKey = 3076

	GeoKeyVertical         GeoKey = 4096
	GeoKeyVerticalCitation GeoKey = 4097
)

// Values of GeoKeyGTModelType and GeoKeyGTRasterType.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2

	RasterPixelIsArea  = 1
	RasterPixelIsPoint = 2

	userDefined = 32767
)

// esriPEStringPrefix introduces WKT in citations written by ESRI software
// and GDAL.
const esriPEStringPrefix = "ESRI PE String = "

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if numberOfValues != 1 {
				return nil, errors.ErrUnsupported
			}
			if index >= len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[index]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[index : index+numberOfValues])
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// PixelIsPoint returns whether sample values refer to cell centers rather
// than cell areas.
func (k *ParsedGeoKeys) PixelIsPoint() bool {
	return k.Params[GeoKeyGTRasterType] == RasterPixelIsPoint
}

// SRS returns a CRS definition for k. EPSG codes are preferred. For
// user-defined CRSs the WKT embedded in an ESRI PE citation is returned. ok
// is false if no definition can be derived.
func (k *ParsedGeoKeys) SRS() (definition string, ok bool) {
	if code := k.Params[GeoKeyProjectedCRS]; code != 0 && code != userDefined {
		return fmt.Sprintf("EPSG:%d", code), true
	}
	for _, key := range []GeoKey{GeoKeyPCSCitation, GeoKeyGTCitation, GeoKeyGeogCitation} {
		if wkt, ok := citationWKT(k.ASCIIParams[key]); ok {
			return wkt, true
		}
	}
	if k.Params[GeoKeyGTModelType] == ModelTypeGeographic {
		if code := k.Params[GeoKeyGeodeticCRS]; code != 0 && code != userDefined {
			return fmt.Sprintf("EPSG:%d", code), true
		}
	}
	return "", false
}

// citationWKT extracts WKT from an ESRI PE citation. GeoTIFF terminates
// ASCII params with a pipe.
func citationWKT(citation string) (string, bool) {
	index := strings.Index(citation, esriPEStringPrefix)
	if index < 0 {
		return "", false
	}
	wkt := strings.TrimRight(citation[index+len(esriPEStringPrefix):], "|\x00")
	if wkt == "" {
		return "", false
	}
	return wkt, true
}
