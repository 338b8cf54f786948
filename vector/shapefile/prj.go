package shapefile

import (
	"regexp"
	"strconv"

	"github.com/twpayne/go-contour/vector"
)

var epsgRx = regexp.MustCompile(`(?i)^EPSG:(\d+)$`)

// esriWKTs are the ESRI WKT definitions of common EPSG codes, written to
// .prj files when a layer's SRS is given as a code.
var esriWKTs = map[int]string{
	3035: `PROJCS["ETRS_1989_LAEA",GEOGCS["GCS_ETRS_1989",DATUM["D_ETRS_1989",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Azimuthal_Equal_Area"],PARAMETER["False_Easting",4321000.0],PARAMETER["False_Northing",3210000.0],PARAMETER["Central_Meridian",10.0],PARAMETER["Latitude_Of_Origin",52.0],UNIT["Meter",1.0]]`,
	3857: `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Mercator_Auxiliary_Sphere"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",0.0],PARAMETER["Standard_Parallel_1",0.0],PARAMETER["Auxiliary_Sphere_Type",0.0],UNIT["Meter",1.0]]`,
	4258: `GEOGCS["GCS_ETRS_1989",DATUM["D_ETRS_1989",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`,
	4326: `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`,
}

// prjWKT returns the contents of the .prj file for srs. ok is false if srs
// is known but has no WKT representation.
func prjWKT(srs vector.SpatialReference) (wkt string, ok bool) {
	if srs == nil || srs.Definition() == "" {
		return "", true
	}
	if wkt := srs.WKT(); wkt != "" {
		return wkt, true
	}
	if m := epsgRx.FindStringSubmatch(srs.Definition()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if wkt, ok := esriWKTs[code]; ok {
			return wkt, true
		}
	}
	return "", false
}
