package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AuthalicRadius is the radius of the sphere with the WGS84 ellipsoid's
// surface area, used by the spherical equal-area projection.
const AuthalicRadius = 6371007.181

// ErrUnknownProjection is returned for proj4 strings naming an unsupported
// projection.
var ErrUnknownProjection = errors.New("unknown projection")

// Projection maps geographic coordinates (degrees) to projected map units.
type Projection interface {
	// Forward projects lon/lat. ok is false for points the projection
	// cannot represent (the antipode of an azimuthal centre).
	Forward(lon, lat float64) (x, y float64, ok bool)
	Inverse(x, y float64) (lon, lat float64)
	// String returns the canonical proj4 definition.
	String() string
}

// ParseProjection reads a proj4 definition. Supported: "+proj=longlat"
// (alias latlong), "+proj=laea" with +lat_0, +lon_0 and optional +R, and
// "+proj=sinu" with +lon_0 and optional +R. An empty string means longlat.
func ParseProjection(def string) (Projection, error) {
	params, err := parseProj4(def)
	if err != nil {
		return nil, err
	}
	switch params["proj"] {
	case "", "longlat", "latlong", "lonlat", "latlon":
		return LongLat{}, nil
	case "laea":
		p := LAEA{Radius: AuthalicRadius}
		if err := floatParams(def, params, map[string]*float64{"lat_0": &p.Lat0, "lon_0": &p.Lon0, "R": &p.Radius}); err != nil {
			return nil, err
		}
		if p.Radius <= 0 || p.Lat0 < -90 || p.Lat0 > 90 {
			return nil, fmt.Errorf("proj4 %q: parameters out of range", def)
		}
		return p, nil
	case "sinu":
		p := Sinusoidal{Radius: AuthalicRadius}
		if err := floatParams(def, params, map[string]*float64{"lon_0": &p.Lon0, "R": &p.Radius}); err != nil {
			return nil, err
		}
		if p.Radius <= 0 {
			return nil, fmt.Errorf("proj4 %q: parameters out of range", def)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProjection, params["proj"])
	}
}

func floatParams(def string, params map[string]string, dst map[string]*float64) error {
	for key, p := range dst {
		v, ok := params[key]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("proj4 %q: +%s=%s: %w", def, key, v, err)
		}
		*p = f
	}
	return nil
}

// Canonical normalizes a proj4 definition so equivalent spellings compare
// equal.
func Canonical(def string) (string, error) {
	p, err := ParseProjection(def)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func parseProj4(def string) (map[string]string, error) {
	params := make(map[string]string)
	for _, tok := range strings.Fields(def) {
		if !strings.HasPrefix(tok, "+") {
			return nil, fmt.Errorf("proj4 %q: token %q lacks '+'", def, tok)
		}
		k, v, _ := strings.Cut(tok[1:], "=")
		params[k] = v
	}
	return params, nil
}

// LongLat is the identity projection on WGS84 degrees.
type LongLat struct{}

func (LongLat) Forward(lon, lat float64) (float64, float64, bool) { return lon, lat, true }
func (LongLat) Inverse(x, y float64) (float64, float64)           { return x, y }
func (LongLat) String() string                                    { return "+proj=longlat +datum=WGS84 +no_defs" }

// LAEA is the spherical Lambert azimuthal equal-area projection.
type LAEA struct {
	Lat0, Lon0 float64
	Radius     float64
}

func (p LAEA) Forward(lon, lat float64) (float64, float64, bool) {
	phi, lam := rad(lat), rad(lon-p.Lon0)
	phi1 := rad(p.Lat0)
	denom := 1 + math.Sin(phi1)*math.Sin(phi) + math.Cos(phi1)*math.Cos(phi)*math.Cos(lam)
	if denom <= 1e-12 {
		return 0, 0, false
	}
	k := math.Sqrt(2 / denom)
	x := p.Radius * k * math.Cos(phi) * math.Sin(lam)
	y := p.Radius * k * (math.Cos(phi1)*math.Sin(phi) - math.Sin(phi1)*math.Cos(phi)*math.Cos(lam))
	return x, y, true
}

func (p LAEA) Inverse(x, y float64) (float64, float64) {
	rho := math.Hypot(x, y)
	if rho < 1e-9 {
		return p.Lon0, p.Lat0
	}
	c := 2 * math.Asin(math.Min(1, rho/(2*p.Radius)))
	phi1 := rad(p.Lat0)
	sinC, cosC := math.Sin(c), math.Cos(c)
	lat := math.Asin(cosC*math.Sin(phi1) + y*sinC*math.Cos(phi1)/rho)
	lon := p.Lon0 + deg(math.Atan2(x*sinC, rho*math.Cos(phi1)*cosC-y*math.Sin(phi1)*sinC))
	return normLon(lon), deg(lat)
}

func (p LAEA) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return "+proj=laea +lat_0=" + f(p.Lat0) + " +lon_0=" + f(p.Lon0) + " +R=" + f(p.Radius) + " +units=m +no_defs"
}

// Sinusoidal is the spherical sinusoidal projection of the MODIS land
// tiles.
type Sinusoidal struct {
	Lon0   float64
	Radius float64
}

func (p Sinusoidal) Forward(lon, lat float64) (float64, float64, bool) {
	phi := rad(lat)
	return p.Radius * rad(normLon(lon-p.Lon0)) * math.Cos(phi), p.Radius * phi, true
}

func (p Sinusoidal) Inverse(x, y float64) (float64, float64) {
	phi := y / p.Radius
	lat := deg(phi)
	cos := math.Cos(phi)
	if math.Abs(cos) < 1e-12 {
		return p.Lon0, lat
	}
	return normLon(p.Lon0 + deg(x/(p.Radius*cos))), lat
}

func (p Sinusoidal) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return "+proj=sinu +lon_0=" + f(p.Lon0) + " +R=" + f(p.Radius) + " +units=m +no_defs"
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func normLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
