// Package grid describes regular raster geometry and holds raster data.
//
// A GridSpec is a north-up affine grid: cell (col, row) covers
// [OriginX+col*PixelSize, OriginX+(col+1)*PixelSize) horizontally and
// (OriginY-(row+1)*PixelSize, OriginY-row*PixelSize] vertically, in the
// units of its projection. Row 0 is the northern edge.
package grid

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSpec is wrapped by every GridSpec validation failure.
var ErrInvalidSpec = errors.New("invalid grid spec")

// Extent is a geographic bounding box in degrees.
type Extent struct {
	South float64 `json:"south"`
	North float64 `json:"north"`
	West  float64 `json:"west"`
	East  float64 `json:"east"`
}

// Validate checks ordering and ranges.
func (e Extent) Validate() error {
	switch {
	case e.South < -90 || e.North > 90:
		return fmt.Errorf("%w: latitude outside [-90, 90]", ErrInvalidSpec)
	case e.South >= e.North:
		return fmt.Errorf("%w: south %g must be below north %g", ErrInvalidSpec, e.South, e.North)
	case e.West < -180 || e.East > 180:
		return fmt.Errorf("%w: longitude outside [-180, 180]", ErrInvalidSpec)
	case e.West >= e.East:
		return fmt.Errorf("%w: west %g must be left of east %g", ErrInvalidSpec, e.West, e.East)
	}
	return nil
}

// GridSpec is a raster geometry. It is a comparable value; two specs are
// the same grid when Equal reports true.
type GridSpec struct {
	// Projection is a proj4 definition; see ParseProjection.
	Projection string  `json:"projection"`
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`
	PixelSize  float64 `json:"pixel_size"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Extent     Extent  `json:"extent"`
}

// FromExtent derives the grid covering ext at pixelSize map units. The
// corners are projected as (west, north) and (east, south), as l3mapgen
// does; projection distortion of the box edges is not accounted for.
func FromExtent(projection string, ext Extent, pixelSize float64) (GridSpec, error) {
	if err := ext.Validate(); err != nil {
		return GridSpec{}, err
	}
	if !(pixelSize > 0) {
		return GridSpec{}, fmt.Errorf("%w: pixel size must be positive, got %g", ErrInvalidSpec, pixelSize)
	}
	p, err := ParseProjection(projection)
	if err != nil {
		return GridSpec{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	x0, y0, ok0 := p.Forward(ext.West, ext.North)
	x1, y1, ok1 := p.Forward(ext.East, ext.South)
	if !ok0 || !ok1 {
		return GridSpec{}, fmt.Errorf("%w: extent corners not representable in %s", ErrInvalidSpec, p)
	}
	spec := GridSpec{
		Projection: p.String(),
		OriginX:    math.Min(x0, x1),
		OriginY:    math.Max(y0, y1),
		PixelSize:  pixelSize,
		Width:      int(math.Abs(x1-x0) / pixelSize),
		Height:     int(math.Abs(y0-y1) / pixelSize),
		Extent:     ext,
	}
	return spec, spec.Validate()
}

// Validate reports whether g describes a usable grid.
func (g GridSpec) Validate() error {
	switch {
	case g.Width <= 0 || g.Height <= 0:
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidSpec, g.Width, g.Height)
	case !(g.PixelSize > 0) || math.IsInf(g.PixelSize, 0):
		return fmt.Errorf("%w: pixel size must be positive, got %g", ErrInvalidSpec, g.PixelSize)
	case math.IsNaN(g.OriginX) || math.IsNaN(g.OriginY):
		return fmt.Errorf("%w: origin is NaN", ErrInvalidSpec)
	}
	if _, err := ParseProjection(g.Projection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return nil
}

// Projector parses the GridSpec projection.
func (g GridSpec) Projector() (Projection, error) {
	return ParseProjection(g.Projection)
}

// Equal reports whether g and o describe the same grid. Projections are
// compared on their canonical form.
func (g GridSpec) Equal(o GridSpec) bool {
	if g.OriginX != o.OriginX || g.OriginY != o.OriginY || g.PixelSize != o.PixelSize ||
		g.Width != o.Width || g.Height != o.Height || g.Extent != o.Extent {
		return false
	}
	if g.Projection == o.Projection {
		return true
	}
	a, errA := Canonical(g.Projection)
	b, errB := Canonical(o.Projection)
	return errA == nil && errB == nil && a == b
}

// Len is the number of cells.
func (g GridSpec) Len() int { return g.Width * g.Height }

// Cell returns the cell containing map coordinate (x, y).
func (g GridSpec) Cell(x, y float64) (col, row int, ok bool) {
	fc := math.Floor((x - g.OriginX) / g.PixelSize)
	fr := math.Floor((g.OriginY - y) / g.PixelSize)
	if fc < 0 || fr < 0 || fc >= float64(g.Width) || fr >= float64(g.Height) {
		return 0, 0, false
	}
	return int(fc), int(fr), true
}

// CellCenter returns the map coordinate of a cell centre.
func (g GridSpec) CellCenter(col, row int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.PixelSize, g.OriginY - (float64(row)+0.5)*g.PixelSize
}

func (g GridSpec) String() string {
	return fmt.Sprintf("%dx%d@%g origin=(%g,%g) %s", g.Width, g.Height, g.PixelSize, g.OriginX, g.OriginY, g.Projection)
}
