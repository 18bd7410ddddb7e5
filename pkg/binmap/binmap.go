// Package binmap turns sparse level-3 bin records into a dense raster on a
// regular grid.
//
// Records are filtered by quality and flag mask, located through the
// sensor's binning scheme, projected into the target grid and reduced per
// cell. The output geometry depends only on the requested GridSpec; cells
// no record reaches hold the no-data sentinel.
package binmap

import (
	"fmt"
	"math"
	"strings"

	"github.com/3leaps/oceangrid/pkg/binscheme"
	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// Reducer combines the records that land in one cell.
type Reducer string

const (
	Mean Reducer = "mean"
	Max  Reducer = "max"
	Min  Reducer = "min"
	// Or combines integer-valued layers (flags, quality) bitwise.
	Or Reducer = "or"
)

// ParseReducer accepts a reducer name, case-insensitively. Empty selects Mean.
func ParseReducer(s string) (Reducer, error) {
	switch r := Reducer(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return Mean, nil
	case Mean, Max, Min, Or:
		return r, nil
	default:
		return "", fmt.Errorf("unknown reducer %q (want mean, max, min or or)", s)
	}
}

// Options control MapToGrid.
type Options struct {
	// Scheme is the binning geometry the record indices refer to.
	Scheme *binscheme.Scheme
	// FlagMask rejects any record with one of these bits set.
	FlagMask uint32
	// QualityThreshold rejects records whose quality code is greater.
	QualityThreshold uint8
	// Reducer defaults to Mean.
	Reducer Reducer
	// Footprint maps each bin to every cell whose centre lies inside the
	// bin's lat/lon box instead of only the cell holding the bin centre.
	// Bins smaller than a cell still reach the cell holding their centre.
	Footprint bool
	// NoData defaults to grid.DefaultNoData when nil.
	NoData *float32
}

// Diagnostics tallies what happened to the input.
type Diagnostics struct {
	Total           int `json:"total"`
	Used            int `json:"used"`
	QualityRejected int `json:"quality_rejected"`
	FlagRejected    int `json:"flag_rejected"`
	// MalformedIndex counts records whose bin lies outside the scheme.
	MalformedIndex int `json:"malformed_index"`
	// OutsideGrid counts valid records that fall outside the target grid.
	OutsideGrid    int `json:"outside_grid"`
	MalformedLines int `json:"malformed_lines,omitempty"`
	// Cells is the number of output cells holding data.
	Cells int `json:"cells"`

	// FirstMalformed describes the first out-of-range record seen.
	FirstMalformed *pipeerr.MalformedRecordError `json:"-"`
}

// Merge adds o's counters to d.
func (d *Diagnostics) Merge(o Diagnostics) {
	d.Total += o.Total
	d.Used += o.Used
	d.QualityRejected += o.QualityRejected
	d.FlagRejected += o.FlagRejected
	d.MalformedIndex += o.MalformedIndex
	d.OutsideGrid += o.OutsideGrid
	d.MalformedLines += o.MalformedLines
	d.Cells += o.Cells
	if d.FirstMalformed == nil {
		d.FirstMalformed = o.FirstMalformed
	}
}

// Rejected is the number of filtered or malformed records.
func (d Diagnostics) Rejected() int {
	return d.QualityRejected + d.FlagRejected + d.MalformedIndex
}

type acc struct {
	sum   float64
	n     int
	ext   float64
	flags uint64
}

// MapToGrid rasterizes records onto spec. An empty or fully rejected input
// yields an all-no-data raster; only an invalid spec or missing scheme is
// an error. Mean sums in float64 in record order, so permuting the input
// can change the result in the last bits.
func MapToGrid(records []BinRecord, spec grid.GridSpec, opts Options) (*grid.Raster, Diagnostics, error) {
	var diag Diagnostics
	if err := spec.Validate(); err != nil {
		return nil, diag, err
	}
	if opts.Scheme == nil {
		return nil, diag, fmt.Errorf("binmap: no binning scheme")
	}
	red := opts.Reducer
	if red == "" {
		red = Mean
	}
	if _, err := ParseReducer(string(red)); err != nil {
		return nil, diag, err
	}
	noData := grid.DefaultNoData
	if opts.NoData != nil {
		noData = *opts.NoData
	}
	proj, err := spec.Projector()
	if err != nil {
		return nil, diag, err
	}

	cells := make(map[int]*acc)
	var targets []int
	for _, rec := range records {
		diag.Total++
		switch {
		case rec.Quality > opts.QualityThreshold:
			diag.QualityRejected++
			continue
		case rec.Flags&opts.FlagMask != 0:
			diag.FlagRejected++
			continue
		case !opts.Scheme.Valid(rec.Index):
			diag.MalformedIndex++
			if diag.FirstMalformed == nil {
				diag.FirstMalformed = &pipeerr.MalformedRecordError{Index: rec.Index, Max: opts.Scheme.TotalBins()}
			}
			continue
		}
		if opts.Footprint {
			targets = footprintCells(opts.Scheme, proj, spec, rec.Index, targets[:0])
		} else {
			targets = centerCell(opts.Scheme, proj, spec, rec.Index, targets[:0])
		}
		if len(targets) == 0 {
			diag.OutsideGrid++
			continue
		}
		diag.Used++
		for _, i := range targets {
			a := cells[i]
			if a == nil {
				a = &acc{}
				cells[i] = a
			}
			a.add(red, rec.Value)
		}
	}

	out := grid.NewRaster(spec, noData)
	for i, a := range cells {
		out.Data[i] = float32(a.result(red))
	}
	diag.Cells = len(cells)
	return out, diag, nil
}

func (a *acc) add(red Reducer, v float64) {
	switch red {
	case Max:
		if a.n == 0 || v > a.ext {
			a.ext = v
		}
	case Min:
		if a.n == 0 || v < a.ext {
			a.ext = v
		}
	case Or:
		a.flags |= uint64(int64(v))
	default:
		a.sum += v
	}
	a.n++
}

func (a *acc) result(red Reducer) float64 {
	switch red {
	case Max, Min:
		return a.ext
	case Or:
		return float64(a.flags)
	default:
		return a.sum / float64(a.n)
	}
}

func centerCell(s *binscheme.Scheme, p grid.Projection, spec grid.GridSpec, bin int64, dst []int) []int {
	lat, lon, err := s.Center(bin)
	if err != nil {
		return dst
	}
	x, y, ok := p.Forward(lon, lat)
	if !ok {
		return dst
	}
	col, row, ok := spec.Cell(x, y)
	if !ok {
		return dst
	}
	return append(dst, row*spec.Width+col)
}

// footprintCells returns the cells whose centres fall inside the bin's box.
// Candidate cells come from the projected bounding box of the box corners
// and edge midpoints; each candidate centre is inverse-projected and tested.
func footprintCells(s *binscheme.Scheme, p grid.Projection, spec grid.GridSpec, bin int64, dst []int) []int {
	box, err := s.Bounds(bin)
	if err != nil {
		return dst
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	midLat, midLon := (box.South+box.North)/2, (box.West+box.East)/2
	for _, ll := range [][2]float64{
		{box.West, box.South}, {box.West, box.North}, {box.East, box.South}, {box.East, box.North},
		{midLon, box.South}, {midLon, box.North}, {box.West, midLat}, {box.East, midLat},
	} {
		x, y, ok := p.Forward(ll[0], ll[1])
		if !ok {
			continue
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	if math.IsInf(minX, 0) {
		return dst
	}

	c0 := max(0, int(math.Floor((minX-spec.OriginX)/spec.PixelSize-0.5)))
	c1 := min(spec.Width-1, int(math.Ceil((maxX-spec.OriginX)/spec.PixelSize-0.5)))
	r0 := max(0, int(math.Floor((spec.OriginY-maxY)/spec.PixelSize-0.5)))
	r1 := min(spec.Height-1, int(math.Ceil((spec.OriginY-minY)/spec.PixelSize-0.5)))
	n := len(dst)
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			lon, lat := p.Inverse(spec.CellCenter(col, row))
			if lat >= box.South && lat < box.North && lon >= box.West && lon < box.East {
				dst = append(dst, row*spec.Width+col)
			}
		}
	}
	if len(dst) == n {
		return centerCell(s, p, spec, bin, dst)
	}
	return dst
}
