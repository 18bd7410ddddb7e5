// Package binscheme implements the integerized sinusoidal binning grid used
// by level-3 ocean colour products.
//
// The globe is cut into NumRows latitude rows of equal height. Row r holds
// numBin(r) = round(2*NumRows*cos(lat(r))) bins of equal width, so bins
// cover roughly equal areas. Bins are numbered from 1 starting at the south
// pole, west to east within a row.
package binscheme

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Scheme is an immutable bin geometry. Build it with New or ForResolution.
type Scheme struct {
	numRows int
	numBin  []int
	baseBin []int64
	latBin  []float64
	total   int64
}

var resolutions = map[string]int{
	"1":  17280,
	"2":  8640,
	"4":  4320,
	"9":  2160,
	"18": 1080,
	"36": 540,
	"H":  34560,
	"QD": 720,
	"HD": 360,
	"1D": 180,
}

// Resolutions lists the named resolutions, sorted.
func Resolutions() []string {
	out := make([]string, 0, len(resolutions))
	for k := range resolutions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RowsFor returns the row count of a named resolution.
func RowsFor(name string) (int, bool) {
	n, ok := resolutions[strings.ToUpper(strings.TrimSpace(name))]
	return n, ok
}

// ForResolution builds the scheme for a named resolution such as "9" or "QD".
func ForResolution(name string) (*Scheme, error) {
	n, ok := RowsFor(name)
	if !ok {
		return nil, fmt.Errorf("unknown bin resolution %q (known: %s)", name, strings.Join(Resolutions(), ", "))
	}
	return New(n)
}

// New builds a scheme with numRows latitude rows.
func New(numRows int) (*Scheme, error) {
	if numRows <= 0 {
		return nil, fmt.Errorf("numRows must be positive, got %d", numRows)
	}
	s := &Scheme{
		numRows: numRows,
		numBin:  make([]int, numRows),
		baseBin: make([]int64, numRows),
		latBin:  make([]float64, numRows),
	}
	base := int64(1)
	for row := 0; row < numRows; row++ {
		lat := (float64(row)+0.5)*180/float64(numRows) - 90
		n := int(2*float64(numRows)*math.Cos(lat*math.Pi/180) + 0.5)
		if n < 1 {
			n = 1
		}
		s.latBin[row] = lat
		s.numBin[row] = n
		s.baseBin[row] = base
		base += int64(n)
	}
	s.total = base - 1
	return s, nil
}

// NumRows returns the number of latitude rows.
func (s *Scheme) NumRows() int { return s.numRows }

// TotalBins returns the highest valid bin number.
func (s *Scheme) TotalBins() int64 { return s.total }

// NumBin returns the number of bins in row.
func (s *Scheme) NumBin(row int) int { return s.numBin[row] }

// BaseBin returns the first bin number of row.
func (s *Scheme) BaseBin(row int) int64 { return s.baseBin[row] }

// Valid reports whether bin is in [1, TotalBins].
func (s *Scheme) Valid(bin int64) bool { return bin >= 1 && bin <= s.total }

// Row returns the row holding bin. bin must be valid.
func (s *Scheme) Row(bin int64) int {
	// first row whose base exceeds bin, minus one
	return sort.Search(s.numRows, func(i int) bool { return s.baseBin[i] > bin }) - 1
}

// Center returns the centre latitude and longitude of bin in degrees.
func (s *Scheme) Center(bin int64) (lat, lon float64, err error) {
	if !s.Valid(bin) {
		return 0, 0, fmt.Errorf("bin %d outside [1, %d]", bin, s.total)
	}
	row := s.Row(bin)
	col := bin - s.baseBin[row]
	lon = 360*(float64(col)+0.5)/float64(s.numBin[row]) - 180
	return s.latBin[row], lon, nil
}

// Box is a bin's extent in degrees.
type Box struct {
	South, North, West, East float64
}

// Bounds returns the lat/lon box covered by bin.
func (s *Scheme) Bounds(bin int64) (Box, error) {
	if !s.Valid(bin) {
		return Box{}, fmt.Errorf("bin %d outside [1, %d]", bin, s.total)
	}
	row := s.Row(bin)
	col := float64(bin - s.baseBin[row])
	dlat := 180 / float64(s.numRows)
	dlon := 360 / float64(s.numBin[row])
	return Box{
		South: float64(row)*dlat - 90,
		North: float64(row+1)*dlat - 90,
		West:  col*dlon - 180,
		East:  (col+1)*dlon - 180,
	}, nil
}

// Bin returns the bin containing lat/lon. Latitudes are clamped to the
// poles and longitudes wrapped into [-180, 180).
func (s *Scheme) Bin(lat, lon float64) int64 {
	row := int((lat + 90) * float64(s.numRows) / 180)
	row = max(0, min(row, s.numRows-1))
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	col := int(lon * float64(s.numBin[row]) / 360)
	col = min(col, s.numBin[row]-1)
	return s.baseBin[row] + int64(col)
}
