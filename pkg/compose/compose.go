// Package compose reduces stacks of same-grid rasters into temporal
// composites and lays out the composite calendar.
package compose

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// Statistic is a per-cell reduction over the valid samples of a stack.
type Statistic string

const (
	Max    Statistic = "max"
	Min    Statistic = "min"
	Mean   Statistic = "mean"
	Median Statistic = "median"
)

// ParseStatistic accepts a statistic name, case-insensitively.
func ParseStatistic(s string) (Statistic, error) {
	switch st := Statistic(strings.ToLower(strings.TrimSpace(s))); st {
	case Max, Min, Mean, Median:
		return st, nil
	default:
		return "", fmt.Errorf("unknown statistic %q (want max, min, mean or median)", s)
	}
}

// ErrEmptyStack is returned when Compose gets no rasters.
var ErrEmptyStack = errors.New("compose: empty raster stack")

// CountNoData is the NoData value of count layers. Counts are never
// negative, so it never collides with a real count.
const CountNoData float32 = -1

// Tag keys written on composite rasters.
const (
	TagFunction = "compositing_function"
	TagInputs   = "input_files"
	TagCount    = "input_count"
)

// Result is a composite plus its contributing-count layer.
type Result struct {
	Raster *grid.Raster
	// Count holds, per cell, how many inputs were valid there. Zero means
	// the composite cell is no-data.
	Count *grid.Raster
}

// Compose reduces stack cell by cell. Every raster must share the first
// raster's GridSpec; a mismatch returns *pipeerr.GridMismatchError. Each
// input's own no-data sentinel and NaN are skipped. The output takes the
// first raster's NoData. Inputs are not modified.
func Compose(stack []*grid.Raster, stat Statistic) (*Result, error) {
	if len(stack) == 0 {
		return nil, ErrEmptyStack
	}
	if _, err := ParseStatistic(string(stat)); err != nil {
		return nil, err
	}
	if err := CheckStack(stack); err != nil {
		return nil, err
	}
	spec := stack[0].Spec
	out := grid.NewRaster(spec, stack[0].NoData)
	count := grid.NewRaster(spec, CountNoData)
	count.Fill(0)

	vals := make([]float64, 0, len(stack))
	for i := range out.Data {
		vals = vals[:0]
		for _, r := range stack {
			if v := r.Data[i]; !r.IsNoData(v) {
				vals = append(vals, float64(v))
			}
		}
		count.Data[i] = float32(len(vals))
		if len(vals) == 0 {
			continue
		}
		out.Data[i] = float32(reduce(stat, vals))
	}
	out.SetTag(TagFunction, string(stat))
	return &Result{Raster: out, Count: count}, nil
}

// CheckStack verifies that every raster shares the first one's grid and
// holds a full buffer.
func CheckStack(stack []*grid.Raster) error {
	if len(stack) == 0 {
		return ErrEmptyStack
	}
	spec := stack[0].Spec
	if err := stack[0].Validate(); err != nil {
		return fmt.Errorf("input 0: %w", err)
	}
	for i, r := range stack[1:] {
		if !r.Spec.Equal(spec) {
			return &pipeerr.GridMismatchError{Index: i + 1, Expected: spec.String(), Got: r.Spec.String()}
		}
		if len(r.Data) != spec.Len() {
			return fmt.Errorf("input %d: holds %d samples, grid needs %d", i+1, len(r.Data), spec.Len())
		}
	}
	return nil
}

// reduce applies stat to a non-empty sample set. vals may be reordered.
func reduce(stat Statistic, vals []float64) float64 {
	switch stat {
	case Max:
		return slices.Max(vals)
	case Min:
		return slices.Min(vals)
	case Median:
		slices.Sort(vals)
		n := len(vals)
		if n%2 == 1 {
			return vals[n/2]
		}
		return (vals[n/2-1] + vals[n/2]) / 2
	default:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	}
}

// Provenance records which files a composite was built from.
func Provenance(r *grid.Raster, inputs []string) {
	r.SetTag(TagInputs, strings.Join(inputs, ","))
	r.SetTag(TagCount, fmt.Sprint(len(inputs)))
}
