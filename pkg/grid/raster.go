package grid

import (
	"fmt"
	"maps"
	"math"
)

// DefaultNoData is the sentinel used when a caller does not pick one.
const DefaultNoData float32 = -32767

// Raster is a single-band float32 grid. Data is row-major with row 0 at the
// northern edge.
type Raster struct {
	Spec   GridSpec
	NoData float32
	Data   []float32
	// Tags carries free-form metadata persisted with the raster.
	Tags map[string]string
}

// NewRaster allocates a raster filled with noData.
func NewRaster(spec GridSpec, noData float32) *Raster {
	r := &Raster{Spec: spec, NoData: noData, Data: make([]float32, spec.Len())}
	r.Fill(noData)
	return r
}

// Validate checks that Data matches the GridSpec.
func (r *Raster) Validate() error {
	if err := r.Spec.Validate(); err != nil {
		return err
	}
	if len(r.Data) != r.Spec.Len() {
		return fmt.Errorf("raster holds %d samples, grid needs %d", len(r.Data), r.Spec.Len())
	}
	return nil
}

// IsNoData reports whether v is missing: the sentinel or NaN.
func (r *Raster) IsNoData(v float32) bool {
	return v == r.NoData || math.IsNaN(float64(v))
}

// At returns the sample at (col, row).
func (r *Raster) At(col, row int) float32 { return r.Data[row*r.Spec.Width+col] }

// Set stores v at (col, row).
func (r *Raster) Set(col, row int, v float32) { r.Data[row*r.Spec.Width+col] = v }

// Fill overwrites every sample with v.
func (r *Raster) Fill(v float32) {
	for i := range r.Data {
		r.Data[i] = v
	}
}

// Valid counts samples that are not no-data.
func (r *Raster) Valid() int {
	n := 0
	for _, v := range r.Data {
		if !r.IsNoData(v) {
			n++
		}
	}
	return n
}

// Clone deep-copies r.
func (r *Raster) Clone() *Raster {
	out := &Raster{Spec: r.Spec, NoData: r.NoData, Data: make([]float32, len(r.Data))}
	copy(out.Data, r.Data)
	if r.Tags != nil {
		out.Tags = maps.Clone(r.Tags)
	}
	return out
}

// SetTag records a metadata key.
func (r *Raster) SetTag(key, value string) {
	if r.Tags == nil {
		r.Tags = make(map[string]string)
	}
	r.Tags[key] = value
}
