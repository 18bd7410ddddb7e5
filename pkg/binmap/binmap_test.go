package binmap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/binscheme"
	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/scene"
)

// world is a 1-degree global longlat grid.
var world = grid.GridSpec{
	Projection: "+proj=longlat",
	OriginX:    -180,
	OriginY:    90,
	PixelSize:  1,
	Width:      360,
	Height:     180,
	Extent:     grid.Extent{South: -90, North: 90, West: -180, East: 180},
}

func scheme4(t *testing.T) *binscheme.Scheme {
	t.Helper()
	s, err := binscheme.New(4)
	require.NoError(t, err)
	return s
}

func TestMapToGrid_MeanOfSharedCell(t *testing.T) {
	s := scheme4(t)
	records := []BinRecord{
		{Index: 5, Value: 2.0},
		{Index: 5, Value: 4.0},
	}
	r, diag, err := MapToGrid(records, world, Options{Scheme: s, Reducer: Mean})
	require.NoError(t, err)

	// bin 5 is row 1, col 1 of 7: centre (-22.5, -102.857)
	assert.Equal(t, float32(3.0), r.At(77, 112))
	assert.Equal(t, 1, r.Valid())
	assert.Equal(t, Diagnostics{Total: 2, Used: 2, Cells: 1}, diag)
}

func TestMapToGrid_EmptyInput(t *testing.T) {
	minusOne := float32(-1)
	for _, opts := range []Options{
		{Scheme: scheme4(t)},
		{Scheme: scheme4(t), Footprint: true, NoData: &minusOne},
	} {
		r, diag, err := MapToGrid(nil, world, opts)
		require.NoError(t, err)
		assert.Equal(t, world, r.Spec)
		assert.Len(t, r.Data, 360*180)
		assert.Equal(t, 0, r.Valid())
		assert.Equal(t, 0, diag.Total)
	}
}

func TestMapToGrid_NoData(t *testing.T) {
	zero := float32(0)
	tests := []struct {
		name   string
		noData *float32
		want   float32
	}{
		{"unset uses default", nil, grid.DefaultNoData},
		{"zero is a valid sentinel", &zero, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, err := MapToGrid(nil, world, Options{Scheme: scheme4(t), NoData: tt.noData})
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.NoData)
			assert.Equal(t, tt.want, r.Data[0])
		})
	}
}

func TestMapToGrid_RejectedRecordsHaveNoEffect(t *testing.T) {
	s := scheme4(t)
	opts := Options{Scheme: s, FlagMask: 0x202, QualityThreshold: 1}
	kept := []BinRecord{
		{Index: 5, Value: 2, Quality: 0},
		{Index: 12, Value: 7, Quality: 1, Flags: 0x4},
		{Index: 20, Value: 1},
	}
	rejected := []BinRecord{
		{Index: 5, Value: 100, Quality: 2},
		{Index: 12, Value: 100, Flags: 0x2},
		{Index: 20, Value: 100, Flags: 0x200 | 0x4},
		{Index: 0, Value: 100},
		{Index: 21, Value: 100},
		{Index: -7, Value: 100},
	}

	base, _, err := MapToGrid(kept, world, opts)
	require.NoError(t, err)

	mixed := append(append([]BinRecord{}, rejected[:3]...), kept...)
	mixed = append(mixed, rejected[3:]...)
	got, diag, err := MapToGrid(mixed, world, opts)
	require.NoError(t, err)

	assert.Equal(t, base.Data, got.Data)
	assert.Equal(t, 9, diag.Total)
	assert.Equal(t, 3, diag.Used)
	assert.Equal(t, 1, diag.QualityRejected)
	assert.Equal(t, 2, diag.FlagRejected)
	assert.Equal(t, 3, diag.MalformedIndex)
	assert.Equal(t, 6, diag.Rejected())
	require.NotNil(t, diag.FirstMalformed)
	assert.Equal(t, int64(0), diag.FirstMalformed.Index)
	assert.Equal(t, int64(20), diag.FirstMalformed.Max)
}

func TestMapToGrid_Reducers(t *testing.T) {
	s := scheme4(t)
	records := []BinRecord{{Index: 5, Value: 3}, {Index: 5, Value: 9}, {Index: 5, Value: 4}}
	tests := []struct {
		reducer Reducer
		want    float32
	}{
		{Mean, 16.0 / 3},
		{Max, 9},
		{Min, 3},
		{Or, 3 | 9 | 4},
		{"", 16.0 / 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.reducer), func(t *testing.T) {
			r, _, err := MapToGrid(records, world, Options{Scheme: s, Reducer: tt.reducer})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, r.At(77, 112), 1e-6)
		})
	}

	_, _, err := MapToGrid(records, world, Options{Scheme: s, Reducer: "median"})
	assert.Error(t, err)
}

func TestMapToGrid_Footprint(t *testing.T) {
	s := scheme4(t)
	r, diag, err := MapToGrid([]BinRecord{{Index: 1, Value: 5}}, world, Options{Scheme: s, Footprint: true})
	require.NoError(t, err)

	// bin 1 covers lat [-90, -45), lon [-180, -60)
	assert.Equal(t, 45*120, diag.Cells)
	assert.Equal(t, 45*120, r.Valid())
	assert.Equal(t, float32(5), r.At(0, 179))
	assert.Equal(t, float32(5), r.At(119, 135))
	assert.Equal(t, grid.DefaultNoData, r.At(120, 135))
	assert.Equal(t, grid.DefaultNoData, r.At(0, 134))
}

func TestMapToGrid_FootprintSmallBinFallsBackToCentre(t *testing.T) {
	s, err := binscheme.New(180)
	require.NoError(t, err)
	coarse := world
	coarse.PixelSize, coarse.Width, coarse.Height = 10, 36, 18

	bin := s.Bin(0.5, -179.5)
	r, diag, err := MapToGrid([]BinRecord{{Index: bin, Value: 1}}, coarse, Options{Scheme: s, Footprint: true})
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Cells)
	assert.Equal(t, float32(1), r.At(0, 8))
}

func TestMapToGrid_ProjectedGrid(t *testing.T) {
	s, err := binscheme.ForResolution("1D")
	require.NoError(t, err)
	spec, err := grid.FromExtent("+proj=laea +lat_0=20 +lon_0=-100", grid.Extent{South: 3, North: 33, West: -122, East: -72}, 50000)
	require.NoError(t, err)

	inside := s.Bin(20.5, -100.5)
	outside := s.Bin(-60.5, 30.5)
	r, diag, err := MapToGrid([]BinRecord{{Index: inside, Value: 0.25}, {Index: outside, Value: 9}}, spec, Options{Scheme: s})
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Used)
	assert.Equal(t, 1, diag.OutsideGrid)
	assert.Equal(t, 1, r.Valid())
}

func TestMapToGrid_Invalid(t *testing.T) {
	bad := world
	bad.Width = 0
	_, _, err := MapToGrid(nil, bad, Options{Scheme: scheme4(t)})
	assert.ErrorIs(t, err, grid.ErrInvalidSpec)

	_, _, err = MapToGrid(nil, world, Options{})
	assert.Error(t, err)
}

func TestDecodeCSV(t *testing.T) {
	in := `bin,value,quality,flags
# comment
5,2.5,0,0
6,1e-3,2,0x202
7,abc,0,0
8,1.0,300,0
9,1.0
10, 4.0, 1, 16
`
	recs, diag, err := DecodeCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []BinRecord{
		{Index: 5, Value: 2.5},
		{Index: 6, Value: 1e-3, Quality: 2, Flags: 0x202},
		{Index: 10, Value: 4, Quality: 1, Flags: 16},
	}, recs)
	assert.Equal(t, 3, diag.MalformedLines)

	var buf bytes.Buffer
	require.NoError(t, EncodeCSV(&buf, recs))
	again, diag, err := DecodeCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, recs, again)
	assert.Zero(t, diag.MalformedLines)
}

func TestDecodeCSVColumn(t *testing.T) {
	in := "bin,Rrs_443,Rrs_555,quality,flags\n5,0.01,0.002,0,0\n6,0.02,0.004,1,0x2\n"

	recs, _, err := DecodeCSVColumn(strings.NewReader(in), "Rrs_555")
	require.NoError(t, err)
	assert.Equal(t, []BinRecord{
		{Index: 5, Value: 0.002},
		{Index: 6, Value: 0.004, Quality: 1, Flags: 2},
	}, recs)

	_, _, err = DecodeCSVColumn(strings.NewReader(in), "chlor_a")
	assert.ErrorContains(t, err, `no "chlor_a" column`)

	single := "bin,value,quality,flags\n5,2.0,0,0\n"
	recs, _, err = DecodeCSVColumn(strings.NewReader(single), "chlor_a")
	require.NoError(t, err)
	assert.Equal(t, []BinRecord{{Index: 5, Value: 2}}, recs)

	reordered := "quality,flags,sst,bin\n1,0x2,21.5,5\n0,0,22.0,6\n"
	recs, _, err = DecodeCSVColumn(strings.NewReader(reordered), "sst")
	require.NoError(t, err)
	assert.Equal(t, []BinRecord{
		{Index: 5, Value: 21.5, Quality: 1, Flags: 2},
		{Index: 6, Value: 22},
	}, recs)

	_, _, err = DecodeCSVColumn(strings.NewReader("value,bin,flags\n1.0,5,0\n"), "")
	assert.ErrorContains(t, err, `no "quality" column`)

	noHeader := "5,2.0,0,0\n"
	recs, _, err = DecodeCSVColumn(strings.NewReader(noHeader), "sst")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFlags(t *testing.T) {
	m, err := ParseFlagMask("LAND, cldice")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x202), m)
	assert.Equal(t, []string{"LAND", "CLDICE"}, FlagNames(m))

	m, err = ParseFlagMask("0x669D73B")
	require.NoError(t, err)
	chl, ok := scene.DefaultFlagMask("CHL")
	require.True(t, ok)
	assert.Equal(t, chl, m)

	named, err := ParseFlagMask(strings.Join(FlagNames(chl), ","))
	require.NoError(t, err)
	assert.Equal(t, chl, named)

	assert.Equal(t, []string{"ATMFAIL", "BIT7"}, FlagNames(1|1<<7))

	_, err = ParseFlagMask("LAND,NOPE")
	assert.ErrorContains(t, err, "NOPE")
}
