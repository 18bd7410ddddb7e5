package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gulf = Extent{South: 10, North: 20, West: -100, East: -90}

func TestFromExtent_LongLat(t *testing.T) {
	g, err := FromExtent("+proj=latlong", gulf, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 20, g.Width)
	assert.Equal(t, 20, g.Height)
	assert.Equal(t, -100.0, g.OriginX)
	assert.Equal(t, 20.0, g.OriginY)
	assert.Equal(t, LongLat{}.String(), g.Projection)

	col, row, ok := g.Cell(-99.75, 19.75)
	assert.True(t, ok)
	assert.Equal(t, [2]int{0, 0}, [2]int{col, row})
	col, row, ok = g.Cell(-90.1, 10.1)
	assert.True(t, ok)
	assert.Equal(t, [2]int{19, 19}, [2]int{col, row})
	_, _, ok = g.Cell(-90, 15)
	assert.False(t, ok, "east edge is exclusive")
	_, _, ok = g.Cell(-95, 21)
	assert.False(t, ok)

	x, y := g.CellCenter(0, 0)
	assert.Equal(t, -99.75, x)
	assert.Equal(t, 19.75, y)
}

func TestFromExtent_LAEA(t *testing.T) {
	g, err := FromExtent("+proj=laea +lat_0=15 +lon_0=-95", gulf, 2000)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Greater(t, g.Width, 400)
	assert.Greater(t, g.Height, 400)

	p, err := g.Projector()
	require.NoError(t, err)
	cx, cy, ok := p.Forward(-95, 15)
	require.True(t, ok)
	_, _, inside := g.Cell(cx, cy)
	assert.True(t, inside)
}

func TestFromExtent_Invalid(t *testing.T) {
	_, err := FromExtent("", Extent{South: 20, North: 10, West: 0, East: 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = FromExtent("", gulf, 0)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = FromExtent("+proj=merc", gulf, 1000)
	assert.ErrorIs(t, err, ErrUnknownProjection)
}

func TestGridSpec_Validate(t *testing.T) {
	ok := GridSpec{Projection: "+proj=longlat", OriginX: -100, OriginY: 20, PixelSize: 0.5, Width: 20, Height: 20}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*GridSpec)
	}{
		{"zero width", func(g *GridSpec) { g.Width = 0 }},
		{"negative height", func(g *GridSpec) { g.Height = -3 }},
		{"zero pixel", func(g *GridSpec) { g.PixelSize = 0 }},
		{"NaN pixel", func(g *GridSpec) { g.PixelSize = math.NaN() }},
		{"NaN origin", func(g *GridSpec) { g.OriginX = math.NaN() }},
		{"unknown projection", func(g *GridSpec) { g.Projection = "+proj=utm +zone=15" }},
		{"bad proj4", func(g *GridSpec) { g.Projection = "proj=laea" }},
		{"bad laea param", func(g *GridSpec) { g.Projection = "+proj=laea +lat_0=north" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := ok
			tt.mutate(&g)
			assert.ErrorIs(t, g.Validate(), ErrInvalidSpec)
		})
	}
}

func TestGridSpec_Equal(t *testing.T) {
	a := GridSpec{Projection: "+proj=laea +lat_0=20 +lon_0=-100", OriginX: 1, OriginY: 2, PixelSize: 1000, Width: 3, Height: 4}
	b := a
	b.Projection = "+lon_0=-100 +proj=laea +lat_0=20 +R=6371007.181"
	assert.True(t, a.Equal(b))

	c := a
	c.Width = 5
	assert.False(t, a.Equal(c))

	d := a
	d.Projection = "+proj=laea +lat_0=21 +lon_0=-100"
	assert.False(t, a.Equal(d))
}

func TestLAEA_RoundTrip(t *testing.T) {
	p := LAEA{Lat0: 20, Lon0: -100, Radius: AuthalicRadius}

	x, y, ok := p.Forward(-100, 20)
	require.True(t, ok)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)

	for _, pt := range [][2]float64{{-122, 3}, {-72, 33}, {-100, 45}, {179, -10}} {
		x, y, ok := p.Forward(pt[0], pt[1])
		require.True(t, ok)
		lon, lat := p.Inverse(x, y)
		assert.InDelta(t, pt[0], lon, 1e-7)
		assert.InDelta(t, pt[1], lat, 1e-7)
	}

	_, _, ok = p.Forward(80, -20)
	assert.False(t, ok, "antipode")
}

func TestSinusoidal(t *testing.T) {
	proj, err := ParseProjection("+proj=sinu +lon_0=0 +R=6371007.181 +units=m")
	require.NoError(t, err)
	p, ok := proj.(Sinusoidal)
	require.True(t, ok)
	assert.Equal(t, "+proj=sinu +lon_0=0 +R=6371007.181 +units=m +no_defs", p.String())

	x, y, ok := p.Forward(1, 0)
	require.True(t, ok)
	assert.InDelta(t, AuthalicRadius*math.Pi/180, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-9)

	// meridians converge: one degree of longitude shrinks with cos(lat)
	x60, _, _ := p.Forward(1, 60)
	assert.InDelta(t, x/2, x60, 1e-6)

	for _, pt := range [][2]float64{{-95, 15}, {179.5, -70}, {0, 0}, {-180, 45}} {
		x, y, ok := p.Forward(pt[0], pt[1])
		require.True(t, ok)
		lon, lat := p.Inverse(x, y)
		assert.InDelta(t, pt[0], lon, 1e-7)
		assert.InDelta(t, pt[1], lat, 1e-7)
	}

	_, err = ParseProjection("+proj=sinu +R=-1")
	assert.Error(t, err)
	_, err = ParseProjection("+proj=sinu +lon_0=east")
	assert.Error(t, err)
}

func TestRaster(t *testing.T) {
	g := GridSpec{Projection: "+proj=longlat", PixelSize: 1, Width: 3, Height: 2}
	r := NewRaster(g, DefaultNoData)
	require.NoError(t, r.Validate())
	assert.Equal(t, 0, r.Valid())

	r.Set(2, 1, 4.5)
	r.Set(0, 0, float32(math.NaN()))
	assert.Equal(t, float32(4.5), r.At(2, 1))
	assert.Equal(t, float32(4.5), r.Data[5])
	assert.Equal(t, 1, r.Valid())

	r.SetTag("source", "A2016001")
	c := r.Clone()
	c.Set(2, 1, 1)
	c.SetTag("source", "other")
	assert.Equal(t, float32(4.5), r.At(2, 1))
	assert.Equal(t, "A2016001", r.Tags["source"])

	r.Data = r.Data[:4]
	assert.Error(t, r.Validate())
}
