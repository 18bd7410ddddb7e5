package discover

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/provider/file"
	"github.com/3leaps/oceangrid/pkg/scene"
)

const index = `# oceancolor L1A listing
A2016032184500.L1A_LAC 1024 sha256:` + zeros + `
T2016032153000.L1A_LAC 2048
A2016033175500.L1A_LAC
A2016034060000.L1A_LAC
A2016040184500.L1A_LAC
README.txt
sub/A2016033010000.L1A_LAC 10
https://mirror.example/data/V2016033201000.L1A_LAC
`

const zeros = "0000000000000000000000000000000000000000000000000000000000000000"

type staticLister []Entry

func (s staticLister) List(context.Context) ([]Entry, error) { return s, nil }

func TestParseIndex(t *testing.T) {
	entries, err := ParseIndex(strings.NewReader(index), mustURL(t, "https://archive.example/L1A/index.txt"))
	require.NoError(t, err)
	require.Len(t, entries, 8)

	assert.Equal(t, "https://archive.example/L1A/A2016032184500.L1A_LAC", entries[0].URL)
	assert.Equal(t, int64(1024), entries[0].Size)
	assert.Equal(t, "sha256:"+zeros, entries[0].Checksum)
	assert.Equal(t, int64(-1), entries[2].Size)

	assert.Equal(t, "sub/A2016033010000.L1A_LAC", entries[6].Path)
	assert.Equal(t, "A2016033010000.L1A_LAC", entries[6].Name)
	assert.Equal(t, "https://archive.example/L1A/sub/A2016033010000.L1A_LAC", entries[6].URL)

	assert.Equal(t, "https://mirror.example/data/V2016033201000.L1A_LAC", entries[7].URL)
	assert.Equal(t, "V2016033201000.L1A_LAC", entries[7].Path)

	_, err = ParseIndex(strings.NewReader("A2016032184500.L1A_LAC big\n"), nil)
	assert.ErrorContains(t, err, "invalid size")
}

func TestDiscover_FiltersAndOrders(t *testing.T) {
	entries, err := ParseIndex(strings.NewReader(index), mustURL(t, "https://archive.example/"))
	require.NoError(t, err)

	res, err := Discover(context.Background(), staticLister(entries), nil, Query{
		Begin: date(2016, 2, 1),
		End:   date(2016, 2, 3),
	})
	require.NoError(t, err)

	var names []string
	for _, c := range res.Candidates {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		"T2016032153000.L1A_LAC",
		"A2016032184500.L1A_LAC",
		"A2016033010000.L1A_LAC",
		"A2016033175500.L1A_LAC",
		"V2016033201000.L1A_LAC",
		"A2016034060000.L1A_LAC",
	}, names)
	assert.Equal(t, 1, res.Unparsed, "README is skipped")
	assert.Equal(t, 1, res.Filtered, "day 40 is out of range")
}

func TestDiscover_SensorDayAndGlob(t *testing.T) {
	entries, err := ParseIndex(strings.NewReader(index), nil)
	require.NoError(t, err)

	m, err := NewMatcher(nil, []string{"sub/**"})
	require.NoError(t, err)

	res, err := Discover(context.Background(), staticLister(entries), m, Query{
		Sensors:    []scene.Sensor{scene.Aqua},
		Day:        true,
		CutoffHour: 12,
	})
	require.NoError(t, err)

	var names []string
	for _, c := range res.Candidates {
		names = append(names, c.Name)
		assert.True(t, c.Key.IsDay(12))
	}
	assert.Equal(t, []string{
		"A2016032184500.L1A_LAC",
		"A2016033175500.L1A_LAC",
		"A2016040184500.L1A_LAC",
	}, names)
}

func TestDiscover_InvalidRange(t *testing.T) {
	_, err := Discover(context.Background(), staticLister(nil), nil, Query{Begin: date(2016, 2, 2), End: date(2016, 2, 1)})
	assert.Error(t, err)
}

func TestIndexLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/L1A/index.txt":
			_, _ = w.Write([]byte(index))
		case "/down/index.txt":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	entries, err := (&IndexLister{URL: srv.URL + "/L1A/index.txt"}).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 8)
	assert.Equal(t, srv.URL+"/L1A/A2016032184500.L1A_LAC", entries[0].URL)

	_, err = (&IndexLister{URL: srv.URL + "/down/index.txt"}).List(context.Background())
	assert.True(t, pipeerr.IsTransient(err))

	_, err = (&IndexLister{URL: srv.URL + "/missing/index.txt"}).List(context.Background())
	assert.True(t, pipeerr.IsPermanent(err))
}

func TestProviderLister(t *testing.T) {
	ctx := context.Background()
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	for _, k := range []string{
		"aqua/L1A/2016/032/A2016032184500.L1A_LAC",
		"aqua/L1A/2016/033/A2016033175500.L1A_LAC",
		"aqua/L2/2016/032/A2016032184500.L2_LAC_OC.nc",
	} {
		require.NoError(t, p.PutObject(ctx, k, strings.NewReader("x"), 1))
	}

	l := &ProviderLister{Provider: p, Prefix: "aqua/", URLFor: func(k string) string { return "s3://archive/" + k }}
	m, err := NewMatcher([]string{"L1A/**"}, nil)
	require.NoError(t, err)

	res, err := Discover(ctx, l, m, Query{})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "s3://archive/aqua/L1A/2016/032/A2016032184500.L1A_LAC", res.Candidates[0].URL)
	assert.Equal(t, int64(1), res.Candidates[0].Size)
}

func TestMatcher(t *testing.T) {
	_, err := NewMatcher([]string{"[unclosed"}, nil)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	m, err := NewMatcher([]string{"aqua/L1A/2016/**", "aqua/L1A/2017/*.L1A_LAC"}, []string{"**/*.tmp"})
	require.NoError(t, err)
	assert.True(t, m.Match("aqua/L1A/2016/032/A2016032184500.L1A_LAC"))
	assert.False(t, m.Match("aqua/L1A/2016/032/junk.tmp"))
	assert.False(t, m.Match("terra/L1A/2016/032/T.L1A_LAC"))
	assert.Equal(t, "aqua/L1A/", m.Prefix())

	var nilMatcher *Matcher
	assert.True(t, nilMatcher.Match("anything"))
	assert.Equal(t, "", nilMatcher.Prefix())
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
