// Package discover finds which scenes a remote archive holds for a time
// range. Listings come from a plain-text HTTP index, a provider prefix
// listing, or a local directory; names are filtered with doublestar globs
// and parsed into scene keys.
package discover

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/provider"
	"github.com/3leaps/oceangrid/pkg/scene"
)

// Entry is one listed object.
type Entry struct {
	// Name is the object's base name.
	Name string
	// Path is the name relative to the listing root, used for glob matching.
	Path string
	URL  string
	// Size is -1 when the listing does not report it.
	Size     int64
	Checksum string
}

// Lister enumerates an archive.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// IndexLister reads a plain-text index over HTTP. Each non-blank line is
// "name [size] [checksum]"; lines starting with '#' are comments. Relative
// names resolve against the index URL.
type IndexLister struct {
	URL    string
	Client *http.Client
}

func (l *IndexLister) List(ctx context.Context) ([]Entry, error) {
	base, err := url.Parse(l.URL)
	if err != nil {
		return nil, &pipeerr.PermanentRequestError{Op: "index", URL: l.URL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, &pipeerr.PermanentRequestError{Op: "index", URL: l.URL, Err: err}
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &pipeerr.TransientIOError{Op: "index", URL: l.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, &pipeerr.TransientIOError{Op: "index", URL: l.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return nil, &pipeerr.PermanentRequestError{Op: "index", URL: l.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return ParseIndex(resp.Body, base)
}

// ParseIndex parses index lines. base may be nil, in which case entry URLs
// are left as written.
func ParseIndex(r io.Reader, base *url.URL) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		e := Entry{Size: -1, URL: fields[0]}
		if len(fields) > 1 {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("index line %d: invalid size %q", line, fields[1])
			}
			e.Size = n
		}
		if len(fields) > 2 {
			e.Checksum = fields[2]
		}
		ref, err := url.Parse(fields[0])
		if err != nil {
			return nil, fmt.Errorf("index line %d: %w", line, err)
		}
		e.Name = path.Base(ref.Path)
		e.Path = strings.TrimPrefix(strings.TrimPrefix(ref.Path, "./"), "/")
		if ref.IsAbs() {
			e.Path = e.Name
		}
		if base != nil {
			e.URL = base.ResolveReference(ref).String()
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return out, nil
}

// ProviderLister lists a provider prefix. URLFor turns a key into a
// fetchable URL ("s3://bucket/" + key for S3, "file://" paths for local
// directories).
type ProviderLister struct {
	Provider provider.Provider
	Prefix   string
	URLFor   func(key string) string
}

func (l *ProviderLister) List(ctx context.Context) ([]Entry, error) {
	objs, err := provider.ListAll(ctx, l.Provider, l.Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(objs))
	for _, o := range objs {
		u := o.Key
		if l.URLFor != nil {
			u = l.URLFor(o.Key)
		}
		out = append(out, Entry{
			Name: path.Base(o.Key),
			Path: strings.TrimPrefix(strings.TrimPrefix(o.Key, l.Prefix), "/"),
			URL:  u,
			Size: o.Size,
		})
	}
	return out, nil
}

// Query selects scenes.
type Query struct {
	Sensors []scene.Sensor
	// Levels defaults to L1A.
	Levels []scene.Level
	// Begin and End bound acquisition dates, both inclusive.
	Begin, End time.Time

	// Day and Night select scenes by the cut-off hour; both false keeps
	// everything.
	Day, Night bool
	CutoffHour int
}

// Candidate is a discovered scene.
type Candidate struct {
	Key scene.Key
	Entry
}

// Result lists candidates plus names that were ignored.
type Result struct {
	Candidates []Candidate
	// Unparsed counts listed names that are not archive filenames.
	Unparsed int
	// Filtered counts names rejected by globs, dates or day/night.
	Filtered int
}

// Discover lists l and keeps entries that match m and q. Candidates are
// sorted by acquisition time, then sensor, then level.
func Discover(ctx context.Context, l Lister, m *Matcher, q Query) (*Result, error) {
	if !q.Begin.IsZero() && !q.End.IsZero() && q.End.Before(q.Begin) {
		return nil, fmt.Errorf("end %s is before begin %s", q.End.Format(time.DateOnly), q.Begin.Format(time.DateOnly))
	}
	entries, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	sensors := make(map[scene.Sensor]bool, len(q.Sensors))
	for _, s := range q.Sensors {
		sensors[s] = true
	}
	levels := map[scene.Level]bool{scene.L1A: true}
	if len(q.Levels) > 0 {
		levels = make(map[scene.Level]bool, len(q.Levels))
		for _, lv := range q.Levels {
			levels[lv] = true
		}
	}
	begin, end := dateOf(q.Begin), dateOf(q.End)

	res := &Result{}
	seen := make(map[scene.Key]bool)
	for _, e := range entries {
		if !m.Match(e.Path) {
			res.Filtered++
			continue
		}
		k, err := scene.ParseFilename(e.Name)
		if err != nil {
			res.Unparsed++
			continue
		}
		d := k.Date()
		switch {
		case len(sensors) > 0 && !sensors[k.Sensor],
			!levels[k.Level],
			!begin.IsZero() && d.Before(begin),
			!end.IsZero() && d.After(end),
			q.Day != q.Night && k.IsDay(q.CutoffHour) != q.Day:
			res.Filtered++
			continue
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		res.Candidates = append(res.Candidates, Candidate{Key: k, Entry: e})
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i].Key, res.Candidates[j].Key
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.Sensor != b.Sensor {
			return a.Sensor < b.Sensor
		}
		return a.Level < b.Level
	})
	return res, nil
}

func dateOf(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
