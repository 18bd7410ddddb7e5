package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/discover"
	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/provider"
	"github.com/3leaps/oceangrid/pkg/provider/file"
	"github.com/3leaps/oceangrid/pkg/provider/s3"
	"github.com/3leaps/oceangrid/pkg/rasterio"
	"github.com/3leaps/oceangrid/pkg/scene"
)

func (p *Pipeline) buildSources(ctx context.Context) error {
	m := p.m
	cfg := p.opts.Fetch
	if m.Fetch.MaxAttempts > 0 {
		cfg.MaxAttempts = m.Fetch.MaxAttempts
	}
	if d, _ := manifest.ParseDuration(m.Fetch.Timeout); d > 0 {
		cfg.Timeout = d
	}
	if m.Fetch.RateLimit > 0 {
		cfg.RateLimit = m.Fetch.RateLimit
	}
	cfg.Logger = p.log
	if p.opts.FetchObserver != nil {
		cfg.Observer = p.opts.FetchObserver
	}
	p.fetcher = fetch.New(cfg)

	src := m.Source
	s3Source := &fetch.ProviderSource{
		Factory: func(ctx context.Context, u *url.URL) (provider.Provider, error) {
			return s3.New(ctx, s3.Config{
				Bucket:         u.Host,
				Region:         src.Region,
				Endpoint:       src.Endpoint,
				Profile:        src.Profile,
				ForcePathStyle: src.ForcePathStyle,
			})
		},
	}
	fileSource := &fetch.ProviderSource{
		Factory: func(context.Context, *url.URL) (provider.Provider, error) {
			return file.New(file.Config{BaseDir: "/"})
		},
	}
	p.fetcher.Register("s3", s3Source)
	p.fetcher.Register("file", fileSource)
	p.closers = append(p.closers, s3Source, fileSource)

	if p.opts.Lister != nil {
		p.lister = p.opts.Lister
		return nil
	}
	switch {
	case src.IndexURL != "":
		p.lister = &discover.IndexLister{URL: src.IndexURL}
		p.sourceBase = strings.TrimSuffix(src.IndexURL, path.Base(src.IndexURL))
	case src.Location != "":
		l, err := p.locationLister(ctx, src)
		if err != nil {
			return err
		}
		p.lister = l
		p.sourceBase = strings.TrimSuffix(src.Location, "/") + "/"
	}
	if p.lister != nil {
		p.lister = &discover.RetryLister{
			Lister:      p.lister,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout,
			Backoff:     cfg.Backoff,
			Logger:      p.log,
		}
	}
	return nil
}

func (p *Pipeline) locationLister(ctx context.Context, src manifest.SourceConfig) (discover.Lister, error) {
	u, err := url.Parse(src.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: source location: %w", ErrInvalid, err)
	}
	switch u.Scheme {
	case "s3":
		prov, err := s3.New(ctx, s3.Config{
			Bucket:         u.Host,
			Region:         src.Region,
			Endpoint:       src.Endpoint,
			Profile:        src.Profile,
			ForcePathStyle: src.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: source location: %w", ErrInvalid, err)
		}
		p.closers = append(p.closers, prov)
		bucket := u.Host
		return &discover.ProviderLister{
			Provider: prov,
			Prefix:   strings.TrimPrefix(u.Path, "/"),
			URLFor:   func(key string) string { return "s3://" + bucket + "/" + key },
		}, nil
	case "file":
		base := filepath.FromSlash(u.Path)
		prov, err := file.New(file.Config{BaseDir: base})
		if err != nil {
			return nil, fmt.Errorf("%w: source location: %w", ErrInvalid, err)
		}
		return &discover.ProviderLister{
			Provider: prov,
			URLFor:   func(key string) string { return fileURL(filepath.Join(base, filepath.FromSlash(key))) },
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported source location scheme %q", ErrInvalid, u.Scheme)
	}
}

func (p *Pipeline) buildSink(ctx context.Context) error {
	opts := rasterio.Options{Compression: p.m.Sinks.Compression}
	sinks := rasterio.MultiSink{&rasterio.FileSink{Root: p.root, Options: opts}}
	if c := p.m.Sinks.S3; c != nil {
		prov, err := s3.New(ctx, s3.Config{
			Bucket:         c.Bucket,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			Profile:        c.Profile,
			ForcePathStyle: c.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("%w: s3 sink: %w", ErrInvalid, err)
		}
		p.closers = append(p.closers, prov)
		bucket := c.Bucket
		sinks = append(sinks, &rasterio.ObjectSink{
			Putter:  prov,
			Prefix:  strings.Trim(c.Prefix, "/"),
			URL:     func(key string) string { return "s3://" + bucket + "/" + key },
			Options: opts,
		})
	}
	sinks = append(sinks, p.opts.Sinks...)
	p.sink = sinks
	return nil
}

// sourceURL returns where to fetch c from. A url_template rewrites the
// listed URL, for mirrors whose layout differs from the index.
func (p *Pipeline) sourceURL(c discover.Candidate) (string, error) {
	tmpl := p.m.Source.URLTemplate
	if tmpl == "" {
		return c.URL, nil
	}
	return urlReplacer(p.sourceBase, c).Replace(tmpl), nil
}

func urlReplacer(base string, c discover.Candidate) *strings.Replacer {
	return strings.NewReplacer(
		"{base}", base,
		"{sensor}", c.Key.Sensor.Name(),
		"{sensor_code}", string(c.Key.Sensor),
		"{year}", strconv.Itoa(c.Key.Time.UTC().Year()),
		"{doy}", fmt.Sprintf("%03d", c.Key.DOY()),
		"{filename}", c.Name,
	)
}

func checkURLTemplate(tmpl string) error {
	if tmpl == "" {
		return nil
	}
	if out := urlReplacer("", discover.Candidate{}).Replace(tmpl); strings.ContainsAny(out, "{}") {
		return fmt.Errorf("source url_template %q has an unknown placeholder", tmpl)
	}
	return nil
}

func fileURL(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// archiveLister lists files of one level already present under the data
// root, one prefix per sensor.
type archiveLister struct {
	prov    *file.Provider
	root    string
	level   scene.Level
	sensors []scene.Sensor
}

func (l *archiveLister) List(ctx context.Context) ([]discover.Entry, error) {
	var out []discover.Entry
	for _, s := range l.sensors {
		prefix := s.Name() + "/" + string(l.level) + "/"
		objs, err := provider.ListAll(ctx, l.prov, prefix)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			full := filepath.Join(l.root, filepath.FromSlash(o.Key))
			out = append(out, discover.Entry{
				Name: path.Base(o.Key),
				Path: o.Key,
				URL:  full,
				Size: o.Size,
			})
		}
	}
	return out, nil
}

// local discovers level files already in the archive.
func (p *Pipeline) local(ctx context.Context, level scene.Level) ([]discover.Candidate, error) {
	prov, err := file.New(file.Config{BaseDir: p.root})
	if err != nil {
		return nil, err
	}
	q := p.query()
	q.Levels = []scene.Level{level}
	res, err := discover.Discover(ctx, &archiveLister{prov: prov, root: p.root, level: level, sensors: q.Sensors}, nil, q)
	if err != nil {
		return nil, err
	}
	return res.Candidates, nil
}

func (p *Pipeline) query() discover.Query {
	begin, end, _ := p.m.DateRange()
	q := discover.Query{
		Sensors:    p.m.SensorCodes(),
		Begin:      begin,
		End:        end,
		CutoffHour: p.m.CutoffHour(),
	}
	switch p.m.Daytime {
	case manifest.DaytimeDay:
		q.Day = true
	case manifest.DaytimeNight:
		q.Night = true
	}
	return q
}

// stepDates is the set of dates Expand selected.
func (p *Pipeline) stepDates() map[time.Time]bool {
	out := make(map[time.Time]bool)
	for _, k := range p.keys {
		out[k.Date] = true
	}
	return out
}
