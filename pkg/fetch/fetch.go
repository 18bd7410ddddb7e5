// Package fetch transfers remote granules to local files with bounded,
// classified retries.
//
// A Fetcher never returns an error from Fetch: every call ends in an
// Outcome whose Err carries the last classified failure. Transfers spool
// to "<destination>.part" and are renamed into place only after size and
// checksum verification, so a destination path either holds a verified
// file or nothing.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// Status is the terminal state of a fetch.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusSkipped means the destination already held the object and no
	// transfer took place. It counts as a success.
	StatusSkipped Status = "skipped"
	StatusFailure Status = "failure"
)

// Request describes a single transfer.
type Request struct {
	URL         string
	Destination string

	// MaxAttempts and Timeout override the Fetcher defaults when positive.
	MaxAttempts int
	Timeout     time.Duration

	// ExpectedSize is checked when positive.
	ExpectedSize int64
	// Checksum is "<algo>:<hex>" (sha256, sha1, md5) or bare sha256 hex.
	Checksum string

	// Overwrite re-downloads even when a valid destination exists.
	Overwrite bool
	// VerifyRemote asks the source for size/checksum metadata before
	// deciding an existing destination is valid.
	VerifyRemote bool
}

// Outcome is the result of Fetch.
type Outcome struct {
	Status   Status
	Path     string
	Attempts int
	Bytes    int64
	Duration time.Duration
	// Reason explains a skip ("exists", "verified").
	Reason string
	Err    error
}

// OK reports whether the destination holds the object.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusSkipped
}

// Observer receives every terminal outcome; used for metrics.
type Observer interface {
	ObserveFetch(scheme string, out Outcome)
}

// Config holds Fetcher defaults.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     Backoff

	// RateLimit bounds attempts per second across all callers. Zero is
	// unlimited.
	RateLimit float64

	Logger   *zap.Logger
	Observer Observer
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Timeout:     5 * time.Minute,
		Backoff:     DefaultBackoff(),
	}
}

// Fetcher dispatches requests to Sources by URL scheme.
type Fetcher struct {
	cfg     Config
	log     *zap.Logger
	sources map[string]Source
	limiter *rate.Limiter

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	attempts    atomic.Int64
	transferred atomic.Int64
}

// New creates a Fetcher with an http/https source registered. Register
// adds s3 and file sources.
func New(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = def.Backoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	f := &Fetcher{
		cfg:     cfg,
		log:     cfg.Logger,
		sources: make(map[string]Source),
		sleep:   sleep,
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	httpSrc := &HTTPSource{}
	f.sources["http"] = httpSrc
	f.sources["https"] = httpSrc
	return f
}

// Register binds a Source to a URL scheme, replacing any previous one.
// It must be called before the Fetcher is shared.
func (f *Fetcher) Register(scheme string, src Source) {
	f.sources[scheme] = src
}

// Stats returns the number of attempts made and bytes written so far.
func (f *Fetcher) Stats() (attempts, bytes int64) {
	return f.attempts.Load(), f.transferred.Load()
}

// Stat asks the URL's source for remote metadata.
func (f *Fetcher) Stat(ctx context.Context, rawURL string) (Remote, error) {
	u, src, err := f.resolve(rawURL)
	if err != nil {
		return Remote{Size: -1}, err
	}
	return src.Stat(ctx, u)
}

// Fetch performs req. It never panics and never returns an error; see
// Outcome.Err.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	out.Path = req.Destination
	scheme := ""
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailure
			out.Err = fmt.Errorf("fetch %s: panic: %v", req.URL, r)
		}
		out.Duration = time.Since(start)
		if f.cfg.Observer != nil {
			f.cfg.Observer.ObserveFetch(scheme, out)
		}
	}()

	fail := func(err error) Outcome {
		out.Status = StatusFailure
		out.Err = err
		return out
	}

	if req.Destination == "" {
		return fail(&pipeerr.PermanentRequestError{Op: "fetch", URL: req.URL, Err: errors.New("destination is required")})
	}
	u, src, err := f.resolve(req.URL)
	if err != nil {
		return fail(err)
	}
	scheme = u.Scheme

	want, err := ParseChecksum(req.Checksum)
	if err != nil {
		return fail(&pipeerr.PermanentRequestError{Op: "fetch", URL: req.URL, Err: err})
	}
	exp := expectation{size: req.ExpectedSize, sum: want}

	if !req.Overwrite {
		if reason, ok := f.existing(ctx, src, u, req, &exp); ok {
			out.Status = StatusSkipped
			out.Reason = reason
			if st, err := os.Stat(req.Destination); err == nil {
				out.Bytes = st.Size()
			}
			return out
		}
	}

	maxAttempts := f.cfg.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}
	timeout := f.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	log := f.log.With(zap.String("url", req.URL), zap.String("dest", req.Destination))
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.cfg.Backoff.Delay(attempt - 1)
			if err := f.sleep(ctx, delay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		out.Attempts = attempt
		f.attempts.Add(1)
		n, err := f.attempt(ctx, src, u, req.Destination, timeout, exp)
		if err == nil {
			f.transferred.Add(n)
			out.Status = StatusSuccess
			out.Bytes = n
			if attempt > 1 {
				log.Info("Fetch succeeded after retry", zap.Int("attempt", attempt))
			}
			return out
		}
		lastErr = err

		if ctx.Err() != nil || !pipeerr.IsTransient(err) {
			break
		}
		log.Warn("Fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("code", pipeerr.Code(err)),
			zap.Error(err))
	}

	if err := ctx.Err(); err != nil && !errors.Is(lastErr, err) {
		lastErr = errors.Join(lastErr, err)
	}
	log.Error("Fetch failed",
		zap.Int("attempts", out.Attempts),
		zap.String("code", pipeerr.Code(lastErr)),
		zap.Error(lastErr))
	return fail(lastErr)
}

// FetchAll runs requests with at most workers in flight. Outcomes are
// returned in request order.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request, workers int) []Outcome {
	if workers <= 0 {
		workers = 1
	}
	out := make([]Outcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range reqs {
		g.Go(func() error {
			out[i] = f.Fetch(gctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (f *Fetcher) resolve(rawURL string) (*url.URL, Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, &pipeerr.PermanentRequestError{Op: "fetch", URL: rawURL, Err: err}
	}
	src, ok := f.sources[u.Scheme]
	if !ok {
		return nil, nil, &pipeerr.PermanentRequestError{Op: "fetch", URL: rawURL, Err: fmt.Errorf("no source registered for scheme %q", u.Scheme)}
	}
	return u, src, nil
}

// existing decides whether a present destination can be kept. A
// destination that fails verification is removed.
func (f *Fetcher) existing(ctx context.Context, src Source, u *url.URL, req Request, exp *expectation) (string, bool) {
	st, err := os.Stat(req.Destination)
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	if !exp.checkable() && req.VerifyRemote {
		if remote, err := src.Stat(ctx, u); err == nil {
			exp.merge(remote)
		} else {
			f.log.Debug("Remote stat failed, keeping unverified file", zap.String("url", req.URL), zap.Error(err))
		}
	}
	if !exp.checkable() {
		return "exists", true
	}
	if err := exp.verifyFile(req.Destination); err != nil {
		f.log.Info("Existing file failed verification, re-fetching",
			zap.String("dest", req.Destination), zap.Error(err))
		_ = os.Remove(req.Destination)
		return "", false
	}
	return "verified", true
}

func (f *Fetcher) attempt(ctx context.Context, src Source, u *url.URL, dest string, timeout time.Duration, exp expectation) (int64, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := src.Open(actx, u)
	if err != nil {
		return 0, timeoutAware(actx, "open", u.String(), err)
	}
	defer func() { _ = body.Close() }()

	exp.merge(body.Remote)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	part := dest + ".part"
	file, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = file.Close()
			_ = os.Remove(part)
		}
	}()

	var w io.Writer = file
	h := exp.sum.newHash()
	if !exp.sum.IsZero() {
		w = io.MultiWriter(file, h)
	}
	n, err := io.Copy(w, &ctxReader{ctx: actx, r: body})
	if err != nil {
		return n, timeoutAware(actx, "read", u.String(), &pipeerr.TransientIOError{Op: "read", URL: u.String(), Err: err})
	}
	if err := file.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", part, err)
	}
	if err := exp.verifyStream(dest, n, h); err != nil {
		return n, err
	}
	if err := os.Rename(part, dest); err != nil {
		return n, fmt.Errorf("commit %s: %w", dest, err)
	}
	keep = true
	return n, nil
}

// timeoutAware rewrites failures caused by the attempt deadline as a
// transient timeout, whatever the source reported.
func timeoutAware(actx context.Context, op, rawURL string, err error) error {
	if errors.Is(actx.Err(), context.DeadlineExceeded) && !pipeerr.IsPermanent(err) {
		return &pipeerr.TransientIOError{Op: op, URL: rawURL, Err: fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded)}
	}
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type expectation struct {
	size int64
	sum  Checksum
}

func (e expectation) checkable() bool {
	return e.size > 0 || !e.sum.IsZero()
}

// merge fills unset expectations from remote metadata.
func (e *expectation) merge(r Remote) {
	if e.size <= 0 && r.Size > 0 {
		e.size = r.Size
	}
	if e.sum.IsZero() && !r.Checksum.IsZero() {
		e.sum = r.Checksum
	}
}

func (e expectation) verifyStream(path string, n int64, h interface{ Sum([]byte) []byte }) error {
	if e.size > 0 && n != e.size {
		return &pipeerr.DataIntegrityError{Path: path, Kind: "size", Expected: strconv.FormatInt(e.size, 10), Got: strconv.FormatInt(n, 10)}
	}
	if !e.sum.IsZero() {
		got := fmt.Sprintf("%x", h.Sum(nil))
		if got != e.sum.Hex {
			return &pipeerr.DataIntegrityError{Path: path, Kind: e.sum.Algo, Expected: e.sum.Hex, Got: got}
		}
	}
	return nil
}

func (e expectation) verifyFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if e.size > 0 && st.Size() != e.size {
		return &pipeerr.DataIntegrityError{Path: path, Kind: "size", Expected: strconv.FormatInt(e.size, 10), Got: strconv.FormatInt(st.Size(), 10)}
	}
	if !e.sum.IsZero() {
		got, err := e.sum.hashFile(path)
		if err != nil {
			return err
		}
		if got != e.sum.Hex {
			return &pipeerr.DataIntegrityError{Path: path, Kind: e.sum.Algo, Expected: e.sum.Hex, Got: got}
		}
	}
	return nil
}
