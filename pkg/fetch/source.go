package fetch

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/provider"
)

// Remote describes an object as reported by its source. Size is -1 and
// Checksum zero when unknown.
type Remote struct {
	Size     int64
	Checksum Checksum
}

// Body is an open transfer stream plus whatever metadata came with it.
type Body struct {
	io.ReadCloser
	Remote
}

// Source opens URLs of one scheme. Errors must be classified as
// *pipeerr.TransientIOError or *pipeerr.PermanentRequestError.
type Source interface {
	Open(ctx context.Context, u *url.URL) (*Body, error)
	Stat(ctx context.Context, u *url.URL) (Remote, error)
}

// HTTPSource fetches http and https URLs.
type HTTPSource struct {
	Client *http.Client
	// Header is added to every request (user agent, app keys).
	Header http.Header
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) do(ctx context.Context, method string, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, &pipeerr.PermanentRequestError{Op: method, URL: u.String(), Err: err}
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, classifyNetError(method, u.String(), err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return nil, classifyStatus(method, u.String(), resp.StatusCode)
}

func (s *HTTPSource) Open(ctx context.Context, u *url.URL) (*Body, error) {
	resp, err := s.do(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	return &Body{ReadCloser: resp.Body, Remote: remoteFromHeader(resp)}, nil
}

func (s *HTTPSource) Stat(ctx context.Context, u *url.URL) (Remote, error) {
	resp, err := s.do(ctx, http.MethodHead, u)
	if err != nil {
		return Remote{Size: -1}, err
	}
	_ = resp.Body.Close()
	return remoteFromHeader(resp), nil
}

func remoteFromHeader(resp *http.Response) Remote {
	r := Remote{Size: resp.ContentLength}
	if resp.Header.Get("Content-Encoding") != "" {
		// Transport decompression makes the declared length meaningless.
		r.Size = -1
	}
	if v := resp.Header.Get("X-Checksum-Sha256"); v != "" {
		if c, err := ParseChecksum("sha256:" + v); err == nil {
			r.Checksum = c
		}
	}
	if r.Checksum.IsZero() {
		r.Checksum = parseDigestHeader(resp.Header.Get("Digest"))
	}
	return r
}

// parseDigestHeader reads RFC 3230 "sha-256=<base64>" values.
func parseDigestHeader(v string) Checksum {
	for _, part := range strings.Split(v, ",") {
		algo, enc, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		if c, err := ParseChecksum(algo + ":" + hex.EncodeToString(raw)); err == nil {
			return c
		}
	}
	return Checksum{}
}

// classifyStatus splits HTTP failures: 5xx, 408 and 429 are transient,
// every other status is a permanent refusal.
func classifyStatus(op, rawURL string, code int) error {
	err := fmt.Errorf("%d %s", code, http.StatusText(code))
	if code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return &pipeerr.TransientIOError{Op: op, URL: rawURL, Err: err}
	}
	return &pipeerr.PermanentRequestError{Op: op, URL: rawURL, StatusCode: code, Err: err}
}

func classifyNetError(op, rawURL string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && strings.Contains(uerr.Err.Error(), "unsupported protocol scheme") {
		return &pipeerr.PermanentRequestError{Op: op, URL: rawURL, Err: err}
	}
	return &pipeerr.TransientIOError{Op: op, URL: rawURL, Err: err}
}

// ProviderSource adapts a provider.ObjectGetter family to a scheme. For
// "s3" URLs the host is the bucket; for "file" URLs the path is absolute.
type ProviderSource struct {
	// Factory builds the provider for a URL host. Results are cached per
	// host.
	Factory func(ctx context.Context, u *url.URL) (provider.Provider, error)
	// Key maps a URL to an object key; defaults to the URL path without
	// its leading slash.
	Key func(u *url.URL) string

	mu    sync.Mutex
	cache map[string]provider.Provider
	group singleflight.Group
}

func (s *ProviderSource) cached(host string) (provider.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache[host]
	return p, ok
}

// providerFor returns the cached provider for u's host, building it outside
// the lock. Concurrent first calls for one host share a single Factory
// call.
func (s *ProviderSource) providerFor(ctx context.Context, u *url.URL) (provider.Provider, error) {
	if p, ok := s.cached(u.Host); ok {
		return p, nil
	}
	v, err, _ := s.group.Do(u.Host, func() (any, error) {
		if p, ok := s.cached(u.Host); ok {
			return p, nil
		}
		p, err := s.Factory(ctx, u)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cache == nil {
			s.cache = make(map[string]provider.Provider)
		}
		if existing, ok := s.cache[u.Host]; ok {
			_ = p.Close()
			return existing, nil
		}
		s.cache[u.Host] = p
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(provider.Provider), nil
}

func (s *ProviderSource) resolve(ctx context.Context, u *url.URL) (provider.Provider, string, error) {
	p, err := s.providerFor(ctx, u)
	if err != nil {
		return nil, "", &pipeerr.PermanentRequestError{Op: "open", URL: u.String(), Err: err}
	}
	key := strings.TrimPrefix(u.Path, "/")
	if s.Key != nil {
		key = s.Key(u)
	}
	return p, key, nil
}

func (s *ProviderSource) Open(ctx context.Context, u *url.URL) (*Body, error) {
	p, key, err := s.resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	getter, ok := p.(provider.ObjectGetter)
	if !ok {
		return nil, &pipeerr.PermanentRequestError{Op: "get", URL: u.String(), Err: errors.New("provider cannot stream objects")}
	}
	rc, size, err := getter.GetObject(ctx, key)
	if err != nil {
		return nil, classifyProviderError("get", u.String(), err)
	}
	return &Body{ReadCloser: rc, Remote: Remote{Size: size}}, nil
}

func (s *ProviderSource) Stat(ctx context.Context, u *url.URL) (Remote, error) {
	p, key, err := s.resolve(ctx, u)
	if err != nil {
		return Remote{Size: -1}, err
	}
	meta, err := p.Head(ctx, key)
	if err != nil {
		return Remote{Size: -1}, classifyProviderError("head", u.String(), err)
	}
	return Remote{Size: meta.Size}, nil
}

// Close releases every cached provider.
func (s *ProviderSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range s.cache {
		errs = append(errs, p.Close())
	}
	s.cache = nil
	return errors.Join(errs...)
}

func classifyProviderError(op, rawURL string, err error) error {
	switch {
	case provider.IsNotFound(err), provider.IsBucketNotFound(err):
		return &pipeerr.PermanentRequestError{Op: op, URL: rawURL, StatusCode: http.StatusNotFound, Err: err}
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return &pipeerr.PermanentRequestError{Op: op, URL: rawURL, StatusCode: http.StatusForbidden, Err: err}
	}
	var perr *provider.ProviderError
	if errors.As(err, &perr) && perr.StatusCode >= 400 && perr.StatusCode < 500 &&
		perr.StatusCode != http.StatusRequestTimeout && perr.StatusCode != http.StatusTooManyRequests {
		return &pipeerr.PermanentRequestError{Op: op, URL: rawURL, StatusCode: perr.StatusCode, Err: err}
	}
	return &pipeerr.TransientIOError{Op: op, URL: rawURL, Err: err}
}
