package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/provider"
	"github.com/3leaps/oceangrid/pkg/provider/file"
)

const payload = "granule-bytes-0123456789"

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f := New(cfg)
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

// flakyServer fails the first n requests with status, then serves payload.
func flakyServer(t *testing.T, n int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= n {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	for _, n := range []int32{0, 1, 3} {
		t.Run(strconv.Itoa(int(n)), func(t *testing.T) {
			srv, hits := flakyServer(t, n, http.StatusServiceUnavailable)
			dest := filepath.Join(t.TempDir(), "A2016032184500.L1A_LAC")

			out := newTestFetcher(t, Config{MaxAttempts: 5}).Fetch(context.Background(), Request{URL: srv.URL + "/x", Destination: dest})

			require.NoError(t, out.Err)
			assert.Equal(t, StatusSuccess, out.Status)
			assert.Equal(t, int(n)+1, out.Attempts)
			assert.Equal(t, n+1, hits.Load())
			assert.Equal(t, int64(len(payload)), out.Bytes)

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, payload, string(data))
			assert.NoFileExists(t, dest+".part")
		})
	}
}

func TestFetch_ExhaustsAttempts(t *testing.T) {
	srv, hits := flakyServer(t, 100, http.StatusBadGateway)
	dest := filepath.Join(t.TempDir(), "f")

	out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest, MaxAttempts: 3})

	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, pipeerr.IsTransient(out.Err))
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestFetch_PermanentFailureIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv, hits := flakyServer(t, 100, status)
			out := newTestFetcher(t, Config{MaxAttempts: 5}).Fetch(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "f")})

			assert.Equal(t, StatusFailure, out.Status)
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, int32(1), hits.Load())
			assert.True(t, pipeerr.IsPermanent(out.Err))
		})
	}
}

func TestFetch_ChecksumMismatchRetriesThenFails(t *testing.T) {
	srv, hits := flakyServer(t, 0, http.StatusOK)
	dest := filepath.Join(t.TempDir(), "f")

	out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{
		URL:         srv.URL,
		Destination: dest,
		MaxAttempts: 2,
		Checksum:    "sha256:" + sha("something else"),
	})

	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, pipeerr.IsIntegrity(out.Err))
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestFetch_ChecksumAndSizeVerified(t *testing.T) {
	srv, _ := flakyServer(t, 0, http.StatusOK)
	dest := filepath.Join(t.TempDir(), "nested", "dir", "f")

	out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{
		URL:          srv.URL,
		Destination:  dest,
		ExpectedSize: int64(len(payload)),
		Checksum:     sha(payload),
	})
	require.NoError(t, out.Err)
	assert.FileExists(t, dest)
}

func TestFetch_SizeMismatch(t *testing.T) {
	srv, _ := flakyServer(t, 0, http.StatusOK)
	out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{
		URL:          srv.URL,
		Destination:  filepath.Join(t.TempDir(), "f"),
		ExpectedSize: 3,
		MaxAttempts:  1,
	})
	var integ *pipeerr.DataIntegrityError
	require.ErrorAs(t, out.Err, &integ)
	assert.Equal(t, "size", integ.Kind)
}

func TestFetch_AttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{
		URL:         srv.URL,
		Destination: filepath.Join(t.TempDir(), "f"),
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts, "stalled attempt is abandoned and counted")
}

func TestFetch_ExistingDestination(t *testing.T) {
	srv, hits := flakyServer(t, 0, http.StatusOK)
	dir := t.TempDir()

	t.Run("valid checksum skips", func(t *testing.T) {
		dest := filepath.Join(dir, "valid")
		require.NoError(t, os.WriteFile(dest, []byte(payload), 0o644))
		out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest, Checksum: sha(payload)})
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, "verified", out.Reason)
		assert.True(t, out.OK())
		assert.Equal(t, 0, out.Attempts)
	})

	t.Run("uncheckable skips", func(t *testing.T) {
		dest := filepath.Join(dir, "unknown")
		require.NoError(t, os.WriteFile(dest, []byte("anything"), 0o644))
		out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest})
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, "exists", out.Reason)
	})

	t.Run("corrupt file is replaced", func(t *testing.T) {
		dest := filepath.Join(dir, "corrupt")
		require.NoError(t, os.WriteFile(dest, []byte("truncated"), 0o644))
		out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest, ExpectedSize: int64(len(payload))})
		assert.Equal(t, StatusSuccess, out.Status)
		data, _ := os.ReadFile(dest)
		assert.Equal(t, payload, string(data))
	})

	t.Run("remote size verification", func(t *testing.T) {
		dest := filepath.Join(dir, "remote")
		require.NoError(t, os.WriteFile(dest, []byte("short"), 0o644))
		out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest, VerifyRemote: true})
		assert.Equal(t, StatusSuccess, out.Status)
	})

	t.Run("overwrite forces download", func(t *testing.T) {
		dest := filepath.Join(dir, "overwrite")
		require.NoError(t, os.WriteFile(dest, []byte(payload), 0o644))
		before := hits.Load()
		out := newTestFetcher(t, Config{}).Fetch(context.Background(), Request{URL: srv.URL, Destination: dest, Overwrite: true})
		assert.Equal(t, StatusSuccess, out.Status)
		assert.Equal(t, before+1, hits.Load())
	})
}

func TestFetch_InvalidRequests(t *testing.T) {
	f := newTestFetcher(t, Config{})
	dest := filepath.Join(t.TempDir(), "f")

	out := f.Fetch(context.Background(), Request{URL: "gopher://x/y", Destination: dest})
	assert.True(t, pipeerr.IsPermanent(out.Err))
	assert.Equal(t, 0, out.Attempts)

	out = f.Fetch(context.Background(), Request{URL: "https://x/y", Destination: dest, Checksum: "crc32:abcd"})
	assert.True(t, pipeerr.IsPermanent(out.Err))

	out = f.Fetch(context.Background(), Request{URL: "https://x/y"})
	assert.Equal(t, StatusFailure, out.Status)
}

func TestFetch_CanceledContextStopsRetries(t *testing.T) {
	srv, hits := flakyServer(t, 100, http.StatusInternalServerError)
	ctx, cancel := context.WithCancel(context.Background())
	f := New(Config{Backoff: Backoff{Initial: time.Hour}})
	go func() {
		for hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	out := f.Fetch(ctx, Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "f"), MaxAttempts: 5})
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestFetch_ProviderSource(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "in"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "in", "granule"), []byte(payload), 0o644))

	f := newTestFetcher(t, Config{})
	f.Register("file", &ProviderSource{
		Factory: func(context.Context, *url.URL) (provider.Provider, error) {
			return file.New(file.Config{BaseDir: "/"})
		},
	})

	dest := filepath.Join(t.TempDir(), "out")
	out := f.Fetch(ctx, Request{URL: "file://" + filepath.ToSlash(filepath.Join(root, "in", "granule")), Destination: dest})
	require.NoError(t, out.Err)
	assert.Equal(t, int64(len(payload)), out.Bytes)

	missing := f.Fetch(ctx, Request{URL: "file://" + filepath.ToSlash(filepath.Join(root, "nope")), Destination: dest + "2"})
	assert.Equal(t, pipeerr.CodeNotFound, pipeerr.Code(missing.Err))
	assert.Equal(t, 1, missing.Attempts)
}

// countingProvider stands in for a bucket client.
type countingProvider struct {
	provider.Provider
	closed atomic.Bool
}

func (c *countingProvider) Close() error {
	c.closed.Store(true)
	return nil
}

func TestProviderSource_FactoryRunsOutsideLock(t *testing.T) {
	release := make(chan struct{})
	var builds atomic.Int32
	src := &ProviderSource{
		Factory: func(_ context.Context, u *url.URL) (provider.Provider, error) {
			builds.Add(1)
			if u.Host == "slow-bucket" {
				<-release
			}
			return &countingProvider{}, nil
		},
	}
	slow, _ := url.Parse("s3://slow-bucket/L1A/A2016001180000.L1A_LAC")
	fast, _ := url.Parse("s3://fast-bucket/L1A/A2016001180000.L1A_LAC")

	const waiters = 4
	results := make(chan provider.Provider, waiters)
	for range waiters {
		go func() {
			p, _, err := src.resolve(context.Background(), slow)
			assert.NoError(t, err)
			results <- p
		}()
	}
	require.Eventually(t, func() bool { return builds.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// another bucket resolves while the slow build is in flight
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, key, err := src.resolve(context.Background(), fast)
		assert.NoError(t, err)
		assert.Equal(t, "L1A/A2016001180000.L1A_LAC", key)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolve blocked behind another host's factory")
	}

	close(release)
	first := <-results
	for range waiters - 1 {
		assert.Same(t, first, <-results)
	}
	assert.Equal(t, int32(2), builds.Load())

	require.NoError(t, src.Close())
	assert.True(t, first.(*countingProvider).closed.Load())
}

func TestProviderSource_FactoryError(t *testing.T) {
	src := &ProviderSource{Factory: func(context.Context, *url.URL) (provider.Provider, error) {
		return nil, assert.AnError
	}}
	u, _ := url.Parse("s3://bucket/key")
	_, _, err := src.resolve(context.Background(), u)
	assert.True(t, pipeerr.IsPermanent(err))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFetchAll_PreservesOrder(t *testing.T) {
	srv, _ := flakyServer(t, 0, http.StatusOK)
	dir := t.TempDir()
	reqs := []Request{
		{URL: srv.URL + "/a", Destination: filepath.Join(dir, "a")},
		{URL: "gopher://nope", Destination: filepath.Join(dir, "b")},
		{URL: srv.URL + "/c", Destination: filepath.Join(dir, "c")},
	}
	outs := newTestFetcher(t, Config{}).FetchAll(context.Background(), reqs, 2)
	require.Len(t, outs, 3)
	assert.Equal(t, StatusSuccess, outs[0].Status)
	assert.Equal(t, StatusFailure, outs[1].Status)
	assert.Equal(t, filepath.Join(dir, "c"), outs[2].Path)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))

	jittered := Backoff{Initial: time.Second, Multiplier: 1, Jitter: 0.5}
	assert.Equal(t, 500*time.Millisecond, jittered.delay(1, func() float64 { return 1 }))
	for i := 0; i < 50; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestParseChecksum(t *testing.T) {
	c, err := ParseChecksum(sha("x"))
	require.NoError(t, err)
	assert.Equal(t, "sha256", c.Algo)

	c, err = ParseChecksum("MD5:D41D8CD98F00B204E9800998ECF8427E")
	require.NoError(t, err)
	assert.Equal(t, "md5:d41d8cd98f00b204e9800998ecf8427e", c.String())

	_, err = ParseChecksum("sha1:abc")
	assert.Error(t, err)

	c, err = ParseChecksum("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestParseDigestHeader(t *testing.T) {
	// sha256 of the empty string, base64 encoded.
	c := parseDigestHeader("md5=bogus, SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=")
	assert.Equal(t, "sha256", c.Algo)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", c.Hex)
}
