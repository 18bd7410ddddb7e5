//go:build cloudintegration

package s3_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/provider"
	"github.com/3leaps/oceangrid/pkg/provider/s3"
	"github.com/3leaps/oceangrid/test/cloudtest"
)

func TestProvider_ListAndGet_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObjects(t, ctx, bucket, []string{
		"aqua/L1A/2016/032/A2016032184500.L1A_LAC",
		"aqua/L1A/2016/033/A2016033175500.L1A_LAC",
		"terra/L1A/2016/032/T2016032153000.L1A_LAC",
	})

	p, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)
	defer p.Close()

	all, err := provider.ListAll(ctx, p, "aqua/")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	page, err := p.List(ctx, provider.ListOptions{MaxKeys: 1})
	require.NoError(t, err)
	assert.Len(t, page.Objects, 1)
	assert.True(t, page.IsTruncated)

	body, size, err := p.GetObject(ctx, "aqua/L1A/2016/032/A2016032184500.L1A_LAC")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	_, err = p.Head(ctx, "aqua/L1A/2016/999/missing")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_PutObject_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)
	defer p.Close()

	payload := []byte("raster bytes")
	require.NoError(t, p.PutObject(ctx, "aqua/L3m/DAY/x.grd", bytes.NewReader(payload), int64(len(payload))))

	meta, err := p.Head(ctx, "aqua/L3m/DAY/x.grd")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), meta.Size)

	_, err = p.Head(ctx, "aqua/L3m/DAY/missing.grd")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p, err := s3.New(ctx, cloudtest.ProviderConfig("oceangrid-missing-bucket"))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.List(ctx, provider.ListOptions{})
	assert.ErrorIs(t, err, provider.ErrBucketNotFound)
}
