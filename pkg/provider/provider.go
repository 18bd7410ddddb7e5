// Package provider abstracts the object stores the pipeline reads products
// from and publishes rasters to.
//
// A store is addressed by keys relative to a root (an S3 bucket, a local
// directory, an HTTP base URL). Implementations keep a small surface area:
// listing and metadata on Provider, and optional capabilities for reading,
// writing and deleting discovered through type assertion.
package provider

import (
	"context"
	"time"
)

// Provider lists and inspects objects in a store. Implementations must be
// safe for concurrent use.
type Provider interface {
	// List returns one page of objects under opts.Prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for key, or an error wrapping ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

// ListOptions configures a List call.
type ListOptions struct {
	Prefix string

	// ContinuationToken resumes after a previous truncated page.
	ContinuationToken string

	// MaxKeys bounds the page size; zero uses the provider default.
	MaxKeys int
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects           []ObjectSummary
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary is the per-object data returned by List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta is the full metadata returned by Head.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a store backend.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
	ProviderHTTP ProviderType = "http"
)

func (p ProviderType) String() string {
	return string(p)
}

// ListAll drains every page under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		out   []ObjectSummary
		token string
	)
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return out, err
		}
		out = append(out, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			return out, nil
		}
		token = res.ContinuationToken
	}
}
