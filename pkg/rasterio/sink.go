package rasterio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/provider"
)

// Sink persists rasters under archive-relative names such as
// "aqua/L3m/8DAY/2016/001/A2016001.L3m_8DAY_CHL_chlor_a_2km.grd".
type Sink interface {
	// Put stores r and returns where it went.
	Put(ctx context.Context, name string, r *grid.Raster) (string, error)
}

// FileSink writes under a local root directory.
type FileSink struct {
	Root    string
	Options Options
}

func (s *FileSink) Put(ctx context.Context, name string, r *grid.Raster) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.Path(name)
	if err != nil {
		return "", err
	}
	if err := WriteFile(p, r, s.Options); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}

// Path resolves name under Root, refusing names that escape it.
func (s *FileSink) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("raster name %q escapes sink root", name)
	}
	return filepath.Join(s.Root, clean), nil
}

// ObjectSink uploads encoded rasters through an object store.
type ObjectSink struct {
	Putter provider.ObjectPutter
	// Prefix is prepended to every object key.
	Prefix string
	// URL renders the returned location; defaults to the key.
	URL     func(key string) string
	Options Options
}

func (s *ObjectSink) Put(ctx context.Context, name string, r *grid.Raster) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r, s.Options); err != nil {
		return "", err
	}
	key := path.Join(s.Prefix, name)
	size := int64(buf.Len())
	if err := s.Putter.PutObject(ctx, key, &buf, size); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if s.URL != nil {
		return s.URL(key), nil
	}
	return key, nil
}

// MultiSink writes to every sink in order and returns the first sink's
// location. All sinks are attempted even when one fails.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, name string, r *grid.Raster) (string, error) {
	if len(m) == 0 {
		return "", errors.New("no raster sinks configured")
	}
	var (
		first string
		errs  []error
	)
	for i, s := range m {
		loc, err := s.Put(ctx, name, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			first = loc
		}
	}
	return first, errors.Join(errs...)
}
