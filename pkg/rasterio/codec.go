// Package rasterio persists rasters in the .grd container and hands them to
// sinks (local files, object stores).
//
// A .grd file is the 8-byte magic "OCGRID1\n", a little-endian uint32 header
// length, a JSON header, then Width*Height little-endian float32 samples,
// row 0 first. The payload is gzip-compressed when the header says so.
package rasterio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/3leaps/oceangrid/pkg/grid"
)

// Magic opens every .grd file.
const Magic = "OCGRID1\n"

// Ext is the file extension of the container.
const Ext = ".grd"

const maxHeader = 16 << 20

// MaxSamples bounds the grid size Decode accepts (1 GiB of float32).
const MaxSamples = 1 << 28

// ErrNotGrd is returned when the input does not start with Magic.
var ErrNotGrd = errors.New("not a .grd raster")

// Compression names accepted in Options and headers.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Options control encoding.
type Options struct {
	// Compression is "gzip" or "none" (default).
	Compression string
	// Level is the gzip level; zero selects gzip.DefaultCompression.
	Level int
}

type header struct {
	Grid        grid.GridSpec     `json:"grid"`
	NoData      float32           `json:"nodata"`
	DType       string            `json:"dtype"`
	Compression string            `json:"compression"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Encode writes r to w.
func Encode(w io.Writer, r *grid.Raster, opts Options) error {
	if err := r.Validate(); err != nil {
		return err
	}
	comp := opts.Compression
	if comp == "" {
		comp = CompressionNone
	}
	if comp != CompressionNone && comp != CompressionGzip {
		return fmt.Errorf("unsupported compression %q", comp)
	}
	hdr, err := json.Marshal(header{Grid: r.Spec, NoData: r.NoData, DType: "float32", Compression: comp, Tags: r.Tags})
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(hdr))); err != nil {
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	if comp == CompressionGzip {
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(bw, level)
		if err != nil {
			return err
		}
		if err := binary.Write(zw, binary.LittleEndian, r.Data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if err := binary.Write(bw, binary.LittleEndian, r.Data); err != nil {
		return err
	}
	return bw.Flush()
}

// Decode reads one raster from rd.
func Decode(rd io.Reader) (*grid.Raster, error) {
	br := bufio.NewReader(rd)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, []byte(Magic)) {
		return nil, ErrNotGrd
	}
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n > maxHeader {
		return nil, fmt.Errorf("header length %d exceeds limit", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.DType != "float32" {
		return nil, fmt.Errorf("unsupported dtype %q", h.DType)
	}
	if err := h.Grid.Validate(); err != nil {
		return nil, err
	}

	var payload io.Reader = br
	switch h.Compression {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		defer func() { _ = zr.Close() }()
		payload = zr
	case CompressionNone, "":
	default:
		return nil, fmt.Errorf("unsupported compression %q", h.Compression)
	}

	samples := int64(h.Grid.Width) * int64(h.Grid.Height)
	if samples > MaxSamples {
		return nil, fmt.Errorf("grid of %dx%d exceeds %d samples", h.Grid.Width, h.Grid.Height, MaxSamples)
	}
	// Buffer what the payload actually holds before sizing the raster.
	raw, err := io.ReadAll(io.LimitReader(payload, samples*4))
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	if int64(len(raw)) != samples*4 {
		return nil, fmt.Errorf("read samples: payload holds %d bytes, header declares %d samples", len(raw), samples)
	}
	r := &grid.Raster{Spec: h.Grid, NoData: h.NoData, Tags: h.Tags, Data: make([]float32, samples)}
	for i := range r.Data {
		r.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return r, nil
}

// ReadFile decodes the raster at path.
func ReadFile(path string) (*grid.Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	r, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// WriteFile encodes r to path through a temporary file in the same
// directory, so readers never see a partial raster.
func WriteFile(path string, r *grid.Raster, opts Options) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".oceangrid-grd-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Encode(tmp, r, opts); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
