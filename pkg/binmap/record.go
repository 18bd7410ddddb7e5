package binmap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// BinRecord is one row of level-3 bin data.
type BinRecord struct {
	// Index is the global bin number in the sensor's binning scheme.
	Index   int64
	Value   float64
	Quality uint8
	Flags   uint32
}

// csvHeader is written by EncodeCSV and skipped by DecodeCSV.
var csvHeader = []string{"bin", "value", "quality", "flags"}

// DecodeCSV reads "bin,value,quality,flags" rows. A header row is optional.
// Flags may be decimal or 0x-prefixed hex. Lines that do not parse are
// skipped and counted in Diagnostics.MalformedLines.
func DecodeCSV(r io.Reader) ([]BinRecord, Diagnostics, error) {
	return DecodeCSVColumn(r, "")
}

// DecodeCSVColumn reads one value column of a multi-product bin file whose
// header names the columns, e.g. "bin,Rrs_443,Rrs_555,quality,flags". The
// "value" column is used when column is empty or absent from the header.
// Files without a header are read positionally as bin,value,quality,flags.
func DecodeCSVColumn(r io.Reader, column string) ([]BinRecord, Diagnostics, error) {
	var diag Diagnostics
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.ReuseRecord = true

	cols := columns{bin: 0, value: 1, quality: 2, flags: 3, width: 4}
	var out []BinRecord
	for line := 0; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			diag.MalformedLines++
			continue
		}
		if err != nil {
			return nil, diag, fmt.Errorf("read bin records: %w", err)
		}
		if line == 0 && isHeader(row) {
			if cols, err = headerColumns(row, column); err != nil {
				return nil, diag, err
			}
			continue
		}
		rec, err := cols.parse(row)
		if err != nil {
			diag.MalformedLines++
			continue
		}
		out = append(out, rec)
	}
	return out, diag, nil
}

// isHeader reports whether row names the columns, in any order.
func isHeader(row []string) bool {
	return slices.ContainsFunc(row, func(f string) bool { return strings.TrimSpace(f) == csvHeader[0] })
}

// columns locates the fields of a row.
type columns struct {
	bin, value, quality, flags int
	width                      int
}

func headerColumns(header []string, column string) (columns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	c := columns{width: len(header)}
	var ok bool
	if c.bin, ok = idx[csvHeader[0]]; !ok {
		return columns{}, fmt.Errorf("bin records have no %q column", csvHeader[0])
	}
	if c.value, ok = idx[column]; column == "" || !ok {
		if c.value, ok = idx[csvHeader[1]]; !ok {
			return columns{}, fmt.Errorf("bin records have no %q column", column)
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{{csvHeader[2], &c.quality}, {csvHeader[3], &c.flags}} {
		if *f.dst, ok = idx[f.name]; !ok {
			return columns{}, fmt.Errorf("bin records have no %q column", f.name)
		}
	}
	return c, nil
}

func (c columns) parse(row []string) (BinRecord, error) {
	if len(row) != c.width {
		return BinRecord{}, fmt.Errorf("want %d fields, got %d", c.width, len(row))
	}
	idx, err := strconv.ParseInt(strings.TrimSpace(row[c.bin]), 10, 64)
	if err != nil {
		return BinRecord{}, err
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(row[c.value]), 64)
	if err != nil {
		return BinRecord{}, err
	}
	q, err := strconv.ParseUint(strings.TrimSpace(row[c.quality]), 10, 8)
	if err != nil {
		return BinRecord{}, err
	}
	flags, err := strconv.ParseUint(strings.TrimSpace(row[c.flags]), 0, 32)
	if err != nil {
		return BinRecord{}, err
	}
	return BinRecord{Index: idx, Value: val, Quality: uint8(q), Flags: uint32(flags)}, nil
}

// EncodeCSV writes records with a header row. Flags are written in hex.
func EncodeCSV(w io.Writer, records []BinRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		err := cw.Write([]string{
			strconv.FormatInt(r.Index, 10),
			strconv.FormatFloat(r.Value, 'g', -1, 64),
			strconv.FormatUint(uint64(r.Quality), 10),
			"0x" + strconv.FormatUint(uint64(r.Flags), 16),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
