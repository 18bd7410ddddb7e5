package manifest

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/binmap"
	"github.com/3leaps/oceangrid/pkg/binscheme"
	"github.com/3leaps/oceangrid/pkg/compose"
	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/scene"
)

// Check performs the semantic validation the schema cannot express. It
// expects ApplyDefaults to have run.
func (m *Manifest) Check() error {
	var errs ValidationErrors

	begin, errB := parseDate(m.Begin)
	if errB != nil {
		errs.add("/begin", "%v", errB)
	}
	end, errE := parseDate(m.End)
	if errE != nil {
		errs.add("/end", "%v", errE)
	}
	if errB == nil && errE == nil && end.Before(begin) {
		errs.add("/end", "end %s is before begin %s", m.End, m.Begin)
	}

	for i, s := range m.Sensors {
		if sn := scene.Sensor(s); !sn.Valid() || sn == scene.Combined {
			errs.add(fmt.Sprintf("/sensors/%d", i), "unknown sensor %q", s)
		}
	}
	for i, v := range m.Variables {
		if _, _, err := m.Suites(v); err != nil {
			errs.add(fmt.Sprintf("/variables/%d", i), "%v", err)
		}
	}

	if _, err := m.GridSpec(); err != nil {
		errs.add("/regrid", "%v", err)
	}
	if _, ok := binscheme.RowsFor(m.Regrid.BinResolution); !ok {
		errs.add("/regrid/bin_resolution", "unknown bin resolution %q", m.Regrid.BinResolution)
	}
	if _, err := binmap.ParseReducer(m.Regrid.Reducer); err != nil {
		errs.add("/regrid/reducer", "%v", err)
	}
	if _, err := binmap.ParseFlagMask(m.Regrid.FlagMask); err != nil {
		errs.add("/regrid/flag_mask", "%v", err)
	}
	for i, p := range m.Composite.Periods {
		if _, err := compose.ParsePeriod(p); err != nil {
			errs.add(fmt.Sprintf("/composite/periods/%d", i), "%v", err)
		}
	}
	if _, err := compose.ParseStatistic(m.Composite.Statistic); err != nil {
		errs.add("/composite/statistic", "%v", err)
	}

	if _, err := ParseDuration(m.Fetch.Timeout); err != nil {
		errs.add("/fetch/timeout", "%v", err)
	}
	if m.Stages.Download.IsEnabled() && m.Source.IndexURL == "" && m.Source.Location == "" {
		errs.add("/source", "download is enabled but neither index_url nor location is set")
	}
	for _, ext := range []struct {
		name string
		cfg  ExternalConfig
	}{{"process", m.Stages.Process}, {"bin", m.Stages.Bin}} {
		name, st := ext.name, ext.cfg
		if !st.IsEnabled() {
			continue
		}
		if strings.TrimSpace(st.Binary) == "" {
			errs.add("/stages/"+name+"/binary", "binary is required when the %s stage is enabled", name)
		}
		if _, err := ParseDuration(st.Timeout); err != nil {
			errs.add("/stages/"+name+"/timeout", "%v", err)
		}
	}
	return errs.err()
}

// DateRange returns the inclusive date range at midnight UTC.
func (m *Manifest) DateRange() (begin, end time.Time, err error) {
	if begin, err = parseDate(m.Begin); err != nil {
		return
	}
	end, err = parseDate(m.End)
	return
}

// SensorCodes returns the configured sensors.
func (m *Manifest) SensorCodes() []scene.Sensor {
	out := make([]scene.Sensor, len(m.Sensors))
	for i, s := range m.Sensors {
		out[i] = scene.Sensor(s)
	}
	return out
}

// Night reports whether night products are selected.
func (m *Manifest) Night() bool {
	return m.Daytime == DaytimeNight
}

// CutoffHour returns the day/night cut-off hour.
func (m *Manifest) CutoffHour() int {
	if m.DayCutoffHour == nil {
		return DefaultCutoffHour
	}
	return *m.DayCutoffHour
}

// Suites resolves a variable to its L3 and L2 product suites.
func (m *Manifest) Suites(variable string) (l3, l2 string, err error) {
	l3, ok := scene.SuiteForVariable(variable, m.Night())
	if !ok {
		return "", "", fmt.Errorf("no %s product suite for variable %q", m.daytimeLabel(), variable)
	}
	l2, ok = scene.L2SuiteFor(l3)
	if !ok {
		return "", "", fmt.Errorf("no L2 suite for L3 suite %s", l3)
	}
	return l3, l2, nil
}

func (m *Manifest) daytimeLabel() string {
	if m.Night() {
		return "night"
	}
	return "day"
}

// GridSpec derives the target grid.
func (m *Manifest) GridSpec() (grid.GridSpec, error) {
	e := m.Regrid.Extent
	return grid.FromExtent(m.Regrid.Projection, grid.Extent{South: e.South, North: e.North, West: e.West, East: e.East}, m.Regrid.PixelSize)
}

// NoData returns the raster no-data value.
func (m *Manifest) NoData() float32 {
	if m.Regrid.NoData == nil {
		return grid.DefaultNoData
	}
	return float32(*m.Regrid.NoData)
}

// MapOptions builds mapper options for an L3 suite. An empty flag_mask
// selects the suite's default reject mask.
func (m *Manifest) MapOptions(l3Suite string) (binmap.Options, error) {
	sch, err := binscheme.ForResolution(m.Regrid.BinResolution)
	if err != nil {
		return binmap.Options{}, err
	}
	red, err := binmap.ParseReducer(m.Regrid.Reducer)
	if err != nil {
		return binmap.Options{}, err
	}
	mask, err := binmap.ParseFlagMask(m.Regrid.FlagMask)
	if err != nil {
		return binmap.Options{}, err
	}
	if m.Regrid.FlagMask == "" {
		mask, _ = scene.DefaultFlagMask(l3Suite)
	}
	q := DefaultQuality
	if m.Regrid.QualityThreshold != nil {
		q = *m.Regrid.QualityThreshold
	}
	noData := m.NoData()
	return binmap.Options{
		Scheme:           sch,
		FlagMask:         mask,
		QualityThreshold: uint8(q),
		Reducer:          red,
		Footprint:        m.Regrid.Footprint,
		NoData:           &noData,
	}, nil
}

// Periods returns the composite periods in manifest order.
func (m *Manifest) Periods() ([]compose.Period, error) {
	out := make([]compose.Period, 0, len(m.Composite.Periods))
	for _, p := range m.Composite.Periods {
		pp, err := compose.ParsePeriod(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, nil
}

// ParseDuration parses a Go duration; empty is zero.
func ParseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
