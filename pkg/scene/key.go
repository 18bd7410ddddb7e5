// Package scene defines the addressing unit of the archive and the pure
// mapping between a Key, its filename and its on-disk location.
package scene

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies one observation or derived product. It is a comparable
// value type and is used directly as a map key.
//
// Sensor, Time and Level are always required. The remaining fields are
// required by the levels whose filenames encode them.
type Key struct {
	Sensor Sensor
	// Time is the acquisition time in UTC, truncated to the second. For
	// L3 levels only the date part is significant.
	Time       time.Time
	Level      Level
	Suite      string
	Variable   string
	Composite  string
	Resolution string
}

// New builds a Key, normalising the timestamp.
func New(sensor Sensor, t time.Time, level Level) Key {
	return Key{Sensor: sensor, Time: normTime(t, level), Level: level}
}

// WithVariable returns a copy of k with the product fields set.
func (k Key) WithVariable(suite, variable string) Key {
	k.Suite = suite
	k.Variable = variable
	return k
}

// WithComposite returns a copy of k with composite and resolution set.
func (k Key) WithComposite(composite, resolution string) Key {
	k.Composite = composite
	k.Resolution = resolution
	return k
}

// At returns a copy of k at a different level, dropping fields the new
// level does not encode.
func (k Key) At(level Level) Key {
	k.Level = level
	k.Time = normTime(k.Time, level)
	switch level {
	case L1A, L1B:
		k.Suite, k.Variable, k.Composite, k.Resolution = "", "", "", ""
	case L2:
		k.Variable, k.Composite, k.Resolution = "", "", ""
	case L2m:
		k.Composite, k.Resolution = "", ""
	case L3b:
		k.Variable, k.Resolution = "", ""
	}
	return k
}

// Date returns the acquisition date at midnight UTC.
func (k Key) Date() time.Time {
	y, m, d := k.Time.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DOY returns the day of year of the acquisition.
func (k Key) DOY() int {
	return k.Time.UTC().YearDay()
}

// String renders the key as its filename, or a diagnostic form when the key
// is incomplete.
func (k Key) String() string {
	if name, err := Filename(k); err == nil {
		return name
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Sensor, k.Level, k.Time.UTC().Format("2006-01-02T15:04:05"), k.Variable)
}

// Validate checks that the fields required by k.Level are present and
// free of the filename separator.
func (k Key) Validate() error {
	if !k.Sensor.Valid() {
		return fmt.Errorf("invalid sensor %q", k.Sensor)
	}
	if _, err := ParseLevel(string(k.Level)); err != nil {
		return err
	}
	if k.Time.IsZero() {
		return fmt.Errorf("time is required")
	}
	need := func(name, v string, allowUnderscore bool) error {
		if v == "" {
			return fmt.Errorf("%s is required for level %s", name, k.Level)
		}
		if !allowUnderscore && strings.ContainsAny(v, "_./") {
			return fmt.Errorf("%s %q must not contain '_', '.' or '/'", name, v)
		}
		if allowUnderscore && strings.ContainsAny(v, "./") {
			return fmt.Errorf("%s %q must not contain '.' or '/'", name, v)
		}
		return nil
	}
	switch k.Level {
	case L2:
		return need("suite", k.Suite, false)
	case L2m:
		if err := need("suite", k.Suite, false); err != nil {
			return err
		}
		return need("variable", k.Variable, true)
	case L3b:
		if err := need("composite", k.Composite, false); err != nil {
			return err
		}
		return need("suite", k.Suite, false)
	case L3m:
		for _, f := range []struct {
			name, v string
			us      bool
		}{{"composite", k.Composite, false}, {"suite", k.Suite, false}, {"variable", k.Variable, true}, {"resolution", k.Resolution, false}} {
			if err := need(f.name, f.v, f.us); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsDay reports whether the acquisition falls after the cut-off hour (UTC).
// Timestamps in filenames are UTC, so the cut-off is region specific.
func (k Key) IsDay(cutoffHour int) bool {
	t := k.Time.UTC()
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return secs > cutoffHour*3600
}

func normTime(t time.Time, level Level) time.Time {
	t = t.UTC().Truncate(time.Second)
	if !level.hasClock() {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return t
}

func yearDOY(t time.Time) string {
	t = t.UTC()
	return strconv.Itoa(t.Year()) + fmt.Sprintf("%03d", t.YearDay())
}
