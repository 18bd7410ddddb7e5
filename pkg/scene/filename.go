package scene

import (
	"fmt"
	"strings"
	"time"
)

// Filename renders the archive filename for k.
func Filename(k Key) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	t := k.Time.UTC()
	stamp := string(k.Sensor) + yearDOY(t)
	if k.Level.hasClock() {
		stamp += t.Format("150405")
	}
	switch k.Level {
	case L1A, L1B:
		return fmt.Sprintf("%s.%s_LAC", stamp, k.Level), nil
	case L2:
		return fmt.Sprintf("%s.L2_LAC_%s.nc", stamp, k.Suite), nil
	case L2m:
		return fmt.Sprintf("%s.L2m_%s_%s.grd", stamp, k.Suite, k.Variable), nil
	case L3b:
		return fmt.Sprintf("%s.L3b_%s_%s.csv", stamp, k.Composite, k.Suite), nil
	case L3m:
		return fmt.Sprintf("%s.L3m_%s_%s_%s_%s.grd", stamp, k.Composite, k.Suite, k.Variable, k.Resolution), nil
	}
	return "", fmt.Errorf("unknown level %q", k.Level)
}

// ParseFilename recovers the Key encoded in an archive filename. Any
// leading directory components are ignored.
func ParseFilename(name string) (Key, error) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return Key{}, fmt.Errorf("parse %q: missing '.' separator", name)
	}
	stamp, rest := name[:dot], name[dot+1:]
	if len(stamp) < 8 {
		return Key{}, fmt.Errorf("parse %q: short timestamp", name)
	}
	sensor := Sensor(stamp[:1])
	if !sensor.Valid() {
		return Key{}, fmt.Errorf("parse %q: unknown sensor code %q", name, stamp[:1])
	}

	var t time.Time
	var err error
	switch len(stamp) {
	case 8:
		t, err = time.Parse("2006002", stamp[1:])
	case 14:
		t, err = time.Parse("2006002150405", stamp[1:])
	default:
		return Key{}, fmt.Errorf("parse %q: timestamp %q has unexpected length", name, stamp[1:])
	}
	if err != nil {
		return Key{}, fmt.Errorf("parse %q: %w", name, err)
	}

	k := Key{Sensor: sensor, Time: t.UTC()}
	clock := len(stamp) == 14

	switch {
	case rest == "L1A_LAC" || rest == "L1B_LAC":
		k.Level = Level(strings.TrimSuffix(rest, "_LAC"))
	case strings.HasPrefix(rest, "L2_LAC_") && strings.HasSuffix(rest, ".nc"):
		k.Level = L2
		k.Suite = strings.TrimSuffix(strings.TrimPrefix(rest, "L2_LAC_"), ".nc")
	case strings.HasPrefix(rest, "L2m_") && strings.HasSuffix(rest, ".grd"):
		k.Level = L2m
		body := strings.TrimSuffix(strings.TrimPrefix(rest, "L2m_"), ".grd")
		suite, variable, ok := strings.Cut(body, "_")
		if !ok {
			return Key{}, fmt.Errorf("parse %q: expected L2m_<suite>_<variable>", name)
		}
		k.Suite, k.Variable = suite, variable
	case strings.HasPrefix(rest, "L3b_") && strings.HasSuffix(rest, ".csv"):
		k.Level = L3b
		body := strings.TrimSuffix(strings.TrimPrefix(rest, "L3b_"), ".csv")
		comp, suite, ok := strings.Cut(body, "_")
		if !ok {
			return Key{}, fmt.Errorf("parse %q: expected L3b_<composite>_<suite>", name)
		}
		k.Composite, k.Suite = comp, suite
	case strings.HasPrefix(rest, "L3m_") && strings.HasSuffix(rest, ".grd"):
		k.Level = L3m
		body := strings.TrimSuffix(strings.TrimPrefix(rest, "L3m_"), ".grd")
		comp, body, ok1 := strings.Cut(body, "_")
		suite, body, ok2 := strings.Cut(body, "_")
		last := strings.LastIndexByte(body, '_')
		if !ok1 || !ok2 || last <= 0 {
			return Key{}, fmt.Errorf("parse %q: expected L3m_<composite>_<suite>_<variable>_<resolution>", name)
		}
		k.Composite, k.Suite = comp, suite
		k.Variable, k.Resolution = body[:last], body[last+1:]
	default:
		return Key{}, fmt.Errorf("parse %q: unrecognised product suffix %q", name, rest)
	}

	if k.Level.hasClock() != clock {
		return Key{}, fmt.Errorf("parse %q: timestamp precision does not match level %s", name, k.Level)
	}
	if err := k.Validate(); err != nil {
		return Key{}, fmt.Errorf("parse %q: %w", name, err)
	}
	return k, nil
}
