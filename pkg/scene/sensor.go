package scene

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Sensor is a single-letter sensor code as used in archive filenames.
type Sensor string

const (
	Aqua     Sensor = "A"
	Terra    Sensor = "T"
	SeaWiFS  Sensor = "S"
	VIIRS    Sensor = "V"
	OCTS     Sensor = "O"
	CZCS     Sensor = "C"
	MERIS    Sensor = "M"
	HICO     Sensor = "H"
	Combined Sensor = "X"
)

var sensorNames = map[Sensor]string{
	Aqua:     "aqua",
	Terra:    "terra",
	SeaWiFS:  "seawifs",
	VIIRS:    "viirs",
	OCTS:     "octs",
	CZCS:     "czcs",
	MERIS:    "meris",
	HICO:     "hico",
	Combined: "combined",
}

// Name returns the lowercase sensor name used as the archive's top-level
// directory, or "" for an unknown code.
func (s Sensor) Name() string {
	return sensorNames[s]
}

// Valid reports whether s is a known sensor code.
func (s Sensor) Valid() bool {
	_, ok := sensorNames[s]
	return ok
}

// ParseSensor accepts either a code ("A") or a name ("aqua").
func ParseSensor(v string) (Sensor, error) {
	v = strings.TrimSpace(v)
	if s := Sensor(strings.ToUpper(v)); s.Valid() {
		return s, nil
	}
	lower := strings.ToLower(v)
	for code, name := range sensorNames {
		if name == lower {
			return code, nil
		}
	}
	return "", fmt.Errorf("unknown sensor %q", v)
}

// Sensors returns all known codes in stable order.
func Sensors() []Sensor {
	out := make([]Sensor, 0, len(sensorNames))
	for s := range sensorNames {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Level is a processing level.
type Level string

const (
	L1A Level = "L1A"
	L1B Level = "L1B"
	L2  Level = "L2"
	L2m Level = "L2m"
	L3b Level = "L3b"
	L3m Level = "L3m"
)

// ParseLevel validates a level string. Matching is exact: "L2m" and "L2"
// are different levels.
func ParseLevel(v string) (Level, error) {
	switch l := Level(strings.TrimSpace(v)); l {
	case L1A, L1B, L2, L2m, L3b, L3m:
		return l, nil
	default:
		return "", fmt.Errorf("unknown level %q", v)
	}
}

// hasClock reports whether filenames at this level carry the acquisition
// time of day.
func (l Level) hasClock() bool {
	switch l {
	case L1A, L1B, L2, L2m:
		return true
	}
	return false
}

// Default reject masks per L3 suite, matching the l2bin defaults.
var suiteFlagMasks = map[string]uint32{
	"CHL":   0x669D73B,
	"RRS":   0x669D73B,
	"FLH":   0x679D73F,
	"PIC":   0x641532B,
	"PAR":   0x600000A,
	"POC":   0x669D73B,
	"KD490": 0x669D73B,
	"FAI":   0x20A,
	"SST":   0x1002,
	"NSST":  0x2,
	"SST3":  0x2,
	"SST4":  0x2,
}

// DefaultFlagMask returns the default reject mask for an L3 suite.
func DefaultFlagMask(suite string) (uint32, bool) {
	m, ok := suiteFlagMasks[strings.ToUpper(suite)]
	return m, ok
}

type suiteRule struct {
	re    *regexp.Regexp
	suite string
}

var (
	daySuites = []suiteRule{
		{regexp.MustCompile(`^Rrs_.*$`), "RRS"},
		{regexp.MustCompile(`^(chlor_a|chl_ocx)$`), "CHL"},
		{regexp.MustCompile(`^sst$`), "SST"},
		{regexp.MustCompile(`^(ipar|nflh)$`), "FLH"},
		{regexp.MustCompile(`^par$`), "PAR"},
		{regexp.MustCompile(`^pic$`), "PIC"},
		{regexp.MustCompile(`^poc$`), "POC"},
		{regexp.MustCompile(`^a?fai$`), "FAI"},
		{regexp.MustCompile(`^Kd_490$`), "KD490"},
	}
	nightSuites = []suiteRule{
		{regexp.MustCompile(`^sst$`), "NSST"},
		{regexp.MustCompile(`^sst_triple$`), "SST3"},
		{regexp.MustCompile(`^sst4$`), "SST4"},
	}
	l2Suites = map[string]string{
		"RRS":   "OC",
		"CHL":   "OC",
		"PAR":   "OC",
		"KD490": "OC",
		"FLH":   "OC",
		"PIC":   "OC",
		"POC":   "OC",
		"FAI":   "FAI",
		"SST":   "SST",
		"NSST":  "SST",
		"SST4":  "SST4",
		"SST3":  "SST3",
	}
)

// SuiteForVariable maps a geophysical variable to its L3 product suite.
func SuiteForVariable(variable string, night bool) (string, bool) {
	rules := daySuites
	if night {
		rules = nightSuites
	}
	for _, r := range rules {
		if r.re.MatchString(variable) {
			return r.suite, true
		}
	}
	return "", false
}

// L2SuiteFor returns the L2 suite an L3 suite is derived from.
func L2SuiteFor(l3Suite string) (string, bool) {
	s, ok := l2Suites[strings.ToUpper(l3Suite)]
	return s, ok
}
