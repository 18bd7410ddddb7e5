package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/scene"
)

// ErrEmptyRequest is returned when a request expands to no jobs.
var ErrEmptyRequest = errors.New("request expands to no jobs")

// JobKey identifies one job within a batch. It is comparable and is used as
// the collector key, so two jobs of a batch must never share one.
type JobKey struct {
	Date     time.Time
	Variable string
	Sensor   scene.Sensor
	// Scene narrows the key below date granularity, typically a filename
	// or a composite window label.
	Scene string
}

func (k JobKey) String() string {
	parts := []string{k.Date.UTC().Format("2006-01-02")}
	if k.Variable != "" {
		parts = append(parts, k.Variable)
	}
	if k.Sensor != "" {
		parts = append(parts, string(k.Sensor))
	}
	if k.Scene != "" {
		parts = append(parts, k.Scene)
	}
	return strings.Join(parts, "/")
}

// Request is the declarative form of a batch: every date from Begin to End
// (inclusive) every StepDays days, crossed with Variables and Sensors.
type Request struct {
	Begin     time.Time
	End       time.Time
	StepDays  int
	Variables []string
	Sensors   []scene.Sensor
}

// Validate reports problems that would make Expand fail.
func (r Request) Validate() error {
	var errs []error
	if r.Begin.IsZero() || r.End.IsZero() {
		errs = append(errs, errors.New("begin and end dates are required"))
	} else if day(r.End).Before(day(r.Begin)) {
		errs = append(errs, fmt.Errorf("end %s is before begin %s", day(r.End).Format(time.DateOnly), day(r.Begin).Format(time.DateOnly)))
	}
	if r.StepDays < 0 {
		errs = append(errs, fmt.Errorf("step must be positive, got %d days", r.StepDays))
	}
	if len(dedupe(r.Variables)) == 0 {
		errs = append(errs, errors.New("no variables requested"))
	}
	sensors := dedupe(r.Sensors)
	if len(sensors) == 0 {
		errs = append(errs, errors.New("no sensors requested"))
	}
	for _, s := range sensors {
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("invalid sensor %q", s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrEmptyRequest, errors.Join(errs...))
	}
	return nil
}

// Expand returns one key per (date, variable, sensor) combination ordered by
// date, then variable, then sensor. Variables and sensors keep the order in
// which they were given; duplicates are dropped.
func Expand(r Request) ([]JobKey, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	step := r.StepDays
	if step == 0 {
		step = 1
	}
	vars := dedupe(r.Variables)
	sensors := dedupe(r.Sensors)

	var keys []JobKey
	end := day(r.End)
	for d := day(r.Begin); !d.After(end); d = d.AddDate(0, 0, step) {
		for _, v := range vars {
			for _, s := range sensors {
				keys = append(keys, JobKey{Date: d, Variable: v, Sensor: s})
			}
		}
	}
	return keys, nil
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dedupe[T comparable](in []T) []T {
	var zero T
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v == zero {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
