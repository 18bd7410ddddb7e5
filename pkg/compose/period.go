package compose

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a compositing interval: a fixed number of days, restarted on
// January 1st of every year, or a calendar month.
type Period struct {
	Days    int
	Monthly bool
}

var (
	Daily   = Period{Days: 1}
	Eight   = Period{Days: 8}
	Sixteen = Period{Days: 16}
	Month   = Period{Monthly: true}
)

// ParsePeriod reads composite names: "DAY", "8DAY", "<n>DAY", "MON".
func ParsePeriod(s string) (Period, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch u {
	case "MON", "MONTH":
		return Month, nil
	case "DAY":
		return Daily, nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(u, "DAY"))
	if !strings.HasSuffix(u, "DAY") || err != nil || n < 1 || n > 366 {
		return Period{}, fmt.Errorf("invalid composite period %q", s)
	}
	return Period{Days: n}, nil
}

// String returns the composite token used in filenames.
func (p Period) String() string {
	switch {
	case p.Monthly:
		return "MON"
	case p.Days == 1:
		return "DAY"
	default:
		return strconv.Itoa(p.Days) + "DAY"
	}
}

func (p Period) valid() bool { return p.Monthly || p.Days > 0 }

// Window is one compositing interval, [Start, End).
type Window struct {
	Start  time.Time
	End    time.Time
	Period Period
}

// Contains reports whether the date of t falls in the window.
func (w Window) Contains(t time.Time) bool {
	d := day(t)
	return !d.Before(w.Start) && d.Before(w.End)
}

// Dates lists every day in the window.
func (w Window) Dates() []time.Time {
	var out []time.Time
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Len is the number of days covered.
func (w Window) Len() int { return int(w.End.Sub(w.Start).Hours()/24 + 0.5) }

func (w Window) String() string {
	return fmt.Sprintf("%s %s..%s", w.Period, w.Start.Format(time.DateOnly), w.End.AddDate(0, 0, -1).Format(time.DateOnly))
}

// WindowOf returns the window of p containing t.
func WindowOf(t time.Time, p Period) (Window, error) {
	if !p.valid() {
		return Window{}, fmt.Errorf("invalid composite period %+v", p)
	}
	d := day(t)
	if p.Monthly {
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0), Period: p}, nil
	}
	jan1 := time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	idx := (d.YearDay() - 1) / p.Days
	start := jan1.AddDate(0, 0, idx*p.Days)
	end := start.AddDate(0, 0, p.Days)
	if next := jan1.AddDate(1, 0, 0); end.After(next) {
		end = next
	}
	return Window{Start: start, End: end, Period: p}, nil
}

// Periods lists the windows of p that overlap [begin, end], both dates
// inclusive, in chronological order.
func Periods(begin, end time.Time, p Period) ([]Window, error) {
	b, e := day(begin), day(end)
	if e.Before(b) {
		return nil, fmt.Errorf("end %s is before begin %s", e.Format(time.DateOnly), b.Format(time.DateOnly))
	}
	w, err := WindowOf(b, p)
	if err != nil {
		return nil, err
	}
	var out []Window
	for !w.Start.After(e) {
		out = append(out, w)
		w, _ = WindowOf(w.End, p)
	}
	return out, nil
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
