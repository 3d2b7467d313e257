// Package report turns a discharge log into a chart and a text summary.
package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/datalog"
	"github.com/TheCacophonyProject/discharge-tester/discharge"
)

const (
	dayLabelFormat   = "15:04:05"
	multiLabelFormat = "02.01.06\n15:04:05"
	dateFormat       = "02.01.2006"
)

// Info describes the battery under test. Both fields are optional.
type Info struct {
	BatteryName     string
	BatteryCapacity string
}

// Series is a chronologically ordered log ready to be rendered.
type Series struct {
	Samples       []discharge.Sample
	HasResistance bool
	Summary       discharge.Summary
}

// Load reads the log at path. Logs without dates are placed on base, moving to
// the next day each time a timestamp is earlier than the one before it.
func Load(path string, base time.Time) (*Series, error) {
	l, err := datalog.ReadFile(path, base)
	if err != nil {
		return nil, err
	}
	samples := l.Samples()
	if !l.Dated {
		ResolveDates(samples)
	}
	return NewSeries(samples, l.HasResistance), nil
}

// NewSeries sorts samples by time, keeping file order for equal timestamps.
func NewSeries(samples []discharge.Sample, hasResistance bool) *Series {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return &Series{
		Samples:       samples,
		HasResistance: hasResistance,
		Summary:       discharge.Summarize(samples),
	}
}

// ResolveDates adds a day to every sample after a rollover, where a rollover is
// a timestamp strictly earlier than its predecessor. Samples must all share one date.
func ResolveDates(samples []discharge.Sample) {
	days := 0
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Timestamp.AddDate(0, 0, -days)
		if samples[i].Timestamp.Before(prev) {
			days++
		}
		samples[i].Timestamp = samples[i].Timestamp.AddDate(0, 0, days)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// LabelFormat is the time axis layout: time of day alone while the run stays
// within one day, otherwise date and time.
func LabelFormat(first, last time.Time) string {
	if sameDay(first, last) {
		return dayLabelFormat
	}
	return multiLabelFormat
}

// DateRange is "DD.MM.YYYY", or "DD.MM.YYYY - DD.MM.YYYY" when the run spans days.
func DateRange(first, last time.Time) string {
	r := first.Format(dateFormat)
	if !sameDay(first, last) {
		r += " - " + last.Format(dateFormat)
	}
	return r
}

// Title is the heading of both the chart and the summary.
func (s *Series) Title() string {
	return fmt.Sprintf("Battery test results (%s)", DateRange(s.Summary.First, s.Summary.Last))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// FormatSummary is the text summary written next to the chart.
func FormatSummary(s *Series, info Info) string {
	var b strings.Builder
	fmt.Fprintln(&b, s.Title())
	if info.BatteryName != "" {
		fmt.Fprintf(&b, "Battery: %s\n", info.BatteryName)
	}
	if info.BatteryCapacity != "" {
		fmt.Fprintf(&b, "Rated capacity: %s\n", info.BatteryCapacity)
	}
	sum := s.Summary
	fmt.Fprintf(&b, "Samples: %d\n", sum.Samples)
	if sum.Samples == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "Start: %s\n", sum.First.Format(datalog.TimestampFormat))
	fmt.Fprintf(&b, "End: %s\n", sum.Last.Format(datalog.TimestampFormat))
	fmt.Fprintf(&b, "Duration: %s\n", formatDuration(sum.Duration))
	fmt.Fprintf(&b, "Mean current: %.3f A\n", sum.MeanCurrent)
	if sum.HasResistance() {
		fmt.Fprintf(&b, "Mean resistance: %.3f Ohm\n", sum.MeanResistance)
	}
	fmt.Fprintf(&b, "Final voltage: %.3f V\n", sum.FinalVoltage)
	fmt.Fprintf(&b, "Capacity: %.4f Ah\n", sum.FinalCapacity)
	fmt.Fprintf(&b, "Energy: %.4f Wh\n", sum.FinalEnergy)
	return b.String()
}

// OutputPaths returns the chart and summary paths for a log.
func OutputPaths(logPath string) (chart, summary string) {
	base := strings.TrimSuffix(logPath, filepath.Ext(logPath))
	return base + "_report.png", base + "_summary.txt"
}
