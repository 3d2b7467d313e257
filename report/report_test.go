package report

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/datalog"
	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, h, m, s int) time.Time {
	return time.Date(2026, 3, day, h, m, s, 0, time.UTC)
}

func TestResolveDates(t *testing.T) {
	samples := []discharge.Sample{
		{Timestamp: at(1, 23, 59, 58)},
		{Timestamp: at(1, 23, 59, 59)},
		{Timestamp: at(1, 0, 0, 0)},
		{Timestamp: at(1, 0, 0, 1)},
		{Timestamp: at(1, 0, 0, 1)},
	}
	ResolveDates(samples)
	assert.Equal(t, at(1, 23, 59, 59), samples[1].Timestamp)
	assert.Equal(t, at(2, 0, 0, 0), samples[2].Timestamp)
	assert.Equal(t, at(2, 0, 0, 1), samples[3].Timestamp)
	assert.Equal(t, at(2, 0, 0, 1), samples[4].Timestamp, "equal times are not a rollover")
}

func TestResolveDatesMultipleRollovers(t *testing.T) {
	samples := []discharge.Sample{
		{Timestamp: at(1, 12, 0, 0)},
		{Timestamp: at(1, 6, 0, 0)},
		{Timestamp: at(1, 18, 0, 0)},
		{Timestamp: at(1, 3, 0, 0)},
	}
	ResolveDates(samples)
	assert.Equal(t, at(2, 6, 0, 0), samples[1].Timestamp)
	assert.Equal(t, at(2, 18, 0, 0), samples[2].Timestamp)
	assert.Equal(t, at(3, 3, 0, 0), samples[3].Timestamp)
}

func TestNewSeriesSortsStably(t *testing.T) {
	samples := []discharge.Sample{
		{Timestamp: at(1, 10, 0, 2), Voltage: 3},
		{Timestamp: at(1, 10, 0, 1), Voltage: 1},
		{Timestamp: at(1, 10, 0, 1), Voltage: 2},
	}
	s := NewSeries(samples, false)
	assert.Equal(t, []float64{1, 2, 3}, []float64{s.Samples[0].Voltage, s.Samples[1].Voltage, s.Samples[2].Voltage})
}

func TestLabelFormatAndDateRange(t *testing.T) {
	assert.Equal(t, "15:04:05", LabelFormat(at(1, 9, 0, 0), at(1, 23, 0, 0)))
	assert.Equal(t, "02.01.06\n15:04:05", LabelFormat(at(1, 23, 0, 0), at(2, 1, 0, 0)))
	assert.Equal(t, "01.03.2026", DateRange(at(1, 9, 0, 0), at(1, 23, 0, 0)))
	assert.Equal(t, "01.03.2026 - 02.03.2026", DateRange(at(1, 23, 0, 0), at(2, 1, 0, 0)))
}

func TestLoadTimeOnlyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.csv")
	data := "timestamp,voltage,current,power,capacity,watthours,discharging_time\n" +
		"23:59:59,3.70,0.040,0.148,0.0010,0.0037,00:00:01\n" +
		"00:00:00,3.69,0.060,0.221,0.0011,0.0040,00:00:02\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	s, err := Load(path, at(20, 0, 0, 0))
	require.NoError(t, err)
	require.Len(t, s.Samples, 2)
	assert.Equal(t, at(21, 0, 0, 0), s.Samples[1].Timestamp)
	assert.False(t, s.HasResistance)
	assert.False(t, s.Summary.HasResistance())
	assert.InDelta(t, 0.05, s.Summary.MeanCurrent, 1e-12)
	assert.Equal(t, "Battery test results (20.03.2026 - 21.03.2026)", s.Title())
}

func TestFormatSummary(t *testing.T) {
	s := NewSeries([]discharge.Sample{
		{Timestamp: at(1, 10, 0, 0), Voltage: 3.7, Current: 0.05, Resistance: 74, Capacity: 0, Energy: 0},
		{Timestamp: at(1, 11, 30, 5), Voltage: 2.5, Current: 0.05, Resistance: 50, Capacity: 0.075, Energy: 0.25},
	}, true)

	text := FormatSummary(s, Info{BatteryName: "18650 cell", BatteryCapacity: "2600 mAh"})
	for _, want := range []string{
		"Battery test results (01.03.2026)",
		"Battery: 18650 cell",
		"Rated capacity: 2600 mAh",
		"Samples: 2",
		"Duration: 01:30:05",
		"Mean current: 0.050 A",
		"Mean resistance: 62.000 Ohm",
		"Final voltage: 2.500 V",
		"Capacity: 0.0750 Ah",
		"Energy: 0.2500 Wh",
	} {
		assert.Contains(t, text, want)
	}

	noRes := NewSeries([]discharge.Sample{{Timestamp: at(1, 10, 0, 0), Resistance: math.NaN()}}, false)
	text = FormatSummary(noRes, Info{})
	assert.NotContains(t, text, "resistance")
	assert.NotContains(t, text, "Battery:")
}

func TestOutputPaths(t *testing.T) {
	chart, summary := OutputPaths("/data/battery_test_20260301_100000.csv")
	assert.Equal(t, "/data/battery_test_20260301_100000_report.png", chart)
	assert.Equal(t, "/data/battery_test_20260301_100000_summary.txt", summary)
}

func TestRenderEmptySeries(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultRenderer.Render(NewSeries(nil, true), &buf)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestRenderWritesPNG(t *testing.T) {
	var samples []discharge.Sample
	for i := 0; i < 60; i++ {
		samples = append(samples, discharge.Sample{
			Timestamp:  at(1, 23, 59, 0).Add(time.Duration(i) * 2 * time.Second),
			Voltage:    3.7 - float64(i)*0.01,
			Current:    0.05,
			Power:      0.18,
			Resistance: 70,
			Capacity:   float64(i) * 0.0001,
			Energy:     float64(i) * 0.0004,
		})
	}
	var buf bytes.Buffer
	require.NoError(t, DefaultRenderer.Render(NewSeries(samples, true), &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG\r\n\x1a\n")))
}

// The load below discharges 0.1 V per sample from 3.0 V.
type simulatedLoad struct {
	n int
}

func (l *simulatedLoad) Reset() error { return nil }
func (l *simulatedLoad) SetAppMode(string) error { return nil }
func (l *simulatedLoad) SetStopVoltage(float64) error { return nil }
func (l *simulatedLoad) SetConstantCurrent(float64) error { return nil }
func (l *simulatedLoad) Enable() error { return nil }
func (l *simulatedLoad) Disable() error { return nil }
func (l *simulatedLoad) Close() error { return nil }

func (l *simulatedLoad) Voltage() (float64, error) {
	l.n++
	return float64(31-l.n) / 10, nil
}
func (l *simulatedLoad) Current() (float64, error) { return 0.04 + 0.005*float64(l.n%3), nil }
func (l *simulatedLoad) Power() (float64, error) { return 0.15, nil }
func (l *simulatedLoad) Resistance() (float64, error) { return 55 + float64(l.n), nil }
func (l *simulatedLoad) Capacity() (float64, error) { return 0.0005 * float64(l.n), nil }
func (l *simulatedLoad) Energy() (float64, error) { return 0.0015 * float64(l.n), nil }
func (l *simulatedLoad) DischargeTime() (string, error) { return "00:00:10", nil }

func TestControllerLogReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_test_20260301_235955.csv")
	sink, err := datalog.NewWriter(path)
	require.NoError(t, err)

	clock := at(1, 23, 59, 55)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	logger, _ := test.NewNullLogger()
	c := discharge.NewController(&simulatedLoad{}, sink, logger,
		discharge.WithClock(now),
		discharge.WithSleep(func(context.Context, time.Duration) {}))

	run, err := c.Run(context.Background(), discharge.Config{DischargeCurrent: 0.05, StopVoltage: 2.5, SampleInterval: time.Second})
	require.NoError(t, err)

	s, err := Load(path, time.Time{})
	require.NoError(t, err)
	require.Len(t, s.Samples, len(run.Samples))
	for i := range s.Samples {
		assert.Equal(t, run.Samples[i].Voltage, s.Samples[i].Voltage)
		assert.Equal(t, run.Samples[i].Current, s.Samples[i].Current)
		assert.True(t, run.Samples[i].Timestamp.Equal(s.Samples[i].Timestamp))
	}
	assert.Equal(t, run.Summary.Samples, s.Summary.Samples)
	assert.InDelta(t, run.Summary.MeanCurrent, s.Summary.MeanCurrent, 1e-12)
	assert.InDelta(t, run.Summary.MeanResistance, s.Summary.MeanResistance, 1e-12)
	assert.Equal(t, run.Summary.FinalCapacity, s.Summary.FinalCapacity)
	assert.Equal(t, run.Summary.FinalEnergy, s.Summary.FinalEnergy)
	assert.Equal(t, run.Summary.Duration, s.Summary.Duration)
	assert.Equal(t, "Battery test results (01.03.2026 - 02.03.2026)", s.Title())

	chart, summary, err := DefaultRenderer.WriteFiles(path, s, Info{BatteryName: "test cell"})
	require.NoError(t, err)
	assert.FileExists(t, chart)
	text, err := os.ReadFile(summary)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "Battery test results"))
}
