// Package datalog persists discharge samples to a CSV file, one row per sample,
// and reads those files back for reporting.
package datalog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/gocarina/gocsv"
)

const (
	// TimestampFormat is the layout for the timestamp column.
	TimestampFormat = "02-01-2006 15:04:05"
	// TimeOnlyFormat is the layout older logs used, without a date.
	TimeOnlyFormat = "15:04:05"
)

// FileName is the log file name for a run started at t.
func FileName(t time.Time) string {
	return "battery_test_" + t.Format("20060102_150405") + ".csv"
}

// Header is the first line of every log file.
var Header = []string{"timestamp", "voltage", "current", "power", "resistance", "capacity", "watthours", "discharging_time"}

// row is one line of the log. Values are formatted here rather than by gocsv so
// that the timestamp layout and the empty resistance column are under our control.
type row struct {
	Timestamp     string `csv:"timestamp"`
	Voltage       string `csv:"voltage"`
	Current       string `csv:"current"`
	Power         string `csv:"power"`
	Resistance    string `csv:"resistance"`
	Capacity      string `csv:"capacity"`
	Energy        string `csv:"watthours"`
	DischargeTime string `csv:"discharging_time"`
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toRow(s discharge.Sample) row {
	return row{
		Timestamp:     s.Timestamp.Format(TimestampFormat),
		Voltage:       formatFloat(s.Voltage),
		Current:       formatFloat(s.Current),
		Power:         formatFloat(s.Power),
		Resistance:    formatFloat(s.Resistance),
		Capacity:      formatFloat(s.Capacity),
		Energy:        formatFloat(s.Energy),
		DischargeTime: s.DischargeTime,
	}
}

// Writer appends samples to a log file. Every Append opens the file, writes one
// row and syncs it to disk, so a crash loses at most the sample being written.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter checks that path is either absent, empty or an existing log with the
// expected header. The file is created on the first Append.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Writer{path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	line = strings.TrimSpace(line)
	if line != "" && line != strings.Join(Header, ",") {
		return nil, fmt.Errorf("%s is not a discharge log, header is '%s'", path, line)
	}
	return &Writer{path: path}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Append writes one sample. The header is written when the file is empty.
func (w *Writer) Append(s discharge.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log: %w", err)
	}

	rows := []row{toRow(s)}
	var buf bytes.Buffer
	if info.Size() == 0 {
		err = gocsv.Marshal(rows, &buf)
	} else {
		err = gocsv.MarshalWithoutHeaders(rows, &buf)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("encode sample: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log: %w", err)
	}
	return f.Close()
}

// Record is a sample read back from a log. Dated is false for time-only
// timestamps, in which case Timestamp carries the date of the base passed to Read.
type Record struct {
	discharge.Sample
	Dated bool
}

// Log is the content of a log file.
type Log struct {
	Records []Record
	// Dated is true when the timestamps carry a date.
	Dated bool
	// HasResistance is false for logs written before the resistance column.
	HasResistance bool
}

// ReadFile reads a log. Time-only timestamps are placed on the date of base.
func ReadFile(path string, base time.Time) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := Read(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Read parses log content. Timestamps must all be dated or all be time-only.
func Read(data []byte, base time.Time) (*Log, error) {
	header, _, _ := strings.Cut(string(data), "\n")
	l := &Log{HasResistance: hasColumn(header, "resistance")}

	var rows []row
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("parse log: %w", err)
	}
	for i, r := range rows {
		rec, err := parseRow(r, base, l.HasResistance)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if i == 0 {
			l.Dated = rec.Dated
		} else if rec.Dated != l.Dated {
			return nil, fmt.Errorf("row %d: mixes dated and time-only timestamps", i+1)
		}
		l.Records = append(l.Records, rec)
	}
	return l, nil
}

func hasColumn(header, name string) bool {
	for _, col := range strings.Split(header, ",") {
		if strings.TrimSpace(col) == name {
			return true
		}
	}
	return false
}

func parseRow(r row, base time.Time, hasResistance bool) (Record, error) {
	var rec Record
	ts := strings.TrimSpace(r.Timestamp)
	if t, err := time.ParseInLocation(TimestampFormat, ts, base.Location()); err == nil {
		rec.Timestamp = t
		rec.Dated = true
	} else if t, err := time.ParseInLocation(TimeOnlyFormat, ts, base.Location()); err == nil {
		y, m, d := base.Date()
		rec.Timestamp = time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, base.Location())
	} else {
		return rec, fmt.Errorf("bad timestamp '%s'", r.Timestamp)
	}

	fields := []struct {
		name     string
		value    string
		dst      *float64
		optional bool
	}{
		{"voltage", r.Voltage, &rec.Voltage, false},
		{"current", r.Current, &rec.Current, false},
		{"power", r.Power, &rec.Power, false},
		{"resistance", r.Resistance, &rec.Resistance, true},
		{"capacity", r.Capacity, &rec.Capacity, false},
		{"watthours", r.Energy, &rec.Energy, false},
	}
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" && f.optional {
			*f.dst = math.NaN()
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rec, fmt.Errorf("bad %s '%s'", f.name, f.value)
		}
		*f.dst = n
	}
	if !hasResistance {
		rec.Resistance = math.NaN()
	}
	rec.DischargeTime = strings.TrimSpace(r.DischargeTime)
	return rec, nil
}

// Samples returns the samples of the log in file order.
func (l *Log) Samples() []discharge.Sample {
	samples := make([]discharge.Sample, len(l.Records))
	for i, r := range l.Records {
		samples[i] = r.Sample
	}
	return samples
}
