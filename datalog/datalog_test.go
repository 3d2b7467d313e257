package datalog

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSample(ts time.Time, volts float64) discharge.Sample {
	return discharge.Sample{
		Timestamp:     ts,
		Voltage:       volts,
		Current:       0.05,
		Power:         volts * 0.05,
		Resistance:    volts / 0.05,
		Capacity:      0.0125,
		Energy:        0.0412,
		DischargeTime: "00:15:00",
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_test.csv")
	w, err := NewWriter(path)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	require.NoError(t, w.Append(testSample(start, 3.7)))
	require.NoError(t, w.Append(testSample(start.Add(time.Second), 3.69)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,voltage,current,power,resistance,capacity,watthours,discharging_time", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "01-03-2026 09:30:00,3.7,0.05,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "01-03-2026 09:30:01,3.69,"), lines[2])
}

func TestAppendContinuesExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_test.csv")
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testSample(start, 3.7)))

	w, err = NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testSample(start.Add(time.Second), 3.6)))

	l, err := ReadFile(path, start)
	require.NoError(t, err)
	assert.Len(t, l.Records, 2)
}

func TestNewWriterRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0644))
	_, err := NewWriter(path)
	assert.Error(t, err)
}

func TestAppendToMissingDirectoryFails(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "missing", "log.csv"))
	require.NoError(t, err)
	assert.Error(t, w.Append(testSample(time.Now(), 3.7)))
}

func TestReadBackMatchesWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_test.csv")
	w, err := NewWriter(path)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 23, 59, 58, 0, time.UTC)
	var written []discharge.Sample
	for i := 0; i < 5; i++ {
		s := testSample(start.Add(time.Duration(i)*time.Second), float64(37-i)/10)
		written = append(written, s)
		require.NoError(t, w.Append(s))
	}

	l, err := ReadFile(path, start)
	require.NoError(t, err)
	assert.True(t, l.Dated)
	assert.True(t, l.HasResistance)
	assert.Equal(t, written, l.Samples())
}

func TestReadTimeOnlyLog(t *testing.T) {
	data := "timestamp,voltage,current,power,capacity,watthours,discharging_time\n" +
		"23:59:58,3.70,0.050,0.185,0.0010,0.0037,00:00:01\n" +
		"23:59:59,3.69,0.050,0.184,0.0011,0.0040,00:00:02\n" +
		"00:00:00,3.68,0.050,0.184,0.0012,0.0044,00:00:03\n"
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	l, err := Read([]byte(data), base)
	require.NoError(t, err)
	assert.False(t, l.Dated)
	assert.False(t, l.HasResistance)
	require.Len(t, l.Records, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 58, 0, time.UTC), l.Records[0].Timestamp)
	// Rollover is left to the report.
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), l.Records[2].Timestamp)
	for _, r := range l.Records {
		assert.True(t, math.IsNaN(r.Resistance))
	}
	assert.Equal(t, 3.68, l.Records[2].Voltage)
	assert.Equal(t, "00:00:03", l.Records[2].DischargeTime)
}

func TestReadRejectsBadLogs(t *testing.T) {
	header := strings.Join(Header, ",") + "\n"
	tests := map[string]string{
		"mixed timestamps": header +
			"01-03-2026 10:00:00,3.7,0.05,0.18,74,0.01,0.03,00:00:01\n" +
			"10:00:01,3.7,0.05,0.18,74,0.01,0.03,00:00:02\n",
		"bad timestamp": header + "yesterday,3.7,0.05,0.18,74,0.01,0.03,00:00:01\n",
		"bad voltage":   header + "01-03-2026 10:00:00,high,0.05,0.18,74,0.01,0.03,00:00:01\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Read([]byte(data), time.Now())
			assert.Error(t, err)
		})
	}
}

func TestEmptyResistanceIsNaN(t *testing.T) {
	data := strings.Join(Header, ",") + "\n" +
		"01-03-2026 10:00:00,3.7,0.05,0.18,,0.01,0.03,00:00:01\n"
	l, err := Read([]byte(data), time.Now())
	require.NoError(t, err)
	require.Len(t, l.Records, 1)
	assert.True(t, math.IsNaN(l.Records[0].Resistance))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "battery_test_20260301_093005.csv", FileName(time.Date(2026, 3, 1, 9, 30, 5, 0, time.UTC)))
}
