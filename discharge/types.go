package discharge

import (
	"fmt"
	"math"
	"time"
)

// DefaultSampleInterval is used when a configuration leaves the interval unset.
const DefaultSampleInterval = time.Second

// Config holds the parameters of one run. It is not changed once the run starts.
type Config struct {
	DischargeCurrent float64 // A
	StopVoltage      float64 // V
	SampleInterval   time.Duration
	BatteryName      string
	BatteryCapacity  string
}

// ConfigurationError is an invalid Config, found before the instrument is touched.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks that the current, stop voltage and interval are positive.
func (c Config) Validate() error {
	if !(c.DischargeCurrent > 0) || math.IsInf(c.DischargeCurrent, 0) {
		return &ConfigurationError{Field: "discharge current", Value: c.DischargeCurrent, Reason: "must be a positive number of amps"}
	}
	if !(c.StopVoltage > 0) || math.IsInf(c.StopVoltage, 0) {
		return &ConfigurationError{Field: "stop voltage", Value: c.StopVoltage, Reason: "must be a positive number of volts"}
	}
	if c.SampleInterval <= 0 {
		return &ConfigurationError{Field: "sample interval", Value: c.SampleInterval, Reason: "must be positive"}
	}
	return nil
}

// Sample is one reading of every channel.
type Sample struct {
	Timestamp     time.Time
	Voltage       float64 // V
	Current       float64 // A
	Power         float64 // W
	Resistance    float64 // Ω, NaN when not recorded
	Capacity      float64 // Ah accumulated by the load
	Energy        float64 // Wh accumulated by the load
	DischargeTime string  // as reported by the load
}

// Summary holds the values derived from a sample sequence.
type Summary struct {
	Samples        int
	MeanCurrent    float64
	MeanResistance float64 // NaN when no sample has a resistance
	FinalCapacity  float64
	FinalEnergy    float64
	FinalVoltage   float64
	First, Last    time.Time
	Duration       time.Duration
}

// HasResistance reports if MeanResistance was computed from any samples.
func (s Summary) HasResistance() bool {
	return !math.IsNaN(s.MeanResistance)
}

// Summarize derives the summary of samples, which must be in chronological order.
func Summarize(samples []Sample) Summary {
	s := Summary{Samples: len(samples), MeanResistance: math.NaN()}
	if len(samples) == 0 {
		return s
	}

	var currentSum, resistanceSum float64
	resistanceCount := 0
	for _, sample := range samples {
		currentSum += sample.Current
		if !math.IsNaN(sample.Resistance) {
			resistanceSum += sample.Resistance
			resistanceCount++
		}
	}
	s.MeanCurrent = currentSum / float64(len(samples))
	if resistanceCount > 0 {
		s.MeanResistance = resistanceSum / float64(resistanceCount)
	}

	first, last := samples[0], samples[len(samples)-1]
	s.FinalCapacity = last.Capacity
	s.FinalEnergy = last.Energy
	s.FinalVoltage = last.Voltage
	s.First = first.Timestamp
	s.Last = last.Timestamp
	s.Duration = last.Timestamp.Sub(first.Timestamp)
	return s
}

// TerminationReason says why a finalized run stopped sampling.
type TerminationReason string

const (
	StopVoltageReached TerminationReason = "stop voltage reached"
	Cancelled          TerminationReason = "cancelled"
)

// Report is the result of a run that reached Finalized. Samples are in the order
// they were taken.
type Report struct {
	Config    Config
	Samples   []Sample
	Reason    TerminationReason
	StartedAt time.Time
	EndedAt   time.Time
	Summary   Summary
	// CleanupErr holds failures from disabling the load or closing the session.
	CleanupErr error
}

// Elapsed is the wall clock time from the start of configuration to finalizing.
func (r *Report) Elapsed() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
