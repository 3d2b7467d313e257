/*
discharge-tester - Battery discharge testing with a Rigol DL3000 electronic load.
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package discharge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// AppModeBattery is the input mode family a discharge test runs in.
const AppModeBattery = "BATTERY"

// DefaultSettleTime is the wait between enabling the load and the first sample.
const DefaultSettleTime = time.Second

type State int

const (
	Idle State = iota
	Configuring
	Discharging
	Terminating
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Discharging:
		return "Discharging"
	case Terminating:
		return "Terminating"
	case Finalized:
		return "Finalized"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Instrument is the session with the electronic load. Each call is one or more
// round trips and may fail.
type Instrument interface {
	Reset() error
	SetAppMode(mode string) error
	SetStopVoltage(volts float64) error
	SetConstantCurrent(amps float64) error
	Enable() error
	Disable() error

	Voltage() (float64, error)
	Current() (float64, error)
	Power() (float64, error)
	Resistance() (float64, error)
	Capacity() (float64, error)
	Energy() (float64, error)
	DischargeTime() (string, error)

	Close() error
}

// Sink persists each sample as soon as it is taken.
type Sink interface {
	Append(Sample) error
}

// Observer is told about state changes and recorded samples. It is called from
// the goroutine running the test and must not block.
type Observer interface {
	StateChanged(State)
	SampleRecorded(Sample)
}

// RunError is a run that ended in Failed.
type RunError struct {
	State State  // state the failure happened in
	Op    string // operation that failed
	Err   error
	// Samples is the number of samples persisted before the failure.
	Samples int
	// CleanupErr holds failures from disabling the load or closing the session.
	CleanupErr error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("discharge test failed while %s (%s): %v", e.State, e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

type Option func(*Controller)

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

func WithSettleTime(d time.Duration) Option {
	return func(c *Controller) { c.settle = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces the cancellable wait used for the settle time and sample interval.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller runs one discharge test. It owns the instrument for the length of
// the run and closes it when the run ends.
type Controller struct {
	inst      Instrument
	sink      Sink
	log       logrus.FieldLogger
	observers []Observer
	settle    time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)

	state State
}

func NewController(inst Instrument, sink Sink, log logrus.FieldLogger, opts ...Option) *Controller {
	c := &Controller{
		inst:   inst,
		sink:   sink,
		log:    log,
		settle: DefaultSettleTime,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) setState(s State) {
	c.log.Debugf("State %s -> %s", c.state, s)
	c.state = s
	for _, o := range c.observers {
		o.StateChanged(s)
	}
}

// Run executes the test until the stop voltage is reached, ctx is cancelled, or
// the instrument fails. Cancellation is checked once per sampling cycle before
// any reads. A failed run returns a *RunError and no report.
func (c *Controller) Run(ctx context.Context, cfg Config) (*Report, error) {
	if c.state != Idle {
		return nil, fmt.Errorf("controller has already run (state %s)", c.state)
	}
	report := &Report{Config: cfg, StartedAt: c.now()}

	if err := cfg.Validate(); err != nil {
		return nil, c.fail(Idle, "validate configuration", err, report)
	}

	c.setState(Configuring)
	if op, err := c.configure(cfg); err != nil {
		return nil, c.fail(Configuring, op, err, report)
	}

	c.setState(Discharging)
	if err := c.inst.Enable(); err != nil {
		return nil, c.fail(Discharging, "enable load", err, report)
	}
	c.log.Infof("Load enabled, discharging at %g A until %g V", cfg.DischargeCurrent, cfg.StopVoltage)
	c.sleep(ctx, c.settle)

	for {
		if ctx.Err() != nil {
			report.Reason = Cancelled
			c.log.Info("Test cancelled")
			break
		}

		sample, op, err := c.readSample(report.Samples)
		if err != nil {
			return nil, c.fail(Discharging, op, err, report)
		}
		if err := c.sink.Append(sample); err != nil {
			return nil, c.fail(Discharging, "persist sample", err, report)
		}
		report.Samples = append(report.Samples, sample)
		for _, o := range c.observers {
			o.SampleRecorded(sample)
		}
		c.log.Debugf("%.3f V, %.3f A, %.3f W, %.4f Ah, %.4f Wh", sample.Voltage, sample.Current, sample.Power, sample.Capacity, sample.Energy)

		if sample.Voltage <= cfg.StopVoltage {
			report.Reason = StopVoltageReached
			c.log.Infof("Voltage %.3f V reached stop voltage %g V", sample.Voltage, cfg.StopVoltage)
			break
		}
		c.sleep(ctx, cfg.SampleInterval)
	}

	c.setState(Terminating)
	report.CleanupErr = c.cleanup()
	report.EndedAt = c.now()
	report.Summary = Summarize(report.Samples)
	c.setState(Finalized)
	c.log.Infof("Test finished after %d samples: %s", len(report.Samples), report.Reason)
	return report, nil
}

// configure programs the load, returning the operation that failed.
// Reset comes first and the mode before any mode specific setting.
func (c *Controller) configure(cfg Config) (string, error) {
	if err := c.inst.Reset(); err != nil {
		return "reset", err
	}
	if err := c.inst.SetAppMode(AppModeBattery); err != nil {
		return "set app mode", err
	}
	c.log.Infof("Programming stop voltage %g V", cfg.StopVoltage)
	if err := c.inst.SetStopVoltage(cfg.StopVoltage); err != nil {
		return "set stop voltage", err
	}
	if err := c.inst.SetConstantCurrent(cfg.DischargeCurrent); err != nil {
		return "set constant current", err
	}
	return "", nil
}

// readSample reads every channel. Timestamps never go backwards even if the wall
// clock does.
func (c *Controller) readSample(previous []Sample) (Sample, string, error) {
	s := Sample{Timestamp: c.now()}
	if n := len(previous); n > 0 && s.Timestamp.Before(previous[n-1].Timestamp) {
		s.Timestamp = previous[n-1].Timestamp
	}

	reads := []struct {
		op  string
		dst *float64
		fn  func() (float64, error)
	}{
		{"read voltage", &s.Voltage, c.inst.Voltage},
		{"read current", &s.Current, c.inst.Current},
		{"read power", &s.Power, c.inst.Power},
		{"read resistance", &s.Resistance, c.inst.Resistance},
		{"read capacity", &s.Capacity, c.inst.Capacity},
		{"read energy", &s.Energy, c.inst.Energy},
	}
	for _, r := range reads {
		v, err := r.fn()
		if err != nil {
			return Sample{}, r.op, err
		}
		*r.dst = v
	}
	dt, err := c.inst.DischargeTime()
	if err != nil {
		return Sample{}, "read discharge time", err
	}
	s.DischargeTime = dt
	return s, "", nil
}

func (c *Controller) fail(state State, op string, err error, report *Report) error {
	c.log.Errorf("Failed while %s (%s): %v", state, op, err)
	runErr := &RunError{State: state, Op: op, Err: err, Samples: len(report.Samples)}
	c.setState(Failed)
	runErr.CleanupErr = c.cleanup()
	return runErr
}

// cleanup turns the load off and closes the session. Failures are logged and
// returned joined, never raised over the cause of a failure.
func (c *Controller) cleanup() error {
	var errs []error
	if err := c.inst.Disable(); err != nil {
		c.log.Warnf("Failed to disable load: %v", err)
		errs = append(errs, fmt.Errorf("disable load: %w", err))
	} else {
		c.log.Info("Load disabled")
	}
	if err := c.inst.Close(); err != nil {
		c.log.Warnf("Failed to close instrument session: %v", err)
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	return errors.Join(errs...)
}
