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

package dl3000

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SCPI commands used with the DL3000 family.
const (
	cmdIdentify      = "*IDN?"
	cmdReset         = "*RST"
	cmdClearStatus   = "*CLS"
	cmdOpComplete    = "*OPC?"
	cmdFunction      = ":SOURCE:FUNCTION %s"
	cmdFunctionQuery = ":SOURCE:FUNCTION?"
	cmdAppMode       = ":SOURCE:FUNCTION:MODE %s"
	cmdCurrent       = ":SOURCE:CURRENT:LEV:IMM %s"
	cmdVoltageLimit  = ":SOURCE:CURR:VLIM %s"
	cmdSlewRate      = ":SOURCE:CURRENT:SLEW %s"
	cmdStopVoltage   = ":SOURCE:BATTERY:VSTOP %.3f"
	cmdStopVoltageQ  = ":SOURCE:BATTERY:VSTOP?"
	cmdInput         = ":SOURCE:INPUT:STAT %s"
	cmdInputQuery    = ":SOURCE:INPUT:STAT?"

	cmdMeasVoltage    = ":MEAS:VOLT?"
	cmdMeasCurrent    = ":MEAS:CURR?"
	cmdMeasPower      = ":MEAS:POW?"
	cmdMeasResistance = ":MEAS:RES?"
	cmdMeasCapacity   = ":MEAS:CAP?"
	cmdMeasEnergy     = ":MEAS:WATT?"
	cmdMeasDischarge  = ":MEAS:DISCHARGINGTIME?"
)

// Input mode families accepted by SetAppMode.
const (
	AppModeFixed   = "FIXED"
	AppModeList    = "LIST"
	AppModeWave    = "WAVE"
	AppModeBattery = "BATTERY"
)

// Load functions accepted by SetMode.
const (
	FunctionCurrent    = "CURRENT"
	FunctionVoltage    = "VOLTAGE"
	FunctionResistance = "RESISTANCE"
	FunctionPower      = "POWER"
)

// StopVoltageMethod selects how the battery mode stop voltage is programmed.
type StopVoltageMethod string

const (
	StopVoltageAuto   StopVoltageMethod = "auto"
	StopVoltageDirect StopVoltageMethod = "direct"
	StopVoltagePanel  StopVoltageMethod = "panel"
)

func ParseStopVoltageMethod(s string) (StopVoltageMethod, error) {
	switch m := StopVoltageMethod(s); m {
	case StopVoltageAuto, StopVoltageDirect, StopVoltagePanel:
		return m, nil
	case "":
		return StopVoltageAuto, nil
	default:
		return "", fmt.Errorf("unknown stop voltage method '%s'", s)
	}
}

// Conn is one open request/response channel to the instrument. Query returns
// the first line of the response and ReadLine each further line.
type Conn interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	ReadLine() (string, error)
	Close() error
}

type Options struct {
	StopVoltageMethod StopVoltageMethod
	// KeyDelay is the pause after each emulated front panel key press.
	KeyDelay time.Duration
	Sleep    func(time.Duration)
}

const DefaultKeyDelay = 200 * time.Millisecond

// Load is a session with one DL3000. It must not be shared between goroutines
// that expect their exchanges to interleave in a particular way.
type Load struct {
	conn     Conn
	identity Identity
	method   StopVoltageMethod
	keyDelay time.Duration
	sleep    func(time.Duration)
	log      logrus.FieldLogger

	// measLines is how many lines each measurement reply takes, 1 for "value"
	// or 2 for "value\n0".
	measLines int
}

// Open identifies the instrument on conn and picks the stop voltage programming
// strategy. The Load owns conn from here on.
func Open(conn Conn, opts Options, log logrus.FieldLogger) (*Load, error) {
	l := &Load{
		conn:     conn,
		method:   opts.StopVoltageMethod,
		keyDelay: opts.KeyDelay,
		sleep:    opts.Sleep,
		log:      log,
	}
	if l.method == "" {
		l.method = StopVoltageAuto
	}
	if l.keyDelay <= 0 {
		l.keyDelay = DefaultKeyDelay
	}
	if l.sleep == nil {
		l.sleep = time.Sleep
	}

	idn, err := conn.Query(cmdIdentify)
	if err != nil {
		return nil, err
	}
	l.identity = ParseIdentity(idn)
	if !l.identity.IsDL3000() {
		return nil, &ProtocolError{Command: cmdIdentify, Response: idn, Reason: "not a Rigol DL3000 load"}
	}
	log.Infof("Connected to %s", l.identity)

	if l.measLines, err = l.measurementShape(); err != nil {
		return nil, err
	}
	log.Debugf("Measurement replies are %d line(s)", l.measLines)

	if l.method == StopVoltageAuto {
		l.method = l.detectStopVoltageMethod()
	}
	log.Debugf("Programming stop voltage with the %s method", l.method)
	return l, nil
}

// measurementShape works out if measurement replies carry a status line. The
// line read after a measurement value is either the answer to *OPC?, which is
// always "1", or the measurement's own status field followed by that answer.
func (l *Load) measurementShape() (int, error) {
	if _, err := l.conn.Query(cmdMeasVoltage); err != nil {
		return 0, err
	}
	resp, err := l.conn.Query(cmdOpComplete)
	if err != nil {
		return 0, err
	}
	switch strings.TrimSpace(resp) {
	case "1":
		return 1, nil
	case statusOK:
		next, err := l.conn.ReadLine()
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(next) != "1" {
			return 0, &ProtocolError{Command: cmdOpComplete, Response: next, Reason: "expected operation complete"}
		}
		return 2, nil
	default:
		return 0, &ProtocolError{Command: cmdMeasVoltage, Response: resp, Reason: "unexpected line after measurement"}
	}
}

// detectStopVoltageMethod asks for the direct battery stop voltage. Firmware
// without the command gets front panel emulation.
func (l *Load) detectStopVoltageMethod() StopVoltageMethod {
	resp, err := l.conn.Query(cmdStopVoltageQ)
	if err == nil {
		if _, err = parseFloat(cmdStopVoltageQ, resp); err == nil {
			return StopVoltageDirect
		}
	}
	l.log.Debugf("Direct stop voltage command not available: %v", err)
	// Leave no error from the unknown command in the instrument's error queue.
	if err := l.conn.Write(cmdClearStatus); err != nil {
		l.log.Debugf("Clearing status: %v", err)
	}
	return StopVoltagePanel
}

func (l *Load) Identity() Identity {
	return l.identity
}

func (l *Load) StopVoltageMethod() StopVoltageMethod {
	return l.method
}

// Reset returns the load to factory defaults.
func (l *Load) Reset() error {
	return l.conn.Write(cmdReset)
}

// SetAppMode selects the input mode family (FIXED, LIST, WAVE, BATTERY).
func (l *Load) SetAppMode(mode string) error {
	return l.conn.Write(fmt.Sprintf(cmdAppMode, mode))
}

// SetMode selects the load function (CURRENT, VOLTAGE, RESISTANCE, POWER).
func (l *Load) SetMode(function string) error {
	return l.conn.Write(fmt.Sprintf(cmdFunction, function))
}

func (l *Load) Mode() (string, error) {
	resp, err := l.conn.Query(cmdFunctionQuery)
	if err != nil {
		return "", err
	}
	return parseString(cmdFunctionQuery, resp)
}

func (l *Load) SetConstantCurrent(amps float64) error {
	return l.conn.Write(fmt.Sprintf(cmdCurrent, formatValue(amps)))
}

// SetVoltageLimit sets the voltage limit in CC mode.
func (l *Load) SetVoltageLimit(volts float64) error {
	return l.conn.Write(fmt.Sprintf(cmdVoltageLimit, formatValue(volts)))
}

func (l *Load) SetSlewRate(ampsPerMicrosecond float64) error {
	return l.conn.Write(fmt.Sprintf(cmdSlewRate, formatValue(ampsPerMicrosecond)))
}

// SetStopVoltage programs the battery mode cutoff. Panel emulation takes a few
// seconds, and if it is interrupted the instrument can be left with a partly
// entered value.
func (l *Load) SetStopVoltage(volts float64) error {
	if l.method == StopVoltageDirect {
		return l.conn.Write(fmt.Sprintf(cmdStopVoltage, volts))
	}
	return l.setStopVoltagePanel(volts)
}

func (l *Load) Enable() error {
	return l.conn.Write(fmt.Sprintf(cmdInput, "ON"))
}

// Disable turns the input off. It is safe to call on a disabled load.
func (l *Load) Disable() error {
	return l.conn.Write(fmt.Sprintf(cmdInput, "OFF"))
}

func (l *Load) IsEnabled() (bool, error) {
	resp, err := l.conn.Query(cmdInputQuery)
	if err != nil {
		return false, err
	}
	s, err := parseString(cmdInputQuery, resp)
	if err != nil {
		return false, err
	}
	switch s {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	default:
		return false, &ProtocolError{Command: cmdInputQuery, Response: resp, Reason: "not an input state"}
	}
}

func (l *Load) Voltage() (float64, error)    { return l.queryFloat(cmdMeasVoltage) }
func (l *Load) Current() (float64, error)    { return l.queryFloat(cmdMeasCurrent) }
func (l *Load) Power() (float64, error)      { return l.queryFloat(cmdMeasPower) }
func (l *Load) Resistance() (float64, error) { return l.queryFloat(cmdMeasResistance) }
func (l *Load) Capacity() (float64, error)   { return l.queryFloat(cmdMeasCapacity) }
func (l *Load) Energy() (float64, error)     { return l.queryFloat(cmdMeasEnergy) }

// DischargeTime is the load's own elapsed discharge time, as it reports it.
func (l *Load) DischargeTime() (string, error) {
	resp, err := l.measure(cmdMeasDischarge)
	if err != nil {
		return "", err
	}
	return parseString(cmdMeasDischarge, resp)
}

func (l *Load) queryFloat(cmd string) (float64, error) {
	resp, err := l.measure(cmd)
	if err != nil {
		return 0, err
	}
	return parseFloat(cmd, resp)
}

// measure reads a full measurement reply, joined by "\n".
func (l *Load) measure(cmd string) (string, error) {
	resp, err := l.conn.Query(cmd)
	if err != nil {
		return "", err
	}
	lines := []string{resp}
	for len(lines) < l.measLines {
		line, err := l.conn.ReadLine()
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the channel.
func (l *Load) Close() error {
	return l.conn.Close()
}
