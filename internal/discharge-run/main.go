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

package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/datalog"
	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/TheCacophonyProject/discharge-tester/dl3000"
	"github.com/TheCacophonyProject/discharge-tester/internal/abortpin"
	"github.com/TheCacophonyProject/discharge-tester/internal/config"
	"github.com/TheCacophonyProject/discharge-tester/internal/logging"
	"github.com/TheCacophonyProject/discharge-tester/internal/metrics"
	"github.com/TheCacophonyProject/discharge-tester/internal/status"
	"github.com/TheCacophonyProject/discharge-tester/report"
	"github.com/TheCacophonyProject/discharge-tester/scpi"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	arg "github.com/alexflint/go-arg"
	"github.com/google/uuid"
)

var version = "No version provided"

var log = logging.NewLogger("info")

// Flags left unset fall through to the config file, the environment and then
// the defaults.
type Args struct {
	Config            string   `arg:"-c,--config" help:"Config file (yaml, toml or json)"`
	Device            *string  `arg:"-d,--device" help:"Load to use: tcp://host[:port], serial:///dev/ttyUSB0[?baud=N], usbtmc:///dev/usbtmc0 or a device path. Searched for when not set"`
	Transport         *string  `arg:"--transport" help:"Transport for a device given without a scheme (tcp, serial, usbtmc)"`
	Baud              *int     `arg:"--baud" help:"Serial baud rate"`
	Timeout           *float64 `arg:"--timeout" help:"Timeout in seconds for each exchange with the load"`
	Current           *float64 `arg:"-i,--current" help:"Discharge current in A"`
	StopVoltage       *float64 `arg:"-s,--stop-voltage" help:"Voltage in V at which the test ends"`
	Interval          *float64 `arg:"--interval" help:"Seconds between samples"`
	Settle            *float64 `arg:"--settle" help:"Seconds to wait after enabling the load before the first sample"`
	BatteryName       *string  `arg:"--battery-name" help:"Name of the battery, for the report"`
	BatteryCapacity   *string  `arg:"--battery-capacity" help:"Rated capacity of the battery, for the report"`
	OutputDir         *string  `arg:"-o,--output-dir" help:"Directory for the log and report"`
	StopVoltageMethod *string  `arg:"--stop-voltage-method" help:"How to program the stop voltage (auto, direct, panel)"`
	PanelKeyDelay     *float64 `arg:"--panel-key-delay" help:"Pause in seconds between emulated front panel key presses"`
	MetricsTextfile   *string  `arg:"--metrics-textfile" help:"Write prometheus metrics to this file after every sample"`
	DBus              *bool    `arg:"--dbus" help:"Export status and stop methods on the system bus"`
	AbortPin          *string  `arg:"--abort-pin" help:"GPIO pin with a button to ground that stops the test"`
	ReportEvents      *bool    `arg:"--report-events" help:"Add an event for the test to the event reporter"`
	NoReport          *bool    `arg:"--no-report" help:"Don't render the chart and summary"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

// overrides maps the flags that were given to their config keys.
func (a Args) overrides() map[string]interface{} {
	o := map[string]interface{}{}
	set := func(key string, v interface{}) {
		switch p := v.(type) {
		case *string:
			if p != nil {
				o[key] = *p
			}
		case *int:
			if p != nil {
				o[key] = *p
			}
		case *float64:
			if p != nil {
				o[key] = *p
			}
		case *bool:
			if p != nil {
				o[key] = *p
			}
		}
	}
	set("device", a.Device)
	set("transport", a.Transport)
	set("baud", a.Baud)
	set("timeout", a.Timeout)
	set("current", a.Current)
	set("stop-voltage", a.StopVoltage)
	set("interval", a.Interval)
	set("settle", a.Settle)
	set("battery-name", a.BatteryName)
	set("battery-capacity", a.BatteryCapacity)
	set("output-dir", a.OutputDir)
	set("stop-voltage-method", a.StopVoltageMethod)
	set("panel-key-delay", a.PanelKeyDelay)
	set("metrics-textfile", a.MetricsTextfile)
	set("dbus", a.DBus)
	set("abort-pin", a.AbortPin)
	set("report-events", a.ReportEvents)
	set("no-report", a.NoReport)
	return o
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)
	log.Info("Running version: ", version)

	conf, err := config.Load(args.Config, args.overrides())
	if err != nil {
		return err
	}
	testConf := conf.TestConfig()
	if err := testConf.Validate(); err != nil {
		return err
	}
	method, err := dl3000.ParseStopVoltageMethod(conf.StopVoltageMethod)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(conf.OutputDir, 0755); err != nil {
		return err
	}

	ctx, _, cancel, release := runContexts()
	defer release()

	load, resource, err := connect(conf, dl3000.Options{StopVoltageMethod: method, KeyDelay: config.Seconds(conf.PanelKeyDelay)})
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logPath := filepath.Join(conf.OutputDir, datalog.FileName(time.Now()))
	sink, err := datalog.NewWriter(logPath)
	if err != nil {
		load.Close()
		return err
	}
	log.Infof("Run %s on %s, logging to %s", runID, resource, logPath)

	opts := []discharge.Option{discharge.WithSettleTime(config.Seconds(conf.Settle))}
	tracker := status.NewTracker(runID, resource, logPath, cancel)
	opts = append(opts, discharge.WithObserver(tracker))
	if conf.MetricsTextfile != "" {
		opts = append(opts, discharge.WithObserver(metrics.New(runID, conf.MetricsTextfile, log)))
	}
	if conf.DBus {
		release, err := status.StartService(tracker)
		if err != nil {
			log.Errorf("Failed to start D-Bus service: %v", err)
		} else {
			defer release()
		}
	}
	if conf.AbortPin != "" {
		if err := abortpin.Watch(ctx, conf.AbortPin, cancel, log); err != nil {
			log.Errorf("Failed to watch abort pin: %v", err)
		}
	}

	controller := discharge.NewController(load, sink, log, opts...)
	result, runErr := controller.Run(ctx, testConf)
	if conf.ReportEvents {
		reportEvent(runID, resource, result, runErr)
	}
	if runErr != nil {
		return runErr
	}
	if result.CleanupErr != nil {
		log.Errorf("The load may still be enabled: %v", result.CleanupErr)
	}

	if conf.NoReport || len(result.Samples) == 0 {
		return nil
	}
	series, err := report.Load(logPath, result.StartedAt)
	if err != nil {
		return err
	}
	chart, summary, err := report.DefaultRenderer.WriteFiles(logPath, series, report.Info{
		BatteryName:     conf.BatteryName,
		BatteryCapacity: conf.BatteryCapacity,
	})
	if err != nil {
		return err
	}
	log.Infof("Report written to %s and %s", chart, summary)
	return nil
}

// runContexts returns the context a test runs under and the signal context it
// derives from. cancel ends the test but SIGINT and SIGTERM stay handled until
// release, so cleanup isn't cut short.
func runContexts() (run, signals context.Context, cancel, release context.CancelFunc) {
	signals, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	run, cancel = context.WithCancel(signals)
	return run, signals, cancel, func() {
		cancel()
		stopSignals()
	}
}

// connect opens the configured load, or the first one found when none is configured.
func connect(conf *config.Config, opts dl3000.Options) (*dl3000.Load, string, error) {
	if conf.Device == "" {
		return discover(conf, opts)
	}
	r, err := resolveResource(conf)
	if err != nil {
		return nil, "", err
	}
	client, err := scpi.Open(r, config.Seconds(conf.Timeout), log)
	if err != nil {
		return nil, "", err
	}
	load, err := dl3000.Open(client, opts, log)
	if err != nil {
		client.Close()
		return nil, "", err
	}
	return load, r.String(), nil
}

func resolveResource(conf *config.Config) (scpi.Resource, error) {
	device := conf.Device
	if conf.Transport != "" && !strings.Contains(device, "://") {
		device = conf.Transport + "://" + device
	}
	r, err := scpi.ParseResource(device)
	if err != nil {
		return scpi.Resource{}, err
	}
	if r.Kind == scpi.KindSerial && !strings.Contains(device, "baud=") && conf.Baud > 0 {
		r.Baud = conf.Baud
	}
	return r, nil
}

func discover(conf *config.Config, opts dl3000.Options) (*dl3000.Load, string, error) {
	var names []string
	for _, r := range scpi.LocalResources() {
		if r.Kind == scpi.KindSerial && conf.Baud > 0 {
			r.Baud = conf.Baud
		}
		names = append(names, r.String())
	}
	log.Infof("No device given, searching %d local resources", len(names))
	devices := dl3000.Find(names, dialer(config.Seconds(conf.Timeout)), log)
	if len(devices) == 0 {
		return nil, "", errors.New("no DL3000 load found")
	}
	for _, d := range devices[1:] {
		log.Warnf("Ignoring %s at %s", d.Identity, d.Resource)
		d.Conn.Close()
	}
	load, err := dl3000.Open(devices[0].Conn, opts, log)
	if err != nil {
		devices[0].Conn.Close()
		return nil, "", err
	}
	return load, devices[0].Resource, nil
}

func dialer(timeout time.Duration) func(string) (dl3000.Conn, error) {
	return func(name string) (dl3000.Conn, error) {
		c, err := scpi.Dial(name, timeout, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func reportEvent(runID, resource string, result *discharge.Report, runErr error) {
	details := map[string]interface{}{
		"runId":    runID,
		"resource": resource,
	}
	if runErr != nil {
		details["error"] = runErr.Error()
		details[eventclient.SeverityKey] = eventclient.SeverityError
		var re *discharge.RunError
		if errors.As(runErr, &re) {
			details["samples"] = re.Samples
		}
	} else {
		details["reason"] = string(result.Reason)
		details["samples"] = result.Summary.Samples
		details["capacityAh"] = result.Summary.FinalCapacity
		details["energyWh"] = result.Summary.FinalEnergy
		details["meanCurrent"] = result.Summary.MeanCurrent
		details["durationSeconds"] = int(result.Summary.Duration.Seconds())
	}
	err := eventclient.AddEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      "dischargeTest",
		Details:   details,
	})
	if err != nil {
		log.Errorf("Failed to add event: %v", err)
	}
}
