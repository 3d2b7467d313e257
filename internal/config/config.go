package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when reading overrides from the environment,
// so stop-voltage is read from DISCHARGE_STOP_VOLTAGE.
const EnvPrefix = "DISCHARGE"

// Config holds timeout, interval, settle and panel-key-delay in seconds.
type Config struct {
	Device            string  `mapstructure:"device"`
	Transport         string  `mapstructure:"transport"`
	Baud              int     `mapstructure:"baud"`
	Timeout           float64 `mapstructure:"timeout"`
	Current           float64 `mapstructure:"current"`
	StopVoltage       float64 `mapstructure:"stop-voltage"`
	Interval          float64 `mapstructure:"interval"`
	Settle            float64 `mapstructure:"settle"`
	BatteryName       string  `mapstructure:"battery-name"`
	BatteryCapacity   string  `mapstructure:"battery-capacity"`
	OutputDir         string  `mapstructure:"output-dir"`
	StopVoltageMethod string  `mapstructure:"stop-voltage-method"`
	PanelKeyDelay     float64 `mapstructure:"panel-key-delay"`
	MetricsTextfile   string  `mapstructure:"metrics-textfile"`
	DBus              bool    `mapstructure:"dbus"`
	AbortPin          string  `mapstructure:"abort-pin"`
	ReportEvents      bool    `mapstructure:"report-events"`
	NoReport          bool    `mapstructure:"no-report"`
}

// Seconds converts a duration given in seconds.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Defaults leave the device empty so a load is looked for, and the current and
// stop voltage unset so a run must be told them.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"device":              "",
		"transport":           "",
		"baud":                9600,
		"timeout":             5.0,
		"current":             0.0,
		"stop-voltage":        0.0,
		"interval":            1.0,
		"settle":              1.0,
		"battery-name":        "",
		"battery-capacity":    "",
		"output-dir":          ".",
		"stop-voltage-method": "auto",
		"panel-key-delay":     0.2,
		"metrics-textfile":    "",
		"dbus":                false,
		"abort-pin":           "",
		"report-events":       false,
		"no-report":           false,
	}
}

// Load reads defaults, then the config file if path isn't empty, then the
// environment, then overrides. Overrides hold flags given on the command line.
func Load(path string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, val := range overrides {
		v.Set(k, val)
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

// TestConfig is the part of the configuration handed to the controller.
func (c *Config) TestConfig() discharge.Config {
	return discharge.Config{
		DischargeCurrent: c.Current,
		StopVoltage:      c.StopVoltage,
		SampleInterval:   Seconds(c.Interval),
		BatteryName:      c.BatteryName,
		BatteryCapacity:  c.BatteryCapacity,
	}
}
