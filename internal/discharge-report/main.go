package render

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/internal/logging"
	"github.com/TheCacophonyProject/discharge-tester/report"
	arg "github.com/alexflint/go-arg"
)

var version = "No version provided"

var log = logging.NewLogger("info")

type Args struct {
	Log             string `arg:"positional,required" help:"Discharge log (csv) to render"`
	BatteryName     string `arg:"--battery-name" help:"Name of the battery for the summary"`
	BatteryCapacity string `arg:"--battery-capacity" help:"Rated capacity of the battery for the summary"`
	Date            string `arg:"--date" help:"Date of the first sample of a log without dates (YYYY-MM-DD), defaults to today"`
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

func baseDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	return time.ParseInLocation("2006-01-02", s, now.Location())
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	base, err := baseDate(args.Date, time.Now())
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}
	series, err := report.Load(args.Log, base)
	if err != nil {
		return err
	}
	info := report.Info{BatteryName: args.BatteryName, BatteryCapacity: args.BatteryCapacity}
	chart, summary, err := report.DefaultRenderer.WriteFiles(args.Log, series, info)
	if err != nil {
		return err
	}
	fmt.Print(report.FormatSummary(series, info))
	log.Infof("Chart saved to %s, summary to %s", chart, summary)
	return nil
}
