package find

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/dl3000"
	"github.com/TheCacophonyProject/discharge-tester/internal/logging"
	"github.com/TheCacophonyProject/discharge-tester/scpi"
	arg "github.com/alexflint/go-arg"
)

var version = "No version provided"

var log = logging.NewLogger("info")

type Args struct {
	Resources []string      `arg:"positional" help:"Resources to check as well as the local USBTMC and serial devices, e.g. tcp://192.168.1.50"`
	Timeout   time.Duration `arg:"--timeout" help:"Timeout for the identification query"`
	NoLocal   bool          `arg:"--no-local" help:"Only check the resources given"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	Timeout: 2 * time.Second,
}

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

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	candidates := args.Resources
	if !args.NoLocal {
		for _, r := range scpi.LocalResources() {
			candidates = append(candidates, r.String())
		}
	}
	if len(candidates) == 0 {
		return errors.New("no resources to check")
	}
	log.Debugf("Checking %v", candidates)

	devices := dl3000.Find(candidates, func(name string) (dl3000.Conn, error) {
		c, err := scpi.Dial(name, args.Timeout, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, log)
	printDevices(os.Stdout, devices)
	for _, d := range devices {
		d.Conn.Close()
	}
	if len(devices) == 0 {
		return errors.New("no DL3000 load found")
	}
	return nil
}

func printDevices(w io.Writer, devices []dl3000.Device) {
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.Resource, d.Identity)
	}
}
