package main

import (
	"fmt"
	"os"

	"github.com/TheCacophonyProject/discharge-tester/internal/logging"
	find "github.com/TheCacophonyProject/discharge-tester/internal/discharge-find"
	render "github.com/TheCacophonyProject/discharge-tester/internal/discharge-report"
	run "github.com/TheCacophonyProject/discharge-tester/internal/discharge-run"
)

var log *logging.Logger

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

var version = "<not set>"

func runMain() error {
	log = logging.NewLogger("info")
	if len(os.Args) < 2 {
		log.Info("Usage: discharge-tester <run|find|report> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "run":
		err = run.Run(args, version)
	case "find":
		err = find.Run(args, version)
	case "report":
		err = render.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
