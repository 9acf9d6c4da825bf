package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/cpuboostd/internal/control"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"github.com/spf13/pflag"
)

const usage = `Usage: cpuboostctl [flags] <command> [args]

Commands:
  enabled [0|1]           show or set the boost gate
  boost <mhz> [ms]        raise the floor, until unboost or for ms milliseconds
  unboost                 end a boost started without a duration
  status                  show the current boost cycle
  activity [<mhz> <ms>]   show or set the input activity boost
  history [n]             show the last n boost events

Flags:
`

func main() {
	fs := pflag.NewFlagSet("cpuboostctl", pflag.ContinueOnError)
	socket := fs.StringP("socket", "s", control.DefaultSocketPath, "Control socket of the daemon")
	timeout := fs.DurationP("timeout", "t", 2*time.Second, "Request timeout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	lines, err := control.Send(ctx, *socket, strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cpuboostctl: %v\n", err)
		os.Exit(1)
	}

	failed := false
	for _, line := range lines {
		if strings.HasPrefix(line, "error ") {
			failed = true
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(line, "error "))
			continue
		}
		fmt.Println(line)
	}

	if failed {
		os.Exit(1)
	}
}
