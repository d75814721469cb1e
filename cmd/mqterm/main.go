// Command mqterm runs a device terminal agent or executes one command on a
// remote device over MQTT v5.
//
//	mqterm serve -config agent.yaml
//	mqterm exec -config shell.yaml devices/esp32 ls /
//	mqterm exec -upload main.py devices/esp32 cp main.py
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		}
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "exec":
		return runExec(ctx, args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	}

	usage(stderr)
	return errUsage
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: mqterm <command> [flags]

Commands:
  serve     run the device terminal agent
  exec      run one command on a device: exec [flags] <prefix> <command> [args...]
  version   print the version
`)
}

func newFlagSet(name string, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(w)
	return fs
}
