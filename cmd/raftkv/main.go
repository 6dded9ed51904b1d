// Package main provides the entry point for the raftkv node and client CLI.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	exitCode := run(os.Args)
	os.Exit(exitCode)
}

// run executes the CLI and returns an exit code.
// This is separated from main() to facilitate testing.
func run(args []string) int {
	if len(args) < 2 {
		printUsage(os.Stdout)
		return 1
	}

	switch args[1] {
	case "serve":
		return serveCmd(args[2:])
	case "kv":
		return kvCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[1])
		fmt.Fprintln(os.Stderr, "Run 'raftkv help' for usage.")
		return 1
	}
}

// newFlagSet returns a flag set for a command that reports parse errors on
// stderr, along with its -h and -help flag.
func newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	help := fs.Bool("h", false, "Show help message")
	fs.BoolVar(help, "help", false, "Show help message")
	return fs, help
}

// dispatch runs the subcommand named by args[0]. Without one, or with a
// help request, it prints usage and succeeds.
func dispatch(name string, args []string, usage func(io.Writer), subs map[string]func([]string) int) int {
	if len(args) == 0 {
		usage(os.Stdout)
		return 0
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return 0
	}
	sub, ok := subs[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s subcommand: %s\n", name, args[0])
		fmt.Fprintf(os.Stderr, "Run 'raftkv %s help' for usage.\n", name)
		return 1
	}
	return sub(args[1:])
}
