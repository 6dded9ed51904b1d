package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `raftkv - Multi-group raft key value store

Usage:
  raftkv <command> [options]

Commands:
  serve       Start a raftkv node
  kv          Read and write keys of a running cluster
  config      Configuration management
  version     Show version information

Use "raftkv <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a raftkv node

Usage:
  raftkv serve [options]

Options:
  -config string
        Path to configuration file
  -node-id int
        Id of this node (overrides config)
  -address string
        Raft and client listen address (overrides config, default ":4001")
  -data-dir string
        Base directory of the group data (overrides config)
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Without groups in the configuration the node hosts group 0 with every
configured server as member.

Environment Variables:
  RAFTKV_SERVER_NODE_ID    Override node id
  RAFTKV_SERVER_ADDRESS    Override listen address
  RAFTKV_DATA_DIR          Override base data directory
  RAFTKV_LOGGING_LEVEL     Override log level
  RAFTKV_LOGGING_FORMAT    Override log format
  RAFTKV_LOGGING_OUTPUT    Override log output
`)
}

// printKVUsage prints the kv command usage.
func printKVUsage(w io.Writer) {
	fmt.Fprint(w, `Read and write keys of a running cluster

Usage:
  raftkv kv <subcommand> [options] <key> [value]

Subcommands:
  put         Store a value
  get         Print a value
  remove      Delete a key

Options:
  -servers string
        Comma separated id=host:port list (default "1=127.0.0.1:4001")
  -config string
        Read the server list from a configuration file
  -timeout duration
        Request timeout (default 5s)
  -h, -help
        Show this help message
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  raftkv config <subcommand> [options]

Subcommands:
  validate    Validate configuration file
  init        Generate default configuration
  show        Show effective configuration

Use "raftkv config <subcommand> -h" for more information.
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  raftkv version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}

func printConfigValidateUsage(w io.Writer) {
	fmt.Fprint(w, `Check a configuration file for errors

Usage:
  raftkv config validate -config <file>

Prints every invalid field and exits with 1 when there is any.
`)
}

func printConfigInitUsage(w io.Writer) {
	fmt.Fprint(w, `Print a single node configuration hosting group 0

Usage:
  raftkv config init [-node-id <id>]

Options:
  -node-id int
        Id of the node (default 1)
`)
}

func printConfigShowUsage(w io.Writer) {
	fmt.Fprint(w, `Print the configuration a node would run with

Usage:
  raftkv config show [-config <file>] [-format yaml|json]

Environment overrides and the default group are applied first.
`)
}
