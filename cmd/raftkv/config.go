package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KilimcininKorOglu/raftkv/internal/config"
)

// configCmd handles the config command.
func configCmd(args []string) int {
	return dispatch("config", args, printConfigUsage, map[string]func([]string) int{
		"validate": configValidateCmd,
		"init":     configInitCmd,
		"show":     configShowCmd,
	})
}

// configValidateCmd handles the config validate subcommand.
func configValidateCmd(args []string) int {
	fs, help := newFlagSet("config validate")

	configFile := fs.String("config", "", "Path to configuration file")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		printConfigValidateUsage(os.Stdout)
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		printConfigErrors(errs)
		return 1
	}

	fmt.Println("Configuration is valid")
	return 0
}

// configInitCmd handles the config init subcommand.
func configInitCmd(args []string) int {
	fs, help := newFlagSet("config init")

	nodeID := fs.Int("node-id", 1, "Id of the node")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		printConfigInitUsage(os.Stdout)
		return 0
	}

	data, err := config.Marshal(initConfig(*nodeID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
		return 1
	}

	fmt.Println("# raftkv node configuration")
	fmt.Println("# Generated by: raftkv config init")
	fmt.Println()
	fmt.Print(string(data))
	return 0
}

// initConfig returns a single node configuration hosting group 0.
func initConfig(nodeID int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.NodeID = nodeID
	cfg.Server.Servers = []config.PeerConfig{{NodeID: nodeID, Address: "127.0.0.1" + cfg.Server.Address}}
	g := config.DefaultGroupConfig(0)
	g.Members = []int{nodeID}
	cfg.Groups = []config.GroupConfig{g}
	return cfg
}

// configShowCmd handles the config show subcommand.
func configShowCmd(args []string) int {
	fs, help := newFlagSet("config show")

	configFile := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "yaml", "Output format (yaml, json)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		printConfigShowUsage(os.Stdout)
		return 0
	}

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	prepareConfig(cfg, "")

	switch strings.ToLower(*format) {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	default:
		data, err := config.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	}

	return 0
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern RAFTKV_<SECTION>_<KEY>.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("RAFTKV_SERVER_NODE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Server.NodeID = id
		}
	}
	if v := os.Getenv("RAFTKV_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RAFTKV_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RAFTKV_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RAFTKV_LOGGING_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

// ensureGroups adds group 0 when the configuration hosts no group. Its
// members are the configured servers, or this node alone.
func ensureGroups(cfg *config.Config) {
	if len(cfg.Groups) > 0 {
		return
	}
	g := config.DefaultGroupConfig(0)
	for _, p := range cfg.Server.Servers {
		g.Members = append(g.Members, p.NodeID)
	}
	if len(g.Members) == 0 && cfg.Server.NodeID > 0 {
		g.Members = []int{cfg.Server.NodeID}
	}
	cfg.Groups = []config.GroupConfig{g}
}

// prepareConfig applies the environment, fills in the default group and
// relocates the group data under dataDir when one is given.
func prepareConfig(cfg *config.Config, dataDir string) {
	applyEnvOverrides(cfg)
	ensureGroups(cfg)
	if v := os.Getenv("RAFTKV_DATA_DIR"); v != "" {
		dataDir = v
	}
	if dataDir != "" {
		applyDataDir(cfg, dataDir)
	}
}

// applyDataDir places every group under dir/group-<id>.
func applyDataDir(cfg *config.Config, dir string) {
	for i := range cfg.Groups {
		cfg.Groups[i].DataDir = filepath.Join(dir, fmt.Sprintf("group-%d", cfg.Groups[i].GroupID))
	}
}

func printConfigErrors(errs []error) {
	fmt.Fprintln(os.Stderr, "Configuration errors:")
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
}
