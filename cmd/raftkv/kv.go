package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/config"
	"github.com/KilimcininKorOglu/raftkv/internal/kv"
)

const defaultServers = "1=127.0.0.1:4001"

// kvCmd handles the kv command.
func kvCmd(args []string) int {
	request := func(op string) func([]string) int {
		return func(args []string) int { return kvRequestCmd(op, args) }
	}
	return dispatch("kv", args, printKVUsage, map[string]func([]string) int{
		"put":    request("put"),
		"get":    request("get"),
		"remove": request("remove"),
	})
}

// kvRequestCmd sends one put, get or remove request and prints the outcome.
func kvRequestCmd(op string, args []string) int {
	fs, help := newFlagSet("kv " + op)

	servers := fs.String("servers", defaultServers, "Comma separated id=host:port list")
	configFile := fs.String("config", "", "Read the server list from a configuration file")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		printKVUsage(os.Stdout)
		return 0
	}

	want := 1
	if op == "put" {
		want = 2
	}
	if fs.NArg() != want {
		fmt.Fprintf(os.Stderr, "Error: %s expects %d argument(s), got %d\n", op, want, fs.NArg())
		return 1
	}

	peers, err := resolvePeers(*servers, *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	c := kv.NewClient(peers, *timeout)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	key := fs.Arg(0)
	var code kv.BizCode
	var value []byte
	switch op {
	case "put":
		code, err = c.Put(ctx, key, []byte(fs.Arg(1)))
	case "get":
		value, code, err = c.Get(ctx, key)
	case "remove":
		code, err = c.Remove(ctx, key)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}

	switch {
	case op == "get" && code == kv.CodeSuccess:
		fmt.Println(string(value))
	case code == kv.CodeSuccess, code == kv.CodeSuccessOverwrite:
		fmt.Println(code)
	default:
		fmt.Fprintln(os.Stderr, code)
		return 2
	}
	return 0
}

// resolvePeers returns the server addresses from the config file when one
// is given, otherwise from the servers flag.
func resolvePeers(servers, configFile string) (map[int]string, error) {
	if configFile == "" {
		return parsePeers(servers)
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	peers := make(map[int]string, len(cfg.Server.Servers))
	for _, p := range cfg.Server.Servers {
		peers[p.NodeID] = p.Address
	}
	if len(peers) == 0 && cfg.Server.NodeID > 0 {
		peers[cfg.Server.NodeID] = cfg.Server.Address
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%s lists no servers", configFile)
	}
	return peers, nil
}

// parsePeers parses a list like "1=host:4001,2=host:4002".
func parsePeers(s string) (map[int]string, error) {
	peers := make(map[int]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, addr, ok := strings.Cut(part, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid server %q, want id=host:port", part)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid server id %q", idStr)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("duplicate server id %d", id)
		}
		peers[id] = addr
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("no servers given")
	}
	return peers, nil
}
