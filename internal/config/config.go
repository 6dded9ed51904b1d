// Package config provides configuration parsing and validation for raftkv nodes.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Groups  []GroupConfig `yaml:"groups"`
	Logging LogConfig     `yaml:"logging"`
}

// ServerConfig holds node-wide raft settings shared by all groups.
type ServerConfig struct {
	NodeID               int           `yaml:"nodeId"`
	Address              string        `yaml:"address"`
	Servers              []PeerConfig  `yaml:"servers"`
	ElectTimeout         time.Duration `yaml:"electTimeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	RPCTimeout           time.Duration `yaml:"rpcTimeout"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	MaxPendingWrites     int           `yaml:"maxPendingWrites"`
	MaxPendingWriteBytes ByteSize      `yaml:"maxPendingWriteBytes"`
	MaxBodySize          ByteSize      `yaml:"maxBodySize"`
}

// PeerConfig names one server of the cluster.
type PeerConfig struct {
	NodeID  int    `yaml:"nodeId"`
	Address string `yaml:"address"`
}

// GroupConfig holds the settings of one raft group hosted by this node.
type GroupConfig struct {
	GroupID              int             `yaml:"groupId"`
	Members              []int           `yaml:"members"`
	Observers            []int           `yaml:"observers"`
	DataDir              string          `yaml:"dataDir"`
	StatusFile           string          `yaml:"statusFile"`
	SyncForce            *bool           `yaml:"syncForce"`
	IoRetryInterval      []time.Duration `yaml:"ioRetryInterval"`
	MaxReplicateItems    int             `yaml:"maxReplicateItems"`
	MaxReplicateBytes    ByteSize        `yaml:"maxReplicateBytes"`
	SingleReplicateLimit ByteSize        `yaml:"singleReplicateLimit"`
	LogFileSize          ByteSize        `yaml:"logFileSize"`
	IdxItemsPerFile      int             `yaml:"idxItemsPerFile"`
	IdxFlushThreshold    int             `yaml:"idxFlushThreshold"`
	ItemCacheSize        ByteSize        `yaml:"itemCacheSize"`
	DeleteInterval       time.Duration   `yaml:"deleteInterval"`
	SnapshotInterval     time.Duration   `yaml:"snapshotInterval"`
}

// Sync reports whether log appends are fsynced before acknowledgement.
func (g *GroupConfig) Sync() bool {
	return g.SyncForce == nil || *g.SyncForce
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ByteSize is a size in bytes that accepts suffixed values such as "16MB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := parseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String renders the size with the largest exact binary suffix.
func (b ByteSize) String() string {
	units := []struct {
		suffix string
		size   int64
	}{
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
	}
	n := int64(b)
	for _, u := range units {
		if n != 0 && n%u.size == 0 {
			return fmt.Sprintf("%d%s", n/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d", n)
}

// Peer returns the configured address of the given node.
func (c *Config) Peer(nodeID int) (PeerConfig, bool) {
	for _, p := range c.Server.Servers {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// Group returns the group config with the given id.
func (c *Config) Group(groupID int) (*GroupConfig, bool) {
	for i := range c.Groups {
		if c.Groups[i].GroupID == groupID {
			return &c.Groups[i], true
		}
	}
	return nil, false
}

// parseSize parses a size string like "256MB" or "1GB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			var num int64
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
				return 0, fmt.Errorf("invalid size format: %s", s)
			}
			return num * m.mult, nil
		}
	}

	var num int64
	if _, err := fmt.Sscanf(s, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	return num, nil
}
