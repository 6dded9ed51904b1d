package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// DefaultIoRetryInterval is the backoff table used for local disk retries.
var DefaultIoRetryInterval = []time.Duration{
	100 * time.Millisecond,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:               0,
			Address:              ":4001",
			ElectTimeout:         15 * time.Second,
			HeartbeatInterval:    2 * time.Second,
			RPCTimeout:           5 * time.Second,
			ConnectTimeout:       2 * time.Second,
			PingInterval:         time.Second,
			MaxPendingWrites:     10000,
			MaxPendingWriteBytes: 256 << 20,
			MaxBodySize:          4 << 20,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// DefaultGroupConfig returns the default settings of a group.
func DefaultGroupConfig(groupID int) GroupConfig {
	g := GroupConfig{GroupID: groupID}
	applyGroupDefaults(&g)
	return g
}

// applyGroupDefaults fills every zero field of g with its default.
func applyGroupDefaults(g *GroupConfig) {
	if g.DataDir == "" {
		g.DataDir = filepath.Join("./data", fmt.Sprintf("group-%d", g.GroupID))
	}
	if g.StatusFile == "" {
		g.StatusFile = "raft.status"
	}
	if g.SyncForce == nil {
		sync := true
		g.SyncForce = &sync
	}
	if len(g.IoRetryInterval) == 0 {
		g.IoRetryInterval = append([]time.Duration(nil), DefaultIoRetryInterval...)
	}
	if g.MaxReplicateItems == 0 {
		g.MaxReplicateItems = 3000
	}
	if g.MaxReplicateBytes == 0 {
		g.MaxReplicateBytes = 16 << 20
	}
	if g.SingleReplicateLimit == 0 {
		g.SingleReplicateLimit = 1800 << 10
	}
	if g.LogFileSize == 0 {
		g.LogFileSize = 1 << 30
	}
	if g.IdxItemsPerFile == 0 {
		g.IdxItemsPerFile = 1 << 20
	}
	if g.IdxFlushThreshold == 0 {
		g.IdxFlushThreshold = 8 << 10
	}
	if g.ItemCacheSize == 0 {
		g.ItemCacheSize = 32 << 20
	}
	if g.DeleteInterval == 0 {
		g.DeleteInterval = 10 * time.Second
	}
	if g.SnapshotInterval == 0 {
		g.SnapshotInterval = time.Hour
	}
}
