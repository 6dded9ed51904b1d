package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateServerConfig(&config.Server)...)

	servers := make(map[int]bool, len(config.Server.Servers))
	for _, p := range config.Server.Servers {
		servers[p.NodeID] = true
	}
	seenGroups := make(map[int]bool, len(config.Groups))
	for i := range config.Groups {
		g := &config.Groups[i]
		prefix := fmt.Sprintf("groups[%d]", i)
		if seenGroups[g.GroupID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".groupId",
				Message: fmt.Sprintf("duplicate group id %d", g.GroupID),
			})
		}
		seenGroups[g.GroupID] = true
		errs = append(errs, validateGroupConfig(prefix, g, servers)...)
	}

	errs = append(errs, validateLogConfig(&config.Logging)...)

	return errs
}

func validateServerConfig(config *ServerConfig) []error {
	var errs []error

	if config.NodeID <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.nodeId",
			Message: "must be positive",
		})
	}

	if err := validateAddress(config.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.address",
			Message: err.Error(),
		})
	}

	seen := make(map[int]bool)
	selfListed := false
	for i, p := range config.Servers {
		field := fmt.Sprintf("server.servers[%d]", i)
		if p.NodeID <= 0 {
			errs = append(errs, ValidationError{Field: field + ".nodeId", Message: "must be positive"})
		}
		if seen[p.NodeID] {
			errs = append(errs, ValidationError{
				Field:   field + ".nodeId",
				Message: fmt.Sprintf("duplicate server id %d", p.NodeID),
			})
		}
		seen[p.NodeID] = true
		if p.NodeID == config.NodeID {
			selfListed = true
		}
		if err := validateAddress(p.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
	}
	if len(config.Servers) > 0 && !selfListed {
		errs = append(errs, ValidationError{
			Field:   "server.servers",
			Message: fmt.Sprintf("local node %d is not listed", config.NodeID),
		})
	}

	if config.ElectTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "server.electTimeout", Message: "must be positive"})
	}
	if config.HeartbeatInterval <= 0 {
		errs = append(errs, ValidationError{Field: "server.heartbeatInterval", Message: "must be positive"})
	} else if config.HeartbeatInterval >= config.ElectTimeout {
		errs = append(errs, ValidationError{
			Field:   "server.heartbeatInterval",
			Message: "must be smaller than electTimeout",
		})
	}
	if config.RPCTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "server.rpcTimeout", Message: "must be positive"})
	}
	if config.MaxPendingWrites < 0 {
		errs = append(errs, ValidationError{Field: "server.maxPendingWrites", Message: "must be non-negative"})
	}
	if config.MaxPendingWriteBytes < 0 {
		errs = append(errs, ValidationError{Field: "server.maxPendingWriteBytes", Message: "must be non-negative"})
	}
	if config.MaxBodySize <= 0 {
		errs = append(errs, ValidationError{Field: "server.maxBodySize", Message: "must be positive"})
	}

	return errs
}

func validateGroupConfig(prefix string, g *GroupConfig, servers map[int]bool) []error {
	var errs []error

	if g.GroupID < 0 {
		errs = append(errs, ValidationError{Field: prefix + ".groupId", Message: "must be non-negative"})
	}
	if len(g.Members) == 0 {
		errs = append(errs, ValidationError{Field: prefix + ".members", Message: "at least one member is required"})
	}

	members := make(map[int]bool, len(g.Members))
	for _, id := range g.Members {
		if members[id] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".members",
				Message: fmt.Sprintf("duplicate member %d", id),
			})
		}
		members[id] = true
		if len(servers) > 0 && !servers[id] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".members",
				Message: fmt.Sprintf("member %d is not in server.servers", id),
			})
		}
	}
	for _, id := range g.Observers {
		if members[id] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".observers",
				Message: fmt.Sprintf("node %d is both member and observer", id),
			})
		}
		if len(servers) > 0 && !servers[id] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".observers",
				Message: fmt.Sprintf("observer %d is not in server.servers", id),
			})
		}
	}

	if g.DataDir == "" {
		errs = append(errs, ValidationError{Field: prefix + ".dataDir", Message: "data directory is required"})
	}
	for i, d := range g.IoRetryInterval {
		if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.ioRetryInterval[%d]", prefix, i),
				Message: "must be positive",
			})
		}
	}

	size := int64(g.LogFileSize)
	if size < 64<<10 || size&(size-1) != 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".logFileSize",
			Message: "must be a power of two of at least 64KB",
		})
	}
	n := g.IdxItemsPerFile
	if n < 1024 || n&(n-1) != 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".idxItemsPerFile",
			Message: "must be a power of two of at least 1024",
		})
	}
	if g.IdxFlushThreshold <= 0 {
		errs = append(errs, ValidationError{Field: prefix + ".idxFlushThreshold", Message: "must be positive"})
	}
	if g.MaxReplicateItems <= 0 {
		errs = append(errs, ValidationError{Field: prefix + ".maxReplicateItems", Message: "must be positive"})
	}
	if g.MaxReplicateBytes <= 0 {
		errs = append(errs, ValidationError{Field: prefix + ".maxReplicateBytes", Message: "must be positive"})
	}
	if g.SingleReplicateLimit <= 0 {
		errs = append(errs, ValidationError{Field: prefix + ".singleReplicateLimit", Message: "must be positive"})
	} else if int64(g.SingleReplicateLimit) > size/2 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".singleReplicateLimit",
			Message: "must not exceed half of logFileSize",
		})
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if config.Format != "" && logging.ParseFormat(config.Format) == logging.FormatText &&
		strings.ToLower(config.Format) != "text" {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: text, json",
		})
	}

	return errs
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
