// Package config provides configuration parsing and validation for raftkv nodes.
//
// Configuration is a YAML document with three sections:
//
//	server:
//	  nodeId: 1
//	  address: "127.0.0.1:4001"
//	  servers:
//	    - {nodeId: 1, address: "127.0.0.1:4001"}
//	    - {nodeId: 2, address: "127.0.0.1:4002"}
//	    - {nodeId: 3, address: "127.0.0.1:4003"}
//	  electTimeout: 15s
//	  heartbeatInterval: 2s
//	groups:
//	  - groupId: 1
//	    members: [1, 2, 3]
//	    dataDir: /var/lib/raftkv/group-1
//	    logFileSize: 1GB
//	logging:
//	  level: info
//	  format: json
//
// Values of the form ${VAR} or ${VAR:-default} are replaced with the
// environment before parsing. Missing values fall back to DefaultConfig and
// DefaultGroupConfig. Sizes accept KB, MB, GB and TB suffixes.
//
// ValidateConfig returns every problem found, not just the first one:
//
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    for _, err := range errs {
//	        fmt.Println(err)
//	    }
//	}
package config
