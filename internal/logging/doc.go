// Package logging provides structured logging for raftkv nodes.
//
// # Overview
//
// Logger is a small key-value interface backed by logrus. Level and
// format are chosen by configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/raftkv/node.log",
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // Info level, text format, stdout
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Structured Logging
//
// Raft components attach the group and node to every line:
//
//	glog := logger.WithFields("group", 1, "node", 3)
//	glog.Info("became leader", "term", 12)
//
// Output (JSON format):
//
//	{"group":1,"level":"info","msg":"became leader","node":3,"term":12,"ts":"2026-02-18T10:30:00Z"}
//
// Error values are rendered with their message.
//
// # Request ID Tracking
//
//	reqLogger := logger.WithRequestID(logging.GenerateRequestID())
//	reqLogger.Info("put accepted") // Includes request_id field
package logging
