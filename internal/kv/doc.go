// Package kv is a replicated key/value store built on package raft.
//
// Keys are spread over the raft groups of a server by hash. Writes go
// through the group log; reads are served by the leader after a lease
// check once the read index is applied locally. Snapshots are msgpack
// streams compressed with snappy.
package kv
