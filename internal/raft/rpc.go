package raft

import (
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// AppendCode tells the leader why an append was rejected.
type AppendCode int

// Append rejection codes.
const (
	AppendCodeSuccess AppendCode = iota
	// AppendCodeLogNotMatch means prevLogIndex/prevLogTerm did not match;
	// MaxLogIndex/MaxLogTerm carry the follower's hint for the match search.
	AppendCodeLogNotMatch
	// AppendCodePrevLogIndexLessThanLocalCommit means the leader tried to
	// rewrite entries the follower already committed.
	AppendCodePrevLogIndexLessThanLocalCommit
	// AppendCodeClientReqError means the request was malformed.
	AppendCodeClientReqError
	// AppendCodeServerSysError means the follower failed to persist the entries.
	AppendCodeServerSysError
)

// String returns the string representation of an AppendCode.
func (c AppendCode) String() string {
	switch c {
	case AppendCodeSuccess:
		return "SUCCESS"
	case AppendCodeLogNotMatch:
		return "LOG_NOT_MATCH"
	case AppendCodePrevLogIndexLessThanLocalCommit:
		return "PREV_LOG_INDEX_LESS_THAN_LOCAL_COMMIT"
	case AppendCodeClientReqError:
		return "CLIENT_REQ_ERROR"
	case AppendCodeServerSysError:
		return "SERVER_SYS_ERROR"
	default:
		return "UNKNOWN"
	}
}

// AppendEntriesRequest is sent by the leader to replicate entries.
type AppendEntriesRequest struct {
	GroupID      int              `msgpack:"g"`
	Term         uint32           `msgpack:"t"`
	LeaderID     int              `msgpack:"l"`
	PrevLogIndex uint64           `msgpack:"pi"`
	PrevLogTerm  uint32           `msgpack:"pt"`
	LeaderCommit uint64           `msgpack:"c"`
	Entries      []*store.LogItem `msgpack:"e"`
}

// AppendEntriesResponse is the reply to AppendEntries.
type AppendEntriesResponse struct {
	Term        uint32     `msgpack:"t"`
	Success     bool       `msgpack:"s"`
	AppendCode  AppendCode `msgpack:"c"`
	MaxLogIndex uint64     `msgpack:"mi"`
	MaxLogTerm  uint32     `msgpack:"mt"`
}

// RequestVoteRequest is sent by candidates. With PreVote set the receiver
// only reports whether it would vote and changes no state.
type RequestVoteRequest struct {
	GroupID      int    `msgpack:"g"`
	Term         uint32 `msgpack:"t"`
	CandidateID  int    `msgpack:"c"`
	LastLogIndex uint64 `msgpack:"li"`
	LastLogTerm  uint32 `msgpack:"lt"`
	PreVote      bool   `msgpack:"p"`
}

// RequestVoteResponse is the reply to RequestVote.
type RequestVoteResponse struct {
	Term        uint32 `msgpack:"t"`
	VoteGranted bool   `msgpack:"v"`
}

// InstallSnapshotRequest carries one chunk of a snapshot. The first chunk
// has Start set, the last one Done.
type InstallSnapshotRequest struct {
	GroupID  int          `msgpack:"g"`
	Term     uint32       `msgpack:"t"`
	LeaderID int          `msgpack:"l"`
	Meta     SnapshotMeta `msgpack:"m"`
	Offset   uint64       `msgpack:"o"`
	Data     []byte       `msgpack:"d"`
	Start    bool         `msgpack:"s"`
	Done     bool         `msgpack:"f"`
}

// InstallSnapshotResponse is the reply to InstallSnapshot.
type InstallSnapshotResponse struct {
	Term    uint32 `msgpack:"t"`
	Success bool   `msgpack:"s"`
}

// TransferLeaderRequest asks a caught up follower to take over leadership.
type TransferLeaderRequest struct {
	GroupID     int    `msgpack:"g"`
	Term        uint32 `msgpack:"t"`
	OldLeaderID int    `msgpack:"l"`
	LogIndex    uint64 `msgpack:"i"`
}

// TransferLeaderResponse is the reply to TransferLeader.
type TransferLeaderResponse struct {
	Term    uint32 `msgpack:"t"`
	Success bool   `msgpack:"s"`
	Reason  string `msgpack:"r"`
}

// PingRequest announces a node and the id of its running instance.
type PingRequest struct {
	NodeID int    `msgpack:"n"`
	UUID   string `msgpack:"u"`
}

// PingResponse is the reply to Ping.
type PingResponse struct {
	NodeID int    `msgpack:"n"`
	UUID   string `msgpack:"u"`
}
