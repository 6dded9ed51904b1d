package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a leader-only operation reaches a non-leader.
	// Errors of type *NotLeaderError match it with errors.Is.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrGroupNotFound is returned for an unknown group id.
	ErrGroupNotFound = errors.New("raft: group not found")

	// ErrGroupStopping is returned for work that was pending when the group stopped.
	ErrGroupStopping = errors.New("raft: group stopping")

	// ErrGroupFailed is returned by a group that hit a fatal storage error.
	ErrGroupFailed = errors.New("raft: group failed")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrOverloaded is returned when pending writes exceed the configured limits.
	ErrOverloaded = errors.New("raft: too many pending writes")

	// ErrRequestTooLarge is returned for a payload above the max body size.
	ErrRequestTooLarge = errors.New("raft: request too large")

	// ErrTransferInProgress is returned while a leadership transfer holds requests.
	ErrTransferInProgress = errors.New("raft: leadership transfer in progress")

	// ErrJointInProgress is returned when a configuration change is already prepared.
	ErrJointInProgress = errors.New("raft: joint consensus already prepared")

	// ErrNoPreparedConfig is returned when abort or commit has nothing to act on.
	ErrNoPreparedConfig = errors.New("raft: no prepared configuration")

	// ErrNotStarted is returned by operations that need a started server.
	ErrNotStarted = errors.New("raft: server not started")

	// ErrUnknownNode is returned for a node id the server was never told about.
	ErrUnknownNode = errors.New("raft: unknown node")

	// ErrNodeInUse is returned when removing a node a group still references.
	ErrNodeInUse = errors.New("raft: node in use")

	// ErrPrepareIndexMismatch is returned when a commit names another prepare.
	ErrPrepareIndexMismatch = errors.New("raft: prepare index mismatch")

	// ErrSnapshotRunning is returned when a snapshot is requested while one is being saved.
	ErrSnapshotRunning = errors.New("raft: snapshot already running")

	// ErrNoSnapshot is returned when a follower needs a snapshot but none exists.
	ErrNoSnapshot = errors.New("raft: no snapshot available")

	// ErrTransportClosed is returned when transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrConnectFailed is returned when connection to peer fails.
	ErrConnectFailed = errors.New("raft: connection failed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError reports the leader this node currently knows about.
// LeaderID is zero when no leader is known.
type NotLeaderError struct {
	LeaderID int
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "raft: not the leader, leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, leader is node %d", e.LeaderID)
}

// Is makes errors.Is(err, ErrNotLeader) hold.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// RaftError is a failure inside the raft core with its underlying cause.
type RaftError struct {
	Msg   string
	Cause error
}

func (e *RaftError) Error() string {
	if e.Cause == nil {
		return "raft: " + e.Msg
	}
	return "raft: " + e.Msg + ": " + e.Cause.Error()
}

func (e *RaftError) Unwrap() error {
	return e.Cause
}
