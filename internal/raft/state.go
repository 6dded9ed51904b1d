package raft

import (
	"sort"
	"time"
)

// Role is the raft role of a node within one group.
type Role uint8

// Roles. RoleObserver is fixed when the group is created and never changes.
const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleObserver
)

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// RaftStatus is the consensus state of a group. It is owned by the group
// dispatcher and must not be touched from any other goroutine.
type RaftStatus struct {
	CurrentTerm       uint32
	VotedFor          int
	Role              Role
	LeaderID          int
	LastLogIndex      uint64
	LastLogTerm       uint32
	CommitIndex       uint64
	LastApplied       uint64
	LastAppliedTerm   uint32
	LastForceLogIndex uint64

	Members           []int
	Observers         []int
	PreparedMembers   []int
	PreparedObservers []int

	// PrepareIndex is the index of the applied prepare item, zero when no
	// configuration is prepared.
	PrepareIndex uint64

	LastLeaderContact time.Time
	ElectDeadline     time.Time
	HeartbeatTime     time.Time
	LeaderStart       time.Time
	LeaseEnd          time.Time

	// FirstIndexOfTerm is the heartbeat a leader appended when it took
	// over. Entries from it on belong to the current term.
	FirstIndexOfTerm uint64

	Installing  bool
	HoldRequest bool
	Err         error
}

// references reports whether id is part of any configuration.
func (s *ShareStatus) references(id int) bool {
	for _, ids := range [][]int{s.Members, s.Observers, s.PreparedMembers, s.PreparedObservers} {
		if contains(ids, id) {
			return true
		}
	}
	return false
}

// isVoter reports whether id votes in the current or the prepared
// configuration.
func (s *RaftStatus) isVoter(id int) bool {
	return contains(s.Members, id) || contains(s.PreparedMembers, id)
}

// joint reports whether a prepared configuration is in effect.
func (s *RaftStatus) joint() bool {
	return len(s.PreparedMembers) > 0
}

// replicas returns every node that receives entries, voters and observers
// of both configurations, without self.
func (s *RaftStatus) replicas(self int) []int {
	var out []int
	for _, ids := range [][]int{s.Members, s.Observers, s.PreparedMembers, s.PreparedObservers} {
		for _, id := range ids {
			if id != self && !contains(out, id) {
				out = append(out, id)
			}
		}
	}
	sort.Ints(out)
	return out
}

// ShareStatus is an immutable copy of the externally interesting part of
// RaftStatus. A new value is published after every dispatcher step.
type ShareStatus struct {
	GroupID           int
	NodeID            int
	Role              Role
	Term              uint32
	LeaderID          int
	LeaseEnd          time.Time
	LastLogIndex      uint64
	LastApplied       uint64
	CommitIndex       uint64
	LastForceLogIndex uint64
	Members           []int
	Observers         []int
	PreparedMembers   []int
	PreparedObservers []int
	PrepareIndex      uint64
	Installing        bool
	Err               error

	// FirstCommitOfApplied is closed once a leader has applied the first
	// entry of its own term. Lease reads wait for it.
	FirstCommitOfApplied <-chan struct{}
}

// IsLeader reports whether the node was leader when the status was taken.
func (s *ShareStatus) IsLeader() bool {
	return s.Role == RoleLeader
}

// LeaseValid reports whether the leader lease still holds at now.
func (s *ShareStatus) LeaseValid(now time.Time) bool {
	return s.Role == RoleLeader && now.Before(s.LeaseEnd)
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func copyIDs(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	return append([]int(nil), ids...)
}

func quorum(n int) int {
	return n/2 + 1
}

func hasQuorum(voters []int, granted map[int]bool) bool {
	n := 0
	for _, id := range voters {
		if granted[id] {
			n++
		}
	}
	return n >= quorum(len(voters))
}

// quorumIndex returns the highest index reached by a quorum of voters.
func quorumIndex(voters []int, indexOf func(id int) uint64) uint64 {
	if len(voters) == 0 {
		return 0
	}
	vals := make([]uint64, len(voters))
	for i, id := range voters {
		vals[i] = indexOf(id)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] > vals[j] })
	return vals[quorum(len(vals))-1]
}

// quorumTime returns the latest time reached by a quorum of voters.
func quorumTime(voters []int, timeOf func(id int) time.Time) time.Time {
	if len(voters) == 0 {
		return time.Time{}
	}
	vals := make([]time.Time, len(voters))
	for i, id := range voters {
		vals[i] = timeOf(id)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].After(vals[j]) })
	return vals[quorum(len(vals))-1]
}
