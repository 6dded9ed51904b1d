package raft

import (
	"context"
)

// SnapshotMeta describes the log position and membership a snapshot
// covers.
type SnapshotMeta struct {
	LastIncludedIndex uint64 `msgpack:"i"`
	LastIncludedTerm  uint32 `msgpack:"t"`
	Members           []int  `msgpack:"m"`
	Observers         []int  `msgpack:"o"`
	PreparedMembers   []int  `msgpack:"pm"`
	PreparedObservers []int  `msgpack:"po"`
	PrepareIndex      uint64 `msgpack:"pi,omitempty"`
}

// Snapshot is an opened snapshot that is streamed to a follower.
type Snapshot interface {
	Meta() SnapshotMeta
	Close() error
}

// StateMachine is the replicated application. Decode and Exec run on the
// group dispatcher in index order and must not block; results of Exec are
// handed to the submitter of the entry.
type StateMachine interface {
	// Decode parses the payload of a normal log item.
	Decode(data []byte) (interface{}, error)
	// Exec applies a decoded command at index.
	Exec(index uint64, cmd interface{}) (interface{}, error)

	// InitFromLatestSnapshot restores the newest saved snapshot when the
	// group starts. It returns nil when there is none.
	InitFromLatestSnapshot(ctx context.Context) (*SnapshotMeta, error)
	// SaveSnapshot captures the state as of meta.LastIncludedIndex. It runs
	// on the dispatcher; the returned function persists the captured state
	// and runs on another goroutine.
	SaveSnapshot(meta SnapshotMeta) (func(ctx context.Context) error, error)
	// OpenLatestSnapshot opens the newest saved snapshot, or returns nil
	// when there is none.
	OpenLatestSnapshot() (Snapshot, error)
	// ReadNext returns the next chunk of at most max bytes and whether it is
	// the last one.
	ReadNext(ctx context.Context, snap Snapshot, max int) (data []byte, done bool, err error)
	// InstallSnapshot receives chunks sent by the leader. start marks the
	// first chunk, finish the last; after the last chunk the state machine
	// holds the snapshot state.
	InstallSnapshot(ctx context.Context, meta SnapshotMeta, offset uint64, start, finish bool, data []byte) error
}
