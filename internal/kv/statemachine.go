package kv

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/raft"
)

const snapshotsKept = 2

// StateMachine is the raft.StateMachine of one group. Exec runs on the
// group dispatcher; Get may be called from any goroutine.
type StateMachine struct {
	mu      sync.RWMutex
	data    map[string][]byte
	applied uint64

	snaps  *raft.SnapshotStore
	logger logging.Logger

	installMu sync.Mutex
	sink      *raft.SnapshotSink
}

// NewStateMachine creates an empty state machine keeping its snapshots
// in dir.
func NewStateMachine(dir string, logger logging.Logger) (*StateMachine, error) {
	snaps, err := raft.NewSnapshotStore(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StateMachine{
		data:   make(map[string][]byte),
		snaps:  snaps,
		logger: logger,
	}, nil
}

// Get returns the value of key.
func (m *StateMachine) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Len returns the number of keys.
func (m *StateMachine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Applied returns the index of the last executed command.
func (m *StateMachine) Applied() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// Decode implements raft.StateMachine.
func (m *StateMachine) Decode(data []byte) (interface{}, error) {
	return DecodeCommand(data)
}

// Exec implements raft.StateMachine.
func (m *StateMachine) Exec(index uint64, cmd interface{}) (interface{}, error) {
	c, ok := cmd.(*Command)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadCommand, cmd)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = index

	switch c.Op {
	case OpPut:
		_, exists := m.data[c.Key]
		m.data[c.Key] = c.Value
		if exists {
			return &Result{Code: CodeSuccessOverwrite}, nil
		}
		return &Result{Code: CodeSuccess}, nil
	case OpRemove:
		if _, exists := m.data[c.Key]; !exists {
			return &Result{Code: CodeNotFound}, nil
		}
		delete(m.data, c.Key)
		return &Result{Code: CodeSuccess}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, c.Op)
	}
}

// SaveSnapshot implements raft.StateMachine. The map is copied on the
// dispatcher and written out by the returned function.
func (m *StateMachine) SaveSnapshot(meta raft.SnapshotMeta) (func(ctx context.Context) error, error) {
	m.mu.RLock()
	state := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		state[k] = v
	}
	m.mu.RUnlock()

	return func(ctx context.Context) error {
		sink, err := m.snaps.Create(meta)
		if err != nil {
			return err
		}
		if err := writeState(ctx, sink, state); err != nil {
			_ = sink.Abort()
			return err
		}
		if err := sink.Commit(); err != nil {
			return err
		}
		if err := m.snaps.Retain(snapshotsKept); err != nil {
			m.logger.Warn("remove old snapshots failed", "error", err)
		}
		return nil
	}, nil
}

// writeState encodes state as a count followed by sorted key/value pairs.
func writeState(ctx context.Context, w io.Writer, state map[string][]byte) error {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zw := snappy.NewBufferedWriter(w)
	enc := msgpack.NewEncoder(zw)
	if err := enc.EncodeInt(int64(len(keys))); err != nil {
		return err
	}
	for i, k := range keys {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeBytes(state[k]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func readState(r io.Reader) (map[string][]byte, error) {
	dec := msgpack.NewDecoder(snappy.NewReader(r))
	n, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	state := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		state[k] = v
	}
	return state, nil
}

// InitFromLatestSnapshot implements raft.StateMachine.
func (m *StateMachine) InitFromLatestSnapshot(ctx context.Context) (*raft.SnapshotMeta, error) {
	return m.restore()
}

func (m *StateMachine) restore() (*raft.SnapshotMeta, error) {
	f, err := m.snaps.Open()
	if err != nil || f == nil {
		return nil, err
	}
	defer f.Close()
	state, err := readState(f)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	meta := f.Meta()
	m.mu.Lock()
	m.data = state
	m.applied = meta.LastIncludedIndex
	m.mu.Unlock()
	m.logger.Info("state restored from snapshot", "index", meta.LastIncludedIndex, "keys", len(state))
	return &meta, nil
}

// OpenLatestSnapshot implements raft.StateMachine.
func (m *StateMachine) OpenLatestSnapshot() (raft.Snapshot, error) {
	f, err := m.snaps.Open()
	if err != nil || f == nil {
		return nil, err
	}
	return f, nil
}

// ReadNext implements raft.StateMachine.
func (m *StateMachine) ReadNext(ctx context.Context, snap raft.Snapshot, max int) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f, ok := snap.(*raft.SnapshotFile)
	if !ok {
		return nil, false, fmt.Errorf("kv: unexpected snapshot type %T", snap)
	}
	return f.ReadChunk(max)
}

// InstallSnapshot implements raft.StateMachine. Chunks are written to a
// new snapshot file which replaces the state once complete.
func (m *StateMachine) InstallSnapshot(ctx context.Context, meta raft.SnapshotMeta, offset uint64, start, finish bool, data []byte) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	if start {
		if m.sink != nil {
			_ = m.sink.Abort()
		}
		sink, err := m.snaps.Create(meta)
		if err != nil {
			return err
		}
		m.sink = sink
	}
	if m.sink == nil {
		return fmt.Errorf("kv: snapshot chunk at %d without start", offset)
	}
	if len(data) > 0 {
		if _, err := m.sink.WriteAt(data, int64(offset)); err != nil {
			return err
		}
	}
	if !finish {
		return nil
	}
	sink := m.sink
	m.sink = nil
	if err := sink.Commit(); err != nil {
		return err
	}
	if _, err := m.restore(); err != nil {
		return err
	}
	if err := m.snaps.Retain(snapshotsKept); err != nil {
		m.logger.Warn("remove old snapshots failed", "error", err)
	}
	return nil
}
