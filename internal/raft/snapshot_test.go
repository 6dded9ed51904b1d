package raft

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T, s *SnapshotStore, index uint64, term uint32, data string) {
	t.Helper()
	sink, err := s.Create(SnapshotMeta{LastIncludedIndex: index, LastIncludedTerm: term, Members: []int{1, 2, 3}})
	require.NoError(t, err)
	_, err = sink.Write([]byte(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), sink.Size())
	require.NoError(t, sink.Commit())
}

func TestSnapshotStoreLatest(t *testing.T) {
	s, err := NewSnapshotStore(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)

	meta, err := s.Latest()
	require.NoError(t, err)
	require.Nil(t, meta)
	f, err := s.Open()
	require.NoError(t, err)
	require.Nil(t, f)

	writeSnapshot(t, s, 10, 1, "first")
	writeSnapshot(t, s, 20, 2, "second snapshot")

	meta, err = s.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(20), meta.LastIncludedIndex)
	require.Equal(t, uint32(2), meta.LastIncludedTerm)
	require.Equal(t, []int{1, 2, 3}, meta.Members)

	f, err = s.Open()
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, uint64(20), f.Meta().LastIncludedIndex)

	chunk, done, err := f.ReadChunk(6)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "second", string(chunk))
	chunk, done, err = f.ReadChunk(100)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, " snapshot", string(chunk))
}

func TestSnapshotStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	writeSnapshot(t, s, 5, 1, "x")

	s2, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	meta, err := s2.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(5), meta.LastIncludedIndex)
}

func TestSnapshotSinkWriteAtAndAbort(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	sink, err := s.Create(SnapshotMeta{LastIncludedIndex: 3, LastIncludedTerm: 1})
	require.NoError(t, err)
	_, err = sink.WriteAt([]byte("world"), 6)
	require.NoError(t, err)
	_, err = sink.WriteAt([]byte("hello "), 0)
	require.NoError(t, err)
	require.Equal(t, int64(11), sink.Size())
	require.NoError(t, sink.Commit())

	f, err := s.Open()
	require.NoError(t, err)
	chunk, _, err := f.ReadChunk(64)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(chunk))
	require.NoError(t, f.Close())

	abort, err := s.Create(SnapshotMeta{LastIncludedIndex: 9, LastIncludedTerm: 2})
	require.NoError(t, err)
	_, err = abort.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, abort.Abort())

	meta, err := s.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(3), meta.LastIncludedIndex)
}

func TestSnapshotStoreRetain(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		writeSnapshot(t, s, i*10, 1, "data")
	}
	_, err = s.Create(SnapshotMeta{LastIncludedIndex: 50, LastIncludedTerm: 1})
	require.NoError(t, err)

	require.NoError(t, s.Retain(2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var snaps []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "snapshot-") {
			snaps = append(snaps, e.Name())
		}
	}
	require.Equal(t, []string{
		"snapshot-00000000000000000030-1.snap",
		"snapshot-00000000000000000040-1.snap",
	}, snaps)

	meta, err := s.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(40), meta.LastIncludedIndex)
}
