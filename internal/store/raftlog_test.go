package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedProgress struct {
	applied uint64
	force   uint64
}

func (p *fixedProgress) LastApplied() uint64       { return p.applied }
func (p *fixedProgress) LastForceLogIndex() uint64 { return p.force }

func testOptions(dir string) Options {
	return Options{
		Dir:               dir,
		LogFileSize:       1024,
		IdxItemsPerFile:   1024,
		IdxFlushThreshold: 1 << 20,
	}
}

func openLog(t *testing.T, opts Options, progress Progress) (*FileRaftLog, uint32, uint64) {
	t.Helper()
	status := NewStatusManager(filepath.Join(opts.Dir, "raft.status"))
	require.NoError(t, status.Load())
	l := NewFileRaftLog(opts, status, progress)
	term, index, err := l.Init(context.Background())
	require.NoError(t, err)
	return l, term, index
}

// abandon drops the log without flushing anything, like a crash after the
// last write returned.
func abandon(l *FileRaftLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.logs.close()
	l.idx.close()
}

func payload(index uint64, size int) []byte {
	b := bytes.Repeat([]byte{byte(index)}, size)
	if size > 0 {
		b[0] = byte(index >> 8)
	}
	return b
}

// appendRange appends [from, to] at term one item per call.
func appendRange(t *testing.T, l RaftLog, from, to uint64, term, prevTerm uint32, size int) {
	t.Helper()
	for i := from; i <= to; i++ {
		it := &LogItem{Index: i, Term: term, PrevLogTerm: prevTerm, Data: payload(i, size)}
		require.NoError(t, l.Append(context.Background(), []*LogItem{it}))
		prevTerm = term
	}
}

func readAll(t *testing.T, l RaftLog, from uint64) []*LogItem {
	t.Helper()
	it := l.OpenIterator()
	defer it.Close()
	items, err := it.Next(context.Background(), from, 0, 0)
	require.NoError(t, err)
	return items
}

func TestFileRaftLogEmpty(t *testing.T) {
	l, term, index := openLog(t, testOptions(t.TempDir()), nil)
	defer l.Close()

	require.Equal(t, uint32(0), term)
	require.Equal(t, uint64(0), index)
	require.Equal(t, uint64(1), l.FirstIndex())

	_, err := l.OpenIterator().Next(context.Background(), 1, 1, 0)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestFileRaftLogRollover(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)

	// 300 byte payloads make 325 byte frames: three fit after the header,
	// the fourth must move to the next segment.
	appendRange(t, l, 1, 4, 1, 0, 300)

	want := []uint64{8, 333, 658, 1032}
	for i, p := range want {
		got, err := l.idx.pos(uint64(i + 1))
		require.NoError(t, err)
		require.Equal(t, p, got, "position of %d", i+1)
	}
	next, err := l.LoadNextItemPos(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, uint64(983), next)
	next, err = l.LoadNextItemPos(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(1357), next)

	require.FileExists(t, filepath.Join(dir, "log", "00000000000000000000.log"))
	require.FileExists(t, filepath.Join(dir, "log", "00000000000000001024.log"))
	info, err := os.Stat(filepath.Join(dir, "log", "00000000000000001024.log"))
	require.NoError(t, err)
	require.Equal(t, int64(1024), info.Size())

	require.NoError(t, l.Close())

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint32(1), term)
	require.Equal(t, uint64(4), index)
	items := readAll(t, l, 1)
	require.Len(t, items, 4)
	for _, it := range items {
		require.Equal(t, payload(it.Index, 300), it.Data)
	}
}

func TestFileRaftLogBatchRollover(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)

	var batch []*LogItem
	for i := uint64(1); i <= 7; i++ {
		batch = append(batch, &LogItem{Index: i, Term: 2, PrevLogTerm: 2, Data: payload(i, 300)})
	}
	batch[0].PrevLogTerm = 0
	require.NoError(t, l.Append(context.Background(), batch))
	for i, p := range []uint64{8, 333, 658, 1032, 1357, 1682, 2056} {
		got, err := l.idx.pos(uint64(i + 1))
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	abandon(l)

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint32(2), term)
	require.Equal(t, uint64(7), index)
	require.Len(t, readAll(t, l, 1), 7)
}

func TestFileRaftLogItemTooLarge(t *testing.T) {
	l, _, _ := openLog(t, testOptions(t.TempDir()), nil)
	defer l.Close()

	err := l.Append(context.Background(), []*LogItem{{Index: 1, Term: 1, Data: make([]byte, 1024)}})
	require.ErrorIs(t, err, ErrItemTooLarge)
	require.Equal(t, uint64(0), l.LastIndex())
}

func TestFileRaftLogRejectsGap(t *testing.T) {
	l, _, _ := openLog(t, testOptions(t.TempDir()), nil)
	defer l.Close()
	appendRange(t, l, 1, 2, 1, 0, 10)

	err := l.Append(context.Background(), []*LogItem{{Index: 4, Term: 1, PrevLogTerm: 1}})
	require.ErrorIs(t, err, ErrIndexGap)
	err = l.Append(context.Background(), []*LogItem{{Index: 3, Term: 2, PrevLogTerm: 2}})
	require.ErrorIs(t, err, ErrIndexGap, "prevLogTerm must match the last term")
}

func TestFileRaftLogRecoverFromPersistedIdx(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.IdxFlushThreshold = 4
	l, _, _ := openLog(t, opts, nil)
	appendRange(t, l, 1, 10, 3, 0, 100)
	require.Equal(t, uint64(8), l.status.GetUint64(KeyPersistIdxIndex))
	abandon(l)

	l, term, index := openLog(t, opts, nil)
	defer l.Close()
	require.Equal(t, uint32(3), term)
	require.Equal(t, uint64(10), index)

	items := readAll(t, l, 1)
	require.Len(t, items, 10)
	for i, it := range items {
		require.Equal(t, uint64(i+1), it.Index)
		require.Equal(t, payload(it.Index, 100), it.Data)
	}

	appendRange(t, l, 11, 12, 3, 3, 100)
	require.Equal(t, uint64(12), l.LastIndex())
}

func TestFileRaftLogTornTail(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 4, 1, 0, 300)
	abandon(l)

	// A partially written fifth item right after item 4.
	f, err := os.OpenFile(filepath.Join(dir, "log", "00000000000000001024.log"), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xAB}, ItemHeaderSize), 1357-1024)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, term, index := openLog(t, testOptions(dir), nil)
	require.Equal(t, uint32(1), term)
	require.Equal(t, uint64(4), index)

	appendRange(t, l, 5, 5, 1, 1, 300)
	require.NoError(t, l.Close())

	l, _, index = openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint64(5), index)
	require.Equal(t, payload(5, 300), readAll(t, l, 5)[0].Data)
}

func TestFileRaftLogCorruptPersistedItem(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 4, 1, 0, 300)
	require.NoError(t, l.Close())
	require.Equal(t, uint64(4), l.status.GetUint64(KeyPersistIdxIndex))

	f, err := os.OpenFile(filepath.Join(dir, "log", "00000000000000001024.log"), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 1032-1024+ItemHeaderSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	status := NewStatusManager(filepath.Join(dir, "raft.status"))
	require.NoError(t, status.Load())
	_, _, err = NewFileRaftLog(testOptions(dir), status, nil).Init(context.Background())
	require.ErrorIs(t, err, ErrChecksum)
}

func TestFileRaftLogTruncateTail(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 6, 1, 0, 200)

	require.NoError(t, l.TruncateTail(context.Background(), 3))
	require.Equal(t, uint64(3), l.LastIndex())
	term, err := l.TermAt(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, uint32(1), term)

	_, err = l.OpenIterator().Next(context.Background(), 4, 1, 0)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	appendRange(t, l, 4, 5, 2, 1, 200)
	abandon(l)

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint32(2), term)
	require.Equal(t, uint64(5), index)
	items := readAll(t, l, 1)
	require.Len(t, items, 5)
	require.Equal(t, uint32(1), items[2].Term)
	require.Equal(t, uint32(2), items[3].Term)
	require.Equal(t, uint32(1), items[3].PrevLogTerm)
}

func TestFileRaftLogTruncateTailCrash(t *testing.T) {
	errCrash := errors.New("crash")
	tests := []struct {
		name     string
		crash    bool
		wantLast uint64
	}{
		{"before segment trim", true, 40},
		{"after segment trim", false, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			l, _, _ := openLog(t, testOptions(dir), nil)
			appendRange(t, l, 1, 40, 1, 0, 100)
			require.NoError(t, l.Sync())
			require.Greater(t, len(l.logs.segments), 2)

			if tt.crash {
				l.beforeTrim = func() error { return errCrash }
				require.ErrorIs(t, l.TruncateTail(context.Background(), 5), errCrash)
			} else {
				require.NoError(t, l.TruncateTail(context.Background(), 5))
			}
			abandon(l)

			status := NewStatusManager(filepath.Join(dir, "raft.status"))
			require.NoError(t, status.Load())
			require.Equal(t, uint64(5), status.GetUint64(KeyPersistIdxIndex))

			l, term, index := openLog(t, testOptions(dir), nil)
			defer l.Close()
			require.Equal(t, uint32(1), term)
			require.Equal(t, tt.wantLast, index)

			require.NoError(t, l.TruncateTail(context.Background(), 5))
			appendRange(t, l, 6, 8, 2, 1, 100)
			items := readAll(t, l, 1)
			require.Len(t, items, 8)
			require.Equal(t, uint32(2), items[7].Term)
		})
	}
}

func TestFileRaftLogSyncCoversEverySegment(t *testing.T) {
	l, _, _ := openLog(t, testOptions(t.TempDir()), nil)
	defer l.Close()

	appendRange(t, l, 1, 40, 1, 0, 100)
	require.Greater(t, l.logs.dirtyCount(), 2)
	require.NoError(t, l.Sync())
	require.Zero(t, l.logs.dirtyCount())

	appendRange(t, l, 41, 41, 1, 1, 100)
	require.Equal(t, 1, l.logs.dirtyCount())
}

func TestFileRaftLogTruncateAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 7, 1, 0, 300)
	require.Len(t, l.logs.segments, 3)

	require.NoError(t, l.TruncateTail(context.Background(), 2))
	require.Len(t, l.logs.segments, 1)
	require.NoFileExists(t, filepath.Join(dir, "log", "00000000000000001024.log"))

	appendRange(t, l, 3, 4, 4, 1, 300)
	pos, err := l.idx.pos(4)
	require.NoError(t, err)
	require.Equal(t, uint64(1032), pos)
	require.NoError(t, l.Close())

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint32(4), term)
	require.Equal(t, uint64(4), index)
}

func TestFileRaftLogTryFindMatchPos(t *testing.T) {
	l, _, _ := openLog(t, testOptions(t.TempDir()), nil)
	defer l.Close()

	// Eight 125 byte frames per segment.
	appendRange(t, l, 1, 10, 1, 0, 100)
	appendRange(t, l, 11, 20, 2, 1, 100)
	appendRange(t, l, 21, 30, 3, 2, 100)
	require.Len(t, l.logs.segments, 4)

	tests := []struct {
		term      uint32
		index     uint64
		found     bool
		wantTerm  uint32
		wantIndex uint64
	}{
		{2, 25, true, 2, 20},
		{3, 25, true, 3, 25},
		{3, 99, true, 3, 30},
		{1, 30, true, 1, 10},
		{2, 14, true, 2, 14},
		{5, 0, false, 0, 0},
		{0, 5, false, 0, 0},
	}
	for _, tt := range tests {
		term, index, found, err := l.TryFindMatchPos(context.Background(), tt.term, tt.index)
		require.NoError(t, err)
		require.Equal(t, tt.found, found, "suggest (%d, %d)", tt.term, tt.index)
		if tt.found {
			require.Equal(t, tt.wantIndex, index, "suggest (%d, %d)", tt.term, tt.index)
			require.Equal(t, tt.wantTerm, term)
		}
	}
}

func TestFileRaftLogIteratorLimits(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.ItemCacheSize = 1 << 20
	l, _, _ := openLog(t, opts, nil)
	defer l.Close()
	appendRange(t, l, 1, 10, 1, 0, 100)

	it := l.OpenIterator()
	defer it.Close()

	items, err := it.Next(context.Background(), 1, 3, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	items, err = it.Next(context.Background(), 1, 10, 250)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// A single item larger than the byte limit is still returned.
	items, err = it.Next(context.Background(), 5, 10, 50)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = it.Next(context.Background(), 9, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, uint64(10), items[1].Index)
}

func TestFileRaftLogDeleteExpired(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.IdxFlushThreshold = 4
	opts.IdxItemsPerFile = 8
	progress := &fixedProgress{applied: 20, force: 20}
	l, _, _ := openLog(t, opts, progress)
	appendRange(t, l, 1, 20, 1, 0, 100)
	require.Len(t, l.logs.segments, 3)

	l.MarkTruncateByIndex(16, 0)
	deleted, err := l.DeleteExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Equal(t, uint64(17), l.FirstIndex())

	_, err = l.OpenIterator().Next(context.Background(), 5, 1, 0)
	require.ErrorIs(t, err, ErrIndexDeleted)
	require.Len(t, readAll(t, l, 17), 4)

	idxFiles, err := listNumbered(filepath.Join(dir, "idx"), ".idx")
	require.NoError(t, err)
	require.Equal(t, []uint64{16}, idxFiles)
	require.NoError(t, l.Close())

	l, term, index := openLog(t, opts, progress)
	defer l.Close()
	require.Equal(t, uint64(17), l.FirstIndex())
	require.Equal(t, uint64(20), index)
	require.Equal(t, uint32(1), term)
}

func TestFileRaftLogDeleteRespectsProgress(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.IdxFlushThreshold = 1
	progress := &fixedProgress{applied: 5, force: 20}
	l, _, _ := openLog(t, opts, progress)
	defer l.Close()
	appendRange(t, l, 1, 20, 1, 0, 100)

	l.MarkTruncateByIndex(20, 0)
	deleted, err := l.DeleteExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, deleted, "segment 1..8 is needed until 9 is applied")

	progress.applied = 9
	l.MarkTruncateByIndex(20, 0)
	deleted, err = l.DeleteExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Equal(t, uint64(9), l.FirstIndex())
}

func TestFileRaftLogDeleteWaitsForDelayAndReaders(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.IdxFlushThreshold = 1
	progress := &fixedProgress{applied: 20, force: 20}
	l, _, _ := openLog(t, opts, progress)
	defer l.Close()
	appendRange(t, l, 1, 20, 1, 0, 100)

	l.MarkTruncateByIndex(8, time.Hour)
	deleted, err := l.DeleteExpired(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, deleted)

	l.MarkTruncateByIndex(8, 0)
	seg, _, err := l.locate(3)
	require.NoError(t, err)
	deleted, err = l.DeleteExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, deleted, "segment in use by a reader")

	seg.release()
	deleted, err = l.DeleteExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestFileRaftLogInstall(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 5, 1, 0, 10)

	require.NoError(t, l.BeginInstall(context.Background()))
	require.True(t, l.status.GetBool(KeyInstallSnapshot))
	err := l.Append(context.Background(), []*LogItem{{Index: 6, Term: 1, PrevLogTerm: 1}})
	require.ErrorIs(t, err, ErrInstalling)

	require.NoError(t, l.FinishInstall(context.Background(), 101, 5000))
	require.False(t, l.status.GetBool(KeyInstallSnapshot))
	require.Equal(t, uint64(101), l.FirstIndex())
	require.Equal(t, uint64(100), l.LastIndex())

	appendRange(t, l, 101, 102, 7, 6, 10)
	pos, err := l.idx.pos(101)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), pos)
	require.NoError(t, l.Close())

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint64(101), l.FirstIndex())
	require.Equal(t, uint64(102), index)
	require.Equal(t, uint32(7), term)
	items := readAll(t, l, 101)
	require.Len(t, items, 2)
}

func TestFileRaftLogInterruptedInstall(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 5, 1, 0, 10)
	require.NoError(t, l.BeginInstall(context.Background()))
	abandon(l)

	l, term, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint32(0), term)
	require.Equal(t, uint64(0), index)
	require.False(t, l.status.GetBool(KeyInstallSnapshot))

	entries, err := os.ReadDir(filepath.Join(dir, "log"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFileRaftLogFinishInstallOverExistingLog(t *testing.T) {
	dir := t.TempDir()
	l, _, _ := openLog(t, testOptions(dir), nil)
	appendRange(t, l, 1, 5, 1, 0, 10)

	// A state machine snapshot beyond the log restarts it at the snapshot.
	require.NoError(t, l.FinishInstall(context.Background(), 51, 0))
	require.Equal(t, uint64(50), l.LastIndex())
	appendRange(t, l, 51, 51, 2, 1, 10)
	require.NoError(t, l.Close())

	l, _, index := openLog(t, testOptions(dir), nil)
	defer l.Close()
	require.Equal(t, uint64(51), index)
	require.Equal(t, uint64(51), l.FirstIndex())
}

func TestFileRaftLogClosed(t *testing.T) {
	l, _, _ := openLog(t, testOptions(t.TempDir()), nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), []*LogItem{{Index: 1, Term: 1}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFileRaftLogBadFileSize(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.LogFileSize = 1000
	status := NewStatusManager(filepath.Join(opts.Dir, "raft.status"))
	_, _, err := NewFileRaftLog(opts, status, nil).Init(context.Background())
	require.Error(t, err)
}
