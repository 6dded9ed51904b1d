package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// RaftLog is the durable log consumed by the raft core.
type RaftLog interface {
	// Init recovers the log and returns its last term and index.
	Init(ctx context.Context) (lastTerm uint32, lastIndex uint64, err error)
	// Append writes items that continue the log. It returns once the items
	// are written, and fsynced when the log syncs.
	Append(ctx context.Context, items []*LogItem) error
	// TruncateTail removes every item after index.
	TruncateTail(ctx context.Context, index uint64) error
	// OpenIterator returns a reader over the log.
	OpenIterator() LogIterator
	// TryFindMatchPos finds the highest local (term, index) that may match
	// a follower whose log ends at (suggestTerm, suggestIndex).
	TryFindMatchPos(ctx context.Context, suggestTerm uint32, suggestIndex uint64) (term uint32, index uint64, found bool, err error)
	// MarkTruncateByIndex schedules deletion of segments wholly at or below index.
	MarkTruncateByIndex(index uint64, delay time.Duration)
	// MarkTruncateByTimestamp schedules deletion of segments last written before ts.
	MarkTruncateByTimestamp(ts time.Time, delay time.Duration)
	// BeginInstall discards the whole log before a snapshot install.
	BeginInstall(ctx context.Context) error
	// FinishInstall restarts the log so that nextIndex is written at nextPos.
	FinishInstall(ctx context.Context, nextIndex, nextPos uint64) error
	// LoadNextItemPos returns the position just after the item at index.
	LoadNextItemPos(ctx context.Context, index uint64) (uint64, error)
	// FirstIndex returns the oldest retained index.
	FirstIndex() uint64
	// Close releases files and stops background work.
	Close() error
}

// LogIterator reads consecutive items.
type LogIterator interface {
	// Next returns up to limit items starting at index, bounded by
	// bytesLimit bytes of payload. At least one item is returned unless
	// index is past the end.
	Next(ctx context.Context, index uint64, limit int, bytesLimit int) ([]*LogItem, error)
	Close()
}

// Progress reports how far the group has applied and fsynced. Segment
// deletion never passes either bound.
type Progress interface {
	LastApplied() uint64
	LastForceLogIndex() uint64
}

// Options configures a FileRaftLog.
type Options struct {
	Dir               string
	LogFileSize       int64
	IdxItemsPerFile   int
	IdxFlushThreshold int
	SyncForce         bool
	ItemCacheSize     int
	DeleteInterval    time.Duration
	Logger            logging.Logger
}

func (o *Options) setDefaults() {
	if o.LogFileSize == 0 {
		o.LogFileSize = 1 << 30
	}
	if o.IdxItemsPerFile == 0 {
		o.IdxItemsPerFile = 1 << 20
	}
	if o.IdxFlushThreshold == 0 {
		o.IdxFlushThreshold = 8 << 10
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

// FileRaftLog stores the log in segment files under Options.Dir/log and
// the position index under Options.Dir/idx. It is safe for concurrent use;
// writes are expected from a single goroutine.
type FileRaftLog struct {
	opts     Options
	status   *StatusManager
	progress Progress
	logger   logging.Logger

	mu         sync.Mutex
	logs       *logQueue
	idx        *idxQueue
	cache      *itemCache
	firstIndex uint64
	lastIndex  uint64
	lastTerm   uint32
	marker     uint64 // position of firstIndex when it starts mid segment
	installing bool
	closed     bool

	// beforeTrim runs in TruncateTail between the status update and the
	// segment trim. Tests use it to stop there.
	beforeTrim func() error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFileRaftLog creates a log. status must already be loaded and is shared
// with the raft core.
func NewFileRaftLog(opts Options, status *StatusManager, progress Progress) *FileRaftLog {
	opts.setDefaults()
	return &FileRaftLog{
		opts:     opts,
		status:   status,
		progress: progress,
		logger:   opts.Logger,
		cache:    newItemCache(opts.ItemCacheSize),
		stopCh:   make(chan struct{}),
	}
}

var _ RaftLog = (*FileRaftLog)(nil)

// Init implements RaftLog.
func (l *FileRaftLog) Init(ctx context.Context) (uint32, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fileSize := uint64(l.opts.LogFileSize)
	if fileSize&(fileSize-1) != 0 || fileSize < 1024 {
		return 0, 0, fmt.Errorf("log file size %d must be a power of two >= 1024", fileSize)
	}
	l.logs = newLogQueue(filepath.Join(l.opts.Dir, "log"), fileSize, l.opts.SyncForce, l.logger)
	l.idx = newIdxQueue(filepath.Join(l.opts.Dir, "idx"), uint64(l.opts.IdxItemsPerFile), l.logger)
	if err := l.logs.open(); err != nil {
		return 0, 0, err
	}
	if err := l.idx.open(); err != nil {
		return 0, 0, err
	}

	if l.status.GetBool(KeyInstallSnapshot) {
		l.logger.Warn("snapshot install was interrupted, discarding log")
		if err := l.wipe(); err != nil {
			return 0, 0, err
		}
		l.status.SetBool(KeyInstallSnapshot, false)
		l.status.Set(KeyNextIdxAfterInstall, "")
		l.status.Set(KeyNextPosAfterInstall, "")
		l.status.Set(KeyPersistIdxIndex, "")
		if err := l.status.Persist(); err != nil {
			return 0, 0, err
		}
	}

	markerIndex := l.status.GetUint64(KeyNextIdxAfterInstall)
	if markerIndex == 0 {
		markerIndex = 1
	}
	l.marker = l.logs.normalizePos(l.status.GetUint64(KeyNextPosAfterInstall))

	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	if len(l.logs.segments) == 0 {
		l.resetEmpty(markerIndex)
		return l.lastTerm, l.lastIndex, nil
	}

	l.logs.loadFirstItems(l.marker)
	first := l.logs.segments[0]
	logFirst := first.firstIndex
	if logFirst == 0 {
		logFirst = markerIndex
	}
	l.firstIndex = logFirst

	persisted := l.status.GetUint64(KeyPersistIdxIndex)
	startPos := l.logs.firstItemPos(first, l.marker)
	expect := logFirst
	strict := false
	if persisted >= logFirst && persisted > 0 {
		l.idx.reset(persisted)
		pos, err := l.idx.pos(persisted)
		if err != nil {
			return 0, 0, fmt.Errorf("load idx of %d: %w", persisted, err)
		}
		startPos, expect, strict = pos, persisted, true
	}
	l.idx.reset(expect - 1)

	res, err := l.logs.scan(startPos, expect, strict, func(index, pos uint64) {
		l.idx.add(index, pos)
	})
	if err != nil {
		return 0, 0, err
	}
	if res.count == 0 && strict {
		return 0, 0, fmt.Errorf("persisted index %d missing: %w", persisted, ErrChecksum)
	}
	if err := l.logs.trimAfterWritePos(); err != nil {
		return 0, 0, err
	}
	if res.count == 0 {
		l.resetEmpty(logFirst)
		l.logs.writePos = l.logs.normalizePos(startPos)
		return l.lastTerm, l.lastIndex, nil
	}

	l.lastIndex = res.lastIndex
	l.lastTerm = res.lastTerm
	l.logger.Info("raft log recovered",
		"firstIndex", l.firstIndex, "lastIndex", l.lastIndex, "lastTerm", l.lastTerm,
		"segments", len(l.logs.segments), "scanned", res.count)
	l.startDeleteLoop()
	return l.lastTerm, l.lastIndex, nil
}

func (l *FileRaftLog) resetEmpty(firstIndex uint64) {
	l.firstIndex = firstIndex
	l.lastIndex = firstIndex - 1
	l.lastTerm = 0
	l.idx.reset(firstIndex - 1)
	l.logs.writePos = l.marker
	l.startDeleteLoop()
}

func (l *FileRaftLog) startDeleteLoop() {
	if l.opts.DeleteInterval <= 0 || l.progress == nil {
		return
	}
	select {
	case <-l.stopCh:
		return
	default:
	}
	l.wg.Add(1)
	go l.deleteLoop()
}

// Append implements RaftLog.
func (l *FileRaftLog) Append(ctx context.Context, items []*LogItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkWritable(); err != nil {
		return err
	}

	prevTerm := l.lastTerm
	for i, it := range items {
		if it.Index != l.lastIndex+1+uint64(i) {
			return fmt.Errorf("append %d after %d: %w", it.Index, l.lastIndex+uint64(i), ErrIndexGap)
		}
		if l.lastIndex+uint64(i) >= l.firstIndex && it.PrevLogTerm != prevTerm {
			return fmt.Errorf("append %d: prevLogTerm %d, want %d: %w", it.Index, it.PrevLogTerm, prevTerm, ErrIndexGap)
		}
		prevTerm = it.Term
	}

	positions, err := l.logs.append(items)
	if err != nil {
		return err
	}
	for i, it := range items {
		l.idx.add(it.Index, positions[i])
	}
	last := items[len(items)-1]
	l.lastIndex = last.Index
	l.lastTerm = last.Term

	if len(l.idx.pending) >= l.opts.IdxFlushThreshold {
		if err := l.flushIdx(); err != nil {
			// The log itself is durable; the idx is rebuilt on recovery.
			l.logger.Warn("idx flush failed", "error", err)
		}
	}
	return nil
}

func (l *FileRaftLog) checkWritable() error {
	if l.closed {
		return ErrClosed
	}
	if l.installing {
		return ErrInstalling
	}
	return nil
}

// flushIdx makes the pending idx records durable and records progress.
func (l *FileRaftLog) flushIdx() error {
	if err := l.logs.syncAll(); err != nil {
		return err
	}
	if err := l.idx.flush(); err != nil {
		return err
	}
	l.status.SetUint64(KeyPersistIdxIndex, l.idx.persistedIndex)
	return l.status.Persist()
}

// Sync flushes everything to disk, including idx records.
func (l *FileRaftLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushIdx()
}

// LastIndex returns the last written index.
func (l *FileRaftLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex
}

// FirstIndex implements RaftLog and TermSource.
func (l *FileRaftLog) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstIndex
}

// TruncateTail implements RaftLog.
func (l *FileRaftLog) TruncateTail(ctx context.Context, index uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkWritable(); err != nil {
		return err
	}
	if index >= l.lastIndex {
		return nil
	}
	if index+1 < l.firstIndex {
		return fmt.Errorf("truncate to %d, first is %d: %w", index, l.firstIndex, ErrTruncateCommitted)
	}

	var cut uint64
	var term uint32
	if index < l.firstIndex {
		cut = l.logs.firstItemPos(l.logs.segments[0], l.marker)
	} else {
		pos, err := l.idx.pos(index)
		if err != nil {
			return err
		}
		seg := l.logs.find(pos)
		if seg == nil {
			return fmt.Errorf("segment for pos %d: %w", pos, ErrIndexDeleted)
		}
		h, err := l.logs.readHeader(seg, pos)
		if err != nil {
			return err
		}
		cut = pos + uint64(h.totalLen)
		term = h.term
	}

	// The status file must stop pointing past the new tail before any
	// segment shrinks, or a crash in between leaves Init a missing item.
	persisted := l.idx.persistedIndex
	l.idx.truncate(index)
	if l.idx.persistedIndex < persisted {
		l.status.SetUint64(KeyPersistIdxIndex, l.idx.persistedIndex)
		if err := l.status.Persist(); err != nil {
			return err
		}
	}
	if l.beforeTrim != nil {
		if err := l.beforeTrim(); err != nil {
			return err
		}
	}

	l.logs.writePos = cut
	if err := l.logs.trimAfterWritePos(); err != nil {
		return err
	}
	if seg := l.logs.find(cut); seg != nil && cut == l.logs.firstItemPos(seg, l.marker) {
		seg.firstIndex = 0
		seg.firstTerm = 0
	}
	if l.opts.SyncForce {
		if seg := l.logs.find(cut); seg != nil {
			if err := seg.file.Sync(); err != nil {
				return fmt.Errorf("sync truncated segment: %w", err)
			}
		}
	}
	l.cache.reset()
	l.logger.Info("log tail truncated", "index", index, "oldLastIndex", l.lastIndex)
	l.lastIndex = index
	l.lastTerm = term
	return nil
}

// TermAt implements TermSource.
func (l *FileRaftLog) TermAt(ctx context.Context, index uint64) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.termAtLocked(index)
}

func (l *FileRaftLog) termAtLocked(index uint64) (uint32, error) {
	if index < l.firstIndex {
		return 0, ErrIndexDeleted
	}
	if index == l.lastIndex {
		return l.lastTerm, nil
	}
	pos, err := l.idx.pos(index)
	if err != nil {
		return 0, err
	}
	seg := l.logs.find(pos)
	if seg == nil {
		return 0, ErrIndexDeleted
	}
	h, err := l.logs.readHeader(seg, pos)
	if err != nil {
		return 0, err
	}
	if h.index != index {
		return 0, fmt.Errorf("idx %d points at item %d: %w", index, h.index, ErrChecksum)
	}
	return h.term, nil
}

// TryFindMatchPos implements RaftLog. The segment is chosen by its first
// item, then the search continues inside it through the idx.
func (l *FileRaftLog) TryFindMatchPos(ctx context.Context, suggestTerm uint32, suggestIndex uint64) (uint32, uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segs := l.logs.segments
	n := sort.Search(len(segs), func(i int) bool {
		s := segs[i]
		return s.firstIndex == 0 || !MatchCandidate(s.firstTerm, s.firstIndex, suggestTerm, suggestIndex)
	})
	if n == 0 {
		return 0, 0, false, nil
	}
	seg := segs[n-1]
	hi := l.lastIndex
	if n < len(segs) && segs[n].firstIndex != 0 && segs[n].firstIndex-1 < hi {
		hi = segs[n].firstIndex - 1
	}
	if hi > suggestIndex {
		hi = suggestIndex
	}
	termAt := func(_ context.Context, index uint64) (uint32, error) {
		return l.termAtLocked(index)
	}
	return searchRange(ctx, termAt, seg.firstIndex, seg.firstTerm, hi, suggestTerm, suggestIndex)
}

// LoadNextItemPos implements RaftLog.
func (l *FileRaftLog) LoadNextItemPos(ctx context.Context, index uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == l.lastIndex {
		return l.logs.writePos, nil
	}
	if index < l.firstIndex {
		return 0, ErrIndexDeleted
	}
	pos, err := l.idx.pos(index)
	if err != nil {
		return 0, err
	}
	seg := l.logs.find(pos)
	if seg == nil {
		return 0, ErrIndexDeleted
	}
	h, err := l.logs.readHeader(seg, pos)
	if err != nil {
		return 0, err
	}
	return pos + uint64(h.totalLen), nil
}

// MarkTruncateByIndex implements RaftLog.
func (l *FileRaftLog) MarkTruncateByIndex(index uint64, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bound := l.deleteBound(index)
	l.markSegments(delay, func(i int, _ *segment) bool {
		next := l.logs.segments[i+1]
		return next.firstIndex != 0 && next.firstIndex-1 <= bound
	})
}

// MarkTruncateByTimestamp implements RaftLog.
func (l *FileRaftLog) MarkTruncateByTimestamp(ts time.Time, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bound := l.deleteBound(l.lastIndex)
	l.markSegments(delay, func(i int, seg *segment) bool {
		next := l.logs.segments[i+1]
		return !seg.lastWrite.After(ts) && next.firstIndex != 0 && next.firstIndex-1 <= bound
	})
}

func (l *FileRaftLog) deleteBound(index uint64) uint64 {
	bound := index
	if p := l.idx.persistedIndex; p < bound {
		bound = p
	}
	if l.progress != nil {
		if a := l.progress.LastApplied(); a < bound {
			bound = a
		}
		if f := l.progress.LastForceLogIndex(); f < bound {
			bound = f
		}
	}
	return bound
}

func (l *FileRaftLog) markSegments(delay time.Duration, eligible func(i int, seg *segment) bool) {
	deadline := time.Now().Add(delay).UnixNano()
	segs := l.logs.segments
	for i := 0; i+1 < len(segs); i++ {
		seg := segs[i]
		if !eligible(i, seg) {
			break
		}
		if seg.deleteTimestamp == 0 || seg.deleteTimestamp > deadline {
			seg.deleteTimestamp = deadline
		}
	}
}

// DeleteExpired removes marked segments that are safe to drop and returns
// how many were deleted.
func (l *FileRaftLog) DeleteExpired(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.installing || l.logs == nil {
		return 0, nil
	}
	deleted := 0
	for l.shouldDeleteFirst(now) {
		if err := l.logs.removeFirst(); err != nil {
			return deleted, err
		}
		deleted++
		l.firstIndex = l.logs.segments[0].firstIndex
	}
	if deleted > 0 {
		if err := l.idx.deleteBefore(l.firstIndex); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (l *FileRaftLog) shouldDeleteFirst(now time.Time) bool {
	segs := l.logs.segments
	if len(segs) < 2 {
		return false
	}
	first, second := segs[0], segs[1]
	if first.deleteTimestamp == 0 || first.deleteTimestamp > now.UnixNano() {
		return false
	}
	if second.firstIndex == 0 || first.busy() {
		return false
	}
	if l.idx.persistedIndex < second.firstIndex {
		return false
	}
	if l.progress == nil {
		return false
	}
	return l.progress.LastApplied() >= second.firstIndex && l.progress.LastForceLogIndex() >= second.firstIndex
}

func (l *FileRaftLog) deleteLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.DeleteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			if _, err := l.DeleteExpired(now); err != nil {
				l.logger.Error("delete log segments failed", "error", err)
			}
		}
	}
}

// BeginInstall implements RaftLog.
func (l *FileRaftLog) BeginInstall(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.status.SetBool(KeyInstallSnapshot, true)
	if err := l.status.Persist(); err != nil {
		return err
	}
	l.installing = true
	if err := l.wipe(); err != nil {
		return err
	}
	l.logger.Info("snapshot install started, log discarded")
	return nil
}

func (l *FileRaftLog) wipe() error {
	if err := l.logs.removeAll(); err != nil {
		return err
	}
	if err := l.idx.removeAll(); err != nil {
		return err
	}
	l.cache.reset()
	l.firstIndex = 0
	l.lastIndex = 0
	l.lastTerm = 0
	return nil
}

// FinishInstall implements RaftLog.
func (l *FileRaftLog) FinishInstall(ctx context.Context, nextIndex, nextPos uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if nextIndex == 0 {
		return fmt.Errorf("finish install: next index must be positive: %w", ErrIndexOutOfRange)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.installing {
		// Restarting at a snapshot point over an existing log; drop it first.
		if err := l.wipe(); err != nil {
			return err
		}
	}
	l.marker = l.logs.normalizePos(nextPos)
	l.status.SetUint64(KeyNextIdxAfterInstall, nextIndex)
	l.status.SetUint64(KeyNextPosAfterInstall, l.marker)
	l.status.SetUint64(KeyPersistIdxIndex, nextIndex-1)
	l.status.SetBool(KeyInstallSnapshot, false)
	if err := l.status.Persist(); err != nil {
		return err
	}
	l.installing = false
	l.firstIndex = nextIndex
	l.lastIndex = nextIndex - 1
	l.lastTerm = 0
	l.idx.reset(nextIndex - 1)
	l.logs.writePos = l.marker
	l.logger.Info("snapshot install finished", "nextIndex", nextIndex, "nextPos", l.marker)
	return nil
}

// OpenIterator implements RaftLog.
func (l *FileRaftLog) OpenIterator() LogIterator {
	return &fileIterator{log: l}
}

// Close implements RaftLog.
func (l *FileRaftLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stopCh)
	l.mu.Unlock()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logs == nil {
		return nil
	}
	var firstErr error
	if !l.installing {
		if err := l.flushIdx(); err != nil {
			firstErr = err
		}
	}
	if err := l.logs.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.idx.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// locate returns the position and a held reference to the segment of index.
func (l *FileRaftLog) locate(index uint64) (*segment, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, 0, ErrClosed
	}
	if index < l.firstIndex {
		return nil, 0, fmt.Errorf("read %d, first is %d: %w", index, l.firstIndex, ErrIndexDeleted)
	}
	if index > l.lastIndex {
		return nil, 0, fmt.Errorf("read %d, last is %d: %w", index, l.lastIndex, ErrIndexOutOfRange)
	}
	pos, err := l.idx.pos(index)
	if err != nil {
		return nil, 0, err
	}
	seg := l.logs.find(pos)
	if seg == nil {
		return nil, 0, fmt.Errorf("segment for %d: %w", index, ErrIndexDeleted)
	}
	seg.acquire()
	return seg, pos, nil
}

// fileIterator reads items through the item cache, falling back to the
// segment files.
type fileIterator struct {
	log *FileRaftLog
}

func (it *fileIterator) Next(ctx context.Context, index uint64, limit int, bytesLimit int) ([]*LogItem, error) {
	l := it.log
	var out []*LogItem
	bytes := 0
	for limit <= 0 || len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if index > l.LastIndex() {
			if len(out) == 0 {
				return nil, fmt.Errorf("read %d: %w", index, ErrIndexOutOfRange)
			}
			break
		}
		item, ok := l.cache.get(index)
		if !ok {
			seg, pos, err := l.locate(index)
			if err != nil {
				if len(out) > 0 {
					break
				}
				return nil, err
			}
			frame, err := l.logs.readAt(seg, pos)
			seg.release()
			if err != nil {
				return out, err
			}
			item, _, err = DecodeItem(frame)
			if err != nil {
				return out, fmt.Errorf("decode item %d: %w", index, err)
			}
			if item.Index != index {
				return out, fmt.Errorf("idx %d points at item %d: %w", index, item.Index, ErrChecksum)
			}
			l.cache.put(index, frame)
		}
		if len(out) > 0 && bytesLimit > 0 && bytes+len(item.Data) > bytesLimit {
			break
		}
		out = append(out, item)
		bytes += len(item.Data)
		index++
	}
	return out, nil
}

func (it *fileIterator) Close() {}
