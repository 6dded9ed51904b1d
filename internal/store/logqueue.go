package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// segment describes one fixed-size log file. Its byte range in the logical
// position space is [startPos, startPos+fileSize).
type segment struct {
	startPos   uint64
	path       string
	file       *os.File
	firstIndex uint64 // 0 until the first item is written
	firstTerm  uint32
	lastWrite  time.Time
	dirty      bool // written since the last fsync

	// deleteTimestamp is the unix nano time after which the segment may be
	// deleted. Zero means not marked.
	deleteTimestamp int64
	inUse           int32
}

func (s *segment) acquire() { atomic.AddInt32(&s.inUse, 1) }
func (s *segment) release() { atomic.AddInt32(&s.inUse, -1) }
func (s *segment) busy() bool {
	return atomic.LoadInt32(&s.inUse) > 0
}

// logQueue is the ordered set of log segments plus the write cursor.
// Callers serialize access.
type logQueue struct {
	dir      string
	fileSize uint64
	sync     bool
	logger   logging.Logger
	segments []*segment
	writePos uint64
}

// scanResult is the outcome of a recovery scan.
type scanResult struct {
	lastIndex uint64
	lastTerm  uint32
	count     int
}

func newLogQueue(dir string, fileSize uint64, sync bool, logger logging.Logger) *logQueue {
	return &logQueue{dir: dir, fileSize: fileSize, sync: sync, logger: logger}
}

func segmentName(startPos uint64) string {
	return fmt.Sprintf("%020d.log", startPos)
}

// listNumbered returns the numeric prefixes of files in dir with the given
// suffix, sorted ascending.
func listNumbered(dir, suffix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != suffix || len(name) != 20+len(suffix) {
			continue
		}
		n, err := strconv.ParseUint(name[:20], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// open loads existing segments and checks their headers.
func (q *logQueue) open() error {
	if err := os.MkdirAll(q.dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	starts, err := listNumbered(q.dir, ".log")
	if err != nil {
		return fmt.Errorf("list log dir: %w", err)
	}
	for _, start := range starts {
		if start%q.fileSize != 0 {
			return fmt.Errorf("log segment %d not aligned to %d: %w", start, q.fileSize, ErrBadMagic)
		}
		path := filepath.Join(q.dir, segmentName(start))
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open log segment: %w", err)
		}
		seg := &segment{startPos: start, path: path, file: f}
		if info, err := f.Stat(); err == nil {
			seg.lastWrite = info.ModTime()
		}
		q.segments = append(q.segments, seg)

		hdr := make([]byte, SegmentHeaderSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			return fmt.Errorf("read segment header %s: %w", path, err)
		}
		if isZero(hdr) {
			// Created but never initialized before a crash.
			if _, err := f.WriteAt(encodeSegmentHeader(), 0); err != nil {
				return fmt.Errorf("write segment header: %w", err)
			}
			continue
		}
		if err := checkSegmentHeader(hdr); err != nil {
			return fmt.Errorf("segment %s: %w", path, err)
		}
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (q *logQueue) segmentStart(pos uint64) uint64 {
	return pos - pos%q.fileSize
}

func (q *logQueue) segmentEnd(pos uint64) uint64 {
	return q.segmentStart(pos) + q.fileSize
}

// find returns the segment that contains pos.
func (q *logQueue) find(pos uint64) *segment {
	start := q.segmentStart(pos)
	i := sort.Search(len(q.segments), func(i int) bool { return q.segments[i].startPos >= start })
	if i < len(q.segments) && q.segments[i].startPos == start {
		return q.segments[i]
	}
	return nil
}

// normalizePos moves pos past a segment header.
func (q *logQueue) normalizePos(pos uint64) uint64 {
	if pos%q.fileSize < SegmentHeaderSize {
		return q.segmentStart(pos) + SegmentHeaderSize
	}
	return pos
}

// loadFirstItems fills firstIndex/firstTerm of every segment from the first
// item header. firstPos overrides the position of the first segment's
// first item.
func (q *logQueue) loadFirstItems(firstPos uint64) {
	hdr := make([]byte, ItemHeaderSize)
	for i, seg := range q.segments {
		pos := seg.startPos + SegmentHeaderSize
		if i == 0 && firstPos > pos && firstPos < seg.startPos+q.fileSize {
			pos = firstPos
		}
		if _, err := seg.file.ReadAt(hdr, int64(pos-seg.startPos)); err != nil {
			continue
		}
		h := decodeHeader(hdr)
		if h.empty() || h.totalLen < ItemHeaderSize {
			continue
		}
		seg.firstIndex = h.index
		seg.firstTerm = h.term
	}
}

// firstItemPos returns the position of the first item in seg.
func (q *logQueue) firstItemPos(seg *segment, marker uint64) uint64 {
	pos := seg.startPos + SegmentHeaderSize
	if marker > pos && marker < seg.startPos+q.fileSize {
		return marker
	}
	return pos
}

// scan walks items forward from pos. The item at pos must carry index
// expect; when strict is set a damaged first item is reported as
// corruption, otherwise it ends the log. Any later damaged item ends the
// log. visit is called for every valid item. On return writePos points just
// after the last valid item.
func (q *logQueue) scan(pos, expect uint64, strict bool, visit func(index, pos uint64)) (scanResult, error) {
	var res scanResult
	res.lastIndex = expect - 1
	var prevTerm uint32
	first := true

	for {
		seg := q.find(pos)
		if seg == nil {
			break
		}
		end := seg.startPos + q.fileSize
		r := bufio.NewReaderSize(io.NewSectionReader(seg.file, int64(pos-seg.startPos), int64(end-pos)), 1<<20)
		hdr := make([]byte, ItemHeaderSize)
		next := uint64(0)

		for {
			if end-pos < ItemHeaderSize {
				next = end + SegmentHeaderSize
				break
			}
			if _, err := io.ReadFull(r, hdr); err != nil {
				return res, fmt.Errorf("read item header at %d: %w", pos, err)
			}
			h := decodeHeader(hdr)
			if h.empty() {
				next = end + SegmentHeaderSize
				break
			}
			bad := h.totalLen < ItemHeaderSize || uint64(h.totalLen) > end-pos ||
				h.index != expect || (!first && h.prevLogTerm != prevTerm)
			var frame []byte
			if !bad {
				frame = make([]byte, h.totalLen)
				copy(frame, hdr)
				if _, err := io.ReadFull(r, frame[ItemHeaderSize:]); err != nil {
					return res, fmt.Errorf("read item at %d: %w", pos, err)
				}
				if _, _, err := DecodeItem(frame); err != nil {
					bad = true
				}
			}
			if bad {
				if first && strict {
					return res, fmt.Errorf("item %d at pos %d: %w", expect, pos, ErrChecksum)
				}
				q.logger.Warn("log tail damaged, truncating", "pos", pos, "index", expect)
				q.writePos = pos
				return res, nil
			}

			if seg.firstIndex == 0 || first && seg.firstIndex > h.index {
				seg.firstIndex = h.index
				seg.firstTerm = h.term
			}
			visit(h.index, pos)
			res.lastIndex = h.index
			res.lastTerm = h.term
			res.count++
			prevTerm = h.term
			expect++
			first = false
			pos += uint64(h.totalLen)
		}

		// Continue into the following segment only if it exists.
		if q.find(next) == nil {
			break
		}
		pos = next
	}
	q.writePos = pos
	return res, nil
}

// trimAfterWritePos removes segments that start after the segment holding
// the write cursor and zeroes the header at the cursor.
func (q *logQueue) trimAfterWritePos() error {
	keepStart := q.segmentStart(q.writePos)
	if q.writePos%q.fileSize == 0 {
		// Cursor sits on a boundary; the segment starting there is not needed.
		keepStart = q.writePos - q.fileSize
		if q.writePos == 0 {
			return q.removeFrom(0)
		}
	}
	if err := q.removeFrom(keepStart + q.fileSize); err != nil {
		return err
	}
	return q.zeroAt(q.writePos)
}

// removeFrom deletes every segment whose start is at or after start.
func (q *logQueue) removeFrom(start uint64) error {
	keep := q.segments[:0]
	var removed []*segment
	for _, seg := range q.segments {
		if seg.startPos >= start {
			removed = append(removed, seg)
			continue
		}
		keep = append(keep, seg)
	}
	q.segments = keep
	for _, seg := range removed {
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove log segment: %w", err)
		}
		q.logger.Info("log segment removed", "file", filepath.Base(seg.path))
	}
	return nil
}

// zeroAt clears the item header at pos so that scans stop there.
func (q *logQueue) zeroAt(pos uint64) error {
	seg := q.find(pos)
	if seg == nil || pos%q.fileSize < SegmentHeaderSize {
		return nil
	}
	room := seg.startPos + q.fileSize - pos
	if room < 8 {
		return nil
	}
	if _, err := seg.file.WriteAt(make([]byte, 8), int64(pos-seg.startPos)); err != nil {
		return fmt.Errorf("clear item header: %w", err)
	}
	seg.dirty = !q.sync
	return nil
}

// createSegment allocates the segment that starts at start.
func (q *logQueue) createSegment(start uint64) (*segment, error) {
	if seg := q.find(start); seg != nil {
		return seg, nil
	}
	path := filepath.Join(q.dir, segmentName(start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create log segment: %w", err)
	}
	if err := f.Truncate(int64(q.fileSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocate log segment: %w", err)
	}
	if _, err := f.WriteAt(encodeSegmentHeader(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	if q.sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync new segment: %w", err)
		}
		if err := syncDir(q.dir); err != nil {
			f.Close()
			return nil, err
		}
	}
	seg := &segment{startPos: start, path: path, file: f, lastWrite: time.Now()}
	q.segments = append(q.segments, seg)
	sort.Slice(q.segments, func(i, j int) bool { return q.segments[i].startPos < q.segments[j].startPos })
	q.logger.Info("log segment created", "file", filepath.Base(path))
	return seg, nil
}

// pendingWrite is a contiguous run of frames destined for one segment.
type pendingWrite struct {
	seg *segment
	off uint64
	buf []byte
}

// append writes the items starting at the cursor and returns the position
// of each item. Nothing moves when an error is returned.
func (q *logQueue) append(items []*LogItem) ([]uint64, error) {
	positions := make([]uint64, len(items))
	pos := q.writePos
	var writes []*pendingWrite
	var cur *pendingWrite

	for i, it := range items {
		size := uint64(it.Size())
		if size > q.fileSize-SegmentHeaderSize {
			return nil, fmt.Errorf("item %d is %d bytes: %w", it.Index, size, ErrItemTooLarge)
		}
		if pos%q.fileSize < SegmentHeaderSize || pos+size > q.segmentEnd(pos) {
			if pos%q.fileSize >= SegmentHeaderSize {
				pos = q.segmentEnd(pos)
			}
			pos = q.normalizePos(pos)
			cur = nil
		}
		if cur == nil {
			seg, err := q.createSegment(q.segmentStart(pos))
			if err != nil {
				return nil, err
			}
			cur = &pendingWrite{seg: seg, off: pos - seg.startPos}
			writes = append(writes, cur)
		}
		positions[i] = pos
		cur.buf = EncodeItem(cur.buf, it)
		if cur.seg.firstIndex == 0 {
			cur.seg.firstIndex = it.Index
			cur.seg.firstTerm = it.Term
		}
		pos += size
	}

	now := time.Now()
	for _, w := range writes {
		buf := w.buf
		// Terminate the run so a scan never reads stale bytes past it.
		if w.off+uint64(len(buf))+8 <= q.fileSize {
			buf = append(buf, make([]byte, 8)...)
		}
		if _, err := w.seg.file.WriteAt(buf, int64(w.off)); err != nil {
			return nil, fmt.Errorf("write log segment: %w", err)
		}
		w.seg.lastWrite = now
		w.seg.dirty = !q.sync
	}
	if q.sync {
		for _, w := range writes {
			if err := w.seg.file.Sync(); err != nil {
				return nil, fmt.Errorf("sync log segment: %w", err)
			}
		}
	}
	q.writePos = pos
	return positions, nil
}

// syncAll fsyncs every segment written since its last fsync.
func (q *logQueue) syncAll() error {
	for _, seg := range q.segments {
		if !seg.dirty {
			continue
		}
		if err := seg.file.Sync(); err != nil {
			return fmt.Errorf("sync log segment: %w", err)
		}
		seg.dirty = false
	}
	return nil
}

// dirtyCount returns how many segments wait for an fsync.
func (q *logQueue) dirtyCount() int {
	n := 0
	for _, seg := range q.segments {
		if seg.dirty {
			n++
		}
	}
	return n
}

// readAt reads the item frame at pos.
func (q *logQueue) readAt(seg *segment, pos uint64) ([]byte, error) {
	off := int64(pos - seg.startPos)
	hdr := make([]byte, ItemHeaderSize)
	if _, err := seg.file.ReadAt(hdr, off); err != nil {
		return nil, fmt.Errorf("read item header at %d: %w", pos, err)
	}
	h := decodeHeader(hdr)
	if h.totalLen < ItemHeaderSize || uint64(off)+uint64(h.totalLen) > q.fileSize {
		return nil, fmt.Errorf("bad item length at %d: %w", pos, ErrChecksum)
	}
	frame := make([]byte, h.totalLen)
	copy(frame, hdr)
	if _, err := seg.file.ReadAt(frame[ItemHeaderSize:], off+ItemHeaderSize); err != nil {
		return nil, fmt.Errorf("read item at %d: %w", pos, err)
	}
	return frame, nil
}

// readHeader reads only the fixed header at pos.
func (q *logQueue) readHeader(seg *segment, pos uint64) (itemHeader, error) {
	hdr := make([]byte, ItemHeaderSize)
	if _, err := seg.file.ReadAt(hdr, int64(pos-seg.startPos)); err != nil {
		return itemHeader{}, fmt.Errorf("read item header at %d: %w", pos, err)
	}
	return decodeHeader(hdr), nil
}

// removeFirst deletes the oldest segment.
func (q *logQueue) removeFirst() error {
	seg := q.segments[0]
	q.segments = q.segments[1:]
	seg.file.Close()
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove log segment: %w", err)
	}
	q.logger.Info("log segment deleted", "file", filepath.Base(seg.path), "firstIndex", seg.firstIndex)
	return nil
}

// removeAll deletes every segment.
func (q *logQueue) removeAll() error {
	return q.removeFrom(0)
}

func (q *logQueue) close() error {
	var firstErr error
	for _, seg := range q.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.segments = nil
	return firstErr
}
