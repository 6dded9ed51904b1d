package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

const idxRecordSize = 8

// idxQueue maps log indexes to segment positions. Records live in fixed
// size files of itemsPerFile entries; the file holding index i is named
// after i - i%itemsPerFile. Positions newer than persistedIndex are kept in
// memory until flushed.
type idxQueue struct {
	dir          string
	itemsPerFile uint64
	logger       logging.Logger
	files        map[uint64]*os.File

	persistedIndex uint64
	pending        []uint64 // positions of persistedIndex+1 ...
}

func newIdxQueue(dir string, itemsPerFile uint64, logger logging.Logger) *idxQueue {
	return &idxQueue{
		dir:          dir,
		itemsPerFile: itemsPerFile,
		logger:       logger,
		files:        make(map[uint64]*os.File),
	}
}

func idxFileName(first uint64) string {
	return fmt.Sprintf("%020d.idx", first)
}

func (q *idxQueue) open() error {
	if err := os.MkdirAll(q.dir, 0755); err != nil {
		return fmt.Errorf("create idx dir: %w", err)
	}
	firsts, err := listNumbered(q.dir, ".idx")
	if err != nil {
		return fmt.Errorf("list idx dir: %w", err)
	}
	for _, first := range firsts {
		f, err := os.OpenFile(filepath.Join(q.dir, idxFileName(first)), os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open idx file: %w", err)
		}
		q.files[first] = f
	}
	return nil
}

// reset drops in-memory state and makes index persisted the last durable record.
func (q *idxQueue) reset(persisted uint64) {
	q.persistedIndex = persisted
	q.pending = q.pending[:0]
}

func (q *idxQueue) lastIndex() uint64 {
	return q.persistedIndex + uint64(len(q.pending))
}

func (q *idxQueue) add(index, pos uint64) {
	if index != q.lastIndex()+1 {
		panic(fmt.Sprintf("idx queue: add %d after %d", index, q.lastIndex()))
	}
	q.pending = append(q.pending, pos)
}

// truncate forgets every record after index.
func (q *idxQueue) truncate(index uint64) {
	if index >= q.lastIndex() {
		return
	}
	if index <= q.persistedIndex {
		q.persistedIndex = index
		q.pending = q.pending[:0]
		return
	}
	q.pending = q.pending[:index-q.persistedIndex]
}

func (q *idxQueue) fileFor(index uint64, create bool) (*os.File, error) {
	first := index - index%q.itemsPerFile
	if f, ok := q.files[first]; ok {
		return f, nil
	}
	if !create {
		return nil, fmt.Errorf("idx file for %d: %w", index, ErrIndexDeleted)
	}
	f, err := os.OpenFile(filepath.Join(q.dir, idxFileName(first)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create idx file: %w", err)
	}
	if err := f.Truncate(int64(q.itemsPerFile * idxRecordSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocate idx file: %w", err)
	}
	q.files[first] = f
	return f, nil
}

// pos returns the position of index.
func (q *idxQueue) pos(index uint64) (uint64, error) {
	if index > q.lastIndex() || index == 0 {
		return 0, fmt.Errorf("idx %d beyond %d: %w", index, q.lastIndex(), ErrIndexOutOfRange)
	}
	if index > q.persistedIndex {
		return q.pending[index-q.persistedIndex-1], nil
	}
	f, err := q.fileFor(index, false)
	if err != nil {
		return 0, err
	}
	var b [idxRecordSize]byte
	if _, err := f.ReadAt(b[:], int64(index%q.itemsPerFile*idxRecordSize)); err != nil {
		return 0, fmt.Errorf("read idx %d: %w", index, err)
	}
	p := binary.BigEndian.Uint64(b[:])
	if p == 0 {
		return 0, fmt.Errorf("idx %d not recorded: %w", index, ErrIndexOutOfRange)
	}
	return p, nil
}

// flush writes pending records and fsyncs the touched files. The caller
// records the new persistedIndex in the status file afterwards.
func (q *idxQueue) flush() error {
	if len(q.pending) == 0 {
		return nil
	}
	touched := make(map[*os.File]bool)
	index := q.persistedIndex + 1
	for i := 0; i < len(q.pending); {
		f, err := q.fileFor(index, true)
		if err != nil {
			return err
		}
		slot := index % q.itemsPerFile
		n := int(q.itemsPerFile - slot)
		if n > len(q.pending)-i {
			n = len(q.pending) - i
		}
		buf := make([]byte, n*idxRecordSize)
		for j := 0; j < n; j++ {
			binary.BigEndian.PutUint64(buf[j*idxRecordSize:], q.pending[i+j])
		}
		if _, err := f.WriteAt(buf, int64(slot*idxRecordSize)); err != nil {
			return fmt.Errorf("write idx file: %w", err)
		}
		touched[f] = true
		i += n
		index += uint64(n)
	}
	for f := range touched {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync idx file: %w", err)
		}
	}
	q.persistedIndex += uint64(len(q.pending))
	q.pending = q.pending[:0]
	return nil
}

// deleteBefore removes idx files whose every record is below firstIndex and
// already persisted.
func (q *idxQueue) deleteBefore(firstIndex uint64) error {
	for first, f := range q.files {
		last := first + q.itemsPerFile - 1
		if last >= firstIndex || last > q.persistedIndex {
			continue
		}
		f.Close()
		delete(q.files, first)
		if err := os.Remove(filepath.Join(q.dir, idxFileName(first))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove idx file: %w", err)
		}
		q.logger.Info("idx file deleted", "firstIndex", first)
	}
	return nil
}

func (q *idxQueue) removeAll() error {
	for first, f := range q.files {
		f.Close()
		if err := os.Remove(filepath.Join(q.dir, idxFileName(first))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove idx file: %w", err)
		}
	}
	q.files = make(map[uint64]*os.File)
	q.reset(0)
	return nil
}

func (q *idxQueue) close() error {
	var firstErr error
	for _, f := range q.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.files = make(map[uint64]*os.File)
	return firstErr
}
