package raft

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	snapshotSuffix = ".snap"
	snapshotTmp    = ".tmp"
	metaFilename   = "snapshot.meta"
)

// SnapshotStore keeps snapshot files of a state machine in one directory.
// The meta file names the latest complete snapshot; files are written to a
// temp name and renamed on commit.
type SnapshotStore struct {
	dir string
	mu  sync.RWMutex
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &SnapshotStore{dir: dir}, nil
}

// Dir returns the directory of the store.
func (s *SnapshotStore) Dir() string {
	return s.dir
}

func (s *SnapshotStore) snapshotFilename(index uint64, term uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d-%d%s", index, term, snapshotSuffix))
}

// Create starts a new snapshot file for meta.
func (s *SnapshotStore) Create(meta SnapshotMeta) (*SnapshotSink, error) {
	name := s.snapshotFilename(meta.LastIncludedIndex, meta.LastIncludedTerm)
	f, err := os.OpenFile(name+snapshotTmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &SnapshotSink{store: s, meta: meta, name: name, f: f}, nil
}

// Latest returns the meta of the newest committed snapshot, or nil.
func (s *SnapshotStore) Latest() (*SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMeta()
}

func (s *SnapshotStore) loadMeta() (*SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metaFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta SnapshotMeta
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("snapshot meta: %w", err)
	}
	return &meta, nil
}

func (s *SnapshotStore) saveMeta(meta *SnapshotMeta) error {
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, metaFilename)
	tmp := path + snapshotTmp
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(s.dir)
}

// Open opens the latest committed snapshot for reading. It returns nil
// when there is none.
func (s *SnapshotStore) Open() (*SnapshotFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.loadMeta()
	if err != nil || meta == nil {
		return nil, err
	}
	f, err := os.Open(s.snapshotFilename(meta.LastIncludedIndex, meta.LastIncludedTerm))
	if err != nil {
		return nil, err
	}
	return &SnapshotFile{meta: *meta, f: f}, nil
}

// Retain deletes every snapshot file except the newest keep ones and
// leftover temp files.
func (s *SnapshotStore) Retain(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var snaps []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, snapshotSuffix+snapshotTmp):
			_ = os.Remove(filepath.Join(s.dir, name))
		case strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, snapshotSuffix):
			snaps = append(snaps, name)
		}
	}
	// Zero padded indexes sort by name.
	sort.Strings(snaps)
	var errs []error
	for i := 0; i < len(snaps)-keep; i++ {
		if err := os.Remove(filepath.Join(s.dir, snaps[i])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SnapshotSink receives the content of a snapshot being written.
type SnapshotSink struct {
	store *SnapshotStore
	meta  SnapshotMeta
	name  string
	f     *os.File
	size  int64
}

// Meta returns the meta the sink was created for.
func (k *SnapshotSink) Meta() SnapshotMeta {
	return k.meta
}

// Size returns the number of bytes written.
func (k *SnapshotSink) Size() int64 {
	return k.size
}

// Write implements io.Writer.
func (k *SnapshotSink) Write(p []byte) (int, error) {
	n, err := k.f.Write(p)
	k.size += int64(n)
	return n, err
}

// WriteAt writes p at offset, as chunks of an installed snapshot arrive.
func (k *SnapshotSink) WriteAt(p []byte, offset int64) (int, error) {
	n, err := k.f.WriteAt(p, offset)
	if end := offset + int64(n); end > k.size {
		k.size = end
	}
	return n, err
}

// Commit syncs the file, moves it into place and makes it the latest.
func (k *SnapshotSink) Commit() error {
	if err := k.f.Sync(); err != nil {
		k.f.Close()
		return err
	}
	if err := k.f.Close(); err != nil {
		return err
	}
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	if err := os.Rename(k.name+snapshotTmp, k.name); err != nil {
		return err
	}
	return k.store.saveMeta(&k.meta)
}

// Abort discards the partial file.
func (k *SnapshotSink) Abort() error {
	k.f.Close()
	return os.Remove(k.name + snapshotTmp)
}

// SnapshotFile is an opened snapshot. It implements Snapshot and io.Reader.
type SnapshotFile struct {
	meta SnapshotMeta
	f    *os.File
}

// Meta implements Snapshot.
func (f *SnapshotFile) Meta() SnapshotMeta {
	return f.meta
}

// Read implements io.Reader.
func (f *SnapshotFile) Read(p []byte) (int, error) {
	return f.f.Read(p)
}

// ReadChunk reads up to max bytes and reports whether the end was reached.
func (f *SnapshotFile) ReadChunk(max int) ([]byte, bool, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(f.f, buf)
	switch {
	case err == nil:
		return buf[:n], false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], true, nil
	default:
		return nil, false, err
	}
}

// Close implements Snapshot.
func (f *SnapshotFile) Close() error {
	return f.f.Close()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
