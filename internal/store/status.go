package store

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Status file keys.
const (
	KeyTerm                = "term"
	KeyVotedFor            = "votedFor"
	KeyCommitIndex         = "commitIndex"
	KeyPersistIdxIndex     = "persistIdxIndex"
	KeyInstallSnapshot     = "installSnapshot"
	KeyNextIdxAfterInstall = "nextIdxAfterInstallSnapshot"
	KeyNextPosAfterInstall = "nextPosAfterInstallSnapshot"
	keyCRC                 = "crc"
	statusTmpSuffix        = ".tmp"
)

const statusFileMode os.FileMode = 0644

// StatusManager keeps a small durable key-value record. Every Persist
// writes the whole record to a temporary file, syncs it and renames it over
// the previous version.
type StatusManager struct {
	path  string
	mu    sync.Mutex
	props map[string]string
}

// NewStatusManager creates a manager for the file at path. Call Load before use.
func NewStatusManager(path string) *StatusManager {
	return &StatusManager{path: path, props: make(map[string]string)}
}

// Path returns the status file path.
func (s *StatusManager) Path() string {
	return s.path
}

// Load reads the status file. A missing file yields an empty record.
func (s *StatusManager) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.props = make(map[string]string)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read status file: %w", err)
	}

	props := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("status file %s: malformed line %q: %w", s.path, line, ErrChecksum)
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan status file: %w", err)
	}

	if want, ok := props[keyCRC]; ok {
		delete(props, keyCRC)
		if want != strconv.FormatUint(uint64(propsChecksum(props)), 10) {
			return fmt.Errorf("status file %s: %w", s.path, ErrChecksum)
		}
	}

	s.mu.Lock()
	s.props = props
	s.mu.Unlock()
	return nil
}

// Get returns the value of key, or "" when unset.
func (s *StatusManager) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props[key]
}

// GetUint64 returns the numeric value of key, or 0 when unset or malformed.
func (s *StatusManager) GetUint64(key string) uint64 {
	v, _ := strconv.ParseUint(s.Get(key), 10, 64)
	return v
}

// GetBool returns the boolean value of key.
func (s *StatusManager) GetBool(key string) bool {
	v, _ := strconv.ParseBool(s.Get(key))
	return v
}

// Set updates key in memory. Persist makes it durable.
func (s *StatusManager) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.props, key)
		return
	}
	s.props[key] = value
}

// SetUint64 updates a numeric key in memory.
func (s *StatusManager) SetUint64(key string, v uint64) {
	s.Set(key, strconv.FormatUint(v, 10))
}

// SetBool updates a boolean key in memory.
func (s *StatusManager) SetBool(key string, v bool) {
	s.Set(key, strconv.FormatBool(v))
}

// Persist atomically writes the current record.
func (s *StatusManager) Persist() error {
	s.mu.Lock()
	data := encodeProps(s.props)
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp := s.path + statusTmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, statusFileMode)
	if err != nil {
		return fmt.Errorf("create status tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write status tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync status tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close status tmp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename status file: %w", err)
	}
	return syncDir(filepath.Dir(s.path))
}

func sortedKeys(props map[string]string) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func propsChecksum(props map[string]string) uint32 {
	h := crc32.New(castagnoli)
	for _, k := range sortedKeys(props) {
		fmt.Fprintf(h, "%s=%s\n", k, props[k])
	}
	return h.Sum32()
}

func encodeProps(props map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString("# raft status\n")
	for _, k := range sortedKeys(props) {
		fmt.Fprintf(&buf, "%s=%s\n", k, props[k])
	}
	fmt.Fprintf(&buf, "%s=%d\n", keyCRC, propsChecksum(props))
	return buf.Bytes()
}

// syncDir fsyncs a directory so that renames and creations inside it survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
