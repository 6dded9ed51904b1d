package raft

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KilimcininKorOglu/raftkv/internal/fiber"
	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// recordSM records applied payloads. Its snapshot lives in memory and
// survives restarts of the node using it.
type recordSM struct {
	mu      sync.Mutex
	applied []string
	last    uint64
	snap    *memSnapshot
	install []byte
}

type memSnapshot struct {
	meta SnapshotMeta
	data []byte
	off  int
}

func (s *memSnapshot) Meta() SnapshotMeta { return s.meta }
func (s *memSnapshot) Close() error       { return nil }

func (m *recordSM) Decode(data []byte) (interface{}, error) {
	return string(data), nil
}

func (m *recordSM) Exec(index uint64, cmd interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, cmd.(string))
	m.last = index
	return len(m.applied), nil
}

func (m *recordSM) InitFromLatestSnapshot(context.Context) (*SnapshotMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = nil
	m.last = 0
	if m.snap == nil {
		return nil, nil
	}
	if err := msgpack.Unmarshal(m.snap.data, &m.applied); err != nil {
		return nil, err
	}
	m.last = m.snap.meta.LastIncludedIndex
	meta := m.snap.meta
	return &meta, nil
}

func (m *recordSM) SaveSnapshot(meta SnapshotMeta) (func(context.Context) error, error) {
	m.mu.Lock()
	state := append([]string(nil), m.applied...)
	m.mu.Unlock()
	return func(context.Context) error {
		data, err := msgpack.Marshal(state)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.snap = &memSnapshot{meta: meta, data: data}
		m.mu.Unlock()
		return nil
	}, nil
}

func (m *recordSM) OpenLatestSnapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return &memSnapshot{meta: m.snap.meta, data: m.snap.data}, nil
}

func (m *recordSM) ReadNext(_ context.Context, snap Snapshot, max int) ([]byte, bool, error) {
	s := snap.(*memSnapshot)
	end := s.off + max
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.off:end]
	s.off = end
	return chunk, s.off == len(s.data), nil
}

func (m *recordSM) InstallSnapshot(_ context.Context, meta SnapshotMeta, offset uint64, start, finish bool, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start {
		m.install = nil
	}
	if int(offset) != len(m.install) {
		return fmt.Errorf("chunk at %d, have %d bytes", offset, len(m.install))
	}
	m.install = append(m.install, data...)
	if !finish {
		return nil
	}
	var applied []string
	if err := msgpack.Unmarshal(m.install, &applied); err != nil {
		return err
	}
	m.snap = &memSnapshot{meta: meta, data: m.install}
	m.install = nil
	m.applied = applied
	m.last = meta.LastIncludedIndex
	return nil
}

func (m *recordSM) records() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

const testGroup = 1

// testNode is one server of a testCluster. The state machine and the
// memory log survive restarts like files on disk would.
type testNode struct {
	id     int
	srv    *Server
	sm     *recordSM
	memLog *store.MemRaftLog
	dir    string
}

type testCluster struct {
	t        *testing.T
	net      *InMemoryNetwork
	servers  []int
	members  []int
	nodes    map[int]*testNode
	fileLog  bool
	modGroup func(*GroupOptions)
	modSrv   func(*ServerOptions)
	wrap     func(id int, tr Transport) Transport
}

type clusterOption func(*testCluster)

func withFileLog() clusterOption {
	return func(c *testCluster) { c.fileLog = true }
}

func withMembers(ids ...int) clusterOption {
	return func(c *testCluster) { c.members = ids }
}

func withGroupOptions(fn func(*GroupOptions)) clusterOption {
	return func(c *testCluster) { c.modGroup = fn }
}

func withServerOptions(fn func(*ServerOptions)) clusterOption {
	return func(c *testCluster) { c.modSrv = fn }
}

func newTestCluster(t *testing.T, n int, opts ...clusterOption) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		net:   NewInMemoryNetwork(),
		nodes: make(map[int]*testNode),
	}
	for i := 1; i <= n; i++ {
		c.servers = append(c.servers, i)
	}
	c.members = c.servers
	for _, o := range opts {
		o(c)
	}
	root := t.TempDir()
	for _, id := range c.servers {
		dir := filepath.Join(root, fmt.Sprintf("node-%d", id))
		require.NoError(t, os.MkdirAll(dir, 0755))
		c.nodes[id] = &testNode{
			id:     id,
			sm:     &recordSM{},
			memLog: store.NewMemRaftLog(),
			dir:    dir,
		}
	}
	t.Cleanup(c.stopAll)
	return c
}

func (c *testCluster) serverOptions(id int) ServerOptions {
	opts := ServerOptions{
		NodeID:            id,
		Servers:           c.servers,
		ElectTimeout:      300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		RPCTimeout:        200 * time.Millisecond,
		PingInterval:      50 * time.Millisecond,
	}
	if c.modSrv != nil {
		c.modSrv(&opts)
	}
	return opts
}

func (c *testCluster) groupOptions(n *testNode) GroupOptions {
	opts := GroupOptions{
		GroupID:      testGroup,
		Members:      c.members,
		StateMachine: n.sm,
	}
	if c.fileLog {
		status := store.NewStatusManager(filepath.Join(n.dir, "raft.status"))
		require.NoError(c.t, status.Load())
		opts.Status = status
		opts.OpenLog = func(progress store.Progress) (store.RaftLog, error) {
			return store.NewFileRaftLog(store.Options{
				Dir:               n.dir,
				LogFileSize:       64 << 10,
				IdxItemsPerFile:   1024,
				IdxFlushThreshold: 64,
				SyncForce:         true,
			}, status, progress), nil
		}
	} else {
		log := n.memLog
		opts.OpenLog = func(store.Progress) (store.RaftLog, error) { return log, nil }
	}
	if c.modGroup != nil {
		c.modGroup(&opts)
	}
	return opts
}

func (c *testCluster) start(id int) {
	c.t.Helper()
	n := c.nodes[id]
	var tr Transport = c.net.Transport(id)
	if c.wrap != nil {
		tr = c.wrap(id, tr)
	}
	n.srv = NewServer(c.serverOptions(id), tr, logging.NewNop())
	_, err := n.srv.AddGroup(context.Background(), c.groupOptions(n))
	require.NoError(c.t, err)
	require.NoError(c.t, n.srv.Start(context.Background()))
}

func (c *testCluster) startAll() {
	for _, id := range c.servers {
		c.start(id)
	}
}

func (c *testCluster) stop(id int) {
	if n := c.nodes[id]; n.srv != nil {
		n.srv.Stop()
		n.srv = nil
	}
}

func (c *testCluster) stopAll() {
	for _, id := range c.servers {
		c.stop(id)
	}
}

func (c *testCluster) status(id int) *ShareStatus {
	n := c.nodes[id]
	if n.srv == nil {
		return nil
	}
	ss, err := n.srv.Status(testGroup)
	if err != nil {
		return nil
	}
	return ss
}

// leader returns the running node that leads with a valid lease in the
// highest term, or 0.
func (c *testCluster) leader() int {
	best, term := 0, uint32(0)
	for _, id := range c.servers {
		ss := c.status(id)
		if ss != nil && ss.LeaseValid(time.Now()) && ss.Term >= term {
			best, term = id, ss.Term
		}
	}
	return best
}

func (c *testCluster) waitLeader(timeout time.Duration) int {
	c.t.Helper()
	var id int
	require.Eventually(c.t, func() bool {
		id = c.leader()
		return id != 0
	}, timeout, 10*time.Millisecond, "no leader elected")
	return id
}

// submit retries on the current leader until data is applied.
func (c *testCluster) submit(data string) *RaftOutput {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		id := c.leader()
		if id == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		out, err := c.nodes[id].srv.SubmitLinearTask(ctx, testGroup, &RaftInput{Data: []byte(data)})
		if err == nil {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("submit %q did not succeed", data)
	return nil
}

func (c *testCluster) waitApplied(id int, n int) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		return len(c.nodes[id].sm.records()) >= n
	}, 10*time.Second, 10*time.Millisecond, "node %d did not apply %d records", id, n)
}

// matchIndex asks the leader dispatcher for its match index of peer.
func (c *testCluster) matchIndex(leader, peer int) uint64 {
	g, err := c.nodes[leader].srv.Group(testGroup)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	idx, err := call(ctx, g, func(f *fiber.Future[uint64]) {
		if p := g.repl.peer(peer); p != nil {
			f.Complete(p.matchIndex, nil)
			return
		}
		f.Complete(0, nil)
	})
	if err != nil {
		return 0
	}
	return idx
}
