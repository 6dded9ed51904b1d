package raft

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// nodeInfo is what the node manager knows about one server.
type nodeInfo struct {
	id       int
	uuid     string
	ready    bool
	lastPing time.Time
	failures int
}

// nodeManager pings every server of the cluster. The uuid of a server
// changes on restart, which is logged. Groups start electing once a
// quorum of servers answered.
type nodeManager struct {
	self      int
	uuid      string
	transport Transport
	logger    logging.Logger
	interval  time.Duration
	timeout   time.Duration

	mu        sync.Mutex
	nodes     map[int]*nodeInfo
	readyCh   chan struct{}
	readyOnce sync.Once
}

func newNodeManager(self int, servers []int, transport Transport, interval, timeout time.Duration, logger logging.Logger) *nodeManager {
	m := &nodeManager{
		self:      self,
		uuid:      uuid.NewString(),
		transport: transport,
		logger:    logger,
		interval:  interval,
		timeout:   timeout,
		nodes:     make(map[int]*nodeInfo),
		readyCh:   make(chan struct{}),
	}
	for _, id := range servers {
		m.nodes[id] = &nodeInfo{id: id}
	}
	m.nodes[self] = &nodeInfo{id: self, uuid: m.uuid, ready: true}
	m.checkReady()
	return m
}

func (m *nodeManager) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.pingAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *nodeManager) pingAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.peers() {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			resp, err := m.transport.Ping(ctx, id, &PingRequest{NodeID: m.self, UUID: m.uuid})
			if err != nil {
				m.markFailed(id, err)
				return
			}
			m.markSeen(resp.NodeID, resp.UUID)
		}()
	}
	wg.Wait()
}

func (m *nodeManager) peers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.nodes))
	for id := range m.nodes {
		if id != m.self {
			out = append(out, id)
		}
	}
	return out
}

func (m *nodeManager) handlePing(req *PingRequest) *PingResponse {
	m.markSeen(req.NodeID, req.UUID)
	return &PingResponse{NodeID: m.self, UUID: m.uuid}
}

func (m *nodeManager) markSeen(id int, nodeUUID string) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("ping from unknown node", "node", id)
		return
	}
	if n.uuid != "" && n.uuid != nodeUUID {
		m.logger.Info("node restarted", "node", id, "oldUUID", n.uuid, "uuid", nodeUUID)
	}
	if !n.ready {
		m.logger.Info("node is ready", "node", id)
	}
	n.uuid = nodeUUID
	n.ready = true
	n.lastPing = time.Now()
	n.failures = 0
	m.mu.Unlock()
	m.checkReady()
}

func (m *nodeManager) markFailed(id int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[id]
	if n == nil {
		return
	}
	n.failures++
	if n.ready && n.failures >= 3 {
		n.ready = false
		m.logger.Warn("node is unreachable", "node", id, "error", err)
	}
}

func (m *nodeManager) checkReady() {
	m.mu.Lock()
	ready := 0
	for _, n := range m.nodes {
		if n.ready {
			ready++
		}
	}
	total := len(m.nodes)
	m.mu.Unlock()
	if ready >= quorum(total) {
		m.readyOnce.Do(func() {
			m.logger.Info("quorum of servers reachable", "ready", ready, "servers", total)
			close(m.readyCh)
		})
	}
}

// addNode starts pinging id. It reports false when id is already known.
func (m *nodeManager) addNode(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		return false
	}
	m.nodes[id] = &nodeInfo{id: id}
	return true
}

// removeNode stops pinging id. It reports false when id was not known.
func (m *nodeManager) removeNode(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok || id == m.self {
		return false
	}
	delete(m.nodes, id)
	return true
}

func (m *nodeManager) known(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[id]
	return ok
}

// isReady reports whether id answered the last pings.
func (m *nodeManager) isReady(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[id]
	return n != nil && n.ready
}

func (m *nodeManager) waitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
