package raft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/fiber"
	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// Default timing.
const (
	DefaultElectTimeout      = 15 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultRPCTimeout        = 5 * time.Second
	DefaultPingInterval      = time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	NodeID int
	// Servers lists every node id of the cluster, this one included. When
	// empty the union of group members is used.
	Servers []int

	ElectTimeout      time.Duration
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	PingInterval      time.Duration

	// MaxPendingWrites and MaxPendingWriteBytes bound the writes submitted
	// but not yet finished; zero means unbounded.
	MaxPendingWrites     int
	MaxPendingWriteBytes int
	// MaxBodySize rejects larger inputs; zero means unbounded.
	MaxBodySize int
}

func (o *ServerOptions) setDefaults() {
	if o.ElectTimeout <= 0 {
		o.ElectTimeout = DefaultElectTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = DefaultRPCTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
}

// Server hosts the raft groups of one node and routes messages to them.
type Server struct {
	opts      ServerOptions
	transport Transport
	logger    logging.Logger

	mu      sync.RWMutex
	groups  map[int]*Group
	started bool
	ready   bool
	nodes   *nodeManager
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pendingWrites atomic.Int64
	pendingBytes  atomic.Int64
}

// NewServer creates a server. Groups are added with AddGroup.
func NewServer(opts ServerOptions, transport Transport, logger logging.Logger) *Server {
	opts.setDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		opts:      opts,
		transport: transport,
		logger:    logger.WithFields("node", opts.NodeID),
		groups:    make(map[int]*Group),
	}
}

// NodeID returns the id of this node.
func (s *Server) NodeID() int {
	return s.opts.NodeID
}

// AddGroup recovers a group from its storage and starts serving its
// messages. Elections begin once the server is ready.
func (s *Server) AddGroup(ctx context.Context, opts GroupOptions) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[opts.GroupID]; ok {
		return nil, fmt.Errorf("group %d already exists: %w", opts.GroupID, ErrInvalidConfig)
	}
	tm := timing{
		electTimeout:      s.opts.ElectTimeout,
		heartbeatInterval: s.opts.HeartbeatInterval,
		rpcTimeout:        s.opts.RPCTimeout,
	}
	g, err := newGroup(opts, s.opts.NodeID, tm, s.transport, s.logger)
	if err != nil {
		return nil, err
	}
	if err := g.init(ctx); err != nil {
		g.cancel()
		g.io.Stop()
		_ = g.log.Close()
		return nil, fmt.Errorf("group %d: %w", opts.GroupID, err)
	}
	g.start()
	s.groups[g.id] = g
	if s.ready {
		g.startTicker()
	}
	return g, nil
}

// Start starts the transport and the node manager. Groups begin electing
// in the background once a quorum of servers is reachable.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.transport.Start(s); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	s.nodes = newNodeManager(s.opts.NodeID, s.servers(), s.transport, s.opts.PingInterval, s.opts.RPCTimeout, s.logger)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.nodes.run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.nodes.waitReady(runCtx); err != nil {
			return
		}
		s.mu.Lock()
		s.ready = true
		for _, g := range s.groups {
			g.startTicker()
		}
		s.mu.Unlock()
		s.logger.Info("server ready", "groups", len(s.groups))
	}()
	s.logger.Info("server started", "servers", s.servers())
	return nil
}

// WaitReady blocks until the groups of the server run elections.
func (s *Server) WaitReady(ctx context.Context) error {
	s.mu.RLock()
	nodes := s.nodes
	s.mu.RUnlock()
	if nodes == nil {
		return ErrNotStarted
	}
	if err := nodes.waitReady(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Server) servers() []int {
	if len(s.opts.Servers) > 0 {
		return s.opts.Servers
	}
	var ids []int
	for _, g := range s.groups {
		for _, id := range g.opts.Members {
			if !contains(ids, id) {
				ids = append(ids, id)
			}
		}
		for _, id := range g.opts.Observers {
			if !contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	if !contains(ids, s.opts.NodeID) {
		ids = append(ids, s.opts.NodeID)
	}
	sort.Ints(ids)
	return ids
}

// Stop stops every group and the transport.
func (s *Server) Stop() {
	s.mu.Lock()
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("close transport failed", "error", err)
	}
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			g.stop()
		}(g)
	}
	wg.Wait()
	s.logger.Info("server stopped")
}

// Group returns the group with id.
func (s *Server) Group(id int) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
	}
	return g, nil
}

// Status returns the published status of a group.
func (s *Server) Status(groupID int) (*ShareStatus, error) {
	g, err := s.Group(groupID)
	if err != nil {
		return nil, err
	}
	return g.Status(), nil
}

func (s *Server) acquire(size int) bool {
	if prev := s.pendingWrites.Add(1) - 1; s.opts.MaxPendingWrites > 0 && prev >= int64(s.opts.MaxPendingWrites) {
		s.pendingWrites.Add(-1)
		return false
	}
	n := int64(size)
	if prev := s.pendingBytes.Add(n) - n; s.opts.MaxPendingWriteBytes > 0 && prev >= int64(s.opts.MaxPendingWriteBytes) {
		s.pendingBytes.Add(-n)
		s.pendingWrites.Add(-1)
		return false
	}
	return true
}

func (s *Server) release(size int) {
	s.pendingWrites.Add(-1)
	s.pendingBytes.Add(-int64(size))
}

// PendingWrites returns the writes and bytes in flight.
func (s *Server) PendingWrites() (int64, int64) {
	return s.pendingWrites.Load(), s.pendingBytes.Load()
}

// SubmitLinearTask replicates input through the group leader and returns
// the state machine result once it is applied. The task may still apply
// after a timeout error.
func (s *Server) SubmitLinearTask(ctx context.Context, groupID int, input *RaftInput) (*RaftOutput, error) {
	g, err := s.Group(groupID)
	if err != nil {
		return nil, err
	}
	size := len(input.Data)
	if s.opts.MaxBodySize > 0 && size > s.opts.MaxBodySize {
		return nil, ErrRequestTooLarge
	}
	if !s.acquire(size) {
		return nil, ErrOverloaded
	}
	in := &RaftInput{Data: input.Data, Deadline: input.Deadline}
	if dl, ok := ctx.Deadline(); ok && in.Deadline.IsZero() {
		in.Deadline = dl
	}
	t := newRaftTask(in)
	t.release = func() { s.release(size) }
	if !g.post(func() { g.submit(t) }) {
		t.fail(ErrGroupStopping)
	}
	return await(ctx, g, t.future)
}

// GetLogIndexForRead returns an index after which reads on the leader are
// linearizable once it is applied.
func (s *Server) GetLogIndexForRead(ctx context.Context, groupID int) (uint64, error) {
	g, err := s.Group(groupID)
	if err != nil {
		return 0, err
	}
	return g.leaseRead(ctx)
}

// WaitApplied blocks until the local replica of a group applied index.
func (s *Server) WaitApplied(ctx context.Context, groupID int, index uint64) error {
	g, err := s.Group(groupID)
	if err != nil {
		return err
	}
	if ss := g.Status(); ss != nil && ss.LastApplied >= index {
		return nil
	}
	_, err = call(ctx, g, func(f *fiber.Future[struct{}]) {
		g.whenApplied(index, func(ok bool) {
			if !ok {
				f.Fail(ErrGroupStopping)
				return
			}
			f.Complete(struct{}{}, nil)
		})
	})
	return err
}

// TransferLeadership hands leadership of a group to target.
func (s *Server) TransferLeadership(ctx context.Context, groupID, target int, timeout time.Duration) error {
	g, err := s.Group(groupID)
	if err != nil {
		return err
	}
	_, err = call(ctx, g, func(f *fiber.Future[struct{}]) {
		tf := g.startTransfer(target, timeout)
		go func() {
			<-tf.Done()
			f.Complete(tf.Result())
		}()
	})
	return err
}

func (s *Server) configChange(ctx context.Context, groupID int, typ store.ItemType, members, observers []int, prepareIndex uint64) (uint64, error) {
	g, err := s.Group(groupID)
	if err != nil {
		return 0, err
	}
	out, err := call(ctx, g, func(f *fiber.Future[*RaftOutput]) {
		cf := g.appendConfigChange(typ, members, observers, prepareIndex)
		go func() {
			<-cf.Done()
			f.Complete(cf.Result())
		}()
	})
	if err != nil {
		return 0, err
	}
	return out.Index, nil
}

// LeaderPrepareJointConsensus starts a membership change to members and
// observers. Both configurations must agree until it is committed or
// aborted. The returned index identifies the prepared configuration.
// Every node must have been added to the server.
func (s *Server) LeaderPrepareJointConsensus(ctx context.Context, groupID int, members, observers []int) (uint64, error) {
	s.mu.RLock()
	nodes := s.nodes
	s.mu.RUnlock()
	if nodes != nil {
		for _, id := range append(append([]int(nil), members...), observers...) {
			if !nodes.known(id) {
				return 0, fmt.Errorf("%w: %d", ErrUnknownNode, id)
			}
		}
	}
	return s.configChange(ctx, groupID, store.TypePrepareConfigChange, members, observers, 0)
}

// LeaderAbortJointConsensus drops the prepared configuration.
func (s *Server) LeaderAbortJointConsensus(ctx context.Context, groupID int) (uint64, error) {
	return s.configChange(ctx, groupID, store.TypeDropConfigChange, nil, nil, 0)
}

// LeaderCommitJointConsensus makes the configuration prepared at
// prepareIndex current. It fails with ErrPrepareIndexMismatch when another
// configuration is prepared.
func (s *Server) LeaderCommitJointConsensus(ctx context.Context, groupID int, prepareIndex uint64) (uint64, error) {
	return s.configChange(ctx, groupID, store.TypeCommitConfigChange, nil, nil, prepareIndex)
}

// PeerRegistry is implemented by transports that dial nodes by address.
type PeerRegistry interface {
	AddPeer(id int, addr string)
	RemovePeer(id int)
}

// AddNode makes node id known to the server so groups can take it into
// their configuration. Adding a known node again does nothing.
func (s *Server) AddNode(id int, addr string) error {
	if id <= 0 {
		return fmt.Errorf("%w: node id %d", ErrInvalidConfig, id)
	}
	s.mu.RLock()
	nodes := s.nodes
	s.mu.RUnlock()
	if nodes == nil {
		return ErrNotStarted
	}
	if r, ok := s.transport.(PeerRegistry); ok && addr != "" {
		r.AddPeer(id, addr)
	}
	if nodes.addNode(id) {
		s.logger.Info("node added", "node", id, "address", addr)
	}
	return nil
}

// RemoveNode forgets node id. It fails with ErrNodeInUse while any group
// still has the node in its configuration. Removing an unknown node does
// nothing.
func (s *Server) RemoveNode(id int) error {
	if id == s.opts.NodeID {
		return fmt.Errorf("%w: cannot remove self", ErrInvalidConfig)
	}
	s.mu.RLock()
	nodes := s.nodes
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.RUnlock()
	if nodes == nil {
		return ErrNotStarted
	}
	for _, g := range groups {
		if ss := g.Status(); ss != nil && ss.references(id) {
			return fmt.Errorf("%w: node %d is in group %d", ErrNodeInUse, id, g.id)
		}
	}
	if !nodes.removeNode(id) {
		return nil
	}
	if r, ok := s.transport.(PeerRegistry); ok {
		r.RemovePeer(id)
	}
	s.logger.Info("node removed", "node", id)
	return nil
}

// SaveSnapshot captures a snapshot of the group now.
func (s *Server) SaveSnapshot(ctx context.Context, groupID int) (*SnapshotMeta, error) {
	g, err := s.Group(groupID)
	if err != nil {
		return nil, err
	}
	return call(ctx, g, func(f *fiber.Future[*SnapshotMeta]) {
		g.saveSnapshot(func(meta *SnapshotMeta, err error) { f.Complete(meta, err) })
	})
}

// MarkTruncateByIndex schedules deletion of log segments at or below index.
func (s *Server) MarkTruncateByIndex(groupID int, index uint64, delay time.Duration) error {
	g, err := s.Group(groupID)
	if err != nil {
		return err
	}
	g.log.MarkTruncateByIndex(index, delay)
	return nil
}

// MarkTruncateByTimestamp schedules deletion of log segments written
// before ts.
func (s *Server) MarkTruncateByTimestamp(groupID int, ts time.Time, delay time.Duration) error {
	g, err := s.Group(groupID)
	if err != nil {
		return err
	}
	g.log.MarkTruncateByTimestamp(ts, delay)
	return nil
}

// HandleAppendEntries implements Handler.
func (s *Server) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, err
	}
	return call(ctx, g, func(f *fiber.Future[*AppendEntriesResponse]) {
		g.handleAppend(req, func(r *AppendEntriesResponse) { f.Complete(r, nil) })
	})
}

// HandleRequestVote implements Handler.
func (s *Server) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, err
	}
	return call(ctx, g, func(f *fiber.Future[*RequestVoteResponse]) {
		g.handleVote(req, func(r *RequestVoteResponse) { f.Complete(r, nil) })
	})
}

// HandleInstallSnapshot implements Handler.
func (s *Server) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, err
	}
	return call(ctx, g, func(f *fiber.Future[*InstallSnapshotResponse]) {
		g.handleInstallSnapshot(req, func(r *InstallSnapshotResponse) { f.Complete(r, nil) })
	})
}

// HandleTransferLeader implements Handler.
func (s *Server) HandleTransferLeader(ctx context.Context, req *TransferLeaderRequest) (*TransferLeaderResponse, error) {
	g, err := s.Group(req.GroupID)
	if err != nil {
		return nil, err
	}
	return call(ctx, g, func(f *fiber.Future[*TransferLeaderResponse]) {
		g.handleTransferLeader(req, func(r *TransferLeaderResponse) { f.Complete(r, nil) })
	})
}

// HandlePing implements Handler.
func (s *Server) HandlePing(_ context.Context, req *PingRequest) (*PingResponse, error) {
	s.mu.RLock()
	nodes := s.nodes
	s.mu.RUnlock()
	if nodes == nil {
		return nil, ErrConnectFailed
	}
	return nodes.handlePing(req), nil
}
