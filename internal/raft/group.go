package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/fiber"
	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

const (
	applyBatchItems   = 100
	applyBatchBytes   = 16 << 20
	stopDrainTimeout  = 5 * time.Second
	commitPersistTick = time.Second
)

// GroupOptions configures one raft group.
type GroupOptions struct {
	GroupID   int
	Members   []int
	Observers []int

	// OpenLog creates the group log. The group passes itself as progress so
	// that segment deletion never passes what was applied and fsynced.
	OpenLog func(progress store.Progress) (store.RaftLog, error)
	// Status persists term, vote and commit index. It must be loaded. A nil
	// status keeps them in memory only.
	Status       *store.StatusManager
	StateMachine StateMachine

	IoRetryInterval      []time.Duration
	MaxReplicateItems    int
	MaxReplicateBytes    int
	SingleReplicateLimit int
	// SnapshotInterval triggers periodic snapshots; zero disables them.
	SnapshotInterval time.Duration
	// DeleteDelay is how long segments covered by a snapshot are kept.
	DeleteDelay time.Duration
}

func (o *GroupOptions) setDefaults() {
	if o.MaxReplicateItems <= 0 {
		o.MaxReplicateItems = 3000
	}
	if o.MaxReplicateBytes <= 0 {
		o.MaxReplicateBytes = 16 << 20
	}
	if o.SingleReplicateLimit <= 0 {
		o.SingleReplicateLimit = 1800 << 10
	}
}

// timing holds the server wide settings a group runs with.
type timing struct {
	electTimeout      time.Duration
	heartbeatInterval time.Duration
	rpcTimeout        time.Duration
}

type forceWaiter struct {
	index uint64
	fn    func(ok bool)
}

// Group is one raft instance hosted by a Server.
type Group struct {
	id        int
	nodeID    int
	opts      GroupOptions
	timing    timing
	transport Transport
	logger    logging.Logger

	log    store.RaftLog
	sm     StateMachine
	status *store.StatusManager

	exec   *fiber.Dispatcher
	io     *fiber.Worker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rnd    *rand.Rand

	st    RaftStatus
	tail  *TailCache
	share atomic.Pointer[ShareStatus]

	vote     *voteManager
	repl     *replicateManager
	transfer *transferState
	install  *installState

	unwritten    []*store.LogItem
	flushPosted  bool
	writeEpoch   uint64
	forceWaiters []forceWaiter
	applyWaiters []forceWaiter
	applyLoading bool

	firstCommitCh chan struct{}
	held          []*RaftTask

	snapshotting      bool
	lastSnapshotIndex uint64
	lastSnapshotTime  time.Time
	persistedCommit   uint64
	lastCommitPersist time.Time

	stopping  bool
	tickOnce  sync.Once
	stopOnce  sync.Once
	startedAt time.Time
}

func newGroup(opts GroupOptions, nodeID int, tm timing, transport Transport, logger logging.Logger) (*Group, error) {
	if opts.OpenLog == nil || opts.StateMachine == nil {
		return nil, fmt.Errorf("group %d: log and state machine are required: %w", opts.GroupID, ErrInvalidConfig)
	}
	if len(opts.Members) == 0 {
		return nil, fmt.Errorf("group %d: no members: %w", opts.GroupID, ErrInvalidConfig)
	}
	opts.setDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields("group", opts.GroupID, "node", nodeID)
	ctx, cancel := context.WithCancel(context.Background())

	g := &Group{
		id:            opts.GroupID,
		nodeID:        nodeID,
		opts:          opts,
		timing:        tm,
		transport:     transport,
		logger:        logger,
		sm:            opts.StateMachine,
		status:        opts.Status,
		exec:          fiber.NewDispatcher(fmt.Sprintf("group-%d", opts.GroupID), logger),
		io:            fiber.NewWorker(fmt.Sprintf("group-%d-io", opts.GroupID), logger),
		ctx:           ctx,
		cancel:        cancel,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano() + int64(nodeID))),
		firstCommitCh: make(chan struct{}),
	}
	g.vote = &voteManager{g: g}
	g.repl = &replicateManager{g: g}

	log, err := opts.OpenLog(g)
	if err != nil {
		g.io.Stop()
		cancel()
		return nil, fmt.Errorf("group %d: open log: %w", opts.GroupID, err)
	}
	g.log = log
	return g, nil
}

// ID returns the group id.
func (g *Group) ID() int {
	return g.id
}

// Status returns the last published status.
func (g *Group) Status() *ShareStatus {
	return g.share.Load()
}

// LastApplied implements store.Progress.
func (g *Group) LastApplied() uint64 {
	if ss := g.share.Load(); ss != nil {
		return ss.LastApplied
	}
	return 0
}

// LastForceLogIndex implements store.Progress.
func (g *Group) LastForceLogIndex() uint64 {
	if ss := g.share.Load(); ss != nil {
		return ss.LastForceLogIndex
	}
	return 0
}

// init recovers the group from its status file, latest snapshot and log.
func (g *Group) init(ctx context.Context) error {
	st := &g.st
	st.Members = copyIDs(g.opts.Members)
	st.Observers = copyIDs(g.opts.Observers)
	if contains(st.Observers, g.nodeID) {
		st.Role = RoleObserver
	}

	var commit uint64
	if g.status != nil {
		st.CurrentTerm = uint32(g.status.GetUint64(store.KeyTerm))
		st.VotedFor = int(g.status.GetUint64(store.KeyVotedFor))
		commit = g.status.GetUint64(store.KeyCommitIndex)
	}

	meta, err := g.sm.InitFromLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	lastTerm, lastIndex, err := g.log.Init(ctx)
	if err != nil {
		return fmt.Errorf("init log: %w", err)
	}

	if meta != nil {
		if meta.LastIncludedIndex > lastIndex {
			g.logger.Info("snapshot is ahead of log, restart log after it",
				"snapshot", meta.LastIncludedIndex, "lastIndex", lastIndex)
			if err := g.log.FinishInstall(ctx, meta.LastIncludedIndex+1, 0); err != nil {
				return fmt.Errorf("restart log after snapshot: %w", err)
			}
			lastIndex = meta.LastIncludedIndex
			lastTerm = meta.LastIncludedTerm
		} else if meta.LastIncludedIndex == lastIndex && lastTerm == 0 {
			lastTerm = meta.LastIncludedTerm
		}
		st.LastApplied = meta.LastIncludedIndex
		st.LastAppliedTerm = meta.LastIncludedTerm
		g.lastSnapshotIndex = meta.LastIncludedIndex
		if len(meta.Members) > 0 {
			st.Members = copyIDs(meta.Members)
			st.Observers = copyIDs(meta.Observers)
			st.PreparedMembers = copyIDs(meta.PreparedMembers)
			st.PreparedObservers = copyIDs(meta.PreparedObservers)
			st.PrepareIndex = meta.PrepareIndex
		}
	}
	if first := g.log.FirstIndex(); first > st.LastApplied+1 {
		return fmt.Errorf("log starts at %d but state machine applied only %d: %w",
			first, st.LastApplied, store.ErrIndexDeleted)
	}

	st.LastLogIndex = lastIndex
	st.LastLogTerm = lastTerm
	st.LastForceLogIndex = lastIndex
	if commit < st.LastApplied {
		commit = st.LastApplied
	}
	if commit > lastIndex {
		commit = lastIndex
	}
	st.CommitIndex = commit
	g.persistedCommit = commit

	g.tail = NewTailCache(commit + 1)
	if err := g.loadTail(ctx, commit+1, lastIndex); err != nil {
		return err
	}

	now := time.Now()
	g.startedAt = now
	g.lastSnapshotTime = now
	g.lastCommitPersist = now
	g.resetElectDeadline(now)
	g.publish()
	g.logger.Info("group recovered",
		"term", st.CurrentTerm,
		"lastIndex", st.LastLogIndex,
		"commitIndex", st.CommitIndex,
		"lastApplied", st.LastApplied,
		"role", st.Role.String())
	return nil
}

// loadTail puts the uncommitted entries found on disk back into the tail
// cache so that followers can compare terms without disk reads.
func (g *Group) loadTail(ctx context.Context, from, to uint64) error {
	it := g.log.OpenIterator()
	defer it.Close()
	for from <= to {
		items, err := it.Next(ctx, from, applyBatchItems, applyBatchBytes)
		if err != nil {
			return fmt.Errorf("load tail: %w", err)
		}
		for _, item := range items {
			if item.Index > to {
				return nil
			}
			g.tail.Put(&RaftTask{Item: item})
			from = item.Index + 1
		}
	}
	return nil
}

// start runs the dispatcher. Elections only begin with startTicker.
func (g *Group) start() {
	g.exec.Start()
	g.post(g.applyCommitted)
}

func (g *Group) startTicker() {
	g.tickOnce.Do(func() {
		interval := g.timing.heartbeatInterval / 4
		if interval > 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		g.post(func() { g.resetElectDeadline(time.Now()) })
		g.goAsync(func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					g.post(g.tick)
				case <-ctx.Done():
					return
				}
			}
		})
	})
}

func (g *Group) stop() {
	g.stopOnce.Do(func() {
		_ = g.exec.Call(context.Background(), g.shutdown)
		g.exec.Stop()

		drained := make(chan struct{})
		if g.io.Submit(func(context.Context) { close(drained) }) {
			select {
			case <-drained:
			case <-time.After(stopDrainTimeout):
				g.logger.Warn("io worker did not drain before stop")
			}
		}
		g.cancel()
		g.io.Stop()
		g.wg.Wait()
		if err := g.log.Close(); err != nil {
			g.logger.Warn("close log failed", "error", err)
		}
		g.logger.Info("group stopped")
	})
}

// shutdown fails all pending work. It runs on the dispatcher.
func (g *Group) shutdown() {
	g.flushWrites()
	g.failPending(ErrGroupStopping)
	g.repl.stop()
	g.vote.cancel()
	g.stopping = true
	g.publish()
}

func (g *Group) failPending(err error) {
	g.tail.ForEach(func(t *RaftTask) { t.fail(err) })
	for _, t := range g.held {
		t.fail(err)
	}
	g.held = nil
	if g.transfer != nil {
		g.transfer.future.Fail(err)
		g.transfer = nil
		g.st.HoldRequest = false
	}
	for _, w := range g.forceWaiters {
		w.fn(false)
	}
	g.forceWaiters = nil
	for _, w := range g.applyWaiters {
		w.fn(false)
	}
	g.applyWaiters = nil
}

// post runs fn on the dispatcher and republishes the status afterwards.
func (g *Group) post(fn func()) bool {
	return g.exec.Post(func() {
		if g.stopping {
			return
		}
		fn()
		g.publish()
	})
}

func (g *Group) goAsync(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

func (g *Group) publish() {
	st := &g.st
	g.share.Store(&ShareStatus{
		GroupID:              g.id,
		NodeID:               g.nodeID,
		Role:                 st.Role,
		Term:                 st.CurrentTerm,
		LeaderID:             st.LeaderID,
		LeaseEnd:             st.LeaseEnd,
		LastLogIndex:         st.LastLogIndex,
		LastApplied:          st.LastApplied,
		CommitIndex:          st.CommitIndex,
		LastForceLogIndex:    st.LastForceLogIndex,
		Members:              st.Members,
		Observers:            st.Observers,
		PreparedMembers:      st.PreparedMembers,
		PreparedObservers:    st.PreparedObservers,
		PrepareIndex:         st.PrepareIndex,
		Installing:           st.Installing,
		Err:                  st.Err,
		FirstCommitOfApplied: g.firstCommitCh,
	})
}

func (g *Group) resetElectDeadline(now time.Time) {
	base := int64(g.timing.electTimeout)
	g.st.ElectDeadline = now.Add(time.Duration(base + g.rnd.Int63n(base)))
}

func (g *Group) tick() {
	st := &g.st
	now := time.Now()
	switch st.Role {
	case RoleLeader:
		if now.Sub(st.HeartbeatTime) >= g.timing.heartbeatInterval {
			st.HeartbeatTime = now
			g.leaderAppend(&RaftTask{Input: &RaftInput{itemType: store.TypeHeartbeat}})
		}
		g.repl.tick()
		g.updateLease(now)
		if now.After(st.LeaseEnd) {
			g.logger.Warn("lost contact with quorum, step down", "term", st.CurrentTerm)
			g.becomeFollower(st.CurrentTerm, 0)
			return
		}
		g.tickTransfer(now)
	case RoleFollower, RoleCandidate:
		if now.After(st.ElectDeadline) {
			g.vote.onElectTimeout(now)
		}
	}
	g.tickPersistCommit(now)
	g.tickSnapshot(now)
}

func (g *Group) tickPersistCommit(now time.Time) {
	if g.st.CommitIndex == g.persistedCommit || now.Sub(g.lastCommitPersist) < commitPersistTick {
		return
	}
	g.lastCommitPersist = now
	g.persistStatus(nil)
}

// submitIO runs op on the ordered IO worker with retry and calls done on
// the dispatcher. A final error is fatal for the group; done still runs
// with it.
func (g *Group) submitIO(name string, op func(ctx context.Context) error, done func(err error)) {
	ok := g.io.Submit(func(ctx context.Context) {
		retry := store.NewIoRetry(g.opts.IoRetryInterval, g.logger)
		err := retry.Run(ctx, name, func() error { return op(ctx) })
		g.post(func() {
			if err != nil {
				g.ioFailed(name, err)
			}
			if done != nil {
				done(err)
			}
		})
	})
	if !ok && done != nil {
		done(ErrGroupStopping)
	}
}

func (g *Group) ioFailed(name string, err error) {
	if g.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	g.fatal(&RaftError{Msg: name + " failed", Cause: err})
}

// fatal puts the group in error state. Every later submit fails.
func (g *Group) fatal(err error) {
	st := &g.st
	if st.Err != nil {
		return
	}
	st.Err = err
	g.logger.Error("group failed", "error", err)
	if st.Role == RoleLeader {
		g.becomeFollower(st.CurrentTerm, 0)
	}
	g.vote.cancel()
	g.failPending(fmt.Errorf("%w: %v", ErrGroupFailed, err))
}

// persistStatus writes term, vote and commit index. done runs once they
// are durable.
func (g *Group) persistStatus(done func(err error)) {
	st := &g.st
	term, voted, commit := st.CurrentTerm, st.VotedFor, st.CommitIndex
	if g.status == nil {
		if done != nil {
			done(nil)
		}
		return
	}
	g.submitIO("persist status", func(context.Context) error {
		g.status.SetUint64(store.KeyTerm, uint64(term))
		g.status.SetUint64(store.KeyVotedFor, uint64(voted))
		g.status.SetUint64(store.KeyCommitIndex, commit)
		return g.status.Persist()
	}, func(err error) {
		if err == nil && commit > g.persistedCommit {
			g.persistedCommit = commit
		}
		if done != nil {
			done(err)
		}
	})
}

// becomeFollower moves to follower at term, which must not be older than
// the current one.
func (g *Group) becomeFollower(term uint32, leaderID int) {
	st := &g.st
	g.flushWrites()
	termChanged := term > st.CurrentTerm
	if termChanged {
		st.CurrentTerm = term
		st.VotedFor = 0
	}
	wasLeader := st.Role == RoleLeader
	if st.Role != RoleObserver {
		st.Role = RoleFollower
	}
	st.LeaderID = leaderID
	g.vote.cancel()
	if wasLeader {
		g.stepDownCleanup()
	}
	if termChanged {
		g.persistStatus(nil)
	}
	g.resetElectDeadline(time.Now())
	if wasLeader || termChanged {
		g.logger.Info("become follower", "term", st.CurrentTerm, "leader", leaderID)
	}
}

func (g *Group) stepDownCleanup() {
	st := &g.st
	g.repl.stop()
	st.LeaseEnd = time.Time{}
	target := 0
	if g.transfer != nil && g.transfer.sent {
		target = g.transfer.target
	} else if g.transfer != nil {
		g.transfer.future.Fail(&NotLeaderError{})
		g.transfer = nil
	}
	st.HoldRequest = false
	for _, t := range g.held {
		t.fail(&NotLeaderError{LeaderID: target})
	}
	g.held = nil
}

func (g *Group) becomeLeader() {
	st := &g.st
	now := time.Now()
	st.Role = RoleLeader
	st.LeaderID = g.nodeID
	st.LeaderStart = now
	st.HeartbeatTime = now
	g.vote.cancel()
	g.firstCommitCh = make(chan struct{})
	g.repl.start(now)

	hb := &RaftTask{Input: &RaftInput{itemType: store.TypeHeartbeat}}
	g.leaderAppend(hb)
	st.FirstIndexOfTerm = hb.Item.Index
	g.updateLease(now)
	g.logger.Info("become leader", "term", st.CurrentTerm, "firstIndex", st.FirstIndexOfTerm)
}

// submit handles a client task on the dispatcher.
func (g *Group) submit(t *RaftTask) {
	st := &g.st
	switch {
	case st.Err != nil:
		t.fail(fmt.Errorf("%w: %v", ErrGroupFailed, st.Err))
	case st.Role != RoleLeader:
		t.fail(&NotLeaderError{LeaderID: st.LeaderID})
	case t.expired(time.Now()):
		t.fail(ErrTimeout)
	case st.HoldRequest:
		g.held = append(g.held, t)
	default:
		g.leaderAppend(t)
	}
}

// leaderAppend assigns indexes to tasks and queues them for writing. All
// tasks appended during one dispatcher round are written in one batch.
func (g *Group) leaderAppend(tasks ...*RaftTask) {
	st := &g.st
	now := time.Now().UnixNano()
	for _, t := range tasks {
		item := &store.LogItem{
			Index:       st.LastLogIndex + 1,
			Term:        st.CurrentTerm,
			PrevLogTerm: st.LastLogTerm,
			Type:        t.Input.itemType,
			Timestamp:   now,
			Data:        t.Input.Data,
		}
		t.Item = item
		g.tail.Put(t)
		st.LastLogIndex = item.Index
		st.LastLogTerm = item.Term
		g.unwritten = append(g.unwritten, item)
	}
	if !g.flushPosted {
		g.flushPosted = true
		g.post(func() {
			g.flushPosted = false
			g.flushWrites()
			if g.st.Role == RoleLeader {
				g.repl.replicateAll()
			}
		})
	}
}

// flushWrites hands the unwritten leader entries to the IO worker.
func (g *Group) flushWrites() {
	if len(g.unwritten) == 0 {
		return
	}
	items := g.unwritten
	g.unwritten = nil
	g.writeItems(items)
}

func (g *Group) writeItems(items []*store.LogItem) {
	epoch := g.writeEpoch
	last := items[len(items)-1].Index
	g.submitIO("append log", func(ctx context.Context) error {
		return g.log.Append(ctx, items)
	}, func(err error) {
		if err == nil {
			g.onWriteDone(epoch, last)
		}
	})
}

func (g *Group) onWriteDone(epoch, last uint64) {
	st := &g.st
	if epoch != g.writeEpoch {
		return
	}
	if last > st.LastForceLogIndex {
		st.LastForceLogIndex = last
	}
	g.fireForceWaiters()
	if st.Role == RoleLeader {
		g.leaderTryCommit()
		g.checkTransfer()
	}
	g.evictTail()
}

// whenForced calls fn once every entry up to index is fsynced, or with
// false if they are truncated first.
func (g *Group) whenForced(index uint64, fn func(ok bool)) {
	if g.st.LastForceLogIndex >= index {
		fn(true)
		return
	}
	g.forceWaiters = append(g.forceWaiters, forceWaiter{index: index, fn: fn})
}

func (g *Group) fireForceWaiters() {
	force := g.st.LastForceLogIndex
	kept := g.forceWaiters[:0]
	var ready []forceWaiter
	for _, w := range g.forceWaiters {
		if w.index <= force {
			ready = append(ready, w)
		} else {
			kept = append(kept, w)
		}
	}
	g.forceWaiters = kept
	for _, w := range ready {
		w.fn(true)
	}
}

// evictTail drops entries that are both applied and fsynced.
func (g *Group) evictTail() {
	bound := g.st.LastApplied
	if g.st.LastForceLogIndex < bound {
		bound = g.st.LastForceLogIndex
	}
	g.tail.RemoveUpTo(bound)
}

// call runs fn on the dispatcher and waits for the future it completes.
func call[T any](ctx context.Context, g *Group, fn func(f *fiber.Future[T])) (T, error) {
	f := fiber.NewFuture[T]()
	if !g.post(func() { fn(f) }) {
		var zero T
		return zero, ErrGroupStopping
	}
	return await(ctx, g, f)
}

func await[T any](ctx context.Context, g *Group, f *fiber.Future[T]) (T, error) {
	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-g.ctx.Done():
		select {
		case <-f.Done():
			return f.Result()
		default:
		}
		var zero T
		return zero, ErrGroupStopping
	}
}
