package raft

import (
	"context"
	"errors"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

const snapshotChunkSize = 1 << 20

// peerState is the leader view of one replica.
type peerState struct {
	id         int
	nextIndex  uint64
	matchIndex uint64
	inFlight   bool
	installing bool
	searching  bool
	lastAck    time.Time
	failures   int
}

// replicateManager drives replication to every replica while the node is
// leader. Callbacks from an older leadership carry a stale epoch and are
// dropped.
type replicateManager struct {
	g      *Group
	epoch  uint64
	peers  map[int]*peerState
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *replicateManager) start(now time.Time) {
	r.stop()
	r.ctx, r.cancel = context.WithCancel(r.g.ctx)
	r.peers = make(map[int]*peerState)
	r.sync(now)
}

func (r *replicateManager) stop() {
	r.epoch++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.peers = nil
}

// sync adds peers that joined the configuration and drops removed ones.
func (r *replicateManager) sync(now time.Time) {
	g := r.g
	if r.peers == nil {
		return
	}
	want := g.st.replicas(g.nodeID)
	for _, id := range want {
		if _, ok := r.peers[id]; !ok {
			r.peers[id] = &peerState{id: id, nextIndex: g.st.LastLogIndex + 1, lastAck: now}
		}
	}
	for id := range r.peers {
		if !contains(want, id) {
			delete(r.peers, id)
		}
	}
}

func (r *replicateManager) peer(id int) *peerState {
	return r.peers[id]
}

func (r *replicateManager) matchOf(id int) uint64 {
	if id == r.g.nodeID {
		return r.g.st.LastForceLogIndex
	}
	if p := r.peers[id]; p != nil {
		return p.matchIndex
	}
	return 0
}

func (r *replicateManager) ackOf(id int, now time.Time) time.Time {
	if id == r.g.nodeID {
		return now
	}
	if p := r.peers[id]; p != nil {
		return p.lastAck
	}
	return time.Time{}
}

func (r *replicateManager) tick() {
	r.replicateAll()
}

func (r *replicateManager) replicateAll() {
	for _, p := range r.peers {
		r.replicate(p)
	}
}

func (r *replicateManager) batchLimits() (int, int) {
	opts := r.g.opts
	bytes := opts.MaxReplicateBytes
	if opts.SingleReplicateLimit < bytes {
		bytes = opts.SingleReplicateLimit
	}
	return opts.MaxReplicateItems, bytes
}

func (r *replicateManager) replicate(p *peerState) {
	g := r.g
	st := &g.st
	if st.Role != RoleLeader || p.inFlight || p.installing || p.searching || p.nextIndex > st.LastLogIndex {
		return
	}
	limit, bytes := r.batchLimits()
	if p.nextIndex >= g.tail.FirstIndex() {
		r.sendAppend(p, g.tail.Items(p.nextIndex, limit, bytes))
		return
	}

	p.inFlight = true
	epoch, next := r.epoch, p.nextIndex
	ctx := r.ctx
	g.goAsync(func(context.Context) {
		it := g.log.OpenIterator()
		items, err := it.Next(ctx, next, limit, bytes)
		it.Close()
		g.post(func() {
			if r.epoch != epoch {
				return
			}
			p.inFlight = false
			switch {
			case errors.Is(err, store.ErrIndexDeleted):
				r.installSnapshot(p)
			case err != nil:
				g.logger.Warn("load entries for replication failed", "peer", p.id, "index", next, "error", err)
			case p.nextIndex == next:
				r.sendAppend(p, items)
			}
		})
	})
}

func (r *replicateManager) sendAppend(p *peerState, items []*store.LogItem) {
	g := r.g
	st := &g.st
	if len(items) == 0 {
		return
	}
	req := &AppendEntriesRequest{
		GroupID:      g.id,
		Term:         st.CurrentTerm,
		LeaderID:     g.nodeID,
		PrevLogIndex: items[0].Index - 1,
		PrevLogTerm:  items[0].PrevLogTerm,
		LeaderCommit: st.CommitIndex,
		Entries:      items,
	}
	last := items[len(items)-1].Index
	p.inFlight = true
	epoch := r.epoch
	ctx := r.ctx
	sent := time.Now()
	g.goAsync(func(context.Context) {
		ctx, cancel := context.WithTimeout(ctx, g.timing.rpcTimeout)
		defer cancel()
		resp, err := g.transport.AppendEntries(ctx, p.id, req)
		g.post(func() {
			if r.epoch == epoch {
				r.onAppendResponse(p, last, sent, resp, err)
			}
		})
	})
}

func (r *replicateManager) onAppendResponse(p *peerState, last uint64, sent time.Time, resp *AppendEntriesResponse, err error) {
	g := r.g
	st := &g.st
	p.inFlight = false
	if err != nil {
		p.failures++
		if p.failures == 1 || p.failures%50 == 0 {
			g.logger.Warn("append entries failed", "peer", p.id, "failures", p.failures, "error", err)
		}
		return
	}
	if resp.Term > st.CurrentTerm {
		g.logger.Info("append response has higher term", "peer", p.id, "term", resp.Term)
		g.becomeFollower(resp.Term, 0)
		return
	}
	if sent.After(p.lastAck) {
		p.lastAck = sent
	}
	g.updateLease(time.Now())

	switch {
	case resp.Success:
		p.failures = 0
		if last > p.matchIndex {
			p.matchIndex = last
		}
		if p.nextIndex <= last {
			p.nextIndex = last + 1
		}
		g.leaderTryCommit()
		g.checkTransfer()
		r.replicate(p)
	case resp.AppendCode == AppendCodeLogNotMatch:
		g.logger.Info("follower log does not match", "peer", p.id,
			"suggestIndex", resp.MaxLogIndex, "suggestTerm", resp.MaxLogTerm)
		r.findMatch(p, resp.MaxLogTerm, resp.MaxLogIndex)
	case resp.AppendCode == AppendCodePrevLogIndexLessThanLocalCommit:
		idx := resp.MaxLogIndex
		if idx > st.LastLogIndex {
			idx = st.LastLogIndex
		}
		if idx > p.matchIndex {
			p.matchIndex = idx
		}
		p.nextIndex = idx + 1
		g.leaderTryCommit()
		r.replicate(p)
	default:
		g.logger.Warn("append entries rejected", "peer", p.id, "code", resp.AppendCode.String())
		p.nextIndex = p.matchIndex + 1
	}
}

// findMatch looks for the last local entry that can match the follower
// suggestion and restarts replication right after it.
func (r *replicateManager) findMatch(p *peerState, term uint32, index uint64) {
	g := r.g
	p.searching = true
	epoch := r.epoch
	if index == 0 {
		r.matchFound(p, 0)
		return
	}
	if _, idx, ok, err := store.SearchMatchPos(r.ctx, g.tail, term, index); err == nil && ok {
		r.matchFound(p, idx)
		return
	}
	ctx := r.ctx
	g.goAsync(func(context.Context) {
		_, idx, ok, err := g.log.TryFindMatchPos(ctx, term, index)
		g.post(func() {
			if r.epoch != epoch {
				return
			}
			if err != nil {
				g.logger.Warn("find match position failed", "peer", p.id, "error", err)
				p.searching = false
				return
			}
			if !ok {
				idx = 0
			}
			r.matchFound(p, idx)
		})
	})
}

func (r *replicateManager) matchFound(p *peerState, idx uint64) {
	g := r.g
	p.searching = false
	if idx < p.matchIndex {
		idx = p.matchIndex
	}
	p.nextIndex = idx + 1
	if p.nextIndex < g.log.FirstIndex() {
		r.installSnapshot(p)
		return
	}
	r.replicate(p)
}

// installSnapshot streams the latest snapshot to p in chunks.
func (r *replicateManager) installSnapshot(p *peerState) {
	g := r.g
	if p.installing {
		return
	}
	snap, err := g.sm.OpenLatestSnapshot()
	if err != nil || snap == nil {
		g.logger.Warn("no snapshot to install on follower", "peer", p.id, "error", err)
		return
	}
	p.installing = true
	meta := snap.Meta()
	term := g.st.CurrentTerm
	epoch := r.epoch
	ctx := r.ctx
	g.logger.Info("install snapshot on follower", "peer", p.id, "index", meta.LastIncludedIndex)

	g.goAsync(func(context.Context) {
		defer snap.Close()
		err := r.streamSnapshot(ctx, p.id, term, meta, snap)
		g.post(func() {
			if r.epoch != epoch {
				return
			}
			p.installing = false
			if err != nil {
				g.logger.Warn("install snapshot failed", "peer", p.id, "error", err)
				return
			}
			if meta.LastIncludedIndex > p.matchIndex {
				p.matchIndex = meta.LastIncludedIndex
			}
			p.nextIndex = meta.LastIncludedIndex + 1
			g.leaderTryCommit()
			r.replicate(p)
		})
	})
}

func (r *replicateManager) streamSnapshot(ctx context.Context, peer int, term uint32, meta SnapshotMeta, snap Snapshot) error {
	g := r.g
	var offset uint64
	start := true
	for {
		data, done, err := g.sm.ReadNext(ctx, snap, snapshotChunkSize)
		if err != nil {
			return err
		}
		req := &InstallSnapshotRequest{
			GroupID:  g.id,
			Term:     term,
			LeaderID: g.nodeID,
			Meta:     meta,
			Offset:   offset,
			Data:     data,
			Start:    start,
			Done:     done,
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timing.rpcTimeout)
		resp, err := g.transport.InstallSnapshot(callCtx, peer, req)
		cancel()
		if err != nil {
			return err
		}
		if resp.Term > term {
			g.post(func() {
				if resp.Term > g.st.CurrentTerm {
					g.becomeFollower(resp.Term, 0)
				}
			})
			return ErrNotLeader
		}
		if !resp.Success {
			return errors.New("follower rejected snapshot chunk")
		}
		if done {
			return nil
		}
		offset += uint64(len(data))
		start = false
	}
}

// updateLease extends the lease to the time a quorum last acknowledged
// plus the election timeout.
func (g *Group) updateLease(now time.Time) {
	st := &g.st
	if st.Role != RoleLeader {
		return
	}
	ackOf := func(id int) time.Time { return g.repl.ackOf(id, now) }
	t := quorumTime(st.Members, ackOf)
	if st.joint() {
		if pt := quorumTime(st.PreparedMembers, ackOf); pt.Before(t) {
			t = pt
		}
	}
	if lease := t.Add(g.timing.electTimeout); lease.After(st.LeaseEnd) {
		st.LeaseEnd = lease
	}
}
